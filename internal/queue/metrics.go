package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tally_jobs_claimed_total",
		Help: "Jobs claimed by poll cycles.",
	})
	jobsSucceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tally_jobs_succeeded_total",
		Help: "Jobs whose handler succeeded and outcome was committed.",
	})
	jobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tally_jobs_failed_total",
		Help: "Jobs whose handler failed (including panics).",
	})
	jobsDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tally_jobs_dead_lettered_total",
		Help: "Jobs moved to the terminal dead-letter disposition.",
	})
	jobsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tally_jobs_skipped_total",
		Help: "Claimed jobs skipped because no handler matched their queue.",
	})
	jobsReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tally_jobs_reclaimed_total",
		Help: "Running jobs returned to available by the stale sweep.",
	})
)
