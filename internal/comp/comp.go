// Package comp computes compensation figures. The model is deliberately a
// pure function of its inputs: base salary is a benchmark adjusted by
// location, level, and step multipliers, rounded to whole currency units.
// Persistence of the outputs lives in the store; nothing here touches I/O.
package comp

import "math"

// levelFactor maps a job level to its multiplier over the benchmark.
// Level 1 is the benchmark itself; out-of-range levels clamp to the edges.
var levelFactor = []float64{
	1: 1.00,
	2: 1.18,
	3: 1.40,
	4: 1.68,
	5: 2.05,
	6: 2.50,
}

// stepIncrement is the per-step raise within a level.
const stepIncrement = 0.05

// Salary returns the base salary for the given benchmark, location factor,
// level, and step. Steps start at 1; step 1 adds nothing.
func Salary(benchmark, locationFactor float64, level, step int32) float64 {
	if benchmark <= 0 || locationFactor <= 0 {
		return 0
	}
	if level < 1 {
		level = 1
	}
	if int(level) >= len(levelFactor) {
		level = int32(len(levelFactor) - 1)
	}
	if step < 1 {
		step = 1
	}
	raw := benchmark * locationFactor * levelFactor[level] * (1 + stepIncrement*float64(step-1))
	return math.Round(raw)
}
