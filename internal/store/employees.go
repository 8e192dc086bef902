package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Employee is one row of the employees table. BaseSalary is nil until the
// first compensation recalculation has run.
type Employee struct {
	ID              uuid.UUID
	Name            string
	Email           string
	Title           string
	ManagerID       uuid.NullUUID
	LocationFactor  float64
	Level           int32
	Step            int32
	BenchmarkSalary float64
	BaseSalary      *float64
	StartedAt       time.Time
	CreatedAt       time.Time
}

const employeeColumns = `id, name, email, title, manager_id, location_factor,
level, step, benchmark_salary, base_salary, started_at, created_at`

func scanEmployee(row pgx.Row) (Employee, error) {
	var e Employee
	err := row.Scan(&e.ID, &e.Name, &e.Email, &e.Title, &e.ManagerID,
		&e.LocationFactor, &e.Level, &e.Step, &e.BenchmarkSalary,
		&e.BaseSalary, &e.StartedAt, &e.CreatedAt)
	return e, err
}

// CreateEmployeeParams are the caller-supplied fields for CreateEmployee.
type CreateEmployeeParams struct {
	Name            string
	Email           string
	Title           string
	ManagerID       uuid.NullUUID
	LocationFactor  float64
	Level           int32
	Step            int32
	BenchmarkSalary float64
	StartedAt       time.Time
}

// CreateEmployee inserts an employee and returns its id.
func (s *Store) CreateEmployee(ctx context.Context, p CreateEmployeeParams) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO employees
			(name, email, title, manager_id, location_factor, level, step, benchmark_salary, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		p.Name, p.Email, p.Title, p.ManagerID, p.LocationFactor,
		p.Level, p.Step, p.BenchmarkSalary, p.StartedAt,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create employee: %w", err)
	}
	return id, nil
}

// GetEmployee returns the employee with the given id, or (nil, nil) if absent.
func (s *Store) GetEmployee(ctx context.Context, id uuid.UUID) (*Employee, error) {
	e, err := scanEmployee(s.pool.QueryRow(ctx,
		`SELECT `+employeeColumns+` FROM employees WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get employee %s: %w", id, err)
	}
	return &e, nil
}

// CheckInCandidate pairs an employee with their manager for keeper-test
// scheduling. Employees without a manager are never candidates.
type CheckInCandidate struct {
	Employee     Employee
	ManagerEmail string
	ManagerName  string
	ManagerID    uuid.UUID
}

// ListCheckInDue returns employees who started at least tenureDays ago, have
// a manager, and do not already have a live keeper-test job referencing them.
// The anti-join keeps the scheduler idempotent across repeated runs.
func (s *Store) ListCheckInDue(ctx context.Context, tenureDays int) ([]CheckInCandidate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.id, e.name, e.email, e.title, e.manager_id, e.location_factor,
		       e.level, e.step, e.benchmark_salary, e.base_salary, e.started_at, e.created_at,
		       m.id, m.email, m.name
		FROM employees e
		JOIN employees m ON m.id = e.manager_id
		WHERE e.started_at <= (now() - ($1 * interval '1 day'))::date
		  AND NOT EXISTS (
			SELECT 1 FROM jobs j
			WHERE j.state <> 'dead'
			  AND j.queue IN ('send_keeper_test', 'receive_keeper_test_results')
			  AND j.payload -> 'employee' ->> 'id' = e.id::text
		  )
		ORDER BY e.started_at ASC`,
		tenureDays,
	)
	if err != nil {
		return nil, fmt.Errorf("list check-in due: %w", err)
	}
	defer rows.Close()

	var out []CheckInCandidate
	for rows.Next() {
		var (
			c CheckInCandidate
			e Employee
		)
		if err := rows.Scan(&e.ID, &e.Name, &e.Email, &e.Title, &e.ManagerID,
			&e.LocationFactor, &e.Level, &e.Step, &e.BenchmarkSalary,
			&e.BaseSalary, &e.StartedAt, &e.CreatedAt,
			&c.ManagerID, &c.ManagerEmail, &c.ManagerName); err != nil {
			return nil, fmt.Errorf("list check-in due: %w", err)
		}
		c.Employee = e
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list check-in due: %w", err)
	}
	return out, nil
}

// ListEmployees returns all employees ordered by name. Used by the comp
// recalculation pass.
func (s *Store) ListEmployees(ctx context.Context) ([]Employee, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+employeeColumns+` FROM employees ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list employees: %w", err)
	}
	defer rows.Close()

	var out []Employee
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, fmt.Errorf("list employees: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list employees: %w", err)
	}
	return out, nil
}

// UpdateEmployeeComp persists the computed base salary for an employee.
func (s *Store) UpdateEmployeeComp(ctx context.Context, id uuid.UUID, baseSalary float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE employees SET base_salary = $2 WHERE id = $1`, id, baseSalary)
	if err != nil {
		return fmt.Errorf("update employee comp %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update employee comp %s: no such employee", id)
	}
	return nil
}
