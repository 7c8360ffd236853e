package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"apex-test-suite/backend/internal/run/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a run repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts the run and fills in its store-assigned ID.
func (r *PostgresRepository) Create(ctx context.Context, run *domain.Run) error {
	return r.db.QueryRowContext(ctx, `
		INSERT INTO test_runs (async_apex_job_id, org_id, status, total_tests, pass_count, fail_count, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		run.AsyncApexJobID, run.OrgID, run.Status, run.TotalTests, run.PassCount,
		run.FailCount, run.StartedAt,
	).Scan(&run.ID)
}

// FindByID returns the run for id, or nil if not found. It returns an error only
// for database failures, not for missing rows.
func (r *PostgresRepository) FindByID(ctx context.Context, id int64) (*domain.Run, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, async_apex_job_id, org_id, status, total_tests, pass_count, fail_count,
		       started_at, completed_at
		FROM test_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return run, nil
}

// MarkTerminal moves the run into a terminal status and stamps completed_at.
// Used for the Failed and Aborted exits; the Completed exit goes through
// FinalizeCompleted.
func (r *PostgresRepository) MarkTerminal(ctx context.Context, id int64, status domain.Status, completedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE test_runs SET status = $2, completed_at = $3 WHERE id = $1`,
		id, status, completedAt)
	return err
}

// FinalizeCompleted writes the run's terminal Completed state together with its
// result and coverage children in one transaction, so readers never observe a
// completed run with partially written children.
func (r *PostgresRepository) FinalizeCompleted(ctx context.Context, run *domain.Run, results []domain.Result, coverage []domain.CoverageSnapshot) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		UPDATE test_runs
		SET status = $2, total_tests = $3, pass_count = $4, fail_count = $5, completed_at = $6
		WHERE id = $1`,
		run.ID, run.Status, run.TotalTests, run.PassCount, run.FailCount, run.CompletedAt)
	if err != nil {
		return err
	}
	for _, res := range results {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO test_results (test_run_id, class_name, method_name, outcome, message, stack_trace, run_time_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			run.ID, res.ClassName, res.MethodName, res.Outcome, res.Message, res.StackTrace, res.RunTimeMs)
		if err != nil {
			return err
		}
	}
	for _, cov := range coverage {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO coverage_snapshots (test_run_id, class_name, lines_covered, lines_uncovered, coverage_percent)
			VALUES ($1, $2, $3, $4, $5)`,
			run.ID, cov.ClassName, cov.LinesCovered, cov.LinesUncovered, cov.CoveragePercent)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// List returns one page of runs, newest first, and the total run count.
func (r *PostgresRepository) List(ctx context.Context, page, size int) ([]*domain.Run, int64, error) {
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = 20
	}
	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM test_runs`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, async_apex_job_id, org_id, status, total_tests, pass_count, fail_count,
		       started_at, completed_at
		FROM test_runs
		ORDER BY started_at DESC
		LIMIT $1 OFFSET $2`, size, page*size)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, run)
	}
	return out, total, rows.Err()
}

// ResultsByRun returns the run's results ordered by class then method name.
func (r *PostgresRepository) ResultsByRun(ctx context.Context, runID int64) ([]domain.Result, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, test_run_id, class_name, method_name, outcome, message, stack_trace, run_time_ms
		FROM test_results WHERE test_run_id = $1
		ORDER BY class_name, method_name`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Result
	for rows.Next() {
		var res domain.Result
		if err := rows.Scan(&res.ID, &res.RunID, &res.ClassName, &res.MethodName,
			&res.Outcome, &res.Message, &res.StackTrace, &res.RunTimeMs); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// CoverageByRun returns the run's coverage snapshots ordered by class name.
func (r *PostgresRepository) CoverageByRun(ctx context.Context, runID int64) ([]domain.CoverageSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, test_run_id, class_name, lines_covered, lines_uncovered, coverage_percent
		FROM coverage_snapshots WHERE test_run_id = $1
		ORDER BY class_name`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.CoverageSnapshot
	for rows.Next() {
		var cov domain.CoverageSnapshot
		if err := rows.Scan(&cov.ID, &cov.RunID, &cov.ClassName, &cov.LinesCovered,
			&cov.LinesUncovered, &cov.CoveragePercent); err != nil {
			return nil, err
		}
		out = append(out, cov)
	}
	return out, rows.Err()
}

// PassRatePoint is one day of aggregated completed-run counts.
type PassRatePoint struct {
	Day      time.Time `json:"day"`
	Passed   int       `json:"passed"`
	Failed   int       `json:"failed"`
	PassRate float64   `json:"passRate"`
}

// PassRateTrend aggregates pass/fail counts per day over the last days days of
// completed runs for the org.
func (r *PostgresRepository) PassRateTrend(ctx context.Context, orgID string, days int) ([]PassRatePoint, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT date_trunc('day', started_at) AS day,
		       COALESCE(SUM(pass_count), 0), COALESCE(SUM(fail_count), 0)
		FROM test_runs
		WHERE org_id = $1 AND status = $2 AND started_at >= now() - make_interval(days => $3)
		GROUP BY day
		ORDER BY day`, orgID, domain.StatusCompleted, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PassRatePoint
	for rows.Next() {
		var p PassRatePoint
		if err := rows.Scan(&p.Day, &p.Passed, &p.Failed); err != nil {
			return nil, err
		}
		if total := p.Passed + p.Failed; total > 0 {
			p.PassRate = float64(p.Passed) * 100.0 / float64(total)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CoveragePoint is one day of average coverage across finalized runs.
type CoveragePoint struct {
	Day         time.Time `json:"day"`
	AvgCoverage float64   `json:"avgCoverage"`
}

// CoverageTrend averages coverage percent per day over the last days days for the org.
func (r *PostgresRepository) CoverageTrend(ctx context.Context, orgID string, days int) ([]CoveragePoint, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT date_trunc('day', r.started_at) AS day, AVG(c.coverage_percent)
		FROM coverage_snapshots c
		JOIN test_runs r ON r.id = c.test_run_id
		WHERE r.org_id = $1 AND r.started_at >= now() - make_interval(days => $2)
		GROUP BY day
		ORDER BY day`, orgID, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CoveragePoint
	for rows.Next() {
		var p CoveragePoint
		if err := rows.Scan(&p.Day, &p.AvgCoverage); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	var completedAt sql.NullTime
	err := row.Scan(&run.ID, &run.AsyncApexJobID, &run.OrgID, &run.Status,
		&run.TotalTests, &run.PassCount, &run.FailCount, &run.StartedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return &run, nil
}
