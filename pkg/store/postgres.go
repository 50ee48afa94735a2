package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/wardenhq/warden/pkg/planner"
)

// PostgresStore is the shared store for multi-instance deployments.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects with a libpq DSN and migrates.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing handle without migrating. Tests
// pair it with a mock.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS plans (
		plan_id    TEXT PRIMARY KEY,
		tenant     TEXT NOT NULL,
		pack_id    TEXT NOT NULL,
		status     TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		body       JSONB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_plans_tenant ON plans(tenant, created_at);

	CREATE TABLE IF NOT EXISTS runs (
		run_id      TEXT PRIMARY KEY,
		plan_id     TEXT NOT NULL,
		tenant      TEXT NOT NULL,
		final_state TEXT NOT NULL,
		stop_reason TEXT,
		started_at  TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ NOT NULL,
		body        JSONB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_tenant ON runs(tenant, finished_at);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("store: migrate postgres: %w", err)
	}
	return nil
}

// Close closes the underlying handle.
func (s *PostgresStore) Close() error { return s.db.Close() }

// SavePlan inserts a new plan.
func (s *PostgresStore) SavePlan(ctx context.Context, tenant string, plan *planner.Plan) error {
	body, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("store: encode plan: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO plans (plan_id, tenant, pack_id, status, created_at, body) VALUES ($1, $2, $3, $4, $5, $6)`,
		plan.ID, tenant, plan.PackID, string(plan.ApprovalStatus), plan.CreatedAt.UTC(), body)
	if err != nil {
		if isPQUnique(err) {
			return fmt.Errorf("%w: plan %s", ErrConflict, plan.ID)
		}
		return fmt.Errorf("store: save plan: %w", err)
	}
	return nil
}

// UpdatePlan overwrites a stored plan.
func (s *PostgresStore) UpdatePlan(ctx context.Context, tenant string, plan *planner.Plan) error {
	body, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("store: encode plan: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE plans SET status = $1, body = $2 WHERE plan_id = $3 AND tenant = $4`,
		string(plan.ApprovalStatus), body, plan.ID, tenant)
	if err != nil {
		return fmt.Errorf("store: update plan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: plan %s", ErrNotFound, plan.ID)
	}
	return nil
}

// GetPlan fetches one plan scoped to its tenant.
func (s *PostgresStore) GetPlan(ctx context.Context, tenant, planID string) (*planner.Plan, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM plans WHERE plan_id = $1 AND tenant = $2`, planID, tenant).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: plan %s", ErrNotFound, planID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get plan: %w", err)
	}
	var plan planner.Plan
	if err := json.Unmarshal(body, &plan); err != nil {
		return nil, fmt.Errorf("store: decode plan %s: %w", planID, err)
	}
	return &plan, nil
}

// ListPlans returns the tenant's newest plans.
func (s *PostgresStore) ListPlans(ctx context.Context, tenant string, limit int) ([]*planner.Plan, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM plans WHERE tenant = $1 ORDER BY created_at DESC LIMIT $2`, tenant, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list plans: %w", err)
	}
	defer rows.Close()

	var out []*planner.Plan
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var plan planner.Plan
		if err := json.Unmarshal(body, &plan); err != nil {
			return nil, fmt.Errorf("store: decode plan: %w", err)
		}
		out = append(out, &plan)
	}
	return out, rows.Err()
}

// SaveRun persists a finished run record.
func (s *PostgresStore) SaveRun(ctx context.Context, rec *RunRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode run: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, plan_id, tenant, final_state, stop_reason, started_at, finished_at, body)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.RunID, rec.PlanID, rec.Tenant, string(rec.FinalState), rec.StopReason,
		rec.StartedAt.UTC(), rec.FinishedAt.UTC(), body)
	if err != nil {
		if isPQUnique(err) {
			return fmt.Errorf("%w: run %s", ErrConflict, rec.RunID)
		}
		return fmt.Errorf("store: save run: %w", err)
	}
	return nil
}

// GetRun fetches one run record scoped to its tenant.
func (s *PostgresStore) GetRun(ctx context.Context, tenant, runID string) (*RunRecord, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM runs WHERE run_id = $1 AND tenant = $2`, runID, tenant).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get run: %w", err)
	}
	var rec RunRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("store: decode run %s: %w", runID, err)
	}
	return &rec, nil
}

// ListRuns returns the tenant's newest runs.
func (s *PostgresStore) ListRuns(ctx context.Context, tenant string, limit int) ([]*RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM runs WHERE tenant = $1 ORDER BY finished_at DESC LIMIT $2`, tenant, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var rec RunRecord
		if err := json.Unmarshal(body, &rec); err != nil {
			return nil, fmt.Errorf("store: decode run: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// isPQUnique matches the unique_violation SQLSTATE.
func isPQUnique(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
