package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wardenhq/warden/pkg/planner"
)

// SQLiteStore is the single-instance store.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) a store at path. ":memory:"
// works for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// The chain of callers is concurrent; sqlite is not.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an existing handle.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS plans (
		plan_id    TEXT PRIMARY KEY,
		tenant     TEXT NOT NULL,
		pack_id    TEXT NOT NULL,
		status     TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		body       JSON NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_plans_tenant ON plans(tenant, created_at);

	CREATE TABLE IF NOT EXISTS runs (
		run_id      TEXT PRIMARY KEY,
		plan_id     TEXT NOT NULL,
		tenant      TEXT NOT NULL,
		final_state TEXT NOT NULL,
		stop_reason TEXT,
		started_at  DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		body        JSON NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_tenant ON runs(tenant, finished_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("store: migrate sqlite: %w", err)
	}
	return nil
}

// Close closes the underlying handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// SavePlan inserts a new plan. Duplicate ids conflict.
func (s *SQLiteStore) SavePlan(ctx context.Context, tenant string, plan *planner.Plan) error {
	body, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("store: encode plan: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO plans (plan_id, tenant, pack_id, status, created_at, body) VALUES (?, ?, ?, ?, ?, ?)`,
		plan.ID, tenant, plan.PackID, string(plan.ApprovalStatus), plan.CreatedAt.UTC().Format(time.RFC3339Nano), body)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: plan %s", ErrConflict, plan.ID)
		}
		return fmt.Errorf("store: save plan: %w", err)
	}
	return nil
}

// UpdatePlan overwrites a stored plan, typically after approval.
func (s *SQLiteStore) UpdatePlan(ctx context.Context, tenant string, plan *planner.Plan) error {
	body, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("store: encode plan: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE plans SET status = ?, body = ? WHERE plan_id = ? AND tenant = ?`,
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
func (s *SQLiteStore) GetPlan(ctx context.Context, tenant, planID string) (*planner.Plan, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM plans WHERE plan_id = ? AND tenant = ?`, planID, tenant).Scan(&body)
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
func (s *SQLiteStore) ListPlans(ctx context.Context, tenant string, limit int) ([]*planner.Plan, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM plans WHERE tenant = ? ORDER BY created_at DESC LIMIT ?`, tenant, limit)
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
func (s *SQLiteStore) SaveRun(ctx context.Context, rec *RunRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode run: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, plan_id, tenant, final_state, stop_reason, started_at, finished_at, body)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.PlanID, rec.Tenant, string(rec.FinalState), rec.StopReason,
		rec.StartedAt.UTC().Format(time.RFC3339Nano), rec.FinishedAt.UTC().Format(time.RFC3339Nano), body)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: run %s", ErrConflict, rec.RunID)
		}
		return fmt.Errorf("store: save run: %w", err)
	}
	return nil
}

// GetRun fetches one run record scoped to its tenant.
func (s *SQLiteStore) GetRun(ctx context.Context, tenant, runID string) (*RunRecord, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM runs WHERE run_id = ? AND tenant = ?`, runID, tenant).Scan(&body)
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
func (s *SQLiteStore) ListRuns(ctx context.Context, tenant string, limit int) ([]*RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM runs WHERE tenant = ? ORDER BY finished_at DESC LIMIT ?`, tenant, limit)
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

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "duplicate key")
}
