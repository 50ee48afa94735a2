// Package store persists plans and run records. Plans are stored as
// canonical JSON blobs keyed by id and tenant; relational columns exist
// only for what queries actually filter on.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/wardenhq/warden/pkg/planner"
	"github.com/wardenhq/warden/pkg/runner"
)

// Store errors.
var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: already exists")
)

// RunRecord is the persisted summary of one run.
type RunRecord struct {
	RunID      string         `json:"run_id"`
	PlanID     string         `json:"plan_id"`
	Tenant     string         `json:"tenant"`
	FinalState runner.State   `json:"final_state"`
	StopReason string         `json:"stop_reason,omitempty"`
	Context    runner.Context `json:"context"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// PlanStore persists plans across requests; approval happens on the
// stored copy.
type PlanStore interface {
	SavePlan(ctx context.Context, tenant string, plan *planner.Plan) error
	UpdatePlan(ctx context.Context, tenant string, plan *planner.Plan) error
	GetPlan(ctx context.Context, tenant, planID string) (*planner.Plan, error)
	ListPlans(ctx context.Context, tenant string, limit int) ([]*planner.Plan, error)
}

// RunStore persists finished run records.
type RunStore interface {
	SaveRun(ctx context.Context, rec *RunRecord) error
	GetRun(ctx context.Context, tenant, runID string) (*RunRecord, error)
	ListRuns(ctx context.Context, tenant string, limit int) ([]*RunRecord, error)
}

// Store is both halves.
type Store interface {
	PlanStore
	RunStore
}
