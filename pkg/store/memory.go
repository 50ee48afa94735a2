package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/wardenhq/warden/pkg/planner"
)

// MemoryStore holds everything in process. Tests and the doctor
// subcommand use it; nothing survives a restart.
type MemoryStore struct {
	mu    sync.RWMutex
	plans map[string][]byte // key: tenant + "/" + id
	runs  map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{plans: make(map[string][]byte), runs: make(map[string][]byte)}
}

func memKey(tenant, id string) string { return tenant + "/" + id }

// SavePlan inserts a new plan.
func (s *MemoryStore) SavePlan(_ context.Context, tenant string, plan *planner.Plan) error {
	body, err := json.Marshal(plan)
	if err != nil {
		return err
	}
	key := memKey(tenant, plan.ID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.plans[key]; exists {
		return fmt.Errorf("%w: plan %s", ErrConflict, plan.ID)
	}
	s.plans[key] = body
	return nil
}

// UpdatePlan overwrites a stored plan.
func (s *MemoryStore) UpdatePlan(_ context.Context, tenant string, plan *planner.Plan) error {
	body, err := json.Marshal(plan)
	if err != nil {
		return err
	}
	key := memKey(tenant, plan.ID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.plans[key]; !exists {
		return fmt.Errorf("%w: plan %s", ErrNotFound, plan.ID)
	}
	s.plans[key] = body
	return nil
}

// GetPlan fetches one plan scoped to its tenant.
func (s *MemoryStore) GetPlan(_ context.Context, tenant, planID string) (*planner.Plan, error) {
	s.mu.RLock()
	body, ok := s.plans[memKey(tenant, planID)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: plan %s", ErrNotFound, planID)
	}
	var plan planner.Plan
	if err := json.Unmarshal(body, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// ListPlans returns the tenant's plans, newest first.
func (s *MemoryStore) ListPlans(_ context.Context, tenant string, limit int) ([]*planner.Plan, error) {
	s.mu.RLock()
	var out []*planner.Plan
	for key, body := range s.plans {
		if !matchesTenant(key, tenant) {
			continue
		}
		var plan planner.Plan
		if err := json.Unmarshal(body, &plan); err != nil {
			s.mu.RUnlock()
			return nil, err
		}
		out = append(out, &plan)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveRun persists a finished run record.
func (s *MemoryStore) SaveRun(_ context.Context, rec *RunRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := memKey(rec.Tenant, rec.RunID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[key]; exists {
		return fmt.Errorf("%w: run %s", ErrConflict, rec.RunID)
	}
	s.runs[key] = body
	return nil
}

// GetRun fetches one run record scoped to its tenant.
func (s *MemoryStore) GetRun(_ context.Context, tenant, runID string) (*RunRecord, error) {
	s.mu.RLock()
	body, ok := s.runs[memKey(tenant, runID)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	var rec RunRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRuns returns the tenant's runs, newest finish first.
func (s *MemoryStore) ListRuns(_ context.Context, tenant string, limit int) ([]*RunRecord, error) {
	s.mu.RLock()
	var out []*RunRecord
	for key, body := range s.runs {
		if !matchesTenant(key, tenant) {
			continue
		}
		var rec RunRecord
		if err := json.Unmarshal(body, &rec); err != nil {
			s.mu.RUnlock()
			return nil, err
		}
		out = append(out, &rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].FinishedAt.After(out[j].FinishedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matchesTenant(key, tenant string) bool {
	return len(key) > len(tenant) && key[:len(tenant)] == tenant && key[len(tenant)] == '/'
}
