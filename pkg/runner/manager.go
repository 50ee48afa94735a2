package runner

import (
	"errors"
	"sync"
)

// ErrRunNotFound is returned for lookups of unknown run IDs.
var ErrRunNotFound = errors.New("runner: run not found")

// Manager tracks live and finished runs so the API layer can stream
// their contexts and route aborts.
type Manager struct {
	mu   sync.Mutex
	runs map[string]*Runner
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{runs: make(map[string]*Runner)}
}

// Register adds a run and returns its ID.
func (m *Manager) Register(r *Runner) string {
	id := r.Context().RunID
	m.mu.Lock()
	m.runs[id] = r
	m.mu.Unlock()
	return id
}

// Get returns the run with the given ID.
func (m *Manager) Get(runID string) (*Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return r, nil
}

// Abort requests termination of a run.
func (m *Manager) Abort(runID, requestedBy string) error {
	r, err := m.Get(runID)
	if err != nil {
		return err
	}
	r.Abort(requestedBy)
	return nil
}

// Contexts returns a snapshot of every tracked run.
func (m *Manager) Contexts() []Context {
	m.mu.Lock()
	runs := make([]*Runner, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.Unlock()

	out := make([]Context, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.Context())
	}
	return out
}
