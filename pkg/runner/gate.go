package runner

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/pkg/pack"
)

// ErrGateNotFound is returned for a decision on an unknown or already
// decided gate.
var ErrGateNotFound = errors.New("runner: gate not found")

// Gate is one pending human decision. The runner blocks on its decision
// channel; there is deliberately no timeout — a pending gate waits for a
// human or for an explicit abort, never a clock.
type Gate struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	StepIndex int       `json:"step_index"`
	Tier      pack.Tier `json:"tier"`
	Rationale string    `json:"rationale"`
	RaisedAt  time.Time `json:"raised_at"`

	decision chan gateVerdict
}

type gateVerdict struct {
	approved  bool
	aborted   bool
	decidedBy string
}

// GateBroker routes external decisions to waiting runs. One broker is
// shared by all runs in the service.
type GateBroker struct {
	mu    sync.Mutex
	gates map[string]*Gate
}

// NewGateBroker creates an empty broker.
func NewGateBroker() *GateBroker {
	return &GateBroker{gates: make(map[string]*Gate)}
}

// open registers a new pending gate.
func (b *GateBroker) open(runID string, stepIndex int, tier pack.Tier, rationale string) *Gate {
	g := &Gate{
		ID:        uuid.New().String(),
		RunID:     runID,
		StepIndex: stepIndex,
		Tier:      tier,
		Rationale: rationale,
		RaisedAt:  time.Now().UTC(),
		decision:  make(chan gateVerdict, 1),
	}

	b.mu.Lock()
	b.gates[g.ID] = g
	b.mu.Unlock()
	return g
}

// close removes a gate once resolved or abandoned.
func (b *GateBroker) close(gateID string) {
	b.mu.Lock()
	delete(b.gates, gateID)
	b.mu.Unlock()
}

// Decide delivers a human verdict to the waiting run.
func (b *GateBroker) Decide(gateID, decidedBy string, approved bool) error {
	b.mu.Lock()
	g, ok := b.gates[gateID]
	if ok {
		delete(b.gates, gateID)
	}
	b.mu.Unlock()

	if !ok {
		return ErrGateNotFound
	}
	g.decision <- gateVerdict{approved: approved, decidedBy: decidedBy}
	return nil
}

// Pending lists gates awaiting a decision.
func (b *GateBroker) Pending() []*Gate {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*Gate, 0, len(b.gates))
	for _, g := range b.gates {
		out = append(out, g)
	}
	return out
}
