package audit

import "github.com/google/uuid"

// Recorder is the 4-argument append used by internal components that do
// not manage their own nonces.
type Recorder struct {
	store *Store
}

// NewRecorder wraps a store with generated nonces.
func NewRecorder(s *Store) *Recorder { return &Recorder{store: s} }

// Record appends one entry with a fresh nonce.
func (r *Recorder) Record(actor Actor, action, resource string, payload map[string]any) error {
	_, err := r.store.Append(actor, action, resource, payload, uuid.New().String())
	return err
}
