// Package audit provides the append-only, hash-chained, signed audit
// ledger underneath every governance decision.
//
// Each entry carries the hash of its predecessor and an HMAC signature
// from the key manager. The chain proves ordering and completeness; the
// signature proves authorship. These are orthogonal: a broken chain and a
// bad signature are reported as distinct failures.
package audit

import (
	"time"

	"github.com/wardenhq/warden/pkg/canonicalize"
)

// Actor identifies who performed an audited action.
type Actor struct {
	Subject string `json:"subject"`
	Role    string `json:"role,omitempty"`
	Session string `json:"session,omitempty"`
	Tenant  string `json:"tenant,omitempty"`
}

// Entry is the unit of the ledger. Immutable once written.
type Entry struct {
	Index         uint64         `json:"index"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
	Actor         Actor          `json:"actor"`
	Action        string         `json:"action"`
	Resource      string         `json:"resource,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`

	// Version stamps tie the entry to the policy environment it was
	// written under.
	PolicyVersion   string `json:"policy_version,omitempty"`
	ComplianceLevel string `json:"compliance_level"`

	// Nonce defeats replay of previously captured append calls.
	Nonce string `json:"nonce"`

	// PrevHash is the EntryHash of the preceding entry, empty for the
	// first entry in a file.
	PrevHash string `json:"prev_hash"`

	// EntryHash is the canonical content hash over every field above.
	EntryHash string `json:"entry_hash"`

	// Signature is the key manager's HMAC over EntryHash; KeyVersion is
	// embedded in its "v<N>:" prefix.
	Signature string `json:"signature,omitempty"`
}

// ContentHash computes the canonical hash over everything except
// EntryHash and Signature. Exported so offline tools can replay the
// chain without the store.
func (e *Entry) ContentHash() (string, error) {
	shadow := struct {
		Index           uint64         `json:"index"`
		Timestamp       time.Time      `json:"timestamp"`
		CorrelationID   string         `json:"correlation_id"`
		Actor           Actor          `json:"actor"`
		Action          string         `json:"action"`
		Resource        string         `json:"resource,omitempty"`
		Payload         map[string]any `json:"payload,omitempty"`
		PolicyVersion   string         `json:"policy_version,omitempty"`
		ComplianceLevel string         `json:"compliance_level"`
		Nonce           string         `json:"nonce"`
		PrevHash        string         `json:"prev_hash"`
	}{
		Index:           e.Index,
		Timestamp:       e.Timestamp,
		CorrelationID:   e.CorrelationID,
		Actor:           e.Actor,
		Action:          e.Action,
		Resource:        e.Resource,
		Payload:         e.Payload,
		PolicyVersion:   e.PolicyVersion,
		ComplianceLevel: e.ComplianceLevel,
		Nonce:           e.Nonce,
		PrevHash:        e.PrevHash,
	}
	return canonicalize.Hash(shadow)
}

// VerifyResult reports the outcome of a chain verification pass.
type VerifyResult struct {
	Valid          bool   `json:"valid"`
	EntriesChecked int    `json:"entries_checked"`
	BrokenAt       uint64 `json:"broken_at,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// State is a snapshot of the live chain position.
type State struct {
	Index       uint64 `json:"index"`
	PrevHash    string `json:"prev_hash"`
	CurrentFile string `json:"current_file"`
	FileCount   int    `json:"file_count"`
}

// Query filters entry reads.
type Query struct {
	From   time.Time
	To     time.Time
	Action string
	Limit  int
}
