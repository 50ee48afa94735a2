// Package kms provides purpose-scoped key management for the governed
// action core.
//
// Keys are strictly separated by purpose: the audit-signing key never
// signs API tokens and the encryption key never produces HMACs. Each
// purpose key is derived from a versioned master seed via HKDF-SHA256
// with the purpose string as info, so rotating the seed rotates every
// purpose key in lockstep while old versions remain available for
// verification of previously signed material.
package kms

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// Purpose scopes a key to one use. Purposes never interchange.
type Purpose string

const (
	PurposeAuditSigning Purpose = "audit-signing"
	PurposeEncryption   Purpose = "encryption"
	PurposeAPIAuth      Purpose = "api-auth"
)

var validPurposes = map[Purpose]bool{
	PurposeAuditSigning: true,
	PurposeEncryption:   true,
	PurposeAPIAuth:      true,
}

// Errors.
var (
	ErrUnknownPurpose = errors.New("kms: unknown key purpose")
	ErrUnknownVersion = errors.New("kms: unknown key version")
	ErrBadSignature   = errors.New("kms: signature verification failed")
)

// Provider supplies raw purpose keys. Swappable for an HSM or cloud KMS
// in production; the local file-backed provider serves everything else.
type Provider interface {
	// Key returns the purpose key for a specific seed version.
	Key(purpose Purpose, version int) ([]byte, error)

	// ActiveVersion returns the current seed version.
	ActiveVersion() int

	// Rotate generates a new seed version. Old versions remain readable.
	Rotate() (int, error)
}

// Manager exposes signing operations without handing out raw material.
type Manager struct {
	provider Provider
}

// NewManager wraps a provider.
func NewManager(p Provider) *Manager {
	return &Manager{provider: p}
}

// SignHMAC computes an HMAC-SHA256 over data with the active purpose key.
// The result carries the key version as "v<N>:<base64>".
func (m *Manager) SignHMAC(purpose Purpose, data []byte) (string, error) {
	if !validPurposes[purpose] {
		return "", fmt.Errorf("%w: %q", ErrUnknownPurpose, purpose)
	}

	version := m.provider.ActiveVersion()
	key, err := m.provider.Key(purpose, version)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return fmt.Sprintf("v%d:%s", version, base64.StdEncoding.EncodeToString(mac.Sum(nil))), nil
}

// VerifyHMAC checks a versioned signature produced by SignHMAC. The
// comparison is constant-time. Signatures made under rotated-out versions
// still verify as long as the provider retains the version.
func (m *Manager) VerifyHMAC(purpose Purpose, data []byte, signature string) error {
	if !validPurposes[purpose] {
		return fmt.Errorf("%w: %q", ErrUnknownPurpose, purpose)
	}

	version, payload, err := parseVersioned(signature)
	if err != nil {
		return err
	}

	key, err := m.provider.Key(purpose, version)
	if err != nil {
		return err
	}

	expected, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return fmt.Errorf("kms: decode signature: %w", err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	if !hmac.Equal(mac.Sum(nil), expected) {
		return ErrBadSignature
	}
	return nil
}

// ActiveVersion returns the provider's current seed version.
func (m *Manager) ActiveVersion() int {
	return m.provider.ActiveVersion()
}

// RotateKey rotates the underlying seed, advancing every purpose key.
func (m *Manager) RotateKey() (int, error) {
	return m.provider.Rotate()
}

// Key returns the raw purpose key at the active version. Only components
// that genuinely need raw material (the encryption path) call this.
func (m *Manager) Key(purpose Purpose) ([]byte, error) {
	if !validPurposes[purpose] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPurpose, purpose)
	}
	return m.provider.Key(purpose, m.provider.ActiveVersion())
}

// keystore is the on-disk JSON format for persisted seeds.
type keystore struct {
	ActiveVersion int               `json:"active_version"`
	Seeds         map[string]string `json:"seeds"` // version -> base64 32-byte seed
}

// LocalProvider is a file-backed provider that derives purpose keys from
// versioned random seeds. Suitable for everything below production.
type LocalProvider struct {
	mu    sync.RWMutex
	store keystore
	path  string
	seeds map[int][]byte
}

// NewLocalProvider loads or creates a local keystore at the given path.
// A fresh keystore starts at seed version 1.
func NewLocalProvider(keystorePath string) (*LocalProvider, error) {
	p := &LocalProvider{
		path:  keystorePath,
		seeds: make(map[int][]byte),
	}

	if _, err := os.Stat(keystorePath); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(keystorePath), 0o700); err != nil {
			return nil, fmt.Errorf("kms: create dir: %w", err)
		}

		seed := make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, seed); err != nil {
			return nil, fmt.Errorf("kms: generate seed: %w", err)
		}

		p.store = keystore{
			ActiveVersion: 1,
			Seeds:         map[string]string{"1": base64.StdEncoding.EncodeToString(seed)},
		}
		p.seeds[1] = seed

		if err := p.persist(); err != nil {
			return nil, err
		}
		return p, nil
	}

	data, err := os.ReadFile(keystorePath)
	if err != nil {
		return nil, fmt.Errorf("kms: read keystore: %w", err)
	}
	if err := json.Unmarshal(data, &p.store); err != nil {
		return nil, fmt.Errorf("kms: parse keystore: %w", err)
	}

	for vStr, encoded := range p.store.Seeds {
		v, err := strconv.Atoi(vStr)
		if err != nil {
			return nil, fmt.Errorf("kms: invalid version %q: %w", vStr, err)
		}
		seed, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("kms: decode seed v%d: %w", v, err)
		}
		if len(seed) != 32 {
			return nil, fmt.Errorf("kms: seed v%d invalid length %d (need 32)", v, len(seed))
		}
		p.seeds[v] = seed
	}

	if _, ok := p.seeds[p.store.ActiveVersion]; !ok {
		return nil, fmt.Errorf("kms: active version %d not in keystore", p.store.ActiveVersion)
	}
	return p, nil
}

// Key derives the purpose key for a seed version via HKDF-SHA256.
func (p *LocalProvider) Key(purpose Purpose, version int) ([]byte, error) {
	p.mu.RLock()
	seed, ok := p.seeds[version]
	p.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: v%d", ErrUnknownVersion, version)
	}

	r := hkdf.New(sha256.New, seed, []byte("warden-kms"), []byte(purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("kms: derive %s key: %w", purpose, err)
	}
	return key, nil
}

// ActiveVersion returns the current seed version.
func (p *LocalProvider) ActiveVersion() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.store.ActiveVersion
}

// Rotate generates a new seed version and persists the keystore.
func (p *LocalProvider) Rotate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	newVersion := p.store.ActiveVersion + 1

	seed := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return 0, fmt.Errorf("kms: generate seed: %w", err)
	}

	p.store.Seeds[strconv.Itoa(newVersion)] = base64.StdEncoding.EncodeToString(seed)
	p.store.ActiveVersion = newVersion
	p.seeds[newVersion] = seed

	if err := p.persist(); err != nil {
		return 0, err
	}
	return newVersion, nil
}

func (p *LocalProvider) persist() error {
	data, err := json.MarshalIndent(p.store, "", "  ")
	if err != nil {
		return fmt.Errorf("kms: marshal keystore: %w", err)
	}
	if err := os.WriteFile(p.path, data, 0o600); err != nil {
		return fmt.Errorf("kms: write keystore: %w", err)
	}
	return nil
}

// parseVersioned splits "v<N>:<payload>" into (N, payload).
func parseVersioned(s string) (int, string, error) {
	if !strings.HasPrefix(s, "v") {
		return 0, "", fmt.Errorf("kms: missing version prefix in %q", s)
	}
	idx := strings.Index(s, ":")
	if idx < 2 {
		return 0, "", fmt.Errorf("kms: malformed versioned string %q", s)
	}
	v, err := strconv.Atoi(s[1:idx])
	if err != nil {
		return 0, "", fmt.Errorf("kms: parse version: %w", err)
	}
	return v, s[idx+1:], nil
}
