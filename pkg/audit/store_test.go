package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/compliance"
	"github.com/wardenhq/warden/pkg/kms"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	provider, err := kms.NewLocalProvider(filepath.Join(t.TempDir(), "keystore.json"))
	require.NoError(t, err)

	s, err := NewStore(opts, compliance.NewMode(compliance.LevelStaging, nil), kms.NewManager(provider), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testActor() Actor {
	return Actor{Subject: "agent-7", Role: "runner", Session: "sess-1", Tenant: "acme"}
}

func TestAppendAndVerify(t *testing.T) {
	s := newTestStore(t, Options{})

	for i := 0; i < 5; i++ {
		_, err := s.Append(testActor(), "runner.step.executed", "plan/p1", map[string]any{"step": i}, "")
		require.NoError(t, err)
	}

	result, err := s.VerifyChain()
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 5, result.EntriesChecked)
}

func TestEntriesAreChained(t *testing.T) {
	s := newTestStore(t, Options{})

	e1, err := s.Append(testActor(), "a", "", nil, "")
	require.NoError(t, err)
	e2, err := s.Append(testActor(), "b", "", nil, "")
	require.NoError(t, err)

	assert.Equal(t, "", e1.PrevHash)
	assert.Equal(t, e1.EntryHash, e2.PrevHash)
	assert.Equal(t, uint64(1), e1.Index)
	assert.Equal(t, uint64(2), e2.Index)
	assert.NotEmpty(t, e1.Signature)
}

func TestTamperedByteBreaksChainAtThatEntry(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, Options{Dir: dir})

	for i := 0; i < 4; i++ {
		_, err := s.Append(testActor(), "step", "", map[string]any{"n": i}, "")
		require.NoError(t, err)
	}

	// Flip payload content of entry 3 on disk.
	files, err := filepath.Glob(filepath.Join(dir, "audit-*.jsonl"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	raw, err := os.ReadFile(files[0])
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 4)

	var e Entry
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &e))
	e.Payload["n"] = 99
	tampered, err := json.Marshal(&e)
	require.NoError(t, err)
	lines[2] = string(tampered)
	require.NoError(t, os.WriteFile(files[0], []byte(strings.Join(lines, "\n")+"\n"), 0o600))

	result, err := s.VerifyChain()
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, uint64(3), result.BrokenAt)
}

func TestNonceReplayRejectedAndChainUnchanged(t *testing.T) {
	s := newTestStore(t, Options{})

	_, err := s.Append(testActor(), "a", "", nil, "nonce-1")
	require.NoError(t, err)

	before, err := s.State()
	require.NoError(t, err)

	_, err = s.Append(testActor(), "b", "", nil, "nonce-1")
	assert.ErrorIs(t, err, ErrNonceReplayed)

	after, err := s.State()
	require.NoError(t, err)
	assert.Equal(t, before.Index, after.Index)
	assert.Equal(t, before.PrevHash, after.PrevHash)
}

func TestRotationStartsFreshChain(t *testing.T) {
	s := newTestStore(t, Options{})

	_, err := s.Append(testActor(), "a", "", nil, "")
	require.NoError(t, err)
	require.NoError(t, s.Rotate())

	e, err := s.Append(testActor(), "b", "", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "", e.PrevHash)
	assert.Equal(t, uint64(2), e.Index, "index stays monotonic across files")

	result, err := s.VerifyChain()
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 2, result.EntriesChecked)

	state, err := s.State()
	require.NoError(t, err)
	assert.Equal(t, 2, state.FileCount)
}

func TestSizeTriggeredRotation(t *testing.T) {
	s := newTestStore(t, Options{MaxFileBytes: 200})

	for i := 0; i < 5; i++ {
		_, err := s.Append(testActor(), "fill", "", map[string]any{"i": i}, "")
		require.NoError(t, err)
	}

	state, err := s.State()
	require.NoError(t, err)
	assert.Greater(t, state.FileCount, 1)

	result, err := s.VerifyChain()
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 5, result.EntriesChecked)
}

func TestResumeContinuesChain(t *testing.T) {
	dir := t.TempDir()
	ksPath := filepath.Join(t.TempDir(), "ks.json")
	provider, err := kms.NewLocalProvider(ksPath)
	require.NoError(t, err)
	mode := compliance.NewMode(compliance.LevelStaging, nil)

	s1, err := NewStore(Options{Dir: dir}, mode, kms.NewManager(provider), nil)
	require.NoError(t, err)
	e1, err := s1.Append(testActor(), "before-restart", "", nil, "nonce-a")
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := NewStore(Options{Dir: dir}, mode, kms.NewManager(provider), nil)
	require.NoError(t, err)
	defer s2.Close()

	// Replay protection survives the restart for entries in the live file.
	_, err = s2.Append(testActor(), "x", "", nil, "nonce-a")
	assert.ErrorIs(t, err, ErrNonceReplayed)

	e2, err := s2.Append(testActor(), "after-restart", "", nil, "")
	require.NoError(t, err)
	assert.Equal(t, e1.EntryHash, e2.PrevHash)
	assert.Equal(t, uint64(2), e2.Index)

	result, err := s2.VerifyChain()
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 2, result.EntriesChecked)
}

func TestEntriesQueryFilters(t *testing.T) {
	s := newTestStore(t, Options{})

	_, err := s.Append(testActor(), "egress.allowed", "https://a.example.gov", nil, "")
	require.NoError(t, err)
	_, err = s.Append(testActor(), "gate.approved", "plan/p1", nil, "")
	require.NoError(t, err)
	_, err = s.Append(testActor(), "egress.allowed", "https://b.example.gov", nil, "")
	require.NoError(t, err)

	entries, err := s.Entries(Query{Action: "egress.allowed"})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	limited, err := s.Entries(Query{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	none, err := s.Entries(Query{From: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAppendAfterCloseFails(t *testing.T) {
	s := newTestStore(t, Options{})
	require.NoError(t, s.Close())
	_, err := s.Append(testActor(), "a", "", nil, "")
	assert.ErrorIs(t, err, ErrClosed)
}

type fakeArchiver struct {
	archived []string
	fail     bool
}

func (f *fakeArchiver) Archive(path string) error {
	if f.fail {
		return assert.AnError
	}
	f.archived = append(f.archived, path)
	return nil
}

func TestRetentionSweepArchivesThenRemoves(t *testing.T) {
	dir := t.TempDir()
	provider, err := kms.NewLocalProvider(filepath.Join(t.TempDir(), "ks.json"))
	require.NoError(t, err)

	mode := compliance.NewMode(compliance.LevelProduction, nil)
	s, err := NewStore(Options{Dir: dir}, mode, kms.NewManager(provider), nil)
	require.NoError(t, err)
	defer s.Close()

	arch := &fakeArchiver{}
	s.WithArchiver(arch)

	_, err = s.Append(testActor(), "old", "", nil, "")
	require.NoError(t, err)
	require.NoError(t, s.Rotate())
	_, err = s.Append(testActor(), "new", "", nil, "")
	require.NoError(t, err)

	// Age the rotated file past the production retention window.
	files, err := filepath.Glob(filepath.Join(dir, "audit-*.jsonl"))
	require.NoError(t, err)
	require.Len(t, files, 2)
	old := time.Now().Add(-366 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(files[0], old, old))

	s.sweepOnce()

	remaining, err := filepath.Glob(filepath.Join(dir, "audit-*.jsonl"))
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
	assert.Equal(t, []string{files[0]}, arch.archived)
}

func TestRetentionSweepKeepsFileOnArchiveFailure(t *testing.T) {
	dir := t.TempDir()
	provider, err := kms.NewLocalProvider(filepath.Join(t.TempDir(), "ks.json"))
	require.NoError(t, err)

	mode := compliance.NewMode(compliance.LevelProduction, nil)
	s, err := NewStore(Options{Dir: dir}, mode, kms.NewManager(provider), nil)
	require.NoError(t, err)
	defer s.Close()

	s.WithArchiver(&fakeArchiver{fail: true})

	_, err = s.Append(testActor(), "old", "", nil, "")
	require.NoError(t, err)
	require.NoError(t, s.Rotate())

	files, err := filepath.Glob(filepath.Join(dir, "audit-*.jsonl"))
	require.NoError(t, err)
	old := time.Now().Add(-400 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(files[0], old, old))

	s.sweepOnce()

	remaining, err := filepath.Glob(filepath.Join(dir, "audit-*.jsonl"))
	require.NoError(t, err)
	assert.Len(t, remaining, 2, "unarchivable file must not be deleted")
}
