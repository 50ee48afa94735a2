package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/pkg/compliance"
	"github.com/wardenhq/warden/pkg/kms"
)

// Store errors.
var (
	ErrNonceReplayed = errors.New("audit: nonce already used")
	ErrClosed        = errors.New("audit: store closed")
)

const (
	filePrefix = "audit-"
	fileSuffix = ".jsonl"

	// maxNonceWorkingSet bounds the in-memory replay set.
	maxNonceWorkingSet = 100_000
)

// Options tunes rotation and retention.
type Options struct {
	Dir           string
	MaxFileBytes  int64         // rotate when the current file exceeds this; 0 = 16 MiB
	MaxFileAge    time.Duration // rotate when the current file is older; 0 = 24h
	PolicyVersion string
}

// Store is the append-only signed ledger. All appends are linearized
// under one mutex: chain integrity requires exactly one in-flight append
// computing against any given prevHash.
type Store struct {
	mu sync.Mutex

	opts   Options
	mode   *compliance.Mode
	signer *kms.Manager
	logger *slog.Logger
	clock  func() time.Time

	file      *os.File
	filePath  string
	fileSize  int64
	fileBirth time.Time

	index    uint64
	prevHash string

	nonces     map[string]struct{}
	nonceOrder []string

	archiver Archiver
	closed   bool

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// Archiver receives rotated files that age out of retention. Wired to an
// object-store backend in production.
type Archiver interface {
	Archive(path string) error
}

// NewStore opens (or resumes) a ledger in opts.Dir. If the directory
// already holds audit files, the chain state is recovered by replaying
// the newest file so appends continue the existing chain.
func NewStore(opts Options, mode *compliance.Mode, signer *kms.Manager, logger *slog.Logger) (*Store, error) {
	if opts.MaxFileBytes == 0 {
		opts.MaxFileBytes = 16 << 20
	}
	if opts.MaxFileAge == 0 {
		opts.MaxFileAge = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}

	s := &Store{
		opts:   opts,
		mode:   mode,
		signer: signer,
		logger: logger,
		clock:  time.Now,
		nonces: make(map[string]struct{}),
	}

	if err := s.resume(); err != nil {
		return nil, err
	}
	if s.file == nil {
		if err := s.openNewFile(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// resume replays the newest existing file to recover index and prevHash.
func (s *Store) resume() error {
	files, err := s.listFiles()
	if err != nil || len(files) == 0 {
		return err
	}

	newest := files[len(files)-1]
	entries, err := readEntries(newest)
	if err != nil {
		return fmt.Errorf("audit: resume from %s: %w", newest, err)
	}
	if len(entries) == 0 {
		return nil
	}

	last := entries[len(entries)-1]
	s.index = last.Index
	s.prevHash = last.EntryHash

	f, err := os.OpenFile(newest, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("audit: reopen %s: %w", newest, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("audit: stat %s: %w", newest, err)
	}

	s.file = f
	s.filePath = newest
	s.fileSize = info.Size()
	s.fileBirth = info.ModTime()

	for _, e := range entries {
		s.rememberNonce(e.Nonce)
	}
	return nil
}

// Append writes one signed entry and advances the chain. The chain state
// (prevHash, index, nonce set) moves only after the file write succeeds;
// a failed write leaves the chain exactly where it was and the error
// propagates to the caller. Nothing is ever appended un-audited.
func (s *Store) Append(actor Actor, action, resource string, payload map[string]any, nonce string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	if nonce == "" {
		nonce = uuid.New().String()
	} else if _, used := s.nonces[nonce]; used {
		return nil, fmt.Errorf("%w: %s", ErrNonceReplayed, nonce)
	}

	if s.shouldRotate() {
		if err := s.rotateLocked(); err != nil {
			return nil, err
		}
	}

	entry := &Entry{
		Index:           s.index + 1,
		Timestamp:       s.clock().UTC(),
		CorrelationID:   uuid.New().String(),
		Actor:           actor,
		Action:          action,
		Resource:        resource,
		Payload:         payload,
		PolicyVersion:   s.opts.PolicyVersion,
		ComplianceLevel: string(s.mode.Level()),
		Nonce:           nonce,
		PrevHash:        s.prevHash,
	}

	hash, err := entry.ContentHash()
	if err != nil {
		return nil, fmt.Errorf("audit: hash entry: %w", err)
	}
	entry.EntryHash = hash

	if s.mode.Check(compliance.FlagAuditSigning) {
		sig, err := s.signer.SignHMAC(kms.PurposeAuditSigning, []byte(entry.EntryHash))
		if err != nil {
			return nil, fmt.Errorf("audit: sign entry: %w", err)
		}
		entry.Signature = sig
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal entry: %w", err)
	}
	line = append(line, '\n')

	n, err := s.file.Write(line)
	if err != nil {
		// Fail closed: chain state untouched, caller must fail too.
		return nil, fmt.Errorf("audit: write entry: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return nil, fmt.Errorf("audit: sync entry: %w", err)
	}

	// Write confirmed: advance chain state.
	s.fileSize += int64(n)
	s.index = entry.Index
	s.prevHash = entry.EntryHash
	s.rememberNonce(nonce)

	return entry, nil
}

func (s *Store) rememberNonce(nonce string) {
	if _, ok := s.nonces[nonce]; ok {
		return
	}
	s.nonces[nonce] = struct{}{}
	s.nonceOrder = append(s.nonceOrder, nonce)

	// Bound the working set; the oldest nonces age out first.
	if len(s.nonceOrder) > maxNonceWorkingSet {
		evict := s.nonceOrder[0]
		s.nonceOrder = s.nonceOrder[1:]
		delete(s.nonces, evict)
	}
}

func (s *Store) shouldRotate() bool {
	if s.file == nil {
		return false
	}
	if s.fileSize >= s.opts.MaxFileBytes {
		return true
	}
	return s.clock().Sub(s.fileBirth) >= s.opts.MaxFileAge
}

// Rotate closes the current file and opens a new one. The new file starts
// its own chain with an empty prevHash; rotated files are never edited.
func (s *Store) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.rotateLocked()
}

func (s *Store) rotateLocked() error {
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			return fmt.Errorf("audit: close file: %w", err)
		}
		s.logger.Info("audit file rotated", "file", s.filePath, "entries_through", s.index)
	}
	return s.openNewFile()
}

func (s *Store) openNewFile() error {
	name := fmt.Sprintf("%s%s%s", filePrefix, s.clock().UTC().Format("20060102-150405.000000000"), fileSuffix)
	path := filepath.Join(s.opts.Dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("audit: open file: %w", err)
	}

	s.file = f
	s.filePath = path
	s.fileSize = 0
	s.fileBirth = s.clock()
	s.prevHash = "" // each file starts its own chain
	return nil
}

// State returns the live chain position.
func (s *Store) State() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.listFiles()
	if err != nil {
		return State{}, err
	}
	return State{
		Index:       s.index,
		PrevHash:    s.prevHash,
		CurrentFile: filepath.Base(s.filePath),
		FileCount:   len(files),
	}, nil
}

// Entries reads back entries across all files, oldest first, applying the
// query filter.
func (s *Store) Entries(q Query) ([]Entry, error) {
	s.mu.Lock()
	files, err := s.listFiles()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var out []Entry
	for _, path := range files {
		entries, err := readEntries(path)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !q.From.IsZero() && e.Timestamp.Before(q.From) {
				continue
			}
			if !q.To.IsZero() && e.Timestamp.After(q.To) {
				continue
			}
			if q.Action != "" && e.Action != q.Action {
				continue
			}
			out = append(out, e)
			if q.Limit > 0 && len(out) >= q.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// VerifyChain replays every entry across every file, recomputing each
// content hash and, when signing is required by the compliance mode,
// verifying each signature. It reports the first broken link.
func (s *Store) VerifyChain() (VerifyResult, error) {
	s.mu.Lock()
	files, err := s.listFiles()
	requireSig := s.mode.Check(compliance.FlagAuditSigning)
	s.mu.Unlock()
	if err != nil {
		return VerifyResult{}, err
	}

	result := VerifyResult{Valid: true}
	for _, path := range files {
		entries, err := readEntries(path)
		if err != nil {
			return VerifyResult{}, err
		}

		prevHash := "" // chains are per-file
		for _, e := range entries {
			result.EntriesChecked++

			if e.PrevHash != prevHash {
				return brokenAt(result, e.Index, fmt.Sprintf("prev_hash mismatch: expected %q", prevHash)), nil
			}

			computed, err := e.ContentHash()
			if err != nil {
				return VerifyResult{}, fmt.Errorf("audit: rehash entry %d: %w", e.Index, err)
			}
			if computed != e.EntryHash {
				return brokenAt(result, e.Index, "entry_hash mismatch"), nil
			}

			if requireSig {
				if e.Signature == "" {
					return brokenAt(result, e.Index, "missing signature"), nil
				}
				if err := s.signer.VerifyHMAC(kms.PurposeAuditSigning, []byte(e.EntryHash), e.Signature); err != nil {
					return brokenAt(result, e.Index, "signature invalid"), nil
				}
			}

			prevHash = e.EntryHash
		}
	}
	return result, nil
}

func brokenAt(r VerifyResult, index uint64, reason string) VerifyResult {
	r.Valid = false
	r.BrokenAt = index
	r.Reason = reason
	return r
}

// Close stops the retention sweep and closes the current file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.sweepStop != nil {
		close(s.sweepStop)
		s.mu.Unlock()
		<-s.sweepDone
		s.mu.Lock()
	}
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// listFiles returns audit files sorted oldest first. File names embed the
// creation timestamp, so lexicographic order is chronological.
func (s *Store) listFiles() ([]string, error) {
	glob := filepath.Join(s.opts.Dir, filePrefix+"*"+fileSuffix)
	files, err := filepath.Glob(glob)
	if err != nil {
		return nil, fmt.Errorf("audit: list files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func readEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("audit: parse entry in %s: %w", path, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan %s: %w", path, err)
	}
	return entries, nil
}
