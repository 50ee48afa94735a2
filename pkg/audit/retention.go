package audit

import (
	"os"
	"time"

	"github.com/wardenhq/warden/pkg/compliance"
)

// WithArchiver attaches an archival backend for aged-out files.
func (s *Store) WithArchiver(a Archiver) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archiver = a
	return s
}

// StartRetentionSweep launches the background cleanup loop. Files older
// than the compliance retention window are removed; when the mode sets
// archive-on-retention they are archived first and kept on any archival
// failure. The sweep never blocks appends.
func (s *Store) StartRetentionSweep(interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sweepStop != nil || s.closed {
		return
	}
	s.sweepStop = make(chan struct{})
	s.sweepDone = make(chan struct{})

	go func() {
		defer close(s.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.sweepStop:
				return
			case <-ticker.C:
				s.sweepOnce()
			}
		}
	}()
}

// sweepOnce removes rotated files past the retention window.
func (s *Store) sweepOnce() {
	s.mu.Lock()
	files, err := s.listFiles()
	current := s.filePath
	retention := time.Duration(s.mode.Config().AuditRetentionDays) * 24 * time.Hour
	archive := s.mode.Check(compliance.FlagArchiveOnRetention)
	archiver := s.archiver
	now := s.clock()
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("audit retention sweep failed", "error", err)
		return
	}

	for _, path := range files {
		if path == current {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < retention {
			continue
		}

		if archive {
			if archiver == nil {
				s.logger.Error("audit file past retention but no archiver configured", "file", path)
				continue
			}
			if err := archiver.Archive(path); err != nil {
				// Keep the file; losing an unarchived ledger is worse
				// than holding it past retention.
				s.logger.Error("audit archive failed", "file", path, "error", err)
				continue
			}
		}

		if err := os.Remove(path); err != nil {
			s.logger.Error("audit retention remove failed", "file", path, "error", err)
			continue
		}
		s.logger.Info("audit file removed by retention", "file", path, "archived", archive)
	}
}
