// Package archive moves rotated audit files into long-term storage before
// retention cleanup deletes them. Backends share one contract: Archive
// must durably persist the file before returning nil, because the caller
// deletes the local copy on success.
package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FSArchive copies files into a local or network-mounted directory.
// The default backend below production.
type FSArchive struct {
	Dir string
}

// NewFSArchive creates the archive directory if needed.
func NewFSArchive(dir string) (*FSArchive, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("archive: create dir: %w", err)
	}
	return &FSArchive{Dir: dir}, nil
}

// Archive copies path into the archive directory.
func (a *FSArchive) Archive(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("archive: open source: %w", err)
	}
	defer src.Close()

	dstPath := filepath.Join(a.Dir, filepath.Base(path))
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("archive: create dest: %w", err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return fmt.Errorf("archive: copy: %w", err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return fmt.Errorf("archive: sync: %w", err)
	}
	return dst.Close()
}
