package pack

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// FSRegistry loads packs from a directory. Structure:
// <root>/<pack_id>/<version>.json. The highest semver wins when no
// version is requested.
type FSRegistry struct {
	mu      sync.RWMutex
	rootDir string
}

// NewFSRegistry creates a file system pack registry.
func NewFSRegistry(rootDir string) *FSRegistry {
	return &FSRegistry{rootDir: rootDir}
}

// Get loads a pack by id, picking the latest version.
func (r *FSRegistry) Get(id string) (*Pack, error) {
	versions, err := r.Versions(id)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("pack: %q not found", id)
	}
	return r.GetVersion(id, versions[len(versions)-1])
}

// GetVersion loads a specific pack version.
func (r *FSRegistry) GetVersion(id, version string) (*Pack, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	raw, err := os.ReadFile(filepath.Join(r.rootDir, id, version+".json"))
	if err != nil {
		return nil, fmt.Errorf("pack: read %s@%s: %w", id, version, err)
	}

	p, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("pack: %s@%s: %w", id, version, err)
	}
	if p.ID != id {
		return nil, fmt.Errorf("pack: file %s@%s declares id %q", id, version, p.ID)
	}
	return p, nil
}

// Versions lists available versions of a pack, ascending semver order.
func (r *FSRegistry) Versions(id string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(r.rootDir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("pack: list versions of %q: %w", id, err)
	}

	var versions []*semver.Version
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		v, err := semver.StrictNewVersion(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Sort(semver.Collection(versions))

	out := make([]string, len(versions))
	for i, v := range versions {
		out[i] = v.String()
	}
	return out, nil
}

// List returns the ids of every pack in the registry.
func (r *FSRegistry) List() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries, err := os.ReadDir(r.rootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("pack: list registry: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
