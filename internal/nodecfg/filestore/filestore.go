// Package filestore is a file-backed stand-in for the NVS/flash key-value
// store the real firmware persists node configuration into. It satisfies
// nodecfg.Store for local and bench use: PutAll is atomic via a
// write-temp-then-rename swap, so a crash mid-write never leaves a
// half-written record on disk for Get to trip over.
package filestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fernwood-iot/meshnode/internal/nodecfg"
)

// Store persists a nodecfg.Cfg as JSON at a single path.
type Store struct {
	path string
}

// New returns a Store backed by the file at path. The file need not exist
// yet; Get reports ok=false until the first PutAll.
func New(path string) *Store {
	return &Store{path: path}
}

// Get reads the persisted configuration. It reports ok=false — never an
// error — for a missing file, malformed JSON, or a schema version that
// does not match the version this package writes; in every such case the
// caller falls back to nodecfg.Default.
func (s *Store) Get() (nodecfg.Cfg, bool, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nodecfg.Cfg{}, false, nil
	}
	if err != nil {
		return nodecfg.Cfg{}, false, fmt.Errorf("filestore: read %s: %w", s.path, err)
	}

	var c nodecfg.Cfg
	if err := json.Unmarshal(raw, &c); err != nil {
		return nodecfg.Cfg{}, false, nil
	}
	if c.SchemaVersion != nodecfg.SchemaVersion {
		return nodecfg.Cfg{}, false, nil
	}
	return c, true, nil
}

// PutAll writes c in full, atomically. The schema version is set to the
// package's current version regardless of what c carried in, mirroring
// the "write fields, schema version last, commit" persisted-store
// ordering: the rename is the commit point, and it only ever lands a
// fully-valid record.
func (s *Store) PutAll(c nodecfg.Cfg) error {
	c.SchemaVersion = nodecfg.SchemaVersion

	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".nodecfg-*.tmp")
	if err != nil {
		return fmt.Errorf("filestore: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("filestore: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("filestore: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("filestore: close temp: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("filestore: commit: %w", err)
	}
	return nil
}

// Erase removes the persisted record. It is idempotent.
func (s *Store) Erase() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("filestore: erase: %w", err)
	}
	return nil
}
