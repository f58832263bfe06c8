// Package persist stores session snapshots as a JSON file in the client's
// data directory. Absent or corrupt stored state degrades to defaults; it
// is never fatal.
package persist

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/openregio/regiomap/internal/session"
)

// FileStore persists snapshots to a single JSON file.
type FileStore struct {
	path string
	log  *slog.Logger
}

// NewFileStore creates a store writing to dir/session.json.
func NewFileStore(dir string, log *slog.Logger) *FileStore {
	if log == nil {
		log = slog.Default()
	}
	return &FileStore{
		path: filepath.Join(dir, "session.json"),
		log:  log,
	}
}

// Save writes the snapshot.
func (f *FileStore) Save(snap session.Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", f.path, err)
	}
	return nil
}

// Load reads the stored snapshot. A missing file is a normal first run and
// a corrupt file is logged; both report ok=false so the caller starts from
// defaults.
func (f *FileStore) Load() (session.Snapshot, bool) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return session.Snapshot{}, false
	}

	var snap session.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		f.log.Warn("stored session state is corrupt, starting fresh", "path", f.path, "error", err)
		return session.Snapshot{}, false
	}
	return snap, true
}
