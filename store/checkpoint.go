package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// CheckpointDir keeps named checkpoint blobs as files in one directory.
//
// Writes go to a temp file in the same directory, are fsynced and then
// renamed over the old blob, so a crash mid-save leaves the previous blob
// intact.
type CheckpointDir struct {
	dir string
}

func NewCheckpointDir(dir string) (*CheckpointDir, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint dir is required")
	}
	return &CheckpointDir{dir: dir}, nil
}

func (c *CheckpointDir) Dir() string { return c.dir }

func (c *CheckpointDir) path(name string) string {
	return filepath.Join(c.dir, name)
}

// Save atomically replaces the blob stored under name, creating the
// directory if needed.
func (c *CheckpointDir) Save(name string, blob []byte) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	f, err := os.CreateTemp(c.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create tmp checkpoint: %w", err)
	}
	tmpPath := f.Name()

	if _, err := f.Write(blob); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, c.path(name)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

// Load returns the blob stored under name. A missing blob yields an error
// matching fs.ErrNotExist.
func (c *CheckpointDir) Load(name string) ([]byte, error) {
	b, err := os.ReadFile(c.path(name))
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", name, err)
	}
	return b, nil
}
