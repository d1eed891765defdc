// Package store persists the serialized chain to the local filesystem.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/votechain/votechain/internal/chain"
)

// FileStore reads and writes the persisted chain file (JSON array of
// records). Writes go through a temp file and rename so a crash mid-write
// never leaves a half-written chain.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore for path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the chain file path.
func (s *FileStore) Path() string { return s.path }

// Load reads the persisted chain. A missing file is an empty chain, not an
// error: first use starts from nothing.
func (s *FileStore) Load() ([]*chain.Record, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read chain file: %w", err)
	}
	records, err := chain.UnmarshalRecords(data)
	if err != nil {
		return nil, fmt.Errorf("parse chain file %s: %w", s.path, err)
	}
	return records, nil
}

// Save writes the full record sequence, replacing the previous file.
func (s *FileStore) Save(records []*chain.Record) error {
	data, err := chain.MarshalRecords(records)
	if err != nil {
		return err
	}
	return s.WriteBytes(data)
}

// WriteBytes atomically replaces the chain file with raw persisted bytes,
// e.g. bytes pulled straight from a sync gateway.
func (s *FileStore) WriteBytes(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create chain dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".chain-*")
	if err != nil {
		return fmt.Errorf("create temp chain file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()           //nolint:errcheck
		os.Remove(tmpName)    //nolint:errcheck
		return fmt.Errorf("write chain file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return fmt.Errorf("close chain file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return fmt.Errorf("chmod chain file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return fmt.Errorf("replace chain file: %w", err)
	}
	return nil
}
