package jsonstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/jsonc"
)

// FileBackend keeps the document in a single JSON file. Reads tolerate
// comments and trailing commas so the file can be edited by hand. Writes go
// through a temporary file and a rename.
type FileBackend struct {
	Path string
}

// Load reads the file. A missing file yields no document.
func (b FileBackend) Load(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(b.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", b.Path, err)
	}
	return jsonc.ToJSON(data), nil
}

// Store atomically replaces the file contents.
func (b FileBackend) Store(ctx context.Context, data []byte) error {
	dir := filepath.Dir(b.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(b.Path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", b.Path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, b.Path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", b.Path, err)
	}
	return nil
}

// MemoryBackend holds the document in memory and counts stores.
type MemoryBackend struct {
	mu     sync.Mutex
	data   []byte
	stores int
}

// NewMemoryBackend returns a MemoryBackend preloaded with data.
func NewMemoryBackend(data []byte) *MemoryBackend {
	return &MemoryBackend{data: append([]byte(nil), data...)}
}

// Load returns the held document.
func (b *MemoryBackend) Load(ctx context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...), nil
}

// Store replaces the held document.
func (b *MemoryBackend) Store(ctx context.Context, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append([]byte(nil), data...)
	b.stores++
	return nil
}

// Stores returns how many times Store has been called.
func (b *MemoryBackend) Stores() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stores
}

// Data returns a copy of the held document.
func (b *MemoryBackend) Data() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...)
}
