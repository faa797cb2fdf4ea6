package file

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
)

// Persist implements the opstore.Persist interface for storing and loading
// operations and manifests as files in one directory.
type Persist struct {
	basepath string
}

func (p Persist) path(name string) string {
	return filepath.Join(p.basepath, url.PathEscape(name))
}

// Load loads the bytes persisted in the named file.
func (p Persist) Load(ctx context.Context, name string) ([]byte, error) {
	b, err := os.ReadFile(p.path(name))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	return b, nil
}

// Store persists the given bytes in a file of the given name, if it
// doesn't exist already. The file appears complete or not at all.
func (p Persist) Store(ctx context.Context, name string, bytes []byte) error {
	path := p.path(name)
	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("store %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(p.basepath, ".tmp-*")
	if err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(bytes); err != nil {
		tmp.Close()
		return fmt.Errorf("store %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}
	return nil
}

// NewPersistForPath returns a Persist that loads and stores operations as
// files in the directory at the given path, creating it if needed.
//
//	p, err := NewPersistForPath("/var/db/shared")
//	b, err := p.Load(ctx, "12@replica-a")
func NewPersistForPath(path string) (Persist, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return Persist{}, err
	}
	return Persist{path}, nil
}
