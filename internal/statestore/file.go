package statestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	filePerms = 0o600
	dirPerms  = 0o700
)

// FileStore keeps the state in a single file readable only by its owner.
type FileStore struct {
	path string
}

// Compile-time check to ensure FileStore implements Store
var _ Store = (*FileStore)(nil)

// NewFileStore creates a FileStore for path, creating parent directories
// with 0700 permissions if they don't exist.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerms); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	return &FileStore{path: path}, nil
}

// Path returns the file location.
func (f *FileStore) Path() string {
	return f.path
}

// Load returns the stored state. Files readable by anyone but the owner are
// refused.
func (f *FileStore) Load(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	info, err := os.Stat(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s does not exist", ErrNotFound, f.path)
	}
	if err != nil {
		return "", err
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return "", fmt.Errorf("insecure permissions on %s: %04o (group and others must have no access)", f.path, perm)
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return "", err
	}

	state := strings.TrimSpace(string(data))
	if state == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrNotFound, f.path)
	}
	return state, nil
}

// Save writes the state to a temp file in the same directory, syncs it and
// renames it over the previous file.
func (f *FileStore) Save(ctx context.Context, state string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(filePerms); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}
	if _, err := tmp.WriteString(strings.TrimSpace(state) + "\n"); err != nil {
		return fmt.Errorf("writing %s: %w", tmpPath, err)
	}
	// A power loss between close and rename must not leave a partial file.
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmpPath, err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("renaming to %s: %w", f.path, err)
	}

	success = true
	return nil
}
