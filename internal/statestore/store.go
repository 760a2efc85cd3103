package statestore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Load when nothing has been saved yet.
	ErrNotFound = errors.New("statestore: no state stored")
	// ErrReadOnly is returned by Save on backends that cannot be written.
	ErrReadOnly = errors.New("statestore: backend is read-only")
)

// Store loads and saves one serialized connection state.
type Store interface {
	// Load returns the stored state, or ErrNotFound.
	Load(ctx context.Context) (string, error)

	// Save replaces the stored state.
	Save(ctx context.Context, state string) error
}
