package statestore

import (
	"context"
	"fmt"
	"os"
)

// EnvStore reads the state from an environment variable. The variable may
// hold either a saved state or a bare access token.
type EnvStore struct {
	envKey string
}

// Compile-time check to ensure EnvStore implements Store
var _ Store = (*EnvStore)(nil)

// NewEnvStore creates an EnvStore for the given environment variable.
func NewEnvStore(envKey string) (*EnvStore, error) {
	if envKey == "" {
		return nil, fmt.Errorf("environment key cannot be empty")
	}

	return &EnvStore{envKey: envKey}, nil
}

// Load returns the variable's value, or ErrNotFound if it is unset or empty.
func (e *EnvStore) Load(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	value, ok := os.LookupEnv(e.envKey)
	if !ok || value == "" {
		return "", fmt.Errorf("%w: environment variable %s not set", ErrNotFound, e.envKey)
	}
	return value, nil
}

// Save always fails with ErrReadOnly.
func (e *EnvStore) Save(ctx context.Context, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return fmt.Errorf("%w: environment variable %s", ErrReadOnly, e.envKey)
}
