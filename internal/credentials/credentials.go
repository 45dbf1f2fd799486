// Package credentials reads and writes the bearer credentials used by
// metered API calls. Values are never logged; callers only learn
// whether a key is present.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Well-known keys.
const (
	AccessToken  = "X_ACCESS_TOKEN"
	RefreshToken = "X_REFRESH_TOKEN"
	ClientID     = "X_CLIENT_ID"
	ClientSecret = "X_CLIENT_SECRET"
)

// ErrMissing is returned by [Require] when a key has no value.
var ErrMissing = errors.New("missing credential")

// Store is a key-value credential source. Get returns "" and no error
// for absent keys.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// Require returns the value of key or an error wrapping [ErrMissing].
func Require(ctx context.Context, s Store, key string) (string, error) {
	v, err := s.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	if v == "" {
		return "", fmt.Errorf("%w: %s", ErrMissing, key)
	}
	return v, nil
}

// EnvOverlay serves process environment values ahead of Store. Writes
// go to Store only.
type EnvOverlay struct {
	Store  Store
	Getenv func(string) string
}

// WithEnv wraps s so the process environment takes precedence.
func WithEnv(s Store) *EnvOverlay {
	return &EnvOverlay{Store: s, Getenv: os.Getenv}
}

// Get implements [Store].
func (o *EnvOverlay) Get(ctx context.Context, key string) (string, error) {
	getenv := o.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv(key); v != "" {
		return v, nil
	}
	if o.Store == nil {
		return "", nil
	}
	return o.Store.Get(ctx, key)
}

// Set implements [Store].
func (o *EnvOverlay) Set(ctx context.Context, key, value string) error {
	if o.Store == nil {
		return errors.New("no writable credential store")
	}
	return o.Store.Set(ctx, key, value)
}

// Presence reports which of keys have a value, for diagnostics.
func Presence(ctx context.Context, s Store, keys ...string) map[string]bool {
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		v, err := s.Get(ctx, k)
		out[k] = err == nil && v != ""
	}
	return out
}
