// Package secretstore keeps per-user secrets (app passwords) behind one of
// two interchangeable backends: a managed object store, or envelope
// encryption with ciphertext persisted alongside the user's settings.
// Callers never learn which backend is active beyond Backend().
package secretstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Backend string

const (
	BackendManaged  Backend = "managed"
	BackendEnvelope Backend = "envelope"
)

func ParseBackend(raw string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(raw))); b {
	case BackendManaged, BackendEnvelope:
		return b, nil
	default:
		return "", fmt.Errorf("unsupported secret backend %q (want managed or envelope)", raw)
	}
}

var (
	// ErrNotFound means no secret was ever stored for the user (or it was
	// deleted). It is not a backend failure.
	ErrNotFound = errors.New("secret not found")
	// ErrUnavailable wraps every other backend failure.
	ErrUnavailable = errors.New("secret backend unavailable")
)

// Record describes where a secret lives. It never carries the secret.
type Record struct {
	UserID     string
	Ref        string
	Backend    Backend
	KeyVersion string
}

type Store interface {
	Put(ctx context.Context, userID, secret string) (Record, error)
	Get(ctx context.Context, userID string) (string, error)
	Delete(ctx context.Context, userID string) error
	Backend() Backend
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

func validateUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("user id is required")
	}
	return nil
}
