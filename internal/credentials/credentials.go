// Package credentials decides which mailbox credentials a run uses.
//
// Precedence is fixed: explicit request values, then the caller's stored
// settings (only with a verified identity), then the process default.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mailcrew-labs/mailcrew-go/internal/platform/auth"
	"github.com/mailcrew-labs/mailcrew-go/internal/platform/env"
	"github.com/mailcrew-labs/mailcrew-go/internal/secretstore"
	"github.com/mailcrew-labs/mailcrew-go/internal/settings"
)

type Source string

const (
	SourceExplicit Source = "explicit"
	SourceStored   Source = "stored"
	SourceDefault  Source = "default"
)

var (
	// ErrInvalidCredentials is a partial explicit pair.
	ErrInvalidCredentials = errors.New("email_address and app_password must be supplied together")
	// ErrMissingCredentials means no source produced a usable pair.
	ErrMissingCredentials = errors.New("no credentials available")
	// ErrBackendUnavailable means stored credentials could not be read.
	ErrBackendUnavailable = errors.New("secret backend unavailable")
)

type Credentials struct {
	EmailAddress string
	AppPassword  string
}

func (c Credentials) normalized() Credentials {
	return Credentials{
		EmailAddress: strings.TrimSpace(c.EmailAddress),
		AppPassword:  strings.TrimSpace(c.AppPassword),
	}
}

func (c Credentials) complete() bool {
	return c.EmailAddress != "" && c.AppPassword != ""
}

func (c Credentials) empty() bool {
	return c.EmailAddress == "" && c.AppPassword == ""
}

type Resolved struct {
	Credentials
	Source Source
}

type SettingsReader interface {
	Get(ctx context.Context, userID string) (settings.UserSettings, error)
}

type SecretReader interface {
	Get(ctx context.Context, userID string) (string, error)
}

type Resolver struct {
	settings SettingsReader
	secrets  SecretReader
	fallback Credentials
}

// NewResolver builds a resolver. settings and secrets may be nil when no
// per-user storage is configured; identities then resolve to
// ErrMissingCredentials.
func NewResolver(settingsReader SettingsReader, secrets SecretReader, fallback Credentials) *Resolver {
	return &Resolver{settings: settingsReader, secrets: secrets, fallback: fallback.normalized()}
}

// DefaultFromEnv reads DEFAULT_EMAIL_ADDRESS and DEFAULT_APP_PASSWORD. A
// half-configured default is a startup error.
func DefaultFromEnv() (Credentials, error) {
	c := Credentials{
		EmailAddress: env.String("DEFAULT_EMAIL_ADDRESS", ""),
		AppPassword:  env.String("DEFAULT_APP_PASSWORD", ""),
	}.normalized()
	if !c.empty() && !c.complete() {
		return Credentials{}, errors.New("DEFAULT_EMAIL_ADDRESS and DEFAULT_APP_PASSWORD must be set together")
	}
	return c, nil
}

func (r *Resolver) Resolve(ctx context.Context, explicit Credentials, identity auth.Identity) (Resolved, error) {
	explicit = explicit.normalized()
	if !explicit.empty() {
		if !explicit.complete() {
			return Resolved{}, ErrInvalidCredentials
		}
		return Resolved{Credentials: explicit, Source: SourceExplicit}, nil
	}

	if subject := strings.TrimSpace(identity.Subject); subject != "" {
		return r.stored(ctx, subject)
	}

	if r.fallback.complete() {
		return Resolved{Credentials: r.fallback, Source: SourceDefault}, nil
	}
	return Resolved{}, ErrMissingCredentials
}

func (r *Resolver) stored(ctx context.Context, subject string) (Resolved, error) {
	if r.settings == nil || r.secrets == nil {
		return Resolved{}, ErrMissingCredentials
	}
	us, err := r.settings.Get(ctx, subject)
	if errors.Is(err, settings.ErrNotFound) {
		return Resolved{}, fmt.Errorf("%w: no stored settings", ErrMissingCredentials)
	}
	if err != nil {
		return Resolved{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if strings.TrimSpace(us.EmailAddress) == "" || !us.HasSecret {
		return Resolved{}, fmt.Errorf("%w: stored settings are incomplete", ErrMissingCredentials)
	}
	secret, err := r.secrets.Get(ctx, subject)
	if errors.Is(err, secretstore.ErrNotFound) {
		return Resolved{}, fmt.Errorf("%w: no stored secret", ErrMissingCredentials)
	}
	if err != nil {
		return Resolved{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if secret == "" {
		return Resolved{}, fmt.Errorf("%w: stored secret is empty", ErrMissingCredentials)
	}
	return Resolved{
		Credentials: Credentials{EmailAddress: strings.TrimSpace(us.EmailAddress), AppPassword: secret},
		Source:      SourceStored,
	}, nil
}
