package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mailcrew-labs/mailcrew-go/internal/platform/env"
)

type Mode string

const (
	ModeOIDC     Mode = "oidc"
	ModeDev      Mode = "dev"
	ModeDisabled Mode = "disabled"
)

// ErrUnauthenticated means the request carried no credentials at all.
// Any other Authenticate error means credentials were present but invalid.
var ErrUnauthenticated = errors.New("unauthenticated")

var ErrInvalidToken = errors.New("invalid token")

type Config struct {
	Mode Mode

	EmailClaim string

	SessionCookieName     string
	SessionCookieSecure   bool
	SessionCookieMaxAge   time.Duration
	SessionCookieSameSite string

	OIDCIssuerURL    string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCRedirectURL  string
	OIDCScopes       []string

	DevToken   string
	DevSubject string
	DevEmail   string
}

func ConfigFromEnv() (Config, error) {
	modeRaw := strings.ToLower(strings.TrimSpace(env.String("AUTH_MODE", string(ModeDisabled))))
	if modeRaw == "" {
		modeRaw = string(ModeDisabled)
	}
	mode := Mode(modeRaw)
	switch mode {
	case ModeOIDC, ModeDev, ModeDisabled:
	default:
		return Config{}, fmt.Errorf("AUTH_MODE must be one of: oidc, dev, disabled (got %q)", modeRaw)
	}

	sessionCookieSecure, err := env.Bool("AUTH_SESSION_COOKIE_SECURE", true)
	if err != nil {
		return Config{}, err
	}
	maxAge, err := env.Duration("AUTH_SESSION_MAX_AGE", time.Hour)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Mode:                  mode,
		EmailClaim:            env.String("AUTH_EMAIL_CLAIM", "email"),
		SessionCookieName:     env.String("AUTH_SESSION_COOKIE_NAME", "mailcrew_session"),
		SessionCookieSecure:   sessionCookieSecure,
		SessionCookieMaxAge:   maxAge,
		SessionCookieSameSite: env.String("AUTH_SESSION_COOKIE_SAMESITE", "Lax"),
		OIDCIssuerURL:         env.String("OIDC_ISSUER_URL", ""),
		OIDCClientID:          env.String("OIDC_CLIENT_ID", ""),
		OIDCClientSecret:      env.String("OIDC_CLIENT_SECRET", ""),
		OIDCRedirectURL:       env.String("OIDC_REDIRECT_URL", ""),
		OIDCScopes:            strings.Fields(env.String("OIDC_SCOPES", "openid profile email")),
		DevToken:              env.String("DEV_AUTH_TOKEN", ""),
		DevSubject:            env.String("DEV_AUTH_SUBJECT", "dev-user"),
		DevEmail:              env.String("DEV_AUTH_EMAIL", "dev-user@example.local"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeOIDC:
		if strings.TrimSpace(c.OIDCIssuerURL) == "" {
			return errors.New("OIDC_ISSUER_URL is required when AUTH_MODE=oidc")
		}
		if strings.TrimSpace(c.OIDCClientID) == "" {
			return errors.New("OIDC_CLIENT_ID is required when AUTH_MODE=oidc")
		}
		if strings.TrimSpace(c.EmailClaim) == "" {
			return errors.New("AUTH_EMAIL_CLAIM is required when AUTH_MODE=oidc")
		}
		if strings.TrimSpace(c.SessionCookieName) == "" {
			return errors.New("AUTH_SESSION_COOKIE_NAME is required when AUTH_MODE=oidc")
		}
		if c.SessionCookieMaxAge <= 0 {
			return errors.New("AUTH_SESSION_MAX_AGE must be positive")
		}
	case ModeDev:
		if strings.TrimSpace(c.DevToken) == "" {
			return errors.New("DEV_AUTH_TOKEN is required when AUTH_MODE=dev")
		}
		if strings.TrimSpace(c.DevSubject) == "" {
			return errors.New("DEV_AUTH_SUBJECT is required when AUTH_MODE=dev")
		}
	case ModeDisabled:
	default:
		return fmt.Errorf("unsupported auth mode: %q", c.Mode)
	}
	return nil
}

// ValidateForLogin reports whether the browser login flow can be served.
func (c Config) ValidateForLogin() error {
	if c.Mode != ModeOIDC {
		return fmt.Errorf("login requires AUTH_MODE=oidc (got %q)", c.Mode)
	}
	if strings.TrimSpace(c.OIDCClientSecret) == "" {
		return errors.New("OIDC_CLIENT_SECRET is required for login endpoints")
	}
	if strings.TrimSpace(c.OIDCRedirectURL) == "" {
		return errors.New("OIDC_REDIRECT_URL is required for login endpoints")
	}
	return nil
}
