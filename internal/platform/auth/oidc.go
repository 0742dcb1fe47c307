package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

const (
	cookieState    = "mailcrew_oidc_state"
	cookieVerifier = "mailcrew_oidc_verifier"
	cookieNonce    = "mailcrew_oidc_nonce"
	cookieReturnTo = "mailcrew_return_to"
)

// OIDCService verifies ID tokens presented as bearer tokens or session
// cookies, and optionally serves the authorization-code login flow.
type OIDCService struct {
	cfg          Config
	verifier     *oidc.IDTokenVerifier
	oauth2Config oauth2.Config
}

func NewOIDCService(ctx context.Context, cfg Config) (*OIDCService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode != ModeOIDC {
		return nil, fmt.Errorf("auth mode must be oidc (got %q)", cfg.Mode)
	}

	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}

	return &OIDCService{
		cfg:      cfg,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.OIDCClientID}),
		oauth2Config: oauth2.Config{
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.OIDCRedirectURL,
			Scopes:       cfg.OIDCScopes,
		},
	}, nil
}

func (s *OIDCService) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	rawToken := bearerToken(r)
	if rawToken == "" {
		rawToken = cookieValue(r, s.cfg.SessionCookieName)
	}
	if rawToken == "" {
		return Identity{}, ErrUnauthenticated
	}

	idToken, err := s.verifier.Verify(ctx, rawToken)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, fmt.Errorf("%w: claims: %v", ErrInvalidToken, err)
	}
	email, _ := claims[s.cfg.EmailClaim].(string)
	if strings.TrimSpace(idToken.Subject) == "" {
		return Identity{}, fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}

	return Identity{
		Subject: idToken.Subject,
		Email:   strings.TrimSpace(email),
	}, nil
}

func (s *OIDCService) LoginHandler() (http.HandlerFunc, error) {
	if err := s.cfg.ValidateForLogin(); err != nil {
		return nil, err
	}

	return func(w http.ResponseWriter, r *http.Request) {
		values := make(map[string]string, 3)
		for _, name := range []string{cookieState, cookieVerifier, cookieNonce} {
			v, err := randomBase64URL(32)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal_error"})
				return
			}
			values[name] = v
		}

		for name, v := range values {
			s.setCookie(w, name, v, 10*time.Minute)
		}
		s.setCookie(w, cookieReturnTo, safeReturnTo(r.URL.Query().Get("return_to")), 10*time.Minute)

		redirectURL := s.oauth2Config.AuthCodeURL(
			values[cookieState],
			oauth2.AccessTypeOnline,
			oauth2.S256ChallengeOption(values[cookieVerifier]),
			oauth2.SetAuthURLParam("nonce", values[cookieNonce]),
		)
		http.Redirect(w, r, redirectURL, http.StatusFound)
	}, nil
}

func (s *OIDCService) CallbackHandler() (http.HandlerFunc, error) {
	if err := s.cfg.ValidateForLogin(); err != nil {
		return nil, err
	}

	return func(w http.ResponseWriter, r *http.Request) {
		state := r.URL.Query().Get("state")
		code := r.URL.Query().Get("code")
		if state == "" || code == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing_code_or_state"})
			return
		}
		if stored := cookieValue(r, cookieState); stored == "" || stored != state {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_state"})
			return
		}

		codeVerifier := cookieValue(r, cookieVerifier)
		nonce := cookieValue(r, cookieNonce)
		if codeVerifier == "" || nonce == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing_pkce_or_nonce"})
			return
		}

		exchangeCtx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		token, err := s.oauth2Config.Exchange(exchangeCtx, code, oauth2.VerifierOption(codeVerifier))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "token_exchange_failed"})
			return
		}
		rawIDToken, ok := token.Extra("id_token").(string)
		if !ok || rawIDToken == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing_id_token"})
			return
		}
		idToken, err := s.verifier.Verify(exchangeCtx, rawIDToken)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_id_token"})
			return
		}
		if idToken.Nonce == "" || idToken.Nonce != nonce {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_nonce"})
			return
		}

		s.setCookie(w, s.cfg.SessionCookieName, rawIDToken, s.cfg.SessionCookieMaxAge)
		for _, name := range []string{cookieState, cookieVerifier, cookieNonce, cookieReturnTo} {
			s.setCookie(w, name, "", -1)
		}
		http.Redirect(w, r, safeReturnTo(cookieValue(r, cookieReturnTo)), http.StatusFound)
	}, nil
}

func (s *OIDCService) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.setCookie(w, s.cfg.SessionCookieName, "", -1)
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

// setCookie writes an HttpOnly cookie; a negative ttl deletes it.
func (s *OIDCService) setCookie(w http.ResponseWriter, name, value string, ttl time.Duration) {
	maxAge := int(ttl.Seconds())
	if ttl < 0 {
		maxAge = -1
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.cfg.SessionCookieSecure,
		SameSite: parseSameSite(s.cfg.SessionCookieSameSite),
	})
}

func cookieValue(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func randomBase64URL(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func safeReturnTo(raw string) string {
	if raw == "" {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil || u.IsAbs() || u.Host != "" {
		return "/"
	}
	if !strings.HasPrefix(u.Path, "/") || strings.HasPrefix(u.Path, "//") {
		return "/"
	}
	return u.Path
}

func parseSameSite(raw string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}
