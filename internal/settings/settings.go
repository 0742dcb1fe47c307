// Package settings owns per-user mailbox settings and the write path that
// keeps the stored secret and the has_secret flag in step.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/mailcrew-labs/mailcrew-go/internal/platform/auditlog"
	"github.com/mailcrew-labs/mailcrew-go/internal/platform/httpserver"
	"github.com/mailcrew-labs/mailcrew-go/internal/platform/userlock"
	"github.com/mailcrew-labs/mailcrew-go/internal/repo"
	"github.com/mailcrew-labs/mailcrew-go/internal/secretstore"
)

const AuthTypeAppPassword = "app_password"

var (
	ErrNotFound      = errors.New("settings not found")
	ErrInvalidUpdate = errors.New("invalid settings update")
)

type UserSettings struct {
	UserID        string    `json:"user_id"`
	EmailAddress  string    `json:"email_address"`
	AuthType      string    `json:"auth_type"`
	HasSecret     bool      `json:"has_secret"`
	SignatureName string    `json:"signature_name"`
	SignatureText string    `json:"signature_text"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Update is a partial write. Nil profile fields keep their stored value.
// An empty AppPassword leaves the stored secret untouched; ClearSecret
// removes it.
type Update struct {
	EmailAddress  *string `json:"email_address,omitempty"`
	AuthType      *string `json:"auth_type,omitempty"`
	SignatureName *string `json:"signature_name,omitempty"`
	SignatureText *string `json:"signature_text,omitempty"`
	AppPassword   string  `json:"app_password,omitempty"`
	ClearSecret   bool    `json:"clear_secret,omitempty"`
}

type Auditor interface {
	Record(ctx context.Context, event auditlog.Event)
}

type Service struct {
	logger  *slog.Logger
	repo    repo.UserSettingsRepository
	secrets secretstore.Store
	audit   Auditor
	locks   userlock.Locker
	now     func() time.Time
}

func NewService(logger *slog.Logger, settingsRepo repo.UserSettingsRepository, secrets secretstore.Store, audit Auditor) (*Service, error) {
	if settingsRepo == nil {
		return nil, errors.New("settings repository is required")
	}
	if secrets == nil {
		return nil, errors.New("secret store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		logger:  logger,
		repo:    settingsRepo,
		secrets: secrets,
		audit:   audit,
		now:     time.Now,
	}, nil
}

func (s *Service) Get(ctx context.Context, userID string) (UserSettings, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return UserSettings{}, fmt.Errorf("%w: user id is required", ErrInvalidUpdate)
	}
	record, err := s.repo.GetUserSettings(ctx, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return UserSettings{}, ErrNotFound
	}
	if err != nil {
		return UserSettings{}, fmt.Errorf("get settings: %w", err)
	}
	return fromRecord(record), nil
}

func (s *Service) Update(ctx context.Context, userID string, update Update) (UserSettings, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return UserSettings{}, fmt.Errorf("%w: user id is required", ErrInvalidUpdate)
	}
	if err := update.validate(); err != nil {
		return UserSettings{}, err
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	current, err := s.repo.GetUserSettings(ctx, userID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		current = repo.UserSettingsRecord{UserID: userID, AuthType: AuthTypeAppPassword}
	case err != nil:
		return UserSettings{}, fmt.Errorf("load settings: %w", err)
	}
	update.apply(&current)

	saved, err := s.repo.UpsertUserSettings(ctx, current)
	if err != nil {
		return UserSettings{}, fmt.Errorf("save settings: %w", err)
	}

	secretChange := ""
	switch {
	case update.AppPassword != "":
		rec, err := s.secrets.Put(ctx, userID, update.AppPassword)
		if err != nil {
			return UserSettings{}, fmt.Errorf("store secret: %w", err)
		}
		saved, err = s.repo.SetSecretPointer(ctx, userID, repo.SecretPointer{
			Backend:    string(rec.Backend),
			Ref:        rec.Ref,
			KeyVersion: rec.KeyVersion,
		})
		if err != nil {
			return UserSettings{}, fmt.Errorf("record secret: %w", err)
		}
		secretChange = "stored"
	case update.ClearSecret:
		if err := s.secrets.Delete(ctx, userID); err != nil {
			return UserSettings{}, fmt.Errorf("delete secret: %w", err)
		}
		saved, err = s.repo.SetSecretPointer(ctx, userID, repo.SecretPointer{})
		if err != nil {
			return UserSettings{}, fmt.Errorf("record secret: %w", err)
		}
		secretChange = "cleared"
	}

	out := fromRecord(saved)
	s.record(ctx, out, secretChange)
	s.logger.Info("settings updated", "user_id", userID, "has_secret", out.HasSecret, "secret_change", secretChange)
	return out, nil
}

func (s *Service) record(ctx context.Context, out UserSettings, secretChange string) {
	if s.audit == nil {
		return
	}
	requestID, _ := httpserver.RequestIDFromContext(ctx)
	payload := map[string]any{
		"has_secret": out.HasSecret,
		"auth_type":  out.AuthType,
	}
	if secretChange != "" {
		payload["secret_change"] = secretChange
		payload["secret_backend"] = string(s.secrets.Backend())
	}
	s.audit.Record(ctx, auditlog.Event{
		OccurredAt:   s.now().UTC(),
		Actor:        out.UserID,
		Action:       "settings.updated",
		ResourceType: "user_settings",
		ResourceID:   out.UserID,
		RequestID:    requestID,
		Payload:      payload,
	})
}

func (u Update) validate() error {
	if u.AppPassword != "" && u.ClearSecret {
		return fmt.Errorf("%w: app_password and clear_secret are mutually exclusive", ErrInvalidUpdate)
	}
	if u.EmailAddress != nil {
		if addr := strings.TrimSpace(*u.EmailAddress); addr != "" {
			if _, err := mail.ParseAddress(addr); err != nil {
				return fmt.Errorf("%w: email_address: %v", ErrInvalidUpdate, err)
			}
		}
	}
	if u.AuthType != nil {
		if t := strings.TrimSpace(*u.AuthType); t != "" && t != AuthTypeAppPassword {
			return fmt.Errorf("%w: unsupported auth_type %q", ErrInvalidUpdate, t)
		}
	}
	return nil
}

func (u Update) apply(record *repo.UserSettingsRecord) {
	if u.EmailAddress != nil {
		record.EmailAddress = strings.TrimSpace(*u.EmailAddress)
	}
	if u.AuthType != nil {
		record.AuthType = strings.TrimSpace(*u.AuthType)
	}
	if record.AuthType == "" {
		record.AuthType = AuthTypeAppPassword
	}
	if u.SignatureName != nil {
		record.SignatureName = *u.SignatureName
	}
	if u.SignatureText != nil {
		record.SignatureText = *u.SignatureText
	}
}

func fromRecord(r repo.UserSettingsRecord) UserSettings {
	return UserSettings{
		UserID:        r.UserID,
		EmailAddress:  r.EmailAddress,
		AuthType:      r.AuthType,
		HasSecret:     r.HasSecret,
		SignatureName: r.SignatureName,
		SignatureText: r.SignatureText,
		UpdatedAt:     r.UpdatedAt,
	}
}

var _ Auditor = auditlog.Recorder{}
