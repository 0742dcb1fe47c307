package repo

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// UserSettingsRecord is one row of user_settings without the sealed
// secret columns.
type UserSettingsRecord struct {
	UserID        string
	EmailAddress  string
	AuthType      string
	SignatureName string
	SignatureText string
	HasSecret     bool
	SecretBackend string
	SecretRef     string
	KeyVersion    string
	UpdatedAt     time.Time
}

// SecretPointer records where a user's secret lives. A zero pointer means
// the user has none.
type SecretPointer struct {
	Backend    string
	Ref        string
	KeyVersion string
}

// UserSettingsRepository manages per-user settings.
type UserSettingsRepository interface {
	GetUserSettings(ctx context.Context, userID string) (UserSettingsRecord, error)
	UpsertUserSettings(ctx context.Context, record UserSettingsRecord) (UserSettingsRecord, error)
	SetSecretPointer(ctx context.Context, userID string, pointer SecretPointer) (UserSettingsRecord, error)
}
