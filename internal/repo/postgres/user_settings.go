package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mailcrew-labs/mailcrew-go/internal/repo"
	"github.com/mailcrew-labs/mailcrew-go/internal/secretstore"
)

// UserSettingsStore persists user_settings rows. It doubles as the sealed
// record store for the envelope secret backend.
type UserSettingsStore struct {
	db DB
}

const userSettingsColumns = `user_id, email_address, auth_type, signature_name, signature_text,
	has_secret, secret_backend, secret_ref, secret_key_version, updated_at`

const (
	selectUserSettingsQuery = `SELECT ` + userSettingsColumns + `
	 FROM user_settings
	 WHERE user_id = $1`

	upsertUserSettingsQuery = `INSERT INTO user_settings (
		user_id,
		email_address,
		auth_type,
		signature_name,
		signature_text
	) VALUES ($1,$2,$3,$4,$5)
	ON CONFLICT (user_id) DO UPDATE SET
		email_address = EXCLUDED.email_address,
		auth_type = EXCLUDED.auth_type,
		signature_name = EXCLUDED.signature_name,
		signature_text = EXCLUDED.signature_text,
		updated_at = now()
	RETURNING ` + userSettingsColumns

	setSecretPointerQuery = `INSERT INTO user_settings (
		user_id,
		has_secret,
		secret_backend,
		secret_ref,
		secret_key_version
	) VALUES ($1,$2,$3,$4,$5)
	ON CONFLICT (user_id) DO UPDATE SET
		has_secret = EXCLUDED.has_secret,
		secret_backend = EXCLUDED.secret_backend,
		secret_ref = EXCLUDED.secret_ref,
		secret_key_version = EXCLUDED.secret_key_version,
		updated_at = now()
	RETURNING ` + userSettingsColumns

	selectSealedQuery = `SELECT secret_ciphertext, secret_nonce, secret_wrapped_key, secret_key_version
	 FROM user_settings
	 WHERE user_id = $1`

	saveSealedQuery = `INSERT INTO user_settings (
		user_id,
		secret_ciphertext,
		secret_nonce,
		secret_wrapped_key,
		secret_key_version
	) VALUES ($1,$2,$3,$4,$5)
	ON CONFLICT (user_id) DO UPDATE SET
		secret_ciphertext = EXCLUDED.secret_ciphertext,
		secret_nonce = EXCLUDED.secret_nonce,
		secret_wrapped_key = EXCLUDED.secret_wrapped_key,
		secret_key_version = EXCLUDED.secret_key_version,
		updated_at = now()`

	clearSealedQuery = `UPDATE user_settings SET
		secret_ciphertext = NULL,
		secret_nonce = NULL,
		secret_wrapped_key = NULL,
		updated_at = now()
	 WHERE user_id = $1`
)

func NewUserSettingsStore(db DB) *UserSettingsStore {
	if db == nil {
		return nil
	}
	return &UserSettingsStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUserSettings(row rowScanner) (repo.UserSettingsRecord, error) {
	var record repo.UserSettingsRecord
	err := row.Scan(
		&record.UserID,
		&record.EmailAddress,
		&record.AuthType,
		&record.SignatureName,
		&record.SignatureText,
		&record.HasSecret,
		&record.SecretBackend,
		&record.SecretRef,
		&record.KeyVersion,
		&record.UpdatedAt,
	)
	return record, err
}

func (s *UserSettingsStore) ready() error {
	if s == nil || s.db == nil {
		return fmt.Errorf("user settings store not initialized")
	}
	return nil
}

func (s *UserSettingsStore) GetUserSettings(ctx context.Context, userID string) (repo.UserSettingsRecord, error) {
	if err := s.ready(); err != nil {
		return repo.UserSettingsRecord{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return repo.UserSettingsRecord{}, fmt.Errorf("user id is required")
	}
	record, err := scanUserSettings(s.db.QueryRowContext(ctx, selectUserSettingsQuery, userID))
	if err != nil {
		return repo.UserSettingsRecord{}, handleNotFound(err)
	}
	return record, nil
}

func (s *UserSettingsStore) UpsertUserSettings(ctx context.Context, record repo.UserSettingsRecord) (repo.UserSettingsRecord, error) {
	if err := s.ready(); err != nil {
		return repo.UserSettingsRecord{}, err
	}
	userID := strings.TrimSpace(record.UserID)
	if userID == "" {
		return repo.UserSettingsRecord{}, fmt.Errorf("user id is required")
	}
	authType := strings.TrimSpace(record.AuthType)
	if authType == "" {
		authType = "app_password"
	}
	out, err := scanUserSettings(s.db.QueryRowContext(
		ctx,
		upsertUserSettingsQuery,
		userID,
		strings.TrimSpace(record.EmailAddress),
		authType,
		record.SignatureName,
		record.SignatureText,
	))
	if err != nil {
		return repo.UserSettingsRecord{}, fmt.Errorf("upsert user settings: %w", err)
	}
	return out, nil
}

func (s *UserSettingsStore) SetSecretPointer(ctx context.Context, userID string, pointer repo.SecretPointer) (repo.UserSettingsRecord, error) {
	if err := s.ready(); err != nil {
		return repo.UserSettingsRecord{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return repo.UserSettingsRecord{}, fmt.Errorf("user id is required")
	}
	out, err := scanUserSettings(s.db.QueryRowContext(
		ctx,
		setSecretPointerQuery,
		userID,
		pointer.Ref != "",
		pointer.Backend,
		pointer.Ref,
		pointer.KeyVersion,
	))
	if err != nil {
		return repo.UserSettingsRecord{}, fmt.Errorf("set secret pointer: %w", err)
	}
	return out, nil
}

func (s *UserSettingsStore) LoadSealed(ctx context.Context, userID string) (secretstore.SealedRecord, error) {
	if err := s.ready(); err != nil {
		return secretstore.SealedRecord{}, err
	}
	var (
		record  secretstore.SealedRecord
		version sql.NullString
	)
	err := s.db.QueryRowContext(ctx, selectSealedQuery, userID).Scan(
		&record.Ciphertext,
		&record.Nonce,
		&record.WrappedKey,
		&version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return secretstore.SealedRecord{}, secretstore.ErrNotFound
	}
	if err != nil {
		return secretstore.SealedRecord{}, fmt.Errorf("load sealed secret: %w", err)
	}
	if record.Ciphertext == nil {
		return secretstore.SealedRecord{}, secretstore.ErrNotFound
	}
	record.KeyVersion = version.String
	return record, nil
}

func (s *UserSettingsStore) SaveSealed(ctx context.Context, userID string, record secretstore.SealedRecord) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		saveSealedQuery,
		userID,
		record.Ciphertext,
		record.Nonce,
		record.WrappedKey,
		record.KeyVersion,
	)
	if err != nil {
		return fmt.Errorf("save sealed secret: %w", err)
	}
	return nil
}

func (s *UserSettingsStore) ClearSealed(ctx context.Context, userID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, clearSealedQuery, userID); err != nil {
		return fmt.Errorf("clear sealed secret: %w", err)
	}
	return nil
}

var (
	_ repo.UserSettingsRepository   = (*UserSettingsStore)(nil)
	_ secretstore.SealedRecordStore = (*UserSettingsStore)(nil)
)
