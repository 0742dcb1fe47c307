package secretstore

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/mailcrew-labs/mailcrew-go/internal/platform/userlock"
)

const dataKeySize = 32

var hkdfInfoSecret = []byte("mailcrew.secret.aead.v1")

// SealedRecord is the at-rest form of an envelope-encrypted secret.
type SealedRecord struct {
	Ciphertext []byte
	Nonce      []byte
	WrappedKey []byte
	KeyVersion string
}

// SealedRecordStore persists sealed records. LoadSealed returns ErrNotFound
// when the user has none.
type SealedRecordStore interface {
	LoadSealed(ctx context.Context, userID string) (SealedRecord, error)
	SaveSealed(ctx context.Context, userID string, record SealedRecord) error
	ClearSealed(ctx context.Context, userID string) error
}

// EnvelopeStore encrypts each secret under a fresh data key and stores the
// data key only in wrapped form. Ciphertext is bound to its owner through
// the AEAD additional data, so a record copied to another user fails to
// open.
type EnvelopeStore struct {
	wrapper KeyWrapper
	records SealedRecordStore
	locks   *userlock.Locker
}

func NewEnvelopeStore(wrapper KeyWrapper, records SealedRecordStore, locks *userlock.Locker) (*EnvelopeStore, error) {
	if wrapper == nil {
		return nil, errors.New("key wrapper is required")
	}
	if records == nil {
		return nil, errors.New("sealed record store is required")
	}
	if locks == nil {
		locks = &userlock.Locker{}
	}
	return &EnvelopeStore{wrapper: wrapper, records: records, locks: locks}, nil
}

func (s *EnvelopeStore) Backend() Backend {
	return BackendEnvelope
}

func (s *EnvelopeStore) Put(ctx context.Context, userID, secret string) (Record, error) {
	if err := validateUser(userID); err != nil {
		return Record{}, err
	}
	sealed, err := Seal(s.wrapper, userID, []byte(secret))
	if err != nil {
		return Record{}, unavailable("seal secret", err)
	}

	unlock := s.locks.Lock(userID)
	defer unlock()
	if err := s.records.SaveSealed(ctx, userID, sealed); err != nil {
		return Record{}, unavailable("save sealed secret", err)
	}
	return Record{
		UserID:     userID,
		Ref:        "user_settings:" + userID,
		Backend:    BackendEnvelope,
		KeyVersion: sealed.KeyVersion,
	}, nil
}

func (s *EnvelopeStore) Get(ctx context.Context, userID string) (string, error) {
	if err := validateUser(userID); err != nil {
		return "", err
	}
	sealed, err := s.records.LoadSealed(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", unavailable("load sealed secret", err)
	}
	plaintext, err := Open(s.wrapper, userID, sealed)
	if err != nil {
		return "", unavailable("open sealed secret", err)
	}
	return string(plaintext), nil
}

func (s *EnvelopeStore) Delete(ctx context.Context, userID string) error {
	if err := validateUser(userID); err != nil {
		return err
	}
	unlock := s.locks.Lock(userID)
	defer unlock()
	if err := s.records.ClearSealed(ctx, userID); err != nil && !errors.Is(err, ErrNotFound) {
		return unavailable("clear sealed secret", err)
	}
	return nil
}

// Seal encrypts plaintext for userID under a new random data key.
func Seal(wrapper KeyWrapper, userID string, plaintext []byte) (SealedRecord, error) {
	dataKey := make([]byte, dataKeySize)
	if _, err := io.ReadFull(rand.Reader, dataKey); err != nil {
		return SealedRecord{}, fmt.Errorf("generate data key: %w", err)
	}
	defer clear(dataKey)

	aead, err := newAEAD(dataKey)
	if err != nil {
		return SealedRecord{}, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return SealedRecord{}, fmt.Errorf("generate nonce: %w", err)
	}

	wrapped, version, err := wrapper.Wrap(dataKey)
	if err != nil {
		return SealedRecord{}, fmt.Errorf("wrap data key: %w", err)
	}
	return SealedRecord{
		Ciphertext: aead.Seal(nil, nonce, plaintext, []byte(userID)),
		Nonce:      nonce,
		WrappedKey: wrapped,
		KeyVersion: version,
	}, nil
}

// Open reverses Seal. It fails if the record was sealed for another user.
func Open(wrapper KeyWrapper, userID string, record SealedRecord) ([]byte, error) {
	if len(record.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("nonce is %d bytes, want %d", len(record.Nonce), chacha20poly1305.NonceSizeX)
	}
	dataKey, err := wrapper.Unwrap(record.WrappedKey, record.KeyVersion)
	if err != nil {
		return nil, fmt.Errorf("unwrap data key: %w", err)
	}
	defer clear(dataKey)

	aead, err := newAEAD(dataKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, record.Nonce, record.Ciphertext, []byte(userID))
	if err != nil {
		return nil, fmt.Errorf("decrypt secret: %w", err)
	}
	return plaintext, nil
}

func newAEAD(dataKey []byte) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, dataKey, nil, hkdfInfoSecret), key); err != nil {
		return nil, fmt.Errorf("derive aead key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	return aead, nil
}
