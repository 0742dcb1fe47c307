package secretstore

import (
	"context"
	"encoding/hex"
	"errors"

	"github.com/zeebo/blake3"

	"github.com/mailcrew-labs/mailcrew-go/internal/platform/objectstore"
)

const managedKeyPrefix = "secrets/"

var objectKeyDomain = []byte("mailcrew.secret.object.v1")

// ManagedStore keeps each secret as one object in a versioned bucket with
// server-side encryption. Object keys are a hash of the user id so bucket
// listings do not reveal who has a secret.
type ManagedStore struct {
	objects objectstore.Store
}

func NewManagedStore(objects objectstore.Store) (*ManagedStore, error) {
	if objects == nil {
		return nil, errors.New("object store is required")
	}
	return &ManagedStore{objects: objects}, nil
}

func (s *ManagedStore) Backend() Backend {
	return BackendManaged
}

// ObjectKey maps a user id to its object key.
func ObjectKey(userID string) string {
	h := blake3.New()
	_, _ = h.Write(objectKeyDomain)
	_, _ = h.Write([]byte(userID))
	return managedKeyPrefix + hex.EncodeToString(h.Sum(nil))
}

func (s *ManagedStore) Put(ctx context.Context, userID, secret string) (Record, error) {
	if err := validateUser(userID); err != nil {
		return Record{}, err
	}
	key := ObjectKey(userID)
	info, err := s.objects.Put(ctx, key, []byte(secret), "application/octet-stream")
	if err != nil {
		return Record{}, unavailable("put secret", err)
	}
	ref := key
	if info.VersionID != "" {
		ref = key + "?versionId=" + info.VersionID
	}
	return Record{UserID: userID, Ref: ref, Backend: BackendManaged}, nil
}

func (s *ManagedStore) Get(ctx context.Context, userID string) (string, error) {
	if err := validateUser(userID); err != nil {
		return "", err
	}
	body, _, err := s.objects.Get(ctx, ObjectKey(userID))
	if errors.Is(err, objectstore.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", unavailable("get secret", err)
	}
	return string(body), nil
}

func (s *ManagedStore) Delete(ctx context.Context, userID string) error {
	if err := validateUser(userID); err != nil {
		return err
	}
	err := s.objects.Delete(ctx, ObjectKey(userID))
	if err != nil && !errors.Is(err, objectstore.ErrNotFound) {
		return unavailable("delete secret", err)
	}
	return nil
}
