package secretstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
)

// KeyWrapper protects data keys with a key-encryption key identified by
// version. New wraps always use the current version; every known version
// can still unwrap, which is what makes rotation non-disruptive.
type KeyWrapper interface {
	Wrap(dataKey []byte) (wrapped []byte, version string, err error)
	Unwrap(wrapped []byte, version string) ([]byte, error)
}

var ErrUnknownKeyVersion = errors.New("unknown key version")

// AgeKeyring is a KeyWrapper over age X25519 identities.
type AgeKeyring struct {
	current    string
	identities map[string]*age.X25519Identity
}

// ParseAgeKeyring reads "version:AGE-SECRET-KEY-..." entries separated by
// commas. An empty current selects the last entry.
func ParseAgeKeyring(spec, current string) (*AgeKeyring, error) {
	k := &AgeKeyring{identities: make(map[string]*age.X25519Identity)}
	last := ""
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		version, key, ok := strings.Cut(entry, ":")
		version = strings.TrimSpace(version)
		if !ok || version == "" {
			return nil, fmt.Errorf("key entry must be version:key (got %q)", redactEntry(entry))
		}
		identity, err := age.ParseX25519Identity(strings.TrimSpace(key))
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", version, err)
		}
		if _, dup := k.identities[version]; dup {
			return nil, fmt.Errorf("duplicate key version %s", version)
		}
		k.identities[version] = identity
		last = version
	}
	if len(k.identities) == 0 {
		return nil, errors.New("at least one key is required")
	}

	k.current = strings.TrimSpace(current)
	if k.current == "" {
		k.current = last
	}
	if _, ok := k.identities[k.current]; !ok {
		return nil, fmt.Errorf("current key version %q: %w", k.current, ErrUnknownKeyVersion)
	}
	return k, nil
}

func (k *AgeKeyring) CurrentVersion() string {
	return k.current
}

func (k *AgeKeyring) Wrap(dataKey []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, k.identities[k.current].Recipient())
	if err != nil {
		return nil, "", fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := w.Write(dataKey); err != nil {
		return nil, "", fmt.Errorf("age encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("age encrypt: %w", err)
	}
	return buf.Bytes(), k.current, nil
}

func (k *AgeKeyring) Unwrap(wrapped []byte, version string) ([]byte, error) {
	identity, ok := k.identities[version]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKeyVersion, version)
	}
	r, err := age.Decrypt(bytes.NewReader(wrapped), identity)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	dataKey, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	return dataKey, nil
}

// redactEntry keeps key material out of error messages.
func redactEntry(entry string) string {
	if len(entry) > 8 {
		return entry[:8] + "..."
	}
	return entry
}
