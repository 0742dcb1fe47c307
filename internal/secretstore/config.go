package secretstore

import (
	"errors"
	"strings"

	"github.com/mailcrew-labs/mailcrew-go/internal/platform/env"
)

type Config struct {
	Backend Backend
	// KMSKeys and KMSCurrent configure the envelope backend's keyring.
	KMSKeys    string
	KMSCurrent string
}

func ConfigFromEnv() (Config, error) {
	backend, err := ParseBackend(env.String("SECRETS_BACKEND", string(BackendManaged)))
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Backend:    backend,
		KMSKeys:    env.String("SECRETS_KMS_KEYS", ""),
		KMSCurrent: env.String("SECRETS_KMS_CURRENT", ""),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Backend == BackendEnvelope && strings.TrimSpace(c.KMSKeys) == "" {
		return errors.New("SECRETS_KMS_KEYS is required when SECRETS_BACKEND=envelope")
	}
	return nil
}
