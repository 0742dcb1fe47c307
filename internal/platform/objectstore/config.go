package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mailcrew-labs/mailcrew-go/internal/platform/env"
)

type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Region        string
	UseSSL        bool
	BucketSecrets string
	// ServerSideEncryption requests SSE-S3 on every put.
	ServerSideEncryption bool
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	sse, err := env.Bool("MINIO_SSE", true)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:             env.String("MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:            env.String("MINIO_ACCESS_KEY", ""),
		SecretKey:            env.String("MINIO_SECRET_KEY", ""),
		Region:               env.String("MINIO_REGION", "us-east-1"),
		UseSSL:               useSSL,
		BucketSecrets:        env.String("MINIO_BUCKET_SECRETS", "mailcrew-secrets"),
		ServerSideEncryption: sse,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("MINIO_ENDPOINT is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("MINIO_ENDPOINT must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("MINIO_ACCESS_KEY is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("MINIO_SECRET_KEY is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("MINIO_REGION is required")
	}
	if strings.TrimSpace(c.BucketSecrets) == "" {
		return errors.New("MINIO_BUCKET_SECRETS is required")
	}
	return nil
}
