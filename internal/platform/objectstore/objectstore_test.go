package objectstore

import (
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"
)

func TestConfigFromEnv_RequiresCredentials(t *testing.T) {
	t.Setenv("MINIO_ACCESS_KEY", "")
	t.Setenv("MINIO_SECRET_KEY", "")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected error without credentials")
	}

	t.Setenv("MINIO_ACCESS_KEY", "mailcrew")
	t.Setenv("MINIO_SECRET_KEY", "mailcrew-secret")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.BucketSecrets != "mailcrew-secrets" {
		t.Fatalf("BucketSecrets=%q, want mailcrew-secrets", cfg.BucketSecrets)
	}
	if !cfg.ServerSideEncryption {
		t.Fatalf("ServerSideEncryption=false, want true by default")
	}
}

func TestConfigValidate_RejectsScheme(t *testing.T) {
	cfg := Config{
		Endpoint:      "http://minio:9000",
		AccessKey:     "a",
		SecretKey:     "b",
		Region:        "us-east-1",
		BucketSecrets: "s",
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected scheme to be rejected")
	}
	cfg.Endpoint = "minio:9000"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestMapErr_NoSuchKey(t *testing.T) {
	err := mapErr("secrets/abc", minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}

	err = mapErr("secrets/abc", minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403})
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want not ErrNotFound", err)
	}
}

func TestNewMinioStore_Validation(t *testing.T) {
	if _, err := NewMinioStore(nil, "bucket", true); err == nil {
		t.Fatalf("expected error for nil client")
	}

	client, err := minio.New("localhost:9000", &minio.Options{})
	if err != nil {
		t.Fatalf("minio.New: %v", err)
	}
	if _, err := NewMinioStore(client, "", false); err == nil {
		t.Fatalf("expected error for empty bucket")
	}
	s, err := NewMinioStore(client, "mailcrew-secrets", true)
	if err != nil {
		t.Fatalf("NewMinioStore: %v", err)
	}
	if s.sse == nil {
		t.Fatalf("sse=nil, want SSE-S3")
	}
}
