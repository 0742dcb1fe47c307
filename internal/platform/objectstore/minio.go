package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"
)

// maxObjectSize bounds reads; stored objects are small secrets.
const maxObjectSize = 1 << 20

var ErrNotFound = errors.New("object not found")

// Store is a single-bucket view of S3-compatible storage.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (ObjectInfo, error)
	Get(ctx context.Context, key string) ([]byte, ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	VersionID    string
	LastModified time.Time
}

func NewMinIOClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
}

// EnsureBucket creates the bucket if missing and turns on versioning so
// every put keeps a recoverable prior version.
func EnsureBucket(ctx context.Context, client *minio.Client, bucket, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", bucket, err)
		}
	}
	if err := client.EnableVersioning(ctx, bucket); err != nil {
		return fmt.Errorf("enable versioning %s: %w", bucket, err)
	}
	return nil
}

func CheckBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket missing: %s", bucket)
	}
	return nil
}

type MinioStore struct {
	client *minio.Client
	bucket string
	sse    encrypt.ServerSide
}

func NewMinioStore(client *minio.Client, bucket string, serverSideEncryption bool) (*MinioStore, error) {
	if client == nil {
		return nil, errors.New("minio client is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	s := &MinioStore{client: client, bucket: bucket}
	if serverSideEncryption {
		s.sse = encrypt.NewSSE()
	}
	return s, nil
}

func (s *MinioStore) Put(ctx context.Context, key string, body []byte, contentType string) (ObjectInfo, error) {
	info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType:          contentType,
		ServerSideEncryption: s.sse,
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("put %s: %w", key, err)
	}
	return ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ETag:         info.ETag,
		VersionID:    info.VersionID,
		LastModified: info.LastModified,
	}, nil
}

func (s *MinioStore) Get(ctx context.Context, key string) ([]byte, ObjectInfo, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, mapErr(key, err)
	}
	defer obj.Close()

	stat, err := obj.Stat()
	if err != nil {
		return nil, ObjectInfo{}, mapErr(key, err)
	}
	body, err := io.ReadAll(io.LimitReader(obj, maxObjectSize))
	if err != nil {
		return nil, ObjectInfo{}, mapErr(key, err)
	}
	return body, ObjectInfo{
		Key:          stat.Key,
		Size:         stat.Size,
		ETag:         stat.ETag,
		VersionID:    stat.VersionID,
		LastModified: stat.LastModified,
	}, nil
}

// Delete places a delete marker; prior versions stay in the bucket.
func (s *MinioStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return mapErr(key, err)
	}
	return nil
}

func mapErr(key string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return fmt.Errorf("object %s: %w", key, err)
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
