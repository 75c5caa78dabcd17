// Package attach stores message attachments in object storage and hands back
// the URL references embedded in message rows.
package attach

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"huddle/api/internal/store"
	"huddle/api/internal/util"
)

// DefaultMaxBytes caps a single upload (matches the 10 MB limit the web
// client enforces).
const DefaultMaxBytes = 10 << 20

var ErrTooLarge = errors.New("attachment exceeds size limit")

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	MaxBytes  int64
}

type Store struct {
	client   *minio.Client
	bucket   string
	baseURL  string
	maxBytes int64
}

// New connects to the object store and ensures the attachment bucket exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to object store: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	return &Store{
		client:   client,
		bucket:   cfg.Bucket,
		baseURL:  client.EndpointURL().String(),
		maxBytes: maxBytes,
	}, nil
}

// Upload stores one attachment under a channel-scoped object key and returns
// the reference to embed in the message.
func (s *Store) Upload(ctx context.Context, channelID, filename string, r io.Reader, size int64, contentType string) (store.Attachment, error) {
	if size <= 0 {
		return store.Attachment{}, errors.New("attachment size unknown")
	}
	if size > s.maxBytes {
		return store.Attachment{}, ErrTooLarge
	}

	filename = sanitizeFilename(filename)
	objectName := path.Join(channelID, util.NewID("att")+"-"+filename)

	if _, err := s.client.PutObject(ctx, s.bucket, objectName, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	}); err != nil {
		return store.Attachment{}, fmt.Errorf("upload attachment: %w", err)
	}

	return store.Attachment{
		Name: filename,
		URL:  s.baseURL + "/" + s.bucket + "/" + objectName,
		Size: size,
	}, nil
}

// Remove deletes the object behind an attachment URL. Unknown URLs are a
// no-op.
func (s *Store) Remove(ctx context.Context, url string) error {
	prefix := s.baseURL + "/" + s.bucket + "/"
	if !strings.HasPrefix(url, prefix) {
		return nil
	}
	objectName := strings.TrimPrefix(url, prefix)
	if err := s.client.RemoveObject(ctx, s.bucket, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove attachment: %w", err)
	}
	return nil
}

func sanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "" || name == "." || name == "/" {
		return "file"
	}
	return name
}
