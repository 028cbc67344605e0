package service

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/AnTengye/invoicedesk/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// maxPresignExpiry is the longest lifetime S3 accepts for a presigned link.
const maxPresignExpiry = 7 * 24 * time.Hour

// ArchiveService keeps copies of downloaded artifacts in a MinIO bucket and
// hands out links to them.
type ArchiveService struct {
	client *minio.Client
	bucket string
	expiry time.Duration // 0 = plain bucket URLs
	base   url.URL
}

func NewArchiveService(cfg *config.ArchiveConfig) (*ArchiveService, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	var expiry time.Duration
	if cfg.ExpireDays > 0 {
		expiry = min(time.Duration(cfg.ExpireDays)*24*time.Hour, maxPresignExpiry)
	}

	return &ArchiveService{
		client: client,
		bucket: cfg.Bucket,
		expiry: expiry,
		base:   *client.EndpointURL(),
	}, nil
}

// EnsureBucket creates the archive bucket on first start.
func (s *ArchiveService) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Put stores an artifact under objectName.
func (s *ArchiveService) Put(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", objectName, err)
	}
	return nil
}

// Link returns where an archived artifact can be fetched: a presigned GET
// link when an expiry is configured, otherwise the plain bucket URL.
func (s *ArchiveService) Link(ctx context.Context, objectName string) (string, error) {
	if s.expiry == 0 {
		u := s.base
		u.Path = "/" + s.bucket + "/" + objectName
		return u.String(), nil
	}

	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectName, s.expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", objectName, err)
	}
	return u.String(), nil
}
