package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type minioAPI interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
}

// MinIOProvider stores objects in an S3-compatible bucket. Public URLs are
// path-style: scheme://endpoint/bucket/key.
type MinIOProvider struct {
	client minioAPI
	bucket string
	base   string
}

func NewMinIOProvider(ctx context.Context, cfg MinIOConfig) (*MinIOProvider, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, classifyMinIO(err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, classifyMinIO(err)
		}
	}
	return newMinIOProvider(client, cfg), nil
}

func newMinIOProvider(client minioAPI, cfg MinIOConfig) *MinIOProvider {
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	return &MinIOProvider{
		client: client,
		bucket: cfg.Bucket,
		base:   fmt.Sprintf("%s://%s/%s", scheme, strings.TrimRight(cfg.Endpoint, "/"), cfg.Bucket),
	}
}

func (p *MinIOProvider) Name() string { return "minio:" + p.bucket }

func (p *MinIOProvider) Put(ctx context.Context, obj Object) (Stored, error) {
	_, err := p.client.PutObject(ctx, p.bucket, obj.Key, obj.Body, obj.Size, minio.PutObjectOptions{
		ContentType: obj.ContentType,
	})
	if err != nil {
		return Stored{}, classifyMinIO(err)
	}
	return Stored{PublicURL: p.base + "/" + obj.Key}, nil
}

func (p *MinIOProvider) SignedURL(ctx context.Context, publicURL string, ttl time.Duration) (SignedURL, error) {
	key, err := keyFromURL(p.base, publicURL)
	if err != nil {
		return SignedURL{}, err
	}
	expiresAt := time.Now().Add(ttl)
	u, err := p.client.PresignedGetObject(ctx, p.bucket, key, ttl, nil)
	if err != nil {
		return SignedURL{}, classifyMinIO(err)
	}
	return SignedURL{URL: u.String(), ExpiresAt: expiresAt}, nil
}

func classifyMinIO(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
		return &UploadError{Kind: ErrUnauthenticated, Cause: err}
	}
	return &UploadError{Kind: ErrStorageUnavailable, Cause: err}
}
