package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
)

type CloudinaryConfig struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
}

// CloudinaryProvider uploads to Cloudinary. Delivery URLs of uploaded assets
// are public, so a signed link is the delivery URL itself with an advisory
// expiry.
type CloudinaryProvider struct {
	cld    *cloudinary.Cloudinary
	folder string
	base   string
}

func NewCloudinaryProvider(cfg CloudinaryConfig) (*CloudinaryProvider, error) {
	if cfg.CloudName == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, &UploadError{Kind: ErrUnauthenticated, Destination: "cloudinary", Cause: fmt.Errorf("credentials are missing")}
	}
	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, &UploadError{Kind: ErrStorageUnavailable, Destination: "cloudinary", Cause: err}
	}
	return &CloudinaryProvider{
		cld:    cld,
		folder: cfg.Folder,
		base:   "https://res.cloudinary.com/" + cfg.CloudName,
	}, nil
}

func (p *CloudinaryProvider) Name() string { return "cloudinary" }

func (p *CloudinaryProvider) Put(ctx context.Context, obj Object) (Stored, error) {
	publicID := strings.TrimSuffix(obj.Key, extOf(obj.Key))
	unique := false
	result, err := p.cld.Upload.Upload(ctx, obj.Body, uploader.UploadParams{
		Folder:         p.folder,
		PublicID:       publicID,
		UniqueFilename: &unique,
		ResourceType:   "auto",
	})
	if err != nil {
		return Stored{}, &UploadError{Kind: ErrStorageUnavailable, Cause: err}
	}
	if result.Error.Message != "" {
		kind := ErrStorageUnavailable
		msg := strings.ToLower(result.Error.Message)
		if strings.Contains(msg, "api key") || strings.Contains(msg, "signature") || strings.Contains(msg, "unauthorized") {
			kind = ErrUnauthenticated
		}
		return Stored{}, &UploadError{Kind: kind, Cause: fmt.Errorf("%s", result.Error.Message)}
	}
	return Stored{PublicURL: result.SecureURL}, nil
}

func (p *CloudinaryProvider) SignedURL(_ context.Context, publicURL string, ttl time.Duration) (SignedURL, error) {
	if !strings.HasPrefix(publicURL, p.base+"/") {
		return SignedURL{}, ErrForeignLocator
	}
	return SignedURL{URL: publicURL, ExpiresAt: time.Now().Add(ttl)}, nil
}

func extOf(key string) string {
	if i := strings.LastIndexByte(key, '.'); i > strings.LastIndexByte(key, '/') {
		return key[i:]
	}
	return ""
}
