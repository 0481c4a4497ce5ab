// Package storage uploads media to object storage and hands out time-limited
// download links. Size ceilings are enforced before any provider is called;
// failed uploads are reported, never retried.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"counselhub/api/internal/util"
)

const MB = 1 << 20

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
	KindPDF   Kind = "pdf"
	KindImage Kind = "image"
)

// Limits are inclusive: a file of exactly the limit is accepted.
var Limits = map[Kind]int64{
	KindAudio: 100 * MB,
	KindVideo: 500 * MB,
	KindPDF:   50 * MB,
	KindImage: 10 * MB,
}

var (
	ErrTooLarge           = errors.New("file too large")
	ErrUnauthenticated    = errors.New("storage rejected credentials")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrUnsupportedType    = errors.New("unsupported media type")
	ErrForeignLocator     = errors.New("locator does not belong to this storage")
)

// UploadError carries what was attempted so callers can show an actionable
// message. It unwraps to one of the sentinel errors above.
type UploadError struct {
	Kind        error
	MediaType   string
	Size        int64
	Limit       int64
	Destination string
	Cause       error
}

func (e *UploadError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.Error())
	if e.MediaType != "" {
		fmt.Fprintf(&sb, ": %s", e.MediaType)
	}
	if e.Size > 0 {
		fmt.Fprintf(&sb, " of %d bytes", e.Size)
	}
	if e.Limit > 0 {
		fmt.Fprintf(&sb, " (limit %d bytes)", e.Limit)
	}
	if e.Destination != "" {
		fmt.Fprintf(&sb, " to %s", e.Destination)
	}
	if e.Cause != nil {
		fmt.Fprintf(&sb, ": %v", e.Cause)
	}
	return sb.String()
}

func (e *UploadError) Unwrap() error { return e.Kind }

// Details is the error payload exposed to API clients.
func (e *UploadError) Details() map[string]any {
	d := map[string]any{"size": e.Size}
	if e.MediaType != "" {
		d["mediaType"] = e.MediaType
	}
	if e.Limit > 0 {
		d["limit"] = e.Limit
	}
	if e.Destination != "" {
		d["destination"] = e.Destination
	}
	return d
}

type Object struct {
	Key         string
	Body        io.Reader
	Size        int64
	ContentType string
}

type Stored struct {
	PublicURL string
}

type SignedURL struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Provider is a storage backend. Providers report failures as *UploadError
// with ErrUnauthenticated or ErrStorageUnavailable.
type Provider interface {
	Name() string
	Put(ctx context.Context, obj Object) (Stored, error)
	// SignedURL returns a temporary link for an object previously stored by
	// this provider, identified by its public URL.
	SignedURL(ctx context.Context, publicURL string, ttl time.Duration) (SignedURL, error)
}

type Upload struct {
	Kind        Kind
	Name        string
	Size        int64
	ContentType string
	Body        io.Reader
}

type Result struct {
	PublicURL string `json:"publicUrl"`
	MediaType string `json:"mediaType"`
	Size      int64  `json:"size"`
}

type Service struct {
	provider  Provider
	signedTTL time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(provider Provider, signedTTL time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{provider: provider, signedTTL: signedTTL, logger: logger, now: time.Now}
}

func (s *Service) ProviderName() string { return s.provider.Name() }

// Check enforces the size ceiling for kind without touching the network.
func (s *Service) Check(kind Kind, size int64) error {
	limit, ok := Limits[kind]
	if !ok {
		return &UploadError{Kind: ErrUnsupportedType, MediaType: string(kind), Size: size}
	}
	if size <= 0 {
		return &UploadError{Kind: ErrUnsupportedType, MediaType: string(kind), Size: size, Cause: errors.New("empty file")}
	}
	if size > limit {
		return &UploadError{Kind: ErrTooLarge, MediaType: string(kind), Size: size, Limit: limit, Destination: s.provider.Name()}
	}
	return nil
}

// Upload checks the ceiling, sniffs the content type and stores the bytes.
func (s *Service) Upload(ctx context.Context, in Upload) (Result, error) {
	if err := s.Check(in.Kind, in.Size); err != nil {
		s.logger.Info("upload rejected", zap.String("kind", string(in.Kind)), zap.Int64("size", in.Size), zap.Error(err))
		return Result{}, err
	}

	head := make([]byte, 3072)
	n, err := io.ReadFull(in.Body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Result{}, &UploadError{Kind: ErrStorageUnavailable, Size: in.Size, Destination: s.provider.Name(), Cause: err}
	}
	head = head[:n]
	mediaType, ext := sniff(head, in.ContentType, in.Name)
	if !Accepts(in.Kind, mediaType) {
		return Result{}, &UploadError{Kind: ErrUnsupportedType, MediaType: mediaType, Size: in.Size, Destination: s.provider.Name()}
	}

	obj := Object{
		Key:         objectKey(in.Kind, ext, s.now()),
		Body:        io.LimitReader(io.MultiReader(bytes.NewReader(head), in.Body), in.Size),
		Size:        in.Size,
		ContentType: mediaType,
	}
	stored, err := s.provider.Put(ctx, obj)
	if err != nil {
		var ue *UploadError
		if !errors.As(err, &ue) {
			ue = &UploadError{Kind: ErrStorageUnavailable, Cause: err}
		}
		ue.MediaType, ue.Size, ue.Destination = mediaType, in.Size, s.provider.Name()
		s.logger.Warn("upload failed", zap.String("key", obj.Key), zap.Error(ue))
		return Result{}, ue
	}
	s.logger.Info("upload stored",
		zap.String("key", obj.Key),
		zap.String("media_type", mediaType),
		zap.Int64("size", in.Size),
		zap.String("provider", s.provider.Name()))
	return Result{PublicURL: stored.PublicURL, MediaType: mediaType, Size: in.Size}, nil
}

func (s *Service) SignedDownloadURL(ctx context.Context, publicURL string) (SignedURL, error) {
	return s.provider.SignedURL(ctx, publicURL, s.signedTTL)
}

// Accepts reports whether mediaType is valid content for kind.
func Accepts(kind Kind, mediaType string) bool {
	switch kind {
	case KindAudio:
		return strings.HasPrefix(mediaType, "audio/")
	case KindVideo:
		return strings.HasPrefix(mediaType, "video/")
	case KindPDF:
		return mediaType == "application/pdf"
	case KindImage:
		return strings.HasPrefix(mediaType, "image/")
	}
	return false
}

// sniff prefers the detected type; when the bytes are not recognised it falls
// back to the type the client declared.
func sniff(head []byte, declared, name string) (string, string) {
	detected := mimetype.Detect(head)
	mediaType, ext := detected.String(), detected.Extension()
	if detected.Is("application/octet-stream") || detected.Is("text/plain") {
		if declared != "" {
			mediaType = declared
		}
		ext = strings.ToLower(path.Ext(name))
	}
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}
	if len(ext) > 10 {
		ext = ""
	}
	return mediaType, ext
}

func objectKey(kind Kind, ext string, now time.Time) string {
	return fmt.Sprintf("%s/%s/%s%s", kind, now.UTC().Format("2006/01"), util.NewID("obj"), ext)
}

// keyFromURL strips base from a public URL, returning the object key.
func keyFromURL(base, publicURL string) (string, error) {
	prefix := strings.TrimRight(base, "/") + "/"
	if !strings.HasPrefix(publicURL, prefix) {
		return "", ErrForeignLocator
	}
	key := strings.TrimPrefix(publicURL, prefix)
	if i := strings.IndexAny(key, "?#"); i >= 0 {
		key = key[:i]
	}
	if key == "" || strings.Contains(key, "..") {
		return "", ErrForeignLocator
	}
	return key, nil
}
