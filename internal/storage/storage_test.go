package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	calls  int
	putFn  func(obj Object) (Stored, error)
	stored []Object
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Put(_ context.Context, obj Object) (Stored, error) {
	f.calls++
	if f.putFn != nil {
		return f.putFn(obj)
	}
	f.stored = append(f.stored, obj)
	return Stored{PublicURL: "https://files.test/" + obj.Key}, nil
}

func (f *fakeProvider) SignedURL(_ context.Context, publicURL string, ttl time.Duration) (SignedURL, error) {
	return SignedURL{URL: publicURL + "?signed", ExpiresAt: time.Unix(0, 0).Add(ttl)}, nil
}

func zeros(n int) io.Reader { return bytes.NewReader(make([]byte, n)) }

func TestCheckCeilings(t *testing.T) {
	svc := NewService(&fakeProvider{}, time.Minute, nil)
	cases := []struct {
		name string
		kind Kind
		size int64
		want error
	}{
		{name: "audio 99MB", kind: KindAudio, size: 99 * MB},
		{name: "audio exactly 100MB", kind: KindAudio, size: 100 * MB},
		{name: "audio 101MB", kind: KindAudio, size: 101 * MB, want: ErrTooLarge},
		{name: "audio one byte over", kind: KindAudio, size: 100*MB + 1, want: ErrTooLarge},
		{name: "video 500MB", kind: KindVideo, size: 500 * MB},
		{name: "video 501MB", kind: KindVideo, size: 501 * MB, want: ErrTooLarge},
		{name: "pdf 50MB", kind: KindPDF, size: 50 * MB},
		{name: "pdf 51MB", kind: KindPDF, size: 51 * MB, want: ErrTooLarge},
		{name: "image 10MB", kind: KindImage, size: 10 * MB},
		{name: "image 11MB", kind: KindImage, size: 11 * MB, want: ErrTooLarge},
		{name: "empty", kind: KindImage, size: 0, want: ErrUnsupportedType},
		{name: "unknown kind", kind: Kind("archive"), size: 10, want: ErrUnsupportedType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.Check(tc.kind, tc.size)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestUploadTooLargeNeverReachesProvider(t *testing.T) {
	provider := &fakeProvider{}
	svc := NewService(provider, time.Minute, nil)

	_, err := svc.Upload(context.Background(), Upload{Kind: KindAudio, Name: "talk.mp3", Size: 101 * MB, ContentType: "audio/mpeg", Body: zeros(16)})
	require.ErrorIs(t, err, ErrTooLarge)
	assert.Equal(t, 0, provider.calls)

	var ue *UploadError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, int64(101*MB), ue.Size)
	assert.Equal(t, int64(100*MB), ue.Limit)
	assert.Equal(t, "audio", ue.MediaType)
	assert.Equal(t, "fake", ue.Destination)
	assert.Contains(t, err.Error(), "limit")
}

func TestUploadAtCeilingIsAccepted(t *testing.T) {
	provider := &fakeProvider{}
	svc := NewService(provider, time.Minute, nil)

	res, err := svc.Upload(context.Background(), Upload{Kind: KindAudio, Name: "talk.mp3", Size: 100 * MB, ContentType: "audio/mpeg", Body: zeros(64)})
	require.NoError(t, err)
	assert.Equal(t, 1, provider.calls)
	assert.Equal(t, "audio/mpeg", res.MediaType)
	assert.True(t, strings.HasPrefix(res.PublicURL, "https://files.test/audio/"))
	assert.True(t, strings.HasSuffix(res.PublicURL, ".mp3"))
}

func TestUploadSniffsContent(t *testing.T) {
	provider := &fakeProvider{}
	svc := NewService(provider, time.Minute, nil)
	pdf := []byte("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n1 0 obj\n<<>>\nendobj\n")

	res, err := svc.Upload(context.Background(), Upload{Kind: KindPDF, Name: "guide", Size: int64(len(pdf)), ContentType: "application/octet-stream", Body: bytes.NewReader(pdf)})
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", res.MediaType)
	require.Len(t, provider.stored, 1)
	assert.True(t, strings.HasSuffix(provider.stored[0].Key, ".pdf"))

	body, err := io.ReadAll(provider.stored[0].Body)
	require.NoError(t, err)
	assert.Equal(t, pdf, body)
}

func TestUploadRejectsMismatchedType(t *testing.T) {
	provider := &fakeProvider{}
	svc := NewService(provider, time.Minute, nil)
	pdf := []byte("%PDF-1.4\n")

	_, err := svc.Upload(context.Background(), Upload{Kind: KindImage, Name: "x.png", Size: int64(len(pdf)), ContentType: "image/png", Body: bytes.NewReader(pdf)})
	require.ErrorIs(t, err, ErrUnsupportedType)
	assert.Equal(t, 0, provider.calls)
}

func TestUploadProviderFailureCarriesDetails(t *testing.T) {
	provider := &fakeProvider{putFn: func(Object) (Stored, error) {
		return Stored{}, errors.New("connection refused")
	}}
	svc := NewService(provider, time.Minute, nil)

	_, err := svc.Upload(context.Background(), Upload{Kind: KindVideo, Name: "clip.mp4", Size: 2048, ContentType: "video/mp4", Body: zeros(2048)})
	require.ErrorIs(t, err, ErrStorageUnavailable)
	var ue *UploadError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "video/mp4", ue.MediaType)
	assert.Equal(t, int64(2048), ue.Size)
	assert.Equal(t, "fake", ue.Destination)
	assert.Equal(t, 1, provider.calls, "uploads are not retried")

	provider.putFn = func(Object) (Stored, error) {
		return Stored{}, &UploadError{Kind: ErrUnauthenticated}
	}
	_, err = svc.Upload(context.Background(), Upload{Kind: KindVideo, Name: "clip.mp4", Size: 2048, ContentType: "video/mp4", Body: zeros(2048)})
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestLocalProviderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p, err := NewLocalProvider(dir, "http://localhost:8787/uploads/", "secret")
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	p.now = func() time.Time { return now }

	svc := NewService(p, 10*time.Minute, nil)
	res, err := svc.Upload(context.Background(), Upload{Kind: KindAudio, Name: "a.mp3", Size: 5, ContentType: "audio/mpeg", Body: strings.NewReader("\x00\x00\x00\x00\x00")})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(res.PublicURL, "http://localhost:8787/uploads/audio/"))

	key := strings.TrimPrefix(res.PublicURL, "http://localhost:8787/uploads/")
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(key)))
	require.NoError(t, err)
	assert.Equal(t, []byte("\x00\x00\x00\x00\x00"), data)

	signed, err := svc.SignedDownloadURL(context.Background(), res.PublicURL)
	require.NoError(t, err)
	assert.Equal(t, now.Add(10*time.Minute), signed.ExpiresAt)

	u, err := url.Parse(signed.URL)
	require.NoError(t, err)
	assert.True(t, p.Verify(key, u.Query().Get("expires"), u.Query().Get("sig")))
	assert.False(t, p.Verify(key, u.Query().Get("expires"), "deadbeef"))

	now = now.Add(11 * time.Minute)
	assert.False(t, p.Verify(key, u.Query().Get("expires"), u.Query().Get("sig")))

	_, err = svc.SignedDownloadURL(context.Background(), "https://elsewhere.example.com/a.mp3")
	assert.ErrorIs(t, err, ErrForeignLocator)
}

func TestLocalProviderServesFiles(t *testing.T) {
	dir := t.TempDir()
	p, err := NewLocalProvider(dir, "http://localhost/uploads", "secret")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pdf"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pdf", "a.pdf"), []byte("%PDF-1.4"), 0o644))

	h := http.StripPrefix("/uploads", p)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/uploads/pdf/a.pdf", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "%PDF-1.4", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/uploads/pdf/a.pdf?expires=1&sig=bad", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLocalProviderNeverListsDirectories(t *testing.T) {
	dir := t.TempDir()
	p, err := NewLocalProvider(dir, "http://localhost/uploads", "secret")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "image", "2026", "10"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "image", "2026", "10", "cat.png"), []byte("png"), 0o644))

	h := http.StripPrefix("/uploads", p)
	for _, path := range []string{"/uploads/image/2026/10/", "/uploads/image/2026/10", "/uploads/image/", "/uploads/missing.png"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.NotContains(t, rec.Body.String(), "cat.png", path)
	}
}

type fakeMinIO struct {
	putErr error
	put    []string
}

func (f *fakeMinIO) PutObject(_ context.Context, bucket, object string, reader io.Reader, _ int64, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	f.put = append(f.put, bucket+"/"+object)
	return minio.UploadInfo{}, f.putErr
}

func (f *fakeMinIO) PresignedGetObject(_ context.Context, bucket, object string, expires time.Duration, _ url.Values) (*url.URL, error) {
	return url.Parse("https://minio.test/" + bucket + "/" + object + "?X-Amz-Expires=" + expires.String())
}

func TestMinIOProvider(t *testing.T) {
	client := &fakeMinIO{}
	p := newMinIOProvider(client, MinIOConfig{Endpoint: "minio.test", Bucket: "media", UseSSL: true})

	stored, err := p.Put(context.Background(), Object{Key: "image/2026/01/obj_1.png", Body: zeros(1), Size: 1, ContentType: "image/png"})
	require.NoError(t, err)
	assert.Equal(t, "https://minio.test/media/image/2026/01/obj_1.png", stored.PublicURL)
	assert.Equal(t, []string{"media/image/2026/01/obj_1.png"}, client.put)

	signed, err := p.SignedURL(context.Background(), stored.PublicURL, time.Hour)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(signed.URL, "https://minio.test/media/image/2026/01/obj_1.png?"))

	_, err = p.SignedURL(context.Background(), "https://youtube.com/watch?v=x", time.Hour)
	assert.ErrorIs(t, err, ErrForeignLocator)

	client.putErr = errors.New("dial tcp: connection refused")
	_, err = p.Put(context.Background(), Object{Key: "k", Body: zeros(1), Size: 1})
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}
