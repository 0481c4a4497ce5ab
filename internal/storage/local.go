package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// LocalProvider keeps uploads on disk and serves them itself. Files are
// publicly readable; signed links add an HMAC over key and expiry.
type LocalProvider struct {
	dir    string
	base   string
	secret []byte
	now    func() time.Time
}

func NewLocalProvider(dir, baseURL, secret string) (*LocalProvider, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &UploadError{Kind: ErrStorageUnavailable, Destination: dir, Cause: err}
	}
	return &LocalProvider{dir: dir, base: strings.TrimRight(baseURL, "/"), secret: []byte(secret), now: time.Now}, nil
}

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) Put(_ context.Context, obj Object) (Stored, error) {
	dst := filepath.Join(p.dir, filepath.FromSlash(obj.Key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Stored{}, &UploadError{Kind: ErrStorageUnavailable, Cause: err}
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return Stored{}, &UploadError{Kind: ErrStorageUnavailable, Cause: err}
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, obj.Body); err != nil {
		tmp.Close()
		return Stored{}, &UploadError{Kind: ErrStorageUnavailable, Cause: err}
	}
	if err := tmp.Close(); err != nil {
		return Stored{}, &UploadError{Kind: ErrStorageUnavailable, Cause: err}
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return Stored{}, &UploadError{Kind: ErrStorageUnavailable, Cause: err}
	}
	return Stored{PublicURL: p.base + "/" + obj.Key}, nil
}

func (p *LocalProvider) SignedURL(_ context.Context, publicURL string, ttl time.Duration) (SignedURL, error) {
	key, err := keyFromURL(p.base, publicURL)
	if err != nil {
		return SignedURL{}, err
	}
	expiresAt := p.now().Add(ttl).Truncate(time.Second)
	expires := strconv.FormatInt(expiresAt.Unix(), 10)
	q := url.Values{"expires": {expires}, "sig": {p.sign(key, expires)}}
	return SignedURL{URL: p.base + "/" + key + "?" + q.Encode(), ExpiresAt: expiresAt}, nil
}

func (p *LocalProvider) sign(key, expires string) string {
	mac := hmac.New(sha256.New, p.secret)
	fmt.Fprintf(mac, "%s\n%s", key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signed link's expiry and signature.
func (p *LocalProvider) Verify(key, expires, sig string) bool {
	ts, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || p.now().Unix() > ts {
		return false
	}
	return hmac.Equal([]byte(p.sign(key, expires)), []byte(sig))
}

// ServeHTTP serves stored files under the prefix the handler is mounted at.
// Directories are never listed. Requests carrying a signature must carry a
// valid one.
func (p *LocalProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/")
	if key == "" || strings.Contains(key, "..") {
		http.NotFound(w, r)
		return
	}
	if sig := r.URL.Query().Get("sig"); sig != "" && !p.Verify(key, r.URL.Query().Get("expires"), sig) {
		http.Error(w, "link expired or invalid", http.StatusForbidden)
		return
	}
	f, err := os.Open(filepath.Join(p.dir, filepath.FromSlash(key)))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}
