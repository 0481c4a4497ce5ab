package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"counselhub/api/internal/auth"
	"counselhub/api/internal/config"
	"counselhub/api/internal/rbac"
	"counselhub/api/internal/storage"
	"counselhub/api/internal/store"
)

// fakeStore keeps users and resources in maps. Hooks override single calls.
type fakeStore struct {
	mu        sync.Mutex
	users     map[string]store.User
	resources map[string]store.Resource
	decisions []store.ReviewDecision
	views     int

	pingFn            func(context.Context) error
	applyTransitionFn func(context.Context, store.Resource, store.ReviewDecision) (store.Resource, error)
	listResourcesFn   func(context.Context, store.ResourceFilter) ([]store.Resource, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: map[string]store.User{}, resources: map[string]store.Resource{}}
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == strings.ToLower(email) {
			return u, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return u, nil
}

func (f *fakeStore) CreateUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) UpdateUserPassword(_ context.Context, userID, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	u.PasswordHash = hash
	f.users[userID] = u
	return nil
}

func (f *fakeStore) UpdateUserRole(_ context.Context, userID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	u.Role = role
	f.users[userID] = u
	return nil
}

func (f *fakeStore) ListUsers(context.Context, string, int, int) ([]store.User, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	users := make([]store.User, 0, len(f.users))
	for _, u := range f.users {
		users = append(users, u)
	}
	return users, len(users), nil
}

func (f *fakeStore) CreateResource(_ context.Context, r store.Resource) (store.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r.CreatedAt = time.Now().UTC()
	r.UpdatedAt = r.CreatedAt
	f.resources[r.ID] = r
	return r, nil
}

func (f *fakeStore) GetResource(_ context.Context, id string) (store.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.resources[id]
	if !ok {
		return store.Resource{}, sql.ErrNoRows
	}
	return r, nil
}

func (f *fakeStore) UpdateResource(_ context.Context, id string, patch store.ResourcePatch) (store.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.resources[id]
	if !ok {
		return store.Resource{}, sql.ErrNoRows
	}
	r = patch.Apply(r)
	f.resources[id] = r
	return r, nil
}

func (f *fakeStore) DeleteResource(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.resources[id]; !ok {
		return sql.ErrNoRows
	}
	delete(f.resources, id)
	return nil
}

func (f *fakeStore) ListResources(ctx context.Context, filter store.ResourceFilter) ([]store.Resource, error) {
	if f.listResourcesFn != nil {
		return f.listResourcesFn(ctx, filter)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Resource{}
	for _, r := range f.resources {
		if filter.Publisher != "" && r.Publisher != filter.Publisher {
			continue
		}
		if filter.PublicOnly && (!r.IsPublic || r.Status != "published") {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeStore) ListStatuses(context.Context) ([]store.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Resource, 0, len(f.resources))
	for _, r := range f.resources {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeStore) ApplyTransition(ctx context.Context, next store.Resource, decision store.ReviewDecision) (store.Resource, error) {
	if f.applyTransitionFn != nil {
		return f.applyTransitionFn(ctx, next, decision)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.resources[next.ID]
	if !ok {
		return store.Resource{}, sql.ErrNoRows
	}
	if current.Status != decision.FromStatus {
		return store.Resource{}, store.ErrStaleStatus
	}
	f.resources[next.ID] = next
	f.decisions = append(f.decisions, decision)
	return next, nil
}

func (f *fakeStore) ListDecisions(_ context.Context, id string) ([]store.ReviewDecision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.ReviewDecision{}
	for _, d := range f.decisions {
		if d.ResourceID == id {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeStore) RecordView(context.Context, string, *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.views++
	return nil
}

func (f *fakeStore) RecordDownload(context.Context, string, *string) error { return nil }

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) addUser(t *testing.T, id, name string, role rbac.Role, password string) store.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	user := store.User{
		ID:           id,
		DisplayName:  name,
		Email:        strings.ToLower(name) + "@example.com",
		PasswordHash: string(hash),
		Role:         string(role),
	}
	require.NoError(t, f.CreateUser(context.Background(), user))
	return user
}

func (f *fakeStore) addResource(r store.Resource) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Tags == nil {
		r.Tags = []string{}
	}
	f.resources[r.ID] = r
}

func (f *fakeStore) resource(id string) store.Resource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resources[id]
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]store.User
}

func (f *fakeSessions) SaveRefreshSession(_ context.Context, hash string, user store.User, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessions == nil {
		f.sessions = map[string]store.User{}
	}
	f.sessions[hash] = user
	return nil
}

func (f *fakeSessions) LookupRefreshSession(_ context.Context, hash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.sessions[hash]
	if !ok {
		return store.User{}, auth.ErrInvalidToken
	}
	return u, nil
}

func (f *fakeSessions) RevokeRefreshSession(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, hash)
	return nil
}

// fakeMedia accepts everything under the real size ceilings.
type fakeMedia struct {
	uploads int
}

func (f *fakeMedia) Check(kind storage.Kind, size int64) error {
	limit, ok := storage.Limits[kind]
	if !ok {
		return &storage.UploadError{Kind: storage.ErrUnsupportedType, MediaType: string(kind), Size: size}
	}
	if size > limit {
		return &storage.UploadError{Kind: storage.ErrTooLarge, MediaType: string(kind), Size: size, Limit: limit}
	}
	return nil
}

func (f *fakeMedia) Upload(_ context.Context, in storage.Upload) (storage.Result, error) {
	if _, err := io.Copy(io.Discard, in.Body); err != nil {
		return storage.Result{}, err
	}
	f.uploads++
	return storage.Result{PublicURL: "https://cdn.example.com/images/cat.png", MediaType: "image/png", Size: in.Size}, nil
}

func (f *fakeMedia) SignedDownloadURL(_ context.Context, publicURL string) (storage.SignedURL, error) {
	return storage.SignedURL{URL: publicURL + "?sig=abc", ExpiresAt: time.Now().Add(time.Minute)}, nil
}

type testEnv struct {
	store    *fakeStore
	sessions *fakeSessions
	media    *fakeMedia
	service  *Service
	handler  http.Handler
}

func newTestEnv(t *testing.T, opts ...ServerOption) *testEnv {
	t.Helper()
	env := &testEnv{store: newFakeStore(), sessions: &fakeSessions{}, media: &fakeMedia{}}
	cfg := config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: time.Hour,
	}
	env.service = New(cfg, Deps{Store: env.store, Sessions: env.sessions, Storage: env.media})
	env.handler = NewHTTPServer(env.service, "*", opts...).Handler()
	return env
}

// tokenFor issues an access token without going through sign-in.
func (e *testEnv) tokenFor(t *testing.T, user store.User) string {
	t.Helper()
	session, err := e.service.issueSession(context.Background(), user)
	require.NoError(t, err)
	return session.Token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func newRequest(method, path string, body io.Reader) *http.Request {
	return httptest.NewRequest(method, path, body)
}

func serve(handler http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}
