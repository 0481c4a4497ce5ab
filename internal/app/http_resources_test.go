package app

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"counselhub/api/internal/rbac"
	"counselhub/api/internal/store"
)

type reviewFixture struct {
	env       *testEnv
	admin     string
	counselor string
	other     string
	patient   string
}

func newReviewFixture(t *testing.T) *reviewFixture {
	t.Helper()
	env := newTestEnv(t)
	f := &reviewFixture{env: env}
	f.admin = env.tokenFor(t, env.store.addUser(t, "usr_admin", "Ada", rbac.RoleAdmin, "admin password"))
	f.counselor = env.tokenFor(t, env.store.addUser(t, "usr_a", "Casey", rbac.RoleCounselor, "counselor password"))
	f.other = env.tokenFor(t, env.store.addUser(t, "usr_b", "Blake", rbac.RoleCounselor, "counselor password"))
	f.patient = env.tokenFor(t, env.store.addUser(t, "usr_p", "Pat", rbac.RolePatient, "patient password"))

	env.store.addResource(store.Resource{
		ID: "res_pending", Type: store.ResourceVideo, Source: store.SourceExternal, Title: "Breathing",
		URL: "https://www.youtube.com/watch?v=abc", Status: "pending_review", Publisher: "usr_a",
	})
	env.store.addResource(store.Resource{
		ID: "res_live", Type: store.ResourcePDF, Source: store.SourceExternal, Title: "Sleep hygiene",
		URL: "https://example.org/sleep.pdf", Status: "published", IsPublic: true, Publisher: "usr_b",
	})
	return f
}

func TestCreateResourceAsCounselor(t *testing.T) {
	f := newReviewFixture(t)

	rr := f.env.do(t, http.MethodPost, "/api/resources", f.counselor, map[string]any{
		"type":    "article",
		"title":   "  Coping with stress ",
		"content": "<p>Take a <b>deep</b> breath.</p>",
		"tags":    []string{"Stress", "stress", "sleep"},
	})

	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	body := decodeResponse(t, rr)
	assert.Equal(t, "pending_review", body["status"])
	assert.Equal(t, false, body["isPublic"])
	assert.Equal(t, "Coping with stress", body["title"])
	assert.Equal(t, "usr_a", body["publisher"])
	assert.Contains(t, body["content"], "<strong>deep</strong>")
}

func TestCreateResourceForbiddenForPatient(t *testing.T) {
	f := newReviewFixture(t)

	rr := f.env.do(t, http.MethodPost, "/api/resources", f.patient, map[string]any{
		"type": "video", "title": "Mine", "url": "https://example.org/v.mp4",
	})

	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "FORBIDDEN", decodeResponse(t, rr)["error"])
}

func TestCreateResourceValidation(t *testing.T) {
	f := newReviewFixture(t)

	rr := f.env.do(t, http.MethodPost, "/api/resources", f.counselor, map[string]any{
		"type": "podcast", "title": "",
	})

	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	body := decodeResponse(t, rr)
	assert.Equal(t, "VALIDATION_ERROR", body["error"])
	assert.Len(t, body["details"].(map[string]any)["fields"], 2)
}

func TestAdminReviewCycle(t *testing.T) {
	f := newReviewFixture(t)
	path := "/api/resources/res_pending/transitions"

	expected := []struct {
		status   string
		isPublic bool
	}{
		{"reviewed", false},
		{"published", true},
		{"reviewed", true},
	}
	for _, want := range expected {
		rr := f.env.do(t, http.MethodPost, path, f.admin, map[string]any{"action": "review"})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		res := decodeResponse(t, rr)["resource"].(map[string]any)
		assert.Equal(t, want.status, res["status"])
		assert.Equal(t, want.isPublic, res["isPublic"])
	}

	rr := f.env.do(t, http.MethodGet, "/api/resources/res_pending/decisions", f.counselor, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeResponse(t, rr)["items"], 3)
}

func TestTransitionForbiddenForCounselor(t *testing.T) {
	f := newReviewFixture(t)

	rr := f.env.do(t, http.MethodPost, "/api/resources/res_pending/transitions", f.counselor, map[string]any{"action": "publish"})

	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "pending_review", f.env.store.resource("res_pending").Status)
}

func TestTransitionInvalidFromState(t *testing.T) {
	f := newReviewFixture(t)

	rr := f.env.do(t, http.MethodPost, "/api/resources/res_pending/transitions", f.admin, map[string]any{"action": "publish"})

	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "INVALID_TRANSITION", decodeResponse(t, rr)["error"])
}

func TestTransitionStaleStatus(t *testing.T) {
	f := newReviewFixture(t)
	f.env.store.applyTransitionFn = func(context.Context, store.Resource, store.ReviewDecision) (store.Resource, error) {
		return store.Resource{}, store.ErrStaleStatus
	}

	rr := f.env.do(t, http.MethodPost, "/api/resources/res_pending/transitions", f.admin, map[string]any{"action": "mark_reviewed"})

	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "STALE_STATUS", decodeResponse(t, rr)["error"])
}

func TestRejectThenResubmitByOwner(t *testing.T) {
	f := newReviewFixture(t)
	path := "/api/resources/res_pending/transitions"

	rr := f.env.do(t, http.MethodPost, path, f.admin, map[string]any{"action": "reject"})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.env.do(t, http.MethodPost, path, f.other, map[string]any{"action": "resubmit"})
	require.Equal(t, http.StatusNotFound, rr.Code, "non-owners cannot see a rejected resource")

	rr = f.env.do(t, http.MethodPost, path, f.counselor, map[string]any{"action": "resubmit"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "pending_review", f.env.store.resource("res_pending").Status)
}

func TestVisibilityCannotHidePublished(t *testing.T) {
	f := newReviewFixture(t)

	rr := f.env.do(t, http.MethodPut, "/api/resources/res_live/visibility", f.admin, map[string]any{"isPublic": false})
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = f.env.do(t, http.MethodPut, "/api/resources/res_pending/visibility", f.admin, map[string]any{"isPublic": true})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.True(t, f.env.store.resource("res_pending").IsPublic)
	assert.Equal(t, "pending_review", f.env.store.resource("res_pending").Status)

	rr = f.env.do(t, http.MethodPut, "/api/resources/res_pending/visibility", f.admin, map[string]any{})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestHiddenResourceIsNotFound(t *testing.T) {
	f := newReviewFixture(t)

	for _, token := range []string{"", f.patient, f.other} {
		rr := f.env.do(t, http.MethodGet, "/api/resources/res_pending", token, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code, "token %q", token)
	}

	rr := f.env.do(t, http.MethodGet, "/api/resources/res_pending", f.counselor, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decodeResponse(t, rr)["actions"])

	rr = f.env.do(t, http.MethodGet, "/api/resources/res_pending", f.admin, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, decodeResponse(t, rr)["actions"])
}

func TestAnonymousListOnlyPublic(t *testing.T) {
	f := newReviewFixture(t)
	var seen store.ResourceFilter
	f.env.store.listResourcesFn = func(_ context.Context, filter store.ResourceFilter) ([]store.Resource, error) {
		seen = filter
		return []store.Resource{}, nil
	}

	rr := f.env.do(t, http.MethodGet, "/api/resources?status=rejected&limit=5", "", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, seen.PublicOnly)
	assert.Empty(t, seen.Status)
	assert.Equal(t, 5, seen.Limit)
}

func TestListMine(t *testing.T) {
	f := newReviewFixture(t)

	rr := f.env.do(t, http.MethodGet, "/api/resources?scope=mine", f.counselor, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	items := decodeResponse(t, rr)["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "res_pending", items[0].(map[string]any)["id"])

	rr = f.env.do(t, http.MethodGet, "/api/resources?limit=abc", f.counselor, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestCountsScopedByRole(t *testing.T) {
	f := newReviewFixture(t)

	rr := f.env.do(t, http.MethodGet, "/api/resources/counts", f.admin, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	all := decodeResponse(t, rr)
	assert.EqualValues(t, 2, all["total"])
	assert.EqualValues(t, 1, all["pending_review"])
	assert.EqualValues(t, 1, all["published"])

	rr = f.env.do(t, http.MethodGet, "/api/resources/counts", f.counselor, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	own := decodeResponse(t, rr)
	assert.EqualValues(t, 1, own["total"])
	assert.EqualValues(t, 0, own["published"])
}

func TestOwnerEditKeepsStatus(t *testing.T) {
	f := newReviewFixture(t)

	rr := f.env.do(t, http.MethodPatch, "/api/resources/res_live", f.other, map[string]any{"title": "Better sleep"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decodeResponse(t, rr)
	assert.Equal(t, "Better sleep", body["title"])
	assert.Equal(t, "published", body["status"])

	rr = f.env.do(t, http.MethodPatch, "/api/resources/res_live", f.counselor, map[string]any{"title": "Hijack"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestDeleteResource(t *testing.T) {
	f := newReviewFixture(t)

	rr := f.env.do(t, http.MethodDelete, "/api/resources/res_live", f.counselor, nil)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.env.do(t, http.MethodDelete, "/api/resources/res_live", f.other, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.env.do(t, http.MethodGet, "/api/resources/res_live", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRecordViewAnonymous(t *testing.T) {
	f := newReviewFixture(t)

	rr := f.env.do(t, http.MethodPost, "/api/resources/res_live/view", "", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, f.env.store.views)
}

func TestDownloadURL(t *testing.T) {
	f := newReviewFixture(t)
	f.env.store.addResource(store.Resource{
		ID: "res_owned", Type: store.ResourceAudio, Source: store.SourceOwned, Title: "Meditation",
		URL: "https://cdn.example.com/audio/m.mp3", Status: "published", IsPublic: true, Publisher: "usr_a",
	})

	rr := f.env.do(t, http.MethodGet, "/api/resources/res_live/download-url", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	external := decodeResponse(t, rr)
	assert.Equal(t, "https://example.org/sleep.pdf", external["url"])
	assert.Nil(t, external["expiresAt"])

	rr = f.env.do(t, http.MethodGet, "/api/resources/res_owned/download-url", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	signed := decodeResponse(t, rr)
	assert.Equal(t, "https://cdn.example.com/audio/m.mp3?sig=abc", signed["url"])
	assert.NotNil(t, signed["expiresAt"])
}

func TestUploadTooLargeRejectedBeforeReading(t *testing.T) {
	f := newReviewFixture(t)

	req := newRequest(http.MethodPost, "/api/uploads?kind=image", strings.NewReader(""))
	req.Header.Set("Authorization", "Bearer "+f.counselor)
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	req.ContentLength = 20 << 20
	rr := serve(f.env.handler, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code, rr.Body.String())
	body := decodeResponse(t, rr)
	assert.Equal(t, "TOO_LARGE", body["error"])
	assert.EqualValues(t, 10<<20, body["details"].(map[string]any)["limit"])
	assert.Equal(t, 0, f.env.media.uploads)
}

func TestUploadMultipart(t *testing.T) {
	f := newReviewFixture(t)
	body, contentType := multipartFile(t, "cat.png", []byte("\x89PNG\r\n\x1a\nrest"), nil)

	req := newRequest(http.MethodPost, "/api/uploads?kind=image", body)
	req.Header.Set("Authorization", "Bearer "+f.counselor)
	req.Header.Set("Content-Type", contentType)
	rr := serve(f.env.handler, req)

	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, 1, f.env.media.uploads)

	req = newRequest(http.MethodPost, "/api/uploads?kind=image", bytes.NewReader(nil))
	req.Header.Set("Authorization", "Bearer "+f.patient)
	rr = serve(f.env.handler, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestUnknownRoute(t *testing.T) {
	f := newReviewFixture(t)

	rr := f.env.do(t, http.MethodGet, "/api/nope", f.admin, nil)

	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", decodeResponse(t, rr)["error"])
}

func multipartFile(t *testing.T, name string, data []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	part, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return buf, mw.FormDataContentType()
}
