package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveHelpersIncrementCollectors(t *testing.T) {
	m := New()

	m.ObserveRequest(http.MethodGet, "/api/resources", 200, 20*time.Millisecond)
	m.ObserveRequest(http.MethodGet, "/api/resources", 200, 30*time.Millisecond)
	m.ObserveTransition("publish", "reviewed", "published")
	m.ObserveUploadRejection("video", "too_large")
	m.ObserveEditorCommand("format", nil)
	m.ObserveEditorCommand("link", errors.New("bad url"))
	m.SetEditorSessions(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestCounter.WithLabelValues("GET", "/api/resources", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("publish", "reviewed", "published")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UploadRejections.WithLabelValues("video", "too_large")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EditorCommands.WithLabelValues("format", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EditorCommands.WithLabelValues("link", "error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.EditorSessions))
}

func TestInstancesDoNotShareRegistries(t *testing.T) {
	a, b := New(), New()
	a.ObserveTransition("reject", "pending_review", "rejected")

	assert.Equal(t, 1, testutil.CollectAndCount(a.Transitions))
	assert.Equal(t, 0, testutil.CollectAndCount(b.Transitions))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.ObserveTransition("publish", "reviewed", "published")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	assert.True(t, strings.Contains(text, `review_transitions_total{action="publish",from="reviewed",to="published"} 1`))
	assert.True(t, strings.Contains(text, "go_goroutines"))
}
