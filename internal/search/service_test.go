package search

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSearcher struct {
	healthy bool
	results []Result
	total   int
	err     error
	calls   int
}

func (f *fakeSearcher) Search(context.Context, Query) ([]Result, int, error) {
	f.calls++
	return f.results, f.total, f.err
}

func (f *fakeSearcher) Healthy() bool { return f.healthy }

func newTestService(primary, fallback *fakeSearcher) *Service {
	s := NewService(nil, nil, nil)
	if primary != nil {
		s.primary = primary
	}
	if fallback != nil {
		s.fallback = fallback
	}
	return s
}

func TestSearchUsesPrimaryWhenHealthy(t *testing.T) {
	primary := &fakeSearcher{healthy: true, results: []Result{{ID: "res_1", IsPublic: true}}, total: 1}
	fallback := &fakeSearcher{healthy: true}
	resp := newTestService(primary, fallback).Search(context.Background(), Query{Text: "sleep"})

	assert.Equal(t, "meilisearch", resp.Engine)
	assert.Equal(t, 1, resp.Total)
	require.Len(t, resp.Results, 1)
	assert.Zero(t, fallback.calls)
}

func TestSearchFallsBack(t *testing.T) {
	cases := []struct {
		name    string
		primary *fakeSearcher
	}{
		{name: "unhealthy", primary: &fakeSearcher{healthy: false}},
		{name: "error", primary: &fakeSearcher{healthy: true, err: errors.New("timeout")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fallback := &fakeSearcher{healthy: true, results: []Result{{ID: "res_2", IsPublic: true}}, total: 1}
			resp := newTestService(tc.primary, fallback).Search(context.Background(), Query{Text: "anxiety"})
			assert.Equal(t, "postgres", resp.Engine)
			assert.Equal(t, 1, fallback.calls)
			require.Len(t, resp.Results, 1)
			assert.Equal(t, "res_2", resp.Results[0].ID)
		})
	}
}

func TestSearchFallbackErrorReturnsEmpty(t *testing.T) {
	fallback := &fakeSearcher{err: errors.New("db down")}
	resp := newTestService(nil, fallback).Search(context.Background(), Query{Text: "x"})
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
	assert.Equal(t, "x", resp.Query)
}

func TestSearchDropsHitsTheViewerCannotSee(t *testing.T) {
	hits := []Result{
		{ID: "public", IsPublic: true, Publisher: "usr_a"},
		{ID: "own-private", Publisher: "usr_me"},
		{ID: "other-private", Publisher: "usr_b"},
	}
	fallback := &fakeSearcher{results: hits, total: 3}
	svc := newTestService(nil, fallback)

	ids := func(resp Response) []string {
		out := []string{}
		for _, r := range resp.Results {
			out = append(out, r.ID)
		}
		return out
	}

	assert.Equal(t, []string{"public"}, ids(svc.Search(context.Background(), Query{Text: "x"})))
	assert.Equal(t, []string{"public", "own-private"}, ids(svc.Search(context.Background(), Query{Text: "x", ViewerID: "usr_me"})))
	assert.Equal(t, []string{"public", "own-private", "other-private"}, ids(svc.Search(context.Background(), Query{Text: "x", All: true})))
}

func TestBuildWhere(t *testing.T) {
	where, args := buildWhere(Query{Text: "grief", Type: "audio", ViewerID: "usr_1"})
	assert.Equal(t, "r.search_vector @@ plainto_tsquery('english', $1) AND r.type = $2 AND (r.is_public OR r.publisher_id = $3)", where)
	assert.Equal(t, []any{"grief", "audio", "usr_1"}, args)

	where, args = buildWhere(Query{Text: "grief"})
	assert.Equal(t, "r.search_vector @@ plainto_tsquery('english', $1) AND r.is_public", where)
	assert.Len(t, args, 1)

	where, _ = buildWhere(Query{Text: "grief", All: true})
	assert.Equal(t, "r.search_vector @@ plainto_tsquery('english', $1)", where)
}

func TestMeiliFilters(t *testing.T) {
	assert.Equal(t, []string{`type = "pdf"`, `(isPublic = true OR publisher = "usr_1")`}, meiliFilters(Query{Type: "pdf", ViewerID: "usr_1"}))
	assert.Equal(t, []string{"isPublic = true"}, meiliFilters(Query{}))
	assert.Empty(t, meiliFilters(Query{All: true}))
}

func TestHitToResultPrefersFormatted(t *testing.T) {
	hit := map[string]json.RawMessage{
		"id":          json.RawMessage(`"res_9"`),
		"type":        json.RawMessage(`"article"`),
		"title":       json.RawMessage(`"Coping with loss"`),
		"description": json.RawMessage(`"A short guide"`),
		"isPublic":    json.RawMessage(`true`),
		"publisher":   json.RawMessage(`"usr_1"`),
		"_formatted":  json.RawMessage(`{"title":"Coping with <mark>loss</mark>","description":"","tags":["a"]}`),
	}
	r := hitToResult(hit)
	assert.Equal(t, "res_9", r.ID)
	assert.Equal(t, "Coping with <mark>loss</mark>", r.Title)
	assert.Equal(t, "A short guide", r.Snippet)
	assert.True(t, r.IsPublic)
	assert.Equal(t, "usr_1", r.Publisher)
}

func TestQueryPaging(t *testing.T) {
	assert.Equal(t, 20, Query{}.limit())
	assert.Equal(t, 20, Query{Limit: 1000}.limit())
	assert.Equal(t, 5, Query{Limit: 5}.limit())
	assert.Equal(t, 0, Query{Offset: -3}.offset())
}
