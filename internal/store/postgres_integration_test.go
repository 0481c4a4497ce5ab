package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("COUNSELHUB_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("COUNSELHUB_TEST_DATABASE_URL is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn, Pool{MaxOpenConns: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, resetPublicSchema(ctx, db))
	_, err = ApplyMigrations(ctx, db, migrationsDir, zaptest.NewLogger(t))
	require.NoError(t, err)
	return NewPostgresStore(db)
}

func TestPostgresResourceLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, User{ID: "u1", DisplayName: "Dana", Email: "Dana@Example.com", PasswordHash: "x", Role: "counselor"}))
	user, err := s.GetUserByEmail(ctx, "dana@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)

	created, err := s.CreateResource(ctx, Resource{
		ID: "r1", Type: ResourceArticle, Source: SourceOwned, Title: "Sleep hygiene",
		Tags: []string{"sleep", "sleep", "habits"}, Status: "pending_review", Content: "<p>Rest</p>",
		Publisher: "u1", PublisherName: "Dr. Dana",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"sleep", "habits"}, created.Tags)

	title := "Sleep hygiene basics"
	updated, err := s.UpdateResource(ctx, "r1", ResourcePatch{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, title, updated.Title)
	assert.Equal(t, "pending_review", updated.Status)

	next := updated
	next.Status = "reviewed"
	next.UpdatedAt = time.Now().UTC()
	decision := ReviewDecision{ID: "d1", ResourceID: "r1", ActorID: "admin", ActorRole: "admin", Action: "mark_reviewed",
		FromStatus: "pending_review", ToStatus: "reviewed", CreatedAt: next.UpdatedAt}
	reviewed, err := s.ApplyTransition(ctx, next, decision)
	require.NoError(t, err)
	assert.Equal(t, "reviewed", reviewed.Status)

	_, err = s.ApplyTransition(ctx, next, ReviewDecision{ID: "d2", ResourceID: "r1", FromStatus: "pending_review", ToStatus: "reviewed", CreatedAt: time.Now()})
	assert.ErrorIs(t, err, ErrStaleStatus)

	decisions, err := s.ListDecisions(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, decisions, 1)

	_, err = s.DB().ExecContext(ctx, `UPDATE review_decisions SET action='publish' WHERE id='d1'`)
	assert.Error(t, err)

	require.NoError(t, s.RecordView(ctx, "r1", nil))
	actor := "u1"
	require.NoError(t, s.RecordDownload(ctx, "r1", &actor))
	got, err := s.GetResource(ctx, "r1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Views)
	assert.EqualValues(t, 1, got.Downloads)

	list, err := s.ListResources(ctx, ResourceFilter{Tag: "habits"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	public, err := s.ListResources(ctx, ResourceFilter{PublicOnly: true})
	require.NoError(t, err)
	assert.Empty(t, public)

	require.NoError(t, s.DeleteResource(ctx, "r1"))
	err = s.RecordView(ctx, "r1", nil)
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}
