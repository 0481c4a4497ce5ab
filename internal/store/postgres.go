package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// ErrStaleStatus is returned when a transition races with another one and the
// stored status no longer matches the status the transition started from.
var ErrStaleStatus = errors.New("resource status changed concurrently")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Users

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role)
		VALUES ($1, $2, LOWER($3), $4, $5)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, userSelect+` WHERE email = LOWER($1)`, email))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, userSelect+` WHERE id = $1`, userID))
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return expectOneRow(result)
}

func (s *PostgresStore) UpdateUserRole(ctx context.Context, userID, role string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET role=$2, updated_at=NOW() WHERE id=$1`, userID, role)
	if err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	return expectOneRow(result)
}

// ListUsers pages through accounts ordered by creation time. search matches
// display name or email, case-insensitively.
func (s *PostgresStore) ListUsers(ctx context.Context, search string, limit, offset int) ([]User, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	pattern := "%" + strings.ToLower(strings.TrimSpace(search)) + "%"

	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM users
		WHERE LOWER(display_name) LIKE $1 OR email LIKE $1
	`, pattern).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, userSelect+`
		WHERE LOWER(display_name) LIKE $1 OR email LIKE $1
		ORDER BY created_at, id
		LIMIT $2 OFFSET $3
	`, pattern, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		user, err := scanUserRow(rows)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, user)
	}
	return users, total, rows.Err()
}

const userSelect = `SELECT id, display_name, email, password_hash, role, created_at, updated_at FROM users`

func (s *PostgresStore) scanUser(row *sql.Row) (User, error) {
	return scanUserRow(row)
}

func scanUserRow(row rowScanner) (User, error) {
	var user User
	if err := row.Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return User{}, err
	}
	return user, nil
}

// Resources

const resourceColumns = `id, type, source, title, description, tags, is_public, status, content, url,
	thumbnail, category, publisher_id, publisher_name, created_at, updated_at, views, downloads`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResource(row rowScanner) (Resource, error) {
	var r Resource
	var tags pq.StringArray
	err := row.Scan(
		&r.ID, &r.Type, &r.Source, &r.Title, &r.Description, &tags, &r.IsPublic, &r.Status, &r.Content, &r.URL,
		&r.Thumbnail, &r.Category, &r.Publisher, &r.PublisherName, &r.CreatedAt, &r.UpdatedAt, &r.Views, &r.Downloads,
	)
	if err != nil {
		return Resource{}, err
	}
	r.Tags = []string(tags)
	if r.Tags == nil {
		r.Tags = []string{}
	}
	return r, nil
}

func (s *PostgresStore) CreateResource(ctx context.Context, r Resource) (Resource, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO resources (id, type, source, title, description, tags, is_public, status, content, url,
			thumbnail, category, publisher_id, publisher_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING `+resourceColumns,
		r.ID, r.Type, r.Source, r.Title, r.Description, pq.Array(NormalizeTags(r.Tags)), r.IsPublic, r.Status, r.Content, r.URL,
		r.Thumbnail, r.Category, r.Publisher, r.PublisherName,
	)
	created, err := scanResource(row)
	if err != nil {
		return Resource{}, fmt.Errorf("insert resource: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetResource(ctx context.Context, id string) (Resource, error) {
	return scanResource(s.db.QueryRowContext(ctx, `SELECT `+resourceColumns+` FROM resources WHERE id=$1`, id))
}

// UpdateResource applies an owner edit. Status and visibility are untouched.
func (s *PostgresStore) UpdateResource(ctx context.Context, id string, patch ResourcePatch) (Resource, error) {
	sets := make([]string, 0, 8)
	args := []any{id}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s=$%d", column, len(args)))
	}
	if patch.Title != nil {
		add("title", *patch.Title)
	}
	if patch.Description != nil {
		add("description", *patch.Description)
	}
	if patch.Tags != nil {
		add("tags", pq.Array(NormalizeTags(*patch.Tags)))
	}
	if patch.Content != nil {
		add("content", *patch.Content)
	}
	if patch.URL != nil {
		add("url", *patch.URL)
	}
	if patch.Thumbnail != nil {
		add("thumbnail", *patch.Thumbnail)
	}
	if patch.Category != nil {
		add("category", *patch.Category)
	}
	if patch.PublisherName != nil {
		add("publisher_name", *patch.PublisherName)
	}
	sets = append(sets, "updated_at=NOW()")

	query := `UPDATE resources SET ` + strings.Join(sets, ", ") + ` WHERE id=$1 RETURNING ` + resourceColumns
	return scanResource(s.db.QueryRowContext(ctx, query, args...))
}

func (s *PostgresStore) DeleteResource(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM resources WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete resource: %w", err)
	}
	return expectOneRow(result)
}

func (s *PostgresStore) ListResources(ctx context.Context, filter ResourceFilter) ([]Resource, error) {
	where := make([]string, 0, 6)
	args := make([]any, 0, 8)
	cond := func(expr string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(expr, len(args)))
	}
	if filter.Type != "" {
		cond("type=$%d", filter.Type)
	}
	if filter.Status != "" {
		cond("status=$%d", filter.Status)
	}
	if filter.Publisher != "" {
		cond("publisher_id=$%d", filter.Publisher)
	}
	if filter.Category != "" {
		cond("category=$%d", filter.Category)
	}
	if filter.Tag != "" {
		cond("$%d = ANY(tags)", filter.Tag)
	}
	if filter.PublicOnly {
		where = append(where, "is_public AND status='published'")
	}

	query := `SELECT ` + resourceColumns + ` FROM resources`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY ` + orderBy(filter.Sort)

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit, max(filter.Offset, 0))
	query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	defer rows.Close()

	resources := make([]Resource, 0)
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		resources = append(resources, r)
	}
	return resources, rows.Err()
}

// ListStatuses returns the id, publisher, status and visibility of every
// resource. It backs the dashboard counts, which must see the whole table.
func (s *PostgresStore) ListStatuses(ctx context.Context) ([]Resource, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, publisher_id, COALESCE(status, ''), is_public FROM resources`)
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	defer rows.Close()

	resources := make([]Resource, 0)
	for rows.Next() {
		var r Resource
		if err := rows.Scan(&r.ID, &r.Publisher, &r.Status, &r.IsPublic); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		resources = append(resources, r)
	}
	return resources, rows.Err()
}

func orderBy(sort string) string {
	switch sort {
	case "oldest":
		return "created_at ASC, id ASC"
	case "title":
		return "LOWER(title) ASC, id ASC"
	case "views":
		return "views DESC, created_at DESC"
	case "downloads":
		return "downloads DESC, created_at DESC"
	default:
		return "created_at DESC, id DESC"
	}
}

// ApplyTransition persists the outcome of a review transition together with
// its decision record. The update only lands if the stored status still equals
// decision.FromStatus.
func (s *PostgresStore) ApplyTransition(ctx context.Context, next Resource, decision ReviewDecision) (Resource, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Resource{}, fmt.Errorf("begin transition tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		UPDATE resources SET status=$2, is_public=$3, updated_at=$4
		WHERE id=$1 AND COALESCE(NULLIF(status, ''), 'pending_review') = $5
		RETURNING `+resourceColumns,
		next.ID, next.Status, next.IsPublic, next.UpdatedAt, decision.FromStatus,
	)
	updated, err := scanResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM resources WHERE id=$1)`, next.ID).Scan(&exists); err != nil {
			return Resource{}, fmt.Errorf("check resource: %w", err)
		}
		if !exists {
			return Resource{}, sql.ErrNoRows
		}
		return Resource{}, ErrStaleStatus
	}
	if err != nil {
		return Resource{}, fmt.Errorf("update resource status: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO review_decisions (id, resource_id, actor_id, actor_role, action, from_status, to_status, is_public, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, decision.ID, decision.ResourceID, decision.ActorID, decision.ActorRole, decision.Action,
		decision.FromStatus, decision.ToStatus, decision.IsPublic, decision.CreatedAt); err != nil {
		return Resource{}, fmt.Errorf("insert review decision: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Resource{}, fmt.Errorf("commit transition: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) ListDecisions(ctx context.Context, resourceID string) ([]ReviewDecision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, resource_id, actor_id, actor_role, action, from_status, to_status, is_public, created_at
		FROM review_decisions
		WHERE resource_id=$1
		ORDER BY created_at DESC, id DESC
	`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	decisions := make([]ReviewDecision, 0)
	for rows.Next() {
		var d ReviewDecision
		if err := rows.Scan(&d.ID, &d.ResourceID, &d.ActorID, &d.ActorRole, &d.Action, &d.FromStatus, &d.ToStatus, &d.IsPublic, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// RecordView increments the view counter. actorID may be nil for anonymous
// visitors.
func (s *PostgresStore) RecordView(ctx context.Context, resourceID string, actorID *string) error {
	return s.recordEvent(ctx, resourceID, actorID, "view")
}

// RecordDownload increments the download counter. actorID may be nil.
func (s *PostgresStore) RecordDownload(ctx context.Context, resourceID string, actorID *string) error {
	return s.recordEvent(ctx, resourceID, actorID, "download")
}

func (s *PostgresStore) recordEvent(ctx context.Context, resourceID string, actorID *string, kind string) error {
	column := "views"
	if kind == "download" {
		column = "downloads"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s tx: %w", kind, err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `UPDATE resources SET `+column+`=`+column+`+1 WHERE id=$1`, resourceID)
	if err != nil {
		return fmt.Errorf("increment %s: %w", column, err)
	}
	if err := expectOneRow(result); err != nil {
		return err
	}

	var actor sql.NullString
	if actorID != nil && *actorID != "" {
		actor = sql.NullString{String: *actorID, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO resource_events (resource_id, kind, actor_id, created_at)
		VALUES ($1, $2, $3, $4)
	`, resourceID, kind, actor, time.Now().UTC()); err != nil {
		return fmt.Errorf("insert %s event: %w", kind, err)
	}
	return tx.Commit()
}

func expectOneRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
