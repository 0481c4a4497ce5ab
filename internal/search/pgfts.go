package search

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/lib/pq"
)

// PgFTS implements Searcher on the resources.search_vector column. It is the
// fallback whenever Meilisearch is down.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// buildWhere returns the WHERE clause and its arguments. $1 is always the
// query text.
func buildWhere(q Query) (string, []any) {
	tsQuery := "plainto_tsquery('english', $1)"
	where := []string{"r.search_vector @@ " + tsQuery}
	args := []any{q.Text}
	if q.Type != "" {
		args = append(args, q.Type)
		where = append(where, fmt.Sprintf("r.type = $%d", len(args)))
	}
	if !q.All {
		if q.ViewerID != "" {
			args = append(args, q.ViewerID)
			where = append(where, fmt.Sprintf("(r.is_public OR r.publisher_id = $%d)", len(args)))
		} else {
			where = append(where, "r.is_public")
		}
	}
	return strings.Join(where, " AND "), args
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	where, args := buildWhere(q)

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM resources r WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`SELECT r.id, r.type, r.title,
			ts_headline('english', coalesce(r.description, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>'),
			r.category, r.status, r.is_public, r.publisher_id
		FROM resources r
		WHERE %s
		ORDER BY ts_rank(r.search_vector, plainto_tsquery('english', $1)) DESC, r.updated_at DESC
		LIMIT %d OFFSET %d`, where, q.limit(), q.offset())

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Type, &r.Title, &r.Snippet, &r.Category, &r.Status, &r.IsPublic, &r.Publisher); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

var tagPattern = regexp.MustCompile(`<[^>]+>`)

// LoadAllRecords returns every resource as an index record, for a full
// reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ResourceRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, type, title, description, category, tags, content, status, is_public, publisher_id, publisher_name
		FROM resources
	`)
	if err != nil {
		return nil, fmt.Errorf("load resources: %w", err)
	}
	defer rows.Close()

	records := make([]ResourceRecord, 0)
	for rows.Next() {
		var rec ResourceRecord
		var content string
		if err := rows.Scan(&rec.ID, &rec.Type, &rec.Title, &rec.Description, &rec.Category, pq.Array(&rec.Tags),
			&content, &rec.Status, &rec.IsPublic, &rec.Publisher, &rec.PublisherName); err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		rec.Body = strings.Join(strings.Fields(tagPattern.ReplaceAllString(content, " ")), " ")
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resources: %w", err)
	}
	return records, nil
}
