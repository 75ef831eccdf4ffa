package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"reelqueue/api/internal/listing"
)

// PgFTS implements Searcher with a case-insensitive title match in Postgres,
// scoped by the same listing builder the list endpoints use.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]string, int, error) {
	query := fallbackQuery(q)
	if query.Where == "" {
		return nil, 0, nil
	}

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM movies WHERE `+query.Where, query.Args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`SELECT id FROM movies WHERE %s ORDER BY %s LIMIT %d OFFSET %d`,
		query.Where, query.OrderBy, query.Limit, query.Offset)
	rows, err := p.db.QueryContext(ctx, dataSQL, query.Args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, total, rows.Err()
}

// fallbackQuery maps a search request onto the listing builder. An empty
// Where means there is nothing to search for.
func fallbackQuery(q Query) listing.Query {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return listing.Query{}
	}

	params := listing.DefaultParams()
	params.Search = text
	params.SortField = "title"
	params.SortDesc = false
	if q.Limit > 0 {
		params.Limit = q.Limit
	}
	query := listing.Build(q.Scope, q.ViewerID, params)
	query.Offset = max(q.Offset, 0)
	return query
}

// LoadAllRecords returns every entry, deleted ones included, for reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]EntryRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title, type, coalesce(year, ''), status, deleted, user_id, created_at
		FROM movies
	`)
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}
	defer rows.Close()

	records := make([]EntryRecord, 0)
	for rows.Next() {
		var r EntryRecord
		if err := rows.Scan(&r.ID, &r.Title, &r.Type, &r.Year, &r.Status, &r.Deleted, &r.OwnerID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return records, nil
}
