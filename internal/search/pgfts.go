package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a
// fallback. The fts column on sync_records is a generated tsvector over
// title, source key, and mirror URL.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; Postgres being down takes the whole relay with it.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search queries sync_records with plainto_tsquery and ts_rank, using
// ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, `
		SELECT count(*)
		FROM sync_records
		WHERE fts @@ plainto_tsquery('english', $1)
	`, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT source_key, title, mirror_url,
			ts_headline('english', coalesce(title, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet
		FROM sync_records
		WHERE fts @@ plainto_tsquery('english', $1)
		ORDER BY ts_rank(fts, plainto_tsquery('english', $1)) DESC
		LIMIT %d OFFSET %d
	`, limit, offset), q.Text)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.SourceKey, &r.Title, &r.MirrorURL, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all sync records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]RecordDoc, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT source_key, title, mirror_url, mirror_id
		FROM sync_records
	`)
	if err != nil {
		return nil, fmt.Errorf("load sync records: %w", err)
	}
	defer rows.Close()

	records := make([]RecordDoc, 0)
	for rows.Next() {
		var r RecordDoc
		if err := rows.Scan(&r.SourceKey, &r.Title, &r.MirrorURL, &r.MirrorID); err != nil {
			return nil, fmt.Errorf("scan sync record: %w", err)
		}
		r.ID = r.SourceKey
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync records: %w", err)
	}
	return records, nil
}
