package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Create inserts a new record and fails fast with ErrConflict when the
// source key is already mapped. Losing the insert race means another
// delivery already created the mirror, so callers treat ErrConflict as
// already-synced.
func (l *PostgresLedger) Create(ctx context.Context, rec SyncRecord) error {
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO sync_records (source_key, mirror_id, mirror_url, title, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source_key) DO NOTHING
	`, rec.SourceKey, rec.MirrorID, rec.MirrorURL, rec.Title, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert sync record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert sync record rows: %w", err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

func (l *PostgresLedger) Exists(ctx context.Context, sourceKey string) (bool, error) {
	var exists bool
	err := l.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM sync_records WHERE source_key=$1)`,
		sourceKey,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check sync record: %w", err)
	}
	return exists, nil
}

func (l *PostgresLedger) Get(ctx context.Context, sourceKey string) (SyncRecord, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT source_key, mirror_id, mirror_url, title, COALESCE(comments::text, '{}'), synced_at, expires_at
		FROM sync_records
		WHERE source_key=$1
	`, sourceKey)
	return scanRecord(row)
}

// GetByMirrorID resolves the reverse direction: GitHub issue number to
// the Jira issue it mirrors.
func (l *PostgresLedger) GetByMirrorID(ctx context.Context, mirrorID int64) (SyncRecord, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT source_key, mirror_id, mirror_url, title, COALESCE(comments::text, '{}'), synced_at, expires_at
		FROM sync_records
		WHERE mirror_id=$1
		ORDER BY synced_at DESC
		LIMIT 1
	`, mirrorID)
	return scanRecord(row)
}

// AddCommentMapping records a synced comment pair. Both directions are
// written in a single statement so a crash can never leave the map
// half-updated. Re-adding the same pair is a no-op.
func (l *PostgresLedger) AddCommentMapping(ctx context.Context, sourceKey, jiraCommentID, githubCommentID string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE sync_records
		SET comments = comments || jsonb_build_object(
			'jira:' || $2::text, $3::text,
			'github:' || $3::text, $2::text
		)
		WHERE source_key=$1
	`, sourceKey, jiraCommentID, githubCommentID)
	if err != nil {
		return fmt.Errorf("add comment mapping: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("add comment mapping rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// IsCommentSynced reports whether a comment id from the given side has
// already been relayed. A missing record answers false rather than
// erroring so callers can keep their check order.
func (l *PostgresLedger) IsCommentSynced(ctx context.Context, sourceKey, commentID string, direction Direction) (bool, error) {
	var synced bool
	err := l.db.QueryRowContext(ctx,
		`SELECT comments ? $2 FROM sync_records WHERE source_key=$1`,
		sourceKey, commentKey(direction, commentID),
	).Scan(&synced)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check comment mapping: %w", err)
	}
	return synced, nil
}

func (l *PostgresLedger) List(ctx context.Context, limit int) ([]SyncRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT source_key, mirror_id, mirror_url, title, COALESCE(comments::text, '{}'), synced_at, expires_at
		FROM sync_records
		ORDER BY synced_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync records: %w", err)
	}
	defer rows.Close()

	var records []SyncRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync records: %w", err)
	}
	return records, nil
}

func (l *PostgresLedger) Summary(ctx context.Context) (Summary, error) {
	var s Summary
	var keys int64
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM((SELECT COUNT(*) FROM jsonb_object_keys(comments))), 0)
		FROM sync_records
	`).Scan(&s.Records, &keys)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize sync records: %w", err)
	}
	// Each synced comment pair occupies two keys, one per direction.
	s.CommentLinks = keys / 2
	return s, nil
}

// PurgeExpired removes records whose retention window has passed and
// returns their source keys so callers can evict search-index entries.
func (l *PostgresLedger) PurgeExpired(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`DELETE FROM sync_records WHERE expires_at IS NOT NULL AND expires_at < NOW() RETURNING source_key`,
	)
	if err != nil {
		return nil, fmt.Errorf("purge expired sync records: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan purged key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate purged keys: %w", err)
	}
	return keys, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (SyncRecord, error) {
	var rec SyncRecord
	var comments string
	var expires sql.NullTime
	err := row.Scan(&rec.SourceKey, &rec.MirrorID, &rec.MirrorURL, &rec.Title, &comments, &rec.SyncedAt, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncRecord{}, ErrNotFound
	}
	if err != nil {
		return SyncRecord{}, fmt.Errorf("scan sync record: %w", err)
	}
	if err := json.Unmarshal([]byte(comments), &rec.Comments); err != nil {
		return SyncRecord{}, fmt.Errorf("decode comment map: %w", err)
	}
	if expires.Valid {
		t := expires.Time
		rec.ExpiresAt = &t
	}
	if rec.MirrorID == 0 {
		rec.MirrorID = MirrorIDFromURL(rec.MirrorURL)
	}
	return rec, nil
}
