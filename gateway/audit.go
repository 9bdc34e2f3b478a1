package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"encore.dev/storage/sqldb"
)

// ClearRecord is one audited cache clear.
type ClearRecord struct {
	ID             int64     `json:"id"`
	Language       string    `json:"language,omitempty"`
	ContentType    string    `json:"content_type,omitempty"`
	Tag            string    `json:"tag,omitempty"`
	EntriesRemoved int       `json:"entries_removed"`
	TriggeredBy    string    `json:"triggered_by"` // admin, cron, pubsub
	RequestID      string    `json:"request_id"`
	Timestamp      time.Time `json:"timestamp"`
}

// AuditStore records cache clears and answers the audit queries the
// service exposes. ClearAudit is the sqldb implementation; tests substitute
// an in-memory store.
type AuditStore interface {
	Insert(ctx context.Context, rec ClearRecord) error
	Recent(ctx context.Context, limit int, language string) ([]ClearRecord, error)
	CountSince(ctx context.Context, since time.Time) (int, error)
	Cleanup(ctx context.Context, retention time.Duration) (int64, error)
}

// ClearAudit persists cache clears for operational forensics. Append-only;
// old rows are pruned by cron, never rewritten.
type ClearAudit struct {
	db *sqldb.Database
}

// NewClearAudit creates the audit store and ensures its schema.
func NewClearAudit(db *sqldb.Database) (*ClearAudit, error) {
	a := &ClearAudit{db: db}
	if err := a.ensureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("initializing clear audit schema: %w", err)
	}
	return a, nil
}

func (a *ClearAudit) ensureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS cache_clear_audit (
			id BIGSERIAL PRIMARY KEY,
			language TEXT NOT NULL DEFAULT '',
			content_type TEXT NOT NULL DEFAULT '',
			tag TEXT NOT NULL DEFAULT '',
			entries_removed INT NOT NULL DEFAULT 0,
			triggered_by TEXT NOT NULL,
			request_id TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_cache_clear_audit_timestamp
		ON cache_clear_audit(timestamp DESC);

		CREATE INDEX IF NOT EXISTS idx_cache_clear_audit_language
		ON cache_clear_audit(language);
	`
	_, err := a.db.Exec(ctx, query)
	return err
}

// Insert appends one clear record.
func (a *ClearAudit) Insert(ctx context.Context, rec ClearRecord) error {
	query := `
		INSERT INTO cache_clear_audit
		(language, content_type, tag, entries_removed, triggered_by, request_id, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := a.db.Exec(ctx, query,
		rec.Language, rec.ContentType, rec.Tag,
		rec.EntriesRemoved, rec.TriggeredBy, rec.RequestID, ts,
	)
	if err != nil {
		return fmt.Errorf("inserting clear audit record: %w", err)
	}
	return nil
}

// Recent returns the newest records, optionally filtered by language.
func (a *ClearAudit) Recent(ctx context.Context, limit int, language string) ([]ClearRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	var query string
	var args []interface{}
	if language != "" {
		query = `
			SELECT id, language, content_type, tag, entries_removed, triggered_by, request_id, timestamp
			FROM cache_clear_audit
			WHERE language = $1
			ORDER BY timestamp DESC
			LIMIT $2
		`
		args = []interface{}{language, limit}
	} else {
		query = `
			SELECT id, language, content_type, tag, entries_removed, triggered_by, request_id, timestamp
			FROM cache_clear_audit
			ORDER BY timestamp DESC
			LIMIT $1
		`
		args = []interface{}{limit}
	}

	rows, err := a.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying clear audit records: %w", err)
	}
	defer rows.Close()

	records := make([]ClearRecord, 0, limit)
	for rows.Next() {
		var rec ClearRecord
		if err := rows.Scan(
			&rec.ID, &rec.Language, &rec.ContentType, &rec.Tag,
			&rec.EntriesRemoved, &rec.TriggeredBy, &rec.RequestID, &rec.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scanning clear audit record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating clear audit records: %w", err)
	}
	return records, nil
}

// CountSince returns how many clears happened after the given time.
func (a *ClearAudit) CountSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := a.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM cache_clear_audit WHERE timestamp >= $1`, since,
	).Scan(&count)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("counting clear audit records: %w", err)
	}
	return count, nil
}

// Cleanup deletes records older than the retention period. Cron-driven.
func (a *ClearAudit) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	result, err := a.db.Exec(ctx, `DELETE FROM cache_clear_audit WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning clear audit records: %w", err)
	}
	return result.RowsAffected(), nil
}
