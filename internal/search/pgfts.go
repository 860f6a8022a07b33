package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

const pgSearchWhere = `
	FROM messages m, plainto_tsquery('english', $1) q
	WHERE m.fts @@ q
		AND NOT m.is_deleted
		AND m.thread_id::text = ANY($2::text[])`

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	q = normalize(q)
	if strings.TrimSpace(q.Text) == "" || len(q.ThreadIDs) == 0 {
		return nil, 0, nil
	}
	args := []any{q.Text, q.ThreadIDs}

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*)"+pgSearchWhere, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`SELECT m.id, m.thread_id::text, m.sender_id,
			ts_headline('english', coalesce(m.text, ''), q, 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>'),
			m.created_at
		%s
		ORDER BY ts_rank(m.fts, q) DESC, m.seq DESC
		LIMIT %d OFFSET %d`, pgSearchWhere, q.Limit, q.Offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.MessageID, &r.ThreadID, &r.SenderID, &r.Snippet, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every live plaintext message for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]MessageRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, thread_id::text, sender_id, text, created_at
		FROM messages
		WHERE text IS NOT NULL AND text <> '' AND NOT is_deleted AND message_type <> 'system'
		ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	records := make([]MessageRecord, 0)
	for rows.Next() {
		var rec MessageRecord
		var created sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.ThreadID, &rec.SenderID, &rec.Text, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if created.Valid {
			rec.CreatedAt = created.Time.UnixMilli()
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return records, nil
}
