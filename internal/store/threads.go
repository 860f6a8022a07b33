package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

var threadColumns = []string{
	"t.id", "t.is_group", "t.name", "t.description", "t.created_by",
	"COALESCE(t.direct_key, '')", "COALESCE(t.last_message_id, '')", "t.last_message_at",
	"t.is_active", "t.is_deleted", "t.is_flagged", "t.flag_count", "t.moderation_note",
	"t.created_at", "t.updated_at",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner, extra ...any) (Thread, error) {
	var t Thread
	var lastMessageAt sql.NullTime
	dest := []any{
		&t.ID, &t.IsGroup, &t.Name, &t.Description, &t.CreatedBy,
		&t.DirectKey, &t.LastMessageID, &lastMessageAt,
		&t.IsActive, &t.IsDeleted, &t.IsFlagged, &t.FlagCount, &t.ModerationNote,
		&t.CreatedAt, &t.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Thread{}, err
	}
	if lastMessageAt.Valid {
		at := lastMessageAt.Time
		t.LastMessageAt = &at
	}
	return t, nil
}

// DirectKey is the canonical key of the unordered pair {a, b}.
func DirectKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, ":")
}

func (s *PostgresStore) FindDirectThread(ctx context.Context, directKey string) (Thread, error) {
	query := `SELECT ` + strings.Join(threadColumns, ", ") + `
		FROM threads t
		WHERE t.direct_key = $1 AND NOT t.is_group AND t.is_active AND NOT t.is_deleted`
	return scanThread(s.db.QueryRowContext(ctx, query, directKey))
}

func (s *PostgresStore) GetThread(ctx context.Context, threadID string) (Thread, error) {
	query := `SELECT ` + strings.Join(threadColumns, ", ") + ` FROM threads t WHERE t.id = $1`
	return scanThread(s.db.QueryRowContext(ctx, query, threadID))
}

// CreateThread inserts the thread and its participants in one transaction.
// It returns ErrDirectThreadExists when the direct pair is already taken.
func (s *PostgresStore) CreateThread(ctx context.Context, thread Thread, participants []Participant) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		var directKey any
		if !thread.IsGroup {
			directKey = thread.DirectKey
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO threads (id, is_group, name, description, created_by, direct_key, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $7)
		`, thread.ID, thread.IsGroup, thread.Name, thread.Description, thread.CreatedBy, directKey, thread.CreatedAt)
		if err != nil {
			if isUniqueViolation(err, directPairConstraint) {
				return ErrDirectThreadExists
			}
			return fmt.Errorf("insert thread: %w", err)
		}
		for _, p := range participants {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO thread_participants (thread_id, user_id, is_admin, joined_at)
				VALUES ($1, $2, $3, $4)
			`, thread.ID, p.UserID, p.IsAdmin, thread.CreatedAt); err != nil {
				return fmt.Errorf("insert participant %s: %w", p.UserID, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetParticipant(ctx context.Context, threadID, userID string) (Participant, error) {
	var p Participant
	err := s.db.QueryRowContext(ctx, `
		SELECT thread_id, user_id, is_admin, unread_count, cleared_seq, joined_at
		FROM thread_participants
		WHERE thread_id = $1 AND user_id = $2
	`, threadID, userID).Scan(&p.ThreadID, &p.UserID, &p.IsAdmin, &p.UnreadCount, &p.ClearedSeq, &p.JoinedAt)
	if err != nil {
		return Participant{}, err
	}
	return p, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, threadID string) ([]Participant, error) {
	byThread, err := s.ListParticipantsByThread(ctx, []string{threadID})
	if err != nil {
		return nil, err
	}
	return byThread[threadID], nil
}

func (s *PostgresStore) ListParticipantsByThread(ctx context.Context, threadIDs []string) (map[string][]Participant, error) {
	result := make(map[string][]Participant, len(threadIDs))
	if len(threadIDs) == 0 {
		return result, nil
	}
	query, args, err := psql.Select("thread_id", "user_id", "is_admin", "unread_count", "cleared_seq", "joined_at").
		From("thread_participants").
		Where(sq.Eq{"thread_id": threadIDs}).
		OrderBy("joined_at", "user_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build participants query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ThreadID, &p.UserID, &p.IsAdmin, &p.UnreadCount, &p.ClearedSeq, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		result[p.ThreadID] = append(result[p.ThreadID], p)
	}
	return result, rows.Err()
}

// AddParticipant reports false when the user was already a participant.
func (s *PostgresStore) AddParticipant(ctx context.Context, threadID, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_participants (thread_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (thread_id, user_id) DO NOTHING
	`, threadID, userID)
	if err != nil {
		return false, fmt.Errorf("add participant: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add participant rows: %w", err)
	}
	return affected > 0, nil
}

// RemoveParticipant deletes the membership and deactivates the thread once
// nobody is left. It returns how many participants remain.
func (s *PostgresStore) RemoveParticipant(ctx context.Context, threadID, userID string) (bool, int, error) {
	var removed bool
	var remaining int
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM thread_participants WHERE thread_id = $1 AND user_id = $2`, threadID, userID)
		if err != nil {
			return fmt.Errorf("remove participant: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("remove participant rows: %w", err)
		}
		removed = affected > 0
		if _, err := tx.ExecContext(ctx, `DELETE FROM thread_hides WHERE thread_id = $1 AND user_id = $2`, threadID, userID); err != nil {
			return fmt.Errorf("remove participant hide: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM thread_participants WHERE thread_id = $1`, threadID).Scan(&remaining); err != nil {
			return fmt.Errorf("count participants: %w", err)
		}
		if remaining == 0 {
			if _, err := tx.ExecContext(ctx, `UPDATE threads SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, threadID); err != nil {
				return fmt.Errorf("deactivate empty thread: %w", err)
			}
		}
		return nil
	})
	return removed, remaining, err
}

func (s *PostgresStore) UpdateThreadDetails(ctx context.Context, threadID, name, description string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE threads SET name = $2, description = $3, updated_at = NOW()
		WHERE id = $1 AND is_group
	`, threadID, name, description)
	if err != nil {
		return fmt.Errorf("update thread details: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// HideThread soft deletes the thread for one user and resets their unread
// counter, so a later restore shows only new traffic.
func (s *PostgresStore) HideThread(ctx context.Context, threadID, userID string) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO thread_hides (user_id, thread_id) VALUES ($1, $2)
			ON CONFLICT (user_id, thread_id) DO NOTHING
		`, userID, threadID); err != nil {
			return fmt.Errorf("hide thread: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE thread_participants SET unread_count = 0 WHERE thread_id = $1 AND user_id = $2
		`, threadID, userID); err != nil {
			return fmt.Errorf("reset unread on hide: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) HideAllThreads(ctx context.Context, userID string) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO thread_hides (user_id, thread_id)
			SELECT $1, thread_id FROM thread_participants WHERE user_id = $1
			ON CONFLICT (user_id, thread_id) DO NOTHING
		`, userID); err != nil {
			return fmt.Errorf("hide all threads: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE thread_participants SET unread_count = 0 WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("reset unread on hide all: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) UnhideThread(ctx context.Context, threadID, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM thread_hides WHERE thread_id = $1 AND user_id = $2`, threadID, userID); err != nil {
		return fmt.Errorf("unhide thread: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListThreadsForUser(ctx context.Context, userID string, limit, offset int) ([]ThreadSummary, error) {
	lim, off := clampPage(limit, offset)
	query, args, err := psql.Select(append(append([]string{}, threadColumns...), "tp.unread_count")...).
		From("threads t").
		Join("thread_participants tp ON tp.thread_id = t.id AND tp.user_id = ?", userID).
		Where("t.is_active AND NOT t.is_deleted").
		Where("NOT EXISTS (SELECT 1 FROM thread_hides h WHERE h.thread_id = t.id AND h.user_id = ?)", userID).
		OrderBy("COALESCE(t.last_message_at, t.created_at) DESC", "t.id").
		Limit(lim).
		Offset(off).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build thread list query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var items []ThreadSummary
	for rows.Next() {
		var unread int
		thread, err := scanThread(rows, &unread)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		items = append(items, ThreadSummary{Thread: thread, UnreadCount: unread})
	}
	return items, rows.Err()
}

// ListThreadIDsForUser returns every active thread the user participates in,
// hidden ones included.
func (s *PostgresStore) ListThreadIDsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id::text
		FROM thread_participants tp
		JOIN threads t ON t.id = tp.thread_id AND t.is_active AND NOT t.is_deleted
		WHERE tp.user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list thread ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan thread id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListContactIDs returns everyone sharing an active thread with the user.
func (s *PostgresStore) ListContactIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT other.user_id
		FROM thread_participants mine
		JOIN threads t ON t.id = mine.thread_id AND t.is_active AND NOT t.is_deleted
		JOIN thread_participants other ON other.thread_id = mine.thread_id AND other.user_id <> mine.user_id
		WHERE mine.user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) SetThreadActive(ctx context.Context, threadID string, active bool, note string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE threads SET is_active = $2, moderation_note = $3, updated_at = NOW() WHERE id = $1
	`, threadID, active, note)
	if err != nil {
		return fmt.Errorf("set thread active: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// FlagThread records one flag per user; repeat flags are ignored.
func (s *PostgresStore) FlagThread(ctx context.Context, threadID, flaggedBy, reason string) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		inserted, err := insertFlag(ctx, tx, "thread", threadID, flaggedBy, reason)
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE threads SET is_flagged = TRUE, flag_count = flag_count + 1, updated_at = NOW() WHERE id = $1
		`, threadID); err != nil {
			return fmt.Errorf("flag thread: %w", err)
		}
		return nil
	})
}

func insertFlag(ctx context.Context, tx *sql.Tx, targetType, targetID, flaggedBy, reason string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO moderation_flags (target_type, target_id, flagged_by, reason)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (target_type, target_id, flagged_by) DO NOTHING
	`, targetType, targetID, flaggedBy, reason)
	if err != nil {
		return false, fmt.Errorf("insert %s flag: %w", targetType, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert %s flag rows: %w", targetType, err)
	}
	return affected > 0, nil
}
