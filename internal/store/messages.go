package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var messageColumns = []string{
	"m.id", "m.seq", "m.thread_id", "m.sender_id", "m.message_type",
	"m.text", "m.ciphertext", "m.iv",
	"m.image_url", "m.file_url", "m.audio_url", "m.attachment", "COALESCE(m.reply_to, '')",
	"m.is_edited", "m.edited_at", "m.is_deleted", "m.deleted_at", "COALESCE(m.deleted_by, '')",
	"m.is_flagged", "m.created_at",
}

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	var text, ciphertext, iv sql.NullString
	var attachment []byte
	var editedAt, deletedAt sql.NullTime
	if err := row.Scan(
		&m.ID, &m.Seq, &m.ThreadID, &m.SenderID, &m.Type,
		&text, &ciphertext, &iv,
		&m.ImageURL, &m.FileURL, &m.AudioURL, &attachment, &m.ReplyTo,
		&m.IsEdited, &editedAt, &m.IsDeleted, &deletedAt, &m.DeletedBy,
		&m.IsFlagged, &m.CreatedAt,
	); err != nil {
		return Message{}, err
	}
	switch {
	case ciphertext.Valid:
		m.Payload = Encrypted(ciphertext.String, iv.String)
	case text.Valid:
		m.Payload = Plaintext(text.String)
	}
	if len(attachment) > 0 {
		var a Attachment
		if err := json.Unmarshal(attachment, &a); err != nil {
			return Message{}, fmt.Errorf("decode attachment: %w", err)
		}
		m.Attachment = &a
	}
	if editedAt.Valid {
		at := editedAt.Time
		m.EditedAt = &at
	}
	if deletedAt.Valid {
		at := deletedAt.Time
		m.DeletedAt = &at
	}
	return m, nil
}

func payloadColumns(p Payload) (text, ciphertext, iv sql.NullString) {
	switch p.Kind {
	case PayloadPlaintext:
		text = sql.NullString{String: p.Text, Valid: true}
	case PayloadEncrypted:
		ciphertext = sql.NullString{String: p.Ciphertext, Valid: true}
		iv = sql.NullString{String: p.IV, Valid: true}
	}
	return text, ciphertext, iv
}

// AppendMessage persists the message and applies its side effects on the
// thread in one transaction: last message pointer, +1 unread for everyone
// but the sender, and restore for everyone who had hidden the thread. System
// messages only move the last message pointer.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg Message) (Message, error) {
	text, ciphertext, iv := payloadColumns(msg.Payload)
	var attachment any
	if msg.Attachment != nil {
		encoded, err := json.Marshal(msg.Attachment)
		if err != nil {
			return Message{}, fmt.Errorf("encode attachment: %w", err)
		}
		attachment = encoded
	}

	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO messages (id, thread_id, sender_id, message_type, text, ciphertext, iv,
				image_url, file_url, audio_url, attachment, reply_to)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING seq, created_at
		`, msg.ID, msg.ThreadID, msg.SenderID, string(msg.Type), text, ciphertext, iv,
			msg.ImageURL, msg.FileURL, msg.AudioURL, attachment, nullString(msg.ReplyTo),
		).Scan(&msg.Seq, &msg.CreatedAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE threads SET last_message_id = $2, last_message_at = $3, updated_at = NOW()
			WHERE id = $1 AND (last_message_at IS NULL OR last_message_at <= $3)
		`, msg.ThreadID, msg.ID, msg.CreatedAt); err != nil {
			return fmt.Errorf("update thread last message: %w", err)
		}
		// System notices record membership changes; they are not traffic.
		if msg.Type == MessageSystem {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE thread_participants SET unread_count = unread_count + 1
			WHERE thread_id = $1 AND user_id <> $2
		`, msg.ThreadID, msg.SenderID); err != nil {
			return fmt.Errorf("increment unread: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM thread_hides WHERE thread_id = $1`, msg.ThreadID); err != nil {
			return fmt.Errorf("restore hidden thread: %w", err)
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	query := `SELECT ` + strings.Join(messageColumns, ", ") + ` FROM messages m WHERE m.id = $1`
	return scanMessage(s.db.QueryRowContext(ctx, query, messageID))
}

func (s *PostgresStore) GetMessagesByID(ctx context.Context, messageIDs []string) (map[string]Message, error) {
	result := make(map[string]Message, len(messageIDs))
	if len(messageIDs) == 0 {
		return result, nil
	}
	query, args, err := psql.Select(messageColumns...).
		From("messages m").
		Where(sq.Eq{"m.id": messageIDs}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build messages query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		result[msg.ID] = msg
	}
	return result, rows.Err()
}

// ListMessages pages newest first and returns the page in ascending order.
// Messages the user hid or cleared are skipped.
func (s *PostgresStore) ListMessages(ctx context.Context, threadID, userID string, skip, limit int) ([]Message, error) {
	lim, off := clampPage(limit, skip)
	query, args, err := psql.Select(messageColumns...).
		From("messages m").
		Join("thread_participants tp ON tp.thread_id = m.thread_id AND tp.user_id = ?", userID).
		Where(sq.Eq{"m.thread_id": threadID}).
		Where("m.seq > tp.cleared_seq").
		Where("NOT EXISTS (SELECT 1 FROM message_hides h WHERE h.message_id = m.id AND h.user_id = ?)", userID).
		OrderBy("m.seq DESC").
		Limit(lim).
		Offset(off).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build message list query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var items []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

// VisibleMessageIDs filters messageIDs down to live messages the user can
// still see: a participant of the thread, above the clear watermark, not hidden.
func (s *PostgresStore) VisibleMessageIDs(ctx context.Context, userID string, messageIDs []string) (map[string]bool, error) {
	visible := make(map[string]bool, len(messageIDs))
	if len(messageIDs) == 0 {
		return visible, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id
		FROM messages m
		JOIN thread_participants tp ON tp.thread_id = m.thread_id AND tp.user_id = $1
		WHERE m.id = ANY($2::text[])
			AND NOT m.is_deleted
			AND m.seq > tp.cleared_seq
			AND NOT EXISTS (SELECT 1 FROM message_hides h WHERE h.message_id = m.id AND h.user_id = $1)
	`, userID, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("visible messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan visible message: %w", err)
		}
		visible[id] = true
	}
	return visible, rows.Err()
}

// UpdateMessagePayload only touches live text messages whose payload kind
// matches, so a concurrent delete always wins.
func (s *PostgresStore) UpdateMessagePayload(ctx context.Context, messageID string, payload Payload, editedAt time.Time) (bool, error) {
	text, ciphertext, iv := payloadColumns(payload)
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET text = $2, ciphertext = $3, iv = $4, is_edited = TRUE, edited_at = $5
		WHERE id = $1 AND NOT is_deleted AND message_type = 'text'
			AND (ciphertext IS NOT NULL) = $6
	`, messageID, text, ciphertext, iv, editedAt, payload.Kind == PayloadEncrypted)
	if err != nil {
		return false, fmt.Errorf("update message payload: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update message payload rows: %w", err)
	}
	return affected > 0, nil
}

// SoftDeleteMessage clears the payload for everyone and keeps the row, and
// with it the message's position in the thread.
func (s *PostgresStore) SoftDeleteMessage(ctx context.Context, messageID, deletedBy string, deletedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET is_deleted = TRUE, deleted_at = $3, deleted_by = $2,
			text = NULL, ciphertext = NULL, iv = NULL,
			image_url = '', file_url = '', audio_url = '', attachment = NULL
		WHERE id = $1 AND NOT is_deleted
	`, messageID, deletedBy, deletedAt)
	if err != nil {
		return false, fmt.Errorf("soft delete message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("soft delete message rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) HideMessage(ctx context.Context, messageID, userID string) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO message_hides (user_id, message_id) VALUES ($1, $2)
		ON CONFLICT (user_id, message_id) DO NOTHING
	`, userID, messageID); err != nil {
		return fmt.Errorf("hide message: %w", err)
	}
	return nil
}

// ClearThreadMessages moves the user's watermark past every current message.
func (s *PostgresStore) ClearThreadMessages(ctx context.Context, threadID, userID string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE thread_participants
		SET cleared_seq = COALESCE((SELECT MAX(seq) FROM messages WHERE thread_id = $1), cleared_seq),
			unread_count = 0
		WHERE thread_id = $1 AND user_id = $2
	`, threadID, userID); err != nil {
		return fmt.Errorf("clear thread messages: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClearAllMessages(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE thread_participants tp
		SET cleared_seq = COALESCE((SELECT MAX(m.seq) FROM messages m WHERE m.thread_id = tp.thread_id), tp.cleared_seq),
			unread_count = 0
		WHERE tp.user_id = $1
	`, userID); err != nil {
		return fmt.Errorf("clear all messages: %w", err)
	}
	return nil
}

// UpsertReaction replaces the user's reaction in place.
func (s *PostgresStore) UpsertReaction(ctx context.Context, messageID, userID, emoji string) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO message_reactions (message_id, user_id, emoji) VALUES ($1, $2, $3)
		ON CONFLICT (message_id, user_id) DO UPDATE SET emoji = EXCLUDED.emoji, reacted_at = NOW()
	`, messageID, userID, emoji); err != nil {
		return fmt.Errorf("upsert reaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteReaction(ctx context.Context, messageID, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2`, messageID, userID)
	if err != nil {
		return false, fmt.Errorf("delete reaction: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete reaction rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListReactions(ctx context.Context, messageIDs []string) (map[string][]Reaction, error) {
	result := make(map[string][]Reaction, len(messageIDs))
	if len(messageIDs) == 0 {
		return result, nil
	}
	query, args, err := psql.Select("message_id", "user_id", "emoji", "reacted_at").
		From("message_reactions").
		Where(sq.Eq{"message_id": messageIDs}).
		OrderBy("reacted_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build reactions query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reactions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.Emoji, &r.ReactedAt); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		result[r.MessageID] = append(result[r.MessageID], r)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListReceipts(ctx context.Context, messageIDs []string) (map[string][]Receipt, error) {
	result := make(map[string][]Receipt, len(messageIDs))
	if len(messageIDs) == 0 {
		return result, nil
	}
	query, args, err := psql.Select("message_id", "user_id", "read_at").
		From("message_receipts").
		Where(sq.Eq{"message_id": messageIDs}).
		OrderBy("read_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build receipts query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r Receipt
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.ReadAt); err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		result[r.MessageID] = append(result[r.MessageID], r)
	}
	return result, rows.Err()
}

// MarkRead adds receipts for messages in the thread the user did not author
// and had not read yet, restricted to messageIDs when given, then zeroes the
// user's unread counter. It returns the ids that were newly marked.
func (s *PostgresStore) MarkRead(ctx context.Context, threadID, userID string, messageIDs []string) ([]string, error) {
	query := `
		INSERT INTO message_receipts (message_id, user_id)
		SELECT m.id, $2::text FROM messages m
		WHERE m.thread_id = $1 AND m.sender_id <> $2`
	args := []any{threadID, userID}
	if messageIDs != nil {
		query += ` AND m.id = ANY($3::text[])`
		args = append(args, messageIDs)
	}
	query += ` ON CONFLICT (message_id, user_id) DO NOTHING RETURNING message_id`

	var marked []string
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("insert receipts: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan receipt id: %w", err)
			}
			marked = append(marked, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate receipts: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE thread_participants SET unread_count = 0 WHERE thread_id = $1 AND user_id = $2
		`, threadID, userID); err != nil {
			return fmt.Errorf("reset unread: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return marked, nil
}

func (s *PostgresStore) FlagMessage(ctx context.Context, messageID, flaggedBy, reason string) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := insertFlag(ctx, tx, "message", messageID, flaggedBy, reason); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET is_flagged = TRUE WHERE id = $1`, messageID); err != nil {
			return fmt.Errorf("flag message: %w", err)
		}
		return nil
	})
}
