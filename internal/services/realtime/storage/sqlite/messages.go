package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stillwater-app/stillwater/internal/services/realtime/storage"
)

// PutMessage inserts one message and returns it with its assigned sequence.
func (s *Store) PutMessage(ctx context.Context, message storage.Message) (storage.Message, error) {
	if err := ctx.Err(); err != nil {
		return storage.Message{}, err
	}
	if err := s.ready(); err != nil {
		return storage.Message{}, err
	}
	message.ID = strings.TrimSpace(message.ID)
	message.ConversationID = strings.TrimSpace(message.ConversationID)
	message.SenderID = strings.TrimSpace(message.SenderID)
	if message.ID == "" {
		return storage.Message{}, fmt.Errorf("message id is required")
	}
	if message.ConversationID == "" {
		return storage.Message{}, fmt.Errorf("conversation id is required")
	}
	if message.SenderID == "" {
		return storage.Message{}, fmt.Errorf("sender id is required")
	}
	switch message.Kind {
	case storage.KindText, storage.KindImage, storage.KindAudio, storage.KindSystem, storage.KindMeditationShare:
	default:
		return storage.Message{}, fmt.Errorf("unsupported message kind %q", message.Kind)
	}
	if message.Status == "" {
		message.Status = storage.StatusSent
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO messages (
		     id, conversation_id, sender_id, kind, body, media_ref,
		     status, reply_to_id, created_at
		 )
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		message.ID,
		message.ConversationID,
		message.SenderID,
		string(message.Kind),
		message.Body,
		message.MediaRef,
		string(message.Status),
		message.ReplyToID,
		toMillis(message.CreatedAt),
	)
	if err != nil {
		return storage.Message{}, fmt.Errorf("put message: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return storage.Message{}, fmt.Errorf("put message sequence: %w", err)
	}
	message.Seq = seq
	return message, nil
}

// GetMessage returns one message with hydrated receipts, reactions, and edits.
// Tombstoned messages are returned as stored; callers decide visibility.
func (s *Store) GetMessage(ctx context.Context, id string) (storage.Message, error) {
	if err := ctx.Err(); err != nil {
		return storage.Message{}, err
	}
	if err := s.ready(); err != nil {
		return storage.Message{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.Message{}, fmt.Errorf("message id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT seq, id, conversation_id, sender_id, kind, body, media_ref,
		        status, reply_to_id, is_edited, is_deleted, deleted_at, deleted_by, created_at
		 FROM messages WHERE id = ?`,
		id,
	)
	message, err := scanMessageRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Message{}, storage.ErrNotFound
		}
		return storage.Message{}, fmt.Errorf("get message: %w", err)
	}
	if err := s.hydrateMessage(ctx, &message); err != nil {
		return storage.Message{}, err
	}
	return message, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessageRow(row rowScanner) (storage.Message, error) {
	var (
		message   storage.Message
		isEdited  int
		isDeleted int
		deletedAt sql.NullInt64
		createdAt int64
	)
	err := row.Scan(
		&message.Seq,
		&message.ID,
		&message.ConversationID,
		&message.SenderID,
		&message.Kind,
		&message.Body,
		&message.MediaRef,
		&message.Status,
		&message.ReplyToID,
		&isEdited,
		&isDeleted,
		&deletedAt,
		&message.DeletedBy,
		&createdAt,
	)
	if err != nil {
		return storage.Message{}, err
	}
	message.IsEdited = isEdited != 0
	message.IsDeleted = isDeleted != 0
	if deletedAt.Valid {
		at := fromMillis(deletedAt.Int64)
		message.DeletedAt = &at
	}
	message.CreatedAt = fromMillis(createdAt)
	return message, nil
}

func (s *Store) hydrateMessage(ctx context.Context, message *storage.Message) error {
	readRows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT user_id, read_at FROM message_reads
		 WHERE message_id = ? ORDER BY read_at ASC`,
		message.ID,
	)
	if err != nil {
		return fmt.Errorf("list message reads: %w", err)
	}
	defer readRows.Close()
	for readRows.Next() {
		var (
			receipt storage.ReadReceipt
			readAt  int64
		)
		if err := readRows.Scan(&receipt.UserID, &readAt); err != nil {
			return fmt.Errorf("scan message read: %w", err)
		}
		receipt.ReadAt = fromMillis(readAt)
		message.ReadBy = append(message.ReadBy, receipt)
	}
	if err := readRows.Err(); err != nil {
		return fmt.Errorf("iterate message reads: %w", err)
	}

	reactionRows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT user_id, emoji FROM message_reactions
		 WHERE message_id = ? ORDER BY reacted_at ASC`,
		message.ID,
	)
	if err != nil {
		return fmt.Errorf("list message reactions: %w", err)
	}
	defer reactionRows.Close()
	for reactionRows.Next() {
		var reaction storage.Reaction
		if err := reactionRows.Scan(&reaction.UserID, &reaction.Emoji); err != nil {
			return fmt.Errorf("scan message reaction: %w", err)
		}
		message.Reactions = append(message.Reactions, reaction)
	}
	if err := reactionRows.Err(); err != nil {
		return fmt.Errorf("iterate message reactions: %w", err)
	}

	editRows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT body, edited_at FROM message_edits
		 WHERE message_id = ? ORDER BY edit_id ASC`,
		message.ID,
	)
	if err != nil {
		return fmt.Errorf("list message edits: %w", err)
	}
	defer editRows.Close()
	for editRows.Next() {
		var (
			record   storage.EditRecord
			editedAt int64
		)
		if err := editRows.Scan(&record.Body, &editedAt); err != nil {
			return fmt.Errorf("scan message edit: %w", err)
		}
		record.EditedAt = fromMillis(editedAt)
		message.EditHistory = append(message.EditHistory, record)
	}
	if err := editRows.Err(); err != nil {
		return fmt.Errorf("iterate message edits: %w", err)
	}
	return nil
}

// ListMessagesBefore returns up to limit non-deleted messages older than
// beforeSeq in ascending sequence order; beforeSeq <= 0 means newest first.
func (s *Store) ListMessagesBefore(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]storage.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	query := `SELECT seq, id, conversation_id, sender_id, kind, body, media_ref,
	                 status, reply_to_id, is_edited, is_deleted, deleted_at, deleted_by, created_at
	          FROM messages
	          WHERE conversation_id = ? AND is_deleted = 0`
	args := []any{conversationID}
	if beforeSeq > 0 {
		query += ` AND seq < ?`
		args = append(args, beforeSeq)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []storage.Message
	for rows.Next() {
		message, err := scanMessageRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Reverse into ascending order and hydrate per-message detail.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	for i := range messages {
		if err := s.hydrateMessage(ctx, &messages[i]); err != nil {
			return nil, err
		}
	}
	return messages, nil
}

// MarkConversationRead appends read receipts for every unread message in the
// conversation not authored by userID. Re-running it is a no-op.
func (s *Store) MarkConversationRead(ctx context.Context, conversationID string, userID string, readAt time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.ready(); err != nil {
		return 0, err
	}
	conversationID = strings.TrimSpace(conversationID)
	userID = strings.TrimSpace(userID)
	if conversationID == "" {
		return 0, fmt.Errorf("conversation id is required")
	}
	if userID == "" {
		return 0, fmt.Errorf("user id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin mark read: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO message_reads (message_id, user_id, read_at)
		 SELECT id, ?, ? FROM messages
		 WHERE conversation_id = ? AND sender_id != ? AND is_deleted = 0`,
		userID,
		toMillis(readAt),
		conversationID,
		userID,
	)
	if err != nil {
		return 0, fmt.Errorf("insert read receipts: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read receipt rows: %w", err)
	}

	if _, err := tx.ExecContext(
		ctx,
		`UPDATE messages SET status = ?
		 WHERE conversation_id = ? AND sender_id != ? AND status != ?`,
		string(storage.StatusRead),
		conversationID,
		userID,
		string(storage.StatusRead),
	); err != nil {
		return 0, fmt.Errorf("update message statuses: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit mark read: %w", err)
	}
	return inserted, nil
}

// CountUnread counts non-deleted messages in the conversation that userID has
// neither authored nor acknowledged.
func (s *Store) CountUnread(ctx context.Context, conversationID string, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.ready(); err != nil {
		return 0, err
	}
	conversationID = strings.TrimSpace(conversationID)
	userID = strings.TrimSpace(userID)
	if conversationID == "" || userID == "" {
		return 0, fmt.Errorf("conversation id and user id are required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM messages m
		 WHERE m.conversation_id = ? AND m.sender_id != ? AND m.is_deleted = 0
		   AND NOT EXISTS (
		     SELECT 1 FROM message_reads r
		     WHERE r.message_id = m.id AND r.user_id = ?
		   )`,
		conversationID,
		userID,
		userID,
	)
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// UpdateMessageBody overwrites the body and archives the prior body in the
// edit history.
func (s *Store) UpdateMessageBody(ctx context.Context, id string, newBody string, prior storage.EditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("message id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update message body: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(
		ctx,
		`UPDATE messages SET body = ?, is_edited = 1 WHERE id = ? AND is_deleted = 0`,
		newBody,
		id,
	)
	if err != nil {
		return fmt.Errorf("update message body: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update message body rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO message_edits (message_id, body, edited_at) VALUES (?, ?, ?)`,
		id,
		prior.Body,
		toMillis(prior.EditedAt),
	); err != nil {
		return fmt.Errorf("archive prior body: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update message body: %w", err)
	}
	return nil
}

// MarkMessageDeleted sets the tombstone fields; the body stays for audit.
func (s *Store) MarkMessageDeleted(ctx context.Context, id string, deletedBy string, deletedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	deletedBy = strings.TrimSpace(deletedBy)
	if id == "" {
		return fmt.Errorf("message id is required")
	}
	if deletedBy == "" {
		return fmt.Errorf("deleted-by user id is required")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE messages SET is_deleted = 1, deleted_at = ?, deleted_by = ? WHERE id = ?`,
		toMillis(deletedAt),
		deletedBy,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark message deleted: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark message deleted rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SetReaction records userID's reaction at the given time, replacing any
// prior one.
func (s *Store) SetReaction(ctx context.Context, messageID string, userID string, emoji string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	messageID = strings.TrimSpace(messageID)
	userID = strings.TrimSpace(userID)
	emoji = strings.TrimSpace(emoji)
	if messageID == "" || userID == "" {
		return fmt.Errorf("message id and user id are required")
	}
	if emoji == "" {
		return fmt.Errorf("emoji is required")
	}
	if exists, err := s.messageExists(ctx, messageID); err != nil {
		return err
	} else if !exists {
		return storage.ErrNotFound
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO message_reactions (message_id, user_id, emoji, reacted_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(message_id, user_id) DO UPDATE SET
		   emoji = excluded.emoji,
		   reacted_at = excluded.reacted_at`,
		messageID,
		userID,
		emoji,
		toMillis(at),
	)
	if err != nil {
		return fmt.Errorf("set reaction: %w", err)
	}
	return nil
}

// ClearReaction removes userID's reaction if present.
func (s *Store) ClearReaction(ctx context.Context, messageID string, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	messageID = strings.TrimSpace(messageID)
	userID = strings.TrimSpace(userID)
	if messageID == "" || userID == "" {
		return fmt.Errorf("message id and user id are required")
	}
	if exists, err := s.messageExists(ctx, messageID); err != nil {
		return err
	} else if !exists {
		return storage.ErrNotFound
	}

	if _, err := s.sqlDB.ExecContext(
		ctx,
		`DELETE FROM message_reactions WHERE message_id = ? AND user_id = ?`,
		messageID,
		userID,
	); err != nil {
		return fmt.Errorf("clear reaction: %w", err)
	}
	return nil
}

func (s *Store) messageExists(ctx context.Context, id string) (bool, error) {
	row := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, id)
	var found int
	if err := row.Scan(&found); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check message exists: %w", err)
	}
	return true, nil
}
