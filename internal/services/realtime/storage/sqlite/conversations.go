package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stillwater-app/stillwater/internal/services/realtime/storage"
)

// PutConversation upserts one conversation and rewrites its membership rows.
func (s *Store) PutConversation(ctx context.Context, conversation storage.Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	id := strings.TrimSpace(conversation.ID)
	if id == "" {
		return fmt.Errorf("conversation id is required")
	}
	participants := dedupeIDs(conversation.ParticipantIDs)
	switch conversation.Type {
	case storage.ConversationDirect:
		if len(participants) != 2 {
			return fmt.Errorf("direct conversation requires exactly 2 participants, got %d", len(participants))
		}
	case storage.ConversationGroup:
		if strings.TrimSpace(conversation.Name) == "" {
			return fmt.Errorf("group conversation requires a name")
		}
		switch conversation.Privacy {
		case storage.PrivacyOpen, storage.PrivacyClosed, storage.PrivacyInviteOnly:
		default:
			return fmt.Errorf("group conversation requires a privacy policy, got %q", conversation.Privacy)
		}
		if len(participants) == 0 {
			return fmt.Errorf("group conversation requires participants")
		}
	default:
		return fmt.Errorf("unsupported conversation type %q", conversation.Type)
	}

	var directKey any
	if conversation.Type == storage.ConversationDirect {
		lo, hi := pairKey(participants[0], participants[1])
		directKey = lo + "|" + hi
	}

	tagsJSON, err := json.Marshal(conversation.Tags)
	if err != nil {
		return fmt.Errorf("encode conversation tags: %w", err)
	}
	var lastMessageAt any
	if !conversation.LastMessage.SentAt.IsZero() {
		lastMessageAt = toMillis(conversation.LastMessage.SentAt)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put conversation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO conversations (
		     id, type, name, privacy, tags, direct_key,
		     last_message_text, last_message_sender_id, last_message_at,
		     message_count, is_active, created_at, updated_at
		 )
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   privacy = excluded.privacy,
		   tags = excluded.tags,
		   is_active = excluded.is_active,
		   updated_at = excluded.updated_at`,
		id,
		string(conversation.Type),
		strings.TrimSpace(conversation.Name),
		string(conversation.Privacy),
		string(tagsJSON),
		directKey,
		conversation.LastMessage.Text,
		conversation.LastMessage.SenderID,
		lastMessageAt,
		conversation.MessageCount,
		boolToInt(conversation.IsActive),
		toMillis(conversation.CreatedAt),
		toMillis(conversation.UpdatedAt),
	); err != nil {
		return fmt.Errorf("put conversation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_participants WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("clear conversation participants: %w", err)
	}
	admins := make(map[string]struct{}, len(conversation.AdminIDs))
	for _, adminID := range conversation.AdminIDs {
		admins[adminID] = struct{}{}
	}
	muted := make(map[string]struct{}, len(conversation.MutedBy))
	for _, userID := range conversation.MutedBy {
		muted[userID] = struct{}{}
	}
	joinedAt := toMillis(conversation.CreatedAt)
	for position, userID := range participants {
		_, isAdmin := admins[userID]
		_, isMuted := muted[userID]
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO conversation_participants (conversation_id, user_id, is_admin, is_muted, position, joined_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			id, userID, boolToInt(isAdmin), boolToInt(isMuted), position, joinedAt,
		); err != nil {
			return fmt.Errorf("put conversation participant %s: %w", userID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_member_requests WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("clear member requests: %w", err)
	}
	for _, userID := range dedupeIDs(conversation.MemberRequests) {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO conversation_member_requests (conversation_id, user_id, requested_at)
			 VALUES (?, ?, ?)`,
			id, userID, toMillis(conversation.UpdatedAt),
		); err != nil {
			return fmt.Errorf("put member request %s: %w", userID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put conversation: %w", err)
	}
	return nil
}

// GetConversation returns one conversation with hydrated membership.
func (s *Store) GetConversation(ctx context.Context, id string) (storage.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return storage.Conversation{}, err
	}
	if err := s.ready(); err != nil {
		return storage.Conversation{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.Conversation{}, fmt.Errorf("conversation id is required")
	}
	return s.scanConversation(ctx, `WHERE id = ?`, id)
}

// FindDirectConversation returns the unique direct conversation for the pair.
func (s *Store) FindDirectConversation(ctx context.Context, userA string, userB string) (storage.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return storage.Conversation{}, err
	}
	if err := s.ready(); err != nil {
		return storage.Conversation{}, err
	}
	userA = strings.TrimSpace(userA)
	userB = strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return storage.Conversation{}, fmt.Errorf("both user ids are required")
	}
	lo, hi := pairKey(userA, userB)
	return s.scanConversation(ctx, `WHERE direct_key = ?`, lo+"|"+hi)
}

func (s *Store) scanConversation(ctx context.Context, where string, args ...any) (storage.Conversation, error) {
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, type, name, privacy, tags,
		        last_message_text, last_message_sender_id, last_message_at,
		        message_count, is_active, created_at, updated_at
		 FROM conversations `+where,
		args...,
	)

	var (
		conversation  storage.Conversation
		tagsJSON      string
		lastMessageAt sql.NullInt64
		isActive      int
		createdAt     int64
		updatedAt     int64
	)
	err := row.Scan(
		&conversation.ID,
		&conversation.Type,
		&conversation.Name,
		&conversation.Privacy,
		&tagsJSON,
		&conversation.LastMessage.Text,
		&conversation.LastMessage.SenderID,
		&lastMessageAt,
		&conversation.MessageCount,
		&isActive,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Conversation{}, storage.ErrNotFound
		}
		return storage.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &conversation.Tags); err != nil {
		return storage.Conversation{}, fmt.Errorf("decode conversation tags: %w", err)
	}
	if lastMessageAt.Valid {
		conversation.LastMessage.SentAt = fromMillis(lastMessageAt.Int64)
	}
	conversation.IsActive = isActive != 0
	conversation.CreatedAt = fromMillis(createdAt)
	conversation.UpdatedAt = fromMillis(updatedAt)

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT user_id, is_admin, is_muted
		 FROM conversation_participants
		 WHERE conversation_id = ?
		 ORDER BY position ASC`,
		conversation.ID,
	)
	if err != nil {
		return storage.Conversation{}, fmt.Errorf("list conversation participants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			userID  string
			isAdmin int
			isMuted int
		)
		if err := rows.Scan(&userID, &isAdmin, &isMuted); err != nil {
			return storage.Conversation{}, fmt.Errorf("scan conversation participant: %w", err)
		}
		conversation.ParticipantIDs = append(conversation.ParticipantIDs, userID)
		if isAdmin != 0 {
			conversation.AdminIDs = append(conversation.AdminIDs, userID)
		}
		if isMuted != 0 {
			conversation.MutedBy = append(conversation.MutedBy, userID)
		}
	}
	if err := rows.Err(); err != nil {
		return storage.Conversation{}, fmt.Errorf("iterate conversation participants: %w", err)
	}

	requestRows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT user_id FROM conversation_member_requests
		 WHERE conversation_id = ?
		 ORDER BY requested_at ASC`,
		conversation.ID,
	)
	if err != nil {
		return storage.Conversation{}, fmt.Errorf("list member requests: %w", err)
	}
	defer requestRows.Close()
	for requestRows.Next() {
		var userID string
		if err := requestRows.Scan(&userID); err != nil {
			return storage.Conversation{}, fmt.Errorf("scan member request: %w", err)
		}
		conversation.MemberRequests = append(conversation.MemberRequests, userID)
	}
	if err := requestRows.Err(); err != nil {
		return storage.Conversation{}, fmt.Errorf("iterate member requests: %w", err)
	}

	return conversation, nil
}

// ListConversationIDsByParticipant returns ids of conversations userID belongs to.
func (s *Store) ListConversationIDsByParticipant(ctx context.Context, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT conversation_id FROM conversation_participants
		 WHERE user_id = ?
		 ORDER BY conversation_id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations by participant: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation ids: %w", err)
	}
	return ids, nil
}

// RecordMessageSent updates the last-message summary and message counter in
// one atomic statement.
func (s *Store) RecordMessageSent(ctx context.Context, conversationID string, last storage.LastMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return fmt.Errorf("conversation id is required")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE conversations SET
		   last_message_text = ?,
		   last_message_sender_id = ?,
		   last_message_at = ?,
		   message_count = message_count + 1,
		   updated_at = ?
		 WHERE id = ?`,
		last.Text,
		last.SenderID,
		toMillis(last.SentAt),
		toMillis(last.SentAt),
		conversationID,
	)
	if err != nil {
		return fmt.Errorf("record message sent: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("record message sent rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SetConversationActive soft-activates or deactivates one conversation,
// stamping the caller-supplied update time.
func (s *Store) SetConversationActive(ctx context.Context, conversationID string, active bool, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return fmt.Errorf("conversation id is required")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE conversations SET is_active = ?, updated_at = ? WHERE id = ?`,
		boolToInt(active),
		toMillis(at),
		conversationID,
	)
	if err != nil {
		return fmt.Errorf("set conversation active: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set conversation active rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	var out []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
