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

// PutConnection upserts the single edge between the pair, keyed by the
// canonical user ordering.
func (s *Store) PutConnection(ctx context.Context, connection storage.Connection) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	connection.RequesterID = strings.TrimSpace(connection.RequesterID)
	connection.RecipientID = strings.TrimSpace(connection.RecipientID)
	if connection.RequesterID == "" || connection.RecipientID == "" {
		return fmt.Errorf("requester id and recipient id are required")
	}
	if connection.RequesterID == connection.RecipientID {
		return fmt.Errorf("connection endpoints must differ")
	}
	switch connection.Status {
	case storage.ConnectionPending, storage.ConnectionAccepted, storage.ConnectionRejected, storage.ConnectionBlocked:
	default:
		return fmt.Errorf("unsupported connection status %q", connection.Status)
	}
	if connection.Score < 0 || connection.Score > storage.MaxConnectionScore {
		return fmt.Errorf("connection score out of range")
	}

	lo, hi := pairKey(connection.RequesterID, connection.RecipientID)
	var lastInteraction any
	if connection.LastInteractionAt != nil {
		lastInteraction = toMillis(*connection.LastInteractionAt)
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO connections (
		     user_lo, user_hi, requester_id, recipient_id, status, score,
		     messages_exchanged, meditations_shared, last_interaction_at,
		     reason, match_data, created_at, updated_at
		 )
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_lo, user_hi) DO UPDATE SET
		   requester_id = excluded.requester_id,
		   recipient_id = excluded.recipient_id,
		   status = excluded.status,
		   score = excluded.score,
		   messages_exchanged = excluded.messages_exchanged,
		   meditations_shared = excluded.meditations_shared,
		   last_interaction_at = excluded.last_interaction_at,
		   reason = excluded.reason,
		   match_data = excluded.match_data,
		   updated_at = excluded.updated_at`,
		lo,
		hi,
		connection.RequesterID,
		connection.RecipientID,
		string(connection.Status),
		connection.Score,
		connection.MessagesExchanged,
		connection.MeditationsShared,
		lastInteraction,
		connection.Reason,
		connection.MatchData,
		toMillis(connection.CreatedAt),
		toMillis(connection.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put connection: %w", err)
	}
	return nil
}

// GetConnectionBetween returns the edge between two users regardless of who
// requested it.
func (s *Store) GetConnectionBetween(ctx context.Context, userA string, userB string) (storage.Connection, error) {
	if err := ctx.Err(); err != nil {
		return storage.Connection{}, err
	}
	if err := s.ready(); err != nil {
		return storage.Connection{}, err
	}
	userA = strings.TrimSpace(userA)
	userB = strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return storage.Connection{}, fmt.Errorf("both user ids are required")
	}
	lo, hi := pairKey(userA, userB)

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT requester_id, recipient_id, status, score,
		        messages_exchanged, meditations_shared, last_interaction_at,
		        reason, match_data, created_at, updated_at
		 FROM connections WHERE user_lo = ? AND user_hi = ?`,
		lo,
		hi,
	)
	var (
		connection      storage.Connection
		lastInteraction sql.NullInt64
		createdAt       int64
		updatedAt       int64
	)
	err := row.Scan(
		&connection.RequesterID,
		&connection.RecipientID,
		&connection.Status,
		&connection.Score,
		&connection.MessagesExchanged,
		&connection.MeditationsShared,
		&lastInteraction,
		&connection.Reason,
		&connection.MatchData,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Connection{}, storage.ErrNotFound
		}
		return storage.Connection{}, fmt.Errorf("get connection: %w", err)
	}
	if lastInteraction.Valid {
		at := fromMillis(lastInteraction.Int64)
		connection.LastInteractionAt = &at
	}
	connection.CreatedAt = fromMillis(createdAt)
	connection.UpdatedAt = fromMillis(updatedAt)
	return connection, nil
}

// SetConnectionStatus transitions the edge between two users, stamping the
// caller-supplied update time.
func (s *Store) SetConnectionStatus(ctx context.Context, userA string, userB string, status storage.ConnectionStatus, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	userA = strings.TrimSpace(userA)
	userB = strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return fmt.Errorf("both user ids are required")
	}
	switch status {
	case storage.ConnectionPending, storage.ConnectionAccepted, storage.ConnectionRejected, storage.ConnectionBlocked:
	default:
		return fmt.Errorf("unsupported connection status %q", status)
	}
	lo, hi := pairKey(userA, userB)

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE connections SET status = ?, updated_at = ?
		 WHERE user_lo = ? AND user_hi = ?`,
		string(status),
		toMillis(at),
		lo,
		hi,
	)
	if err != nil {
		return fmt.Errorf("set connection status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set connection status rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListAcceptedPeerIDs resolves every user holding an accepted edge with userID.
func (s *Store) ListAcceptedPeerIDs(ctx context.Context, userID string) ([]string, error) {
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
		`SELECT CASE WHEN user_lo = ? THEN user_hi ELSE user_lo END
		 FROM connections
		 WHERE (user_lo = ? OR user_hi = ?) AND status = ?
		 ORDER BY 1`,
		userID,
		userID,
		userID,
		string(storage.ConnectionAccepted),
	)
	if err != nil {
		return nil, fmt.Errorf("list accepted peers: %w", err)
	}
	defer rows.Close()

	var peers []string
	for rows.Next() {
		var peer string
		if err := rows.Scan(&peer); err != nil {
			return nil, fmt.Errorf("scan accepted peer: %w", err)
		}
		peers = append(peers, peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accepted peers: %w", err)
	}
	return peers, nil
}

// RecordMessageInteraction bumps the exchanged-message counter and raises the
// capped connection score in one atomic update.
func (s *Store) RecordMessageInteraction(ctx context.Context, userA string, userB string, at time.Time) error {
	return s.bumpInteraction(ctx, userA, userB, at, "messages_exchanged")
}

// RecordMeditationShared bumps the shared-meditation counter and raises the
// capped connection score in one atomic update.
func (s *Store) RecordMeditationShared(ctx context.Context, userA string, userB string, at time.Time) error {
	return s.bumpInteraction(ctx, userA, userB, at, "meditations_shared")
}

func (s *Store) bumpInteraction(ctx context.Context, userA string, userB string, at time.Time, counterColumn string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	userA = strings.TrimSpace(userA)
	userB = strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return fmt.Errorf("both user ids are required")
	}
	lo, hi := pairKey(userA, userB)

	// counterColumn comes from the two callers above, never user input.
	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE connections SET
		   `+counterColumn+` = `+counterColumn+` + 1,
		   score = MIN(?, score + 1),
		   last_interaction_at = ?,
		   updated_at = ?
		 WHERE user_lo = ? AND user_hi = ?`,
		storage.MaxConnectionScore,
		toMillis(at),
		toMillis(at),
		lo,
		hi,
	)
	if err != nil {
		return fmt.Errorf("record interaction: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("record interaction rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
