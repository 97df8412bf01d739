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

// PutNotification inserts one delivery intent. A duplicate dedupe key for the
// same recipient surfaces as ErrConflict.
func (s *Store) PutNotification(ctx context.Context, notification storage.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	notification.ID = strings.TrimSpace(notification.ID)
	notification.RecipientUserID = strings.TrimSpace(notification.RecipientUserID)
	notification.Topic = strings.TrimSpace(notification.Topic)
	if notification.ID == "" {
		return fmt.Errorf("notification id is required")
	}
	if notification.RecipientUserID == "" {
		return fmt.Errorf("recipient user id is required")
	}
	if notification.Topic == "" {
		return fmt.Errorf("notification topic is required")
	}

	var readAt sql.NullInt64
	if notification.ReadAt != nil {
		readAt = sql.NullInt64{Int64: toMillis(*notification.ReadAt), Valid: true}
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO notifications (
		     id, recipient_user_id, topic, payload_json, dedupe_key, source,
		     created_at, updated_at, read_at
		 )
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		notification.ID,
		notification.RecipientUserID,
		notification.Topic,
		notification.PayloadJSON,
		notification.DedupeKey,
		notification.Source,
		toMillis(notification.CreatedAt),
		toMillis(notification.UpdatedAt),
		readAt,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put notification: %w", err)
	}
	return nil
}

// GetNotificationByRecipientAndDedupeKey returns the recipient's record for a
// dedupe key.
func (s *Store) GetNotificationByRecipientAndDedupeKey(ctx context.Context, recipientUserID string, dedupeKey string) (storage.Notification, error) {
	if err := ctx.Err(); err != nil {
		return storage.Notification{}, err
	}
	if err := s.ready(); err != nil {
		return storage.Notification{}, err
	}
	recipientUserID = strings.TrimSpace(recipientUserID)
	dedupeKey = strings.TrimSpace(dedupeKey)
	if recipientUserID == "" || dedupeKey == "" {
		return storage.Notification{}, fmt.Errorf("recipient user id and dedupe key are required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, recipient_user_id, topic, payload_json, dedupe_key, source,
		        created_at, updated_at, read_at
		 FROM notifications
		 WHERE recipient_user_id = ? AND dedupe_key = ?`,
		recipientUserID,
		dedupeKey,
	)
	notification, err := scanNotificationRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Notification{}, storage.ErrNotFound
		}
		return storage.Notification{}, fmt.Errorf("get notification by dedupe key: %w", err)
	}
	return notification, nil
}

// ListNotificationsByRecipient lists one inbox newest-first with cursor
// pagination; pageToken is the last id of the prior page.
func (s *Store) ListNotificationsByRecipient(ctx context.Context, recipientUserID string, pageSize int, pageToken string) (storage.NotificationPage, error) {
	if err := ctx.Err(); err != nil {
		return storage.NotificationPage{}, err
	}
	if err := s.ready(); err != nil {
		return storage.NotificationPage{}, err
	}
	recipientUserID = strings.TrimSpace(recipientUserID)
	pageToken = strings.TrimSpace(pageToken)
	if recipientUserID == "" {
		return storage.NotificationPage{}, fmt.Errorf("recipient user id is required")
	}
	if pageSize <= 0 {
		return storage.NotificationPage{}, fmt.Errorf("page size must be greater than zero")
	}

	query := `SELECT id, recipient_user_id, topic, payload_json, dedupe_key, source,
	                 created_at, updated_at, read_at
	          FROM notifications
	          WHERE recipient_user_id = ?`
	args := []any{recipientUserID}
	if pageToken != "" {
		var tokenCreatedAt int64
		row := s.sqlDB.QueryRowContext(
			ctx,
			`SELECT created_at FROM notifications WHERE recipient_user_id = ? AND id = ?`,
			recipientUserID,
			pageToken,
		)
		if err := row.Scan(&tokenCreatedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return storage.NotificationPage{}, nil
			}
			return storage.NotificationPage{}, fmt.Errorf("lookup notification cursor: %w", err)
		}
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, tokenCreatedAt, tokenCreatedAt, pageToken)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, pageSize+1)

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return storage.NotificationPage{}, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var page storage.NotificationPage
	for rows.Next() {
		notification, err := scanNotificationRow(rows)
		if err != nil {
			return storage.NotificationPage{}, fmt.Errorf("scan notification: %w", err)
		}
		page.Notifications = append(page.Notifications, notification)
	}
	if err := rows.Err(); err != nil {
		return storage.NotificationPage{}, fmt.Errorf("iterate notifications: %w", err)
	}
	if len(page.Notifications) > pageSize {
		page.Notifications = page.Notifications[:pageSize]
		page.NextPageToken = page.Notifications[pageSize-1].ID
	}
	return page, nil
}

// CountUnreadNotifications returns the recipient's unread inbox count.
func (s *Store) CountUnreadNotifications(ctx context.Context, recipientUserID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.ready(); err != nil {
		return 0, err
	}
	recipientUserID = strings.TrimSpace(recipientUserID)
	if recipientUserID == "" {
		return 0, fmt.Errorf("recipient user id is required")
	}

	var count int
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT COUNT(1) FROM notifications
		 WHERE recipient_user_id = ? AND read_at IS NULL`,
		recipientUserID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

// MarkNotificationRead stamps read_at for one recipient-owned record.
func (s *Store) MarkNotificationRead(ctx context.Context, recipientUserID string, notificationID string, readAt time.Time) (storage.Notification, error) {
	if err := ctx.Err(); err != nil {
		return storage.Notification{}, err
	}
	if err := s.ready(); err != nil {
		return storage.Notification{}, err
	}
	recipientUserID = strings.TrimSpace(recipientUserID)
	notificationID = strings.TrimSpace(notificationID)
	if recipientUserID == "" || notificationID == "" {
		return storage.Notification{}, fmt.Errorf("recipient user id and notification id are required")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE notifications SET read_at = ?, updated_at = ?
		 WHERE recipient_user_id = ? AND id = ? AND read_at IS NULL`,
		toMillis(readAt),
		toMillis(readAt),
		recipientUserID,
		notificationID,
	)
	if err != nil {
		return storage.Notification{}, fmt.Errorf("mark notification read: %w", err)
	}
	if _, err := result.RowsAffected(); err != nil {
		return storage.Notification{}, fmt.Errorf("mark notification read rows: %w", err)
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, recipient_user_id, topic, payload_json, dedupe_key, source,
		        created_at, updated_at, read_at
		 FROM notifications WHERE recipient_user_id = ? AND id = ?`,
		recipientUserID,
		notificationID,
	)
	notification, err := scanNotificationRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Notification{}, storage.ErrNotFound
		}
		return storage.Notification{}, fmt.Errorf("reload notification: %w", err)
	}
	return notification, nil
}

func scanNotificationRow(row rowScanner) (storage.Notification, error) {
	var (
		notification storage.Notification
		createdAt    int64
		updatedAt    int64
		readAt       sql.NullInt64
	)
	err := row.Scan(
		&notification.ID,
		&notification.RecipientUserID,
		&notification.Topic,
		&notification.PayloadJSON,
		&notification.DedupeKey,
		&notification.Source,
		&createdAt,
		&updatedAt,
		&readAt,
	)
	if err != nil {
		return storage.Notification{}, err
	}
	notification.CreatedAt = fromMillis(createdAt)
	notification.UpdatedAt = fromMillis(updatedAt)
	if readAt.Valid {
		at := fromMillis(readAt.Int64)
		notification.ReadAt = &at
	}
	return notification, nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
