// Package notify queues delivery intents for users who were not connected
// when a realtime event addressed them, and serves their inbox on return.
package notify

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/stillwater-app/stillwater/internal/platform/id"
	"github.com/stillwater-app/stillwater/internal/services/realtime/storage"
)

var (
	// ErrStoreNotConfigured indicates the service is missing persistence wiring.
	ErrStoreNotConfigured = errors.New("notification store is not configured")
	// ErrRecipientRequired indicates recipient identity is required.
	ErrRecipientRequired = errors.New("recipient user id is required")
	// ErrTopicRequired indicates a topic is required.
	ErrTopicRequired = errors.New("notification topic is required")
	// ErrNotificationIDRequired indicates a notification id is required.
	ErrNotificationIDRequired = errors.New("notification id is required")
)

// Topics produced by the realtime core.
const (
	TopicNewMessage        = "chat.new_message"
	TopicConnectionRequest = "connections.request"
	TopicConnectionUpdate  = "connections.update"
	TopicEmergencyAlert    = "wellness.emergency_alert"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// CreateIntentInput describes one producer notification request.
type CreateIntentInput struct {
	RecipientUserID string
	Topic           string
	PayloadJSON     string
	DedupeKey       string
	Source          string
}

// ListInboxInput configures recipient inbox listing.
type ListInboxInput struct {
	RecipientUserID string
	PageSize        int
	PageToken       string
}

// Service orchestrates the offline-delivery inbox lifecycle.
type Service struct {
	store storage.NotificationStore
	clock func() time.Time
	newID func() (string, error)
}

// NewService constructs notification use-cases. clock and newID default to
// the wall clock and random ids when nil.
func NewService(store storage.NotificationStore, clock func() time.Time, newID func() (string, error)) *Service {
	if clock == nil {
		clock = time.Now
	}
	if newID == nil {
		newID = id.NewID
	}
	return &Service{store: store, clock: clock, newID: newID}
}

// CreateIntent stores one intent, de-duplicating by recipient plus dedupe key
// so repeat triggers collapse into the first record.
func (s *Service) CreateIntent(ctx context.Context, input CreateIntentInput) (storage.Notification, error) {
	if s == nil || s.store == nil {
		return storage.Notification{}, ErrStoreNotConfigured
	}
	recipientUserID := strings.TrimSpace(input.RecipientUserID)
	if recipientUserID == "" {
		return storage.Notification{}, ErrRecipientRequired
	}
	topic := strings.TrimSpace(input.Topic)
	if topic == "" {
		return storage.Notification{}, ErrTopicRequired
	}
	dedupeKey := strings.TrimSpace(input.DedupeKey)
	if dedupeKey != "" {
		existing, err := s.store.GetNotificationByRecipientAndDedupeKey(ctx, recipientUserID, dedupeKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return storage.Notification{}, err
		}
	}

	notificationID, err := s.newID()
	if err != nil {
		return storage.Notification{}, err
	}
	now := s.clock().UTC()
	notification := storage.Notification{
		ID:              notificationID,
		RecipientUserID: recipientUserID,
		Topic:           topic,
		PayloadJSON:     strings.TrimSpace(input.PayloadJSON),
		DedupeKey:       dedupeKey,
		Source:          strings.TrimSpace(input.Source),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.PutNotification(ctx, notification); err != nil {
		// A concurrent producer can win the dedupe race between the lookup
		// and the insert; return the record it wrote.
		if dedupeKey != "" && errors.Is(err, storage.ErrConflict) {
			existing, lookupErr := s.store.GetNotificationByRecipientAndDedupeKey(ctx, recipientUserID, dedupeKey)
			if lookupErr == nil {
				return existing, nil
			}
			if !errors.Is(lookupErr, storage.ErrNotFound) {
				return storage.Notification{}, lookupErr
			}
		}
		return storage.Notification{}, err
	}
	return notification, nil
}

// ListInbox lists recipient notifications newest first.
func (s *Service) ListInbox(ctx context.Context, input ListInboxInput) (storage.NotificationPage, error) {
	if s == nil || s.store == nil {
		return storage.NotificationPage{}, ErrStoreNotConfigured
	}
	recipientUserID := strings.TrimSpace(input.RecipientUserID)
	if recipientUserID == "" {
		return storage.NotificationPage{}, ErrRecipientRequired
	}
	pageSize := input.PageSize
	switch {
	case pageSize <= 0:
		pageSize = defaultPageSize
	case pageSize > maxPageSize:
		pageSize = maxPageSize
	}
	return s.store.ListNotificationsByRecipient(ctx, recipientUserID, pageSize, strings.TrimSpace(input.PageToken))
}

// CountUnread returns the recipient's unread inbox count.
func (s *Service) CountUnread(ctx context.Context, recipientUserID string) (int, error) {
	if s == nil || s.store == nil {
		return 0, ErrStoreNotConfigured
	}
	recipientUserID = strings.TrimSpace(recipientUserID)
	if recipientUserID == "" {
		return 0, ErrRecipientRequired
	}
	return s.store.CountUnreadNotifications(ctx, recipientUserID)
}

// MarkRead acknowledges one recipient notification.
func (s *Service) MarkRead(ctx context.Context, recipientUserID string, notificationID string) (storage.Notification, error) {
	if s == nil || s.store == nil {
		return storage.Notification{}, ErrStoreNotConfigured
	}
	recipientUserID = strings.TrimSpace(recipientUserID)
	if recipientUserID == "" {
		return storage.Notification{}, ErrRecipientRequired
	}
	notificationID = strings.TrimSpace(notificationID)
	if notificationID == "" {
		return storage.Notification{}, ErrNotificationIDRequired
	}
	return s.store.MarkNotificationRead(ctx, recipientUserID, notificationID, s.clock().UTC())
}
