package notify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stillwater-app/stillwater/internal/services/realtime/storage"
)

type fakeNotificationStore struct {
	records map[string]storage.Notification

	conflictOn string
	// missNextLookup makes the next dedupe lookup miss, simulating a
	// concurrent writer landing between the lookup and the insert.
	missNextLookup bool
}

func newFakeNotificationStore() *fakeNotificationStore {
	return &fakeNotificationStore{records: make(map[string]storage.Notification)}
}

func (f *fakeNotificationStore) PutNotification(ctx context.Context, notification storage.Notification) error {
	if notification.DedupeKey != "" && notification.DedupeKey == f.conflictOn {
		return storage.ErrConflict
	}
	f.records[notification.ID] = notification
	return nil
}

func (f *fakeNotificationStore) GetNotificationByRecipientAndDedupeKey(ctx context.Context, recipientUserID string, dedupeKey string) (storage.Notification, error) {
	if f.missNextLookup {
		f.missNextLookup = false
		return storage.Notification{}, storage.ErrNotFound
	}
	for _, record := range f.records {
		if record.RecipientUserID == recipientUserID && record.DedupeKey == dedupeKey {
			return record, nil
		}
	}
	return storage.Notification{}, storage.ErrNotFound
}

func (f *fakeNotificationStore) ListNotificationsByRecipient(ctx context.Context, recipientUserID string, pageSize int, pageToken string) (storage.NotificationPage, error) {
	var page storage.NotificationPage
	for _, record := range f.records {
		if record.RecipientUserID == recipientUserID {
			page.Notifications = append(page.Notifications, record)
		}
	}
	return page, nil
}

func (f *fakeNotificationStore) CountUnreadNotifications(ctx context.Context, recipientUserID string) (int, error) {
	count := 0
	for _, record := range f.records {
		if record.RecipientUserID == recipientUserID && record.ReadAt == nil {
			count++
		}
	}
	return count, nil
}

func (f *fakeNotificationStore) MarkNotificationRead(ctx context.Context, recipientUserID string, notificationID string, readAt time.Time) (storage.Notification, error) {
	record, ok := f.records[notificationID]
	if !ok || record.RecipientUserID != recipientUserID {
		return storage.Notification{}, storage.ErrNotFound
	}
	if record.ReadAt == nil {
		record.ReadAt = &readAt
		f.records[notificationID] = record
	}
	return record, nil
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func sequentialIDs() func() (string, error) {
	next := 0
	return func() (string, error) {
		next++
		return fmt.Sprintf("ntf-%d", next), nil
	}
}

func TestCreateIntentStoresRecord(t *testing.T) {
	store := newFakeNotificationStore()
	now := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	service := NewService(store, fixedClock(now), sequentialIDs())

	got, err := service.CreateIntent(context.Background(), CreateIntentInput{
		RecipientUserID: "user-1",
		Topic:           TopicNewMessage,
		PayloadJSON:     `{"conversationId":"conv-1"}`,
		DedupeKey:       "conv-1:msg-1",
		Source:          "realtime",
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if got.ID != "ntf-1" {
		t.Fatalf("id = %q, want ntf-1", got.ID)
	}
	if got.Topic != TopicNewMessage {
		t.Fatalf("topic = %q, want %q", got.Topic, TopicNewMessage)
	}
	if !got.CreatedAt.Equal(now) {
		t.Fatalf("created_at = %v, want %v", got.CreatedAt, now)
	}
	if len(store.records) != 1 {
		t.Fatalf("stored records = %d, want 1", len(store.records))
	}
}

func TestCreateIntentDeduplicatesByRecipientAndKey(t *testing.T) {
	store := newFakeNotificationStore()
	now := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	service := NewService(store, fixedClock(now), sequentialIDs())

	input := CreateIntentInput{
		RecipientUserID: "user-1",
		Topic:           TopicNewMessage,
		DedupeKey:       "conv-1:msg-1",
	}
	first, err := service.CreateIntent(context.Background(), input)
	if err != nil {
		t.Fatalf("create first intent: %v", err)
	}
	second, err := service.CreateIntent(context.Background(), input)
	if err != nil {
		t.Fatalf("create duplicate intent: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate id = %q, want %q", second.ID, first.ID)
	}
	if len(store.records) != 1 {
		t.Fatalf("stored records = %d, want 1", len(store.records))
	}

	// Same key for another recipient is a distinct record.
	other, err := service.CreateIntent(context.Background(), CreateIntentInput{
		RecipientUserID: "user-2",
		Topic:           TopicNewMessage,
		DedupeKey:       "conv-1:msg-1",
	})
	if err != nil {
		t.Fatalf("create intent for other recipient: %v", err)
	}
	if other.ID == first.ID {
		t.Fatal("other recipient reused the first record")
	}
}

func TestCreateIntentResolvesInsertRace(t *testing.T) {
	store := newFakeNotificationStore()
	now := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	service := NewService(store, fixedClock(now), sequentialIDs())

	// The pre-insert lookup misses, the insert conflicts, and the retry
	// lookup finds the concurrent writer's record.
	store.conflictOn = "conv-1:msg-1"
	store.missNextLookup = true
	store.records["ntf-race"] = storage.Notification{
		ID:              "ntf-race",
		RecipientUserID: "user-1",
		Topic:           TopicNewMessage,
		DedupeKey:       "conv-1:msg-1",
	}

	got, err := service.CreateIntent(context.Background(), CreateIntentInput{
		RecipientUserID: "user-1",
		Topic:           TopicNewMessage,
		DedupeKey:       "conv-1:msg-1",
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if got.ID != "ntf-race" {
		t.Fatalf("id = %q, want ntf-race", got.ID)
	}
}

func TestCreateIntentValidation(t *testing.T) {
	service := NewService(newFakeNotificationStore(), nil, nil)

	if _, err := service.CreateIntent(context.Background(), CreateIntentInput{Topic: TopicNewMessage}); !errors.Is(err, ErrRecipientRequired) {
		t.Fatalf("missing recipient err = %v, want ErrRecipientRequired", err)
	}
	if _, err := service.CreateIntent(context.Background(), CreateIntentInput{RecipientUserID: "user-1"}); !errors.Is(err, ErrTopicRequired) {
		t.Fatalf("missing topic err = %v, want ErrTopicRequired", err)
	}

	var nilService *Service
	if _, err := nilService.CreateIntent(context.Background(), CreateIntentInput{}); !errors.Is(err, ErrStoreNotConfigured) {
		t.Fatalf("nil service err = %v, want ErrStoreNotConfigured", err)
	}
}

func TestMarkReadAndCountUnread(t *testing.T) {
	store := newFakeNotificationStore()
	now := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	service := NewService(store, fixedClock(now), sequentialIDs())

	created, err := service.CreateIntent(context.Background(), CreateIntentInput{
		RecipientUserID: "user-1",
		Topic:           TopicConnectionRequest,
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}

	unread, err := service.CountUnread(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("count unread: %v", err)
	}
	if unread != 1 {
		t.Fatalf("unread = %d, want 1", unread)
	}

	marked, err := service.MarkRead(context.Background(), "user-1", created.ID)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if marked.ReadAt == nil || !marked.ReadAt.Equal(now) {
		t.Fatalf("read_at = %v, want %v", marked.ReadAt, now)
	}

	unread, err = service.CountUnread(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("count unread after read: %v", err)
	}
	if unread != 0 {
		t.Fatalf("unread after read = %d, want 0", unread)
	}

	if _, err := service.MarkRead(context.Background(), "user-2", created.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("mark read by other user err = %v, want ErrNotFound", err)
	}
}
