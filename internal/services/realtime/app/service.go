// Package app implements the realtime core: the live connection registry,
// conversation rooms and broadcast, typing indicators, the message pipeline,
// and social-graph-scoped presence fan-out.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/stillwater-app/stillwater/internal/platform/id"
	"github.com/stillwater-app/stillwater/internal/services/realtime/notify"
	"github.com/stillwater-app/stillwater/internal/services/realtime/registry"
	"github.com/stillwater-app/stillwater/internal/services/realtime/storage"
)

// Service coordinates live sessions, rooms, typing, messages, and presence.
// All shared mutable state lives in the registry, room hub, and typing set;
// everything durable goes through the store.
type Service struct {
	store         storage.Store
	notifications *notify.Service
	registry      *registry.Registry
	rooms         *roomHub
	typing        *typingSet

	// sendLocks serializes persist+broadcast per conversation so broadcast
	// order always matches message sequence order.
	sendMu    sync.Mutex
	sendLocks map[string]*sync.Mutex

	clock func() time.Time
	newID func() (string, error)
}

// ServiceOption configures a Service.
type ServiceOption func(*serviceConfig)

type serviceConfig struct {
	clock        func() time.Time
	newID        func() (string, error)
	registryOpts []registry.Option
}

// WithClock overrides the service time source.
func WithClock(clock func() time.Time) ServiceOption {
	return func(c *serviceConfig) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithIDGenerator overrides message/notification id generation.
func WithIDGenerator(newID func() (string, error)) ServiceOption {
	return func(c *serviceConfig) {
		if newID != nil {
			c.newID = newID
		}
	}
}

// WithRegistryOptions forwards options to the session registry, mainly for
// tests that need a controllable grace timer.
func WithRegistryOptions(opts ...registry.Option) ServiceOption {
	return func(c *serviceConfig) {
		c.registryOpts = append(c.registryOpts, opts...)
	}
}

// NewService wires the realtime core around a store and a notification sink.
func NewService(store storage.Store, notifications *notify.Service, opts ...ServiceOption) *Service {
	cfg := serviceConfig{
		clock: time.Now,
		newID: id.NewID,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Service{
		store:         store,
		notifications: notifications,
		rooms:         newRoomHub(),
		typing:        newTypingSet(),
		sendLocks:     make(map[string]*sync.Mutex),
		clock:         cfg.clock,
		newID:         cfg.newID,
	}
	registryOpts := append([]registry.Option{
		registry.WithOfflineFunc(s.handleOffline),
	}, cfg.registryOpts...)
	s.registry = registry.New(registryOpts...)
	return s
}

// Registry exposes the session registry for the transport layer.
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

// Connect registers a live session. The online presence fan-out fires only
// for a genuinely fresh connection; a reconnect inside the disconnect grace
// window stays silent so presence never flaps.
func (s *Service) Connect(ctx context.Context, userID string, displayName string, peer registry.Peer) (registry.Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || peer == nil {
		return registry.Session{}, ErrValidation
	}
	session, resumed := s.registry.Register(userID, displayName, peer)
	// A fresh socket is never typing. When this connection displaces a live
	// one, the displaced socket's Disconnect is a no-op, so any typing state
	// it left behind is cleared here.
	for _, conversationID := range s.typing.removeEverywhere(userID) {
		s.broadcast(conversationID, eventUserStoppedTyping, userStoppedTypingEvent{
			UserID:         userID,
			ConversationID: conversationID,
		}, userID)
	}
	if !resumed {
		s.publishStatus(ctx, userID, string(registry.StatusOnline), nil)
	}
	return session, nil
}

// Disconnect tears down the connection's room and typing state and schedules
// the registry removal. The offline fan-out happens only if the grace window
// expires without a reconnect.
func (s *Service) Disconnect(userID string, peer registry.Peer) {
	session, ok := s.registry.Get(userID)
	if !ok || session.Peer != peer {
		// A newer connection already replaced this one.
		return
	}
	for _, conversationID := range s.typing.removeEverywhere(userID) {
		s.broadcast(conversationID, eventUserStoppedTyping, userStoppedTypingEvent{
			UserID:         userID,
			ConversationID: conversationID,
		}, userID)
	}
	for _, conversationID := range s.rooms.leaveAll(userID) {
		s.registry.ForgetRoom(userID, conversationID)
	}
	s.registry.Unregister(userID, peer)
}

// handleOffline runs when a disconnect outlives the grace window.
func (s *Service) handleOffline(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.publishStatus(ctx, userID, string(registry.StatusOffline), nil)
}

// RoomJoin is the outcome of a successful conversation join: the conversation
// itself plus how many messages were unread at the moment of joining.
type RoomJoin struct {
	Conversation storage.Conversation
	UnreadCount  int64
}

// JoinRoom subscribes the user to a conversation's events. Joining also marks
// the conversation read for the user and announces the join to the room. The
// returned unread count is snapshotted before the join marks everything read.
func (s *Service) JoinRoom(ctx context.Context, userID string, conversationID string) (RoomJoin, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return RoomJoin{}, fmt.Errorf("%w: conversationId is required", ErrValidation)
	}
	conversation, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return RoomJoin{}, mapStoreError(err)
	}
	if !conversation.IsParticipant(userID) {
		return RoomJoin{}, ErrAccessDenied
	}

	unread, err := s.store.CountUnread(ctx, conversationID, userID)
	if err != nil {
		log.Printf("realtime: count unread on join user=%s conversation=%s: %v", userID, conversationID, err)
		unread = 0
	}

	s.rooms.join(conversationID, userID)
	s.registry.TrackRoom(userID, conversationID)
	s.registry.Touch(userID)

	if err := s.markRead(ctx, userID, conversationID); err != nil {
		log.Printf("realtime: mark read on join user=%s conversation=%s: %v", userID, conversationID, err)
	}

	session, _ := s.registry.Get(userID)
	s.broadcast(conversationID, eventUserJoinedConversation, userJoinedConversationEvent{
		UserID:         userID,
		Username:       session.DisplayName,
		ConversationID: conversationID,
	}, userID)
	return RoomJoin{Conversation: conversation, UnreadCount: unread}, nil
}

// LeaveRoom unsubscribes the user and clears any typing state they held in
// the room.
func (s *Service) LeaveRoom(userID string, conversationID string) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return
	}
	if s.typing.remove(conversationID, userID) {
		s.broadcast(conversationID, eventUserStoppedTyping, userStoppedTypingEvent{
			UserID:         userID,
			ConversationID: conversationID,
		}, userID)
	}
	s.rooms.leave(conversationID, userID)
	s.registry.ForgetRoom(userID, conversationID)
}

// TypingStart records the user as typing and tells the room.
func (s *Service) TypingStart(userID string, conversationID string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return fmt.Errorf("%w: conversationId is required", ErrValidation)
	}
	if !s.rooms.contains(conversationID, userID) {
		return ErrAccessDenied
	}
	if !s.typing.add(conversationID, userID) {
		// Already typing; repeated starts stay quiet.
		return nil
	}
	session, _ := s.registry.Get(userID)
	s.broadcast(conversationID, eventUserTyping, userTypingEvent{
		UserID:         userID,
		Username:       session.DisplayName,
		ConversationID: conversationID,
	}, userID)
	return nil
}

// TypingStop clears the user's typing state; a stop for a user who was not
// typing emits nothing.
func (s *Service) TypingStop(userID string, conversationID string) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return
	}
	if !s.typing.remove(conversationID, userID) {
		return
	}
	s.broadcast(conversationID, eventUserStoppedTyping, userStoppedTypingEvent{
		UserID:         userID,
		ConversationID: conversationID,
	}, userID)
}

// UpdateStatus transitions the user's presence state and fans it out to their
// accepted connections. extra carries activity detail such as the meditation
// type and duration.
func (s *Service) UpdateStatus(ctx context.Context, userID string, status string, extra map[string]any) error {
	status = strings.TrimSpace(status)
	switch registry.Status(status) {
	case registry.StatusOnline, registry.StatusMeditating, registry.StatusOffline:
	default:
		return fmt.Errorf("%w: unsupported status %q", ErrValidation, status)
	}
	if _, ok := s.registry.Get(userID); !ok {
		return ErrNotConnected
	}
	if !s.registry.SetStatus(userID, registry.Status(status)) {
		return nil
	}
	s.registry.Touch(userID)
	s.publishStatus(ctx, userID, status, extra)
	return nil
}

// publishStatus delivers a status-changed event to the live sessions of every
// user holding an accepted connection edge with userID. It reads the social
// graph and never writes it.
func (s *Service) publishStatus(ctx context.Context, userID string, status string, extra map[string]any) {
	peerIDs, err := s.store.ListAcceptedPeerIDs(ctx, userID)
	if err != nil {
		log.Printf("realtime: presence fan-out for user=%s: %v", userID, err)
		return
	}
	payload := map[string]any{
		"userId":    userID,
		"status":    status,
		"timestamp": s.now().Format(time.RFC3339),
	}
	for key, value := range extra {
		if _, reserved := payload[key]; reserved {
			continue
		}
		payload[key] = value
	}
	for _, peerID := range peerIDs {
		s.sendTo(peerID, eventContactStatusChanged, payload)
	}
}

// RelayConnectionRequest pushes a new connection request to the target user's
// live session, or queues an inbox intent when they are offline.
func (s *Service) RelayConnectionRequest(ctx context.Context, fromUserID string, targetUserID string, connectionID string) error {
	targetUserID = strings.TrimSpace(targetUserID)
	connectionID = strings.TrimSpace(connectionID)
	if targetUserID == "" || connectionID == "" {
		return fmt.Errorf("%w: targetUserId and connectionId are required", ErrValidation)
	}
	session, _ := s.registry.Get(fromUserID)
	event := newConnectionRequestEvent{
		ConnectionID: connectionID,
		FromUserID:   fromUserID,
		FromUsername: session.DisplayName,
		Timestamp:    s.now().Format(time.RFC3339),
	}
	if s.sendTo(targetUserID, eventNewConnectionRequest, event) {
		return nil
	}
	return s.queueIntent(ctx, targetUserID, notify.TopicConnectionRequest, event, "connection-request:"+connectionID)
}

// RespondConnectionRequest applies an accept/reject/block decision to the
// edge and relays the outcome to the original requester.
func (s *Service) RespondConnectionRequest(ctx context.Context, userID string, connectionID string, action string, fromUserID string) error {
	action = strings.TrimSpace(strings.ToLower(action))
	fromUserID = strings.TrimSpace(fromUserID)
	connectionID = strings.TrimSpace(connectionID)
	if fromUserID == "" || connectionID == "" {
		return fmt.Errorf("%w: connectionId and fromUserId are required", ErrValidation)
	}
	var status storage.ConnectionStatus
	switch action {
	case "accept", "accepted":
		status = storage.ConnectionAccepted
	case "reject", "rejected", "decline", "declined":
		status = storage.ConnectionRejected
	case "block", "blocked":
		status = storage.ConnectionBlocked
	default:
		return fmt.Errorf("%w: unsupported action %q", ErrValidation, action)
	}
	if err := s.store.SetConnectionStatus(ctx, userID, fromUserID, status, s.now()); err != nil {
		return mapStoreError(err)
	}

	event := connectionRequestRespondedEvent{
		ConnectionID: connectionID,
		Action:       string(status),
		FromUserID:   userID,
		Timestamp:    s.now().Format(time.RFC3339),
	}
	if s.sendTo(fromUserID, eventConnectionRequestResolved, event) {
		return nil
	}
	return s.queueIntent(ctx, fromUserID, notify.TopicConnectionUpdate, event, "connection-response:"+connectionID)
}

// EmergencyAlert fans an alert out to every accepted connection, live or not.
func (s *Service) EmergencyAlert(ctx context.Context, userID string, message string, location string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return fmt.Errorf("%w: message is required", ErrValidation)
	}
	peerIDs, err := s.store.ListAcceptedPeerIDs(ctx, userID)
	if err != nil {
		return mapStoreError(err)
	}
	session, _ := s.registry.Get(userID)
	event := emergencyAlertEvent{
		FromUserID:   userID,
		FromUsername: session.DisplayName,
		Message:      message,
		Location:     strings.TrimSpace(location),
		Timestamp:    s.now().Format(time.RFC3339),
	}
	for _, peerID := range peerIDs {
		if s.sendTo(peerID, eventEmergencyAlertRelay, event) {
			continue
		}
		if err := s.queueIntent(ctx, peerID, notify.TopicEmergencyAlert, event, ""); err != nil {
			log.Printf("realtime: emergency alert intent for user=%s: %v", peerID, err)
		}
	}
	return nil
}

// Inbox lists the user's queued notifications, newest first, along with their
// total unread count.
func (s *Service) Inbox(ctx context.Context, userID string, pageSize int, pageToken string) (storage.NotificationPage, int, error) {
	page, err := s.notifications.ListInbox(ctx, notify.ListInboxInput{
		RecipientUserID: userID,
		PageSize:        pageSize,
		PageToken:       pageToken,
	})
	if err != nil {
		return storage.NotificationPage{}, 0, mapStoreError(err)
	}
	unread, err := s.notifications.CountUnread(ctx, userID)
	if err != nil {
		return storage.NotificationPage{}, 0, mapStoreError(err)
	}
	return page, unread, nil
}

// ReadNotification acknowledges one queued notification and returns the
// remaining unread count.
func (s *Service) ReadNotification(ctx context.Context, userID string, notificationID string) (storage.Notification, int, error) {
	notificationID = strings.TrimSpace(notificationID)
	if notificationID == "" {
		return storage.Notification{}, 0, fmt.Errorf("%w: notificationId is required", ErrValidation)
	}
	notification, err := s.notifications.MarkRead(ctx, userID, notificationID)
	if err != nil {
		return storage.Notification{}, 0, mapStoreError(err)
	}
	unread, err := s.notifications.CountUnread(ctx, userID)
	if err != nil {
		return storage.Notification{}, 0, mapStoreError(err)
	}
	return notification, unread, nil
}

// conversationLock returns the mutex serializing sends in one conversation.
func (s *Service) conversationLock(conversationID string) *sync.Mutex {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	lock, ok := s.sendLocks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		s.sendLocks[conversationID] = lock
	}
	return lock
}

// broadcast delivers one event to every session joined to the room, skipping
// excludeUserID. Delivery is fire-and-forget; a dead or saturated peer is
// pruned rather than blocking the sender.
func (s *Service) broadcast(conversationID string, eventType string, payload any, excludeUserID string) {
	for _, userID := range s.rooms.members(conversationID) {
		if userID == excludeUserID {
			continue
		}
		s.sendTo(userID, eventType, payload)
	}
}

// sendTo delivers one event to a user's live session. It reports false when
// the user has no session or their connection is gone.
func (s *Service) sendTo(userID string, eventType string, payload any) bool {
	session, ok := s.registry.Get(userID)
	if !ok {
		return false
	}
	if session.Peer.Send(eventType, payload) {
		return true
	}
	// The peer is dead or hopelessly behind; drop the connection.
	_ = session.Peer.Close()
	return false
}

func (s *Service) queueIntent(ctx context.Context, recipientUserID string, topic string, payload any, dedupeKey string) error {
	if s.notifications == nil {
		return nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode notification payload: %w", err)
	}
	_, err = s.notifications.CreateIntent(ctx, notify.CreateIntentInput{
		RecipientUserID: recipientUserID,
		Topic:           topic,
		PayloadJSON:     string(encoded),
		DedupeKey:       dedupeKey,
		Source:          "realtime",
	})
	return err
}

func mapStoreError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
