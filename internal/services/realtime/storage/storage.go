// Package storage defines persistence contracts for realtime service state:
// conversations, messages, and social-graph connections.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a write collided with a uniqueness constraint.
	ErrConflict = errors.New("record conflict")
)

// ConversationType distinguishes two-party threads from named groups.
type ConversationType string

// Conversation types.
const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// GroupPrivacy controls how users become members of a group conversation.
type GroupPrivacy string

// Group privacy policies.
const (
	PrivacyOpen       GroupPrivacy = "open"
	PrivacyClosed     GroupPrivacy = "closed"
	PrivacyInviteOnly GroupPrivacy = "invite_only"
)

// MessageKind enumerates supported message content types.
type MessageKind string

// Message content kinds.
const (
	KindText            MessageKind = "text"
	KindImage           MessageKind = "image"
	KindAudio           MessageKind = "audio"
	KindSystem          MessageKind = "system"
	KindMeditationShare MessageKind = "meditation_share"
)

// MessageStatus is the coarse delivery state; per-user detail lives in ReadBy.
type MessageStatus string

// Message statuses.
const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// ConnectionStatus models the social-graph edge lifecycle.
type ConnectionStatus string

// Connection statuses.
const (
	ConnectionPending  ConnectionStatus = "pending"
	ConnectionAccepted ConnectionStatus = "accepted"
	ConnectionRejected ConnectionStatus = "rejected"
	ConnectionBlocked  ConnectionStatus = "blocked"
)

// MaxConnectionScore caps the interaction-driven connection score.
const MaxConnectionScore = 100

// LastMessage is the denormalized summary kept on a conversation.
type LastMessage struct {
	Text     string
	SenderID string
	SentAt   time.Time
}

// Conversation stores one direct or group thread with hydrated membership.
type Conversation struct {
	ID             string
	Type           ConversationType
	ParticipantIDs []string
	Name           string
	Privacy        GroupPrivacy
	AdminIDs       []string
	Tags           []string
	MemberRequests []string
	MutedBy        []string
	LastMessage    LastMessage
	MessageCount   int64
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsParticipant reports whether userID belongs to the conversation.
func (c Conversation) IsParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// IsAdmin reports whether userID administers a group conversation.
func (c Conversation) IsAdmin(userID string) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// ReadReceipt records one user's read acknowledgement of a message.
type ReadReceipt struct {
	UserID string
	ReadAt time.Time
}

// Reaction records one user's emoji reaction; at most one per user per message.
type Reaction struct {
	UserID string
	Emoji  string
}

// EditRecord preserves a prior message body before an edit overwrote it.
type EditRecord struct {
	Body     string
	EditedAt time.Time
}

// Message stores one durable conversation message. Deleted messages are
// tombstoned: the body is retained for audit but hidden from normal reads.
type Message struct {
	ID             string
	Seq            int64
	ConversationID string
	SenderID       string
	Body           string
	Kind           MessageKind
	MediaRef       string
	Status         MessageStatus
	ReplyToID      string
	ReadBy         []ReadReceipt
	Reactions      []Reaction
	IsEdited       bool
	EditHistory    []EditRecord
	IsDeleted      bool
	DeletedAt      *time.Time
	DeletedBy      string
	CreatedAt      time.Time
}

// ReadByUser reports whether userID already acknowledged the message.
func (m Message) ReadByUser(userID string) bool {
	for _, receipt := range m.ReadBy {
		if receipt.UserID == userID {
			return true
		}
	}
	return false
}

// Connection stores one social-graph edge; exactly one row exists per
// unordered user pair.
type Connection struct {
	RequesterID       string
	RecipientID       string
	Status            ConnectionStatus
	Score             int
	MessagesExchanged int64
	MeditationsShared int64
	LastInteractionAt *time.Time
	Reason            string
	MatchData         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PeerOf returns the other end of the edge, or "" when userID is not on it.
func (c Connection) PeerOf(userID string) string {
	switch userID {
	case c.RequesterID:
		return c.RecipientID
	case c.RecipientID:
		return c.RequesterID
	default:
		return ""
	}
}

// Notification stores one queued delivery intent for a recipient who was not
// connected when the triggering event happened.
type Notification struct {
	ID              string
	RecipientUserID string
	Topic           string
	PayloadJSON     string
	DedupeKey       string
	Source          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ReadAt          *time.Time
}

// NotificationPage is one cursor-paged inbox listing.
type NotificationPage struct {
	Notifications []Notification
	NextPageToken string
}

// ConversationStore persists conversation threads and their membership.
type ConversationStore interface {
	PutConversation(ctx context.Context, conversation Conversation) error
	GetConversation(ctx context.Context, id string) (Conversation, error)
	FindDirectConversation(ctx context.Context, userA string, userB string) (Conversation, error)
	ListConversationIDsByParticipant(ctx context.Context, userID string) ([]string, error)
	// RecordMessageSent updates the denormalized last-message summary and
	// increments the message counter atomically.
	RecordMessageSent(ctx context.Context, conversationID string, last LastMessage) error
	SetConversationActive(ctx context.Context, conversationID string, active bool, at time.Time) error
}

// MessageStore persists messages, receipts, reactions, and edit history.
type MessageStore interface {
	// PutMessage inserts the message and returns it with its assigned
	// conversation sequence number.
	PutMessage(ctx context.Context, message Message) (Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	// ListMessagesBefore returns up to limit non-deleted messages with
	// Seq < beforeSeq in ascending order; beforeSeq <= 0 means latest.
	ListMessagesBefore(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]Message, error)
	// MarkConversationRead appends a read receipt for every message in the
	// conversation not authored by userID and not already read by them.
	// Returns the number of new receipts.
	MarkConversationRead(ctx context.Context, conversationID string, userID string, readAt time.Time) (int64, error)
	CountUnread(ctx context.Context, conversationID string, userID string) (int64, error)
	// UpdateMessageBody overwrites the body and appends the prior body to the
	// edit history.
	UpdateMessageBody(ctx context.Context, id string, newBody string, prior EditRecord) error
	MarkMessageDeleted(ctx context.Context, id string, deletedBy string, deletedAt time.Time) error
	// SetReaction replaces any prior reaction by userID on the message.
	SetReaction(ctx context.Context, messageID string, userID string, emoji string, at time.Time) error
	ClearReaction(ctx context.Context, messageID string, userID string) error
}

// ConnectionStore persists social-graph edges and interaction counters.
type ConnectionStore interface {
	PutConnection(ctx context.Context, connection Connection) error
	GetConnectionBetween(ctx context.Context, userA string, userB string) (Connection, error)
	SetConnectionStatus(ctx context.Context, userA string, userB string, status ConnectionStatus, at time.Time) error
	// ListAcceptedPeerIDs resolves the other user of every accepted edge
	// touching userID, in either direction.
	ListAcceptedPeerIDs(ctx context.Context, userID string) ([]string, error)
	// RecordMessageInteraction bumps messagesExchanged and raises the score by
	// one, capped at MaxConnectionScore, in a single atomic update.
	RecordMessageInteraction(ctx context.Context, userA string, userB string, at time.Time) error
	// RecordMeditationShared bumps meditationsShared and raises the score by
	// one, capped at MaxConnectionScore.
	RecordMeditationShared(ctx context.Context, userA string, userB string, at time.Time) error
}

// NotificationStore persists offline-delivery intents.
type NotificationStore interface {
	// PutNotification inserts the record; it returns ErrConflict when the
	// recipient already holds a record with the same non-empty dedupe key.
	PutNotification(ctx context.Context, notification Notification) error
	GetNotificationByRecipientAndDedupeKey(ctx context.Context, recipientUserID string, dedupeKey string) (Notification, error)
	// ListNotificationsByRecipient lists one inbox newest-first; pageToken is
	// the id of the last record of the prior page.
	ListNotificationsByRecipient(ctx context.Context, recipientUserID string, pageSize int, pageToken string) (NotificationPage, error)
	CountUnreadNotifications(ctx context.Context, recipientUserID string) (int, error)
	MarkNotificationRead(ctx context.Context, recipientUserID string, notificationID string, readAt time.Time) (Notification, error)
}

// Store aggregates the persistence contracts the realtime core depends on.
type Store interface {
	ConversationStore
	MessageStore
	ConnectionStore
	NotificationStore
}
