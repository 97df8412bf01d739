package app

import (
	"encoding/json"
	"time"

	"github.com/stillwater-app/stillwater/internal/services/realtime/storage"
)

// wsFrame is the wire envelope for every client and server event.
type wsFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Client->server event types.
const (
	eventJoinConversation          = "join_conversation"
	eventLeaveConversation         = "leave_conversation"
	eventSendMessage               = "send_message"
	eventEditMessage               = "edit_message"
	eventDeleteMessage             = "delete_message"
	eventReactMessage              = "react_message"
	eventUnreactMessage            = "unreact_message"
	eventMarkRead                  = "mark_read"
	eventMessageHistory            = "message_history"
	eventTypingStart               = "typing_start"
	eventTypingStop                = "typing_stop"
	eventUpdateStatus              = "update_status"
	eventConnectionRequestSent     = "connection_request_sent"
	eventConnectionRequestResponse = "connection_request_response"
	eventEmergencyAlert            = "emergency_alert"
	eventNotificationList          = "notification_list"
	eventNotificationRead          = "notification_read"
)

// Server->client event types.
const (
	eventConversationJoined        = "conversation_joined"
	eventUserJoinedConversation    = "user_joined_conversation"
	eventNewMessage                = "new_message"
	eventMessageEdited             = "message_edited"
	eventMessageDeleted            = "message_deleted"
	eventMessageReactionUpdated    = "message_reaction_updated"
	eventMessagesRead              = "messages_read"
	eventMessageHistoryResult      = "message_history_result"
	eventUserTyping                = "user_typing"
	eventUserStoppedTyping         = "user_stopped_typing"
	eventContactStatusChanged      = "contact_status_changed"
	eventNewConnectionRequest      = "new_connection_request"
	eventConnectionRequestResolved = "connection_request_responded"
	eventEmergencyAlertRelay       = "emergency_alert"
	eventNotificationListResult    = "notification_list_result"
	eventNotificationReadResult    = "notification_read_result"
	eventError                     = "error"
)

type joinConversationPayload struct {
	ConversationID string `json:"conversationId"`
}

type sendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
	Type           string `json:"type"`
	MediaRef       string `json:"mediaRef,omitempty"`
	ReplyTo        string `json:"replyTo,omitempty"`
}

type editMessagePayload struct {
	MessageID string `json:"messageId"`
	Text      string `json:"text"`
}

type deleteMessagePayload struct {
	MessageID string `json:"messageId"`
}

type reactMessagePayload struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji,omitempty"`
}

type messageHistoryPayload struct {
	ConversationID string `json:"conversationId"`
	Before         int64  `json:"before,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

type updateStatusPayload struct {
	Status         string `json:"status"`
	MeditationType string `json:"meditationType,omitempty"`
	Duration       int    `json:"duration,omitempty"`
}

type connectionRequestSentPayload struct {
	TargetUserID string `json:"targetUserId"`
	ConnectionID string `json:"connectionId"`
}

type connectionRequestResponsePayload struct {
	ConnectionID string `json:"connectionId"`
	Action       string `json:"action"`
	FromUserID   string `json:"fromUserId"`
}

type emergencyAlertPayload struct {
	Message  string `json:"message"`
	Location string `json:"location"`
}

type notificationListPayload struct {
	Limit     int    `json:"limit,omitempty"`
	PageToken string `json:"pageToken,omitempty"`
}

type notificationReadPayload struct {
	NotificationID string `json:"notificationId"`
}

type conversationJoinedEvent struct {
	ConversationID string `json:"conversationId"`
	UnreadCount    int64  `json:"unreadCount"`
}

type userJoinedConversationEvent struct {
	UserID         string `json:"userId"`
	Username       string `json:"username"`
	ConversationID string `json:"conversationId"`
}

type newMessageEvent struct {
	Message        messageDTO `json:"message"`
	ConversationID string     `json:"conversationId"`
}

type messageDeletedEvent struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	DeletedBy      string `json:"deletedBy"`
	Timestamp      string `json:"timestamp"`
}

type messageReactionUpdatedEvent struct {
	MessageID      string        `json:"messageId"`
	ConversationID string        `json:"conversationId"`
	Reactions      []reactionDTO `json:"reactions"`
}

type messagesReadEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Timestamp      string `json:"timestamp"`
}

type messageHistoryResultEvent struct {
	ConversationID string       `json:"conversationId"`
	Messages       []messageDTO `json:"messages"`
}

type userTypingEvent struct {
	UserID         string `json:"userId"`
	Username       string `json:"username"`
	ConversationID string `json:"conversationId"`
}

type userStoppedTypingEvent struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

type newConnectionRequestEvent struct {
	ConnectionID string `json:"connectionId"`
	FromUserID   string `json:"fromUserId"`
	FromUsername string `json:"fromUsername,omitempty"`
	Timestamp    string `json:"timestamp"`
}

type connectionRequestRespondedEvent struct {
	ConnectionID string `json:"connectionId"`
	Action       string `json:"action"`
	FromUserID   string `json:"fromUserId"`
	Timestamp    string `json:"timestamp"`
}

type emergencyAlertEvent struct {
	FromUserID   string `json:"fromUserId"`
	FromUsername string `json:"fromUsername,omitempty"`
	Message      string `json:"message"`
	Location     string `json:"location"`
	Timestamp    string `json:"timestamp"`
}

type notificationListResultEvent struct {
	Notifications []notificationDTO `json:"notifications"`
	NextPageToken string            `json:"nextPageToken,omitempty"`
	UnreadCount   int               `json:"unreadCount"`
}

type notificationReadResultEvent struct {
	NotificationID string `json:"notificationId"`
	UnreadCount    int    `json:"unreadCount"`
}

type errorEvent struct {
	Message string `json:"message"`
}

type readReceiptDTO struct {
	UserID string `json:"userId"`
	ReadAt string `json:"readAt"`
}

type reactionDTO struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

// messageDTO is the wire shape of one message. Tombstoned messages carry no
// body.
type messageDTO struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversationId"`
	SenderID       string           `json:"senderId"`
	Text           string           `json:"text"`
	Type           string           `json:"type"`
	MediaRef       string           `json:"mediaRef,omitempty"`
	Status         string           `json:"status"`
	ReplyTo        string           `json:"replyTo,omitempty"`
	ReadBy         []readReceiptDTO `json:"readBy"`
	Reactions      []reactionDTO    `json:"reactions"`
	IsEdited       bool             `json:"isEdited"`
	IsDeleted      bool             `json:"isDeleted"`
	CreatedAt      string           `json:"createdAt"`
}

func messageToDTO(message storage.Message) messageDTO {
	dto := messageDTO{
		ID:             message.ID,
		ConversationID: message.ConversationID,
		SenderID:       message.SenderID,
		Text:           message.Body,
		Type:           string(message.Kind),
		MediaRef:       message.MediaRef,
		Status:         string(message.Status),
		ReplyTo:        message.ReplyToID,
		ReadBy:         make([]readReceiptDTO, 0, len(message.ReadBy)),
		Reactions:      make([]reactionDTO, 0, len(message.Reactions)),
		IsEdited:       message.IsEdited,
		IsDeleted:      message.IsDeleted,
		CreatedAt:      message.CreatedAt.UTC().Format(time.RFC3339),
	}
	if message.IsDeleted {
		dto.Text = ""
		dto.MediaRef = ""
	}
	for _, receipt := range message.ReadBy {
		dto.ReadBy = append(dto.ReadBy, readReceiptDTO{
			UserID: receipt.UserID,
			ReadAt: receipt.ReadAt.UTC().Format(time.RFC3339),
		})
	}
	for _, reaction := range message.Reactions {
		dto.Reactions = append(dto.Reactions, reactionDTO{
			UserID: reaction.UserID,
			Emoji:  reaction.Emoji,
		})
	}
	return dto
}

// notificationDTO is the wire shape of one queued notification. The stored
// payload is already JSON, so it passes through unquoted.
type notificationDTO struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Source    string          `json:"source,omitempty"`
	CreatedAt string          `json:"createdAt"`
	ReadAt    string          `json:"readAt,omitempty"`
}

func notificationToDTO(notification storage.Notification) notificationDTO {
	dto := notificationDTO{
		ID:        notification.ID,
		Topic:     notification.Topic,
		Source:    notification.Source,
		CreatedAt: notification.CreatedAt.UTC().Format(time.RFC3339),
	}
	if notification.PayloadJSON != "" {
		dto.Payload = json.RawMessage(notification.PayloadJSON)
	}
	if notification.ReadAt != nil {
		dto.ReadAt = notification.ReadAt.UTC().Format(time.RFC3339)
	}
	return dto
}

func reactionsToDTO(reactions []storage.Reaction) []reactionDTO {
	out := make([]reactionDTO, 0, len(reactions))
	for _, reaction := range reactions {
		out = append(out, reactionDTO{UserID: reaction.UserID, Emoji: reaction.Emoji})
	}
	return out
}
