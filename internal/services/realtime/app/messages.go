package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/stillwater-app/stillwater/internal/services/realtime/notify"
	"github.com/stillwater-app/stillwater/internal/services/realtime/storage"
)

const (
	maxMessageTextRunes = 2000
	editWindow          = 15 * time.Minute

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// SendInput describes one message send request.
type SendInput struct {
	ConversationID string
	Text           string
	Kind           string
	MediaRef       string
	ReplyToID      string
}

// Send runs the message pipeline: membership check, validation, persistence,
// conversation summary update, interaction counters, typing clear, broadcast,
// and offline notification intents, in that order. The broadcast never runs
// for an unpersisted message.
func (s *Service) Send(ctx context.Context, senderID string, input SendInput) (storage.Message, error) {
	conversationID := strings.TrimSpace(input.ConversationID)
	if conversationID == "" {
		return storage.Message{}, fmt.Errorf("%w: conversationId is required", ErrValidation)
	}
	conversation, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return storage.Message{}, mapStoreError(err)
	}
	if !conversation.IsParticipant(senderID) {
		return storage.Message{}, ErrAccessDenied
	}

	kind, err := parseMessageKind(input.Kind)
	if err != nil {
		return storage.Message{}, err
	}
	text := strings.TrimSpace(input.Text)
	if text == "" && strings.TrimSpace(input.MediaRef) == "" {
		return storage.Message{}, fmt.Errorf("%w: message text is required", ErrValidation)
	}
	if utf8.RuneCountInString(text) > maxMessageTextRunes {
		return storage.Message{}, fmt.Errorf("%w: message text exceeds %d characters", ErrValidation, maxMessageTextRunes)
	}

	messageID, err := s.newID()
	if err != nil {
		return storage.Message{}, fmt.Errorf("generate message id: %w", err)
	}
	now := s.now()

	// Persist and broadcast under the conversation lock so concurrent sends
	// reach peers in sequence order.
	lock := s.conversationLock(conversationID)
	lock.Lock()
	message, err := s.store.PutMessage(ctx, storage.Message{
		ID:             messageID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           text,
		Kind:           kind,
		MediaRef:       strings.TrimSpace(input.MediaRef),
		Status:         storage.StatusSent,
		ReplyToID:      strings.TrimSpace(input.ReplyToID),
		CreatedAt:      now,
	})
	if err != nil {
		lock.Unlock()
		return storage.Message{}, fmt.Errorf("persist message: %w", err)
	}

	if err := s.store.RecordMessageSent(ctx, conversationID, storage.LastMessage{
		Text:     text,
		SenderID: senderID,
		SentAt:   now,
	}); err != nil {
		log.Printf("realtime: update conversation summary conversation=%s: %v", conversationID, err)
	}

	if conversation.Type == storage.ConversationDirect {
		peerID := directPeer(conversation, senderID)
		if peerID != "" {
			record := s.store.RecordMessageInteraction
			if kind == storage.KindMeditationShare {
				record = s.store.RecordMeditationShared
			}
			if err := record(ctx, senderID, peerID, now); err != nil {
				log.Printf("realtime: record interaction %s<->%s: %v", senderID, peerID, err)
			}
		}
	}

	// Sending implies the author stopped typing; the stop must reach the
	// room before the message does.
	if s.typing.remove(conversationID, senderID) {
		s.broadcast(conversationID, eventUserStoppedTyping, userStoppedTypingEvent{
			UserID:         senderID,
			ConversationID: conversationID,
		}, senderID)
	}

	s.broadcast(conversationID, eventNewMessage, newMessageEvent{
		Message:        messageToDTO(message),
		ConversationID: conversationID,
	}, "")
	lock.Unlock()
	s.registry.Touch(senderID)

	for _, participantID := range conversation.ParticipantIDs {
		if participantID == senderID {
			continue
		}
		if _, live := s.registry.Get(participantID); live {
			continue
		}
		err := s.queueIntent(ctx, participantID, notify.TopicNewMessage, newMessageEvent{
			Message:        messageToDTO(message),
			ConversationID: conversationID,
		}, "new-message:"+conversationID+":"+participantID)
		if err != nil {
			log.Printf("realtime: queue message intent for user=%s: %v", participantID, err)
		}
	}
	return message, nil
}

// Edit overwrites a message body. Only the sender may edit, only within the
// edit window, and never after deletion. The prior body is archived first.
func (s *Service) Edit(ctx context.Context, userID string, messageID string, newText string) (storage.Message, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return storage.Message{}, fmt.Errorf("%w: messageId is required", ErrValidation)
	}
	newText = strings.TrimSpace(newText)
	if newText == "" {
		return storage.Message{}, fmt.Errorf("%w: message text is required", ErrValidation)
	}
	if utf8.RuneCountInString(newText) > maxMessageTextRunes {
		return storage.Message{}, fmt.Errorf("%w: message text exceeds %d characters", ErrValidation, maxMessageTextRunes)
	}

	message, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return storage.Message{}, mapStoreError(err)
	}
	if message.SenderID != userID {
		return storage.Message{}, ErrForbidden
	}
	if message.IsDeleted {
		return storage.Message{}, ErrDeleted
	}
	now := s.now()
	if now.After(message.CreatedAt.Add(editWindow)) {
		return storage.Message{}, ErrExpired
	}

	if err := s.store.UpdateMessageBody(ctx, messageID, newText, storage.EditRecord{
		Body:     message.Body,
		EditedAt: now,
	}); err != nil {
		return storage.Message{}, mapStoreError(err)
	}

	updated, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return storage.Message{}, mapStoreError(err)
	}
	s.broadcast(message.ConversationID, eventMessageEdited, newMessageEvent{
		Message:        messageToDTO(updated),
		ConversationID: message.ConversationID,
	}, "")
	return updated, nil
}

// Delete tombstones a message. Permitted for the sender, or for a group
// conversation admin. The broadcast carries only a deletion marker, never the
// body.
func (s *Service) Delete(ctx context.Context, userID string, messageID string) error {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return fmt.Errorf("%w: messageId is required", ErrValidation)
	}
	message, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return mapStoreError(err)
	}
	if message.IsDeleted {
		return ErrDeleted
	}
	if message.SenderID != userID {
		conversation, err := s.store.GetConversation(ctx, message.ConversationID)
		if err != nil {
			return mapStoreError(err)
		}
		if conversation.Type != storage.ConversationGroup || !conversation.IsAdmin(userID) {
			return ErrForbidden
		}
	}

	now := s.now()
	if err := s.store.MarkMessageDeleted(ctx, messageID, userID, now); err != nil {
		return mapStoreError(err)
	}
	s.broadcast(message.ConversationID, eventMessageDeleted, messageDeletedEvent{
		MessageID:      messageID,
		ConversationID: message.ConversationID,
		DeletedBy:      userID,
		Timestamp:      now.Format(time.RFC3339),
	}, "")
	return nil
}

// React records the user's reaction, replacing any prior one, and broadcasts
// the message's updated reaction set. Only conversation participants may
// react.
func (s *Service) React(ctx context.Context, userID string, messageID string, emoji string) error {
	messageID = strings.TrimSpace(messageID)
	emoji = strings.TrimSpace(emoji)
	if messageID == "" || emoji == "" {
		return fmt.Errorf("%w: messageId and emoji are required", ErrValidation)
	}
	if err := s.checkMessageParticipant(ctx, userID, messageID); err != nil {
		return err
	}
	if err := s.store.SetReaction(ctx, messageID, userID, emoji, s.now()); err != nil {
		return mapStoreError(err)
	}
	return s.broadcastReactions(ctx, messageID)
}

// Unreact removes the user's reaction and broadcasts the updated set.
func (s *Service) Unreact(ctx context.Context, userID string, messageID string) error {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return fmt.Errorf("%w: messageId is required", ErrValidation)
	}
	if err := s.checkMessageParticipant(ctx, userID, messageID); err != nil {
		return err
	}
	if err := s.store.ClearReaction(ctx, messageID, userID); err != nil {
		return mapStoreError(err)
	}
	return s.broadcastReactions(ctx, messageID)
}

// checkMessageParticipant resolves the message's conversation and rejects
// users who are not participants.
func (s *Service) checkMessageParticipant(ctx context.Context, userID string, messageID string) error {
	message, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return mapStoreError(err)
	}
	conversation, err := s.store.GetConversation(ctx, message.ConversationID)
	if err != nil {
		return mapStoreError(err)
	}
	if !conversation.IsParticipant(userID) {
		return ErrAccessDenied
	}
	return nil
}

func (s *Service) broadcastReactions(ctx context.Context, messageID string) error {
	message, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return mapStoreError(err)
	}
	s.broadcast(message.ConversationID, eventMessageReactionUpdated, messageReactionUpdatedEvent{
		MessageID:      messageID,
		ConversationID: message.ConversationID,
		Reactions:      reactionsToDTO(message.Reactions),
	}, "")
	return nil
}

// MarkRead acknowledges every unread message in the conversation for the
// user. Re-running it changes nothing.
func (s *Service) MarkRead(ctx context.Context, userID string, conversationID string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return fmt.Errorf("%w: conversationId is required", ErrValidation)
	}
	conversation, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return mapStoreError(err)
	}
	if !conversation.IsParticipant(userID) {
		return ErrAccessDenied
	}
	return s.markRead(ctx, userID, conversationID)
}

func (s *Service) markRead(ctx context.Context, userID string, conversationID string) error {
	now := s.now()
	inserted, err := s.store.MarkConversationRead(ctx, conversationID, userID, now)
	if err != nil {
		return mapStoreError(err)
	}
	if inserted > 0 {
		s.broadcast(conversationID, eventMessagesRead, messagesReadEvent{
			ConversationID: conversationID,
			UserID:         userID,
			Timestamp:      now.Format(time.RFC3339),
		}, userID)
	}
	return nil
}

// History returns up to limit non-deleted messages older than beforeSeq in
// ascending order.
func (s *Service) History(ctx context.Context, userID string, conversationID string, beforeSeq int64, limit int) ([]storage.Message, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversationId is required", ErrValidation)
	}
	conversation, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	if !conversation.IsParticipant(userID) {
		return nil, ErrAccessDenied
	}
	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}
	messages, err := s.store.ListMessagesBefore(ctx, conversationID, beforeSeq, limit)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return messages, nil
}

func parseMessageKind(kind string) (storage.MessageKind, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return storage.KindText, nil
	}
	switch storage.MessageKind(kind) {
	case storage.KindText, storage.KindImage, storage.KindAudio, storage.KindSystem, storage.KindMeditationShare:
		return storage.MessageKind(kind), nil
	default:
		return "", fmt.Errorf("%w: unsupported message type %q", ErrValidation, kind)
	}
}

func directPeer(conversation storage.Conversation, userID string) string {
	if conversation.Type != storage.ConversationDirect {
		return ""
	}
	for _, participantID := range conversation.ParticipantIDs {
		if participantID != userID {
			return participantID
		}
	}
	return ""
}
