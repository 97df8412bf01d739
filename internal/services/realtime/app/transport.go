package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/net/websocket"
	"golang.org/x/time/rate"
)

const (
	tokenCookieName = "sw_token"

	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	// peerQueueSize bounds the outbound buffer per connection. A consumer
	// that falls further behind than this is disconnected rather than
	// buffered without limit.
	peerQueueSize = 64
)

type wsUserContextKey struct{}

type wsIdentity struct {
	userID      string
	displayName string
}

// wsPeer is the write side of one websocket connection. Events are queued to
// a bounded channel drained by a single writer goroutine so broadcasts never
// block on a slow consumer.
type wsPeer struct {
	conn  *websocket.Conn
	queue chan wsFrame

	closeOnce sync.Once
	done      chan struct{}
}

func newWSPeer(conn *websocket.Conn) *wsPeer {
	p := &wsPeer{
		conn:  conn,
		queue: make(chan wsFrame, peerQueueSize),
		done:  make(chan struct{}),
	}
	go p.writeLoop()
	return p
}

func (p *wsPeer) writeLoop() {
	encoder := json.NewEncoder(p.conn)
	for {
		select {
		case frame := <-p.queue:
			if err := encoder.Encode(frame); err != nil {
				_ = p.Close()
				return
			}
		case <-p.done:
			return
		}
	}
}

// Send queues one event. It reports false when the connection is closed or
// the queue is full; a full queue closes the connection.
func (p *wsPeer) Send(eventType string, payload any) bool {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	frame := wsFrame{Type: eventType, Payload: encoded}
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.queue <- frame:
		return true
	default:
		_ = p.Close()
		return false
	}
}

// Close tears the connection down. Safe to call repeatedly.
func (p *wsPeer) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
	return nil
}

func (p *wsPeer) sendError(message string) {
	p.Send(eventError, errorEvent{Message: message})
}

// NewHandler builds the realtime HTTP surface: the websocket endpoint and a
// health route. A nil authenticator rejects every connection.
func (s *Service) NewHandler(authenticator Authenticator) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		s.handleConn(conn)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if authenticator == nil {
			http.Error(w, "websocket auth is not configured", http.StatusServiceUnavailable)
			return
		}
		token := accessTokenFromRequest(r)
		if token == "" {
			log.Printf("realtime: websocket unauthorized: missing token remote=%s", r.RemoteAddr)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		userID, displayName, err := authenticator.Authenticate(r.Context(), token)
		if err != nil || strings.TrimSpace(userID) == "" {
			log.Printf("realtime: websocket unauthorized: remote=%s err=%v", r.RemoteAddr, err)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), wsUserContextKey{}, wsIdentity{
			userID:      strings.TrimSpace(userID),
			displayName: strings.TrimSpace(displayName),
		})
		wsHandler.ServeHTTP(w, r.WithContext(ctx))
	})

	return mux
}

func accessTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	cookie, err := r.Cookie(tokenCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func (s *Service) handleConn(conn *websocket.Conn) {
	request := conn.Request()
	identity, ok := request.Context().Value(wsUserContextKey{}).(wsIdentity)
	if !ok || identity.userID == "" {
		_ = conn.Close()
		return
	}

	peer := newWSPeer(conn)
	defer func() { _ = peer.Close() }()

	ctx := request.Context()
	if _, err := s.Connect(ctx, identity.userID, identity.displayName, peer); err != nil {
		log.Printf("realtime: connect user=%s: %v", identity.userID, err)
		return
	}
	defer s.Disconnect(identity.userID, peer)

	decoder := json.NewDecoder(conn)
	limiter := rate.NewLimiter(rate.Limit(maxFramesPerSecond), maxFramesPerSecond)
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			peer.sendError("invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			peer.sendError("payload too large")
			continue
		}
		if !limiter.Allow() {
			peer.sendError("rate limit exceeded")
			return
		}

		s.registry.Touch(identity.userID)
		s.dispatchFrame(ctx, identity, peer, frame)
	}
}

func (s *Service) dispatchFrame(ctx context.Context, identity wsIdentity, peer *wsPeer, frame wsFrame) {
	userID := identity.userID
	switch frame.Type {
	case eventJoinConversation:
		var payload joinConversationPayload
		if !decodePayload(peer, frame.Payload, &payload) {
			return
		}
		joined, err := s.JoinRoom(ctx, userID, payload.ConversationID)
		if err != nil {
			peer.sendError(clientMessage(err))
			return
		}
		peer.Send(eventConversationJoined, conversationJoinedEvent{
			ConversationID: payload.ConversationID,
			UnreadCount:    joined.UnreadCount,
		})

	case eventLeaveConversation:
		var payload joinConversationPayload
		if !decodePayload(peer, frame.Payload, &payload) {
			return
		}
		s.LeaveRoom(userID, payload.ConversationID)

	case eventSendMessage:
		var payload sendMessagePayload
		if !decodePayload(peer, frame.Payload, &payload) {
			return
		}
		_, err := s.Send(ctx, userID, SendInput{
			ConversationID: payload.ConversationID,
			Text:           payload.Text,
			Kind:           payload.Type,
			MediaRef:       payload.MediaRef,
			ReplyToID:      payload.ReplyTo,
		})
		if err != nil {
			peer.sendError(clientMessage(err))
		}

	case eventEditMessage:
		var payload editMessagePayload
		if !decodePayload(peer, frame.Payload, &payload) {
			return
		}
		if _, err := s.Edit(ctx, userID, payload.MessageID, payload.Text); err != nil {
			peer.sendError(clientMessage(err))
		}

	case eventDeleteMessage:
		var payload deleteMessagePayload
		if !decodePayload(peer, frame.Payload, &payload) {
			return
		}
		if err := s.Delete(ctx, userID, payload.MessageID); err != nil {
			peer.sendError(clientMessage(err))
		}

	case eventReactMessage:
		var payload reactMessagePayload
		if !decodePayload(peer, frame.Payload, &payload) {
			return
		}
		if err := s.React(ctx, userID, payload.MessageID, payload.Emoji); err != nil {
			peer.sendError(clientMessage(err))
		}

	case eventUnreactMessage:
		var payload reactMessagePayload
		if !decodePayload(peer, frame.Payload, &payload) {
			return
		}
		if err := s.Unreact(ctx, userID, payload.MessageID); err != nil {
			peer.sendError(clientMessage(err))
		}

	case eventMarkRead:
		var payload joinConversationPayload
		if !decodePayload(peer, frame.Payload, &payload) {
			return
		}
		if err := s.MarkRead(ctx, userID, payload.ConversationID); err != nil {
			peer.sendError(clientMessage(err))
		}

	case eventMessageHistory:
		var payload messageHistoryPayload
		if !decodePayload(peer, frame.Payload, &payload) {
			return
		}
		messages, err := s.History(ctx, userID, payload.ConversationID, payload.Before, payload.Limit)
		if err != nil {
			peer.sendError(clientMessage(err))
			return
		}
		result := messageHistoryResultEvent{
			ConversationID: payload.ConversationID,
			Messages:       make([]messageDTO, 0, len(messages)),
		}
		for _, message := range messages {
			result.Messages = append(result.Messages, messageToDTO(message))
		}
		peer.Send(eventMessageHistoryResult, result)

	case eventTypingStart:
		var payload joinConversationPayload
		if !decodePayload(peer, frame.Payload, &payload) {
			return
		}
		if err := s.TypingStart(userID, payload.ConversationID); err != nil {
			peer.sendError(clientMessage(err))
		}

	case eventTypingStop:
		var payload joinConversationPayload
		if !decodePayload(peer, frame.Payload, &payload) {
			return
		}
		s.TypingStop(userID, payload.ConversationID)

	case eventUpdateStatus:
		var payload updateStatusPayload
		if !decodePayload(peer, frame.Payload, &payload) {
			return
		}
		extra := map[string]any{}
		if payload.MeditationType != "" {
			extra["meditationType"] = payload.MeditationType
		}
		if payload.Duration > 0 {
			extra["duration"] = payload.Duration
		}
		if err := s.UpdateStatus(ctx, userID, payload.Status, extra); err != nil {
			peer.sendError(clientMessage(err))
		}

	case eventConnectionRequestSent:
		var payload connectionRequestSentPayload
		if !decodePayload(peer, frame.Payload, &payload) {
			return
		}
		if err := s.RelayConnectionRequest(ctx, userID, payload.TargetUserID, payload.ConnectionID); err != nil {
			peer.sendError(clientMessage(err))
		}

	case eventConnectionRequestResponse:
		var payload connectionRequestResponsePayload
		if !decodePayload(peer, frame.Payload, &payload) {
			return
		}
		if err := s.RespondConnectionRequest(ctx, userID, payload.ConnectionID, payload.Action, payload.FromUserID); err != nil {
			peer.sendError(clientMessage(err))
		}

	case eventEmergencyAlert:
		var payload emergencyAlertPayload
		if !decodePayload(peer, frame.Payload, &payload) {
			return
		}
		if err := s.EmergencyAlert(ctx, userID, payload.Message, payload.Location); err != nil {
			peer.sendError(clientMessage(err))
		}

	case eventNotificationList:
		var payload notificationListPayload
		if !decodePayload(peer, frame.Payload, &payload) {
			return
		}
		page, unread, err := s.Inbox(ctx, userID, payload.Limit, payload.PageToken)
		if err != nil {
			peer.sendError(clientMessage(err))
			return
		}
		result := notificationListResultEvent{
			Notifications: make([]notificationDTO, 0, len(page.Notifications)),
			NextPageToken: page.NextPageToken,
			UnreadCount:   unread,
		}
		for _, notification := range page.Notifications {
			result.Notifications = append(result.Notifications, notificationToDTO(notification))
		}
		peer.Send(eventNotificationListResult, result)

	case eventNotificationRead:
		var payload notificationReadPayload
		if !decodePayload(peer, frame.Payload, &payload) {
			return
		}
		notification, unread, err := s.ReadNotification(ctx, userID, payload.NotificationID)
		if err != nil {
			peer.sendError(clientMessage(err))
			return
		}
		peer.Send(eventNotificationReadResult, notificationReadResultEvent{
			NotificationID: notification.ID,
			UnreadCount:    unread,
		})

	default:
		peer.sendError("unsupported event type")
	}
}

func decodePayload(peer *wsPeer, raw json.RawMessage, out any) bool {
	if len(raw) == 0 {
		peer.sendError("payload is required")
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		peer.sendError("invalid payload")
		return false
	}
	return true
}

// clientMessage maps a pipeline error to the message reported on the error
// event. Unexpected errors are reported generically so store internals never
// leak to clients.
func clientMessage(err error) string {
	switch {
	case errors.Is(err, ErrAccessDenied):
		return "access denied"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrExpired):
		return "edit window expired"
	case errors.Is(err, ErrDeleted):
		return "message is deleted"
	case errors.Is(err, ErrNotFound):
		return "not found"
	case errors.Is(err, ErrNotConnected):
		return "not connected"
	case errors.Is(err, ErrValidation):
		return err.Error()
	default:
		log.Printf("realtime: internal error: %v", err)
		return "internal error"
	}
}

var _ interface {
	Send(string, any) bool
	Close() error
} = (*wsPeer)(nil)
