package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/net/websocket"

	"github.com/stillwater-app/stillwater/internal/services/realtime/notify"
	"github.com/stillwater-app/stillwater/internal/services/realtime/storage"
	"github.com/stillwater-app/stillwater/internal/services/realtime/storage/sqlite"
)

type wsTestFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// fakeAuthenticator resolves fixed tokens to identities.
type fakeAuthenticator struct {
	users map[string][2]string // token -> {userID, displayName}
}

func (a *fakeAuthenticator) Authenticate(_ context.Context, token string) (string, string, error) {
	identity, ok := a.users[token]
	if !ok {
		return "", "", fmt.Errorf("unknown token %q", token)
	}
	return identity[0], identity[1], nil
}

type wsFixture struct {
	service *Service
	store   *sqlite.Store
	server  *httptest.Server
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	store, err := sqlite.Open(t.TempDir() + "/realtime.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	service := NewService(store, notify.NewService(store, nil, nil))
	authenticator := &fakeAuthenticator{users: map[string][2]string{
		"token-a": {"user-a", "Ada"},
		"token-b": {"user-b", "Ben"},
	}}
	server := httptest.NewServer(service.NewHandler(authenticator))
	t.Cleanup(server.Close)
	return &wsFixture{service: service, store: store, server: server}
}

func (f *wsFixture) seedConversation(t *testing.T, id string, participants ...string) {
	t.Helper()
	now := time.Now().UTC()
	conversationType := storage.ConversationDirect
	if len(participants) != 2 {
		conversationType = storage.ConversationGroup
	}
	if err := f.store.PutConversation(context.Background(), storage.Conversation{
		ID:             id,
		Type:           conversationType,
		ParticipantIDs: participants,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
}

type wsClient struct {
	conn    *websocket.Conn
	decoder *json.Decoder
}

func dialWS(t *testing.T, serverURL string, token string) *wsClient {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
	if token != "" {
		wsURL += "?token=" + token
	}
	config, err := websocket.NewConfig(wsURL, "http://localhost/")
	if err != nil {
		t.Fatalf("websocket config: %v", err)
	}
	conn, err := websocket.DialConfig(config)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{conn: conn, decoder: json.NewDecoder(conn)}
}

func dialWSWithCookie(t *testing.T, serverURL string, token string) *wsClient {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
	config, err := websocket.NewConfig(wsURL, "http://localhost/")
	if err != nil {
		t.Fatalf("websocket config: %v", err)
	}
	config.Header = http.Header{}
	config.Header.Set("Cookie", tokenCookieName+"="+token)
	conn, err := websocket.DialConfig(config)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{conn: conn, decoder: json.NewDecoder(conn)}
}

func (c *wsClient) writeFrame(t *testing.T, frameType string, payload map[string]any) {
	t.Helper()
	if err := json.NewEncoder(c.conn).Encode(map[string]any{
		"type":    frameType,
		"payload": payload,
	}); err != nil {
		t.Fatalf("write %s frame: %v", frameType, err)
	}
}

func (c *wsClient) readFrame(t *testing.T) wsTestFrame {
	t.Helper()
	if err := c.conn.SetDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	var frame wsTestFrame
	if err := c.decoder.Decode(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

// readUntil drains frames until one of the wanted type arrives. Presence and
// join notices interleave with the frames under test, so assertions that care
// about one event skip past the rest.
func (c *wsClient) readUntil(t *testing.T, frameType string) wsTestFrame {
	t.Helper()
	for i := 0; i < 10; i++ {
		frame := c.readFrame(t)
		if frame.Type == frameType {
			return frame
		}
	}
	t.Fatalf("no %s frame within 10 reads", frameType)
	return wsTestFrame{}
}

func TestWebSocketRejectsMissingOrBadToken(t *testing.T) {
	f := newWSFixture(t)
	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"

	if _, err := websocket.Dial(wsURL, "", "http://localhost/"); err == nil {
		t.Fatal("dial without token succeeded, want handshake failure")
	}
	if _, err := websocket.Dial(wsURL+"?token=bogus", "", "http://localhost/"); err == nil {
		t.Fatal("dial with unknown token succeeded, want handshake failure")
	}
}

func TestWebSocketJoinReturnsJoinedFrame(t *testing.T) {
	f := newWSFixture(t)
	f.seedConversation(t, "conv-1", "user-a", "user-b")

	client := dialWS(t, f.server.URL, "token-a")
	client.writeFrame(t, eventJoinConversation, map[string]any{"conversationId": "conv-1"})

	got := client.readUntil(t, eventConversationJoined)
	if !strings.Contains(string(got.Payload), "conv-1") {
		t.Fatalf("joined payload = %s, want conversation id", got.Payload)
	}
}

func TestWebSocketJoinOutsiderGetsErrorFrame(t *testing.T) {
	f := newWSFixture(t)
	f.seedConversation(t, "conv-1", "user-a", "someone-else")

	client := dialWS(t, f.server.URL, "token-b")
	client.writeFrame(t, eventJoinConversation, map[string]any{"conversationId": "conv-1"})

	got := client.readUntil(t, eventError)
	if !strings.Contains(string(got.Payload), "access denied") {
		t.Fatalf("error payload = %s, want access denied", got.Payload)
	}
}

func TestWebSocketSendDeliversNewMessage(t *testing.T) {
	f := newWSFixture(t)
	f.seedConversation(t, "conv-1", "user-a", "user-b")

	clientA := dialWS(t, f.server.URL, "token-a")
	clientA.writeFrame(t, eventJoinConversation, map[string]any{"conversationId": "conv-1"})
	clientA.readUntil(t, eventConversationJoined)

	clientB := dialWS(t, f.server.URL, "token-b")
	clientB.writeFrame(t, eventJoinConversation, map[string]any{"conversationId": "conv-1"})
	clientB.readUntil(t, eventConversationJoined)

	clientA.writeFrame(t, eventSendMessage, map[string]any{
		"conversationId": "conv-1",
		"text":           "evening check-in",
	})

	got := clientB.readUntil(t, eventNewMessage)
	var event struct {
		Message        messageDTO `json:"message"`
		ConversationID string     `json:"conversationId"`
	}
	if err := json.Unmarshal(got.Payload, &event); err != nil {
		t.Fatalf("decode new message payload: %v", err)
	}
	if event.ConversationID != "conv-1" {
		t.Fatalf("conversationId = %q, want conv-1", event.ConversationID)
	}
	if event.Message.Text != "evening check-in" || event.Message.SenderID != "user-a" {
		t.Fatalf("message = %+v, want text and sender preserved", event.Message)
	}
	if event.Message.Type != string(storage.KindText) {
		t.Fatalf("message type = %q, want text", event.Message.Type)
	}
}

func TestWebSocketSendInvalidFramesAreSurvivable(t *testing.T) {
	f := newWSFixture(t)
	f.seedConversation(t, "conv-1", "user-a", "user-b")

	client := dialWS(t, f.server.URL, "token-a")
	// Empty text is rejected with an error frame, not a disconnect.
	client.writeFrame(t, eventSendMessage, map[string]any{"conversationId": "conv-1", "text": "   "})
	client.readUntil(t, eventError)

	// The connection still works afterwards.
	client.writeFrame(t, eventJoinConversation, map[string]any{"conversationId": "conv-1"})
	client.readUntil(t, eventConversationJoined)
}

func TestWebSocketTypingLifecycle(t *testing.T) {
	f := newWSFixture(t)
	f.seedConversation(t, "conv-1", "user-a", "user-b")

	clientA := dialWS(t, f.server.URL, "token-a")
	clientA.writeFrame(t, eventJoinConversation, map[string]any{"conversationId": "conv-1"})
	clientA.readUntil(t, eventConversationJoined)

	clientB := dialWS(t, f.server.URL, "token-b")
	clientB.writeFrame(t, eventJoinConversation, map[string]any{"conversationId": "conv-1"})
	clientB.readUntil(t, eventConversationJoined)

	clientA.writeFrame(t, eventTypingStart, map[string]any{"conversationId": "conv-1"})
	typing := clientB.readUntil(t, eventUserTyping)
	if !strings.Contains(string(typing.Payload), "user-a") {
		t.Fatalf("typing payload = %s, want user-a", typing.Payload)
	}
	if !strings.Contains(string(typing.Payload), "Ada") {
		t.Fatalf("typing payload = %s, want display name", typing.Payload)
	}

	clientA.writeFrame(t, eventTypingStop, map[string]any{"conversationId": "conv-1"})
	stopped := clientB.readUntil(t, eventUserStoppedTyping)
	if !strings.Contains(string(stopped.Payload), "user-a") {
		t.Fatalf("stopped payload = %s, want user-a", stopped.Payload)
	}
}

func TestWebSocketHistoryRoundTrip(t *testing.T) {
	f := newWSFixture(t)
	f.seedConversation(t, "conv-1", "user-a", "user-b")

	client := dialWS(t, f.server.URL, "token-a")
	client.writeFrame(t, eventJoinConversation, map[string]any{"conversationId": "conv-1"})
	client.readUntil(t, eventConversationJoined)

	client.writeFrame(t, eventSendMessage, map[string]any{"conversationId": "conv-1", "text": "first"})
	client.readUntil(t, eventNewMessage)

	client.writeFrame(t, eventMessageHistory, map[string]any{"conversationId": "conv-1", "limit": 10})
	got := client.readUntil(t, eventMessageHistoryResult)
	var result struct {
		ConversationID string       `json:"conversationId"`
		Messages       []messageDTO `json:"messages"`
	}
	if err := json.Unmarshal(got.Payload, &result); err != nil {
		t.Fatalf("decode history payload: %v", err)
	}
	if len(result.Messages) != 1 || result.Messages[0].Text != "first" {
		t.Fatalf("history = %+v, want the sent message", result.Messages)
	}
}

func TestWebSocketAcceptsJWTFromQueryAndCookie(t *testing.T) {
	store, err := sqlite.Open(t.TempDir() + "/realtime.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	const secret = "test-signing-secret"
	authenticator, err := NewJWTAuthenticator(secret)
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}
	service := NewService(store, notify.NewService(store, nil, nil))
	server := httptest.NewServer(service.NewHandler(authenticator))
	t.Cleanup(server.Close)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "user-a",
		"name": "Ada",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	now := time.Now().UTC()
	if err := store.PutConversation(context.Background(), storage.Conversation{
		ID:             "conv-1",
		Type:           storage.ConversationDirect,
		ParticipantIDs: []string{"user-a", "user-b"},
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	byQuery := dialWS(t, server.URL, token)
	byQuery.writeFrame(t, eventJoinConversation, map[string]any{"conversationId": "conv-1"})
	byQuery.readUntil(t, eventConversationJoined)

	byCookie := dialWSWithCookie(t, server.URL, token)
	byCookie.writeFrame(t, eventJoinConversation, map[string]any{"conversationId": "conv-1"})
	byCookie.readUntil(t, eventConversationJoined)

	// A token signed with the wrong key never connects.
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-a",
	}).SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatalf("sign forged token: %v", err)
	}
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=" + forged
	if _, err := websocket.Dial(wsURL, "", "http://localhost/"); err == nil {
		t.Fatal("dial with forged token succeeded, want handshake failure")
	}
}

func TestWebSocketNotificationInboxRoundTrip(t *testing.T) {
	f := newWSFixture(t)
	now := time.Now().UTC()
	if err := f.store.PutNotification(context.Background(), storage.Notification{
		ID:              "notif-1",
		RecipientUserID: "user-a",
		Topic:           notify.TopicNewMessage,
		PayloadJSON:     `{"conversationId":"conv-1"}`,
		Source:          "realtime",
		CreatedAt:       now,
		UpdatedAt:       now,
	}); err != nil {
		t.Fatalf("seed notification: %v", err)
	}

	client := dialWS(t, f.server.URL, "token-a")
	client.writeFrame(t, eventNotificationList, map[string]any{"limit": 10})

	listFrame := client.readUntil(t, eventNotificationListResult)
	var listed notificationListResultEvent
	if err := json.Unmarshal(listFrame.Payload, &listed); err != nil {
		t.Fatalf("decode inbox result: %v", err)
	}
	if len(listed.Notifications) != 1 || listed.Notifications[0].ID != "notif-1" {
		t.Fatalf("inbox = %+v, want the seeded notification", listed.Notifications)
	}
	if listed.UnreadCount != 1 {
		t.Fatalf("unreadCount = %d, want 1", listed.UnreadCount)
	}
	if listed.Notifications[0].Topic != notify.TopicNewMessage {
		t.Fatalf("topic = %q, want %q", listed.Notifications[0].Topic, notify.TopicNewMessage)
	}

	client.writeFrame(t, eventNotificationRead, map[string]any{"notificationId": "notif-1"})
	readFrame := client.readUntil(t, eventNotificationReadResult)
	var acked notificationReadResultEvent
	if err := json.Unmarshal(readFrame.Payload, &acked); err != nil {
		t.Fatalf("decode read result: %v", err)
	}
	if acked.NotificationID != "notif-1" || acked.UnreadCount != 0 {
		t.Fatalf("read result = %+v, want notif-1 acknowledged with zero unread", acked)
	}

	// Acknowledging an unknown notification surfaces an error frame.
	client.writeFrame(t, eventNotificationRead, map[string]any{"notificationId": "missing"})
	errFrame := client.readUntil(t, eventError)
	if !strings.Contains(string(errFrame.Payload), "not found") {
		t.Fatalf("error payload = %s, want not found", errFrame.Payload)
	}
}
