// Package registry tracks live realtime sessions in memory: who is
// connected, their presence status, and which conversation rooms they
// have joined. Disconnects are absorbed by a short grace window so a
// quick reconnect does not surface as an offline transition.
package registry

import (
	"strings"
	"sync"
	"time"

	"github.com/stillwater-app/stillwater/internal/platform/timeouts"
)

// Status is a user's live presence state.
type Status string

// Presence states.
const (
	StatusOnline     Status = "online"
	StatusMeditating Status = "meditating"
	StatusOffline    Status = "offline"
)

// Peer is the write side of one connection, supplied by the transport.
type Peer interface {
	// Send queues one event for delivery. It must not block on a slow
	// consumer; it reports false when the peer is dead or its queue is full.
	Send(eventType string, payload any) bool
	// Close tears the connection down; the transport must tolerate repeat calls.
	Close() error
}

// Session is a point-in-time snapshot of one connected user's live state.
type Session struct {
	UserID         string
	DisplayName    string
	Status         Status
	Peer           Peer
	ConnectedAt    time.Time
	LastActivityAt time.Time
	RoomIDs        []string
}

// InRoom reports whether the snapshot includes the conversation room.
func (s Session) InRoom(conversationID string) bool {
	for _, id := range s.RoomIDs {
		if id == conversationID {
			return true
		}
	}
	return false
}

type liveSession struct {
	userID         string
	displayName    string
	status         Status
	peer           Peer
	connectedAt    time.Time
	lastActivityAt time.Time
	rooms          map[string]struct{}
}

func (s *liveSession) snapshot() Session {
	rooms := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		rooms = append(rooms, id)
	}
	return Session{
		UserID:         s.userID,
		DisplayName:    s.displayName,
		Status:         s.status,
		Peer:           s.peer,
		ConnectedAt:    s.connectedAt,
		LastActivityAt: s.lastActivityAt,
		RoomIDs:        rooms,
	}
}

// Registry is the in-memory session index. The zero value is not usable;
// construct with New.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*liveSession
	pending  map[string]*time.Timer

	grace     time.Duration
	now       func() time.Time
	afterFunc func(d time.Duration, fn func()) *time.Timer

	// onOffline fires after the grace window passes without a reconnect.
	onOffline func(userID string)
}

// Option configures a Registry.
type Option func(*Registry)

// WithGracePeriod overrides the disconnect grace window.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.grace = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithAfterFunc overrides timer scheduling.
func WithAfterFunc(afterFunc func(d time.Duration, fn func()) *time.Timer) Option {
	return func(r *Registry) {
		if afterFunc != nil {
			r.afterFunc = afterFunc
		}
	}
}

// WithOfflineFunc registers the callback invoked once a disconnected user's
// grace window expires. It runs outside the registry lock.
func WithOfflineFunc(fn func(userID string)) Option {
	return func(r *Registry) {
		r.onOffline = fn
	}
}

// New constructs an empty session registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		sessions:  make(map[string]*liveSession),
		pending:   make(map[string]*time.Timer),
		grace:     timeouts.DisconnectGrace,
		now:       time.Now,
		afterFunc: time.AfterFunc,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register records a live session for userID. A newer connection replaces an
// older one: the displaced peer is closed. resumed is true when the user
// reconnected inside the grace window after a disconnect, meaning the user
// never appeared offline to anyone.
func (r *Registry) Register(userID string, displayName string, peer Peer) (session Session, resumed bool) {
	userID = strings.TrimSpace(userID)
	if userID == "" || peer == nil {
		return Session{}, false
	}

	var replaced Peer
	r.mu.Lock()
	if timer, ok := r.pending[userID]; ok {
		timer.Stop()
		delete(r.pending, userID)
		resumed = true
	}
	if existing, ok := r.sessions[userID]; ok && existing.peer != peer {
		replaced = existing.peer
		resumed = true
	}
	now := r.now().UTC()
	live := &liveSession{
		userID:         userID,
		displayName:    strings.TrimSpace(displayName),
		status:         StatusOnline,
		peer:           peer,
		connectedAt:    now,
		lastActivityAt: now,
		rooms:          make(map[string]struct{}),
	}
	r.sessions[userID] = live
	session = live.snapshot()
	r.mu.Unlock()

	if replaced != nil {
		_ = replaced.Close()
	}
	return session, resumed
}

// Unregister starts the disconnect grace window for userID. If the same peer
// is still registered when the window expires, the session is removed and the
// offline callback fires. A reconnect before expiry cancels the removal. The
// call is a no-op when peer is no longer the registered connection.
func (r *Registry) Unregister(userID string, peer Peer) {
	r.mu.Lock()
	session, ok := r.sessions[userID]
	if !ok || session.peer != peer {
		r.mu.Unlock()
		return
	}
	if timer, ok := r.pending[userID]; ok {
		timer.Stop()
	}
	r.pending[userID] = r.afterFunc(r.grace, func() {
		r.expire(userID, peer)
	})
	r.mu.Unlock()
}

func (r *Registry) expire(userID string, peer Peer) {
	r.mu.Lock()
	delete(r.pending, userID)
	session, ok := r.sessions[userID]
	if !ok || session.peer != peer {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, userID)
	onOffline := r.onOffline
	r.mu.Unlock()

	if onOffline != nil {
		onOffline(userID)
	}
}

// Get returns a snapshot of the live session for userID.
func (r *Registry) Get(userID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[userID]
	if !ok {
		return Session{}, false
	}
	return session.snapshot(), true
}

// Touch refreshes LastActivityAt for userID.
func (r *Registry) Touch(userID string) {
	r.mu.Lock()
	if session, ok := r.sessions[userID]; ok {
		session.lastActivityAt = r.now().UTC()
	}
	r.mu.Unlock()
}

// SetStatus updates the presence state for userID. It reports whether the
// state actually changed.
func (r *Registry) SetStatus(userID string, status Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[userID]
	if !ok || session.status == status {
		return false
	}
	session.status = status
	return true
}

// TrackRoom records that userID's session joined a conversation room.
func (r *Registry) TrackRoom(userID string, conversationID string) {
	r.mu.Lock()
	if session, ok := r.sessions[userID]; ok {
		session.rooms[conversationID] = struct{}{}
	}
	r.mu.Unlock()
}

// ForgetRoom records that userID's session left a conversation room.
func (r *Registry) ForgetRoom(userID string, conversationID string) {
	r.mu.Lock()
	if session, ok := r.sessions[userID]; ok {
		delete(session.rooms, conversationID)
	}
	r.mu.Unlock()
}

// InRoom reports whether userID has a live session that joined the room.
func (r *Registry) InRoom(userID string, conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[userID]
	if !ok {
		return false
	}
	_, joined := session.rooms[conversationID]
	return joined
}

// OnlineUserIDs snapshots the ids of every registered session, including
// users inside a disconnect grace window.
func (r *Registry) OnlineUserIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
