package registry

import (
	"sync"
	"testing"
	"time"
)

type fakePeer struct {
	mu     sync.Mutex
	closed int
}

func (p *fakePeer) Send(eventType string, payload any) bool { return true }

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// fakeTimers captures scheduled grace expirations so tests fire them manually.
type fakeTimers struct {
	mu  sync.Mutex
	fns []func()
}

func (f *fakeTimers) afterFunc(d time.Duration, fn func()) *time.Timer {
	f.mu.Lock()
	f.fns = append(f.fns, fn)
	f.mu.Unlock()
	// Park a real timer far in the future so Stop has something to stop.
	return time.AfterFunc(time.Hour, func() {})
}

func (f *fakeTimers) fireAll() {
	f.mu.Lock()
	fns := f.fns
	f.fns = nil
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := New()
	peer := &fakePeer{}

	session, resumed := r.Register("user-1", "Ana", peer)
	if resumed {
		t.Fatal("first register reported resumed")
	}
	if session.UserID != "user-1" || session.DisplayName != "Ana" {
		t.Fatalf("session = %+v, want user-1/Ana", session)
	}
	if session.Status != StatusOnline {
		t.Fatalf("status = %q, want online", session.Status)
	}

	got, ok := r.Get("user-1")
	if !ok {
		t.Fatal("get returned no session")
	}
	if got.Peer != Peer(peer) {
		t.Fatal("get returned a different peer")
	}
	if _, ok := r.Get("user-2"); ok {
		t.Fatal("get for unknown user returned a session")
	}
}

func TestRegisterReplacesExistingConnection(t *testing.T) {
	r := New()
	first := &fakePeer{}
	second := &fakePeer{}

	r.Register("user-1", "Ana", first)
	_, resumed := r.Register("user-1", "Ana", second)
	if !resumed {
		t.Fatal("replacing register did not report resumed")
	}
	if first.closeCount() != 1 {
		t.Fatalf("displaced peer close count = %d, want 1", first.closeCount())
	}
	got, ok := r.Get("user-1")
	if !ok || got.Peer != Peer(second) {
		t.Fatal("registry did not keep the newest connection")
	}
	if r.Len() != 1 {
		t.Fatalf("len = %d, want 1", r.Len())
	}
}

func TestUnregisterExpiresAfterGraceAndFiresOffline(t *testing.T) {
	timers := &fakeTimers{}
	var offline []string
	r := New(
		WithAfterFunc(timers.afterFunc),
		WithOfflineFunc(func(userID string) { offline = append(offline, userID) }),
	)
	peer := &fakePeer{}

	r.Register("user-1", "Ana", peer)
	r.Unregister("user-1", peer)

	// Still present during the grace window.
	if _, ok := r.Get("user-1"); !ok {
		t.Fatal("session removed before grace expiry")
	}
	if len(offline) != 0 {
		t.Fatalf("offline fired early: %v", offline)
	}

	timers.fireAll()
	if _, ok := r.Get("user-1"); ok {
		t.Fatal("session survived grace expiry")
	}
	if len(offline) != 1 || offline[0] != "user-1" {
		t.Fatalf("offline callbacks = %v, want [user-1]", offline)
	}
}

func TestReconnectWithinGraceCancelsOffline(t *testing.T) {
	timers := &fakeTimers{}
	var offline []string
	r := New(
		WithAfterFunc(timers.afterFunc),
		WithOfflineFunc(func(userID string) { offline = append(offline, userID) }),
	)
	first := &fakePeer{}
	second := &fakePeer{}

	r.Register("user-1", "Ana", first)
	r.Unregister("user-1", first)

	_, resumed := r.Register("user-1", "Ana", second)
	if !resumed {
		t.Fatal("reconnect within grace did not report resumed")
	}

	// A stale timer firing after the reconnect must not remove the session.
	timers.fireAll()
	if _, ok := r.Get("user-1"); !ok {
		t.Fatal("reconnected session removed by stale grace timer")
	}
	if len(offline) != 0 {
		t.Fatalf("offline fired despite reconnect: %v", offline)
	}
}

func TestUnregisterIgnoresStalePeer(t *testing.T) {
	timers := &fakeTimers{}
	r := New(WithAfterFunc(timers.afterFunc))
	first := &fakePeer{}
	second := &fakePeer{}

	r.Register("user-1", "Ana", first)
	r.Register("user-1", "Ana", second)

	// The displaced connection's read loop exits and unregisters; the live
	// session must be unaffected.
	r.Unregister("user-1", first)
	timers.fireAll()
	if _, ok := r.Get("user-1"); !ok {
		t.Fatal("stale unregister removed the live session")
	}
}

func TestSetStatusReportsTransitions(t *testing.T) {
	r := New()
	peer := &fakePeer{}
	r.Register("user-1", "Ana", peer)

	if !r.SetStatus("user-1", StatusMeditating) {
		t.Fatal("transition to meditating reported no change")
	}
	if r.SetStatus("user-1", StatusMeditating) {
		t.Fatal("repeat transition reported a change")
	}
	if r.SetStatus("user-2", StatusOnline) {
		t.Fatal("transition for unknown user reported a change")
	}
	got, _ := r.Get("user-1")
	if got.Status != StatusMeditating {
		t.Fatalf("status = %q, want meditating", got.Status)
	}
}

func TestRoomTracking(t *testing.T) {
	r := New()
	peer := &fakePeer{}
	r.Register("user-1", "Ana", peer)

	r.TrackRoom("user-1", "conv-1")
	r.TrackRoom("user-1", "conv-2")
	if !r.InRoom("user-1", "conv-1") {
		t.Fatal("InRoom = false after TrackRoom")
	}
	got, _ := r.Get("user-1")
	if len(got.RoomIDs) != 2 {
		t.Fatalf("room ids = %v, want 2 entries", got.RoomIDs)
	}
	if !got.InRoom("conv-2") {
		t.Fatal("snapshot InRoom = false for joined room")
	}

	r.ForgetRoom("user-1", "conv-1")
	if r.InRoom("user-1", "conv-1") {
		t.Fatal("InRoom = true after ForgetRoom")
	}
	if !r.InRoom("user-1", "conv-2") {
		t.Fatal("ForgetRoom removed the wrong room")
	}
}

func TestTouchRefreshesActivity(t *testing.T) {
	base := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	current := base
	r := New(WithClock(func() time.Time { return current }))
	peer := &fakePeer{}

	r.Register("user-1", "Ana", peer)
	current = base.Add(time.Minute)
	r.Touch("user-1")

	got, _ := r.Get("user-1")
	if !got.LastActivityAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("last activity = %v, want %v", got.LastActivityAt, base.Add(time.Minute))
	}
	if !got.ConnectedAt.Equal(base) {
		t.Fatalf("connected at = %v, want %v", got.ConnectedAt, base)
	}
}
