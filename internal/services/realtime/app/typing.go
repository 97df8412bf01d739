package app

import "sync"

// typingSet tracks, per conversation, the users currently typing. A user's
// typing state clears only on explicit stop, message send, leaving the room,
// or disconnect.
type typingSet struct {
	mu     sync.Mutex
	typing map[string]map[string]struct{}
}

func newTypingSet() *typingSet {
	return &typingSet{typing: make(map[string]map[string]struct{})}
}

// add records the user as typing and reports whether they were newly added.
func (t *typingSet) add(conversationID string, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.typing[conversationID]
	if !ok {
		set = make(map[string]struct{})
		t.typing[conversationID] = set
	}
	if _, present := set[userID]; present {
		return false
	}
	set[userID] = struct{}{}
	return true
}

// remove clears the user's typing state and reports whether they were present.
// A stop for an absent user emits nothing.
func (t *typingSet) remove(conversationID string, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.typing[conversationID]
	if !ok {
		return false
	}
	if _, present := set[userID]; !present {
		return false
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(t.typing, conversationID)
	}
	return true
}

// removeEverywhere clears the user's typing state in every conversation and
// returns the conversations they were typing in.
func (t *typingSet) removeEverywhere(userID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var cleared []string
	for conversationID, set := range t.typing {
		if _, present := set[userID]; !present {
			continue
		}
		delete(set, userID)
		cleared = append(cleared, conversationID)
		if len(set) == 0 {
			delete(t.typing, conversationID)
		}
	}
	return cleared
}

func (t *typingSet) contains(conversationID string, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.typing[conversationID]
	if !ok {
		return false
	}
	_, present := set[userID]
	return present
}
