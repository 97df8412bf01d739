package app

import "sync"

// roomHub tracks which users are subscribed to each conversation's events.
// Delivery goes through the registry so a user's newest connection always
// receives the broadcast.
type roomHub struct {
	mu    sync.Mutex
	rooms map[string]map[string]struct{}
}

func newRoomHub() *roomHub {
	return &roomHub{rooms: make(map[string]map[string]struct{})}
}

func (h *roomHub) join(conversationID string, userID string) {
	h.mu.Lock()
	room, ok := h.rooms[conversationID]
	if !ok {
		room = make(map[string]struct{})
		h.rooms[conversationID] = room
	}
	room[userID] = struct{}{}
	h.mu.Unlock()
}

// leave removes the user and reports whether the room emptied.
func (h *roomHub) leave(conversationID string, userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[conversationID]
	if !ok {
		return false
	}
	delete(room, userID)
	if len(room) == 0 {
		delete(h.rooms, conversationID)
		return true
	}
	return false
}

// leaveAll removes the user from every room and returns the rooms left.
func (h *roomHub) leaveAll(userID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var left []string
	for conversationID, room := range h.rooms {
		if _, ok := room[userID]; !ok {
			continue
		}
		delete(room, userID)
		left = append(left, conversationID)
		if len(room) == 0 {
			delete(h.rooms, conversationID)
		}
	}
	return left
}

func (h *roomHub) contains(conversationID string, userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[conversationID]
	if !ok {
		return false
	}
	_, joined := room[userID]
	return joined
}

// members snapshots the user ids subscribed to the conversation.
func (h *roomHub) members(conversationID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[conversationID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(room))
	for id := range room {
		ids = append(ids, id)
	}
	return ids
}
