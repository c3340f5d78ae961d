package gateway

import "sync"

// RoomRegistry tracks which connections joined which conversation room
type RoomRegistry struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]*Client // conversationId -> connId -> client
	byConn map[string]map[string]struct{} // connId -> conversationIds
}

// NewRoomRegistry creates an empty registry
func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{
		rooms:  make(map[string]map[string]*Client),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Join subscribes client to conversationId. Joining twice is a no-op.
func (r *RoomRegistry) Join(conversationId string, client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[conversationId]
	if !ok {
		room = make(map[string]*Client)
		r.rooms[conversationId] = room
	}
	room[client.ConnId] = client

	joined, ok := r.byConn[client.ConnId]
	if !ok {
		joined = make(map[string]struct{})
		r.byConn[client.ConnId] = joined
	}
	joined[conversationId] = struct{}{}
}

// Leave unsubscribes client from conversationId
func (r *RoomRegistry) Leave(conversationId string, client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leave(conversationId, client.ConnId)
}

func (r *RoomRegistry) leave(conversationId, connId string) {
	if room, ok := r.rooms[conversationId]; ok {
		delete(room, connId)
		if len(room) == 0 {
			delete(r.rooms, conversationId)
		}
	}
	if joined, ok := r.byConn[connId]; ok {
		delete(joined, conversationId)
		if len(joined) == 0 {
			delete(r.byConn, connId)
		}
	}
}

// LeaveAll removes client from every room it joined and returns those rooms
func (r *RoomRegistry) LeaveAll(client *Client) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined := r.byConn[client.ConnId]
	out := make([]string, 0, len(joined))
	for convId := range joined {
		out = append(out, convId)
	}
	for _, convId := range out {
		r.leave(convId, client.ConnId)
	}
	return out
}

// Joined reports whether client is in conversationId
func (r *RoomRegistry) Joined(conversationId string, client *Client) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[conversationId][client.ConnId]
	return ok
}

// Members returns a snapshot of the clients in conversationId
func (r *RoomRegistry) Members(conversationId string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[conversationId]
	out := make([]*Client, 0, len(room))
	for _, c := range room {
		out = append(out, c)
	}
	return out
}
