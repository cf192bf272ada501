package handlers

import (
	"log/slog"
	"sync"

	"chat-realtime/internal/services"
)

// Sender delivers one outbound payload to a client connection. The concrete
// websocket write lives behind this so registry and dispatch logic can be
// exercised without sockets.
type Sender interface {
	Send(v interface{}) error
}

// Connection is the ephemeral per-socket record: its id, the actor bound at
// authentication, and the outbound side. Room subscriptions live in the
// registry under its lock.
type Connection struct {
	ID    string
	Actor services.Identity
	send  Sender
}

// Send writes one payload to the client.
func (c *Connection) Send(v interface{}) error {
	return c.send.Send(v)
}

// Registry is the per-instance connection registry: which connections exist,
// which actor each is bound to, and which rooms each subscribes to. It is the
// local half of every room's broadcast group; the cross-instance half comes
// in over the fan-out adapter.
type Registry struct {
	mu sync.RWMutex
	// roomID -> connID -> connection
	rooms map[string]map[string]*Connection
	// connID -> connection
	conns map[string]*Connection
	// connID -> set of subscribed roomIDs
	subs map[string]map[string]bool
	log  *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		rooms: make(map[string]map[string]*Connection),
		conns: make(map[string]*Connection),
		subs:  make(map[string]map[string]bool),
		log:   log,
	}
}

// Register adds an authenticated connection. Returns true when this is the
// actor's first local connection.
func (r *Registry) Register(conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	first := true
	for _, c := range r.conns {
		if c.Actor.ActorID == conn.Actor.ActorID {
			first = false
			break
		}
	}
	r.conns[conn.ID] = conn
	r.subs[conn.ID] = make(map[string]bool)
	return first
}

// Unregister removes the connection and all its room subscriptions as one
// unit. Returns the rooms it was subscribed to, whether it existed (the
// method is idempotent), and whether this was the actor's last local
// connection.
func (r *Registry) Unregister(connID string) (rooms []string, existed bool, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return nil, false, false
	}

	for roomID := range r.subs[connID] {
		rooms = append(rooms, roomID)
		if members, ok := r.rooms[roomID]; ok {
			delete(members, connID)
			if len(members) == 0 {
				delete(r.rooms, roomID)
			}
		}
	}
	delete(r.subs, connID)
	delete(r.conns, connID)

	last = true
	for _, c := range r.conns {
		if c.Actor.ActorID == conn.Actor.ActorID {
			last = false
			break
		}
	}
	return rooms, true, last
}

// Join subscribes a connection to a room's local broadcast group. Callers
// must have passed the membership gate first.
func (r *Registry) Join(roomID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return false
	}
	if _, ok := r.rooms[roomID]; !ok {
		r.rooms[roomID] = make(map[string]*Connection)
	}
	r.rooms[roomID][connID] = conn
	r.subs[connID][roomID] = true
	return true
}

// Leave removes a connection from the room's broadcast group.
func (r *Registry) Leave(roomID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if members, ok := r.rooms[roomID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
	if subs, ok := r.subs[connID]; ok {
		delete(subs, roomID)
	}
}

// Subscribed reports whether the connection currently subscribes to the room.
func (r *Registry) Subscribed(connID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subs[connID][roomID]
}

// Rooms returns the rooms a connection subscribes to.
func (r *Registry) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var rooms []string
	for roomID := range r.subs[connID] {
		rooms = append(rooms, roomID)
	}
	return rooms
}

// BroadcastRoom delivers a payload to every local connection subscribed to
// the room, skipping connections bound to excludeActor.
func (r *Registry) BroadcastRoom(roomID string, payload interface{}, excludeActor string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, conn := range r.rooms[roomID] {
		if excludeActor != "" && conn.Actor.ActorID == excludeActor {
			continue
		}
		if err := conn.Send(payload); err != nil {
			// Let the read loop observe the broken socket and run
			// the full disconnect path.
			r.log.Warn("room broadcast write failed", "room", roomID, "conn", conn.ID, "err", err)
		}
	}
}

// BroadcastAll delivers a payload to every local connection, skipping
// connections bound to excludeActor.
func (r *Registry) BroadcastAll(payload interface{}, excludeActor string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, conn := range r.conns {
		if excludeActor != "" && conn.Actor.ActorID == excludeActor {
			continue
		}
		if err := conn.Send(payload); err != nil {
			r.log.Warn("broadcast write failed", "conn", conn.ID, "err", err)
		}
	}
}

// SendToActor delivers a payload to every local connection of one actor.
func (r *Registry) SendToActor(actorID string, payload interface{}) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, conn := range r.conns {
		if conn.Actor.ActorID != actorID {
			continue
		}
		if err := conn.Send(payload); err != nil {
			r.log.Warn("actor send failed", "actor", actorID, "conn", conn.ID, "err", err)
		}
	}
}

// ActorOnline reports whether the actor has a live connection on this
// instance. Cluster-wide presence lives in the presence store.
func (r *Registry) ActorOnline(actorID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, conn := range r.conns {
		if conn.Actor.ActorID == actorID {
			return true
		}
	}
	return false
}
