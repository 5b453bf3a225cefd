package main

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"pixelverse-relay/protocol"
)

// Conn is the transport side of a session as seen by the relay core.
type Conn interface {
	// Send queues an encoded frame. It returns false when the frame was not
	// accepted (connection not ready or queue policy rejected it).
	Send(frame []byte) bool
	// Ready reports whether the connection is open for writes.
	Ready() bool
	Codec() protocol.Codec
	Close()
}

// Session is the server-side record of one connected client.
type Session struct {
	ID          string
	Name        string
	Character   map[string]any
	Position    protocol.Vec3
	Rotation    protocol.Vec3
	State       string
	Equipment   map[string]string
	ConnectedAt time.Time

	conn       Conn
	lastMoveAt time.Time
}

// View returns the broadcastable fields of the session. Maps are copied so
// the caller may hand the view to another goroutine.
func (s *Session) View() protocol.PlayerView {
	return protocol.PlayerView{
		ID:          s.ID,
		Name:        s.Name,
		Character:   cloneAnyMap(s.Character),
		Position:    s.Position,
		Rotation:    s.Rotation,
		State:       s.State,
		Equipment:   cloneStringMap(s.Equipment),
		ConnectedAt: s.ConnectedAt.UnixMilli(),
	}
}

// SessionPatch is a partial state update. Nil fields are left unchanged.
type SessionPatch struct {
	Name      *string
	Character map[string]any
	Position  *protocol.Vec3
	Rotation  *protocol.Vec3
	State     *string
	// Equipment is merged per slot; an empty item id clears the slot.
	Equipment map[string]string
}

// Peer pairs a session id with its connection for fan-out.
type Peer struct {
	ID   string
	Conn Conn
}

// Registry is the single source of truth for who is connected.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
	newID    func() string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Register stores default state for a new connection and returns its id.
// Ids are random UUIDs and never handed out twice by the registry.
func (r *Registry) Register(conn Conn, name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	for r.sessions[id] != nil {
		id = r.newID()
	}
	r.sessions[id] = &Session{
		ID:          id,
		Name:        name,
		State:       protocol.StateIdle,
		Equipment:   make(map[string]string),
		ConnectedAt: r.now(),
		conn:        conn,
	}
	return id
}

// Restore re-registers a parked session under its previous id. It fails if
// the id is live.
func (r *Registry) Restore(conn Conn, view protocol.PlayerView) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[view.ID]; ok {
		return false
	}
	equipment := cloneStringMap(view.Equipment)
	if equipment == nil {
		equipment = make(map[string]string)
	}
	r.sessions[view.ID] = &Session{
		ID:          view.ID,
		Name:        view.Name,
		Character:   cloneAnyMap(view.Character),
		Position:    view.Position,
		Rotation:    view.Rotation,
		State:       view.State,
		Equipment:   equipment,
		ConnectedAt: r.now(),
		conn:        conn,
	}
	return true
}

// Update merges the fields present in patch. A missing id is a no-op: it
// means the session disconnected while the message was in flight.
func (r *Registry) Update(id string, patch SessionPatch) (protocol.PlayerView, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return protocol.PlayerView{}, false
	}
	if patch.Name != nil {
		s.Name = *patch.Name
	}
	if patch.Character != nil {
		s.Character = cloneAnyMap(patch.Character)
	}
	if patch.Position != nil {
		s.Position = *patch.Position
		s.lastMoveAt = r.now()
	}
	if patch.Rotation != nil {
		s.Rotation = *patch.Rotation
	}
	if patch.State != nil {
		s.State = *patch.State
	}
	if patch.Equipment != nil {
		s.Equipment = cloneStringMap(patch.Equipment)
	}
	return s.View(), true
}

// Remove deletes the session and reports whether it existed.
func (r *Registry) Remove(id string) (protocol.PlayerView, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return protocol.PlayerView{}, false
	}
	delete(r.sessions, id)
	return s.View(), true
}

// Get returns the public view of one session.
func (r *Registry) Get(id string) (protocol.PlayerView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return protocol.PlayerView{}, false
	}
	return s.View(), true
}

// All returns the public views of every session, oldest connection first.
func (r *Registry) All() []protocol.PlayerView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]protocol.PlayerView, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s.View())
	}
	sortViews(list)
	return list
}

// Others returns every session except id, used for the welcome snapshot.
func (r *Registry) Others(id string) []protocol.PlayerView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]protocol.PlayerView, 0, len(r.sessions))
	for sid, s := range r.sessions {
		if sid == id {
			continue
		}
		list = append(list, s.View())
	}
	sortViews(list)
	return list
}

// Peers returns every live connection.
func (r *Registry) Peers() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]Peer, 0, len(r.sessions))
	for id, s := range r.sessions {
		peers = append(peers, Peer{ID: id, Conn: s.conn})
	}
	return peers
}

// Peer returns the connection of one session.
func (r *Registry) Peer(id string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return Peer{}, false
	}
	return Peer{ID: id, Conn: s.conn}, true
}

// LastMove returns where and when the session last reported a position.
func (r *Registry) LastMove(id string) (protocol.Vec3, time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return protocol.Vec3{}, time.Time{}, false
	}
	return s.Position, s.lastMoveAt, true
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func sortViews(list []protocol.PlayerView) {
	slices.SortFunc(list, func(a, b protocol.PlayerView) int {
		if a.ConnectedAt != b.ConnectedAt {
			if a.ConnectedAt < b.ConnectedAt {
				return -1
			}
			return 1
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
