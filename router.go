package main

import (
	"errors"
	"log"
	"time"

	"pixelverse-relay/protocol"
)

const welcomeText = "Welcome to PixelVerse!"

// EventTracker records relay events. *Analytics implements it.
type EventTracker interface {
	Track(evtType, sessionID, data string)
}

// Router decodes inbound frames and dispatches them by message type. Every
// handler either queues sends or returns; none blocks.
type Router struct {
	registry *Registry
	out      *Broadcaster
	events   EventTracker
	logger   *log.Logger
	maxSpeed float64
	now      func() time.Time
}

// NewRouter wires a router to the registry and broadcaster it mutates and
// sends through. maxSpeed of 0 accepts any reported movement.
func NewRouter(registry *Registry, out *Broadcaster, events EventTracker, logger *log.Logger, maxSpeed float64) *Router {
	if logger == nil {
		logger = log.Default()
	}
	return &Router{
		registry: registry,
		out:      out,
		events:   events,
		logger:   logger,
		maxSpeed: maxSpeed,
		now:      time.Now,
	}
}

// Route handles one raw frame from sessionID. Malformed or unknown frames
// are logged and dropped; the connection stays open.
func (r *Router) Route(sessionID string, raw []byte) {
	peer, ok := r.registry.Peer(sessionID)
	if !ok {
		return
	}
	msg, err := protocol.Decode(peer.Conn.Codec(), raw)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			r.logger.Printf("relay: ignoring message from %s: %v", sessionID, err)
			r.track(EvtUnknownType, sessionID)
			return
		}
		r.logger.Printf("relay: dropping frame from %s: %v", sessionID, err)
		r.track(EvtMalformed, sessionID)
		return
	}

	switch m := msg.(type) {
	case *protocol.JoinMsg:
		r.handleJoin(sessionID, m)
	case *protocol.StateUpdateMsg:
		r.handleStateUpdate(sessionID, m)
	case *protocol.CharacterUpdateMsg:
		r.handleCharacterUpdate(sessionID, m)
	case *protocol.EquipmentUpdateMsg:
		r.handleEquipmentUpdate(sessionID, m)
	case *protocol.AnimationMsg:
		r.handleAnimation(sessionID, m)
	case *protocol.ChatMsg:
		r.handleChat(sessionID, m)
	case *protocol.PingMsg:
		r.out.SendTo(sessionID, protocol.Envelope{Type: protocol.MsgPong, Data: protocol.PongMsg{PingID: m.PingID}})
	}
}

func (r *Router) handleJoin(id string, m *protocol.JoinMsg) {
	if m.PlayerName != "" {
		name := SanitizeName(m.PlayerName)
		if _, ok := r.registry.Update(id, SessionPatch{Name: &name}); !ok {
			return
		}
	}
	r.out.SendTo(id, protocol.Envelope{Type: protocol.MsgWelcome, Data: protocol.WelcomeMsg{
		PlayerID:        id,
		ProtocolVersion: protocol.Version,
		Players:         r.registry.Others(id),
		Message:         welcomeText,
	}})
}

func (r *Router) handleStateUpdate(id string, m *protocol.StateUpdateMsg) {
	patch := SessionPatch{}
	if m.Position != nil {
		if !m.Position.Finite() {
			r.reject(id, "invalid position")
			return
		}
		if !r.plausible(id, *m.Position) {
			r.track(EvtRejectedMove, id)
			r.reject(id, "implausible movement")
			return
		}
		patch.Position = m.Position
	}
	if m.Rotation != nil {
		if !m.Rotation.Finite() {
			r.reject(id, "invalid rotation")
			return
		}
		patch.Rotation = m.Rotation
	}
	if m.State != "" {
		state := truncateRunes(m.State, maxStateLen)
		patch.State = &state
	}

	view, ok := r.registry.Update(id, patch)
	if !ok {
		return
	}
	r.out.Broadcast(protocol.Envelope{Type: protocol.MsgStateUpdate, Data: protocol.StateBroadcast{
		PlayerID: id,
		Position: view.Position,
		Rotation: view.Rotation,
		State:    view.State,
	}}, id)
}

func (r *Router) handleCharacterUpdate(id string, m *protocol.CharacterUpdateMsg) {
	character, err := protocol.NormalizeMap(m.Character)
	if err != nil {
		r.logger.Printf("relay: dropping character from %s: %v", id, err)
		r.track(EvtMalformed, id)
		r.reject(id, "invalid character data")
		return
	}
	patch := SessionPatch{Character: character}
	if m.Name != "" {
		name := SanitizeName(m.Name)
		patch.Name = &name
	}
	view, ok := r.registry.Update(id, patch)
	if !ok {
		return
	}
	r.out.Broadcast(protocol.Envelope{Type: protocol.MsgCharacterUpdate, Data: protocol.CharacterBroadcast{
		PlayerID:  id,
		Name:      view.Name,
		Character: view.Character,
	}}, id)
}

func (r *Router) handleEquipmentUpdate(id string, m *protocol.EquipmentUpdateMsg) {
	view, ok := r.registry.Update(id, SessionPatch{Equipment: sanitizeEquipment(m.Equipment)})
	if !ok {
		return
	}
	r.out.Broadcast(protocol.Envelope{Type: protocol.MsgEquipmentUpdate, Data: protocol.EquipmentBroadcast{
		PlayerID:  id,
		Equipment: view.Equipment,
	}}, id)
}

func (r *Router) handleAnimation(id string, m *protocol.AnimationMsg) {
	if m.Animation == "" {
		return
	}
	r.out.Broadcast(protocol.Envelope{Type: protocol.MsgAnimation, Data: protocol.AnimationBroadcast{
		PlayerID:  id,
		Animation: truncateRunes(m.Animation, maxAnimLen),
	}}, id)
}

func (r *Router) handleChat(id string, m *protocol.ChatMsg) {
	text, ok := SanitizeChat(m.Message)
	if !ok {
		r.reject(id, "Invalid chat message")
		return
	}
	view, ok := r.registry.Get(id)
	if !ok {
		return
	}
	r.track(EvtChat, id)
	r.out.Broadcast(protocol.Envelope{Type: protocol.MsgChat, Data: protocol.ChatBroadcast{
		PlayerID:  id,
		Name:      view.Name,
		Message:   text,
		Timestamp: r.now().UnixMilli(),
	}}, "")
}

// plausible rejects positions that would need more than maxSpeed to reach
// from the last accepted one. The first report after connect is free.
func (r *Router) plausible(id string, next protocol.Vec3) bool {
	if r.maxSpeed <= 0 {
		return true
	}
	prev, at, ok := r.registry.LastMove(id)
	if !ok || at.IsZero() {
		return true
	}
	elapsed := r.now().Sub(at).Seconds()
	if elapsed < minMoveInterval {
		elapsed = minMoveInterval
	}
	return protocol.Distance(prev, next)/elapsed <= r.maxSpeed
}

// minMoveInterval bounds the divisor for back-to-back updates.
const minMoveInterval = 0.05

func (r *Router) reject(id, reason string) {
	r.out.SendTo(id, protocol.Envelope{Type: protocol.MsgError, Data: protocol.ErrorMsg{Message: reason}})
}

func (r *Router) track(evt, id string) {
	if r.events != nil {
		r.events.Track(evt, id, "")
	}
}
