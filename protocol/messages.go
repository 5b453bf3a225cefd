package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed is returned when a frame cannot be parsed at all.
	ErrMalformed = errors.New("malformed frame")
	// ErrMissingType is returned when a frame parses but has no type.
	ErrMissingType = errors.New("missing message type")
	// ErrUnknownType is returned for a type outside the inbound set.
	ErrUnknownType = errors.New("unknown message type")
)

// Message is one of the inbound client message variants. The set is
// closed: only types in this package implement it.
type Message interface {
	MessageType() string
	inbound()
}

// JoinMsg is sent as join or handshake. Both get a reply-only welcome.
type JoinMsg struct {
	Kind       string `json:"-"`
	PlayerName string `json:"playerName,omitempty"`
	Version    string `json:"version,omitempty"`
}

// StateUpdateMsg reports movement. Absent fields keep their previous value.
type StateUpdateMsg struct {
	Position *Vec3  `json:"position,omitempty"`
	Rotation *Vec3  `json:"rotation,omitempty"`
	State    string `json:"state,omitempty"`
}

// CharacterUpdateMsg replaces the session's character description and may
// rename it.
type CharacterUpdateMsg struct {
	Character map[string]any `json:"character"`
	Name      string         `json:"name,omitempty"`
}

// EquipmentUpdateMsg carries the full loadout and replaces the stored map.
// Slots left out are unequipped.
type EquipmentUpdateMsg struct {
	Equipment map[string]string `json:"equipment"`
}

// AnimationMsg is relayed to peers and never stored.
type AnimationMsg struct {
	Animation string `json:"animation"`
}

// ChatMsg is relayed to everyone and never stored.
type ChatMsg struct {
	Message string `json:"message"`
}

// PingMsg carries an opaque correlation id echoed back in the pong.
type PingMsg struct {
	PingID any `json:"pingId"`
}

func (m *JoinMsg) MessageType() string {
	if m.Kind == "" {
		return MsgJoin
	}
	return m.Kind
}
func (*StateUpdateMsg) MessageType() string     { return MsgStateUpdate }
func (*CharacterUpdateMsg) MessageType() string { return MsgCharacterUpdate }
func (*EquipmentUpdateMsg) MessageType() string { return MsgEquipmentUpdate }
func (*AnimationMsg) MessageType() string       { return MsgAnimation }
func (*ChatMsg) MessageType() string            { return MsgChat }
func (*PingMsg) MessageType() string            { return MsgPing }

func (*JoinMsg) inbound()            {}
func (*StateUpdateMsg) inbound()     {}
func (*CharacterUpdateMsg) inbound() {}
func (*EquipmentUpdateMsg) inbound() {}
func (*AnimationMsg) inbound()       {}
func (*ChatMsg) inbound()            {}
func (*PingMsg) inbound()            {}

var inboundTypes = map[string]func() Message{
	MsgJoin:            func() Message { return &JoinMsg{Kind: MsgJoin} },
	MsgHandshake:       func() Message { return &JoinMsg{Kind: MsgHandshake} },
	MsgStateUpdate:     func() Message { return &StateUpdateMsg{} },
	MsgCharacterUpdate: func() Message { return &CharacterUpdateMsg{} },
	MsgEquipmentUpdate: func() Message { return &EquipmentUpdateMsg{} },
	MsgAnimation:       func() Message { return &AnimationMsg{} },
	MsgChat:            func() Message { return &ChatMsg{} },
	MsgPing:            func() Message { return &PingMsg{} },
}

// Decode parses a raw frame into a known message variant. The returned
// error wraps ErrMalformed, ErrMissingType or ErrUnknownType.
func Decode(codec Codec, raw []byte) (Message, error) {
	frame, err := codec.DecodeEnvelope(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if frame.Type == "" {
		return nil, ErrMissingType
	}
	newMsg, ok := inboundTypes[frame.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, frame.Type)
	}
	msg := newMsg()
	if len(frame.Data) > 0 {
		if err := codec.Unmarshal(frame.Data, msg); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformed, frame.Type, err)
		}
	}
	return msg, nil
}
