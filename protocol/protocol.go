// Package protocol defines the relay wire format shared by the server and
// its clients. Every frame is an envelope with exactly two fields, "type"
// and "data".
package protocol

// Version is reported in every welcome message. Bump it when a payload
// shape changes incompatibly.
const Version = 1

// Client -> Server message types
const (
	MsgJoin            = "join"
	MsgHandshake       = "handshake"
	MsgStateUpdate     = "state_update"
	MsgCharacterUpdate = "character_update"
	MsgEquipmentUpdate = "equipment_update"
	MsgAnimation       = "animation"
	MsgChat            = "chat"
	MsgPing            = "ping"
)

// Server -> Client message types. state_update, character_update,
// equipment_update, animation and chat are reused in both directions.
const (
	MsgWelcome      = "welcome"
	MsgPlayerJoined = "player_joined"
	MsgPlayerLeft   = "player_left"
	MsgPong         = "pong"
	MsgError        = "error"
)

// Body states a client commonly reports. The relay does not restrict
// state_update to these.
const (
	StateIdle = "idle"
	StateWalk = "walk"
	StateRun  = "run"
)

// Envelope wraps all outgoing messages with a type field
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Frame is an inbound envelope whose payload has not been decoded yet.
type Frame struct {
	Type string
	Data []byte
}

// PlayerView is the broadcastable projection of a session.
type PlayerView struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Character   map[string]any    `json:"character"`
	Position    Vec3              `json:"position"`
	Rotation    Vec3              `json:"rotation"`
	State       string            `json:"state"`
	Equipment   map[string]string `json:"equipment"`
	ConnectedAt int64             `json:"connectedAt"` // unix millis
}

// WelcomeMsg is sent to a client right after it connects, and again in
// reply to join/handshake. Players lists every other session.
type WelcomeMsg struct {
	PlayerID        string       `json:"playerId"`
	ProtocolVersion int          `json:"protocolVersion"`
	Players         []PlayerView `json:"players"`
	ResumeToken     string       `json:"resumeToken,omitempty"`
	Resumed         bool         `json:"resumed,omitempty"`
	Message         string       `json:"message,omitempty"`
}

// PlayerJoinedMsg announces a new (or resumed) session to its peers.
type PlayerJoinedMsg struct {
	PlayerID  string            `json:"playerId"`
	Name      string            `json:"name"`
	Character map[string]any    `json:"character"`
	Position  Vec3              `json:"position"`
	Rotation  Vec3              `json:"rotation"`
	State     string            `json:"state"`
	Equipment map[string]string `json:"equipment"`
}

// PlayerLeftMsg announces a closed session.
type PlayerLeftMsg struct {
	PlayerID string `json:"playerId"`
}

// StateBroadcast carries a session's movement state after a merge.
type StateBroadcast struct {
	PlayerID string `json:"playerId"`
	Position Vec3   `json:"position"`
	Rotation Vec3   `json:"rotation"`
	State    string `json:"state"`
}

// CharacterBroadcast carries a session's character description.
type CharacterBroadcast struct {
	PlayerID  string         `json:"playerId"`
	Name      string         `json:"name"`
	Character map[string]any `json:"character"`
}

// EquipmentBroadcast carries a session's full equipment map after a merge.
type EquipmentBroadcast struct {
	PlayerID  string            `json:"playerId"`
	Equipment map[string]string `json:"equipment"`
}

// AnimationBroadcast relays a one-shot animation cue.
type AnimationBroadcast struct {
	PlayerID  string `json:"playerId"`
	Animation string `json:"animation"`
}

// ChatBroadcast is sent to every session, the author included.
type ChatBroadcast struct {
	PlayerID  string `json:"playerId"`
	Name      string `json:"name"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"` // unix millis, server clock
}

// PongMsg echoes the correlation id of a ping.
type PongMsg struct {
	PingID any `json:"pingId"`
}

// ErrorMsg sends error to client
type ErrorMsg struct {
	Message string `json:"message"`
}
