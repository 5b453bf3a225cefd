// Package relayclient connects to a relay, keeps a mirror of every other
// session and smooths their motion between updates.
package relayclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/exp/slices"

	"pixelverse-relay/protocol"
)

// DefaultPingInterval is how often a client measures latency.
const DefaultPingInterval = 2 * time.Second

const (
	writeWait      = 10 * time.Second
	maxPendingPing = 32
)

var (
	// ErrClosed is returned by sends after the connection has gone.
	ErrClosed = errors.New("relayclient: connection closed")
	// ErrNoWelcome is returned by Dial when the first frame is not a welcome.
	ErrNoWelcome = errors.New("relayclient: expected welcome")
)

// Options configure Dial.
type Options struct {
	Name        string
	Codec       protocol.Codec // nil means JSON
	ResumeToken string

	// PingInterval of 0 uses DefaultPingInterval. Negative disables the
	// ping loop; Ping can still be called by hand.
	PingInterval time.Duration

	Dialer      *websocket.Dialer
	Logger      *log.Logger
	EventBuffer int
}

// Event is every frame received after the welcome, in arrival order.
type Event struct {
	Type     string
	PlayerID string
	Chat     *protocol.ChatBroadcast
	Error    string
}

// Remote mirrors one other session. Position and Rotation are the rendered
// values; the Target fields are the last reported ones.
type Remote struct {
	ID             string
	Name           string
	Character      map[string]any
	Equipment      map[string]string
	State          string
	Animation      string
	Position       protocol.Vec3
	Rotation       protocol.Vec3
	TargetPosition protocol.Vec3
	TargetRotation protocol.Vec3
}

// Client is a relay connection.
type Client struct {
	conn      *websocket.Conn
	codec     protocol.Codec
	frameType int
	logger    *log.Logger

	id          string
	resumeToken string
	resumed     bool
	version     int

	writeMu sync.Mutex

	mu       sync.Mutex
	remotes  map[string]*Remote
	pending  map[int64]time.Time
	nextPing int64
	latency  time.Duration

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	err       error
	wg        sync.WaitGroup
}

// Dial connects to a relay websocket URL and waits for the welcome.
func Dial(ctx context.Context, rawURL string, opts Options) (*Client, error) {
	codec := opts.Codec
	if codec == nil {
		codec = protocol.JSON
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("relayclient: parse url: %w", err)
	}
	q := u.Query()
	if opts.Name != "" {
		q.Set("name", opts.Name)
	}
	if codec != protocol.JSON {
		q.Set("codec", codec.Name())
	}
	if opts.ResumeToken != "" {
		q.Set("resume", opts.ResumeToken)
	}
	u.RawQuery = q.Encode()

	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("relayclient: dial %s: %w", u.Redacted(), err)
	}

	c := &Client{
		conn:      conn,
		codec:     codec,
		frameType: websocket.TextMessage,
		logger:    opts.Logger,
		remotes:   make(map[string]*Remote),
		pending:   make(map[int64]time.Time),
		events:    make(chan Event, max(opts.EventBuffer, 64)),
		done:      make(chan struct{}),
	}
	if codec.Binary() {
		c.frameType = websocket.BinaryMessage
	}
	if c.logger == nil {
		c.logger = log.Default()
	}

	if err := c.readWelcome(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	c.wg.Add(1)
	go c.readLoop()

	interval := opts.PingInterval
	if interval == 0 {
		interval = DefaultPingInterval
	}
	if interval > 0 {
		c.wg.Add(1)
		go c.pingLoop(interval)
	}
	return c, nil
}

func (c *Client) readWelcome(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
	}
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("relayclient: read welcome: %w", err)
	}
	c.conn.SetReadDeadline(time.Time{})

	frame, err := c.codec.DecodeEnvelope(raw)
	if err != nil {
		return fmt.Errorf("relayclient: decode welcome: %w", err)
	}
	if frame.Type != protocol.MsgWelcome {
		return fmt.Errorf("%w, got %q", ErrNoWelcome, frame.Type)
	}
	var w protocol.WelcomeMsg
	if err := c.codec.Unmarshal(frame.Data, &w); err != nil {
		return fmt.Errorf("relayclient: decode welcome: %w", err)
	}
	c.applyWelcome(w)
	return nil
}

// ID returns the session id assigned by the relay.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// ResumeToken returns the latest token for reclaiming this session.
func (c *Client) ResumeToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumeToken
}

// Resumed reports whether the relay restored a previous session.
func (c *Client) Resumed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumed
}

// ProtocolVersion returns the version announced in the welcome.
func (c *Client) ProtocolVersion() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Events delivers received frames. Events are dropped when nobody reads.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil after Close.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Latency returns the last measured round trip, or 0 before the first pong.
func (c *Client) Latency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latency
}

// Remotes returns a copy of every mirrored session, ordered by id.
func (c *Client) Remotes() []Remote {
	c.mu.Lock()
	out := make([]Remote, 0, len(c.remotes))
	for _, r := range c.remotes {
		cp := *r
		cp.Character = cloneAny(r.Character)
		cp.Equipment = cloneStrings(r.Equipment)
		out = append(out, cp)
	}
	c.mu.Unlock()
	slices.SortFunc(out, func(a, b Remote) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Remote returns the mirror of one session.
func (c *Client) Remote(id string) (Remote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.remotes[id]
	if !ok {
		return Remote{}, false
	}
	cp := *r
	cp.Character = cloneAny(r.Character)
	cp.Equipment = cloneStrings(r.Equipment)
	return cp, true
}

func (c *Client) send(msgType string, payload any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	data, err := c.codec.Marshal(protocol.Envelope{Type: msgType, Data: payload})
	if err != nil {
		return fmt.Errorf("relayclient: encode %s: %w", msgType, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(c.frameType, data); err != nil {
		return fmt.Errorf("relayclient: write %s: %w", msgType, err)
	}
	return nil
}

// Join asks for a fresh welcome, optionally renaming the session.
func (c *Client) Join(name string) error {
	return c.send(protocol.MsgJoin, protocol.JoinMsg{PlayerName: name})
}

// SendState reports position, rotation and body state.
func (c *Client) SendState(position, rotation protocol.Vec3, state string) error {
	return c.send(protocol.MsgStateUpdate, protocol.StateUpdateMsg{
		Position: &position,
		Rotation: &rotation,
		State:    state,
	})
}

// SendCharacter replaces the character description. An empty name keeps
// the current one.
func (c *Client) SendCharacter(name string, character map[string]any) error {
	return c.send(protocol.MsgCharacterUpdate, protocol.CharacterUpdateMsg{Character: character, Name: name})
}

// SendEquipment replaces the session's loadout. Slots left out are
// unequipped.
func (c *Client) SendEquipment(equipment map[string]string) error {
	return c.send(protocol.MsgEquipmentUpdate, protocol.EquipmentUpdateMsg{Equipment: equipment})
}

// SendAnimation plays a one-shot animation on peers.
func (c *Client) SendAnimation(name string) error {
	return c.send(protocol.MsgAnimation, protocol.AnimationMsg{Animation: name})
}

// SendChat sends a chat line to every session.
func (c *Client) SendChat(message string) error {
	return c.send(protocol.MsgChat, protocol.ChatMsg{Message: message})
}

// Ping sends a ping now. Latency is updated when the pong arrives.
func (c *Client) Ping() error {
	c.mu.Lock()
	c.nextPing++
	id := c.nextPing
	c.pending[id] = time.Now()
	if len(c.pending) > maxPendingPing {
		delete(c.pending, id-maxPendingPing)
	}
	c.mu.Unlock()
	return c.send(protocol.MsgPing, protocol.PingMsg{PingID: id})
}

// Close sends a close frame and waits for the background loops to stop.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	c.shutdown(nil)
	c.wg.Wait()
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) pingLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Ping(); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = nil
			}
			c.shutdown(err)
			return
		}
		if err := c.handle(raw); err != nil {
			c.logger.Printf("relayclient: %v", err)
		}
	}
}

type pongPayload struct {
	PingID int64 `json:"pingId"`
}

func (c *Client) handle(raw []byte) error {
	frame, err := c.codec.DecodeEnvelope(raw)
	if err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	evt := Event{Type: frame.Type}

	switch frame.Type {
	case protocol.MsgWelcome:
		var m protocol.WelcomeMsg
		if err := c.codec.Unmarshal(frame.Data, &m); err != nil {
			return fmt.Errorf("decode %s: %w", frame.Type, err)
		}
		c.applyWelcome(m)
		evt.PlayerID = m.PlayerID

	case protocol.MsgPlayerJoined:
		var m protocol.PlayerJoinedMsg
		if err := c.codec.Unmarshal(frame.Data, &m); err != nil {
			return fmt.Errorf("decode %s: %w", frame.Type, err)
		}
		c.mu.Lock()
		c.remotes[m.PlayerID] = &Remote{
			ID:             m.PlayerID,
			Name:           m.Name,
			Character:      m.Character,
			Equipment:      m.Equipment,
			State:          m.State,
			Position:       m.Position,
			Rotation:       m.Rotation,
			TargetPosition: m.Position,
			TargetRotation: m.Rotation,
		}
		c.mu.Unlock()
		evt.PlayerID = m.PlayerID

	case protocol.MsgPlayerLeft:
		var m protocol.PlayerLeftMsg
		if err := c.codec.Unmarshal(frame.Data, &m); err != nil {
			return fmt.Errorf("decode %s: %w", frame.Type, err)
		}
		c.mu.Lock()
		delete(c.remotes, m.PlayerID)
		c.mu.Unlock()
		evt.PlayerID = m.PlayerID

	case protocol.MsgStateUpdate:
		var m protocol.StateBroadcast
		if err := c.codec.Unmarshal(frame.Data, &m); err != nil {
			return fmt.Errorf("decode %s: %w", frame.Type, err)
		}
		c.withRemote(m.PlayerID, func(r *Remote) {
			r.TargetPosition = m.Position
			r.TargetRotation = m.Rotation
			r.State = m.State
		})
		evt.PlayerID = m.PlayerID

	case protocol.MsgCharacterUpdate:
		var m protocol.CharacterBroadcast
		if err := c.codec.Unmarshal(frame.Data, &m); err != nil {
			return fmt.Errorf("decode %s: %w", frame.Type, err)
		}
		c.withRemote(m.PlayerID, func(r *Remote) {
			r.Name = m.Name
			r.Character = m.Character
		})
		evt.PlayerID = m.PlayerID

	case protocol.MsgEquipmentUpdate:
		var m protocol.EquipmentBroadcast
		if err := c.codec.Unmarshal(frame.Data, &m); err != nil {
			return fmt.Errorf("decode %s: %w", frame.Type, err)
		}
		c.withRemote(m.PlayerID, func(r *Remote) {
			r.Equipment = m.Equipment
		})
		evt.PlayerID = m.PlayerID

	case protocol.MsgAnimation:
		var m protocol.AnimationBroadcast
		if err := c.codec.Unmarshal(frame.Data, &m); err != nil {
			return fmt.Errorf("decode %s: %w", frame.Type, err)
		}
		c.withRemote(m.PlayerID, func(r *Remote) {
			r.Animation = m.Animation
		})
		evt.PlayerID = m.PlayerID

	case protocol.MsgChat:
		var m protocol.ChatBroadcast
		if err := c.codec.Unmarshal(frame.Data, &m); err != nil {
			return fmt.Errorf("decode %s: %w", frame.Type, err)
		}
		evt.PlayerID = m.PlayerID
		evt.Chat = &m

	case protocol.MsgPong:
		var m pongPayload
		if err := c.codec.Unmarshal(frame.Data, &m); err != nil {
			return fmt.Errorf("decode %s: %w", frame.Type, err)
		}
		c.mu.Lock()
		if sent, ok := c.pending[m.PingID]; ok {
			c.latency = time.Since(sent)
			delete(c.pending, m.PingID)
		}
		c.mu.Unlock()

	case protocol.MsgError:
		var m protocol.ErrorMsg
		if err := c.codec.Unmarshal(frame.Data, &m); err != nil {
			return fmt.Errorf("decode %s: %w", frame.Type, err)
		}
		evt.Error = m.Message
	}

	select {
	case c.events <- evt:
	default:
	}
	return nil
}

// applyWelcome replaces the mirror with the snapshot. Remotes already known
// keep their rendered pose and glide to the snapshot.
func (c *Client) applyWelcome(w protocol.WelcomeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.id = w.PlayerID
	c.version = w.ProtocolVersion
	c.resumed = w.Resumed
	if w.ResumeToken != "" {
		c.resumeToken = w.ResumeToken
	}

	next := make(map[string]*Remote, len(w.Players))
	for _, p := range w.Players {
		r := &Remote{
			ID:             p.ID,
			Name:           p.Name,
			Character:      p.Character,
			Equipment:      p.Equipment,
			State:          p.State,
			Position:       p.Position,
			Rotation:       p.Rotation,
			TargetPosition: p.Position,
			TargetRotation: p.Rotation,
		}
		if prev, ok := c.remotes[p.ID]; ok {
			r.Position = prev.Position
			r.Rotation = prev.Rotation
			r.Animation = prev.Animation
		}
		next[p.ID] = r
	}
	c.remotes = next
}

func (c *Client) withRemote(id string, fn func(*Remote)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.remotes[id]; ok {
		fn(r)
	}
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneAny(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
