package main

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"pixelverse-relay/protocol"
)

// closeGrace bounds how long a closing connection waits for the peer to
// answer its close frame.
const closeGrace = 2 * time.Second

// Connection lifecycle. CLOSED is terminal.
const (
	stateConnecting int32 = iota
	stateActive
	stateClosed
)

// Client represents a WebSocket connection
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	outbox     *Outbox
	codec      protocol.Codec
	limiter    *rate.Limiter
	remoteAddr string

	// Requested at upgrade time.
	name     string
	resumeID string

	// id is assigned and read by the hub goroutine only.
	id    string
	state atomic.Int32

	closeMu   sync.Mutex
	closeSet  bool
	closeCode int
	closeText string

	// readDone is closed when the read pump exits.
	readDone chan struct{}
}

// NewClient creates a new Client
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, codec protocol.Codec) *Client {
	c := &Client{
		hub:        hub,
		conn:       conn,
		outbox:     NewOutbox(hub.cfg.OutboundQueue, hub.cfg.OverflowPolicy),
		codec:      codec,
		limiter:    rate.NewLimiter(rate.Limit(hub.cfg.MessagesPerSecond), hub.cfg.MessagesPerSecond),
		remoteAddr: remoteAddr,
		closeCode:  websocket.CloseNormalClosure,
		readDone:   make(chan struct{}),
	}
	c.outbox.onOverflow = c.overflowed
	return c
}

// Send implements Conn.
func (c *Client) Send(frame []byte) bool {
	if !c.Ready() {
		return false
	}
	return c.outbox.Push(frame)
}

// Ready implements Conn.
func (c *Client) Ready() bool {
	return c.state.Load() == stateActive && !c.outbox.Closed()
}

// Dropped returns how many outbound frames overflowed the queue.
func (c *Client) Dropped() uint64 {
	return c.outbox.Dropped()
}

// Codec implements Conn.
func (c *Client) Codec() protocol.Codec {
	return c.codec
}

// Close implements Conn. The write pump sends a close frame and the read
// pump then reports the session gone.
func (c *Client) Close() {
	c.closeWith(websocket.CloseNormalClosure, "")
}

func (c *Client) closeWith(code int, text string) {
	c.setCloseReason(code, text)
	c.outbox.Close()
}

// setCloseReason records the close frame to send. The first reason wins.
func (c *Client) setCloseReason(code int, text string) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closeSet {
		return
	}
	c.closeSet = true
	c.closeCode = code
	c.closeText = text
}

func (c *Client) closeFrame() []byte {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return websocket.FormatCloseMessage(c.closeCode, c.closeText)
}

// overflowed runs on the hub goroutine, which is the only sender.
func (c *Client) overflowed(policy OverflowPolicy) {
	if policy == Disconnect {
		c.setCloseReason(websocket.CloseTryAgainLater, "outbound queue overflow")
		c.hub.logger.Printf("relay: %s outbound queue full, disconnecting", c.remoteAddr)
		c.hub.track(EvtQueueClose, c.id)
		return
	}
	c.hub.track(EvtQueueDrop, c.id)
}

// ReadPump reads messages from the WebSocket connection
func (c *Client) ReadPump() {
	// The write pump owns the socket: it sends the close frame and then
	// closes the connection once the outbox is closed and this pump is done.
	left := false
	defer func() {
		c.hub.TrackDisconnect(c.remoteAddr)
		if !left {
			c.hub.leave(c)
		}
		c.outbox.Close()
		close(c.readDone)
	}()

	pongWait := c.hub.cfg.PongWait
	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		if !c.outbox.Closed() {
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
		}
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Printf("relay: ws error from %s: %v", c.remoteAddr, err)
			}
			break
		}

		if c.outbox.Closed() {
			// Closing from our side: discard input until the peer answers
			// the close frame.
			if !left {
				left = true
				c.hub.leave(c)
				c.conn.SetReadDeadline(time.Now().Add(closeGrace))
			}
			continue
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !c.limiter.Allow() {
			c.hub.logger.Printf("relay: rate limit exceeded for %s, disconnecting", c.remoteAddr)
			c.hub.track(EvtRateLimited, "")
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			continue
		}
		if !c.hub.deliver(c, message) {
			break
		}
	}
}

// WritePump writes messages to the WebSocket connection
func (c *Client) WritePump() {
	writeWait := c.hub.cfg.WriteWait
	ticker := time.NewTicker(c.hub.cfg.PingPeriod())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	frameType := websocket.TextMessage
	if c.codec.Binary() {
		frameType = websocket.BinaryMessage
	}

	for {
		select {
		case message, ok := <-c.outbox.C():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, c.closeFrame())
				c.awaitReader()
				return
			}
			if err := c.conn.WriteMessage(frameType, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// awaitReader lets the read pump consume the peer's remaining input and
// close reply. Closing with unread input resets the connection and the
// peer never sees the close code.
func (c *Client) awaitReader() {
	t := time.NewTimer(closeGrace)
	defer t.Stop()
	select {
	case <-c.readDone:
	case <-t.C:
	}
}
