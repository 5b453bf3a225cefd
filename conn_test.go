package main

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"pixelverse-relay/protocol"
)

// fakeConn records frames instead of writing them to a socket.
type fakeConn struct {
	mu     sync.Mutex
	codec  protocol.Codec
	ready  bool
	closed  bool
	dropped uint64
	frames  [][]byte
}

func newFakeConn(codec protocol.Codec) *fakeConn {
	if codec == nil {
		codec = protocol.JSON
	}
	return &fakeConn{codec: codec, ready: true}
}

func (c *fakeConn) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready || c.closed {
		return false
	}
	c.frames = append(c.frames, frame)
	return true
}

func (c *fakeConn) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready && !c.closed
}

func (c *fakeConn) Codec() protocol.Codec { return c.codec }

func (c *fakeConn) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// take returns and clears the recorded frames, decoded to envelopes.
func (c *fakeConn) take(t *testing.T) []decodedFrame {
	t.Helper()
	c.mu.Lock()
	frames := c.frames
	c.frames = nil
	c.mu.Unlock()

	out := make([]decodedFrame, 0, len(frames))
	for _, raw := range frames {
		f, err := c.codec.DecodeEnvelope(raw)
		require.NoError(t, err)
		var data map[string]any
		if len(f.Data) > 0 {
			require.NoError(t, c.codec.Unmarshal(f.Data, &data))
		}
		out = append(out, decodedFrame{Type: f.Type, Data: data})
	}
	return out
}

type decodedFrame struct {
	Type string
	Data map[string]any
}

// fakeTracker counts tracked events by type.
type fakeTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

func (f *fakeTracker) Track(evtType, sessionID, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts == nil {
		f.counts = make(map[string]int)
	}
	f.counts[evtType]++
}

func (f *fakeTracker) count(evtType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[evtType]
}
