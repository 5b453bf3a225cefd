package main

import (
	"log"

	"pixelverse-relay/protocol"
)

// PeerSource is the part of the registry the broadcaster needs.
type PeerSource interface {
	Peers() []Peer
	Peer(id string) (Peer, bool)
}

// Broadcaster fans messages out to sessions. It encodes each message at
// most once per codec.
type Broadcaster struct {
	peers  PeerSource
	logger *log.Logger
}

// NewBroadcaster creates a broadcaster over the given peers.
func NewBroadcaster(peers PeerSource, logger *log.Logger) *Broadcaster {
	if logger == nil {
		logger = log.Default()
	}
	return &Broadcaster{peers: peers, logger: logger}
}

// Broadcast sends env to every ready session except exclude. An empty
// exclude sends to everyone. It returns the number of sessions that
// accepted the frame.
func (b *Broadcaster) Broadcast(env protocol.Envelope, exclude string) int {
	frames := make(map[string][]byte, 2)
	sent := 0
	for _, p := range b.peers.Peers() {
		if p.ID == exclude || p.Conn == nil || !p.Conn.Ready() {
			continue
		}
		frame, ok := b.encode(frames, p.Conn.Codec(), env)
		if !ok {
			continue
		}
		if p.Conn.Send(frame) {
			sent++
		}
	}
	return sent
}

// SendTo sends env to one session. Missing or closed sessions are skipped.
func (b *Broadcaster) SendTo(id string, env protocol.Envelope) bool {
	p, ok := b.peers.Peer(id)
	if !ok || p.Conn == nil || !p.Conn.Ready() {
		return false
	}
	frame, ok := b.encode(nil, p.Conn.Codec(), env)
	if !ok {
		return false
	}
	return p.Conn.Send(frame)
}

func (b *Broadcaster) encode(cache map[string][]byte, codec protocol.Codec, env protocol.Envelope) ([]byte, bool) {
	if frame, ok := cache[codec.Name()]; ok {
		return frame, frame != nil
	}
	frame, err := codec.Marshal(env)
	if err != nil {
		b.logger.Printf("relay: marshal %s as %s: %v", env.Type, codec.Name(), err)
		if cache != nil {
			cache[codec.Name()] = nil
		}
		return nil, false
	}
	if cache != nil {
		cache[codec.Name()] = frame
	}
	return frame, true
}
