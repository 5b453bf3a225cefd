package main

import (
	"sync"
	"time"

	"pixelverse-relay/protocol"
)

type parkedSession struct {
	view      protocol.PlayerView
	expiresAt time.Time
}

// ResumeStore keeps the public state of recently closed sessions so a
// reconnecting client can reclaim its id within the grace window.
type ResumeStore struct {
	mu     sync.Mutex
	grace  time.Duration
	parked map[string]parkedSession
	now    func() time.Time
}

// NewResumeStore creates a store; a zero grace disables parking.
func NewResumeStore(grace time.Duration) *ResumeStore {
	return &ResumeStore{
		grace:  grace,
		parked: make(map[string]parkedSession),
		now:    time.Now,
	}
}

// Enabled reports whether sessions are parked at all.
func (s *ResumeStore) Enabled() bool {
	return s.grace > 0
}

// Park stores view until the grace window ends.
func (s *ResumeStore) Park(view protocol.PlayerView) {
	if !s.Enabled() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parked[view.ID] = parkedSession{view: view, expiresAt: s.now().Add(s.grace)}
}

// Claim removes and returns a parked session that has not expired.
func (s *ResumeStore) Claim(id string) (protocol.PlayerView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.parked[id]
	if !ok {
		return protocol.PlayerView{}, false
	}
	delete(s.parked, id)
	if s.now().After(p.expiresAt) {
		return protocol.PlayerView{}, false
	}
	return p.view, true
}

// Sweep drops expired entries and returns how many were removed.
func (s *ResumeStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for id, p := range s.parked {
		if now.After(p.expiresAt) {
			delete(s.parked, id)
			n++
		}
	}
	return n
}

// Len returns the number of parked sessions.
func (s *ResumeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.parked)
}
