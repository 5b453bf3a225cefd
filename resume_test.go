package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelverse-relay/protocol"
)

func TestResumeClaimWithinGrace(t *testing.T) {
	s := NewResumeStore(30 * time.Second)
	clock := time.Unix(1000, 0)
	s.now = func() time.Time { return clock }

	s.Park(protocol.PlayerView{ID: "p1", Name: "Alice", Position: protocol.Vec3{X: 3}})
	assert.Equal(t, 1, s.Len())

	clock = clock.Add(10 * time.Second)
	v, ok := s.Claim("p1")
	require.True(t, ok)
	assert.Equal(t, "Alice", v.Name)
	assert.Equal(t, 3.0, v.Position.X)

	_, ok = s.Claim("p1")
	assert.False(t, ok, "a parked session is claimed at most once")
}

func TestResumeExpires(t *testing.T) {
	s := NewResumeStore(30 * time.Second)
	clock := time.Unix(1000, 0)
	s.now = func() time.Time { return clock }

	s.Park(protocol.PlayerView{ID: "p1"})
	s.Park(protocol.PlayerView{ID: "p2"})

	clock = clock.Add(31 * time.Second)
	_, ok := s.Claim("p1")
	assert.False(t, ok)

	assert.Equal(t, 1, s.Sweep())
	assert.Zero(t, s.Len())
}

func TestResumeStoreDisabled(t *testing.T) {
	s := NewResumeStore(0)
	assert.False(t, s.Enabled())
	s.Park(protocol.PlayerView{ID: "p1"})
	assert.Zero(t, s.Len())
	_, ok := s.Claim("p1")
	assert.False(t, ok)
}
