package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(o *Outbox) []string {
	var out []string
	for {
		select {
		case f, ok := <-o.C():
			if !ok {
				return out
			}
			out = append(out, string(f))
		default:
			return out
		}
	}
}

func TestOutboxDropOldest(t *testing.T) {
	o := NewOutbox(2, DropOldest)
	var overflows []OverflowPolicy
	o.onOverflow = func(p OverflowPolicy) { overflows = append(overflows, p) }

	assert.True(t, o.Push([]byte("1")))
	assert.True(t, o.Push([]byte("2")))
	assert.True(t, o.Push([]byte("3")))

	assert.Equal(t, uint64(1), o.Dropped())
	assert.Equal(t, []OverflowPolicy{DropOldest}, overflows)
	assert.False(t, o.Closed())
	assert.Equal(t, []string{"2", "3"}, drain(o))
}

func TestOutboxDisconnect(t *testing.T) {
	o := NewOutbox(2, Disconnect)
	var overflows []OverflowPolicy
	o.onOverflow = func(p OverflowPolicy) { overflows = append(overflows, p) }

	assert.True(t, o.Push([]byte("1")))
	assert.True(t, o.Push([]byte("2")))
	assert.False(t, o.Push([]byte("3")))

	assert.True(t, o.Closed())
	assert.Equal(t, []OverflowPolicy{Disconnect}, overflows)
	assert.Equal(t, []string{"1", "2"}, drain(o), "queued frames stay readable after close")

	_, ok := <-o.C()
	assert.False(t, ok)
	assert.False(t, o.Push([]byte("4")))
}

func TestOutboxCloseIsIdempotent(t *testing.T) {
	o := NewOutbox(4, DropOldest)
	require.True(t, o.Push([]byte("a")))
	o.Close()
	o.Close()

	assert.True(t, o.Closed())
	assert.False(t, o.Push([]byte("b")))
	assert.Equal(t, []string{"a"}, drain(o))
}

func TestOutboxMinimumSize(t *testing.T) {
	o := NewOutbox(0, DropOldest)
	assert.True(t, o.Push([]byte("a")))
	assert.True(t, o.Push([]byte("b")))
	assert.Equal(t, 1, o.Len())
}
