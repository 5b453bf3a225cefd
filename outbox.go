package main

import (
	"sync"
	"sync/atomic"
)

// Outbox is a bounded per-session queue of encoded frames, drained by the
// connection's write pump.
type Outbox struct {
	mu      sync.Mutex
	ch      chan []byte
	policy  OverflowPolicy
	closed  bool
	dropped atomic.Uint64

	// onOverflow runs with the outbox locked, before a frame is dropped or
	// the outbox is closed. It must not call back into the outbox.
	onOverflow func(policy OverflowPolicy)
}

// NewOutbox creates an outbox holding at most size frames.
func NewOutbox(size int, policy OverflowPolicy) *Outbox {
	if size < 1 {
		size = 1
	}
	return &Outbox{
		ch:     make(chan []byte, size),
		policy: policy,
	}
}

// Push enqueues a frame. It returns false if the outbox is closed or the
// frame could not be queued.
func (o *Outbox) Push(frame []byte) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}

	select {
	case o.ch <- frame:
		o.mu.Unlock()
		return true
	default:
	}

	// Full.
	o.dropped.Add(1)
	o.overflow()
	if o.policy == Disconnect {
		o.closed = true
		close(o.ch)
		o.mu.Unlock()
		return false
	}

	select {
	case <-o.ch:
	default:
	}
	queued := false
	select {
	case o.ch <- frame:
		queued = true
	default:
	}
	o.mu.Unlock()
	return queued
}

func (o *Outbox) overflow() {
	if o.onOverflow != nil {
		o.onOverflow(o.policy)
	}
}

// C is the receive side for the write pump. It is closed by Close.
func (o *Outbox) C() <-chan []byte {
	return o.ch
}

// Close stops accepting frames. Frames already queued stay readable.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.ch)
	}
}

// Closed reports whether Close was called or the disconnect policy fired.
func (o *Outbox) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Dropped returns how many frames overflowed.
func (o *Outbox) Dropped() uint64 {
	return o.dropped.Load()
}

// Len returns the number of queued frames.
func (o *Outbox) Len() int {
	return len(o.ch)
}
