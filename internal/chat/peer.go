package chat

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrPeerClosed is returned by Push after Close.
	ErrPeerClosed = errors.New("peer closed")
	// ErrPeerFull is returned by Push when the outbound queue has no room.
	// The frame is discarded and counted in Dropped.
	ErrPeerFull = errors.New("peer send buffer full")
)

// Peer is the outbound side of a connection: a bounded queue of encoded
// frames drained by the connection's writer goroutine. A client that reads
// too slowly misses frames instead of stalling its senders.
type Peer struct {
	connID  string
	events  chan []byte
	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

// NewPeer creates a Peer for connID.
//
// Precondition: connID must be non-empty.
// Postcondition: Returns a Peer with an open events channel.
func NewPeer(connID string, bufferSize int) *Peer {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Peer{
		connID: connID,
		events: make(chan []byte, bufferSize),
	}
}

// ConnID returns the connection identifier.
func (p *Peer) ConnID() string {
	return p.connID
}

// Push enqueues an encoded frame without blocking.
//
// Postcondition: data is enqueued, or the error wraps ErrPeerClosed or
// ErrPeerFull. A full queue increments Dropped.
func (p *Peer) Push(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("peer %s: %w", p.connID, ErrPeerClosed)
	}
	select {
	case p.events <- data:
		return nil
	default:
		p.dropped.Add(1)
		return fmt.Errorf("peer %s: %w", p.connID, ErrPeerFull)
	}
}

// Dropped returns how many frames were discarded because the queue was full.
func (p *Peer) Dropped() uint64 {
	return p.dropped.Load()
}

// Events returns the read-only outbound channel. It is closed by Close after
// every queued frame.
func (p *Peer) Events() <-chan []byte {
	return p.events
}

// Close stops accepting frames and closes the events channel.
//
// Postcondition: further Push calls return an error.
func (p *Peer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		p.closed = true
		close(p.events)
	}
}

// IsClosed reports whether Close has been called.
func (p *Peer) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
