// Package buffer holds chat messages in memory between broadcast and durable
// storage: a bounded recent-message cache per room and a write queue that is
// flushed to a Store in batches.
package buffer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind classifies a message.
type Kind string

const (
	// KindText is an ordinary user message.
	KindText Kind = "text"
	// KindSystem is a server-generated notice stored alongside user messages.
	KindSystem Kind = "system"
)

// Message is a chat message awaiting or past durable storage.
type Message struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"roomId"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Body        string    `json:"body"`
	Kind        Kind      `json:"kind"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Rejection is a message the store refused permanently, for example one
// whose body the database cannot represent.
type Rejection struct {
	Message Message
	Err     error
}

// Store persists batches of messages.
//
// InsertBatch must tolerate messages it has already stored (at-least-once
// delivery). Messages it refuses outright are reported as rejections and are
// never retried. A non-nil error means the messages that were not rejected
// were not stored and may be retried.
type Store interface {
	InsertBatch(ctx context.Context, msgs []Message) ([]Rejection, error)
}

// Config holds the tuning knobs of a Buffer.
type Config struct {
	FlushInterval      time.Duration
	BatchSize          int
	EmergencyThreshold int
	RecentCapacity     int
	ShutdownRetries    int
}

// Stats is a point-in-time snapshot of buffer counters.
type Stats struct {
	Pending       int    `json:"pending"`
	Rooms         int    `json:"rooms"`
	Cached        int    `json:"cached"`
	Written       uint64 `json:"written"`
	Flushes       uint64 `json:"flushes"`
	FailedFlushes uint64 `json:"failedFlushes"`
	Dropped       uint64 `json:"dropped"`
	Rejected      uint64 `json:"rejected"`
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithClock overrides the time source used to stamp messages.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

// WithIDGenerator overrides the message id generator.
func WithIDGenerator(gen func() string) Option {
	return func(b *Buffer) { b.newID = gen }
}

// Buffer is safe for concurrent use.
type Buffer struct {
	cfg    Config
	store  Store
	logger *zap.Logger
	now    func() time.Time
	newID  func() string

	mu     sync.Mutex
	recent map[string][]Message // roomID → messages, oldest first
	queue  []Message            // oldest first

	flushing  atomic.Bool
	emergency chan struct{}

	written       atomic.Uint64
	flushes       atomic.Uint64
	failedFlushes atomic.Uint64
	dropped       atomic.Uint64
	rejected      atomic.Uint64
}

// New creates a Buffer that flushes into store.
//
// Precondition: cfg.BatchSize, cfg.EmergencyThreshold and cfg.RecentCapacity
// must be > 0; store and logger must be non-nil.
func New(cfg Config, store Store, logger *zap.Logger, opts ...Option) *Buffer {
	b := &Buffer{
		cfg:       cfg,
		store:     store,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
		recent:    make(map[string][]Message),
		emergency: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Add stamps a new message and appends it to the room's recent cache and the
// write queue. It never waits on storage.
//
// When the queue reaches the emergency threshold an out-of-band flush is
// requested from Run.
//
// Postcondition: the returned message carries a fresh ID and CreatedAt.
func (b *Buffer) Add(roomID, userID, displayName, body string, kind Kind) Message {
	msg := Message{
		ID:          b.newID(),
		RoomID:      roomID,
		UserID:      userID,
		DisplayName: displayName,
		Body:        body,
		Kind:        kind,
		CreatedAt:   b.now(),
	}

	b.mu.Lock()
	cache := append(b.recent[roomID], msg)
	if over := len(cache) - b.cfg.RecentCapacity; over > 0 {
		cache = append([]Message(nil), cache[over:]...)
	}
	b.recent[roomID] = cache
	b.queue = append(b.queue, msg)
	pending := len(b.queue)
	b.mu.Unlock()

	if pending >= b.cfg.EmergencyThreshold {
		select {
		case b.emergency <- struct{}{}:
		default:
		}
	}
	return msg
}

// Recent returns up to limit cached messages for roomID, newest first.
func (b *Buffer) Recent(roomID string, limit int) []Message {
	if limit <= 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	cache := b.recent[roomID]
	if limit > len(cache) {
		limit = len(cache)
	}
	out := make([]Message, 0, limit)
	for i := len(cache) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, cache[i])
	}
	return out
}

// Delete removes the message from the room's recent cache and from the write
// queue.
//
// Postcondition: Returns true if the message was held in either place.
func (b *Buffer) Delete(id, roomID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	found := false
	if cache, ok := b.recent[roomID]; ok {
		for i, m := range cache {
			if m.ID == id {
				b.recent[roomID] = append(cache[:i:i], cache[i+1:]...)
				found = true
				break
			}
		}
	}
	for i, m := range b.queue {
		if m.ID == id {
			b.queue = append(b.queue[:i:i], b.queue[i+1:]...)
			found = true
			break
		}
	}
	return found
}

// Pending returns the number of queued messages not yet stored.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Stats returns a snapshot of the buffer counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	s := Stats{Pending: len(b.queue), Rooms: len(b.recent)}
	for _, cache := range b.recent {
		s.Cached += len(cache)
	}
	b.mu.Unlock()

	s.Written = b.written.Load()
	s.Flushes = b.flushes.Load()
	s.FailedFlushes = b.failedFlushes.Load()
	s.Dropped = b.dropped.Load()
	s.Rejected = b.rejected.Load()
	return s
}
