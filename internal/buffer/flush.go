package buffer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// FlushResult describes one flush attempt.
type FlushResult struct {
	Written  int
	Requeued int
	Dropped  int
	// Rejected counts messages the store refused permanently. They are
	// discarded, not requeued.
	Rejected int
	// Skipped is true when another flush was already running.
	Skipped bool
	Err     error
}

// drainRetryDelay is the pause between drain attempts that found a flush in
// flight.
const drainRetryDelay = 10 * time.Millisecond

// Flush takes up to BatchSize messages off the head of the queue and writes
// them to the store in one batch.
//
// Messages the store rejects are discarded and logged at error level. On any
// other failure the rest of the batch goes back to the head of the queue in
// its original order. If the queue then holds more than twice the emergency
// threshold, the oldest excess is discarded and logged at error level.
//
// Only one flush runs at a time; a call made while another is in flight
// returns immediately with Skipped set.
func (b *Buffer) Flush(ctx context.Context) FlushResult {
	if !b.flushing.CompareAndSwap(false, true) {
		return FlushResult{Skipped: true}
	}
	defer b.flushing.Store(false)

	b.mu.Lock()
	n := min(len(b.queue), b.cfg.BatchSize)
	batch := append([]Message(nil), b.queue[:n]...)
	b.queue = append([]Message(nil), b.queue[n:]...)
	b.mu.Unlock()

	if n == 0 {
		return FlushResult{}
	}

	start := time.Now()
	rejections, err := b.store.InsertBatch(ctx, batch)
	batch = b.discardRejected(batch, rejections)
	rejected := n - len(batch)

	if err == nil {
		b.written.Add(uint64(len(batch)))
		b.flushes.Add(1)
		b.logger.Debug("flushed messages",
			zap.Int("count", len(batch)),
			zap.Int("rejected", rejected),
			zap.Duration("duration", time.Since(start)),
		)
		return FlushResult{Written: len(batch), Rejected: rejected}
	}

	b.failedFlushes.Add(1)

	b.mu.Lock()
	b.queue = append(batch, b.queue...)
	dropped := 0
	if ceiling := 2 * b.cfg.EmergencyThreshold; len(b.queue) > ceiling {
		dropped = len(b.queue) - ceiling
		b.queue = append([]Message(nil), b.queue[dropped:]...)
	}
	pending := len(b.queue)
	b.mu.Unlock()

	b.logger.Warn("batch insert failed",
		zap.Error(err),
		zap.Int("count", len(batch)),
		zap.Int("pending", pending),
	)
	if dropped > 0 {
		b.dropped.Add(uint64(dropped))
		b.logger.Error("pending messages dropped",
			zap.Int("dropped", dropped),
			zap.Int("pending", pending),
		)
	}
	return FlushResult{
		Requeued: len(batch) - min(len(batch), dropped),
		Dropped:  dropped,
		Rejected: rejected,
		Err:      err,
	}
}

// discardRejected logs each rejection and returns batch without the rejected
// messages, preserving order.
func (b *Buffer) discardRejected(batch []Message, rejections []Rejection) []Message {
	if len(rejections) == 0 {
		return batch
	}
	refused := make(map[string]struct{}, len(rejections))
	for _, r := range rejections {
		refused[r.Message.ID] = struct{}{}
		b.logger.Error("message rejected by store",
			zap.String("message_id", r.Message.ID),
			zap.String("room_id", r.Message.RoomID),
			zap.String("user_id", r.Message.UserID),
			zap.Error(r.Err),
		)
	}
	kept := batch[:0]
	for _, m := range batch {
		if _, ok := refused[m.ID]; !ok {
			kept = append(kept, m)
		}
	}
	b.rejected.Add(uint64(len(batch) - len(kept)))
	return kept
}

// Run flushes on every FlushInterval tick and whenever Add signals that the
// emergency threshold was reached. It returns when ctx is cancelled.
//
// Precondition: cfg.FlushInterval must be > 0.
func (b *Buffer) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	b.logger.Info("message buffer started",
		zap.Int("batch_size", b.cfg.BatchSize),
		zap.Duration("flush_interval", b.cfg.FlushInterval),
		zap.Int("emergency_threshold", b.cfg.EmergencyThreshold),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Flush(ctx)
		case <-b.emergency:
			b.logger.Warn("emergency flush", zap.Int("pending", b.Pending()))
			for b.Pending() >= b.cfg.EmergencyThreshold {
				res := b.Flush(ctx)
				if res.Err != nil || res.Skipped || res.Written+res.Rejected == 0 {
					break
				}
			}
		}
	}
}

// ErrDrainAbandoned is returned by Drain when the retry limit is exhausted
// with messages still queued.
var ErrDrainAbandoned = errors.New("buffer: drain abandoned")

// Drain flushes until the queue is empty, giving up after ShutdownRetries
// consecutive failed flushes or when ctx is done.
//
// Postcondition: Returns nil only if the queue is empty.
func (b *Buffer) Drain(ctx context.Context) error {
	failures := 0
	for b.Pending() > 0 {
		res := b.Flush(ctx)
		switch {
		case res.Skipped:
			select {
			case <-ctx.Done():
			case <-time.After(drainRetryDelay):
			}
		case res.Err != nil:
			failures++
			if failures >= b.cfg.ShutdownRetries {
				b.logger.Error("shutdown drain abandoned",
					zap.Int("pending", b.Pending()),
					zap.Int("attempts", failures),
					zap.Error(res.Err),
				)
				return fmt.Errorf("%w: %d pending after %d attempts", ErrDrainAbandoned, b.Pending(), failures)
			}
		default:
			failures = 0
		}
		if err := ctx.Err(); err != nil && b.Pending() > 0 {
			b.logger.Error("shutdown drain interrupted",
				zap.Int("pending", b.Pending()),
				zap.Error(err),
			)
			return fmt.Errorf("draining buffer: %w", err)
		}
	}
	b.logger.Info("message buffer drained",
		zap.Uint64("written", b.written.Load()),
		zap.Uint64("dropped", b.dropped.Load()),
		zap.Uint64("rejected", b.rejected.Load()),
	)
	return nil
}
