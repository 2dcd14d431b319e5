package session

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
)

// CleanupInactive evicts every session whose last activity is older than
// threshold. Eviction happens under a single lock acquisition, so a connection
// cannot observe a half-removed session.
//
// Postcondition: Returns copies of the evicted sessions, oldest activity first.
func (r *Registry) CleanupInactive(threshold time.Duration) (evicted []*Session) {
	defer r.recoverFault("cleanup_inactive")

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-threshold)
	var stale []string
	for connID, sess := range r.byConn {
		if sess.LastActivityAt.Before(cutoff) {
			stale = append(stale, connID)
		}
	}
	for _, connID := range stale {
		if sess := r.removeLocked(connID); sess != nil {
			evicted = append(evicted, sess)
		}
	}
	sort.Slice(evicted, func(i, j int) bool {
		return evicted[i].LastActivityAt.Before(evicted[j].LastActivityAt)
	})
	return evicted
}

// RunCleanup calls CleanupInactive every interval until ctx is cancelled and
// hands any evicted sessions to onEvict. onEvict runs on the cleanup goroutine
// and must not block.
//
// Precondition: interval and threshold must be > 0.
func (r *Registry) RunCleanup(ctx context.Context, interval, threshold time.Duration, onEvict func([]*Session)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := r.CleanupInactive(threshold)
			if len(evicted) == 0 {
				continue
			}
			r.logger.Info("evicted inactive sessions",
				zap.Int("count", len(evicted)),
				zap.Duration("threshold", threshold),
			)
			if onEvict != nil {
				onEvict(evicted)
			}
		}
	}
}
