package session

import "time"

// CheckRateLimit records a request for connID and reports whether it is
// admitted under a sliding window of maxRequests per window.
//
// Timestamps older than now-window are pruned first; the request is admitted
// and recorded only if fewer than maxRequests remain. Rejected requests are
// not recorded, so a client that keeps retrying is readmitted as soon as the
// oldest admitted request leaves the window.
func (r *Registry) CheckRateLimit(connID string, maxRequests int, window time.Duration) (admitted bool) {
	// A fault here must not block delivery.
	admitted = true
	defer r.recoverFault("check_rate_limit")

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-window)

	stamps := r.windows[connID]
	keep := 0
	for keep < len(stamps) && stamps[keep].Before(cutoff) {
		keep++
	}
	stamps = stamps[keep:]

	if len(stamps) >= maxRequests {
		r.windows[connID] = stamps
		return false
	}
	r.windows[connID] = append(stamps, now)
	return true
}

// ForgetConnection drops the rate window kept for connID.
func (r *Registry) ForgetConnection(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.windows, connID)
}
