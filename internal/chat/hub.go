package chat

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// moderatorsGroup is the broadcast group every moderator and admin
// connection joins after authenticating.
const moderatorsGroup = "moderators"

func roomGroup(roomID string) string {
	return "room:" + roomID
}

// Hub fans encoded frames out to named groups of peers.
type Hub struct {
	mu     sync.RWMutex
	groups map[string]map[string]*Peer // group → connID → peer
	logger *zap.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		groups: make(map[string]map[string]*Peer),
		logger: logger,
	}
}

// Join adds peer to group. Joining twice is a no-op.
func (h *Hub) Join(group string, peer *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.groups[group]
	if !ok {
		members = make(map[string]*Peer)
		h.groups[group] = members
	}
	members[peer.ConnID()] = peer
}

// Leave removes connID from group.
func (h *Hub) Leave(group, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.groups[group]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.groups, group)
	}
}

// LeaveAll removes connID from every group.
func (h *Hub) LeaveAll(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for group, members := range h.groups {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
}

// Size returns the number of peers in group.
func (h *Hub) Size(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// Broadcast pushes data to every peer in group except excludeConnID and
// returns how many peers missed the frame because their queue was full.
// Peers closed mid-broadcast are skipped silently.
func (h *Hub) Broadcast(group, excludeConnID string, data []byte) int {
	h.mu.RLock()
	targets := make([]*Peer, 0, len(h.groups[group]))
	for connID, peer := range h.groups[group] {
		if connID != excludeConnID {
			targets = append(targets, peer)
		}
	}
	h.mu.RUnlock()

	missed := 0
	for _, peer := range targets {
		err := peer.Push(data)
		switch {
		case err == nil:
		case errors.Is(err, ErrPeerFull):
			missed++
			h.logger.Warn("peer missed broadcast frame",
				zap.String("group", group),
				zap.String("conn_id", peer.ConnID()),
				zap.Uint64("dropped_total", peer.Dropped()),
			)
		default:
			h.logger.Debug("push to peer failed",
				zap.String("group", group),
				zap.String("conn_id", peer.ConnID()),
				zap.Error(err),
			)
		}
	}
	return missed
}
