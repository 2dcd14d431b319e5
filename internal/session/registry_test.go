package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return NewRegistry(zaptest.NewLogger(t), WithClock(clock.Now)), clock
}

func TestRegistry_Join(t *testing.T) {
	r, _ := newTestRegistry(t)

	displaced := r.Join("c1", "u1", "Alice", "room_a")
	assert.Nil(t, displaced)

	sess, ok := r.ByConnection("c1")
	require.True(t, ok)
	assert.Equal(t, "u1", sess.UserID)
	assert.Equal(t, "Alice", sess.DisplayName)
	assert.Equal(t, "room_a", sess.RoomID)
	assert.Equal(t, 1, r.RoomMemberCount("room_a"))
	assert.Equal(t, 1, r.SessionCount())
}

func TestRegistry_JoinIdempotentPerConnection(t *testing.T) {
	r, clock := newTestRegistry(t)

	r.Join("c1", "u1", "Alice", "room_a")
	joinedAt, _ := r.ByConnection("c1")
	clock.Advance(time.Second)

	displaced := r.Join("c1", "u1", "Alice", "room_a")
	assert.Nil(t, displaced)

	sess, ok := r.ByConnection("c1")
	require.True(t, ok)
	assert.Equal(t, joinedAt.JoinedAt, sess.JoinedAt)
	assert.Equal(t, 1, r.RoomMemberCount("room_a"))
	assert.Equal(t, 1, r.SessionCount())
}

func TestRegistry_JoinSameUserEvictsPriorConnection(t *testing.T) {
	r, _ := newTestRegistry(t)

	r.Join("c1", "u1", "Alice", "room_a")
	displaced := r.Join("c2", "u1", "Alice", "room_b")

	require.NotNil(t, displaced)
	assert.Equal(t, "c1", displaced.ConnectionID)
	assert.Equal(t, "room_a", displaced.RoomID)

	_, ok := r.ByConnection("c1")
	assert.False(t, ok, "first session must be evicted")

	sess, ok := r.ByUser("u1")
	require.True(t, ok)
	assert.Equal(t, "c2", sess.ConnectionID)
	assert.Equal(t, 0, r.RoomMemberCount("room_a"))
	assert.Equal(t, 1, r.RoomMemberCount("room_b"))
}

func TestRegistry_JoinDifferentRoomMovesSession(t *testing.T) {
	r, _ := newTestRegistry(t)

	r.Join("c1", "u1", "Alice", "room_a")
	r.SetTyping("room_a", "u1")

	displaced := r.Join("c1", "u1", "Alice", "room_b")
	require.NotNil(t, displaced)
	assert.Equal(t, "room_a", displaced.RoomID)
	assert.Equal(t, "c1", displaced.ConnectionID)

	assert.Equal(t, 0, r.RoomMemberCount("room_a"))
	assert.Equal(t, 1, r.RoomMemberCount("room_b"))
	assert.Empty(t, r.TypingUsers("room_a"))
}

func TestRegistry_Leave(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Join("c1", "u1", "Alice", "room_a")
	r.SetTyping("room_a", "u1")

	sess, ok := r.Leave("c1")
	require.True(t, ok)
	assert.Equal(t, "u1", sess.UserID)
	assert.Equal(t, 0, r.SessionCount())
	assert.Equal(t, 0, r.RoomMemberCount("room_a"))
	assert.Empty(t, r.TypingUsers("room_a"))

	_, ok = r.ByUser("u1")
	assert.False(t, ok)
}

func TestRegistry_LeaveUnknownConnectionIsNoop(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Join("c1", "u1", "Alice", "room_a")

	sess, ok := r.Leave("unknown")
	assert.False(t, ok)
	assert.Nil(t, sess)
	assert.Equal(t, 1, r.SessionCount())
	assert.Equal(t, 1, r.RoomMemberCount("room_a"))
}

func TestRegistry_ReturnsCopies(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Join("c1", "u1", "Alice", "room_a")

	sess, _ := r.ByConnection("c1")
	sess.RoomID = "tampered"

	again, _ := r.ByConnection("c1")
	assert.Equal(t, "room_a", again.RoomID)
}

func TestRegistry_RoomMembersOrderedByJoin(t *testing.T) {
	r, clock := newTestRegistry(t)
	r.Join("c2", "u2", "Bob", "room_a")
	clock.Advance(time.Second)
	r.Join("c1", "u1", "Alice", "room_a")
	r.Join("c3", "u3", "Carol", "room_b")

	members := r.RoomMembers("room_a")
	require.Len(t, members, 2)
	assert.Equal(t, "Bob", members[0].DisplayName)
	assert.Equal(t, "Alice", members[1].DisplayName)
	assert.Empty(t, r.RoomMembers("empty_room"))
}

func TestRegistry_Typing(t *testing.T) {
	r, _ := newTestRegistry(t)

	r.SetTyping("room_a", "u2")
	r.SetTyping("room_a", "u1")
	r.SetTyping("room_a", "u1")
	assert.Equal(t, []string{"u1", "u2"}, r.TypingUsers("room_a"))

	r.ClearTyping("room_a", "u1")
	r.ClearTyping("room_a", "absent")
	assert.Equal(t, []string{"u2"}, r.TypingUsers("room_a"))
	assert.Empty(t, r.TypingUsers("room_b"))
}

func TestRegistry_TouchActivity(t *testing.T) {
	r, clock := newTestRegistry(t)
	r.Join("c1", "u1", "Alice", "room_a")

	clock.Advance(time.Minute)
	r.TouchActivity("u1")
	r.TouchActivity("nobody")

	sess, _ := r.ByUser("u1")
	assert.Equal(t, clock.Now(), sess.LastActivityAt)
}

func TestRegistry_RateLimitScenario(t *testing.T) {
	r, clock := newTestRegistry(t)

	for i := 1; i <= 3; i++ {
		assert.True(t, r.CheckRateLimit("c1", 3, time.Second), "call %d should be admitted", i)
		clock.Advance(10 * time.Millisecond)
	}
	assert.False(t, r.CheckRateLimit("c1", 3, time.Second), "call 4 should be rejected")

	clock.Advance(time.Second)
	assert.True(t, r.CheckRateLimit("c1", 3, time.Second), "call after the window should be admitted")
}

func TestRegistry_RateLimitPerConnection(t *testing.T) {
	r, _ := newTestRegistry(t)

	assert.True(t, r.CheckRateLimit("c1", 1, time.Minute))
	assert.False(t, r.CheckRateLimit("c1", 1, time.Minute))
	assert.True(t, r.CheckRateLimit("c2", 1, time.Minute))

	r.ForgetConnection("c1")
	assert.True(t, r.CheckRateLimit("c1", 1, time.Minute))
}

func TestRegistry_CleanupInactive(t *testing.T) {
	r, clock := newTestRegistry(t)
	r.Join("c1", "u1", "Alice", "room_a")
	r.Join("c2", "u2", "Bob", "room_a")

	clock.Advance(4 * time.Minute)
	r.TouchActivity("u2")
	clock.Advance(2 * time.Minute)

	evicted := r.CleanupInactive(5 * time.Minute)
	require.Len(t, evicted, 1)
	assert.Equal(t, "u1", evicted[0].UserID)

	_, ok := r.ByUser("u1")
	assert.False(t, ok)
	_, ok = r.ByUser("u2")
	assert.True(t, ok)
	assert.Equal(t, 1, r.RoomMemberCount("room_a"))
}

func TestRegistry_RunCleanupInvokesCallback(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	r.Join("c1", "u1", "Alice", "room_a")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan []*Session, 1)
	go r.RunCleanup(ctx, 10*time.Millisecond, time.Nanosecond, func(evicted []*Session) {
		got <- evicted
	})

	select {
	case evicted := <-got:
		require.Len(t, evicted, 1)
		assert.Equal(t, "c1", evicted[0].ConnectionID)
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup did not run")
	}
}

func TestRegistry_ConcurrentJoinLeave(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	const n = 100
	var wg sync.WaitGroup

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			r.Join(fmt.Sprintf("c%d", i), fmt.Sprintf("u%d", i), fmt.Sprintf("User%d", i), "room_a")
		}(i)
	}
	wg.Wait()
	assert.Equal(t, n, r.SessionCount())
	assert.Equal(t, n, r.RoomMemberCount("room_a"))

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			r.Leave(fmt.Sprintf("c%d", i))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, r.SessionCount())
	assert.Equal(t, 0, r.RoomMemberCount("room_a"))
}

func TestPropertyRoomMembershipConsistent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := NewRegistry(zap.NewNop())
		rooms := []string{"r1", "r2", "r3"}
		ops := rapid.IntRange(1, 80).Draw(t, "ops")

		for i := 0; i < ops; i++ {
			conn := fmt.Sprintf("c%d", rapid.IntRange(0, 9).Draw(t, "conn"))
			user := fmt.Sprintf("u%d", rapid.IntRange(0, 5).Draw(t, "user"))
			if rapid.Bool().Draw(t, "join") {
				room := rooms[rapid.IntRange(0, len(rooms)-1).Draw(t, "room")]
				r.Join(conn, user, user, room)
			} else {
				r.Leave(conn)
			}
		}

		total := 0
		for _, room := range rooms {
			total += r.RoomMemberCount(room)
			for _, m := range r.RoomMembers(room) {
				bound, ok := r.ByUser(m.UserID)
				if !ok || bound.ConnectionID != m.ConnectionID {
					t.Fatalf("member %s of %s not bound to its connection", m.UserID, room)
				}
			}
		}
		if total != r.SessionCount() {
			t.Fatalf("membership sum %d != session count %d", total, r.SessionCount())
		}
	})
}

func TestPropertyRateLimitNeverExceedsMax(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		clock := newFakeClock()
		r := NewRegistry(zap.NewNop(), WithClock(clock.Now))
		maxRequests := rapid.IntRange(1, 10).Draw(t, "max")
		window := time.Duration(rapid.IntRange(10, 1000).Draw(t, "window_ms")) * time.Millisecond

		var admitted []time.Time
		calls := rapid.IntRange(1, 100).Draw(t, "calls")
		for i := 0; i < calls; i++ {
			clock.Advance(time.Duration(rapid.IntRange(0, 50).Draw(t, "step_ms")) * time.Millisecond)
			if r.CheckRateLimit("c", maxRequests, window) {
				admitted = append(admitted, clock.Now())
			}
			inWindow := 0
			for _, ts := range admitted {
				if !ts.Before(clock.Now().Add(-window)) {
					inWindow++
				}
			}
			if inWindow > maxRequests {
				t.Fatalf("%d admitted within window, max %d", inWindow, maxRequests)
			}
		}
	})
}
