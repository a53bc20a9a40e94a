package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (b *recordingBroadcaster) EmitSession(eventType, sessionID, batchID string, data map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, eventType)
}

func (b *recordingBroadcaster) all() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

func TestHeartbeatJoinsAndUpdates(t *testing.T) {
	bc := &recordingBroadcaster{}
	c := NewCoordinator(WithBroadcaster(bc))

	m := c.Heartbeat("vs_1", "ver_1", ActivityVerifying, "txr_1")
	assert.Equal(t, ActivityVerifying, m.Activity)
	assert.Equal(t, "txr_1", m.CurrentTransaction)
	assert.False(t, m.JoinedAt.IsZero())

	// Same activity again is a plain refresh, no event.
	c.Heartbeat("vs_1", "ver_1", ActivityVerifying, "txr_2")
	// Switching activity broadcasts a change.
	c.Heartbeat("vs_1", "ver_1", ActivityReviewing, "")

	assert.Equal(t, []string{"presence_joined", "presence_activity"}, bc.all())
}

func TestSnapshotSortsByVerifier(t *testing.T) {
	c := NewCoordinator()
	c.Heartbeat("vs_1", "ver_b", ActivityVerifying, "")
	c.Heartbeat("vs_1", "ver_a", ActivityReviewing, "")
	c.Heartbeat("vs_2", "ver_c", ActivityVerifying, "")

	members := c.Snapshot("vs_1")
	require.Len(t, members, 2)
	assert.Equal(t, "ver_a", members[0].VerifierID)
	assert.Equal(t, "ver_b", members[1].VerifierID)

	assert.Empty(t, c.Snapshot("vs_unknown"))
}

func TestLeave(t *testing.T) {
	bc := &recordingBroadcaster{}
	c := NewCoordinator(WithBroadcaster(bc))
	c.Heartbeat("vs_1", "ver_1", ActivityVerifying, "")

	c.Leave("vs_1", "ver_1")
	assert.Empty(t, c.Snapshot("vs_1"))

	// Leaving twice does not re-broadcast.
	c.Leave("vs_1", "ver_1")
	assert.Equal(t, []string{"presence_joined", "presence_left"}, bc.all())
}

func TestIdleSweep(t *testing.T) {
	bc := &recordingBroadcaster{}
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	c := NewCoordinator(WithBroadcaster(bc), WithClock(clock), WithIdleTimeout(60*time.Second))

	c.Heartbeat("vs_1", "ver_stale", ActivityVerifying, "txr_1")
	now = now.Add(30 * time.Second)
	c.Heartbeat("vs_1", "ver_fresh", ActivityVerifying, "txr_2")

	now = now.Add(45 * time.Second) // ver_stale is 75s old, ver_fresh 45s
	c.markIdle()

	members := c.Snapshot("vs_1")
	require.Len(t, members, 2)
	byID := map[string]*Member{}
	for _, m := range members {
		byID[m.VerifierID] = m
	}
	assert.Equal(t, ActivityIdle, byID["ver_stale"].Activity)
	assert.Empty(t, byID["ver_stale"].CurrentTransaction)
	assert.Equal(t, ActivityVerifying, byID["ver_fresh"].Activity)

	// A second sweep does not re-announce the already-idle member.
	c.markIdle()
	assert.Equal(t, []string{"presence_activity"}, bc.all()[2:])

	// A fresh heartbeat revives the idle member.
	m := c.Heartbeat("vs_1", "ver_stale", ActivityVerifying, "txr_3")
	assert.Equal(t, ActivityVerifying, m.Activity)
}

func TestSweeperStartStop(t *testing.T) {
	c := NewCoordinator(WithSweepInterval(5 * time.Millisecond))
	c.Start()
	assert.True(t, c.sweep.running.Load())
	time.Sleep(20 * time.Millisecond)
	c.Stop()
	assert.Eventually(t, func() bool { return !c.sweep.running.Load() },
		200*time.Millisecond, 5*time.Millisecond)
}

func TestNilBroadcasterIsSafe(t *testing.T) {
	c := NewCoordinator()
	assert.NotPanics(t, func() {
		c.Heartbeat("vs_1", "ver_1", ActivityVerifying, "")
		c.markIdle()
		c.Leave("vs_1", "ver_1")
	})
}
