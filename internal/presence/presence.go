package presence

import (
	"sort"
	"sync"
	"time"
)

// Activity is the client-reported state of a verifier inside a session.
type Activity string

const (
	ActivityVerifying Activity = "verifying"
	ActivityReviewing Activity = "reviewing"
	ActivityIdle      Activity = "idle"
)

// ValidActivity reports whether a is a known client-reported activity.
// Idle is not client-reported; the sweep assigns it.
func ValidActivity(a Activity) bool {
	return a == ActivityVerifying || a == ActivityReviewing
}

// Member is one verifier's presence inside a session.
type Member struct {
	VerifierID         string    `json:"verifierId"`
	Activity           Activity  `json:"activity"`
	CurrentTransaction string    `json:"currentTransactionId,omitempty"`
	JoinedAt           time.Time `json:"joinedAt"`
	LastSeen           time.Time `json:"lastSeen"`
}

// Broadcaster receives presence events. Delivery is best-effort; the
// coordinator never blocks on it or checks an error.
type Broadcaster interface {
	EmitSession(eventType, sessionID, batchID string, data map[string]any)
}

// Coordinator tracks which verifiers are active on which session. It is
// purely advisory: nothing in the decision path consults it, and it is
// backed only by process memory.
type Coordinator struct {
	mu          sync.RWMutex
	sessions    map[string]map[string]*Member // sessionID → verifierID → member
	broadcaster Broadcaster
	idleAfter   time.Duration
	now         func() time.Time

	sweep *sweeper
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithBroadcaster(b Broadcaster) Option   { return func(c *Coordinator) { c.broadcaster = b } }
func WithIdleTimeout(d time.Duration) Option { return func(c *Coordinator) { c.idleAfter = d } }
func WithClock(now func() time.Time) Option  { return func(c *Coordinator) { c.now = now } }

func WithSweepInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.sweep.interval = d }
}

// NewCoordinator creates a presence coordinator with a 60s idle timeout.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		sessions:  make(map[string]map[string]*Member),
		idleAfter: 60 * time.Second,
		now:       time.Now,
	}
	c.sweep = newSweeper(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins the background idle sweep.
func (c *Coordinator) Start() { c.sweep.Start() }

// Stop halts the background idle sweep.
func (c *Coordinator) Stop() { c.sweep.Stop() }

// Heartbeat records activity for a verifier in a session, creating the
// membership on first contact. It returns the updated member view.
func (c *Coordinator) Heartbeat(sessionID, verifierID string, activity Activity, currentTxn string) *Member {
	now := c.now().UTC()

	c.mu.Lock()
	members, ok := c.sessions[sessionID]
	if !ok {
		members = make(map[string]*Member)
		c.sessions[sessionID] = members
	}
	m, joined := members[verifierID]
	if m == nil {
		m = &Member{VerifierID: verifierID, JoinedAt: now}
		members[verifierID] = m
	}
	changed := m.Activity != activity
	m.Activity = activity
	m.CurrentTransaction = currentTxn
	m.LastSeen = now
	view := *m
	c.mu.Unlock()

	if !joined {
		c.emit("presence_joined", sessionID, map[string]any{
			"verifierId": verifierID,
			"activity":   activity,
		})
	} else if changed {
		c.emit("presence_activity", sessionID, map[string]any{
			"verifierId": verifierID,
			"activity":   activity,
		})
	}
	return &view
}

// Leave removes a verifier from a session. Unknown members are a no-op.
func (c *Coordinator) Leave(sessionID, verifierID string) {
	c.mu.Lock()
	members := c.sessions[sessionID]
	_, ok := members[verifierID]
	if ok {
		delete(members, verifierID)
		if len(members) == 0 {
			delete(c.sessions, sessionID)
		}
	}
	c.mu.Unlock()

	if ok {
		c.emit("presence_left", sessionID, map[string]any{"verifierId": verifierID})
	}
}

// Snapshot returns the members of a session sorted by verifier id.
func (c *Coordinator) Snapshot(sessionID string) []*Member {
	c.mu.RLock()
	members := c.sessions[sessionID]
	out := make([]*Member, 0, len(members))
	for _, m := range members {
		cp := *m
		out = append(out, &cp)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].VerifierID < out[j].VerifierID })
	return out
}

// markIdle flips members whose last heartbeat is older than the idle
// timeout, broadcasting each change. Called by the sweep timer.
func (c *Coordinator) markIdle() {
	cutoff := c.now().UTC().Add(-c.idleAfter)

	type change struct {
		sessionID  string
		verifierID string
	}
	var changes []change

	c.mu.Lock()
	for sessionID, members := range c.sessions {
		for verifierID, m := range members {
			if m.Activity != ActivityIdle && m.LastSeen.Before(cutoff) {
				m.Activity = ActivityIdle
				m.CurrentTransaction = ""
				changes = append(changes, change{sessionID, verifierID})
			}
		}
	}
	c.mu.Unlock()

	for _, ch := range changes {
		c.emit("presence_activity", ch.sessionID, map[string]any{
			"verifierId": ch.verifierID,
			"activity":   ActivityIdle,
		})
	}
}

func (c *Coordinator) emit(eventType, sessionID string, data map[string]any) {
	if c.broadcaster == nil {
		return
	}
	c.broadcaster.EmitSession(eventType, sessionID, "", data)
}
