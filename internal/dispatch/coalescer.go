package dispatch

import (
	"strings"
	"sync"
	"time"

	"github.com/EscoLessgo/TypeNTalk-sub000/internal/clock"
	"github.com/EscoLessgo/TypeNTalk-sub000/internal/hub"
	"github.com/rs/zerolog"
)

// DefaultCoalesceCooldown is the per-host window within which bursts collapse.
const DefaultCoalesceCooldown = 200 * time.Millisecond

// Command is a host-level control command before device fan-out.
type Command struct {
	HostUID  string
	Kind     string
	Strength int
	Duration int // seconds
	// Floor is the host's 0..100 minimum; dispatched strength is at least Floor/5.
	Floor  int
	Origin hub.Member
}

// WithFloor returns cmd with its strength raised to the host floor.
func (c Command) WithFloor() Command {
	if floor := c.Floor / 5; c.Strength < floor {
		c.Strength = floor
	}
	return c
}

type pendingEntry struct {
	lastSentAt time.Time
	pending    Command
	hasPending bool
	timer      *clock.Timer
}

// Coalescer lets at most one command per host through per cooldown window.
// Commands arriving inside the window are collapsed to the strongest, which
// is sent when the window closes.
type Coalescer struct {
	log      zerolog.Logger
	clock    clock.Clock
	cooldown time.Duration
	send     func(Command)

	mu      sync.Mutex
	entries map[string]*pendingEntry
}

// NewCoalescer creates a coalescer. send is called synchronously from Submit
// or from the window timer and must not block.
func NewCoalescer(log zerolog.Logger, clk clock.Clock, cooldown time.Duration, send func(Command)) *Coalescer {
	if cooldown <= 0 {
		cooldown = DefaultCoalesceCooldown
	}
	return &Coalescer{
		log:      log.With().Str("component", "coalescer").Logger(),
		clock:    clk,
		cooldown: cooldown,
		send:     send,
		entries:  make(map[string]*pendingEntry),
	}
}

// Submit sends cmd now if the host's window is open, otherwise buffers it.
// Returns true if it was sent immediately.
func (c *Coalescer) Submit(cmd Command) bool {
	key := strings.ToLower(cmd.HostUID)
	now := c.clock.Now()

	c.mu.Lock()
	e := c.entries[key]
	if e == nil {
		e = &pendingEntry{}
		c.entries[key] = e
	}

	if e.timer == nil && (e.lastSentAt.IsZero() || now.Sub(e.lastSentAt) >= c.cooldown) {
		e.lastSentAt = now
		c.mu.Unlock()
		c.send(cmd.WithFloor())
		return true
	}

	if !e.hasPending || cmd.Strength > e.pending.Strength {
		e.pending = cmd
		e.hasPending = true
	}
	if e.timer == nil {
		remaining := c.cooldown - now.Sub(e.lastSentAt)
		e.timer = c.clock.AfterFunc(remaining, func() { c.flush(key, e) })
	}
	c.mu.Unlock()

	c.log.Debug().Str("host", cmd.HostUID).Int("strength", cmd.Strength).Msg("command coalesced")
	return false
}

func (c *Coalescer) flush(key string, e *pendingEntry) {
	c.mu.Lock()
	if c.entries[key] != e || !e.hasPending {
		c.mu.Unlock()
		return
	}
	cmd := e.pending
	e.pending = Command{}
	e.hasPending = false
	e.timer = nil
	e.lastSentAt = c.clock.Now()
	c.mu.Unlock()

	c.send(cmd.WithFloor())
}

// Cancel drops any buffered command for host and forgets its window.
func (c *Coalescer) Cancel(hostUID string) {
	key := strings.ToLower(hostUID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.entries[key]; e != nil {
		e.timer.Stop()
		delete(c.entries, key)
	}
}

// Pending reports whether host has a buffered command.
func (c *Coalescer) Pending(hostUID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[strings.ToLower(hostUID)]
	return e != nil && e.hasPending
}
