package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/EscoLessgo/TypeNTalk-sub000/internal/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentLog struct {
	mu   sync.Mutex
	sent []Command
}

func (s *sentLog) record(cmd Command) {
	s.mu.Lock()
	s.sent = append(s.sent, cmd)
	s.mu.Unlock()
}

func (s *sentLog) strengths() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.sent))
	for _, c := range s.sent {
		out = append(out, c.Strength)
	}
	return out
}

func newTestCoalescer(t *testing.T) (*Coalescer, *clock.FakeClock, *sentLog) {
	t.Helper()
	clk := clock.Fake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	log := &sentLog{}
	return NewCoalescer(zerolog.Nop(), clk, 200*time.Millisecond, log.record), clk, log
}

func TestCoalescerCollapsesBurstToStrongest(t *testing.T) {
	c, clk, sent := newTestCoalescer(t)

	// Open the window with one command so the burst lands inside it.
	require.True(t, c.Submit(Command{HostUID: "h1", Strength: 1}))

	clk.Advance(20 * time.Millisecond)
	for _, s := range []int{3, 7, 2} {
		assert.False(t, c.Submit(Command{HostUID: "h1", Strength: s}))
	}
	assert.Equal(t, []int{1}, sent.strengths())
	assert.True(t, c.Pending("h1"))

	clk.Advance(180 * time.Millisecond)
	assert.Equal(t, []int{1, 7}, sent.strengths())
	assert.False(t, c.Pending("h1"))

	// Nothing left to flush.
	clk.Advance(time.Second)
	assert.Equal(t, []int{1, 7}, sent.strengths())
}

func TestCoalescerSendsImmediatelyAfterQuietWindow(t *testing.T) {
	c, clk, sent := newTestCoalescer(t)

	assert.True(t, c.Submit(Command{HostUID: "h1", Strength: 4}))
	clk.Advance(250 * time.Millisecond)
	assert.True(t, c.Submit(Command{HostUID: "h1", Strength: 2}))

	assert.Equal(t, []int{4, 2}, sent.strengths())
	assert.Zero(t, clk.Pending())
}

func TestCoalescerHostsAreIndependent(t *testing.T) {
	c, _, sent := newTestCoalescer(t)

	assert.True(t, c.Submit(Command{HostUID: "alice", Strength: 5}))
	assert.True(t, c.Submit(Command{HostUID: "bob", Strength: 6}))
	assert.False(t, c.Submit(Command{HostUID: "ALICE", Strength: 9}))

	assert.Equal(t, []int{5, 6}, sent.strengths())
}

func TestCoalescerAppliesFloor(t *testing.T) {
	c, clk, sent := newTestCoalescer(t)

	c.Submit(Command{HostUID: "h1", Strength: 2, Floor: 50})
	c.Submit(Command{HostUID: "h1", Strength: 3, Floor: 50})
	clk.Advance(200 * time.Millisecond)

	assert.Equal(t, []int{10, 10}, sent.strengths())

	c.Submit(Command{HostUID: "h2", Strength: 15, Floor: 50})
	assert.Equal(t, []int{10, 10, 15}, sent.strengths())
}

func TestCoalescerCancelDropsPending(t *testing.T) {
	c, clk, sent := newTestCoalescer(t)

	c.Submit(Command{HostUID: "h1", Strength: 1})
	c.Submit(Command{HostUID: "h1", Strength: 8})
	require.True(t, c.Pending("h1"))

	c.Cancel("H1")
	clk.Advance(time.Second)

	assert.Equal(t, []int{1}, sent.strengths())
	assert.False(t, c.Pending("h1"))

	// A cancelled host starts fresh.
	assert.True(t, c.Submit(Command{HostUID: "h1", Strength: 3}))
}

func TestCommandWithFloor(t *testing.T) {
	tests := []struct {
		strength, floor, want int
	}{
		{0, 0, 0},
		{5, 0, 5},
		{5, 100, 20},
		{12, 40, 12},
		{1, 9, 1},
	}
	for _, tt := range tests {
		got := Command{Strength: tt.strength, Floor: tt.floor}.WithFloor()
		assert.Equal(t, tt.want, got.Strength, "strength=%d floor=%d", tt.strength, tt.floor)
	}
}
