package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	c.AfterFunc(100*time.Millisecond, func() { fired++ })

	c.Advance(99 * time.Millisecond)
	assert.Equal(t, 0, fired)

	c.Advance(time.Millisecond)
	assert.Equal(t, 1, fired)

	c.Advance(time.Second)
	assert.Equal(t, 1, fired, "one-shot timers fire once")
}

func TestFakeTimerStop(t *testing.T) {
	c := Fake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	require.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	c.Advance(2 * time.Second)
	assert.False(t, fired)
	assert.Equal(t, 0, c.Pending())
}

func TestFakeCallbacksRunInDeadlineOrder(t *testing.T) {
	c := Fake(epoch)
	var order []string
	c.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	c.AfterFunc(1*time.Second, func() { order = append(order, "a") })
	c.AfterFunc(2*time.Second, func() { order = append(order, "b") })

	c.Advance(5 * time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestFakeTicker(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Minute)
	defer ticker.Stop()

	c.Advance(time.Minute)
	select {
	case at := <-ticker.C:
		assert.Equal(t, epoch.Add(time.Minute), at)
	default:
		t.Fatal("expected a tick")
	}
	assert.Equal(t, 1, c.Pending(), "ticker stays armed")
}

func TestSleepInterrupted(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	result := make(chan bool, 1)
	go func() { result <- Sleep(c, time.Hour, done) }()

	c.WaitForTimers(1)
	close(done)
	assert.False(t, <-result)
}

func TestSleepCompletes(t *testing.T) {
	c := Fake(epoch)
	result := make(chan bool, 1)
	go func() { result <- Sleep(c, time.Second, nil) }()

	c.WaitForTimers(1)
	c.Advance(time.Second)
	assert.True(t, <-result)
}
