// Package dispatch relays control commands to the device-control API without
// exceeding its rate limit.
//
// A command flows Coalescer → Resolver (device fan-out) → Dispatcher
// (endpoint failover) → Governor (global spacing) → device API.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/EscoLessgo/TypeNTalk-sub000/internal/clock"
	"github.com/rs/zerolog"
)

// DefaultGovernorCooldown is the minimum spacing between two outbound calls.
const DefaultGovernorCooldown = 150 * time.Millisecond

// Future is the pending result of a governed task.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) resolve(v T, err error) {
	f.value, f.err = v, err
	close(f.done)
}

// Wait blocks until the task has run or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

type queued struct {
	run func()
}

// Governor is a single global FIFO that spaces task starts by at least the
// cooldown. Exactly one drain goroutine runs while the queue is non-empty.
type Governor struct {
	log      zerolog.Logger
	clock    clock.Clock
	cooldown time.Duration

	mu        sync.Mutex
	queue     []queued
	draining  bool
	lastRunAt time.Time
}

// NewGovernor creates a governor. A non-positive cooldown uses the default.
func NewGovernor(log zerolog.Logger, clk clock.Clock, cooldown time.Duration) *Governor {
	if cooldown <= 0 {
		cooldown = DefaultGovernorCooldown
	}
	return &Governor{
		log:      log.With().Str("component", "governor").Logger(),
		clock:    clk,
		cooldown: cooldown,
	}
}

// Enqueue appends task to the global queue and returns its future. A task
// whose ctx is done by the time its turn comes is skipped with ctx's error.
// A panicking task rejects its own future; the queue keeps draining.
func Enqueue[T any](g *Governor, ctx context.Context, task func(context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()
	g.push(queued{run: func() {
		if err := ctx.Err(); err != nil {
			var zero T
			f.resolve(zero, err)
			return
		}
		var (
			v   T
			err error
		)
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("governed task panic: %v", r)
					g.log.Error().
						Interface("panic", r).
						Str("stack", string(debug.Stack())).
						Msg("governed task crashed")
				}
			}()
			v, err = task(ctx)
		}()
		f.resolve(v, err)
	}})
	return f
}

func (g *Governor) push(q queued) {
	g.mu.Lock()
	g.queue = append(g.queue, q)
	if g.draining {
		g.mu.Unlock()
		return
	}
	g.draining = true
	g.mu.Unlock()

	go g.drain()
}

func (g *Governor) drain() {
	for {
		g.mu.Lock()
		if len(g.queue) == 0 {
			g.draining = false
			g.mu.Unlock()
			return
		}
		next := g.queue[0]
		g.queue[0] = queued{}
		g.queue = g.queue[1:]
		last := g.lastRunAt
		g.mu.Unlock()

		if !last.IsZero() {
			if wait := g.cooldown - g.clock.Now().Sub(last); wait > 0 {
				clock.Sleep(g.clock, wait, nil)
			}
		}

		next.run()

		g.mu.Lock()
		g.lastRunAt = g.clock.Now()
		g.mu.Unlock()
	}
}

// Pending returns the number of tasks waiting to run.
func (g *Governor) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}
