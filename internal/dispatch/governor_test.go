package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/EscoLessgo/TypeNTalk-sub000/internal/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGovernorSpacesStarts(t *testing.T) {
	const cooldown = 25 * time.Millisecond
	g := NewGovernor(zerolog.Nop(), clock.Real(), cooldown)

	var (
		mu     sync.Mutex
		starts []time.Time
	)
	futures := make([]*Future[int], 0, 5)
	for i := 0; i < 5; i++ {
		i := i
		futures = append(futures, Enqueue(g, context.Background(), func(context.Context) (int, error) {
			mu.Lock()
			starts = append(starts, time.Now())
			mu.Unlock()
			return i, nil
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i, f := range futures {
		v, err := f.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, starts, 5)
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		assert.GreaterOrEqual(t, gap, cooldown, "gap %d", i)
	}
}

func TestGovernorPreservesOrder(t *testing.T) {
	g := NewGovernor(zerolog.Nop(), clock.Real(), time.Millisecond)

	var (
		mu    sync.Mutex
		order []int
	)
	var last *Future[struct{}]
	for i := 0; i < 20; i++ {
		i := i
		last = Enqueue(g, context.Background(), func(context.Context) (struct{}, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return struct{}{}, nil
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := last.Wait(ctx)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		assert.Equal(t, i, v)
	}
	assert.Len(t, order, 20)
}

func TestGovernorContinuesAfterFailure(t *testing.T) {
	g := NewGovernor(zerolog.Nop(), clock.Real(), time.Millisecond)
	boom := errors.New("boom")

	failing := Enqueue(g, context.Background(), func(context.Context) (string, error) {
		return "", boom
	})
	panicking := Enqueue(g, context.Background(), func(context.Context) (string, error) {
		panic("device exploded")
	})
	ok := Enqueue(g, context.Background(), func(context.Context) (string, error) {
		return "done", nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := failing.Wait(ctx)
	assert.ErrorIs(t, err, boom)

	_, err = panicking.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")

	v, err := ok.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "done", v)
	assert.Zero(t, g.Pending())
}

func TestGovernorSkipsCancelledTask(t *testing.T) {
	g := NewGovernor(zerolog.Nop(), clock.Real(), time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	f := Enqueue(g, ctx, func(context.Context) (int, error) {
		ran = true
		return 1, nil
	})

	waitCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	select {
	case <-f.Done():
	case <-waitCtx.Done():
		t.Fatal("future never resolved")
	}
	_, err := f.Wait(waitCtx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
}
