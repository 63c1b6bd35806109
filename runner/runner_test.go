package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mbox-dedup/stats"
)

func TestRunnerDeliversEvents(t *testing.T) {
	r := New(context.Background(), "test", 2, nil)

	collector := stats.NewCollector()
	r.SubscribeStats("collector", func(ctx context.Context, events <-chan stats.Event) error {
		collector.Run(ctx, events)
		return nil
	})

	for i := 0; i < 10; i++ {
		r.Go("task", func(ctx context.Context) error {
			r.EmitEvent(stats.Event{Type: stats.EventTypeScanned, Records: i})
			return nil
		})
	}
	require.NoError(t, r.Wait())

	summary := collector.Snapshot()
	assert.Equal(t, 10, summary.Files)
	assert.Equal(t, 45, summary.Records)
}

func TestRunnerWithoutSubscribersDropsEvents(t *testing.T) {
	r := New(context.Background(), "test", 1, nil)
	for i := 0; i < 500; i++ {
		r.Go("task", func(ctx context.Context) error {
			r.EmitEvent(stats.Event{Type: stats.EventTypeScanned})
			return nil
		})
	}
	require.NoError(t, r.Wait())
}

func TestRunnerFirstErrorCancels(t *testing.T) {
	boom := errors.New("boom")
	r := New(context.Background(), "test", 0, nil)

	started := make(chan struct{})
	r.Go("waiter", func(ctx context.Context) error {
		close(started)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Second):
			return errors.New("not cancelled")
		}
	})
	<-started
	r.Go("failing", func(ctx context.Context) error {
		return boom
	})

	err := r.Wait()
	require.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "failing")
	assert.ErrorIs(t, r.Context().Err(), context.Canceled)
}

func TestRunnerLimit(t *testing.T) {
	const limit = 3
	r := New(context.Background(), "test", limit, nil)

	var (
		mu      sync.Mutex
		running int
		peak    int
	)
	for i := 0; i < 20; i++ {
		r.Go("task", func(ctx context.Context) error {
			mu.Lock()
			running++
			peak = max(peak, running)
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			running--
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, r.Wait())
	assert.LessOrEqual(t, peak, limit)
	assert.Positive(t, peak)
}

func TestRunnerParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := New(ctx, "test", 1, nil)
	cancel()

	r.Go("task", func(ctx context.Context) error {
		return ctx.Err()
	})
	assert.ErrorIs(t, r.Wait(), context.Canceled)
}
