// Package runner runs one phase of work as a bounded set of concurrent
// tasks and fans their events out to stats subscribers.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/mbox-dedup/stats"
)

type TaskFunc func(context.Context) error

// Runner is a single phase: tasks added with Go run on at most limit
// goroutines and Wait is the join barrier. A task returning an error
// cancels the context handed to the remaining tasks; tasks that want
// partial-failure isolation handle their errors and return nil.
type Runner struct {
	name   string
	logger *slog.Logger

	ctx   context.Context
	group *errgroup.Group

	events      chan stats.Event
	subscribers atomic.Int32
	statsWG     sync.WaitGroup

	closeEventsOnce sync.Once
	since           time.Time
}

// New starts a phase. limit <= 0 means no bound.
func New(ctx context.Context, name string, limit int, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	group, groupCtx := errgroup.WithContext(ctx)
	if limit > 0 {
		group.SetLimit(limit)
	}
	return &Runner{
		name:   name,
		logger: logger,
		ctx:    groupCtx,
		group:  group,
		events: make(chan stats.Event, 128),
		since:  time.Now(),
	}
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

// Go schedules a task, blocking while the pool is full.
func (r *Runner) Go(name string, fn TaskFunc) {
	r.group.Go(func() error {
		if err := fn(r.ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	})
}

// EmitEvent hands an event to the subscribers. Events emitted with no
// subscriber, or after the phase is cancelled, are dropped.
func (r *Runner) EmitEvent(evt stats.Event) {
	if r.subscribers.Load() == 0 {
		return
	}
	select {
	case <-r.ctx.Done():
	case r.events <- evt:
	}
}

// SubscribeStats starts fn on the event stream. Subscribe before adding
// tasks; subscribers must keep reading until the channel closes.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.subscribers.Add(1)
	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(context.WithoutCancel(r.ctx), r.events); err != nil {
			r.logger.Warn("stats subscriber failed", "phase", r.name, "subscriber", name, "err", err)
		}
	}()
}

// Wait blocks until every task returned and every subscriber drained the
// event stream. It returns the first task error.
func (r *Runner) Wait() error {
	err := r.group.Wait()
	r.closeEventsOnce.Do(func() {
		close(r.events)
	})
	r.statsWG.Wait()

	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("phase failed", "phase", r.name, "duration", duration, "err", err)
		return err
	}
	r.logger.Info("phase completed", "phase", r.name, "duration", duration)
	return nil
}
