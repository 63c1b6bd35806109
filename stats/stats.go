package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Stage string

const (
	StageHash      Stage = "hash"
	StageWrite     Stage = "write"
	StageGenerate  Stage = "generate"
	StagePartition Stage = "partition"
)

type EventType string

const (
	EventTypeScanned   EventType = "scanned"
	EventTypeRejected  EventType = "rejected"
	EventTypeWritten   EventType = "written"
	EventTypeMismatch  EventType = "mismatch"
	EventTypeGenerated EventType = "generated"
	EventTypeDeduped   EventType = "deduped"
	EventTypeError     EventType = "error"
)

type Event struct {
	Stage   Stage
	Type    EventType
	Path    string
	Records int
	Err     error
}

type Summary struct {
	Files      int
	Rejected   int
	Records    int
	Written    int
	Mismatched int
	Generated  int
	Deduped    int
	Errors     int
	LastError  error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"files", s.Files,
		"rejected", s.Rejected,
		"records", s.Records,
		"written", s.Written,
		"mismatched", s.Mismatched,
		"generated", s.Generated,
		"deduped", s.Deduped,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Apply folds one event into the summary.
func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeScanned:
		c.summary.Files++
		c.summary.Records += evt.Records
	case EventTypeRejected:
		c.summary.Files++
		c.summary.Rejected++
		c.summary.Records += evt.Records
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	case EventTypeWritten:
		c.summary.Written++
	case EventTypeMismatch:
		c.summary.Mismatched++
	case EventTypeGenerated:
		c.summary.Generated++
	case EventTypeDeduped:
		c.summary.Deduped++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

// Reporter logs a summary once the stream it subscribed to closes.
type Reporter struct {
	name      string
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(name string, stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		name:      name,
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append([]any{"phase", r.name}, summary.LogAttrs()...)
	attrs = append(attrs, "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

// Summary is only complete after the stream's owner finished waiting.
func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}
