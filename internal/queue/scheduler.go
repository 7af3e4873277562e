package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rezonia/fiscal-gateway/internal/clock"
	"github.com/rezonia/fiscal-gateway/internal/metrics"
	"github.com/rezonia/fiscal-gateway/internal/transmission"
)

// ResultHandler observes the outcome of every resubmission. err is nil on
// success. Handlers run on the scheduler goroutine.
type ResultHandler func(ctx context.Context, item Item, result *transmission.Result, err error)

// Scheduler periodically resubmits eligible items.
type Scheduler struct {
	queue    *Queue
	sender   transmission.Sender
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	handlers []ResultHandler
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithInterval sets the tick interval.
func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSchedulerClock sets the clock driving the ticks.
func WithSchedulerClock(c clock.Clock) SchedulerOption {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSchedulerMetrics sets the metrics collectors.
func WithSchedulerMetrics(m *metrics.Metrics) SchedulerOption {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// OnResult registers a handler called after each resubmission.
func OnResult(h ResultHandler) SchedulerOption {
	return func(s *Scheduler) {
		if h != nil {
			s.handlers = append(s.handlers, h)
		}
	}
}

// NewScheduler creates a scheduler for q. It shares the queue clock unless
// one is given.
func NewScheduler(q *Queue, sender transmission.Sender, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		queue:    q,
		sender:   sender,
		interval: DefaultInterval,
		clock:    q.clock,
		logger:   q.logger,
		metrics:  q.metrics,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks until ctx is canceled. Errors of one pass are logged and the
// loop continues.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("retry scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retry scheduler stopped")
			return nil
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("retry pass failed", "error", err)
			}
		}
	}
}

// PassStats summarizes one retry pass.
type PassStats struct {
	Drained      int
	Succeeded    int
	Requeued     int
	DeadLettered int
}

// RunOnce drains the eligible items and resubmits them one by one. The
// store lock is never held while sending.
func (s *Scheduler) RunOnce(ctx context.Context) (PassStats, error) {
	var stats PassStats
	items, err := s.queue.DrainEligible(ctx, s.clock.Now())
	if err != nil {
		return stats, err
	}
	stats.Drained = len(items)

	for i, item := range items {
		if ctx.Err() != nil {
			// Put back what was drained but not attempted.
			for _, rest := range items[i:] {
				if err := s.queue.store.Put(context.WithoutCancel(ctx), rest); err != nil {
					s.logger.Error("restoring drained item", "item", rest.ID, "error", err)
				}
			}
			return stats, ctx.Err()
		}
		s.resubmit(ctx, item, &stats)
	}

	if stats.Drained > 0 {
		s.logger.Info("retry pass finished",
			"drained", stats.Drained,
			"succeeded", stats.Succeeded,
			"requeued", stats.Requeued,
			"dead_lettered", stats.DeadLettered)
	}
	return stats, nil
}

// resubmit sends one drained item. Cancellation of ctx does not abort the
// call or its bookkeeping: the send is bounded by the client timeout and the
// item must land in the queue or the dead letters either way.
func (s *Scheduler) resubmit(ctx context.Context, item Item, stats *PassStats) {
	ctx = context.WithoutCancel(ctx)
	result, err := s.sender.Send(ctx, item.Envelope)
	for _, h := range s.handlers {
		h(ctx, item, result, err)
	}

	switch transmission.KindOf(err) {
	case transmission.KindNone:
		stats.Succeeded++
		s.metrics.IncRetry("success")
		s.queue.observe(ctx)
		return
	case transmission.KindTransient:
		requeued, qerr := s.queue.Requeue(ctx, item, transmission.ReasonOf(err))
		switch {
		case errors.Is(qerr, ErrRestored):
			s.logger.Error("exhausted item kept in queue", "item", item.ID, "error", qerr)
			stats.Requeued++
		case qerr != nil:
			s.logger.Error("requeue failed, item lost", "item", item.ID, "access_key", item.Envelope.AccessKey, "error", qerr)
		case requeued:
			stats.Requeued++
			s.metrics.IncRetry("requeued")
		default:
			stats.DeadLettered++
			s.metrics.IncRetry("exhausted")
		}
		return
	}

	item.Attempts++
	derr := s.queue.DeadLetter(ctx, item, transmission.ReasonOf(err))
	switch {
	case errors.Is(derr, ErrRestored):
		s.logger.Error("rejected item kept in queue", "item", item.ID, "error", derr)
		stats.Requeued++
	case derr != nil:
		s.logger.Error("dead letter failed, item lost", "item", item.ID, "access_key", item.Envelope.AccessKey, "error", derr)
	default:
		stats.DeadLettered++
		s.metrics.IncRetry("rejected")
	}
}
