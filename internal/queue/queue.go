package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rezonia/fiscal-gateway/internal/clock"
	"github.com/rezonia/fiscal-gateway/internal/metrics"
	"github.com/rezonia/fiscal-gateway/internal/transmission"
)

// Queue holds transmissions that failed transiently.
type Queue struct {
	store       Store
	deadLetters DeadLetterStore
	policy      Policy
	clock       clock.Clock
	logger      *slog.Logger
	metrics     *metrics.Metrics

	// dead serializes dead-lettering so an item is never recorded twice.
	dead sync.Mutex
}

// Option configures a Queue.
type Option func(*Queue)

// WithStore sets the item store. The default is a MemoryStore.
func WithStore(s Store) Option {
	return func(q *Queue) {
		if s != nil {
			q.store = s
		}
	}
}

// WithDeadLetterStore sets the dead-letter store.
func WithDeadLetterStore(s DeadLetterStore) Option {
	return func(q *Queue) {
		if s != nil {
			q.deadLetters = s
		}
	}
}

// WithPolicy sets the backoff policy. Zero fields keep their defaults.
func WithPolicy(p Policy) Option {
	return func(q *Queue) {
		q.policy = p.withDefaults()
	}
}

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) {
		if c != nil {
			q.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

// New creates a queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		store:       NewMemoryStore(),
		deadLetters: NewMemoryDeadLetters(),
		policy:      DefaultPolicy(),
		clock:       clock.Real(),
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Policy returns the backoff policy in use.
func (q *Queue) Policy() Policy {
	return q.policy
}

// Enqueue records a transmission that just failed transiently. The failure
// counts as the first attempt.
func (q *Queue) Enqueue(ctx context.Context, env transmission.Envelope, reason string) (Item, error) {
	if err := env.Validate(); err != nil {
		return Item{}, err
	}
	now := q.clock.Now()
	item := Item{
		ID:              uuid.NewString(),
		Envelope:        env.Clone(),
		Attempts:        1,
		MaxAttempts:     q.policy.MaxAttempts,
		NextEligibleAt:  now.Add(q.policy.Backoff(1)),
		LastFailure:     reason,
		FirstEnqueuedAt: now,
	}
	if err := q.store.Put(ctx, item); err != nil {
		return Item{}, fmt.Errorf("queue: enqueue: %w", err)
	}
	q.logger.Info("transmission queued",
		"item", item.ID,
		"access_key", env.AccessKey,
		"operation", env.Operation,
		"next_eligible_at", item.NextEligibleAt,
		"reason", reason)
	q.observe(ctx)
	return item.Clone(), nil
}

// DrainEligible removes and returns the items whose next eligible time has
// passed. Ineligible items stay queued.
func (q *Queue) DrainEligible(ctx context.Context, now time.Time) ([]Item, error) {
	items, err := q.store.DrainEligible(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("queue: drain: %w", err)
	}
	return items, nil
}

// writeAttempts bounds how often a store write is tried before the item is
// routed elsewhere.
const writeAttempts = 3

func retryWrite(ctx context.Context, write func(context.Context) error) error {
	var err error
	for range writeAttempts {
		if err = write(ctx); err == nil {
			return nil
		}
	}
	return err
}

// Requeue records another transient failure of a drained item. The item is
// dead-lettered instead when it has no attempt left, or when the store keeps
// refusing it.
func (q *Queue) Requeue(ctx context.Context, item Item, reason string) (requeued bool, err error) {
	item.Attempts++
	item.LastFailure = reason
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = q.policy.MaxAttempts
	}
	if item.Exhausted() {
		return false, q.DeadLetter(ctx, item, reason)
	}
	item.NextEligibleAt = q.clock.Now().Add(q.policy.Backoff(item.Attempts))
	perr := retryWrite(ctx, func(ctx context.Context) error { return q.store.Put(ctx, item) })
	if perr != nil {
		q.logger.Error("requeue refused by store, dead-lettering",
			"item", item.ID,
			"access_key", item.Envelope.AccessKey,
			"error", perr)
		if derr := q.DeadLetter(ctx, item, reason+"; requeue failed: "+perr.Error()); derr != nil {
			return false, errors.Join(fmt.Errorf("queue: requeue %s: %w", item.ID, perr), derr)
		}
		return false, nil
	}
	q.logger.Info("transmission rescheduled",
		"item", item.ID,
		"access_key", item.Envelope.AccessKey,
		"attempts", item.Attempts,
		"next_eligible_at", item.NextEligibleAt,
		"reason", reason)
	q.observe(ctx)
	return true, nil
}

// DeadLetter moves a drained item out of the queue for manual handling.
// When the dead-letter store keeps failing the item goes back to the queue
// so that it is not lost; the returned error says so.
func (q *Queue) DeadLetter(ctx context.Context, item Item, reason string) error {
	q.dead.Lock()
	defer q.dead.Unlock()

	dl := deadLetterOf(item, reason, q.clock.Now())
	aerr := retryWrite(ctx, func(ctx context.Context) error { return q.deadLetters.Add(ctx, dl) })
	if aerr != nil {
		item.LastFailure = reason
		item.NextEligibleAt = q.clock.Now().Add(q.policy.Backoff(item.Attempts))
		if perr := retryWrite(ctx, func(ctx context.Context) error { return q.store.Put(ctx, item) }); perr != nil {
			return errors.Join(fmt.Errorf("queue: dead letter %s: %w", item.ID, aerr),
				fmt.Errorf("queue: restore %s: %w", item.ID, perr))
		}
		q.logger.Error("dead letter refused by store, item restored",
			"item", item.ID,
			"access_key", dl.AccessKey,
			"error", aerr)
		q.observe(ctx)
		return fmt.Errorf("queue: dead letter %s: %w: %w", item.ID, ErrRestored, aerr)
	}
	q.logger.Warn("transmission dead-lettered",
		"item", item.ID,
		"access_key", dl.AccessKey,
		"attempts", dl.Attempts,
		"reason", reason)
	q.observe(ctx)
	return nil
}

// Remove drops a queued item without sending it.
func (q *Queue) Remove(ctx context.Context, id string) error {
	if err := q.store.Remove(ctx, id); err != nil {
		return err
	}
	q.observe(ctx)
	return nil
}

// List returns the queued items ordered by next eligibility.
func (q *Queue) List(ctx context.Context) ([]Item, error) {
	return q.store.List(ctx)
}

// Len returns the number of queued items.
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.store.Len(ctx)
}

// DeadLetters returns the dead-lettered transmissions.
func (q *Queue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	return q.deadLetters.List(ctx)
}

// DeadLetterCount returns the number of dead letters.
func (q *Queue) DeadLetterCount(ctx context.Context) (int, error) {
	return q.deadLetters.Count(ctx)
}

func (q *Queue) observe(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	if n, err := q.store.Len(ctx); err == nil {
		q.metrics.SetQueueDepth(n)
	}
	if n, err := q.deadLetters.Count(ctx); err == nil {
		q.metrics.SetDeadLetters(n)
	}
}
