package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/fiscal-gateway/internal/clock"
	"github.com/rezonia/fiscal-gateway/internal/model"
	"github.com/rezonia/fiscal-gateway/internal/transmission"
)

var start = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func envelope(key string) transmission.Envelope {
	return transmission.Envelope{
		Payload:     []byte(`<enviNFe xmlns="http://www.portalfiscal.inf.br/nfe" versao="4.00"><idLote>1</idLote></enviNFe>`),
		State:       "SP",
		Environment: model.EnvironmentHomologation,
		Operation:   transmission.OpBatchSubmit,
		AccessKey:   key,
		CreatedAt:   start,
	}
}

func TestPolicy_Backoff(t *testing.T) {
	p := DefaultPolicy()
	want := []time.Duration{
		5 * time.Minute,
		10 * time.Minute,
		20 * time.Minute,
		40 * time.Minute,
		80 * time.Minute,
		160 * time.Minute,
		320 * time.Minute,
		8 * time.Hour,
		8 * time.Hour,
		8 * time.Hour,
	}
	for i, w := range want {
		assert.Equal(t, w, p.Backoff(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, 5*time.Minute, p.Backoff(0))
	assert.Equal(t, 8*time.Hour, p.Backoff(60))
}

func TestPolicy_ZeroFieldsUseDefaults(t *testing.T) {
	p := Policy{BaseDelay: time.Minute}
	assert.Equal(t, 2*time.Minute, p.Backoff(2))
	assert.Equal(t, DefaultMaxAttempts, p.withDefaults().MaxAttempts)
}

func TestQueue_Enqueue(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(start)
	q := New(WithClock(clk))

	env := envelope("key-1")
	item, err := q.Enqueue(ctx, env, "timeout")
	require.NoError(t, err)

	assert.NotEmpty(t, item.ID)
	assert.Equal(t, 1, item.Attempts)
	assert.Equal(t, DefaultMaxAttempts, item.MaxAttempts)
	assert.Equal(t, start.Add(5*time.Minute), item.NextEligibleAt)
	assert.Equal(t, start, item.FirstEnqueuedAt)
	assert.Equal(t, "timeout", item.LastFailure)

	// The queue owns its copy of the payload.
	env.Payload[1] = 'X'
	items, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, byte('e'), items[0].Envelope.Payload[1])
}

func TestQueue_EnqueueRejectsInvalidEnvelope(t *testing.T) {
	q := New()
	_, err := q.Enqueue(context.Background(), transmission.Envelope{State: "SP"}, "x")
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))
}

func TestQueue_DrainEligible(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(start)
	q := New(WithClock(clk))

	_, err := q.Enqueue(ctx, envelope("early"), "x")
	require.NoError(t, err)
	clk.Advance(3 * time.Minute)
	_, err = q.Enqueue(ctx, envelope("late"), "x")
	require.NoError(t, err)

	items, err := q.DrainEligible(ctx, start.Add(4*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, items)

	items, err = q.DrainEligible(ctx, start.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "early", items[0].Envelope.AccessKey)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A drained item is gone; draining again returns only the late one.
	items, err = q.DrainEligible(ctx, start.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "late", items[0].Envelope.AccessKey)
}

func TestQueue_RequeueSchedulesWithBackoff(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(start)
	q := New(WithClock(clk))

	_, err := q.Enqueue(ctx, envelope("k"), "first")
	require.NoError(t, err)

	delays := []time.Duration{10 * time.Minute, 20 * time.Minute, 40 * time.Minute, 80 * time.Minute}
	for i, d := range delays {
		items, err := q.DrainEligible(ctx, time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		require.Len(t, items, 1)

		now := clk.Now()
		requeued, err := q.Requeue(ctx, items[0], "again")
		require.NoError(t, err)
		require.True(t, requeued)

		list, err := q.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, i+2, list[0].Attempts)
		assert.Equal(t, now.Add(d), list[0].NextEligibleAt)
		clk.Advance(d)
	}
}

func TestQueue_ExhaustionDeadLettersExactlyOnce(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(start)
	q := New(WithClock(clk), WithPolicy(Policy{MaxAttempts: 3}))

	_, err := q.Enqueue(ctx, envelope("k"), "first")
	require.NoError(t, err)

	far := time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
	var requeues []bool
	for {
		items, err := q.DrainEligible(ctx, far)
		require.NoError(t, err)
		if len(items) == 0 {
			break
		}
		requeued, err := q.Requeue(ctx, items[0], "still down")
		require.NoError(t, err)
		requeues = append(requeues, requeued)
	}
	assert.Equal(t, []bool{true, false}, requeues)

	dls, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, "k", dls[0].AccessKey)
	assert.Equal(t, 3, dls[0].Attempts)
	assert.Equal(t, "still down", dls[0].LastFailure)
	assert.Equal(t, start, dls[0].FirstEnqueuedAt)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// faultyStore refuses writes while failPuts is positive, or always when
// broken is set.
type faultyStore struct {
	*MemoryStore
	failPuts int
	broken   bool
	puts     int
}

func (s *faultyStore) Put(ctx context.Context, item Item) error {
	s.puts++
	if s.broken {
		return errors.New("store unavailable")
	}
	if s.failPuts > 0 {
		s.failPuts--
		return errors.New("store unavailable")
	}
	return s.MemoryStore.Put(ctx, item)
}

type brokenDeadLetters struct {
	*MemoryDeadLetters
	adds int
}

func (s *brokenDeadLetters) Add(context.Context, DeadLetter) error {
	s.adds++
	return errors.New("dead letters unavailable")
}

func drainOne(t *testing.T, q *Queue) Item {
	t.Helper()
	items, err := q.DrainEligible(context.Background(), time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, items, 1)
	return items[0]
}

func TestQueue_RequeueRetriesFailedWrite(t *testing.T) {
	ctx := context.Background()
	store := &faultyStore{MemoryStore: NewMemoryStore()}
	q := New(WithClock(clock.Fake(start)), WithStore(store))
	_, err := q.Enqueue(ctx, envelope("k"), "first")
	require.NoError(t, err)

	item := drainOne(t, q)
	store.failPuts = writeAttempts - 1
	requeued, err := q.Requeue(ctx, item, "again")
	require.NoError(t, err)
	assert.True(t, requeued)

	list, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].Attempts)
}

func TestQueue_RequeueRefusedGoesToDeadLetters(t *testing.T) {
	ctx := context.Background()
	store := &faultyStore{MemoryStore: NewMemoryStore()}
	q := New(WithClock(clock.Fake(start)), WithStore(store))
	_, err := q.Enqueue(ctx, envelope("k"), "first")
	require.NoError(t, err)

	item := drainOne(t, q)
	store.broken = true
	requeued, err := q.Requeue(ctx, item, "again")
	require.NoError(t, err)
	assert.False(t, requeued)
	assert.Equal(t, 1+writeAttempts, store.puts)

	dls, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, "k", dls[0].AccessKey)
	assert.Equal(t, 2, dls[0].Attempts)
	assert.Contains(t, dls[0].LastFailure, "requeue failed")
}

func TestQueue_DeadLetterRefusedRestoresItem(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(start)
	dead := &brokenDeadLetters{MemoryDeadLetters: NewMemoryDeadLetters()}
	q := New(WithClock(clk), WithDeadLetterStore(dead))
	_, err := q.Enqueue(ctx, envelope("k"), "first")
	require.NoError(t, err)

	item := drainOne(t, q)
	err = q.DeadLetter(ctx, item, "Rejeicao: Duplicidade de NF-e")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRestored)
	assert.Equal(t, writeAttempts, dead.adds)

	list, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, item.ID, list[0].ID)
	assert.Equal(t, "Rejeicao: Duplicidade de NF-e", list[0].LastFailure)
	assert.True(t, list[0].NextEligibleAt.After(clk.Now()))
}

func TestQueue_DeadLetterLostOnlyWhenBothStoresFail(t *testing.T) {
	ctx := context.Background()
	store := &faultyStore{MemoryStore: NewMemoryStore()}
	q := New(
		WithClock(clock.Fake(start)),
		WithStore(store),
		WithDeadLetterStore(&brokenDeadLetters{MemoryDeadLetters: NewMemoryDeadLetters()}),
	)
	_, err := q.Enqueue(ctx, envelope("k"), "first")
	require.NoError(t, err)

	item := drainOne(t, q)
	store.broken = true
	err = q.DeadLetter(ctx, item, "rejected")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRestored)
}

func TestMemoryStore_Remove(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Put(ctx, Item{ID: "a", NextEligibleAt: start}))
	require.NoError(t, s.Remove(ctx, "a"))
	assert.ErrorIs(t, s.Remove(ctx, "a"), ErrNotFound)
}

func TestMemoryDeadLetters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryDeadLetters()
	require.NoError(t, s.Add(ctx, DeadLetter{ItemID: "a"}))
	require.NoError(t, s.Add(ctx, DeadLetter{ItemID: "b"}))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.Delete(ctx, "a"))
	assert.ErrorIs(t, s.Delete(ctx, "a"), ErrNotFound)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].ItemID)
}

func TestItemCodec(t *testing.T) {
	item := Item{
		ID:              "id",
		Envelope:        envelope("k"),
		Attempts:        2,
		MaxAttempts:     10,
		NextEligibleAt:  start.Add(time.Minute + 123*time.Nanosecond),
		LastFailure:     "503",
		FirstEnqueuedAt: start,
	}
	data, err := encodeItem(item)
	require.NoError(t, err)

	again, err := encodeItem(item)
	require.NoError(t, err)
	assert.Equal(t, data, again)

	decoded, err := decodeItem(data)
	require.NoError(t, err)
	assert.True(t, item.NextEligibleAt.Equal(decoded.NextEligibleAt))
	assert.Equal(t, item.Envelope.Payload, decoded.Envelope.Payload)
	assert.Equal(t, item.Envelope.Operation, decoded.Envelope.Operation)
}
