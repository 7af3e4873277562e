package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces the queue keys.
const DefaultRedisPrefix = "fiscal:queue:"

const maxTxRetries = 5

// RedisStore keeps items in a hash (id → CBOR item) and their schedule in a
// sorted set scored by next eligibility in milliseconds. Items survive
// process restarts.
type RedisStore struct {
	client   redis.UniversalClient
	schedule string
	items    string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.schedule = prefix + "schedule"
		s.items = prefix + "items"
	}
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client}
	WithKeyPrefix(DefaultRedisPrefix)(s)
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Put stores the item and its schedule in one transaction.
func (s *RedisStore) Put(ctx context.Context, item Item) error {
	data, err := encodeItem(item)
	if err != nil {
		return fmt.Errorf("encode item %s: %w", item.ID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.items, item.ID, data)
		pipe.ZAdd(ctx, s.schedule, redis.Z{Score: score(item.NextEligibleAt), Member: item.ID})
		return nil
	})
	return err
}

// DrainEligible removes the eligible items under WATCH so concurrent
// drains never hand out the same item twice.
func (s *RedisStore) DrainEligible(ctx context.Context, now time.Time) ([]Item, error) {
	var drained []Item
	txf := func(tx *redis.Tx) error {
		drained = nil
		ids, err := tx.ZRangeByScore(ctx, s.schedule, &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(now.UnixMilli(), 10),
		}).Result()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		vals, err := tx.HMGet(ctx, s.items, ids...).Result()
		if err != nil {
			return err
		}
		for i, v := range vals {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			item, err := decodeItem([]byte(raw))
			if err != nil {
				return fmt.Errorf("decode item %s: %w", ids[i], err)
			}
			drained = append(drained, item)
		}
		members := make([]interface{}, len(ids))
		for i, id := range ids {
			members[i] = id
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, s.schedule, members...)
			pipe.HDel(ctx, s.items, ids...)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, s.schedule)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sortItems(drained)
		return drained, nil
	}
	return nil, fmt.Errorf("drain: %w after %d attempts", redis.TxFailedErr, maxTxRetries)
}

// List returns every item ordered by next eligibility.
func (s *RedisStore) List(ctx context.Context) ([]Item, error) {
	all, err := s.client.HGetAll(ctx, s.items).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Item, 0, len(all))
	for id, raw := range all {
		item, err := decodeItem([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("decode item %s: %w", id, err)
		}
		out = append(out, item)
	}
	sortItems(out)
	return out, nil
}

// Len returns the number of scheduled items.
func (s *RedisStore) Len(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.schedule).Result()
	return int(n), err
}

// Remove deletes an item.
func (s *RedisStore) Remove(ctx context.Context, id string) error {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, s.schedule, id)
		pipe.HDel(ctx, s.items, id)
		return nil
	})
	if err != nil {
		return err
	}
	if removed.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}
