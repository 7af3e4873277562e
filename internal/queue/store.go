package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when an item or dead letter does not exist.
var ErrNotFound = errors.New("queue: not found")

// ErrRestored marks a dead letter that could not be written. The item was
// put back in the queue instead.
var ErrRestored = errors.New("item restored to queue")

// Store persists active queue items. DrainEligible must remove and return
// the eligible items atomically with respect to every other method.
type Store interface {
	Put(ctx context.Context, item Item) error
	DrainEligible(ctx context.Context, now time.Time) ([]Item, error)
	List(ctx context.Context) ([]Item, error)
	Len(ctx context.Context) (int, error)
	Remove(ctx context.Context, id string) error
}

// DeadLetterStore persists dead letters.
type DeadLetterStore interface {
	Add(ctx context.Context, dl DeadLetter) error
	List(ctx context.Context) ([]DeadLetter, error)
	Count(ctx context.Context) (int, error)
	Delete(ctx context.Context, itemID string) error
}

// MemoryStore is the process-local Store. Items are lost on restart.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]Item
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Item)}
}

// Put stores a copy of item, replacing any item with the same ID.
func (s *MemoryStore) Put(_ context.Context, item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item.Clone()
	return nil
}

// DrainEligible removes and returns the items eligible at now, oldest
// deadline first.
func (s *MemoryStore) DrainEligible(_ context.Context, now time.Time) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Item
	for id, item := range s.items {
		if item.Eligible(now) {
			out = append(out, item)
			delete(s.items, id)
		}
	}
	sortItems(out)
	return out, nil
}

// List returns copies of every item ordered by next eligibility.
func (s *MemoryStore) List(_ context.Context) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Item, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item.Clone())
	}
	sortItems(out)
	return out, nil
}

// Len returns the number of items.
func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items), nil
}

// Remove deletes an item.
func (s *MemoryStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	return nil
}

func sortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].NextEligibleAt.Equal(items[j].NextEligibleAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].NextEligibleAt.Before(items[j].NextEligibleAt)
	})
}

// MemoryDeadLetters is the process-local DeadLetterStore.
type MemoryDeadLetters struct {
	mu      sync.RWMutex
	letters []DeadLetter
}

// NewMemoryDeadLetters creates an empty in-memory dead-letter store.
func NewMemoryDeadLetters() *MemoryDeadLetters {
	return &MemoryDeadLetters{}
}

// Add appends a dead letter.
func (s *MemoryDeadLetters) Add(_ context.Context, dl DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, dl)
	return nil
}

// List returns the dead letters in insertion order.
func (s *MemoryDeadLetters) List(_ context.Context) ([]DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DeadLetter, len(s.letters))
	copy(out, s.letters)
	return out, nil
}

// Count returns the number of dead letters.
func (s *MemoryDeadLetters) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.letters), nil
}

// Delete removes the dead letter of an item once it has been handled.
func (s *MemoryDeadLetters) Delete(_ context.Context, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, dl := range s.letters {
		if dl.ItemID == itemID {
			s.letters = append(s.letters[:i], s.letters[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}
