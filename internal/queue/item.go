// Package queue holds failed transmissions and resubmits them with
// exponential backoff until they succeed, are rejected, or run out of
// attempts and become dead letters.
package queue

import (
	"time"

	"github.com/rezonia/fiscal-gateway/internal/transmission"
)

// Defaults of the retry policy.
const (
	DefaultBaseDelay   = 5 * time.Minute
	DefaultCapDelay    = 8 * time.Hour
	DefaultMaxAttempts = 10
	DefaultInterval    = 2 * time.Minute
)

// Policy is the backoff configuration.
type Policy struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	CapDelay    time.Duration `yaml:"cap_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// DefaultPolicy returns 5 minutes doubling up to 8 hours, 10 attempts.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   DefaultBaseDelay,
		CapDelay:    DefaultCapDelay,
		MaxAttempts: DefaultMaxAttempts,
	}
}

func (p Policy) withDefaults() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.CapDelay <= 0 {
		p.CapDelay = DefaultCapDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	return p
}

// Backoff returns the delay after the given number of failed attempts:
// min(base * 2^(attempts-1), cap).
func (p Policy) Backoff(attempts int) time.Duration {
	p = p.withDefaults()
	if attempts < 1 {
		attempts = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.CapDelay {
			return p.CapDelay
		}
	}
	if d > p.CapDelay {
		return p.CapDelay
	}
	return d
}

// Item is a queued transmission. It owns its envelope copy.
type Item struct {
	ID              string                `json:"id" cbor:"1,keyasint"`
	Envelope        transmission.Envelope `json:"envelope" cbor:"2,keyasint"`
	Attempts        int                   `json:"attempts" cbor:"3,keyasint"`
	MaxAttempts     int                   `json:"max_attempts" cbor:"4,keyasint"`
	NextEligibleAt  time.Time             `json:"next_eligible_at" cbor:"5,keyasint"`
	LastFailure     string                `json:"last_failure" cbor:"6,keyasint"`
	FirstEnqueuedAt time.Time             `json:"first_enqueued_at" cbor:"7,keyasint"`
}

// Eligible reports whether the item may be resubmitted at now.
func (i Item) Eligible(now time.Time) bool {
	return !i.NextEligibleAt.After(now)
}

// Exhausted reports whether no attempt is left.
func (i Item) Exhausted() bool {
	return i.Attempts >= i.MaxAttempts
}

// Clone returns a copy that shares nothing with i.
func (i Item) Clone() Item {
	out := i
	out.Envelope = i.Envelope.Clone()
	return out
}

// DeadLetter is a transmission moved out of the queue for manual handling.
type DeadLetter struct {
	ItemID          string                `json:"item_id" cbor:"1,keyasint"`
	AccessKey       string                `json:"access_key" cbor:"2,keyasint"`
	Envelope        transmission.Envelope `json:"envelope" cbor:"3,keyasint"`
	Attempts        int                   `json:"attempts" cbor:"4,keyasint"`
	LastFailure     string                `json:"last_failure" cbor:"5,keyasint"`
	FirstEnqueuedAt time.Time             `json:"first_enqueued_at" cbor:"6,keyasint"`
	DeadAt          time.Time             `json:"dead_at" cbor:"7,keyasint"`
}

func deadLetterOf(item Item, reason string, now time.Time) DeadLetter {
	return DeadLetter{
		ItemID:          item.ID,
		AccessKey:       item.Envelope.AccessKey,
		Envelope:        item.Envelope.Clone(),
		Attempts:        item.Attempts,
		LastFailure:     reason,
		FirstEnqueuedAt: item.FirstEnqueuedAt,
		DeadAt:          now,
	}
}
