// Package monitor runs the periodic health loop: signing credential
// validity, authority availability and retry queue depth.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/rezonia/fiscal-gateway/internal/clock"
	"github.com/rezonia/fiscal-gateway/internal/metrics"
	"github.com/rezonia/fiscal-gateway/internal/model"
	"github.com/rezonia/fiscal-gateway/internal/queue"
	"github.com/rezonia/fiscal-gateway/internal/signature"
	"github.com/rezonia/fiscal-gateway/internal/signature/trust"
	"github.com/rezonia/fiscal-gateway/internal/transmission"
)

// Loop timings.
const (
	DefaultInterval    = time.Minute
	DefaultCooldown    = 5 * time.Minute
	DefaultExpiryAlarm = 30 * 24 * time.Hour
)

// CredentialStatus describes the signing credential.
type CredentialStatus struct {
	Loaded   bool      `json:"loaded"`
	Subject  string    `json:"subject,omitempty"`
	NotAfter time.Time `json:"not_after,omitempty"`
	DaysLeft int       `json:"days_left"`
	Valid    bool      `json:"valid"`
	Expiring bool      `json:"expiring"`
	Error    string    `json:"error,omitempty"`
}

// AuthorityStatus is the last service-status answer of a state.
type AuthorityStatus struct {
	Available bool      `json:"available"`
	Status    string    `json:"status,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Snapshot is the result of the latest check.
type Snapshot struct {
	CheckedAt   time.Time                  `json:"checked_at"`
	Credential  CredentialStatus           `json:"credential"`
	Authorities map[string]AuthorityStatus `json:"authorities"`
	QueueDepth  int                        `json:"queue_depth"`
	DeadLetters int                        `json:"dead_letters"`
	Error       string                     `json:"error,omitempty"`
}

// Healthy reports whether the credential is usable and no internal error
// occurred. Authority outages do not make the gateway unhealthy.
func (s Snapshot) Healthy() bool {
	return s.Error == "" && s.Credential.Valid
}

// Monitor runs the health checks.
type Monitor struct {
	credential  *signature.Credential
	trust       *trust.TrustStore
	sender      transmission.Sender
	queue       *queue.Queue
	states      []string
	environment model.Environment

	interval    time.Duration
	cooldown    time.Duration
	expiryAlarm time.Duration

	availability *cache.Cache
	clock        clock.Clock
	logger       *slog.Logger
	metrics      *metrics.Metrics

	mu       sync.RWMutex
	snapshot Snapshot
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithTrustStore enables chain and revocation checks of the credential.
func WithTrustStore(ts *trust.TrustStore) Option {
	return func(m *Monitor) { m.trust = ts }
}

// WithAuthorities polls the service status of states through sender.
func WithAuthorities(sender transmission.Sender, env model.Environment, states ...string) Option {
	return func(m *Monitor) {
		m.sender = sender
		m.environment = env
		m.states = nil
		for _, s := range states {
			if uf := model.NormalizeState(s); model.IsValidState(uf) {
				m.states = append(m.states, uf)
			}
		}
	}
}

// WithQueue reports the depth of q.
func WithQueue(q *queue.Queue) Option {
	return func(m *Monitor) { m.queue = q }
}

// WithInterval sets the check cadence and cooldown.
func WithInterval(interval, cooldown time.Duration) Option {
	return func(m *Monitor) {
		if interval > 0 {
			m.interval = interval
		}
		if cooldown > 0 {
			m.cooldown = cooldown
		}
	}
}

// WithExpiryAlarm sets how long before expiry the credential is flagged.
func WithExpiryAlarm(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.expiryAlarm = d
		}
	}
}

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics sets the metrics collectors.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// New creates a monitor of the credential.
func New(credential *signature.Credential, opts ...Option) *Monitor {
	m := &Monitor{
		credential:  credential,
		environment: model.EnvironmentHomologation,
		interval:    DefaultInterval,
		cooldown:    DefaultCooldown,
		expiryAlarm: DefaultExpiryAlarm,
		clock:       clock.Real(),
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.availability = cache.New(m.interval, 2*m.interval)
	return m
}

// Run checks every interval until ctx is canceled. After an internal error
// the next check waits for the cooldown instead.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("monitor started", "interval", m.interval, "states", m.states)
	for {
		wait := m.interval
		if _, err := m.Check(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.logger.Error("monitor check failed", "error", err, "cooldown", m.cooldown)
			wait = m.cooldown
		}
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopped")
			return nil
		case <-m.clock.After(wait):
		}
	}
}

// Check runs every health check once and stores the snapshot.
func (m *Monitor) Check(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		CheckedAt:   m.clock.Now(),
		Credential:  m.checkCredential(ctx),
		Authorities: m.checkAuthorities(ctx),
	}

	var errs []error
	if m.queue != nil {
		depth, err := m.queue.Len(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("queue depth: %w", err))
		}
		dead, err := m.queue.DeadLetterCount(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("dead letters: %w", err))
		}
		snap.QueueDepth, snap.DeadLetters = depth, dead
		m.metrics.SetQueueDepth(depth)
		m.metrics.SetDeadLetters(dead)
	}
	err := errors.Join(errs...)
	if err != nil {
		snap.Error = err.Error()
	}

	m.mu.Lock()
	m.snapshot = snap
	m.mu.Unlock()
	return snap, err
}

// Snapshot returns the latest check result.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.snapshot
	out.Authorities = make(map[string]AuthorityStatus, len(m.snapshot.Authorities))
	for k, v := range m.snapshot.Authorities {
		out.Authorities[k] = v
	}
	return out
}

func (m *Monitor) checkCredential(ctx context.Context) CredentialStatus {
	var st CredentialStatus
	if m.credential == nil {
		st.Error = signature.ErrNoCredential().Error()
		return st
	}
	leaf := m.credential.Leaf()
	if leaf == nil {
		st.Error = signature.ErrNoCredential().Error()
		return st
	}
	st.Loaded = true
	st.Subject = leaf.Subject.CommonName
	st.NotAfter = leaf.NotAfter

	left := leaf.NotAfter.Sub(m.clock.Now())
	days := left.Hours() / 24
	st.DaysLeft = int(math.Floor(days))
	m.metrics.SetCredentialExpiry(days)

	if err := m.credential.Validate(); err != nil {
		st.Error = err.Error()
		m.logger.Error("signing credential unusable", "subject", st.Subject, "error", err)
		return st
	}
	if m.trust != nil {
		if err := m.trust.CheckCredential(ctx, m.credential); err != nil {
			st.Error = err.Error()
			m.logger.Error("signing credential not trusted", "subject", st.Subject, "error", err)
			return st
		}
	}
	st.Valid = true
	if left < m.expiryAlarm {
		st.Expiring = true
		m.logger.Warn("signing credential expiring", "subject", st.Subject, "days_left", st.DaysLeft)
	}
	return st
}

func (m *Monitor) checkAuthorities(ctx context.Context) map[string]AuthorityStatus {
	out := make(map[string]AuthorityStatus, len(m.states))
	if m.sender == nil {
		return out
	}
	states := append([]string(nil), m.states...)
	sort.Strings(states)
	for _, uf := range states {
		if v, ok := m.availability.Get(uf); ok {
			out[uf] = v.(AuthorityStatus)
			continue
		}
		st := m.checkAuthority(ctx, uf)
		m.availability.SetDefault(uf, st)
		m.metrics.SetAuthorityAvailable(uf, st.Available)
		out[uf] = st
	}
	return out
}

func (m *Monitor) checkAuthority(ctx context.Context, uf string) AuthorityStatus {
	st := AuthorityStatus{CheckedAt: m.clock.Now()}
	payload, err := transmission.ServiceStatusPayload(m.environment, uf)
	if err != nil {
		st.Reason = err.Error()
		return st
	}
	result, err := m.sender.Send(ctx, transmission.Envelope{
		Payload:     payload,
		State:       uf,
		Environment: m.environment,
		Operation:   transmission.OpServiceStatus,
		CreatedAt:   st.CheckedAt,
	})
	if result != nil {
		st.Status = result.Status
		st.Reason = result.Reason
	}
	if err != nil {
		if st.Reason == "" {
			st.Reason = transmission.ReasonOf(err)
		}
		m.logger.Warn("authority unavailable", "state", uf, "status", st.Status, "reason", st.Reason)
		return st
	}
	st.Available = result.Status == transmission.StatusServiceOperational
	return st
}
