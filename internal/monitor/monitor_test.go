package monitor

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/rezonia/fiscal-gateway/internal/clock"
	"github.com/rezonia/fiscal-gateway/internal/metrics"
	"github.com/rezonia/fiscal-gateway/internal/model"
	"github.com/rezonia/fiscal-gateway/internal/queue"
	"github.com/rezonia/fiscal-gateway/internal/signature"
	"github.com/rezonia/fiscal-gateway/internal/transmission"
	"github.com/rezonia/fiscal-gateway/internal/transmission/mocks"
)

var now = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

func credential(t *testing.T, notAfter time.Time) *signature.Credential {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "EMITENTE SA:11222333000181"},
		NotBefore:    now.AddDate(-1, 0, 0),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	cred := signature.NewCredential(signature.WithNow(func() time.Time { return now }))
	require.NoError(t, cred.Set(tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}))
	return cred
}

func TestCheck_Credential(t *testing.T) {
	tests := []struct {
		name     string
		notAfter time.Time
		valid    bool
		expiring bool
		days     int
	}{
		{"healthy", now.AddDate(0, 0, 90), true, false, 90},
		{"expiring soon", now.AddDate(0, 0, 10), true, true, 10},
		{"expired", now.AddDate(0, 0, -1), false, false, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(credential(t, tt.notAfter), WithClock(clock.Fake(now)))
			snap, err := m.Check(context.Background())
			require.NoError(t, err)

			assert.True(t, snap.Credential.Loaded)
			assert.Equal(t, tt.valid, snap.Credential.Valid)
			assert.Equal(t, tt.expiring, snap.Credential.Expiring)
			assert.Equal(t, tt.days, snap.Credential.DaysLeft)
			assert.Equal(t, tt.valid, snap.Healthy())
			if !tt.valid {
				assert.Contains(t, snap.Credential.Error, signature.ErrCodeCertExpired)
			}
		})
	}
}

func TestCheck_NoCredential(t *testing.T) {
	m := New(signature.NewCredential(), WithClock(clock.Fake(now)))
	snap, err := m.Check(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.Credential.Loaded)
	assert.Contains(t, snap.Credential.Error, signature.ErrCodeNoCredential)
	assert.False(t, snap.Healthy())
}

func TestCheck_AuthoritiesAreCached(t *testing.T) {
	sender := mocks.NewMockSender(gomock.NewController(t))
	reg := metrics.New(prometheus.NewRegistry())

	sender.EXPECT().Send(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, env transmission.Envelope) (*transmission.Result, error) {
			assert.Equal(t, transmission.OpServiceStatus, env.Operation)
			switch env.State {
			case "SP":
				return &transmission.Result{Status: transmission.StatusServiceOperational, Reason: "Servico em Operacao"}, nil
			default:
				return &transmission.Result{Status: transmission.StatusServicePaused, Reason: "Servico Paralisado Momentaneamente"},
					&transmission.Failure{Kind: transmission.KindTransient, Code: "108", Reason: "Servico Paralisado Momentaneamente"}
			}
		}).Times(2)

	m := New(credential(t, now.AddDate(1, 0, 0)),
		WithClock(clock.Fake(now)),
		WithMetrics(reg),
		WithAuthorities(sender, model.EnvironmentHomologation, "sp", "RJ", "XX"))

	for i := 0; i < 2; i++ {
		snap, err := m.Check(context.Background())
		require.NoError(t, err)
		require.Len(t, snap.Authorities, 2)
		assert.True(t, snap.Authorities["SP"].Available)
		assert.False(t, snap.Authorities["RJ"].Available)
		assert.Equal(t, "108", snap.Authorities["RJ"].Status)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.AuthorityAvailable.WithLabelValues("SP")))
	assert.Equal(t, 0.0, testutil.ToFloat64(reg.AuthorityAvailable.WithLabelValues("RJ")))
}

func TestCheck_QueueDepth(t *testing.T) {
	q := queue.New(queue.WithClock(clock.Fake(now)))
	_, err := q.Enqueue(context.Background(), transmission.Envelope{
		Payload:   []byte("<enviNFe/>"),
		State:     "SP",
		Operation: transmission.OpBatchSubmit,
	}, "timeout")
	require.NoError(t, err)

	m := New(credential(t, now.AddDate(1, 0, 0)), WithClock(clock.Fake(now)), WithQueue(q))
	snap, err := m.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, snap.QueueDepth)
	assert.Zero(t, snap.DeadLetters)
	assert.Equal(t, 1, m.Snapshot().QueueDepth)
}

type brokenStore struct {
	queue.Store
	calls atomic.Int32
}

func (s *brokenStore) Len(context.Context) (int, error) {
	s.calls.Add(1)
	return 0, errors.New("redis: connection refused")
}

func TestRun_CooldownAfterError(t *testing.T) {
	clk := clock.Fake(now)
	store := &brokenStore{Store: queue.NewMemoryStore()}
	q := queue.New(queue.WithStore(store), queue.WithClock(clk))
	m := New(credential(t, now.AddDate(1, 0, 0)), WithClock(clk), WithQueue(q))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- m.Run(ctx) }()

	clk.WaitForWaiters(1)
	assert.EqualValues(t, 1, store.calls.Load())
	assert.NotEmpty(t, m.Snapshot().Error)

	clk.Advance(DefaultInterval)
	assert.EqualValues(t, 1, store.calls.Load(), "no check before the cooldown")

	clk.Advance(DefaultCooldown - DefaultInterval)
	clk.WaitForWaiters(1)
	assert.EqualValues(t, 2, store.calls.Load())

	cancel()
	require.NoError(t, <-done)
}
