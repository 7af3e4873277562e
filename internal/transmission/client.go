package transmission

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/rezonia/fiscal-gateway/internal/metrics"
	"github.com/rezonia/fiscal-gateway/internal/signature"
)

const (
	// DefaultTimeout bounds one authority call.
	DefaultTimeout = 100 * time.Second
	// DefaultRate is the sustained request rate per client.
	DefaultRate  = rate.Limit(5)
	DefaultBurst = 10

	maxResponseBytes = 10 << 20
)

//go:generate mockgen -destination=mocks/sender.go -package=mocks . Sender

// Sender delivers envelopes to the authority.
type Sender interface {
	Send(ctx context.Context, env Envelope) (*Result, error)
}

// Client performs SOAP 1.2 exchanges over mutual TLS.
type Client struct {
	endpoints  *Endpoints
	httpClient *http.Client
	limiter    *rate.Limiter
	tracer     trace.Tracer
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

type clientConfig struct {
	timeout    time.Duration
	rootCAs    *x509.CertPool
	httpClient *http.Client
	limit      rate.Limit
	burst      int
	tracer     trace.Tracer
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// WithTimeout sets the per-call timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.timeout = timeout
	}
}

// WithRootCAs sets the pool used to verify authority servers
func WithRootCAs(pool *x509.CertPool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.rootCAs = pool
	}
}

// WithHTTPClient replaces the TLS client built from the credential
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cfg *clientConfig) {
		cfg.httpClient = c
	}
}

// WithRateLimit sets the sustained rate and burst
func WithRateLimit(limit rate.Limit, burst int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.limit = limit
		cfg.burst = burst
	}
}

// WithTracer sets the tracer used for exchange spans
func WithTracer(t trace.Tracer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.tracer = t
	}
}

// WithLogger sets the client logger
func WithLogger(l *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = l
	}
}

// WithMetrics records exchanges on m
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = m
	}
}

// NewClient creates a client that presents the credential on every TLS
// handshake, so a reloaded certificate is used by the next connection.
func NewClient(endpoints *Endpoints, cred *signature.Credential, opts ...ClientOption) *Client {
	cfg := &clientConfig{
		timeout: DefaultTimeout,
		limit:   DefaultRate,
		burst:   DefaultBurst,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.tracer == nil {
		cfg.tracer = otel.Tracer("github.com/rezonia/fiscal-gateway/internal/transmission")
	}

	httpClient := cfg.httpClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: cfg.timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion:           tls.VersionTLS12,
					RootCAs:              cfg.rootCAs,
					GetClientCertificate: cred.ClientCertificate,
				},
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	return &Client{
		endpoints:  endpoints,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(cfg.limit, cfg.burst),
		tracer:     cfg.tracer,
		logger:     cfg.logger,
		metrics:    cfg.metrics,
	}
}

// Send delivers one envelope and classifies the answer. A nil error means the
// status code is in the success set; otherwise the error is a *Failure.
func (c *Client) Send(ctx context.Context, env Envelope) (*Result, error) {
	if err := env.Validate(); err != nil {
		return nil, &Failure{Kind: KindValidation, Reason: "invalid envelope", Cause: err}
	}

	ctx, span := c.tracer.Start(ctx, "transmission.Send", trace.WithAttributes(
		attribute.String("fiscal.operation", string(env.Operation)),
		attribute.String("fiscal.state", env.State),
		attribute.String("fiscal.environment", string(env.Environment)),
		attribute.String("fiscal.access_key", env.AccessKey),
	))
	defer span.End()

	start := time.Now()
	result, err := c.exchange(ctx, env)
	kind := KindOf(err)
	c.metrics.ObserveTransmission(string(env.Operation), resultLabel(kind), time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		c.logger.Warn("authority call failed",
			"operation", env.Operation,
			"state", env.State,
			"access_key", env.AccessKey,
			"kind", kind,
			"error", err,
		)
		return result, err
	}

	span.SetAttributes(attribute.String("fiscal.status", result.Status))
	c.logger.Info("authority call succeeded",
		"operation", env.Operation,
		"state", env.State,
		"access_key", env.AccessKey,
		"status", result.Status,
		"protocol", result.Protocol,
	)
	return result, nil
}

func (c *Client) exchange(ctx context.Context, env Envelope) (*Result, error) {
	url, err := c.endpoints.Resolve(env.State, env.Environment, env.Operation)
	if err != nil {
		return nil, Fatal("endpoint not configured", err)
	}

	body, err := env.SOAP()
	if err != nil {
		return nil, &Failure{Kind: KindValidation, Reason: "cannot build envelope", Cause: err}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, Transient("rate limiter", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, Fatal("cannot build request", err)
	}
	req.Header.Set("Content-Type", fmt.Sprintf(`application/soap+xml; charset=utf-8; action="%s"`, env.Operation.Action()))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if signature.IsCredentialError(err) {
			return nil, Fatal("client certificate unavailable", err)
		}
		if IsTimeout(err) {
			return nil, Transient("timeout", err)
		}
		return nil, Transient("network error", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, Transient("reading response", err)
	}

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		// SOAP faults arrive as 500; the authority uses them for overload too.
		return nil, &Failure{Kind: KindTransient, Code: fmt.Sprintf("HTTP %d", resp.StatusCode), Reason: http.StatusText(resp.StatusCode)}
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return nil, &Failure{Kind: KindFatal, Code: fmt.Sprintf("HTTP %d", resp.StatusCode), Reason: "client certificate refused"}
	case resp.StatusCode != http.StatusOK:
		return nil, &Failure{Kind: KindPermanent, Code: fmt.Sprintf("HTTP %d", resp.StatusCode), Reason: http.StatusText(resp.StatusCode)}
	}

	result, err := ParseResponse(env.Operation, data)
	if err != nil {
		return nil, Transient("unreadable response", err)
	}
	if result.AccessKey == "" {
		result.AccessKey = env.AccessKey
	}

	switch result.Outcome {
	case OutcomeSuccess:
		return result, nil
	case OutcomeRetryable:
		return result, &Failure{Kind: KindTransient, Code: result.Status, Reason: result.Reason, Result: result}
	}
	return result, &Failure{Kind: KindPermanent, Code: result.Status, Reason: result.Reason, Result: result}
}

func resultLabel(k FailureKind) string {
	if k == KindNone {
		return "success"
	}
	return string(k)
}

// IsTimeout reports whether err came from the call deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
