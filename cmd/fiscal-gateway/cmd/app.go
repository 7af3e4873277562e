package cmd

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"github.com/rezonia/fiscal-gateway/internal/artifact"
	"github.com/rezonia/fiscal-gateway/internal/audit"
	"github.com/rezonia/fiscal-gateway/internal/catalog"
	"github.com/rezonia/fiscal-gateway/internal/config"
	"github.com/rezonia/fiscal-gateway/internal/events"
	"github.com/rezonia/fiscal-gateway/internal/metrics"
	"github.com/rezonia/fiscal-gateway/internal/processor"
	"github.com/rezonia/fiscal-gateway/internal/queue"
	"github.com/rezonia/fiscal-gateway/internal/signature"
	"github.com/rezonia/fiscal-gateway/internal/signature/trust"
	"github.com/rezonia/fiscal-gateway/internal/signature/xml"
	"github.com/rezonia/fiscal-gateway/internal/storage"
	"github.com/rezonia/fiscal-gateway/internal/tax"
	"github.com/rezonia/fiscal-gateway/internal/transmission"
)

// app holds the wired components shared by the commands.
type app struct {
	location   *time.Location
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	credential *signature.Credential
	trust      *trust.TrustStore
	catalogs   *catalog.Holder
	client     *transmission.Client
	signer     *xml.XMLSigner
	queue      *queue.Queue
	db         *storage.DB
	documents  *storage.Repository
	archive    *artifact.Store
	auditor    *audit.Service
	pipeline   *processor.Pipeline
	events     *events.Processor

	closers []func() error
}

func newApp(ctx context.Context) (*app, error) {
	a := &app{}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	loc, err := time.LoadLocation(cfg.Location)
	if err != nil {
		return fmt.Errorf("location %q: %w", cfg.Location, err)
	}
	a.location = loc

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	if err := a.wireCredential(); err != nil {
		return err
	}
	if err := a.wireTransmission(); err != nil {
		return err
	}
	if err := a.wireStorage(ctx); err != nil {
		return err
	}
	if err := a.wireQueue(ctx); err != nil {
		return err
	}
	if err := a.wireAudit(); err != nil {
		return err
	}

	compression, err := artifact.ParseCompression(cfg.Archive.Compression)
	if err != nil {
		return err
	}
	a.archive, err = artifact.New(cfg.Archive.Root,
		artifact.WithCompression(compression),
		artifact.WithRetention(cfg.Archive.Retention),
		artifact.WithLogger(log),
	)
	if err != nil {
		return err
	}

	opts := []processor.Option{
		processor.WithQueue(a.queue),
		processor.WithArchive(a.archive),
		processor.WithLocation(loc),
		processor.WithLogger(log),
	}
	if a.documents != nil {
		opts = append(opts, processor.WithRepository(a.documents))
	}
	a.pipeline = processor.NewPipeline(
		tax.NewEngine(a.catalogs, tax.WithLogger(log)),
		a.auditor,
		a.signer,
		a.client,
		opts...,
	)
	a.events = events.New(a.signer, a.client,
		events.WithQueue(a.queue),
		events.WithEnvironment(cfg.Environment),
		events.WithLocation(loc),
		events.WithLogger(log),
	)
	return nil
}

func (a *app) wireCredential() error {
	if cfg.Credential.IsZero() {
		log.Warn("no signing credential configured; submissions will fail until one is installed")
		a.credential = signature.NewCredential()
	} else {
		cred, err := signature.LoadCredential(cfg.Credential)
		if err != nil {
			return err
		}
		a.credential = cred
		if leaf := cred.Leaf(); leaf != nil {
			log.Info("signing credential loaded", "subject", leaf.Subject.CommonName, "not_after", leaf.NotAfter)
		}
	}
	a.signer = xml.NewXMLSigner(a.credential, xml.WithLogger(log))

	var opts []trust.TrustStoreOption
	if cfg.Trust.RootsDir != "" {
		opts = append(opts, trust.WithRootsDir(cfg.Trust.RootsDir))
	}
	if cfg.Trust.SoftFail {
		opts = append(opts, trust.WithSoftFail())
	}
	ts, err := trust.NewTrustStore(opts...)
	if err != nil {
		return fmt.Errorf("failed to create trust store: %w", err)
	}
	a.trust = ts
	return nil
}

func (a *app) wireTransmission() error {
	a.catalogs = catalog.NewHolder(cfg.Catalog.File, catalog.WithLogger(log))

	endpoints, err := transmission.LoadEndpoints(cfg.Transmission.EndpointsFile)
	if err != nil {
		return err
	}
	opts := []transmission.ClientOption{
		transmission.WithTimeout(cfg.Transmission.Timeout),
		transmission.WithTracer(otel.Tracer("github.com/rezonia/fiscal-gateway")),
		transmission.WithLogger(log),
		transmission.WithMetrics(a.metrics),
	}
	if cfg.Transmission.RateLimit > 0 {
		opts = append(opts, transmission.WithRateLimit(rate.Limit(cfg.Transmission.RateLimit), cfg.Transmission.Burst))
	}
	if cfg.Transmission.RootCAFile != "" {
		pem, err := os.ReadFile(cfg.Transmission.RootCAFile)
		if err != nil {
			return fmt.Errorf("read root CAs: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return fmt.Errorf("no certificates in %s", cfg.Transmission.RootCAFile)
		}
		opts = append(opts, transmission.WithRootCAs(pool))
	}
	a.client = transmission.NewClient(endpoints, a.credential, opts...)
	return nil
}

func (a *app) wireStorage(ctx context.Context) error {
	if cfg.Database.DSN == "" {
		return nil
	}
	db, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)
	a.documents = storage.NewRepository(db)
	return nil
}

func (a *app) wireQueue(ctx context.Context) error {
	opts := []queue.Option{
		queue.WithPolicy(cfg.Retry.Policy),
		queue.WithLogger(log),
		queue.WithMetrics(a.metrics),
	}
	if cfg.Queue.Backend == config.QueueRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.Queue.RedisAddr, err)
		}
		var ropts []queue.RedisOption
		if cfg.Queue.KeyPrefix != "" {
			ropts = append(ropts, queue.WithKeyPrefix(cfg.Queue.KeyPrefix))
		}
		opts = append(opts, queue.WithStore(queue.NewRedisStore(client, ropts...)))
	}
	if a.db != nil {
		opts = append(opts, queue.WithDeadLetterStore(queue.NewSQLDeadLetters(a.db)))
	}
	a.queue = queue.New(opts...)
	return nil
}

func (a *app) wireAudit() error {
	var sink audit.Sink
	switch cfg.Audit.Sink {
	case config.AuditSinkKafka:
		client, err := audit.DialKafka(cfg.Audit.Brokers, cfg.Audit.ClientID)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error {
			client.Close()
			return nil
		})
		sink = audit.NewKafkaSink(client, cfg.Audit.Topic)
	default:
		sink = audit.NewLogSink(log)
	}
	a.auditor = audit.NewService(a.catalogs,
		audit.WithSink(sink),
		audit.WithLogger(log),
		audit.WithMetrics(a.metrics),
	)
	return nil
}

// Close releases connections in reverse order of creation.
func (a *app) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn("shutdown", "error", err)
	}
}
