package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rezonia/fiscal-gateway/internal/monitor"
	"github.com/rezonia/fiscal-gateway/internal/queue"
	"github.com/rezonia/fiscal-gateway/internal/server"
	"github.com/rezonia/fiscal-gateway/internal/signature/xml"
)

var (
	serverAddr  string
	serverDebug bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway: HTTP API, retry scheduler and health monitor",
	Long: `Start the fiscal gateway.

The API provides endpoints for:
  - POST /api/v1/compute                 - Compute taxes of a document
  - POST /api/v1/documents               - Compute, sign and submit a document
  - GET  /api/v1/documents/:key          - Stored document
  - GET  /api/v1/documents/:key/status   - Query the authority for a status
  - POST /api/v1/events/correction       - Correction letter
  - POST /api/v1/events/cancellation     - Cancellation
  - POST /api/v1/events/void             - Numbering void
  - GET  /api/v1/queue                   - Pending retries
  - GET  /api/v1/queue/dead-letters      - Dead letters
  - GET  /api/v1/catalog                 - Active rate table
  - POST /api/v1/catalog/refresh         - Reload the rate table
  - POST /api/v1/verify                  - Verify an XML signature
  - GET  /health                         - Health snapshot
  - GET  /metrics                        - Prometheus metrics

Examples:
  # Start with a configuration file
  fiscal-gateway serve --config gateway.yaml

  # Start on a custom address in debug mode
  fiscal-gateway serve --address :9090 --debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverAddr, "address", "", "Server listen address (overrides config)")
	serveCmd.Flags().BoolVar(&serverDebug, "debug", false, "Enable debug mode")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	mon := monitor.New(a.credential,
		monitor.WithTrustStore(a.trust),
		monitor.WithAuthorities(a.client, cfg.Environment, cfg.Monitor.States...),
		monitor.WithQueue(a.queue),
		monitor.WithInterval(cfg.Monitor.Interval, cfg.Monitor.Cooldown),
		monitor.WithExpiryAlarm(cfg.Monitor.ExpiryAlarm),
		monitor.WithLogger(log),
		monitor.WithMetrics(a.metrics),
	)

	scheduler := queue.NewScheduler(a.queue, a.client,
		queue.WithInterval(cfg.Retry.Interval),
		queue.WithSchedulerLogger(log),
		queue.WithSchedulerMetrics(a.metrics),
		queue.OnResult(a.pipeline.HandleRetry),
	)

	address := cfg.Server.Address
	if serverAddr != "" {
		address = serverAddr
	}
	srv := server.NewServer(&server.Config{
		Address:      address,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		Debug:        cfg.Server.Debug || serverDebug,
	}, server.Deps{
		Pipeline:    a.pipeline,
		Events:      a.events,
		Queue:       a.queue,
		Catalogs:    a.catalogs,
		Monitor:     mon,
		Documents:   a.documents,
		Verifier:    xml.NewXMLVerifier(a.trust),
		Gatherer:    a.registry,
		Environment: cfg.Environment,
		Logger:      log,
	})

	log.Info("starting fiscal gateway",
		"version", version,
		"environment", cfg.Environment,
		"address", address,
		"queue", cfg.Queue.Backend,
		"audit_sink", cfg.Audit.Sink)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return mon.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return purgeLoop(gctx, a) })

	err = g.Wait()
	log.Info("fiscal gateway stopped")
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// purgeLoop applies the archive retention once a day.
func purgeLoop(ctx context.Context, a *app) error {
	for {
		n, err := a.archive.Purge(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error("archive purge failed", "error", err)
		} else if n > 0 {
			log.Info("archive purged", "removed", n)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(24 * time.Hour):
		}
	}
}
