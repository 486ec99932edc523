package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ppiankov/trustflow/internal/dispatch"
	"github.com/ppiankov/trustflow/internal/metrics"
	"github.com/ppiankov/trustflow/internal/telemetry"
	"github.com/ppiankov/trustflow/internal/web"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 120 * time.Second
	idleTimeout       = 120 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatch service with the HTTP API and /metrics",
	Long: `Start trustflow as a long-running service.

Lifecycle events posted to the API are dispatched to the triggers associated
with the object, and every trigger run is recorded in the audit trail.

Endpoints:
  POST   /api/v1/events                                   Dispatch a lifecycle event
  POST   /api/v1/triggers/{uuid}/invoke                   Run a trigger on one object
  GET    /api/v1/triggers                                 List trigger definitions
  DELETE /api/v1/objects/{resource}/{uuid}/associations   Detach triggers from a deleted object
  GET    /api/v1/history                                  Query the audit trail
  GET    /api/v1/history/{uuid}                           One audit row with its records
  GET    /healthz                                         Liveness probe (503 if the database is down)
  GET    /metrics                                         Prometheus scrape endpoint`,
	Example: `  # Run with default config
  trustflow serve

  # Run with custom config file
  trustflow serve --config /etc/trustflow/config.yaml

  # Override listen address and database
  trustflow serve --listen :9090 --db-driver postgres --db postgres://trustflow@db/trustflow

  # Run with JSON logging for log aggregation
  trustflow serve --log-format json --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen", "", "Listen address (overrides config)")
	serveCmd.Flags().String("objects", "", "JSON objects file used to resolve fields (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if listenFlag, _ := cmd.Flags().GetString("listen"); listenFlag != "" { //nolint:errcheck // flag registered above
		cfg.ListenAddr = listenFlag
	}
	objectsFile, _ := cmd.Flags().GetString("objects") //nolint:errcheck // flag registered above

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := openEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.Close() //nolint:errcheck // best-effort cleanup on shutdown
	slog.Info("database ready", "driver", cfg.Database.Driver)

	fields, err := openFields(cfg, objectsFile)
	if err != nil {
		return err
	}

	// Initialize tracing
	otelEndpoint, _ := cmd.Flags().GetString("otel-endpoint") //nolint:errcheck // flag registered on root
	if otelEndpoint == "" {
		otelEndpoint = cfg.OTelEndpoint
	}
	tracer, tracerShutdown, err := telemetry.InitTracer(ctx, telemetry.Options{
		Endpoint:       otelEndpoint,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Warn("initializing tracer", "err", err)
	} else {
		defer tracerShutdown(context.Background()) //nolint:errcheck // best-effort flush
	}

	// Prometheus metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	opts := []dispatch.Option{dispatch.WithObserver(collector)}
	if tracer != nil {
		opts = append(opts, dispatch.WithTracer(tracer))
	}
	d, err := eng.dispatcher(fields, opts...)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	web.Register(mux, &web.API{
		Dispatcher:  d,
		Definitions: eng.catalog,
		Audit:       eng.history,
		DB:          eng.db,
	})
	mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	srvErr := make(chan error, 1)
	go func() {
		slog.Info("trustflow serve listening", "version", version, "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
	case err := <-srvErr:
		return err
	}
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("shutdown complete")
	return nil
}
