package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/scan-console/internal/api"
	"github.com/ahrav/scan-console/internal/app/jobrunner"
	"github.com/ahrav/scan-console/internal/config"
	"github.com/ahrav/scan-console/internal/domain/events"
	"github.com/ahrav/scan-console/internal/infra/eventbus"
	"github.com/ahrav/scan-console/internal/infra/eventbus/kafka"
	busmemory "github.com/ahrav/scan-console/internal/infra/eventbus/memory"
	"github.com/ahrav/scan-console/internal/infra/remote/memory"
	"github.com/ahrav/scan-console/internal/infra/storage"
	"github.com/ahrav/scan-console/internal/infra/storage/postgres"
	"github.com/ahrav/scan-console/pkg/common"
	"github.com/ahrav/scan-console/pkg/common/logger"
	"github.com/ahrav/scan-console/pkg/common/otel"
)

var build = "develop"

const serviceType = "scan-api"

func main() {
	// Set the correct number of threads for the service
	_, _ = maxprocs.Set()

	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	cfg, err := config.Load(config.NewViper(), *configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	svcName := fmt.Sprintf("SCAN-API-%s", hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"app":      serviceType,
		"build":    build,
	}
	logr := logger.NewWithMetadata(os.Stdout, logger.ParseLevel(cfg.Telemetry.LogLevel), svcName, otel.GetTraceID, logEvents, metadata)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logr, hostname); err != nil {
		logr.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger, hostname string) error {
	// -------------------------------------------------------------------------
	// GOMAXPROCS
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0), "build", build)

	// -------------------------------------------------------------------------
	// Start Tracing Support
	traceProvider, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.Telemetry.ServiceName,
		ExporterEndpoint: cfg.Telemetry.OTLPEndpoint,
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability: cfg.Telemetry.SampleRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"host.name":        hostname,
		},
		InsecureExporter: true,
	})
	if err != nil {
		return fmt.Errorf("starting tracing: %w", err)
	}
	defer teardown(context.Background())
	tracer := traceProvider.Tracer(cfg.Telemetry.ServiceName)

	// -------------------------------------------------------------------------
	// Database
	log.Info(ctx, "startup", "status", "connecting to database")
	pool, err := storage.Connect(ctx, storage.PoolConfig{DSN: cfg.Database.DSN, MaxConns: cfg.Database.MaxConns})
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := storage.Migrate(pool, cfg.Database.MigrationsDir); err != nil {
		return err
	}
	store := postgres.NewStore(pool, tracer, postgres.WithArtifactBaseURL(cfg.Server.PublicURL))

	if err := os.MkdirAll(cfg.Server.ArtifactDir, 0o750); err != nil {
		return fmt.Errorf("creating artifact dir: %w", err)
	}

	// -------------------------------------------------------------------------
	// Events
	bus := busmemory.NewBus(log)
	defer bus.Close()

	if cfg.Kafka.Enabled() {
		log.Info(ctx, "startup", "status", "connecting to kafka", "brokers", cfg.Kafka.Brokers)
		mirror, err := kafka.ConnectWithRetry(kafka.Config{
			Brokers:    cfg.Kafka.Brokers,
			Topic:      cfg.Kafka.Topic,
			GroupID:    fmt.Sprintf("%s-%s", serviceType, hostname),
			ClientID:   cfg.Kafka.ClientID,
			InstanceID: hostname,
		}, bus, log, tracer)
		if err != nil {
			return err
		}
		defer mirror.Close()

		if err := mirror.Start(ctx); err != nil {
			return err
		}
	}
	var publisher events.DomainEventPublisher = eventbus.NewDomainEventPublisher(bus)

	// -------------------------------------------------------------------------
	// Metrics and debug
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	debugMux, err := common.DebugMux(registry)
	if err != nil {
		return fmt.Errorf("creating debug mux: %w", err)
	}

	apiMetrics, err := api.NewAPIMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("creating metrics collector: %w", err)
	}

	// -------------------------------------------------------------------------
	// Services
	runner := jobrunner.New(store, jobrunner.Config{
		Interval:    cfg.Runner.Interval,
		QueueDelay:  cfg.Runner.QueueDelay,
		RunDuration: cfg.Runner.RunDuration,
		StopDelay:   cfg.Runner.StopDelay,
		BatchSize:   cfg.Runner.BatchSize,
		ArtifactDir: cfg.Server.ArtifactDir,
		Produce:     memory.SampleFindings(cfg.Runner.FindingsPerScan),
	}, jobrunner.NewMetrics(registry), log, tracer)

	server := api.NewServer(api.Config{
		Addr:            cfg.Server.Addr,
		ArtifactDir:     cfg.Server.ArtifactDir,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, store, apiMetrics, log, tracer,
		api.WithPublisher(publisher),
		api.WithReadinessCheck(pool.Ping),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		common.RunDebugServer(gctx, cfg.Server.DebugAddr, debugMux, log)
		return nil
	})
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return server.Start(gctx) })

	err = g.Wait()
	log.Info(ctx, "shutdown", "status", "shutdown complete")
	return err
}
