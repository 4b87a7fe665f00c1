// Command engine is the pipeflow execution-engine process: it serves gRPC
// health/reflection and an HTTP /metrics endpoint, consumes the event
// ingress queue, runs the timeout scheduler and retention worker, and
// dispatches ready pipeline steps for every RUNNING execution. Each
// long-running subsystem runs as a supervised goroutine; SIGINT/SIGTERM
// triggers a graceful shutdown with a bounded timeout.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	_ "github.com/pipeflow/engine/internal/actions" // registers the built-in action set via init()
	"github.com/pipeflow/engine/internal/config"
	"github.com/pipeflow/engine/internal/engine"
	"github.com/pipeflow/engine/internal/eventrouter"
	"github.com/pipeflow/engine/internal/invoker"
	"github.com/pipeflow/engine/internal/observability"
	"github.com/pipeflow/engine/internal/queue"
	"github.com/pipeflow/engine/internal/registry"
	"github.com/pipeflow/engine/internal/retention"
	"github.com/pipeflow/engine/internal/storage"
	"github.com/pipeflow/engine/internal/store"
	"github.com/pipeflow/engine/internal/subscription"
	"github.com/pipeflow/engine/internal/template"
	"github.com/pipeflow/engine/internal/timeout"
)

const (
	serviceName    = "pipeflow-engine"
	serviceVersion = "0.1.0"
)

func main() {
	root := &cobra.Command{
		Use:     "engine",
		Short:   "pipeflow workflow execution engine",
		Version: serviceVersion,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newRetentionSweepCmd())
	root.AddCommand(newDiscoverCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *zap.Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

type components struct {
	cfg       *config.Config
	logger    *zap.Logger
	metrics   *observability.Metrics
	pg        *store.PostgresStore
	reg       *registry.Registry
	eng       *engine.Engine
	router    *eventrouter.Router
	scheduler *timeout.Scheduler
	worker    *retention.Worker
	ingress   *eventrouter.AMQPIngress
	mq        queue.Queue
}

// wire constructs every component from cfg, discovers the built-in action
// set, and connects Postgres/Redis/RabbitMQ. Callers are responsible for
// closing the returned components' Postgres/MQ handles.
func wire(cfg *config.Config, logger *zap.Logger) (*components, error) {
	metrics := observability.NewMetrics()

	reg := registry.New(func(format string, args ...interface{}) {
		logger.Sugar().Warnf(format, args...)
	})
	reg.Discover()

	pg, err := store.Open(cfg.Database.URL, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if cfg.Redis.URL != "" {
		cache, err := storage.NewRedisStorage(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Warn("redis cache unavailable, continuing without it", zap.Error(err))
		} else {
			pg.SetCache(cache)
		}
	}

	resolver := template.New()
	subs := subscription.New(pg)

	invokeClient := invoker.NewClient(nil, logger)

	eng := engine.New(pg, reg, resolver, subs, invokeClient.Invoke, logger, metrics, engine.Config{
		MaxConcurrency:             cfg.Engine.MaxConcurrency,
		DefaultStepTimeoutSeconds:  cfg.Engine.DefaultStepTimeoutSeconds,
		MaxOptimisticRetryAttempts: cfg.Engine.MaxOptimisticRetryAttempts,
		OptimisticRetryBaseDelay:   cfg.Engine.OptimisticRetryBaseDelay,
		SystemUserID:               cfg.Engine.SystemUserID,
		InitiatorRatePerSecond:     cfg.Engine.InitiatorRatePerSecond,
		InitiatorRateBurst:         cfg.Engine.InitiatorRateBurst,
		ScanInterval:               time.Duration(cfg.Engine.TimeoutScanIntervalSecs) * time.Second,
	})

	router := eventrouter.New(pg, reg, logger)
	sched := timeout.New(pg, router, logger, time.Duration(cfg.Engine.TimeoutScanIntervalSecs)*time.Second)

	loc, err := time.LoadLocation(cfg.Retention.Timezone)
	if err != nil {
		loc = time.Local
	}
	worker := retention.New(pg, logger, metrics, retention.Config{
		RetentionDays: cfg.Retention.RetentionDays,
		ScheduleHour:  cfg.Retention.ScheduleHour,
		ScheduleMin:   cfg.Retention.ScheduleMin,
		BatchSize:     cfg.Retention.BatchSize,
		Location:      loc,
	})

	var mq queue.Queue
	var ingress *eventrouter.AMQPIngress
	if cfg.MessageQueue.URL != "" {
		q, err := queue.NewRabbitMQQueue(cfg.MessageQueue.URL, cfg.MessageQueue.Consumer.PrefetchCount, logger)
		if err != nil {
			logger.Warn("rabbitmq unavailable, event ingress via queue disabled", zap.Error(err))
		} else {
			mq = q
			ingress = eventrouter.NewAMQPIngress(q, router, logger)
		}
	}

	return &components{
		cfg: cfg, logger: logger, metrics: metrics, pg: pg, reg: reg,
		eng: eng, router: router, scheduler: sched, worker: worker,
		ingress: ingress, mq: mq,
	}, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the engine's long-lived subsystems (dispatch loop, event ingress, timeout scheduler, retention worker, gRPC/HTTP)",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			defer logger.Sync()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}

			shutdownTracing, err := observability.InitTracing(serviceName, serviceVersion, cfg.Observability.OTLPEndpoint)
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer shutdownTracing()

			c, err := wire(cfg, logger)
			if err != nil {
				return err
			}
			defer c.pg.Close()
			if c.mq != nil {
				defer c.mq.Close()
			}

			return runServer(c)
		},
	}
}

func newRetentionSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retention-sweep",
		Short: "run one retention sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			defer logger.Sync()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			pg, err := store.Open(cfg.Database.URL, logger)
			if err != nil {
				return fmt.Errorf("connect to postgres: %w", err)
			}
			defer pg.Close()

			loc, err := time.LoadLocation(cfg.Retention.Timezone)
			if err != nil {
				loc = time.Local
			}
			worker := retention.New(pg, logger, observability.NewMetrics(), retention.Config{
				RetentionDays: cfg.Retention.RetentionDays,
				BatchSize:     cfg.Retention.BatchSize,
				Location:      loc,
			})
			deleted, errCount := worker.Sweep(cmd.Context())
			fmt.Printf("retention sweep complete: deleted=%d errors=%d\n", deleted, errCount)
			return nil
		},
	}
}

func newDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "print the action registry's discovered catalog and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := registry.New(func(format string, args ...interface{}) { fmt.Printf(format+"\n", args...) })
			reg.Discover()
			for _, t := range reg.List() {
				meta, _ := reg.GetMeta(t)
				fmt.Printf("%-20s %-12s %s\n", meta.Type, meta.ExecutionMode, meta.DisplayName)
			}
			return nil
		},
	}
}

// runServer supervises every long-running subsystem as a goroutine and
// blocks until SIGINT/SIGTERM, then gives them a bounded window to stop.
func runServer(c *components) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	spawn := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.logger.Info("subsystem starting", zap.String("subsystem", name))
			fn(ctx)
			c.logger.Info("subsystem stopped", zap.String("subsystem", name))
		}()
	}

	spawn("engine-dispatch-loop", c.eng.Run)
	spawn("timeout-scheduler", c.scheduler.Run)
	spawn("retention-worker", c.worker.Run)
	if c.ingress != nil {
		spawn("event-ingress", func(ctx context.Context) {
			if err := c.ingress.Start(ctx); err != nil {
				c.logger.Error("event ingress stopped with error", zap.Error(err))
			}
		})
	}

	grpcSrv, grpcErrCh := startGRPC(c)
	httpSrv, httpErrCh := startHTTP(c)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		c.logger.Info("shutdown signal received, stopping gracefully")
	case err := <-grpcErrCh:
		c.logger.Error("gRPC server failed", zap.Error(err))
	case err := <-httpErrCh:
		c.logger.Error("HTTP server failed", zap.Error(err))
	}

	cancel()
	grpcSrv.GracefulStop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
		c.logger.Info("all subsystems stopped")
	case <-time.After(30 * time.Second):
		c.logger.Warn("shutdown timeout exceeded, exiting anyway")
	}
	return nil
}

func startGRPC(c *components) (*grpc.Server, <-chan error) {
	errCh := make(chan error, 1)
	srv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	health := &healthServer{store: c.pg}
	grpc_health_v1.RegisterHealthServer(srv, health)
	if c.cfg.App.Environment == "development" {
		reflection.Register(srv)
	}

	lis, err := net.Listen("tcp", c.cfg.GRPC.Address)
	if err != nil {
		errCh <- fmt.Errorf("listen on %s: %w", c.cfg.GRPC.Address, err)
		return srv, errCh
	}
	go func() {
		c.logger.Info("gRPC server listening", zap.String("address", c.cfg.GRPC.Address))
		if err := srv.Serve(lis); err != nil {
			errCh <- err
		}
	}()
	return srv, errCh
}

func startHTTP(c *components) (*http.Server, <-chan error) {
	errCh := make(chan error, 1)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := c.pg.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"unhealthy","error":%q}`, err.Error())
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","service":%q,"version":%q}`, serviceName, serviceVersion)
	})

	srv := &http.Server{Addr: c.cfg.HTTP.Address, Handler: otelhttp.NewHandler(mux, "http")}
	go func() {
		c.logger.Info("HTTP server listening", zap.String("address", c.cfg.HTTP.Address))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return srv, errCh
}

// healthServer implements grpc_health_v1.HealthServer against the store's
// connectivity.
type healthServer struct {
	grpc_health_v1.UnimplementedHealthServer
	store *store.PostgresStore
}

func (h *healthServer) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	if err := h.store.Ping(ctx); err != nil {
		return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_NOT_SERVING}, nil
	}
	return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_SERVING}, nil
}

func (h *healthServer) Watch(req *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	return status.Error(codes.Unimplemented, "watch is not supported")
}
