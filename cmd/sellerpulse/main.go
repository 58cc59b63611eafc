package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/djlord-it/sellerpulse/internal/analytics"
	"github.com/djlord-it/sellerpulse/internal/api"
	"github.com/djlord-it/sellerpulse/internal/audit"
	"github.com/djlord-it/sellerpulse/internal/circuitbreaker"
	"github.com/djlord-it/sellerpulse/internal/config"
	"github.com/djlord-it/sellerpulse/internal/dispatch"
	"github.com/djlord-it/sellerpulse/internal/domain"
	"github.com/djlord-it/sellerpulse/internal/generator"
	"github.com/djlord-it/sellerpulse/internal/handlers"
	"github.com/djlord-it/sellerpulse/internal/health"
	"github.com/djlord-it/sellerpulse/internal/metrics"
	"github.com/djlord-it/sellerpulse/internal/notify"
	"github.com/djlord-it/sellerpulse/internal/orchestrator"
	"github.com/djlord-it/sellerpulse/internal/producer"
	"github.com/djlord-it/sellerpulse/internal/reconciler"
	"github.com/djlord-it/sellerpulse/internal/registry"
	"github.com/djlord-it/sellerpulse/internal/stream/memory"
	"github.com/djlord-it/sellerpulse/internal/stream/redisstream"

	_ "github.com/lib/pq"
)

// streamBroker is the full broker surface the process wires: publish
// for the producer, consume for the dispatch loops, ping for health.
type streamBroker interface {
	Publish(ctx context.Context, env domain.Envelope) (string, error)
	PublishRetry(ctx context.Context, consumerGroup string, retry domain.Retry) error
	Subscribe(ctx context.Context, consumerGroup, partitionPattern string) error
	Poll(ctx context.Context, consumerGroup, consumerID string, maxBatch int, blockTimeout time.Duration) ([]domain.Delivery, error)
	Ack(ctx context.Context, consumerGroup, deliveryID string) error
	Ping(ctx context.Context) error
}

// logNotifier stands in when NOTIFY_WEBHOOK_URL is not configured.
type logNotifier struct{}

func (logNotifier) Notify(ctx context.Context, tenantID uuid.UUID, title, message string, urgency int, link string) error {
	log.Printf("notify: (dry-run) tenant=%s urgency=%d %s: %s", tenantID, urgency, title, message)
	return nil
}

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`sellerpulse - marketplace seller event pipeline

Usage:
  sellerpulse <command>

Commands:
  serve      Start the pipeline: producer API, dispatch loops, orchestrator
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  DATABASE_URL              PostgreSQL connection string (required)
  REDIS_ADDR                Redis address (required for BROKER_MODE=redis)
  HTTP_ADDR                 HTTP server address (default: ":8080")
  BROKER_MODE               Stream broker: "memory" or "redis" (default: "memory")

  CONSUMER_GROUP            Dispatch consumer group name (default: "dispatch")
  PARTITION_PATTERN         Partition pattern the dispatch loops consume (default: "*")
  DISPATCH_MAX_BATCH        Max entries per poll (default: "16")
  DISPATCHER_WORKERS        Concurrent dispatch loops (default: "1")
  BLOCK_TIMEOUT             Poll block timeout (default: "5s")
  VISIBILITY_WINDOW         Unacked entry redelivery window (default: "30s")

  CYCLE_SCHEDULE            Full tenant cycle cron expression (default: "0 * * * *")
  URGENT_SWEEP_SCHEDULE     Urgent sweep cron expression (default: "*/10 * * * *")
  ORCHESTRATOR_BATCH_SIZE   Concurrent tenants per batch (default: "3")
  ORCHESTRATOR_BATCH_PAUSE  Pause between batches (default: "500ms")
  TENANT_IDS                Comma-separated tenant UUIDs; empty discovers from state

  GENERATOR_URL             Analysis service endpoint; empty disables generation
  GENERATOR_TIMEOUT         Per-tenant generation timeout (default: "60s")

  NOTIFY_WEBHOOK_URL        Urgent notification webhook; empty logs instead
  NOTIFY_WEBHOOK_SECRET     HMAC secret for webhook signatures
  NOTIFY_TIMEOUT            Webhook delivery timeout (default: "30s")

  DB_OP_TIMEOUT             Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME     Max connection idle time (default: "5m")

  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")
  DISPATCHER_DRAIN_TIMEOUT  Dispatch loop drain timeout (default: "30s")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")
  METRICS_PORT              Metrics server port (default: "9090")

  RECONCILE_ENABLED         Enable stuck-event reconciler (default: "false")
  RECONCILE_INTERVAL        How often to scan for stuck events (default: "5m")
  RECONCILE_THRESHOLD       Age before an event is considered stuck (default: "15m")
  RECONCILE_BATCH_SIZE      Max stuck events per cycle (default: "100")

  CIRCUIT_BREAKER_THRESHOLD Failures before a tenant trips, 0 disables (default: "5")
  CIRCUIT_BREAKER_COOLDOWN  Open-state cooldown (default: "2m")

  ANALYTICS_WINDOW          Publish counter bucket size (default: "1m")
  ANALYTICS_RETENTION       Publish counter retention (default: "24h")

  HEALTH_INTERVAL           Health probe interval (default: "30s")
  HEALTH_STALE_AFTER        Tenant staleness threshold (default: "6h")
  HEALTH_RECENT_ACTIVITY    Recommendation activity window (default: "12h")`)
}

// logConfigWarnings flags configurations that run but lose guarantees.
func logConfigWarnings(cfg config.Config) {
	if cfg.BrokerMode == "memory" && !cfg.ReconcileEnabled {
		log.Println("WARNING [P0]: BROKER_MODE=memory with RECONCILE_ENABLED=false: unacked entries are lost on restart and nothing re-emits stuck events")
	} else if !cfg.ReconcileEnabled {
		log.Println("WARNING [P0]: RECONCILE_ENABLED=false: events stuck in a non-terminal state are never re-emitted")
	}
	if !cfg.MetricsEnabled {
		log.Println("WARNING [P1]: METRICS_ENABLED=false: no visibility into dispatch throughput or handler failures")
	}
	if cfg.BrokerMode == "memory" {
		log.Println("INFO: BROKER_MODE=memory: stream entries do not survive restarts; use BROKER_MODE=redis in production")
	}
	if cfg.GeneratorURL == "" {
		log.Println("INFO: GENERATOR_URL not set; cycles record tenant state but generate no recommendations")
	}
	if cfg.NotifyWebhookURL == "" {
		log.Println("INFO: NOTIFY_WEBHOOK_URL not set; urgent notifications are logged, not delivered")
	}
	if cfg.TenantIDs == "" {
		log.Println("INFO: TENANT_IDS not set; full cycles visit only tenants with recorded state")
	}
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	logConfigWarnings(cfg)

	// Connect to PostgreSQL
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		return exitRuntimeError
	}
	defer db.Close()

	// Configure connection pool
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	log.Printf("sellerpulse: db pool configured (max_open=%d, max_idle=%d, max_lifetime=%s, max_idle_time=%s)",
		cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		return exitRuntimeError
	}

	store := audit.New(db)

	// Redis backs the stream broker in redis mode and the publish
	// analytics whenever an address is configured.
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
		defer redisClient.Close()
	}

	var broker streamBroker
	switch cfg.BrokerMode {
	case "redis":
		broker = redisstream.New(redisClient, redisstream.WithVisibilityWindow(cfg.VisibilityWindow))
		log.Printf("sellerpulse: redis stream broker (addr=%s, visibility=%s)", cfg.RedisAddr, cfg.VisibilityWindow)
	default:
		broker = memory.New(memory.WithVisibilityWindow(cfg.VisibilityWindow))
		log.Printf("sellerpulse: in-memory stream broker (visibility=%s)", cfg.VisibilityWindow)
	}

	// Initialize metrics sink (optional)
	var metricsSink *metrics.PrometheusSink
	var metricsServer *http.Server

	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("sellerpulse: metrics enabled (port=%s, path=%s)", cfg.MetricsPort, cfg.MetricsPath)

		// Start metrics HTTP server on separate port
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    ":" + cfg.MetricsPort,
			Handler: metricsMux,
		}
		go func() {
			log.Printf("sellerpulse: metrics server listening on :%s", cfg.MetricsPort)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("sellerpulse: metrics server error: %v", err)
			}
		}()
	} else {
		log.Println("sellerpulse: METRICS_ENABLED not set; metrics disabled")
	}

	prod := producer.New(broker, store)
	if metricsSink != nil {
		prod = prod.WithMetrics(metricsSink)
	}

	// Wire analytics if Redis is configured
	var statsSink *analytics.RedisSink
	if redisClient != nil {
		statsSink = analytics.NewRedisSink(redisClient,
			analytics.WithWindow(cfg.AnalyticsWindow),
			analytics.WithRetention(cfg.AnalyticsRetention))
		prod = prod.WithAnalytics(statsSink)
		log.Printf("sellerpulse: analytics enabled (redis=%s, window=%s)", cfg.RedisAddr, cfg.AnalyticsWindow)
	} else {
		log.Println("sellerpulse: REDIS_ADDR not set; analytics disabled")
	}

	var notifier handlers.Notifier = logNotifier{}
	if cfg.NotifyWebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret, cfg.NotifyTimeout)
		log.Printf("sellerpulse: notifications enabled (url=%s)", cfg.NotifyWebhookURL)
	}

	reg := registry.New()
	if err := handlers.Register(reg, prod, notifier, store); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register handlers: %v\n", err)
		return exitRuntimeError
	}

	// Dispatch loops share one consumer group; entries are delivered
	// to exactly one loop and redelivered after the visibility window.
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	var dispatcherWg sync.WaitGroup

	for i := 0; i < cfg.DispatcherWorkers; i++ {
		loop := dispatch.New(dispatch.Config{
			ConsumerGroup:    cfg.ConsumerGroup,
			ConsumerID:       fmt.Sprintf("%s-%d", cfg.ConsumerGroup, i),
			PartitionPattern: cfg.PartitionPattern,
			MaxBatch:         cfg.DispatchMaxBatch,
			BlockTimeout:     cfg.BlockTimeout,
		}, broker, reg, store).WithPublisher(prod)
		if metricsSink != nil {
			loop = loop.WithMetrics(metricsSink)
		}
		dispatcherWg.Add(1)
		go func() {
			defer dispatcherWg.Done()
			if err := loop.Run(dispatcherCtx); err != nil && dispatcherCtx.Err() == nil {
				log.Printf("sellerpulse: dispatch loop error: %v", err)
			}
		}()
	}

	var gen orchestrator.Generator = generator.Noop{}
	if cfg.GeneratorURL != "" {
		gen = generator.NewHTTP(cfg.GeneratorURL, generator.WithTimeout(cfg.GeneratorTimeout))
		log.Printf("sellerpulse: generator enabled (url=%s, timeout=%s)", cfg.GeneratorURL, cfg.GeneratorTimeout)
	}

	var directory orchestrator.TenantDirectory
	if ids := config.ParseTenantIDs(cfg.TenantIDs); len(ids) > 0 {
		directory = orchestrator.NewStaticDirectory(ids)
		log.Printf("sellerpulse: static tenant directory (%d tenants)", len(ids))
	} else {
		directory = orchestrator.NewStateDirectory(store)
	}

	orch := orchestrator.New(orchestrator.Config{
		BatchSize:  cfg.OrchestratorBatchSize,
		BatchPause: cfg.OrchestratorBatchPause,
	}, directory, store, gen).WithPublisher(prod)
	if cfg.CircuitBreakerThreshold > 0 {
		orch = orch.WithBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
		log.Printf("sellerpulse: circuit breaker enabled (threshold=%d, cooldown=%s)",
			cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	}
	if metricsSink != nil {
		orch = orch.WithMetrics(metricsSink)
	}

	// Cycle cadences. Overlapping ticks are dropped by the
	// orchestrator's own guard.
	orchestratorCtx, cancelOrchestrator := context.WithCancel(context.Background())
	scheduler := cron.New()
	mustAddCycle(orchestratorCtx, scheduler, cfg.CycleSchedule, orch, domain.CycleFull)
	mustAddCycle(orchestratorCtx, scheduler, cfg.UrgentSweepSchedule, orch, domain.CycleUrgentSweep)
	scheduler.Start()
	log.Printf("sellerpulse: cycles scheduled (full=%q, urgent=%q)", cfg.CycleSchedule, cfg.UrgentSweepSchedule)

	monitor := health.New(health.Config{
		Interval:       cfg.HealthInterval,
		StaleAfter:     cfg.HealthStaleAfter,
		RecentActivity: cfg.HealthRecentActivity,
	}, broker, store).WithPublisher(prod)
	if metricsSink != nil {
		monitor = monitor.WithMetrics(metricsSink)
	}

	healthCtx, cancelHealth := context.WithCancel(context.Background())
	var healthWg sync.WaitGroup
	healthWg.Add(1)
	go func() {
		defer healthWg.Done()
		monitor.Run(healthCtx)
	}()

	// Start reconciler if enabled. It re-appends to the broker
	// directly; the audit row already exists.
	var reconcilerWg sync.WaitGroup
	var cancelReconciler context.CancelFunc

	if cfg.ReconcileEnabled {
		var reconcilerCtx context.Context
		reconcilerCtx, cancelReconciler = context.WithCancel(context.Background())
		recon := reconciler.New(
			reconciler.Config{
				Interval:  cfg.ReconcileInterval,
				Threshold: cfg.ReconcileThreshold,
				BatchSize: cfg.ReconcileBatchSize,
			},
			store,
			broker,
		)
		reconcilerWg.Add(1)
		go func() {
			defer reconcilerWg.Done()
			recon.Run(reconcilerCtx)
		}()
		log.Printf("sellerpulse: reconciler enabled (interval=%s, threshold=%s, batch=%d)",
			cfg.ReconcileInterval, cfg.ReconcileThreshold, cfg.ReconcileBatchSize)
	} else {
		log.Println("sellerpulse: RECONCILE_ENABLED not set; reconciler disabled")
	}

	apiHandler := api.NewHandler(store, prod).WithHealth(monitor)
	if statsSink != nil {
		apiHandler = apiHandler.WithStats(statsSink)
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: apiHandler,
	}

	go func() {
		log.Printf("sellerpulse: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("sellerpulse: http server error: %v", err)
		}
	}()

	log.Printf("sellerpulse: started (broker=%s, group=%s, http=%s)", cfg.BrokerMode, cfg.ConsumerGroup, cfg.HTTPAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("sellerpulse: received signal %v, shutting down", received)

	// Phase 1: Stop cycle scheduling and wait for a running cycle
	log.Println("sellerpulse: stopping orchestrator...")
	cancelOrchestrator()
	<-scheduler.Stop().Done()
	log.Println("sellerpulse: orchestrator stopped")

	// Phase 2: Stop reconciler (no new re-emits)
	if cancelReconciler != nil {
		log.Println("sellerpulse: stopping reconciler...")
		cancelReconciler()
		reconcilerWg.Wait()
		log.Println("sellerpulse: reconciler stopped")
	}

	// Phase 3: Stop dispatch loops; unacked entries are redelivered
	// to the next instance after the visibility window.
	log.Println("sellerpulse: stopping dispatch loops...")
	cancelDispatcher()
	waitTimeout(&dispatcherWg, cfg.DispatcherDrainTimeout)
	log.Println("sellerpulse: dispatch loops stopped")

	// Phase 4: Stop health monitor
	log.Println("sellerpulse: stopping health monitor...")
	cancelHealth()
	healthWg.Wait()
	log.Println("sellerpulse: health monitor stopped")

	// Phase 5: Stop HTTP server with graceful shutdown
	log.Println("sellerpulse: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("sellerpulse: http server shutdown error: %v", err)
	}
	log.Println("sellerpulse: http server stopped")

	// Phase 6: Stop metrics server if running (with same timeout)
	if metricsServer != nil {
		log.Println("sellerpulse: stopping metrics server...")
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsShutdownCancel()
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			log.Printf("sellerpulse: metrics server shutdown error: %v", err)
		}
		log.Println("sellerpulse: metrics server stopped")
	}

	log.Println("sellerpulse: stopped")
	return exitSuccess
}

// mustAddCycle schedules one cycle kind. Schedules were already
// validated by config.Validate, so a parse failure here is a bug.
func mustAddCycle(ctx context.Context, scheduler *cron.Cron, expr string, orch *orchestrator.Orchestrator, kind domain.CycleKind) {
	_, err := scheduler.AddFunc(expr, func() {
		if ctx.Err() != nil {
			return
		}
		summary, err := orch.RunCycle(ctx, kind)
		switch {
		case err == orchestrator.ErrCycleInProgress:
			log.Printf("orchestrator: %s tick skipped, cycle in progress", kind)
		case err != nil:
			log.Printf("orchestrator: %s cycle failed: %v", kind, err)
		default:
			log.Printf("orchestrator: %s cycle done (tenants=%d, recommendations=%d, errors=%d, took=%s)",
				kind, summary.TenantsVisited, summary.Recommendations, summary.Errors, summary.Duration)
		}
	})
	if err != nil {
		panic(fmt.Sprintf("schedule %q: %v", expr, err))
	}
}

// waitTimeout waits for wg up to d; lagging handlers keep running and
// their entries are simply redelivered later.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		log.Printf("sellerpulse: dispatch drain timed out after %s", d)
	}
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("sellerpulse version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
