package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/stratopipe/stratopipe/internal/analytics"
	"github.com/stratopipe/stratopipe/internal/circuitbreaker"
	"github.com/stratopipe/stratopipe/internal/config"
	"github.com/stratopipe/stratopipe/internal/credentials"
	"github.com/stratopipe/stratopipe/internal/domain"
	"github.com/stratopipe/stratopipe/internal/janitor"
	"github.com/stratopipe/stratopipe/internal/jobstore"
	"github.com/stratopipe/stratopipe/internal/metrics"
	"github.com/stratopipe/stratopipe/internal/notify"
	"github.com/stratopipe/stratopipe/internal/pipeline"
	"github.com/stratopipe/stratopipe/internal/scheduler"
	"github.com/stratopipe/stratopipe/internal/transport/rabbit"
)

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
	fmt.Println(`stratopipe - pipeline stage service for cloud image releases

Usage:
  stratopipe <command>

Commands:
  serve      Start the stage service
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  AMQP_URL                  Message broker connection string (required)
  STAGE_NAME                This stage's name, e.g. "upload" (required)
  PREV_STAGE                Upstream stage name (required)
  NEXT_STAGE                Downstream stage name (empty for the pipeline tail)
  JOB_DIR                   Job document directory (default: "/var/lib/stratopipe/jobs")

  JWT_SECRET                Shared secret for the credential protocol
  CREDENTIALS_KEYS_FILE     Newline-delimited symmetric key-set file
  NO_CREDENTIALS            Run without cloud credentials (default: "false")

  SCHEDULER_WORKERS         Concurrent job executions (default: "2")
  SCHEDULER_QUEUE_SIZE      Ready-queue capacity (default: "100")

  HTTP_ADDR                 Metrics server address (default: ":8080")
  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")
  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")

  REDIS_ADDR                Redis address for outcome analytics (optional)

  JANITOR_ENABLED           Enable the stale-job janitor (default: "false")
  JANITOR_SCHEDULE          Scan schedule, cron or "@every" form (default: "@every 5m")
  JANITOR_MAX_AGE           Age before a waiting job is stale (default: "1h")

  CIRCUIT_BREAKER_THRESHOLD Consecutive exceptions before a provider trips; 0 disables (default: "0")
  CIRCUIT_BREAKER_COOLDOWN  Time before a tripped provider gets a trial execution (default: "2m")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	stageCfg, err := stageConfig(cfg.StageName, cfg.PrevStage, cfg.NextStage, cfg.NoCredentials)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	// Connect to the message broker
	conn, err := rabbit.Dial(cfg.AMQPURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to broker: %v\n", err)
		return exitRuntimeError
	}
	defer conn.Close()

	if err := conn.DeclareStage(cfg.StageName); err != nil {
		fmt.Fprintf(os.Stderr, "failed to declare broker topology: %v\n", err)
		return exitRuntimeError
	}

	store, err := jobstore.New(filepath.Join(cfg.JobDir, cfg.StageName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open job store: %v\n", err)
		return exitRuntimeError
	}

	// The credential broker stays nil for no-credentials stages; the
	// orchestrator never touches it then.
	var credBroker pipeline.CredentialBroker
	if !stageCfg.NoCredentials {
		keys, err := credentials.LoadKeys(cfg.CredentialsKeysFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load credential keys: %v\n", err)
			return exitRuntimeError
		}
		credBroker = credentials.New(cfg.StageName, []byte(cfg.JWTSecret), keys)
		log.Printf("stratopipe: credential broker ready (%d keys)", len(keys))
	} else {
		log.Println("stratopipe: running without cloud credentials")
	}

	// Initialize metrics sink (optional)
	var metricsSink *metrics.PrometheusSink
	var metricsServer *http.Server

	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("stratopipe: metrics enabled (addr=%s, path=%s)", cfg.HTTPAddr, cfg.MetricsPath)

		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: metricsMux,
		}
		go func() {
			log.Printf("stratopipe: metrics server listening on %s", cfg.HTTPAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("stratopipe: metrics server error: %v", err)
			}
		}()
	} else {
		log.Println("stratopipe: METRICS_ENABLED not set; metrics disabled")
	}

	sched := scheduler.New(scheduler.Config{
		Workers:   cfg.SchedulerWorkers,
		QueueSize: cfg.SchedulerQueueSize,
	})

	stage := pipeline.New(
		stageCfg,
		conn,
		credBroker,
		sched,
		store,
		stageFactory(cfg.StageName),
		notify.NewLogNotifier(),
	)
	if metricsSink != nil {
		stage = stage.WithMetrics(metricsSink)
	}

	// Wire analytics if Redis is configured
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
		stage = stage.WithAnalytics(analytics.NewRedisSink(redisClient))
		log.Printf("stratopipe: analytics enabled (redis=%s)", cfg.RedisAddr)
	} else {
		log.Println("stratopipe: REDIS_ADDR not set; analytics disabled")
	}

	if cfg.CircuitBreakerThreshold > 0 {
		stage = stage.WithBreaker(circuitbreaker.New(
			cfg.CircuitBreakerThreshold,
			cfg.CircuitBreakerCooldown,
		))
		log.Printf("stratopipe: circuit breaker enabled (threshold=%d, cooldown=%s)",
			cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	} else {
		log.Println("stratopipe: CIRCUIT_BREAKER_THRESHOLD is 0; circuit breaker disabled")
	}

	if err := stage.Restore(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to restore persisted jobs: %v\n", err)
		return exitRuntimeError
	}

	// Use separate contexts for the consume loop, the scheduler and the
	// janitor to enable ordered shutdown.
	stageCtx, cancelStage := context.WithCancel(context.Background())
	schedCtx, cancelSched := context.WithCancel(context.Background())

	deliveries, err := conn.Consume(stageCtx, cfg.StageName)
	if err != nil {
		cancelStage()
		cancelSched()
		fmt.Fprintf(os.Stderr, "failed to start consuming: %v\n", err)
		return exitRuntimeError
	}

	var stageWg sync.WaitGroup
	var schedWg sync.WaitGroup
	var janitorWg sync.WaitGroup
	var cancelJanitor context.CancelFunc

	schedWg.Add(1)
	go func() {
		defer schedWg.Done()
		sched.Run(schedCtx)
	}()

	stageWg.Add(1)
	go func() {
		defer stageWg.Done()
		stage.Run(stageCtx, deliveries, sched.Results())
	}()

	// Start janitor if enabled
	if cfg.JanitorEnabled {
		jan, err := janitor.New(janitor.Config{
			Schedule: cfg.JanitorSchedule,
			MaxAge:   cfg.JanitorMaxAge,
		}, stage)
		if err != nil {
			cancelStage()
			cancelSched()
			fmt.Fprintf(os.Stderr, "failed to start janitor: %v\n", err)
			return exitRuntimeError
		}
		if metricsSink != nil {
			jan = jan.WithMetrics(metricsSink)
		}
		var janitorCtx context.Context
		janitorCtx, cancelJanitor = context.WithCancel(context.Background())
		janitorWg.Add(1)
		go func() {
			defer janitorWg.Done()
			jan.Run(janitorCtx)
		}()
	} else {
		log.Println("stratopipe: JANITOR_ENABLED not set; janitor disabled")
	}

	log.Printf("stratopipe: stage %s started (prev=%s, next=%s, workers=%d)",
		cfg.StageName, cfg.PrevStage, cfg.NextStage, cfg.SchedulerWorkers)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("stratopipe: received signal %v, shutting down", received)

	// Phase 1: Stop the consume loop (no new messages handled)
	log.Println("stratopipe: stopping consume loop...")
	cancelStage()
	stageWg.Wait()
	log.Println("stratopipe: consume loop stopped")

	// Phase 2: Stop the janitor
	if cancelJanitor != nil {
		log.Println("stratopipe: stopping janitor...")
		cancelJanitor()
		janitorWg.Wait()
		log.Println("stratopipe: janitor stopped")
	}

	// Phase 3: Stop the scheduler (running bodies get their context cancelled)
	log.Println("stratopipe: stopping scheduler...")
	cancelSched()
	schedWg.Wait()
	log.Println("stratopipe: scheduler stopped")

	// Phase 4: Stop metrics server if running
	if metricsServer != nil {
		log.Println("stratopipe: stopping metrics server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("stratopipe: metrics server shutdown error: %v", err)
		}
		log.Println("stratopipe: metrics server stopped")
	}

	log.Println("stratopipe: stopped")
	return exitSuccess
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	if _, ok := stageContracts[cfg.StageName]; !ok {
		fmt.Fprintf(os.Stderr, "unknown stage %q\n", cfg.StageName)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	fmt.Printf("supported providers: %v\n", domain.Providers())
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
	fmt.Printf("stratopipe version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
