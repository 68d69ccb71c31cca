// Command forzeod runs the orchestration daemon: it drains the work queue,
// tracks engine authority, resolves cross-engine disagreements, and sweeps
// SLA deadlines.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/forzeo/forzeo-core/pkg/analysis"
	"github.com/forzeo/forzeo-core/pkg/archive"
	"github.com/forzeo/forzeo-core/pkg/authority"
	"github.com/forzeo/forzeo-core/pkg/budget"
	"github.com/forzeo/forzeo-core/pkg/config"
	"github.com/forzeo/forzeo-core/pkg/consensus"
	"github.com/forzeo/forzeo-core/pkg/engineclient"
	"github.com/forzeo/forzeo-core/pkg/notify"
	"github.com/forzeo/forzeo-core/pkg/observability"
	"github.com/forzeo/forzeo-core/pkg/queue"
	"github.com/forzeo/forzeo-core/pkg/runner"
	"github.com/forzeo/forzeo-core/pkg/sla"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver for the authority store
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer()
	}

	switch args[1] {
	case "serve", "server":
		return runServer()
	case "health":
		return runHealthCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: forzeod <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve    Run the orchestration daemon (default)")
	fmt.Fprintln(w, "  health   Check daemon health (HTTP)")
	fmt.Fprintln(w, "  help     Show this help")
}

//nolint:gocognit,gocyclo
func runServer() int {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	profile := config.DefaultProfile()
	if cfg.ProfilePath != "" {
		var err error
		profile, err = config.LoadProfile(cfg.ProfilePath)
		if err != nil {
			logger.Error("failed to load tuning profile", "path", cfg.ProfilePath, "error", err)
			return 1
		}
	}
	logger.Info("tuning profile loaded", "name", profile.Name)

	provider, err := observability.New(ctx, &observability.Config{
		ServiceName:    "forzeo-core",
		ServiceVersion: "1.0.0",
		Environment:    envName(),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEnabled,
		Insecure:       true,
	})
	if err != nil {
		logger.Error("failed to init observability", "error", err)
		return 1
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	// Stores: Postgres when DATABASE_URL is set, in-memory lite mode
	// otherwise.
	var (
		queueStore     queue.Store
		budgetStorage  budget.Storage
		consensusStore consensus.Store
		slaStore       sla.Store
	)
	if os.Getenv("DATABASE_URL") == "" {
		logger.Info("DATABASE_URL not set, running in lite mode (in-memory stores)")
		queueStore = queue.NewMemoryStore()
		budgetStorage = budget.NewMemoryStore()
		consensusStore = consensus.NewMemoryStore()
		slaStore = sla.NewMemoryStore()
	} else {
		db, dbErr := sql.Open("postgres", cfg.DatabaseURL)
		if dbErr != nil {
			logger.Error("failed to open postgres", "error", dbErr)
			return 1
		}
		defer func() { _ = db.Close() }()
		if pingErr := db.PingContext(ctx); pingErr != nil {
			logger.Error("postgres ping failed", "error", pingErr)
			return 1
		}

		qs := queue.NewPostgresStore(db)
		bs := budget.NewPostgresStorage(db)
		cs := consensus.NewPostgresStore(db)
		ss := sla.NewPostgresStore(db)
		for name, migrate := range map[string]func(context.Context) error{
			"queue":     qs.Migrate,
			"budget":    bs.Migrate,
			"consensus": cs.Migrate,
			"sla":       ss.Migrate,
		} {
			if migErr := migrate(ctx); migErr != nil {
				logger.Error("migration failed", "store", name, "error", migErr)
				return 1
			}
		}
		queueStore, budgetStorage, consensusStore, slaStore = qs, bs, cs, ss
		logger.Info("postgres connected")
	}

	// Authority tracking lives in SQLite regardless of mode; it is a local
	// per-node cache of engine trust rebuilt from query traffic.
	authDB, err := sql.Open("sqlite", cfg.SQLitePath)
	if err != nil {
		logger.Error("failed to open authority database", "path", cfg.SQLitePath, "error", err)
		return 1
	}
	defer func() { _ = authDB.Close() }()
	authStore, err := authority.NewSQLiteStore(authDB)
	if err != nil {
		logger.Error("failed to init authority store", "error", err)
		return 1
	}

	sink := notify.NewSlogSink(logger)
	tracker := authority.NewTracker(authStore, weightsFromProfile(profile.Authority), sink, logger)
	consensusEngine := consensus.NewEngine(consensusStore, tracker, consensus.Options{
		ConvergenceThreshold: profile.Consensus.ConvergenceThreshold,
		NudgeEpsilon:         profile.Authority.NudgeEpsilon,
	}, logger)

	// Engine clients: per-engine call budgets enforced before dispatch,
	// shared across nodes when Redis is configured.
	callBudget := engineclient.CallBudget{PerMinute: profile.Queue.ThroughputPerMin, Burst: 10}
	var limiter engineclient.Limiter
	if cfg.RedisAddr != "" {
		limiter = engineclient.NewRedisLimiter(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0, callBudget)
		logger.Info("redis limiter enabled", "addr", cfg.RedisAddr)
	} else {
		limiter = engineclient.NewLocalLimiter(callBudget)
	}

	endpoints := make(map[string]engineclient.Endpoint, len(cfg.EngineEndpoints))
	engineIDs := make([]string, 0, len(cfg.EngineEndpoints))
	for id, url := range cfg.EngineEndpoints {
		endpoints[id] = engineclient.Endpoint{URL: url, APIKey: config.EngineAPIKey(id)}
		engineIDs = append(engineIDs, id)
	}
	if len(engineIDs) == 0 {
		logger.Warn("no engine endpoints configured, analysis jobs will dead-letter")
	}
	client := engineclient.RateLimited(
		engineclient.WithTimeout(engineclient.NewHTTPClient(endpoints), 30*time.Second),
		limiter,
	)

	analyzer := analysis.NewAnalyzer(client, tracker, consensusEngine, engineIDs, logger)

	enforcer := budget.NewStorageEnforcer(budgetStorage, logger)
	submitter := queue.NewSubmitter(queueStore, enforcer, profile.Queue.ThroughputPerMin, logger)
	if err := submitter.RegisterType(analyzer.TypeSpec(1, profile.Queue.DefaultMaxRetries)); err != nil {
		logger.Error("failed to register job type", "error", err)
		return 1
	}

	registry := runner.NewRegistry()
	if err := registry.Register(analyzer); err != nil {
		logger.Error("failed to register handler", "error", err)
		return 1
	}

	slos := observability.NewSLOTracker()
	slos.SetTarget(&observability.SLOTarget{
		SLOID:       "slo-prompt-analysis",
		Name:        "prompt analysis latency and success",
		Operation:   analysis.JobType,
		LatencyP99:  time.Duration(profile.Queue.HandlerTimeoutSecs) * time.Second,
		SuccessRate: 0.95,
		WindowHours: 24,
	})

	jobRunner := runner.New(queueStore, registry, runner.Options{
		ClaimLimit:     profile.Queue.ClaimLimit,
		HandlerTimeout: time.Duration(profile.Queue.HandlerTimeoutSecs) * time.Second,
	}, logger).WithProvider(provider).WithSLOTracker(slos)

	archiver := archive.NewArchiver(newArchiveStore(ctx, cfg, logger), logger)
	escalator := sla.NewEscalator(slaStore, sink, logger)

	go func() {
		if runErr := jobRunner.Run(ctx, 5*time.Second); runErr != nil && runErr != context.Canceled {
			logger.Error("runner stopped", "error", runErr)
		}
	}()
	go runPeriodic(ctx, time.Hour, func() {
		if _, decayErr := tracker.Decay(ctx); decayErr != nil {
			logger.Error("authority decay sweep failed", "error", decayErr)
		}
	})
	go runPeriodic(ctx, 24*time.Hour, func() {
		snapshots, snapErr := tracker.SnapshotAll(ctx)
		if snapErr != nil {
			logger.Error("authority snapshot failed", "error", snapErr)
			return
		}
		if _, archErr := archiver.Archive(ctx, snapshots); archErr != nil {
			logger.Error("snapshot archive failed", "error", archErr)
		}
	})
	go runPeriodic(ctx, 5*time.Minute, func() {
		if _, sweepErr := escalator.Sweep(ctx); sweepErr != nil {
			logger.Error("sla sweep failed", "error", sweepErr)
		}
	})
	go runPeriodic(ctx, 24*time.Hour, func() {
		retention := time.Duration(profile.Queue.RetentionDays) * 24 * time.Hour
		if _, purgeErr := jobRunner.SweepRetention(ctx, retention); purgeErr != nil {
			logger.Error("retention sweep failed", "error", purgeErr)
		}
	})

	api := &apiServer{
		submitter: submitter,
		tracker:   tracker,
		runner:    jobRunner,
		escalator: escalator,
		logger:    logger,
	}
	apiSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if srvErr := apiSrv.ListenAndServe(); srvErr != nil && srvErr != http.ErrServerClosed {
			logger.Error("api server failed", "error", srvErr)
		}
	}()

	healthSrv := startHealthServer(logger)
	logger.Info("forzeod ready", "port", cfg.Port, "engines", engineIDs)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiSrv.Shutdown(shutdownCtx)
	_ = healthSrv.Shutdown(shutdownCtx)
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func envName() string {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		return env
	}
	return "development"
}

func weightsFromProfile(a config.AuthorityTuning) authority.Weights {
	return authority.Weights{
		Base:                 a.Base,
		ReliabilityCoeff:     a.ReliabilityCoeff,
		CitationCoeff:        a.CitationCoeff,
		FreshnessCoeff:       a.FreshnessCoeff,
		Floor:                a.Floor,
		Ceiling:              a.Ceiling,
		DegradedOverride:     a.DegradedOverride,
		UnavailableOverride:  a.UnavailableOverride,
		DegradedThreshold:    int64(a.DegradedThreshold),
		UnavailableThreshold: int64(a.UnavailableThreshold),
		MinSampleSize:        int64(a.MinSampleSize),
		FallbackDiscount:     a.FallbackDiscount,
		NudgeEpsilon:         a.NudgeEpsilon,
		StaleAfterHours:      float64(a.StaleAfterHours),
	}
}

// newArchiveStore picks the snapshot archive backend from configuration.
func newArchiveStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) archive.Store {
	switch {
	case cfg.S3Bucket != "":
		store, err := archive.NewS3Store(ctx, archive.S3StoreConfig{
			Bucket: cfg.S3Bucket,
			Region: cfg.S3Region,
			Prefix: cfg.S3Prefix,
		})
		if err != nil {
			logger.Error("failed to init s3 archive, falling back to memory", "error", err)
			return archive.NewMemoryStore()
		}
		logger.Info("snapshot archive: s3", "bucket", cfg.S3Bucket)
		return store
	case cfg.GCSBucket != "":
		store, err := archive.NewGCSStore(ctx, archive.GCSStoreConfig{
			Bucket: cfg.GCSBucket,
			Prefix: cfg.GCSPrefix,
		})
		if err != nil {
			logger.Error("failed to init gcs archive, falling back to memory", "error", err)
			return archive.NewMemoryStore()
		}
		logger.Info("snapshot archive: gcs", "bucket", cfg.GCSBucket)
		return store
	default:
		logger.Info("snapshot archive: in-memory (no bucket configured)")
		return archive.NewMemoryStore()
	}
}

func runPeriodic(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func startHealthServer(logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{Addr: ":8081", Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server failed", "error", err)
		}
	}()
	return srv
}

func runHealthCmd(out, errOut io.Writer) int {
	resp, err := http.Get("http://localhost:8081/health")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Fprintln(out, "OK")
	return 0
}
