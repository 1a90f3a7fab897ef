package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/hopper/internal/bus"
	"github.com/basket/hopper/internal/config"
	"github.com/basket/hopper/internal/cron"
	"github.com/basket/hopper/internal/delegation"
	"github.com/basket/hopper/internal/gateway"
	"github.com/basket/hopper/internal/instance"
	"github.com/basket/hopper/internal/learning"
	"github.com/basket/hopper/internal/memory"
	otelPkg "github.com/basket/hopper/internal/otel"
	"github.com/basket/hopper/internal/persistence"
	"github.com/basket/hopper/internal/routing"
	"github.com/basket/hopper/internal/similarity"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the Hopper daemon
  %s status                   Show daemon health (/healthz)
  %s version                  Print the build version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  HOPPER_HOME             Data directory (default: ~/.hopper)
  HOPPER_BIND_ADDR        Gateway bind address (default: 127.0.0.1:18900)
  HOPPER_AUTH_TOKEN       Bearer token for the HTTP API (empty disables auth)
  HOPPER_REDIS_ADDR       Switch working memory to the Redis backend
`)
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "version":
			fmt.Println(Version)
			return
		case "status":
			os.Exit(runStatusCommand(ctx))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"home", cfg.HomeDir, "fingerprint", cfg.Fingerprint(), "version", Version)

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)
	instruments, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	eventBus := bus.New()

	store, err := persistence.Open(cfg.DBPath(), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath())

	var cache memory.Cache
	switch cfg.Memory.Backend {
	case "redis":
		remote, err := memory.NewRemote(cfg.Memory.RedisAddr, cfg.Memory.RedisPassword,
			cfg.Memory.RedisDB, cfg.Memory.RedisPrefix)
		if err != nil {
			fatalStartup(logger, "E_MEMORY_INIT", err)
		}
		defer remote.Close()
		cache = remote
	default:
		cache = memory.NewLocal(cfg.Memory.MaxEntries)
	}
	logger.Info("startup phase", "phase", "working_memory_ready", "backend", cfg.Memory.Backend)

	searcher, err := similarity.NewSearcher(similarity.DefaultConfig())
	if err != nil {
		fatalStartup(logger, "E_SIMILARITY_INIT", err)
	}

	eng := learning.NewEngine(store, cache, searcher, eventBus, learning.Config{
		ContextTTL:   time.Duration(cfg.Learning.ContextTTLSeconds) * time.Second,
		SimilarLimit: cfg.Learning.SimilarLimit,
		Extractor: learning.ExtractorConfig{
			MinEpisodes:   cfg.Learning.MinEpisodes,
			MinConfidence: cfg.Learning.MinPatternConfidence,
		},
		Metrics: instruments,
	}, logger)
	if err := eng.RebuildSimilarityIndex(ctx); err != nil {
		logger.Warn("similarity index rebuild failed; recall starts cold", "error", err)
	}

	router := routing.NewRouter(store, eventBus, eng, eng, routing.Config{
		Budget:        cfg.RoutingBudget(),
		MinConfidence: cfg.Routing.MinConfidence,
		Fallback:      cfg.Routing.Fallback,
		Tracer:        otelProvider.Tracer,
		Metrics:       instruments,
	}, logger)

	rulesPath := cfg.RulesPath()
	switch rs, err := routing.LoadRules(rulesPath); {
	case err == nil:
		router.SetRules(rs)
		logger.Info("startup phase", "phase", "rules_loaded", "path", rulesPath, "rules", len(rs.Rules))
	case errors.Is(err, fs.ErrNotExist):
		logger.Info("startup phase", "phase", "rules_loaded", "path", rulesPath, "rules", 0)
	default:
		fatalStartup(logger, "E_RULES_LOAD", err)
	}
	if cfg.Routing.WatchRules {
		if err := routing.WatchRules(ctx, rulesPath, logger, router.SetRules); err != nil {
			logger.Warn("rules watcher unavailable; edits need a restart or PUT /api/rules", "error", err)
		}
	}

	registry := instance.NewRegistry(store, eventBus, router, logger)
	delegations := delegation.NewEngine(store, eventBus, logger)
	delegations.SetMetrics(instruments)

	scheduler, err := cron.NewScheduler(cron.Config{
		Engine:                 eng,
		Logger:                 logger,
		ConsolidationExpr:      cfg.Learning.ConsolidationCron,
		MemorySweepExpr:        cfg.Learning.MemorySweepCron,
		EpisodePruneExpr:       cfg.Learning.EpisodePruneCron,
		PatternSweepExpr:       cfg.Learning.PatternSweepCron,
		EpisodeRetention:       time.Duration(cfg.Learning.EpisodeRetentionDays) * 24 * time.Hour,
		PatternStaleAfter:      time.Duration(cfg.Learning.PatternStaleDays) * 24 * time.Hour,
		PatternConfidenceFloor: cfg.Learning.MinPatternConfidence,
	})
	if err != nil {
		fatalStartup(logger, "E_CRON_INIT", err)
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	gw := gateway.New(gateway.Config{
		Store:              store,
		Registry:           registry,
		Router:             router,
		Delegations:        delegations,
		Learning:           eng,
		Bus:                eventBus,
		AuthToken:          cfg.Gateway.AuthToken,
		RateLimitPerMinute: cfg.Gateway.RateLimitPerMinute,
		ConfigFingerprint:  cfg.Fingerprint(),
		RulesPath:          rulesPath,
		Tracer:             otelProvider.Tracer,
		Metrics:            instruments,
		Logger:             logger,
	})
	gw.StartEviction(ctx)

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "events", "/events")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then let deferred closes flush the store and cache.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// newLogger picks a text handler on a terminal and JSON otherwise, so daemon
// logs stay machine-parseable while interactive runs stay readable.
func newLogger(level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler).With("component", "runtime")
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// runStatusCommand queries a running daemon's /healthz and prints the body.
func runStatusCommand(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	url := "http://" + cfg.BindAddr + "/healthz"
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build request: %v\n", err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "daemon not reachable at %s: %v\n", cfg.BindAddr, err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	fmt.Println(strings.TrimSpace(string(body)))
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
