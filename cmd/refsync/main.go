package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/refsync/internal/api"
	"github.com/user/refsync/internal/connectivity"
	"github.com/user/refsync/internal/engine"
	"github.com/user/refsync/internal/observability"
	"github.com/user/refsync/internal/queue"
	"github.com/user/refsync/internal/readcache"
	"github.com/user/refsync/internal/server"
	"github.com/user/refsync/internal/storage"
)

var (
	logLevel string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "refsync",
	Short: "Refsync — offline-first sync agent for referee assignments",
	Long:  "A local agent that queues referee assignment mutations while offline and replays them against the backend when connectivity returns.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Start the refsync agent",
	RunE:  runAgent,
}

var (
	bindAddr        string
	dataDir         string
	backendURL      string
	backendToken    string
	storageBackend  = "sqlite"
	probeURL        string
	probeInterval   = 30 * time.Second
	requestTimeout  = 15 * time.Second
	retryBaseDelay  = 5 * time.Second
	retryMaxDelay   = 10 * time.Minute
	maxInFlight     = 4
	tickInterval    = time.Second
	useH2C          bool
	cacheMaxAge     = 24 * time.Hour
	shutdownTimeout = 2 * time.Second
	otelEnabled     bool
	otelEndpoint    string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	agentCmd.Flags().StringVar(&bindAddr, "bind", "127.0.0.1:7450", "Status API bind address")
	agentCmd.Flags().StringVar(&dataDir, "data-dir", "data", "Directory for queue and cache storage")
	agentCmd.Flags().StringVar(&backendURL, "backend-url", "", "Base URL of the assignment backend (required)")
	agentCmd.Flags().StringVar(&backendToken, "backend-token", "", "Bearer token for backend requests (defaults to REFSYNC_BACKEND_TOKEN)")
	agentCmd.Flags().StringVar(&storageBackend, "storage", "sqlite", "Queue storage backend: sqlite or badger")
	agentCmd.Flags().StringVar(&probeURL, "probe-url", "", "URL probed to detect connectivity; empty disables probing (manual overrides only)")
	agentCmd.Flags().DurationVar(&probeInterval, "probe-interval", 30*time.Second, "Connectivity probe interval")
	agentCmd.Flags().DurationVar(&requestTimeout, "request-timeout", 15*time.Second, "Per-request timeout for backend calls")
	agentCmd.Flags().DurationVar(&retryBaseDelay, "retry-base-delay", 5*time.Second, "Base delay for exponential retry backoff")
	agentCmd.Flags().DurationVar(&retryMaxDelay, "retry-max-delay", 10*time.Minute, "Ceiling for exponential retry backoff")
	agentCmd.Flags().IntVar(&maxInFlight, "max-in-flight", 4, "Maximum concurrent in-flight actions across distinct entities")
	agentCmd.Flags().DurationVar(&tickInterval, "tick-interval", time.Second, "Engine scheduling tick; also drives backoff expiry")
	agentCmd.Flags().BoolVar(&useH2C, "h2c", false, "Use HTTP/2 cleartext for backend requests")
	agentCmd.Flags().DurationVar(&cacheMaxAge, "cache-max-age", 24*time.Hour, "Maximum age of persisted read cache entries")
	agentCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 2*time.Second, "Graceful HTTP shutdown timeout before force-close")
	agentCmd.Flags().BoolVar(&otelEnabled, "otel-enabled", false, "Enable OpenTelemetry tracing")
	agentCmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint (host:port) for traces; if empty uses stdout exporter")

	rootCmd.AddCommand(agentCmd)

	addClientFlags(queueCmd, statsCmd, retryCmd, retryAllCmd, discardCmd, clearCmd, syncCmd, offlineCmd, onlineCmd, enqueueCmd)
	rootCmd.AddCommand(queueCmd, statsCmd, retryCmd, retryAllCmd, discardCmd, clearCmd, syncCmd, offlineCmd, onlineCmd, enqueueCmd)
}

func setupLogging() {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func runAgent(cmd *cobra.Command, args []string) error {
	if strings.TrimSpace(backendURL) == "" {
		return fmt.Errorf("--backend-url is required")
	}
	token := strings.TrimSpace(backendToken)
	if token == "" {
		token = strings.TrimSpace(os.Getenv("REFSYNC_BACKEND_TOKEN"))
	}

	slog.Info("starting refsync agent",
		"bind", bindAddr,
		"data_dir", dataDir,
		"backend", backendURL,
		"storage", storageBackend,
	)

	shutdownTracer, err := observability.InitTracer(otelEnabled, "refsync", otelEndpoint)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			slog.Warn("tracer shutdown error", "error", err)
		}
	}()

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	var adapter storage.Adapter
	switch storageBackend {
	case "sqlite":
		adapter, err = storage.OpenSQLite(dataDir)
	case "badger":
		adapter, err = storage.OpenBadger(dataDir)
	default:
		return fmt.Errorf("unknown storage backend %q (want sqlite or badger)", storageBackend)
	}
	if err != nil {
		return fmt.Errorf("open %s storage: %w", storageBackend, err)
	}
	defer adapter.Close()

	store := queue.Open(context.Background(), adapter)
	snap := store.Snapshot()
	slog.Info("queue loaded", "total", len(snap.Actions), "pending", snap.PendingCount, "failed", snap.FailedCount)

	cache, err := readcache.Open(dataDir, cacheMaxAge)
	if err != nil {
		return fmt.Errorf("open read cache: %w", err)
	}
	defer cache.Close()
	if _, err := cache.Sweep(); err != nil {
		slog.Warn("read cache sweep failed", "error", err)
	}

	clientOpts := []api.Option{api.WithTimeout(requestTimeout)}
	if token != "" {
		clientOpts = append(clientOpts, api.WithToken(token))
	}
	if useH2C {
		clientOpts = append(clientOpts, api.WithH2C())
	}
	client := api.New(backendURL, clientOpts...)

	monitor := connectivity.New(probeURL, probeInterval)
	monitorCtx, monitorCancel := context.WithCancel(context.Background())
	defer monitorCancel()
	go monitor.Run(monitorCtx)

	eng := engine.New(store, client, monitor, cache, engine.Config{
		MaxInFlight:    maxInFlight,
		RetryBaseDelay: retryBaseDelay,
		RetryMaxDelay:  retryMaxDelay,
		TickInterval:   tickInterval,
	})
	engineCtx, engineCancel := context.WithCancel(context.Background())
	go eng.Run(engineCtx)

	srv := server.New(store, eng, monitor, bindAddr)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("status API error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("refsync agent ready", "bind", bindAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("received shutdown signal", "signal", sig)

	slog.Info("stopping status API")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("status API shutdown error", "error", err)
	}

	slog.Info("stopping sync engine")
	engineCancel()
	eng.Wait()

	slog.Info("refsync agent stopped")
	return nil
}
