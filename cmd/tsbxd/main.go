// tsbxd is the sandbox control plane: it serves the agent callback API,
// runs the request worker pool over the durable queue, and reconciles
// sandbox lifecycles against the container runtime.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/tsbx-io/tsbx/pkg/api"
	"github.com/tsbx-io/tsbx/pkg/config"
	"github.com/tsbx-io/tsbx/pkg/database"
	"github.com/tsbx-io/tsbx/pkg/reconciler"
	"github.com/tsbx-io/tsbx/pkg/runtime"
	"github.com/tsbx-io/tsbx/pkg/snapshot"
	"github.com/tsbx-io/tsbx/pkg/store"
	"github.com/tsbx-io/tsbx/pkg/token"
	"github.com/tsbx-io/tsbx/pkg/version"
	"github.com/tsbx-io/tsbx/pkg/worker"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the worker identifier for multi-replica
// coordination. Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	logLevel := flag.String("log-level",
		getEnv("LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	flag.Parse()

	setupLogging(*logLevel)

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	podID := resolvePodID()

	slog.Info("Starting tsbxd",
		"version", version.GitCommit,
		"http_port", httpPort,
		"pod_id", podID,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize database (runs embedded migrations)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	st := store.New(dbClient)

	// 3. Container runtime
	rt, err := runtime.NewDocker(runtime.DockerConfig{
		Network: cfg.Sandbox.Network,
	})
	if err != nil {
		slog.Error("Failed to connect to container runtime", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			slog.Error("Error closing runtime client", "error", err)
		}
	}()
	slog.Info("Container runtime connected")

	// 4. Snapshot store
	snaps, err := snapshot.NewStore(cfg.Snapshots.Root)
	if err != nil {
		slog.Error("Failed to open snapshot store", "root", cfg.Snapshots.Root, "error", err)
		os.Exit(1)
	}

	// 5. Token issuer
	secret, err := cfg.Token.ResolveSecret()
	if err != nil {
		slog.Error("Failed to resolve token secret", "error", err)
		os.Exit(1)
	}
	issuer, err := token.NewIssuer(secret, cfg.Token.TTL)
	if err != nil {
		slog.Error("Failed to create token issuer", "error", err)
		os.Exit(1)
	}

	// 6. Start worker pool (before the HTTP server takes callbacks)
	executor := worker.NewExecutor(worker.Deps{
		Store:     st,
		Runtime:   rt,
		Snapshots: snaps,
		Tokens:    issuer,
		Sandbox:   cfg.Sandbox,
		Inference: cfg.Inference,
		Guard:     cfg.Guard,
	})
	pool := worker.NewWorkerPool(podID, st, cfg.Worker, executor)
	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 7. Reconciler loops
	recon := reconciler.NewService(cfg.Reconciler, st, rt)
	recon.Start(ctx)

	// 8. HTTP callback API (non-blocking)
	gin.SetMode(gin.ReleaseMode)
	apiServer := api.NewServer(st, dbClient, issuer, slog.Default())
	httpServer := &http.Server{
		Addr:    ":" + httpPort,
		Handler: apiServer.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("tsbxd started successfully",
		"pod_id", podID,
		"workers", cfg.Worker.WorkerCount)

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: reconciler first so it stops issuing CAS
	// writes, then workers drain in-flight requests, then the HTTP server.
	recon.Stop()
	slog.Info("Reconciler stopped")

	workerShutdownCtx, workerCancel := context.WithTimeout(ctx, cfg.Worker.GracefulShutdownTimeout)
	defer workerCancel()

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-workerShutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded, in-flight requests will be orphan-recovered on restart")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
