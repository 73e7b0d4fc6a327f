// tsbx-agent runs inside a sandbox container. It signals readiness to the
// control plane, polls its task queue, and drives each task through the
// agent loop against the configured inference endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/tsbx-io/tsbx/pkg/agent"
	"github.com/tsbx-io/tsbx/pkg/agent/llm"
	"github.com/tsbx-io/tsbx/pkg/agent/prompt"
	"github.com/tsbx-io/tsbx/pkg/agent/tools"
	"github.com/tsbx-io/tsbx/pkg/api"
	"github.com/tsbx-io/tsbx/pkg/guard"
	"github.com/tsbx-io/tsbx/pkg/plan"
	"github.com/tsbx-io/tsbx/pkg/version"
)

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func main() {
	logLevel := flag.String("log-level",
		os.Getenv("LOG_LEVEL"),
		"Log level (debug, info, warn, error)")
	flag.Parse()

	setupLogging(*logLevel)

	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	boot, err := agent.BootFromEnv()
	if err != nil {
		slog.Error("Agent boot failed", "error", err)
		os.Exit(1)
	}
	logger := slog.Default().With("component", "agent", "sandbox_id", boot.SandboxID)
	logger.Info("Agent starting",
		"version", version.GitCommit,
		"api_url", boot.APIURL,
		"working_dir", boot.WorkingDir,
		"model", boot.Inference.Model)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Setup script runs before the ready signal so tasks see its effects.
	if err := boot.RunSetup(ctx, logger); err != nil {
		logger.Error("Setup failed", "error", err)
		os.Exit(1)
	}

	// Seeded guard rules override the built-ins; a broken seed file
	// degrades to the built-ins rather than bricking the sandbox.
	guardSvc, err := guard.NewServiceFromFile(filepath.Join(boot.EnvDir, guard.FileName))
	if err != nil {
		logger.Warn("Falling back to built-in guard rules", "error", err)
		guardSvc = guard.NewDefaultService()
	}

	planMgr := plan.NewManager(filepath.Join(boot.WorkingDir, plan.FileName))
	registry := tools.NewStandardRegistry(tools.Config{
		WorkingDir: boot.WorkingDir,
		EnvDir:     boot.EnvDir,
		Plan:       planMgr,
	})
	prompts := prompt.NewBuilder(prompt.BuilderConfig{
		WorkingDir: boot.WorkingDir,
		EnvDir:     boot.EnvDir,
		HostName:   boot.HostName,
		Plan:       planMgr,
	})

	llmClient := llm.NewRetrying(llm.NewHTTPClient(boot.Inference), llm.RetryConfig{})
	control := api.NewClient(boot.APIURL, boot.SandboxID, boot.Token)

	loop := agent.NewLoop(agent.LoopConfig{
		Control:  control,
		LLM:      llmClient,
		Registry: registry,
		Prompts:  prompts,
		Guard:    guardSvc,
		Plan:     planMgr,
		Logger:   logger,
	})
	runner := agent.NewRunner(agent.RunnerConfig{
		Control:      control,
		Loop:         loop,
		TaskBoundary: boot.TaskBoundary,
		Logger:       logger,
	})

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Agent runner exited", "error", err)
		os.Exit(1)
	}
	logger.Info("Agent stopped")
}
