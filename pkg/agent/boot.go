package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tsbx-io/tsbx/pkg/agent/llm"
	"github.com/tsbx-io/tsbx/pkg/models"
)

// setupScript is the optional bootstrap script the worker seeds into the
// environment directory.
const setupScript = "setup.sh"

// BootConfig is everything the agent needs at startup, resolved from the
// environment contract the worker injects at container creation.
type BootConfig struct {
	APIURL     string
	SandboxID  string
	Token      string
	WorkingDir string
	EnvDir     string
	HostName   string
	Inference  llm.Config

	// TaskBoundary is the creating request's timestamp. Queued tasks
	// older than it belong to a previous container generation and are
	// skipped.
	TaskBoundary time.Time

	// HasSetup reports whether the worker uploaded a setup script.
	HasSetup bool
}

// BootFromEnv resolves the boot configuration from the container
// environment.
func BootFromEnv() (*BootConfig, error) {
	cfg := &BootConfig{
		APIURL:    os.Getenv(models.EnvAPIURL),
		SandboxID: os.Getenv(models.EnvSandboxID),
		Token:     os.Getenv(models.EnvToken),
		EnvDir:    os.Getenv(models.EnvSandboxDir),
		HostName:  os.Getenv(models.EnvHostName),
		Inference: llm.Config{
			URL:    os.Getenv(models.EnvInferenceURL),
			Model:  os.Getenv(models.EnvInferenceModel),
			APIKey: os.Getenv(models.EnvInferenceAPIKey),
		},
		HasSetup: os.Getenv(models.EnvHasSetup) != "",
	}

	for _, required := range []struct {
		name, value string
	}{
		{models.EnvAPIURL, cfg.APIURL},
		{models.EnvSandboxID, cfg.SandboxID},
		{models.EnvToken, cfg.Token},
		{models.EnvSandboxDir, cfg.EnvDir},
		{models.EnvInferenceURL, cfg.Inference.URL},
		{models.EnvInferenceModel, cfg.Inference.Model},
	} {
		if required.value == "" {
			return nil, fmt.Errorf("%s is not set", required.name)
		}
	}

	if raw := os.Getenv(models.EnvInferenceTimeoutSecs); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("%s: invalid value %q", models.EnvInferenceTimeoutSecs, raw)
		}
		cfg.Inference.Timeout = time.Duration(secs) * time.Second
	}

	if raw := os.Getenv(models.EnvRequestCreatedAt); raw != "" {
		boundary, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid timestamp %q", models.EnvRequestCreatedAt, raw)
		}
		cfg.TaskBoundary = boundary
	}

	// The container is started with the workspace as its working dir.
	if wd, err := os.Getwd(); err == nil {
		cfg.WorkingDir = wd
	} else {
		cfg.WorkingDir = "/workspace"
	}

	return cfg, nil
}

// RunSetup executes the seeded setup script once, in the working directory.
// A missing script is not an error even when the has-setup hint is present.
func (c *BootConfig) RunSetup(ctx context.Context, logger *slog.Logger) error {
	if !c.HasSetup {
		return nil
	}
	script := filepath.Join(c.EnvDir, setupScript)
	if _, err := os.Stat(script); err != nil {
		if os.IsNotExist(err) {
			logger.Warn("setup hint present but script missing", "path", script)
			return nil
		}
		return fmt.Errorf("stat setup script: %w", err)
	}

	cmd := exec.CommandContext(ctx, "bash", script)
	cmd.Dir = c.WorkingDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("setup script failed: %w (output: %s)", err, tail(string(out), 2000))
	}
	logger.Info("setup script completed", "output_bytes", len(out))
	return nil
}

// tail returns the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
