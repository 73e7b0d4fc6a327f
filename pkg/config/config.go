package config

import (
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"

	"github.com/tsbx-io/tsbx/pkg/guard"
)

// Config is the fully resolved tsbxd configuration: built-in defaults with
// the user's tsbx.yaml merged on top.
type Config struct {
	configDir string

	Worker     *WorkerConfig
	Reconciler *ReconcilerConfig
	Sandbox    *SandboxConfig
	Inference  *InferenceConfig
	Snapshots  *SnapshotsConfig
	Token      *TokenConfig
	Guard      guard.Config
}

// ConfigDir returns the directory configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// WorkerConfig contains request worker pool configuration.
// These values control how queued requests are polled, claimed, and processed.
type WorkerConfig struct {
	// WorkerCount is the number of worker goroutines sharing the claim queue.
	WorkerCount int `yaml:"worker_count"`

	// BatchSize is the maximum number of requests claimed per poll.
	BatchSize int `yaml:"batch_size"`

	// PollInterval is the base interval for checking pending requests.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter is the random jitter added to PollInterval.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// HandlerTimeout is the maximum time a single request handler may run.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`

	// StaleThreshold is how long a request can sit in processing before the
	// stale sweep returns it to pending (covers worker crashes/restarts).
	StaleThreshold time.Duration `yaml:"stale_threshold"`

	// StaleSweepInterval is how often to scan for stale processing requests.
	StaleSweepInterval time.Duration `yaml:"stale_sweep_interval"`

	// GracefulShutdownTimeout is the max time to wait for in-flight request
	// handlers to finish during shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// DefaultWorkerConfig returns the built-in worker defaults.
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		WorkerCount:             4,
		BatchSize:               8,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		HandlerTimeout:          2 * time.Minute,
		StaleThreshold:          5 * time.Minute,
		StaleSweepInterval:      1 * time.Minute,
		GracefulShutdownTimeout: 2 * time.Minute,
	}
}

// ReconcilerConfig contains the cadences of the three background loops.
type ReconcilerConfig struct {
	// AutoTerminateInterval is how often to scan for idle/initializing
	// sandboxes past their idle timeout.
	AutoTerminateInterval time.Duration `yaml:"auto_terminate_interval"`

	// TaskTimeoutInterval is how often to scan for tasks past timeout_at.
	TaskTimeoutInterval time.Duration `yaml:"task_timeout_interval"`

	// HealthSweepInterval is how often to probe container health for
	// non-terminal sandboxes.
	HealthSweepInterval time.Duration `yaml:"health_sweep_interval"`
}

// DefaultReconcilerConfig returns the built-in reconciler cadences.
func DefaultReconcilerConfig() *ReconcilerConfig {
	return &ReconcilerConfig{
		AutoTerminateInterval: 10 * time.Second,
		TaskTimeoutInterval:   5 * time.Second,
		HealthSweepInterval:   10 * time.Second,
	}
}

// SandboxConfig describes how sandbox containers are provisioned.
type SandboxConfig struct {
	// Image is the container image every sandbox runs.
	Image string `yaml:"image"`

	// Network is the docker network sandboxes attach to ("" = default bridge).
	Network string `yaml:"network"`

	// WorkingDir is the task workspace inside the container. Snapshots
	// capture exactly this tree.
	WorkingDir string `yaml:"working_dir"`

	// EnvDir is the per-sandbox environment directory (TSBX_SANDBOX_DIR):
	// instructions, setup script, *.env files, and spill logs. Lives outside
	// WorkingDir so credentials never land in snapshots.
	EnvDir string `yaml:"env_dir"`

	// Memory is the container memory cap as a human-readable size ("2g").
	Memory string `yaml:"memory"`

	// CPUs is the container CPU cap.
	CPUs float64 `yaml:"cpus"`

	// DefaultIdleTimeoutSeconds seeds idle_timeout_seconds for sandboxes
	// created without an explicit policy.
	DefaultIdleTimeoutSeconds int `yaml:"default_idle_timeout_seconds"`

	// APIURL is the control-plane base URL as seen from inside a container.
	APIURL string `yaml:"api_url"`

	// HostName and HostURL identify the hosting deployment to the agent.
	HostName string `yaml:"host_name"`
	HostURL  string `yaml:"host_url"`

	// SnapshotRestorePause is the settle delay before uploading a snapshot
	// into a freshly started container.
	SnapshotRestorePause time.Duration `yaml:"snapshot_restore_pause"`
}

// DefaultSandboxConfig returns the built-in sandbox provisioning defaults.
func DefaultSandboxConfig() *SandboxConfig {
	return &SandboxConfig{
		Image:                     "ghcr.io/tsbx-io/sandbox:latest",
		WorkingDir:                "/workspace",
		EnvDir:                    "/sandbox",
		Memory:                    "2g",
		CPUs:                      2,
		DefaultIdleTimeoutSeconds: 600,
		APIURL:                    "http://host.docker.internal:8080",
		HostName:                  "tsbx",
		HostURL:                   "https://tsbx.local",
		SnapshotRestorePause:      2 * time.Second,
	}
}

// MemoryBytes parses the Memory string into bytes.
func (c *SandboxConfig) MemoryBytes() (int64, error) {
	return units.RAMInBytes(c.Memory)
}

// InferenceConfig carries the LLM endpoint parameters injected into every
// sandbox (TSBX_INFERENCE_*).
type InferenceConfig struct {
	// URL is the OpenAI-compatible chat completions base URL.
	URL string `yaml:"url"`

	// Model is the model identifier sent with every request.
	Model string `yaml:"model"`

	// APIKey is the credential for the inference endpoint. Use {{.VAR}}
	// expansion rather than a literal value.
	APIKey string `yaml:"api_key"`

	// TimeoutSecs bounds a single inference call.
	TimeoutSecs int `yaml:"timeout_secs"`
}

// DefaultInferenceConfig returns the built-in inference defaults.
func DefaultInferenceConfig() *InferenceConfig {
	return &InferenceConfig{
		TimeoutSecs: 120,
	}
}

// SnapshotsConfig locates the on-disk snapshot store.
type SnapshotsConfig struct {
	// Root is the directory snapshot trees are extracted under.
	Root string `yaml:"root"`
}

// DefaultSnapshotsConfig returns the built-in snapshot store location.
func DefaultSnapshotsConfig() *SnapshotsConfig {
	return &SnapshotsConfig{
		Root: "/var/lib/tsbx/snapshots",
	}
}

// TokenConfig controls sandbox API token issuance.
type TokenConfig struct {
	// SecretEnv names the environment variable holding the HMAC signing
	// secret. Indirection keeps the secret itself out of YAML.
	SecretEnv string `yaml:"secret_env"`

	// TTL is the token lifetime.
	TTL time.Duration `yaml:"ttl"`
}

// DefaultTokenConfig returns the built-in token settings.
func DefaultTokenConfig() *TokenConfig {
	return &TokenConfig{
		SecretEnv: "TSBX_TOKEN_SECRET",
		TTL:       24 * time.Hour,
	}
}

// ResolveSecret reads the signing secret from the configured environment
// variable.
func (c *TokenConfig) ResolveSecret() (string, error) {
	secret := os.Getenv(c.SecretEnv)
	if secret == "" {
		return "", fmt.Errorf("token signing secret: environment variable %s is not set", c.SecretEnv)
	}
	return secret, nil
}
