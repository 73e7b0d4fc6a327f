package config

import (
	"fmt"
	"os"
	"strings"
)

// ConfigValidator validates resolved configuration with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateWorker(); err != nil {
		return err
	}
	if err := v.validateReconciler(); err != nil {
		return err
	}
	if err := v.validateSandbox(); err != nil {
		return err
	}
	if err := v.validateInference(); err != nil {
		return err
	}
	if err := v.validateSnapshots(); err != nil {
		return err
	}
	return v.validateToken()
}

func (v *ConfigValidator) validateWorker() error {
	w := v.cfg.Worker
	if w.WorkerCount < 1 {
		return NewValidationError("worker", "worker_count", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if w.BatchSize < 1 {
		return NewValidationError("worker", "batch_size", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if w.PollInterval <= 0 {
		return NewValidationError("worker", "poll_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if w.PollIntervalJitter < 0 || w.PollIntervalJitter >= w.PollInterval {
		return NewValidationError("worker", "poll_interval_jitter", fmt.Errorf("%w: must be in [0, poll_interval)", ErrInvalidValue))
	}
	if w.HandlerTimeout <= 0 {
		return NewValidationError("worker", "handler_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	// A stale threshold below the handler timeout would let the sweep steal
	// requests still being processed.
	if w.StaleThreshold < w.HandlerTimeout {
		return NewValidationError("worker", "stale_threshold", fmt.Errorf("%w: must be at least handler_timeout", ErrInvalidValue))
	}
	if w.StaleSweepInterval <= 0 {
		return NewValidationError("worker", "stale_sweep_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateReconciler() error {
	r := v.cfg.Reconciler
	if r.AutoTerminateInterval <= 0 {
		return NewValidationError("reconciler", "auto_terminate_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if r.TaskTimeoutInterval <= 0 {
		return NewValidationError("reconciler", "task_timeout_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if r.HealthSweepInterval <= 0 {
		return NewValidationError("reconciler", "health_sweep_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateSandbox() error {
	s := v.cfg.Sandbox
	if s.Image == "" {
		return NewValidationError("sandbox", "image", ErrMissingRequiredField)
	}
	if !strings.HasPrefix(s.WorkingDir, "/") {
		return NewValidationError("sandbox", "working_dir", fmt.Errorf("%w: must be an absolute path", ErrInvalidValue))
	}
	if !strings.HasPrefix(s.EnvDir, "/") {
		return NewValidationError("sandbox", "env_dir", fmt.Errorf("%w: must be an absolute path", ErrInvalidValue))
	}
	// The env dir holds credentials; snapshots capture the working dir.
	if s.EnvDir == s.WorkingDir || strings.HasPrefix(s.EnvDir+"/", s.WorkingDir+"/") {
		return NewValidationError("sandbox", "env_dir", fmt.Errorf("%w: must not be inside working_dir", ErrInvalidValue))
	}
	if _, err := s.MemoryBytes(); err != nil {
		return NewValidationError("sandbox", "memory", fmt.Errorf("%w: %v", ErrInvalidValue, err))
	}
	if s.CPUs <= 0 {
		return NewValidationError("sandbox", "cpus", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if s.DefaultIdleTimeoutSeconds < 1 {
		return NewValidationError("sandbox", "default_idle_timeout_seconds", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if s.APIURL == "" {
		return NewValidationError("sandbox", "api_url", ErrMissingRequiredField)
	}
	return nil
}

func (v *ConfigValidator) validateInference() error {
	i := v.cfg.Inference
	if i.URL == "" {
		return NewValidationError("inference", "url", ErrMissingRequiredField)
	}
	if i.Model == "" {
		return NewValidationError("inference", "model", ErrMissingRequiredField)
	}
	if i.TimeoutSecs < 1 {
		return NewValidationError("inference", "timeout_secs", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateSnapshots() error {
	if !strings.HasPrefix(v.cfg.Snapshots.Root, "/") {
		return NewValidationError("snapshots", "root", fmt.Errorf("%w: must be an absolute path", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateToken() error {
	t := v.cfg.Token
	if t.SecretEnv == "" {
		return NewValidationError("token", "secret_env", ErrMissingRequiredField)
	}
	if os.Getenv(t.SecretEnv) == "" {
		return NewValidationError("token", "secret_env", fmt.Errorf("%w: environment variable %s is not set", ErrMissingRequiredField, t.SecretEnv))
	}
	if t.TTL <= 0 {
		return NewValidationError("token", "ttl", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}
