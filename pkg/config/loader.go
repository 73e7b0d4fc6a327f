package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/tsbx-io/tsbx/pkg/guard"
)

// TsbxYAMLConfig represents the complete tsbx.yaml file structure.
// All sections are optional; absent sections fall back to built-in defaults.
type TsbxYAMLConfig struct {
	Worker     *WorkerConfig     `yaml:"worker"`
	Reconciler *ReconcilerConfig `yaml:"reconciler"`
	Sandbox    *SandboxConfig    `yaml:"sandbox"`
	Inference  *InferenceConfig  `yaml:"inference"`
	Snapshots  *SnapshotsConfig  `yaml:"snapshots"`
	Token      *TokenConfig      `yaml:"token"`
	Guard      *guard.Config     `yaml:"guard"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load tsbx.yaml from configDir
//  2. Expand environment variables ({{.VAR}} syntax)
//  3. Parse YAML into section structs
//  4. Merge user sections over built-in defaults
//  5. Validate the resolved configuration
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"workers", cfg.Worker.WorkerCount,
		"sandbox_image", cfg.Sandbox.Image,
		"inference_model", cfg.Inference.Model,
		"guard_input_rules", len(cfg.Guard.InputRules),
		"guard_output_rules", len(cfg.Guard.OutputRules))

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	fileCfg, err := loader.loadTsbxYAML()
	if err != nil {
		return nil, NewLoadError("tsbx.yaml", err)
	}

	// Resolve each section: start with defaults, merge user config on top so
	// unset fields keep their built-in values.
	worker, err := mergeSection("worker", DefaultWorkerConfig(), fileCfg.Worker)
	if err != nil {
		return nil, err
	}
	reconciler, err := mergeSection("reconciler", DefaultReconcilerConfig(), fileCfg.Reconciler)
	if err != nil {
		return nil, err
	}
	sandbox, err := mergeSection("sandbox", DefaultSandboxConfig(), fileCfg.Sandbox)
	if err != nil {
		return nil, err
	}
	inference, err := mergeSection("inference", DefaultInferenceConfig(), fileCfg.Inference)
	if err != nil {
		return nil, err
	}
	snapshots, err := mergeSection("snapshots", DefaultSnapshotsConfig(), fileCfg.Snapshots)
	if err != nil {
		return nil, err
	}
	token, err := mergeSection("token", DefaultTokenConfig(), fileCfg.Token)
	if err != nil {
		return nil, err
	}

	// Guard rules are additive: user rules extend the built-in sets rather
	// than replacing them.
	guardCfg := guard.DefaultConfig()
	if fileCfg.Guard != nil {
		guardCfg.InputRules = append(guardCfg.InputRules, fileCfg.Guard.InputRules...)
		guardCfg.OutputRules = append(guardCfg.OutputRules, fileCfg.Guard.OutputRules...)
	}

	return &Config{
		configDir:  configDir,
		Worker:     worker,
		Reconciler: reconciler,
		Sandbox:    sandbox,
		Inference:  inference,
		Snapshots:  snapshots,
		Token:      token,
		Guard:      guardCfg,
	}, nil
}

// mergeSection merges a user-provided section into its defaults.
// Non-zero user values override; nil user sections keep defaults untouched.
func mergeSection[T any](name string, defaults *T, user *T) (*T, error) {
	if user == nil {
		return defaults, nil
	}
	if err := mergo.Merge(defaults, user, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge %s config: %w", name, err)
	}
	return defaults, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// ExpandEnv passes through original data on parse/execution errors,
	// letting the YAML parser surface a clearer message.
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadTsbxYAML() (*TsbxYAMLConfig, error) {
	var config TsbxYAMLConfig
	if err := l.loadYAML("tsbx.yaml", &config); err != nil {
		return nil, err
	}
	return &config, nil
}
