// Package guard validates user input before it reaches a conversation and
// sanitizes assistant text before it becomes user-visible output. Both
// surfaces are pure string functions over compiled pattern sets.
package guard

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/tsbx-io/tsbx/pkg/models"
)

// FileName is the rule file the control plane seeds into each sandbox's
// environment directory.
const FileName = "guard.yaml"

// Rule is one named pattern in a guard set.
type Rule struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// Config selects the input-rejection and output-sanitization rule sets.
// Empty sets disable the corresponding surface.
type Config struct {
	InputRules  []Rule `yaml:"input_rules"`
	OutputRules []Rule `yaml:"output_rules"`
}

type compiledRule struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// Service holds the compiled rule sets. Created once at startup;
// thread-safe and stateless aside from the compiled patterns.
type Service struct {
	inputRules  []compiledRule
	outputRules []compiledRule
	logger      *slog.Logger
}

// NewService compiles all rules eagerly. Invalid patterns are logged and
// skipped so one bad rule cannot take the whole set down.
func NewService(cfg Config) *Service {
	logger := slog.Default().With("component", "guard")
	s := &Service{
		inputRules:  compileRules(cfg.InputRules, logger),
		outputRules: compileRules(cfg.OutputRules, logger),
		logger:      logger,
	}
	logger.Info("Guardrails initialized",
		"input_rules", len(s.inputRules),
		"output_rules", len(s.outputRules),
	)
	return s
}

// NewDefaultService compiles the built-in rule sets.
func NewDefaultService() *Service {
	return NewService(DefaultConfig())
}

// NewServiceFromFile compiles rules from a seeded rule file. A missing file
// falls back to the built-in sets; an unreadable or unparseable file is an
// error so the caller decides how to degrade.
func NewServiceFromFile(path string) (*Service, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewDefaultService(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read guard rules: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse guard rules %s: %w", path, err)
	}
	return NewService(cfg), nil
}

func compileRules(rules []Rule, logger *slog.Logger) []compiledRule {
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		compiled, err := regexp.Compile(r.Pattern)
		if err != nil {
			logger.Error("Failed to compile guard rule, skipping",
				"rule", r.Name, "error", err)
			continue
		}
		out = append(out, compiledRule{name: r.Name, regex: compiled, replacement: r.Replacement})
	}
	return out
}

// ValidateInput rejects text matching any input rule. The returned error
// names the rule so callers can surface it without echoing the match.
func (s *Service) ValidateInput(text string) error {
	if text == "" {
		return nil
	}
	for _, r := range s.inputRules {
		if r.regex.MatchString(text) {
			return models.NewError(models.ErrKindRuntime,
				"input rejected by guard rule %q", r.name)
		}
	}
	return nil
}

// SanitizeOutput masks credential-shaped substrings in assistant text
// bound for user-visible output.
func (s *Service) SanitizeOutput(text string) string {
	if text == "" {
		return text
	}
	masked := text
	for _, r := range s.outputRules {
		replacement := r.replacement
		if replacement == "" {
			replacement = "[REDACTED]"
		}
		masked = r.regex.ReplaceAllString(masked, replacement)
	}
	return masked
}

// SanitizeItems applies output sanitization across content items,
// returning a new slice.
func (s *Service) SanitizeItems(items []models.ContentItem) []models.ContentItem {
	out := make([]models.ContentItem, len(items))
	for i, item := range items {
		item.Content = s.SanitizeOutput(item.Content)
		out[i] = item
	}
	return out
}
