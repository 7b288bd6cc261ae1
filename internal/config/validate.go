package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Validatable is implemented by config sections that can self-validate.
type Validatable interface {
	Validate() error
}

type ValidationReport struct {
	Warnings []string
}

func (c SandboxConfig) Validate() error {
	var errs []error
	if c.Timeout < 0 {
		errs = append(errs, errors.New("timeout must be >= 0"))
	}
	if c.SpuriousStops < SpuriousStopsAuto {
		errs = append(errs, fmt.Errorf("spurious_stops must be >= %d", SpuriousStopsAuto))
	}
	for _, kv := range c.Env {
		if !strings.Contains(kv, "=") {
			errs = append(errs, fmt.Errorf("env entry %q must be KEY=VALUE", kv))
		}
	}
	if c.Landlock {
		for _, dir := range append(append([]string{}, c.RODirs...), c.RWDirs...) {
			if !filepath.IsAbs(dir) {
				errs = append(errs, fmt.Errorf("landlock dir %q must be absolute", dir))
			}
		}
	}
	return errors.Join(errs...)
}

func (c PolicyConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DefaultAction) == "" {
		errs = append(errs, errors.New("default_action is required"))
	}
	if strings.TrimSpace(c.MatchAction) == "" {
		errs = append(errs, errors.New("match_action is required"))
	}
	for i, rule := range c.Rules {
		if strings.TrimSpace(rule) == "" {
			errs = append(errs, fmt.Errorf("rules[%d] is empty", i))
		}
	}
	return errors.Join(errs...)
}

func (c MediationConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DenyErrno) == "" {
		errs = append(errs, errors.New("deny_errno is required"))
	}
	for _, p := range c.DenyPaths {
		if !filepath.IsAbs(p) {
			errs = append(errs, fmt.Errorf("deny_paths entry %q must be absolute", p))
		}
	}
	return errors.Join(errs...)
}

func (c AuditConfig) Validate() error {
	return nil
}

// ValidateStartup validates startup configuration and returns warning messages.
func ValidateStartup(cfg *Config) (*ValidationReport, error) {
	var errs []error
	report := &ValidationReport{}

	if err := cfg.Sandbox.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("sandbox: %w", err))
	}
	if err := cfg.Policy.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("policy: %w", err))
	}
	if err := cfg.Mediation.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("mediation: %w", err))
	}
	if err := cfg.Audit.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("audit: %w", err))
	}

	if cfg.Sandbox.Timeout == 0 {
		report.Warnings = append(report.Warnings, "sandbox.timeout is 0; a stuck target is only stopped by an external kill")
	}

	if len(errs) > 0 {
		return report, errors.Join(errs...)
	}
	return report, nil
}
