package config

import (
	"strings"
	"testing"
	"time"
)

var (
	_ Validatable = SandboxConfig{}
	_ Validatable = PolicyConfig{}
	_ Validatable = MediationConfig{}
	_ Validatable = AuditConfig{}
)

func validConfig() *Config {
	return &Config{
		Sandbox:   SandboxConfig{Timeout: time.Minute, SpuriousStops: SpuriousStopsAuto},
		Policy:    PolicyConfig{DefaultAction: "trace", MatchAction: "allow"},
		Mediation: MediationConfig{DenyErrno: "EPERM"},
	}
}

func TestValidateStartup_Valid(t *testing.T) {
	report, err := ValidateStartup(validConfig())
	if err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	if len(report.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", report.Warnings)
	}
}

func TestValidateStartup_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "negative timeout", mutate: func(c *Config) { c.Sandbox.Timeout = -time.Second }, want: "timeout must be >= 0"},
		{name: "spurious stops", mutate: func(c *Config) { c.Sandbox.SpuriousStops = -2 }, want: "spurious_stops"},
		{name: "env entry", mutate: func(c *Config) { c.Sandbox.Env = []string{"NOVALUE"} }, want: "KEY=VALUE"},
		{name: "relative landlock dir", mutate: func(c *Config) {
			c.Sandbox.Landlock = true
			c.Sandbox.RODirs = []string{"usr"}
		}, want: "must be absolute"},
		{name: "missing default action", mutate: func(c *Config) { c.Policy.DefaultAction = "" }, want: "default_action is required"},
		{name: "empty rule", mutate: func(c *Config) { c.Policy.Rules = []string{" "} }, want: "rules[0] is empty"},
		{name: "relative deny path", mutate: func(c *Config) { c.Mediation.DenyPaths = []string{"etc"} }, want: "deny_paths"},
		{name: "missing deny errno", mutate: func(c *Config) { c.Mediation.DenyErrno = "" }, want: "deny_errno is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			_, err := ValidateStartup(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateStartup_WarnsWithoutTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.Sandbox.Timeout = 0
	report, err := ValidateStartup(cfg)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(report.Warnings) != 1 || !strings.Contains(report.Warnings[0], "timeout") {
		t.Fatalf("expected timeout warning, got %v", report.Warnings)
	}
}
