package cli

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/neoclaw-ai/warden/internal/bootstrap"
	"github.com/neoclaw-ai/warden/internal/config"
	"github.com/neoclaw-ai/warden/internal/mediation"
	"github.com/neoclaw-ai/warden/internal/policy"
	"github.com/neoclaw-ai/warden/internal/sandbox"
)

func buildPolicy(cfg config.PolicyConfig, arch string) (policy.Policy, error) {
	def, err := policy.ParseAction(cfg.DefaultAction)
	if err != nil {
		return policy.Policy{}, fmt.Errorf("policy.default_action: %w", err)
	}
	match, err := policy.ParseAction(cfg.MatchAction)
	if err != nil {
		return policy.Policy{}, fmt.Errorf("policy.match_action: %w", err)
	}

	rules := make([]policy.Rule, 0, len(cfg.Rules))
	for _, expr := range cfg.Rules {
		rule, err := policy.ParseRule(expr)
		if err != nil {
			return policy.Policy{}, fmt.Errorf("policy.rules: %w", err)
		}
		rules = append(rules, rule)
	}
	return policy.Policy{Rules: rules, DefaultAction: def, MatchAction: match, Arch: arch}, nil
}

func compilePolicy(cfg config.PolicyConfig, arch string) (*policy.Filter, error) {
	p, err := buildPolicy(cfg, arch)
	if err != nil {
		return nil, err
	}
	return policy.Compile(p)
}

func buildEngine(cfg config.MediationConfig) (mediation.Engine, error) {
	errno, err := policy.ParseErrno(cfg.DenyErrno)
	if err != nil {
		return nil, fmt.Errorf("mediation.deny_errno: %w", err)
	}
	return mediation.NewRules(mediation.RulesConfig{
		DenySyscalls: cfg.DenySyscalls,
		DenyPaths:    cfg.DenyPaths,
		DenyErrno:    syscall.Errno(errno),
		Emulate:      cfg.Emulate,
	})
}

func buildLandlock(cfg config.SandboxConfig) *sandbox.Rules {
	if !cfg.Landlock {
		return nil
	}
	return &sandbox.Rules{RODirs: cfg.RODirs, RWDirs: cfg.RWDirs}
}

// targetEnv is the inherited environment, when enabled, overlaid with the
// configured KEY=VALUE entries. Later entries win.
func targetEnv(cfg config.SandboxConfig) []string {
	var base []string
	if cfg.InheritEnv {
		base = os.Environ()
	}
	return mergeEnv(base, cfg.Env)
}

func mergeEnv(base, extra []string) []string {
	index := map[string]int{}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range append(append([]string{}, base...), extra...) {
		key, _, _ := strings.Cut(kv, "=")
		if key == bootstrap.EnvMarker {
			continue
		}
		if i, ok := index[key]; ok {
			out[i] = kv
			continue
		}
		index[key] = len(out)
		out = append(out, kv)
	}
	return out
}
