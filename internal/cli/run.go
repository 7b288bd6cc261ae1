package cli

import (
	"context"
	"time"

	"github.com/neoclaw-ai/warden/internal/audit"
	"github.com/neoclaw-ai/warden/internal/config"
	"github.com/neoclaw-ai/warden/internal/logging"
	"github.com/neoclaw-ai/warden/internal/supervisor"
	"github.com/spf13/cobra"
)

var superviseFunc = supervisor.Supervise

type runFlags struct {
	rules         []string
	defaultAction string
	matchAction   string
	timeout       time.Duration
	denyPaths     []string
	denySyscalls  []string
	env           []string
	spurious      int
	landlock      bool
	forwardTraps  bool
}

func newRunCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run [flags] <path> [args...]",
		Short: "Run a program under the sandbox",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			flags.apply(cmd, cfg)

			report, err := config.ValidateStartup(cfg)
			if err != nil {
				return err
			}
			for _, warning := range report.Warnings {
				logging.Logger().Warn(warning)
			}
			return runTarget(cmd, cfg, flags.forwardTraps, args)
		},
	}

	fs := cmd.Flags()
	// Everything after the target path belongs to the target.
	fs.SetInterspersed(false)
	fs.StringArrayVar(&flags.rules, "rule", nil, `Rule expression such as "openat arg2&0x3==0" (repeatable)`)
	fs.StringVar(&flags.defaultAction, "default-action", "", "Action for syscalls no rule matches")
	fs.StringVar(&flags.matchAction, "match-action", "", "Action for syscalls a rule matches")
	fs.DurationVar(&flags.timeout, "timeout", 0, "Kill the target after this long (0 disables)")
	fs.StringArrayVar(&flags.denyPaths, "deny-path", nil, "Deny traced calls on paths under this prefix (repeatable)")
	fs.StringArrayVar(&flags.denySyscalls, "deny-syscall", nil, "Deny this traced syscall (repeatable)")
	fs.StringArrayVar(&flags.env, "env", nil, "Set KEY=VALUE in the target environment (repeatable)")
	fs.IntVar(&flags.spurious, "spurious-stops", config.SpuriousStopsAuto, "Leading seccomp stops to skip without decoding (-1 derives it from the policy)")
	fs.BoolVar(&flags.landlock, "landlock", false, "Confine the target's filesystem view with Landlock")
	fs.BoolVar(&flags.forwardTraps, "forward-traps", false, "Deliver seccomp SIGSYS to the target instead of killing it")

	return cmd
}

// apply overlays explicitly set flags on the loaded config.
func (f runFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed

	cfg.Policy.Rules = append(cfg.Policy.Rules, f.rules...)
	if changed("default-action") {
		cfg.Policy.DefaultAction = f.defaultAction
	}
	if changed("match-action") {
		cfg.Policy.MatchAction = f.matchAction
	}
	if changed("timeout") {
		cfg.Sandbox.Timeout = f.timeout
	}
	if changed("spurious-stops") {
		cfg.Sandbox.SpuriousStops = f.spurious
	}
	if changed("landlock") {
		cfg.Sandbox.Landlock = f.landlock
	}
	cfg.Sandbox.Env = append(cfg.Sandbox.Env, f.env...)
	cfg.Mediation.DenyPaths = append(cfg.Mediation.DenyPaths, f.denyPaths...)
	cfg.Mediation.DenySyscalls = append(cfg.Mediation.DenySyscalls, f.denySyscalls...)
}

func runTarget(cmd *cobra.Command, cfg *config.Config, forwardTraps bool, args []string) error {
	filter, err := compilePolicy(cfg.Policy, "")
	if err != nil {
		return err
	}
	engine, err := buildEngine(cfg.Mediation)
	if err != nil {
		return err
	}
	warnStartupConditions(cfg, filter)

	logger := logging.Logger()
	recorder := audit.New(cfg.AuditPath(), logger)
	target := supervisor.Target{
		Path:   args[0],
		Args:   args,
		Env:    targetEnv(cfg.Sandbox),
		Stdin:  cmd.InOrStdin(),
		Stdout: cmd.OutOrStdout(),
		Stderr: cmd.ErrOrStderr(),
	}
	opts := supervisor.Options{
		Engine:        engine,
		Observer:      recorder,
		SpuriousStops: cfg.Sandbox.SpuriousStops,
		ForwardTraps:  forwardTraps,
		Landlock:      buildLandlock(cfg.Sandbox),
		Logger:        logger,
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Sandbox.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Sandbox.Timeout)
		defer cancel()
	}

	logger.Info(
		"starting sandbox",
		"target", target.Path,
		"arch", filter.Arch().Name(),
		"instructions", len(filter.Raw()),
		"handoff_traced", filter.HandoffTraced(),
		"audit", recorder.Path(),
	)
	res, err := superviseFunc(ctx, target, filter, opts)
	logger.Info("sandbox finished", "state", res.State.String(), "events", res.Events, "spurious_stops", res.SpuriousStops)
	return exitError(res, err)
}
