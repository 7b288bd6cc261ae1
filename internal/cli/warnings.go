package cli

import (
	"github.com/neoclaw-ai/warden/internal/config"
	"github.com/neoclaw-ai/warden/internal/logging"
	"github.com/neoclaw-ai/warden/internal/policy"
	"github.com/neoclaw-ai/warden/internal/sandbox"
)

var landlockSupported = sandbox.IsSupported

// Emit startup warnings derived from non-fatal config/runtime conditions.
func warnStartupConditions(cfg *config.Config, filter *policy.Filter) {
	if cfg == nil {
		return
	}

	if cfg.Sandbox.Landlock && !landlockSupported() {
		logging.Logger().Warn("sandbox.landlock is enabled but landlock is unavailable on this host. the target will not start; disable sandbox.landlock to run without filesystem confinement")
	}
	if filter == nil {
		return
	}
	if !filter.Policy().Traced() {
		if len(cfg.Mediation.DenySyscalls) > 0 || len(cfg.Mediation.DenyPaths) > 0 || len(cfg.Mediation.Emulate) > 0 {
			logging.Logger().Warn("policy never traces a syscall. mediation rules will not run")
		}
		// Nothing traces the hand-off, so the user rules alone decide it.
		if act, err := filter.ClassifyName("execve", [6]uint64{}); err == nil && act.Base() != policy.ActionAllow && act.Base() != policy.ActionLog {
			logging.Logger().Warn("policy does not allow execve. the target cannot start", "execve", act.String())
		}
	}
}
