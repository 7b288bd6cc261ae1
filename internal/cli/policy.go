package cli

import (
	"fmt"
	"io"

	"github.com/neoclaw-ai/warden/internal/config"
	"github.com/neoclaw-ai/warden/internal/policy"
	"github.com/spf13/cobra"
)

// policyFlags override the configured policy for inspection commands.
type policyFlags struct {
	rules         []string
	defaultAction string
	matchAction   string
	arch          string
}

func (f *policyFlags) bind(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringArrayVar(&f.rules, "rule", nil, "Additional rule expression (repeatable)")
	fs.StringVar(&f.defaultAction, "default-action", "", "Action for syscalls no rule matches")
	fs.StringVar(&f.matchAction, "match-action", "", "Action for syscalls a rule matches")
	fs.StringVar(&f.arch, "arch", "", "Target architecture (amd64 or arm64; default is the host)")
}

func (f *policyFlags) compile(cmd *cobra.Command) (*policy.Filter, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	pc := cfg.Policy
	pc.Rules = append(pc.Rules, f.rules...)
	if cmd.Flags().Changed("default-action") {
		pc.DefaultAction = f.defaultAction
	}
	if cmd.Flags().Changed("match-action") {
		pc.MatchAction = f.matchAction
	}
	if err := pc.Validate(); err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	return compilePolicy(pc, f.arch)
}

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the compiled seccomp policy",
	}
	cmd.AddCommand(newPolicyDumpCmd())
	cmd.AddCommand(newPolicyCheckCmd())
	return cmd
}

func newPolicyDumpCmd() *cobra.Command {
	var (
		flags policyFlags
		raw   bool
	)
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the compiled BPF program",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := flags.compile(cmd)
			if err != nil {
				return err
			}
			return dumpFilter(cmd.OutOrStdout(), filter, raw)
		},
	}
	flags.bind(cmd)
	cmd.Flags().BoolVar(&raw, "raw", false, "Print raw sock_filter words instead of assembly")
	return cmd
}

func dumpFilter(w io.Writer, filter *policy.Filter, raw bool) error {
	if _, err := fmt.Fprintf(w, "# arch %s, %d syscalls, %d instructions, handoff traced: %t\n",
		filter.Arch().Name(), filter.Syscalls(), len(filter.Raw()), filter.HandoffTraced()); err != nil {
		return err
	}
	if raw {
		for _, ins := range filter.Raw() {
			if _, err := fmt.Fprintf(w, "{ 0x%02x, %d, %d, 0x%08x },\n", ins.Op, ins.Jt, ins.Jf, ins.K); err != nil {
				return err
			}
		}
		return nil
	}
	for i, ins := range filter.Instructions() {
		if _, err := fmt.Fprintf(w, "%4d: %s\n", i, ins); err != nil {
			return err
		}
	}
	return nil
}

func newPolicyCheckCmd() *cobra.Command {
	var flags policyFlags
	cmd := &cobra.Command{
		Use:   "check <syscall> [arg0 ... arg5]",
		Short: "Print the action the policy gives a syscall",
		Args:  cobra.RangeArgs(1, 7),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := flags.compile(cmd)
			if err != nil {
				return err
			}
			var values [6]uint64
			for i, s := range args[1:] {
				v, err := policy.ParseValue(s, 64)
				if err != nil {
					return fmt.Errorf("arg%d: %w", i, err)
				}
				values[i] = v
			}
			action, err := filter.ClassifyName(args[0], values)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], action)
			return err
		},
	}
	flags.bind(cmd)
	return cmd
}
