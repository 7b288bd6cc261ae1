package cli

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/neoclaw-ai/warden/internal/audit"
	"github.com/neoclaw-ai/warden/internal/config"
	"github.com/spf13/cobra"
)

func newAuditCmd() *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Summarize recorded mediation decisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			path := cfg.AuditPath()
			if path == "" {
				return errors.New("audit.file is not set")
			}
			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			sum, err := audit.Summarize(cmd.Context(), path, from)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d decisions: %d allowed, %d denied, %d emulated, %d killed\n",
				sum.Total(), sum.Allowed, sum.Denied, sum.Emulated, sum.Killed)
			names := make([]string, 0, len(sum.Syscalls))
			for name := range sum.Syscalls {
				names = append(names, name)
			}
			sort.Slice(names, func(i, j int) bool {
				if sum.Syscalls[names[i]] != sum.Syscalls[names[j]] {
					return sum.Syscalls[names[i]] > sum.Syscalls[names[j]]
				}
				return names[i] < names[j]
			})
			for _, name := range names {
				fmt.Fprintf(out, "%8d  %s\n", sum.Syscalls[name], name)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 0, "Only count decisions newer than this (0 counts all)")
	return cmd
}
