package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	sweepLeaseTimeout time.Duration
	sweepRetention    time.Duration
	sweepPurge        bool
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Recover stale jobs and purge expired ones",
	Long: `Return abandoned processing jobs to the queue and optionally delete
completed or cancelled jobs past the retention window.

The worker daemon sweeps on its own; this command covers operations against
a stopped daemon or a shortened retention.

Examples:
  pipelinectl sweep
  pipelinectl sweep --lease-timeout 2m
  pipelinectl sweep --purge --retention 168h`,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepLeaseTimeout, "lease-timeout", 5*time.Minute, "progress lease timeout")
	sweepCmd.Flags().DurationVar(&sweepRetention, "retention", 30*24*time.Hour, "terminal job retention window")
	sweepCmd.Flags().BoolVar(&sweepPurge, "purge", false, "also purge terminal jobs past retention")
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	swept, err := store.SweepStale(ctx, sweepLeaseTimeout)
	if err != nil {
		return fmt.Errorf("sweep stale: %w", err)
	}
	fmt.Printf("Recovered %d stale job(s)\n", swept)

	if sweepPurge {
		purged, err := store.PurgeTerminal(ctx, sweepRetention)
		if err != nil {
			return fmt.Errorf("purge terminal: %w", err)
		}
		fmt.Printf("Purged %d terminal job(s)\n", purged)
	}
	return nil
}
