package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cryptique/embedding-pipeline/internal/ledger"
)

var retryBaseDelay time.Duration

var retryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Schedule a failed job for retry",
	Long: `Move a failed job back into the queue with exponential backoff.
Fails when the job's retry budget is exhausted.`,
	Args: cobra.ExactArgs(1),
	RunE: runRetry,
}

func init() {
	retryCmd.Flags().DurationVar(&retryBaseDelay, "base-delay", ledger.DefaultBaseRetryDelay, "backoff base delay")
	rootCmd.AddCommand(retryCmd)
}

func runRetry(cmd *cobra.Command, args []string) error {
	job, err := store.Retry(context.Background(), args[0], retryBaseDelay)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	fmt.Printf("Job %s scheduled for retry %d/%d\n", job.ID, job.Retry.RetryCount, job.Retry.MaxRetries)
	if job.Retry.NextRetryAt != nil {
		fmt.Printf("  Next attempt: %s\n", job.Retry.NextRetryAt.Format(time.RFC3339))
	}
	return nil
}
