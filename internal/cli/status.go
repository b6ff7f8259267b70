package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cryptique/embedding-pipeline/internal/models"
	"github.com/cryptique/embedding-pipeline/internal/orchestrator"
)

var statusWorkerURL string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth and worker health",
	Long: `Summarize the job queue from the ledger and, when a worker daemon is
reachable, its health report.

Example:
  pipelinectl status --worker http://localhost:8491`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusWorkerURL, "worker", "", "worker base URL for the health endpoint")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	depth, err := store.QueueDepth(ctx)
	if err != nil {
		return fmt.Errorf("queue depth: %w", err)
	}
	fmt.Printf("Queue depth: %d dispatchable job(s)\n", depth)

	for _, status := range []models.JobStatus{
		models.JobStatusProcessing, models.JobStatusRetrying, models.JobStatusFailed,
	} {
		jobs, err := store.List(ctx, status, 1000)
		if err != nil {
			return fmt.Errorf("list %s jobs: %w", status, err)
		}
		fmt.Printf("  %-12s %d\n", status, len(jobs))
	}

	if statusWorkerURL == "" {
		return nil
	}

	health, err := fetchWorkerHealth(ctx, statusWorkerURL)
	if err != nil {
		fmt.Printf("\nWorker: unreachable (%v)\n", err)
		return nil
	}
	fmt.Printf("\nWorker: %s\n", health.State)
	fmt.Printf("  Active jobs: %d\n", health.ActiveJobs)
	fmt.Printf("  Completed: %d, failed: %d (rate %.1f%%)\n",
		health.JobsCompleted, health.JobsFailed, health.FailureRate*100)
	fmt.Printf("  Checked at: %s\n", health.CheckedAt.Format(time.RFC3339))
	return nil
}

func fetchWorkerHealth(ctx context.Context, baseURL string) (*orchestrator.HealthStatus, error) {
	url := strings.TrimSuffix(baseURL, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var health orchestrator.HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("decode health response: %w", err)
	}
	return &health, nil
}
