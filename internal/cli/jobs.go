package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/cryptique/embedding-pipeline/internal/models"
)

var (
	jobsStatus   string
	jobsLimit    int
	jobsDueRetry bool
)

// Status colors for terminal output.
var statusStyles = map[models.JobStatus]lipgloss.Style{
	models.JobStatusPending:    lipgloss.NewStyle().Foreground(lipgloss.Color("246")),
	models.JobStatusProcessing: lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
	models.JobStatusCompleted:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	models.JobStatusFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	models.JobStatusCancelled:  lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
	models.JobStatusRetrying:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
}

func styledStatus(s models.JobStatus) string {
	if style, ok := statusStyles[s]; ok {
		return style.Render(string(s))
	}
	return string(s)
}

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List or inspect embedding jobs",
	Long: `List embedding jobs or inspect a specific job by ID.

Examples:
  pipelinectl jobs                      # List recent jobs
  pipelinectl jobs --status failed      # List failed jobs
  pipelinectl jobs --due-retry          # List jobs whose backoff elapsed
  pipelinectl jobs 4f1c...              # Show details for one job`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobs,
}

func init() {
	jobsCmd.Flags().StringVar(&jobsStatus, "status", "", "filter by status")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 50, "maximum rows")
	jobsCmd.Flags().BoolVar(&jobsDueRetry, "due-retry", false, "show only retrying jobs whose backoff elapsed")
	rootCmd.AddCommand(jobsCmd)
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if len(args) == 1 {
		return showJob(ctx, args[0])
	}
	if jobsDueRetry {
		return listDueRetries(ctx)
	}
	return listJobs(ctx)
}

func listJobs(ctx context.Context) error {
	jobs, err := store.List(ctx, models.JobStatus(jobsStatus), jobsLimit)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-36s %-14s %-12s %-4s %-10s %s\n", "ID", "SOURCE", "STATUS", "PRI", "PROGRESS", "CREATED")
	fmt.Println("--------------------------------------------------------------------------------------------")
	for _, job := range jobs {
		progress := fmt.Sprintf("%d/%d", job.Progress.Processed, job.Progress.Total)
		fmt.Printf("%-36s %-14s %-12s %-4d %-10s %s\n",
			job.ID, job.SourceType, styledStatus(job.Status), job.Priority,
			progress, job.CreatedAt.Format("01-02 15:04:05"))
	}
	return nil
}

func listDueRetries(ctx context.Context) error {
	jobs, err := store.DueForRetry(ctx)
	if err != nil {
		return fmt.Errorf("list due retries: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs due for retry")
		return nil
	}

	fmt.Printf("%-36s %-14s %-8s %s\n", "ID", "SOURCE", "RETRY", "DUE SINCE")
	for _, job := range jobs {
		fmt.Printf("%-36s %-14s %d/%-6d %s\n",
			job.ID, job.SourceType, job.Retry.RetryCount, job.Retry.MaxRetries,
			job.Retry.NextRetryAt.Format(time.RFC3339))
	}
	return nil
}

func showJob(ctx context.Context, id string) error {
	job, err := store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}

	fmt.Printf("Job: %s\n", job.ID)
	fmt.Printf("  Type: %s\n", job.Type)
	fmt.Printf("  Source type: %s (%d records)\n", job.SourceType, len(job.SourceIDs))
	fmt.Printf("  Team: %s\n", job.TeamID)
	fmt.Printf("  Status: %s\n", styledStatus(job.Status))
	fmt.Printf("  Priority: %d\n", job.Priority)
	fmt.Printf("  Progress: %d/%d (%d%%), %d failed\n",
		job.Progress.Processed, job.Progress.Total, job.Progress.Percentage, job.Progress.Failed)
	fmt.Printf("  Scheduled for: %s\n", job.ScheduledFor.Format(time.RFC3339))
	if job.StartedAt != nil {
		fmt.Printf("  Started: %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Printf("  Completed: %s\n", job.CompletedAt.Format(time.RFC3339))
		if job.StartedAt != nil {
			fmt.Printf("  Duration: %s\n", job.CompletedAt.Sub(*job.StartedAt).Round(time.Second))
		}
	}
	if job.Retry.RetryCount > 0 || job.Status == models.JobStatusRetrying {
		fmt.Printf("  Retries: %d/%d\n", job.Retry.RetryCount, job.Retry.MaxRetries)
		if job.Retry.NextRetryAt != nil {
			fmt.Printf("  Next retry: %s\n", job.Retry.NextRetryAt.Format(time.RFC3339))
		}
	}

	if job.Status == models.JobStatusCompleted {
		fmt.Println("\nResults:")
		fmt.Printf("  Documents created: %d\n", job.Results.DocumentsCreated)
		fmt.Printf("  Documents updated: %d\n", job.Results.DocumentsUpdated)
		fmt.Printf("  Documents skipped: %d\n", job.Results.DocumentsSkipped)
		fmt.Printf("  Tokens used: %d\n", job.Results.TokensUsed)
		fmt.Printf("  Cost: $%.6f\n", job.Results.Cost)
		fmt.Printf("  Avg processing time: %.1fms\n", job.Results.AvgProcessingTimeMs)
	}

	if verbose && len(job.SourceIDs) > 0 {
		fmt.Printf("\nSource IDs (%d):\n", len(job.SourceIDs))
		for _, id := range job.SourceIDs {
			fmt.Printf("  %s\n", id)
		}
	}

	if len(job.Errors) > 0 {
		fmt.Printf("\nErrors (%d):\n", len(job.Errors))
		for _, e := range job.Errors {
			src := e.SourceID
			if src == "" {
				src = "-"
			}
			fmt.Printf("  [%s] %s (source %s, code %s)\n",
				e.Timestamp.Format("15:04:05"), e.Error, src, e.ErrorCode)
		}
	}
	return nil
}
