package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/cryptique/embedding-pipeline/internal/models"
)

var watchInterval time.Duration

var progressBarStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Follow a job's progress until it finishes",
	Long: `Poll a job and render its progress until it reaches a terminal state.

Example:
  pipelinectl watch 4f1c0b5e-...`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "poll interval")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	id := args[0]

	for {
		job, err := store.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}

		fmt.Printf("\r%-12s %s %3d%% (%d/%d, %d failed)   ",
			styledStatus(job.Status),
			renderBar(job.Progress.Percentage),
			job.Progress.Percentage,
			job.Progress.Processed, job.Progress.Total, job.Progress.Failed)

		switch job.Status {
		case models.JobStatusCompleted:
			fmt.Println()
			fmt.Printf("Done: %d created, %d updated, %d tokens\n",
				job.Results.DocumentsCreated, job.Results.DocumentsUpdated, job.Results.TokensUsed)
			return nil
		case models.JobStatusFailed:
			fmt.Println()
			if len(job.Errors) > 0 {
				return fmt.Errorf("job failed: %s", job.Errors[len(job.Errors)-1].Error)
			}
			return fmt.Errorf("job failed")
		case models.JobStatusCancelled:
			fmt.Println()
			fmt.Println("Job cancelled")
			return nil
		}

		time.Sleep(watchInterval)
	}
}

// renderBar draws a 20-cell progress bar.
func renderBar(percentage int) string {
	if percentage < 0 {
		percentage = 0
	}
	if percentage > 100 {
		percentage = 100
	}
	filled := percentage / 5
	bar := strings.Repeat("█", filled) + strings.Repeat("░", 20-filled)
	return progressBarStyle.Render(bar)
}
