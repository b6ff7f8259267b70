package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cryptique/embedding-pipeline/internal/models"
)

var (
	enqueueSourceType string
	enqueueTeam       string
	enqueueSite       string
	enqueueIDs        []string
	enqueuePriority   int
	enqueueJobType    string
	enqueueSchedule   string
	enqueueBatchSize  int
	enqueueChunkSize  int
	enqueueOverlap    int
	enqueueModel      string
	enqueueRetries    int
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue an embedding job",
	Long: `Queue an embedding job for a batch of source records.

Examples:
  pipelinectl enqueue --source-type session --team team-1 --ids s1,s2,s3
  pipelinectl enqueue --source-type campaign --team team-1 --ids c9 --priority 8
  pipelinectl enqueue --source-type analytics --team team-1 --ids a1 --schedule-at 2026-09-01T02:00:00Z`,
	RunE: runEnqueue,
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueSourceType, "source-type", "", "source collection (required)")
	enqueueCmd.Flags().StringVar(&enqueueTeam, "team", "", "owning team ID (required)")
	enqueueCmd.Flags().StringVar(&enqueueSite, "site", "", "site ID")
	enqueueCmd.Flags().StringSliceVar(&enqueueIDs, "ids", nil, "source record IDs, comma separated")
	enqueueCmd.Flags().IntVar(&enqueuePriority, "priority", 0, "dispatch priority 1-10 (default 5)")
	enqueueCmd.Flags().StringVar(&enqueueJobType, "job-type", "", "initial_processing, reprocessing, batch_update or migration")
	enqueueCmd.Flags().StringVar(&enqueueSchedule, "schedule-at", "", "RFC3339 time to defer dispatch until")
	enqueueCmd.Flags().IntVar(&enqueueBatchSize, "batch-size", 0, "records per processing batch")
	enqueueCmd.Flags().IntVar(&enqueueChunkSize, "chunk-size", 0, "chunk window size in characters")
	enqueueCmd.Flags().IntVar(&enqueueOverlap, "overlap", -1, "chunk overlap in characters")
	enqueueCmd.Flags().StringVar(&enqueueModel, "model", "", "embedding model override")
	enqueueCmd.Flags().IntVar(&enqueueRetries, "max-retries", 0, "retry budget (default 3)")
	_ = enqueueCmd.MarkFlagRequired("source-type")
	_ = enqueueCmd.MarkFlagRequired("team")
	rootCmd.AddCommand(enqueueCmd)
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	req := models.JobRequest{
		SourceType: models.SourceType(strings.TrimSpace(enqueueSourceType)),
		SourceIDs:  enqueueIDs,
		TeamID:     enqueueTeam,
		SiteID:     enqueueSite,
		Priority:   enqueuePriority,
		JobType:    models.JobType(enqueueJobType),
		MaxRetries: enqueueRetries,
	}

	if enqueueSchedule != "" {
		at, err := time.Parse(time.RFC3339, enqueueSchedule)
		if err != nil {
			return fmt.Errorf("parse --schedule-at: %w", err)
		}
		req.ScheduledFor = &at
	}

	if enqueueBatchSize != 0 || enqueueChunkSize != 0 || enqueueOverlap >= 0 || enqueueModel != "" {
		pc := models.DefaultProcessingConfig()
		if enqueueBatchSize != 0 {
			pc.BatchSize = enqueueBatchSize
		}
		if enqueueChunkSize != 0 {
			pc.ChunkSize = enqueueChunkSize
		}
		if enqueueOverlap >= 0 {
			pc.OverlapSize = enqueueOverlap
		}
		pc.EmbeddingModel = enqueueModel
		req.Config = &pc
	}

	job, err := models.NewJob(req, time.Now())
	if err != nil {
		return fmt.Errorf("invalid job request: %w", err)
	}
	if err := store.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	fmt.Printf("Queued job %s\n", job.ID)
	fmt.Printf("  Source type: %s (%d records)\n", job.SourceType, len(job.SourceIDs))
	fmt.Printf("  Priority: %d\n", job.Priority)
	fmt.Printf("  Scheduled for: %s\n", job.ScheduledFor.Format(time.RFC3339))
	return nil
}
