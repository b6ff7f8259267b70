package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cryptique/embedding-pipeline/internal/models"
)

var (
	vectorsCountSourceType string
	vectorsCountSourceID   string

	vectorsPurgeTeam   string
	vectorsPurgeBefore time.Duration
	vectorsPurgeYes    bool
)

var vectorsCmd = &cobra.Command{
	Use:   "vectors",
	Short: "Inspect and maintain stored vector documents",
}

var vectorsCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Count vectors stored for a source record",
	Long: `Count the vector documents stored for one source record. A completed
job leaves one vector per chunk; reprocessing keeps the count stable.

Examples:
  pipelinectl vectors count --source-type session --id sess_01HX`,
	RunE: runVectorsCount,
}

var vectorsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete a team's vectors older than a cutoff",
	Long: `Delete vector documents belonging to a team that were created before
the cutoff. Used for tenant offboarding and before index rebuilds.

Examples:
  pipelinectl vectors purge --team team_9f2 --yes
  pipelinectl vectors purge --team team_9f2 --older-than 720h --yes`,
	RunE: runVectorsPurge,
}

func init() {
	vectorsCountCmd.Flags().StringVar(&vectorsCountSourceType, "source-type", "", "source type (required)")
	vectorsCountCmd.Flags().StringVar(&vectorsCountSourceID, "id", "", "source record ID (required)")
	_ = vectorsCountCmd.MarkFlagRequired("source-type")
	_ = vectorsCountCmd.MarkFlagRequired("id")

	vectorsPurgeCmd.Flags().StringVar(&vectorsPurgeTeam, "team", "", "team ID (required)")
	vectorsPurgeCmd.Flags().DurationVar(&vectorsPurgeBefore, "older-than", 0, "only delete vectors older than this (0 = all)")
	vectorsPurgeCmd.Flags().BoolVar(&vectorsPurgeYes, "yes", false, "skip the confirmation prompt")
	_ = vectorsPurgeCmd.MarkFlagRequired("team")

	vectorsCmd.AddCommand(vectorsCountCmd)
	vectorsCmd.AddCommand(vectorsPurgeCmd)
	rootCmd.AddCommand(vectorsCmd)
}

func runVectorsCount(cmd *cobra.Command, args []string) error {
	sourceType := models.SourceType(vectorsCountSourceType)
	if !sourceType.Valid() {
		return fmt.Errorf("unknown source type %q", vectorsCountSourceType)
	}

	count, err := dbClient.CountVectorDocuments(context.Background(), sourceType, vectorsCountSourceID)
	if err != nil {
		return fmt.Errorf("count vectors: %w", err)
	}
	fmt.Printf("%d vector(s) for %s/%s\n", count, sourceType.Collection(), vectorsCountSourceID)
	return nil
}

func runVectorsPurge(cmd *cobra.Command, args []string) error {
	cutoff := time.Now()
	if vectorsPurgeBefore > 0 {
		cutoff = cutoff.Add(-vectorsPurgeBefore)
	}

	if !vectorsPurgeYes {
		fmt.Printf("Delete vectors for team %s created before %s? [y/N] ",
			vectorsPurgeTeam, cutoff.Format(time.RFC3339))
		var answer string
		_, _ = fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			fmt.Println("Aborted")
			return nil
		}
	}

	deleted, err := dbClient.DeleteVectorDocumentsBefore(context.Background(), vectorsPurgeTeam, cutoff)
	if err != nil {
		return fmt.Errorf("purge vectors: %w", err)
	}
	fmt.Printf("Deleted %d vector(s) for team %s\n", deleted, vectorsPurgeTeam)
	return nil
}
