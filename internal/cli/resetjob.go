package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amara/lorekeep/internal/config"
	"github.com/amara/lorekeep/pkg/genqueue"
)

var resetReason string

var resetJobCmd = &cobra.Command{
	Use:   "reset-job <job-id>",
	Short: "Reset a job back to queued",
	Long: `Reset a failed or stuck generation job back to queued.
This is a repair operation: it requires an explicit reason and every use
is written to the audit log.`,
	Args: cobra.ExactArgs(1),
	RunE: runResetJob,
}

func init() {
	resetJobCmd.Flags().StringVar(&resetReason, "reason", "", "why the job is being reset (required)")
	resetJobCmd.MarkFlagRequired("reason")
	rootCmd.AddCommand(resetJobCmd)
}

func runResetJob(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	store, err := genqueue.NewSQLiteJobStore(cfg.Queue.DBPath, log.GetZerolog())
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer store.Close()

	if err := store.ResetToQueued(context.Background(), jobID, resetReason); err != nil {
		return fmt.Errorf("failed to reset job: %w", err)
	}

	fmt.Printf("Job %s reset to queued\n", jobID)
	return nil
}
