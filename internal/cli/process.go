package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/amara/lorekeep/internal/config"
	"github.com/amara/lorekeep/internal/daemon"
)

var processTimeout int

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run one generation queue pass",
	Long: `Run one pass over the generation queue and exit.
Claims queued jobs oldest-first and drives each to a terminal status.
Fails if a daemon instance is already processing.`,
	RunE: runProcess,
}

func init() {
	processCmd.Flags().IntVar(&processTimeout, "timeout", 600, "seconds before the pass is abandoned")
	rootCmd.AddCommand(processCmd)
}

func runProcess(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	// One-shot runs keep the servers down
	cfg.Metrics.Enabled = false
	cfg.Gateway.Enabled = false

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, cfgFile, log.GetZerolog())
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	defer d.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(processTimeout)*time.Second)
	defer cancel()

	res := d.Service().ProcessQueue(ctx)
	payload, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(payload))

	if !res.OK {
		os.Exit(1)
	}
	return nil
}
