package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/memoird/memoir/internal/config"
	"github.com/memoird/memoir/internal/jobs"
	"github.com/memoird/memoir/internal/knowledge"
	"github.com/memoird/memoir/internal/storage"
)

// finishCmd is the detached worker entrypoint. The coordinator spawns
// `memoir finish --operation <id>` in its own session; the process loads
// the staged content, feeds it to the knowledge engine, writes its status
// stub, and exits. It never touches the ledger.
var finishCmd = &cobra.Command{
	Use:    "finish",
	Short:  "Run the finishing step for one staged operation (internal)",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		operationID, _ := cmd.Flags().GetString("operation")
		if operationID == "" {
			return fmt.Errorf("--operation is required")
		}
		return runFinishWorker(operationID)
	},
}

func init() {
	finishCmd.Flags().String("operation", "", "operation ID to finish")
}

func runFinishWorker(operationID string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	initLogging(cfg.Log.Level)

	// SIGTERM from the coordinator cancels the index call; RunFinish still
	// writes the stub on the error path before the process exits.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	kc := knowledge.New(cfg.Knowledge.BaseURL)
	stubDir := filepath.Join(cfg.Storage.DataDir, "stubs")

	return jobs.RunFinish(ctx, store, kc, stubDir, cfg.Workspace, operationID)
}
