package cli

import (
	"context"
	"fmt"

	"github.com/harun/asktech/internal/daemon"
	"github.com/harun/asktech/pkg/memory"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var rebuildIndex bool

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Index new chat messages now",
	Long: `Run one incremental sync: embed every chat message newer than the
checkpointed watermark, add them to the index and save the checkpoint.
With --rebuild the checkpoint is discarded and the whole chat log is re-embedded.`,
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().BoolVar(&rebuildIndex, "rebuild", false, "discard the checkpoint and re-embed the whole chat log")
	rootCmd.AddCommand(indexCmd)
}

func runIndex(cmd *cobra.Command, args []string) error {
	if rebuildIndex {
		if err := removeCheckpoint(); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	return withIndex(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		n, err := d.IndexManager().Sync(ctx)
		status := d.IndexManager().Status()
		if err != nil {
			fmt.Fprintf(out, "Indexed %d messages before failing\n", n)
			return err
		}

		fmt.Fprintf(out, "Indexed %d new messages (%d documents, last indexed ID %d)\n",
			n, status.Documents, status.LastIndexedID)
		return nil
	})
}

func removeCheckpoint() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if isRunning(daemon.PIDFilePath(cfg.DataDir)) {
		return fmt.Errorf("stop the daemon before rebuilding the index")
	}

	store, err := memory.NewCheckpointStore(memory.CheckpointConfig{
		Path:   cfg.Index.CheckpointPath,
		Logger: zerolog.Nop(),
	})
	if err != nil {
		return err
	}
	return store.Remove()
}
