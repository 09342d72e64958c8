package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/harun/asktech/internal/config"
	"github.com/harun/asktech/internal/daemon"
	"github.com/harun/asktech/pkg/chatlog"
	"github.com/harun/asktech/pkg/memory"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and index status",
	Long: `Show whether the asktech daemon is running, the checkpointed watermark,
the number of indexed documents and how many chat messages are still pending.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printDaemonStatus(out, daemon.PIDFilePath(cfg.DataDir))
	return printIndexStatus(cmd, out, cfg)
}

func printDaemonStatus(out io.Writer, pidFile string) {
	pid, err := daemon.ReadPID(pidFile)
	if err != nil || !daemon.ProcessAlive(pid) {
		fmt.Fprintln(out, "Status: stopped")
		return
	}

	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", pid)

	// The PID file is written at startup
	if info, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}
}

func printIndexStatus(cmd *cobra.Command, out io.Writer, cfg *config.Config) error {
	store, err := memory.NewCheckpointStore(memory.CheckpointConfig{
		Path:   cfg.Index.CheckpointPath,
		Logger: zerolog.Nop(),
	})
	if err != nil {
		return err
	}

	var watermark int64
	cp, err := store.Load()
	switch {
	case err == nil:
		watermark = cp.LastIndexedID
		dim, count, err := memory.SnapshotInfo(cp.Index)
		if err != nil {
			fmt.Fprintf(out, "Checkpoint: %s (corrupt: %v)\n", store.Path(), err)
			break
		}
		fmt.Fprintf(out, "Checkpoint: %s\n", store.Path())
		fmt.Fprintf(out, "Saved: %s\n", cp.SavedAt.Format(time.RFC3339))
		fmt.Fprintf(out, "Last indexed ID: %d\n", watermark)
		fmt.Fprintf(out, "Documents: %d\n", count)
		if dim > 0 {
			fmt.Fprintf(out, "Dimension: %d\n", dim)
		}
	case errors.Is(err, memory.ErrCheckpointNotFound):
		fmt.Fprintln(out, "Checkpoint: none")
	default:
		fmt.Fprintf(out, "Checkpoint: %s (unreadable: %v)\n", store.Path(), err)
	}

	if _, err := os.Stat(cfg.Database.Path); err != nil {
		fmt.Fprintln(out, "Chat log: none")
		return nil
	}

	log, err := chatlog.OpenSQLite(cfg.Database.Path, zerolog.Nop())
	if err != nil {
		return err
	}
	defer log.Close()

	total, err := log.Count(cmd.Context())
	if err != nil {
		return err
	}
	pending, err := log.ReadSince(cmd.Context(), watermark)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Messages: %d (%d pending)\n", total, len(pending))
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
