package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/harun/asktech/pkg/chatlog"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	appendRole   string
	historyLimit int
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Read and write the chat log",
}

var logAppendCmd = &cobra.Command{
	Use:   "append <text>",
	Short: "Append a message to the chat log",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runLogAppend,
}

var logHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the most recent chat messages",
	RunE:  runLogHistory,
}

func init() {
	logAppendCmd.Flags().StringVar(&appendRole, "role", "user", "message role (user, assistant)")
	logHistoryCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of messages to show")

	logCmd.AddCommand(logAppendCmd)
	logCmd.AddCommand(logHistoryCmd)
	rootCmd.AddCommand(logCmd)
}

func openChatLog() (*chatlog.SQLiteLog, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return chatlog.OpenSQLite(cfg.Database.Path, zerolog.Nop())
}

func runLogAppend(cmd *cobra.Command, args []string) error {
	role, err := chatlog.ParseRole(appendRole)
	if err != nil {
		return err
	}

	log, err := openChatLog()
	if err != nil {
		return err
	}
	defer log.Close()

	id, err := log.Append(cmd.Context(), role, strings.Join(args, " "), time.Now())
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Appended message %d\n", id)
	return nil
}

func runLogHistory(cmd *cobra.Command, args []string) error {
	if historyLimit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", historyLimit)
	}

	log, err := openChatLog()
	if err != nil {
		return err
	}
	defer log.Close()

	records, err := log.History(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(out, "No messages")
		return nil
	}
	for _, r := range records {
		fmt.Fprintf(out, "%d\t%s\t%s\t%s\n", r.ID, r.CreatedAt.Format(time.RFC3339), r.Role, r.Text)
	}
	return nil
}
