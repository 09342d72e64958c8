package cli

import (
	"context"
	"fmt"

	"github.com/harun/asktech/internal/config"
	"github.com/harun/asktech/internal/daemon"
	"github.com/harun/asktech/internal/logger"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "asktech",
	Short: "asktech - semantic search over your chat history",
	Long: `asktech keeps a vector index of a chat history in step with its SQLite log.
It embeds new messages incrementally, checkpoints the index to disk and answers
similarity queries over past conversation.`,
	Version:      version,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.asktech/asktech.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. One-shot commands keep the console for
// their own output and log to the file only.
func newLogger(cmd *cobra.Command, cfg *config.Config, console bool) (*logger.Logger, error) {
	level := cfg.Logging.Level
	if flag := cmd.Flags().Lookup("log-level"); flag != nil && flag.Changed {
		level = logLevel
	}

	return logger.New(logger.Config{
		Level:     level,
		File:      cfg.Logging.File,
		Console:   console && cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
		Output:    cmd.ErrOrStderr(),
	})
}

// withIndex opens the chat log and a ready index manager for a one-shot
// command, runs fn and flushes the index on the way out.
func withIndex(cmd *cobra.Command, fn func(ctx context.Context, d *daemon.Daemon) error) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := newLogger(cmd, cfg, false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := d.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := d.InitializeIndex(ctx); err != nil {
		return err
	}
	return fn(ctx, d)
}
