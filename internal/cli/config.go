package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/harun/asktech/internal/config"
	"github.com/spf13/cobra"
)

var (
	initForce    bool
	initProvider string
	initAPIKey   string
	initBackend  string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the asktech configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write a configuration file with default values. The API key may be left
empty and supplied through OPENAI_API_KEY or a .env file instead.`,
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE:  runConfigShow,
}

func init() {
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	configInitCmd.Flags().StringVar(&initProvider, "provider", "openai", "embedding provider (openai, hash)")
	configInitCmd.Flags().StringVar(&initAPIKey, "api-key", "", "embedding API key")
	configInitCmd.Flags().StringVar(&initBackend, "backend", "flat", "index backend (flat, sqlite-vec)")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	configPath := loader.GetConfigPath()

	if _, err := os.Stat(configPath); err == nil && !initForce {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", configPath)
	}

	cfg := config.DefaultConfig()
	cfg.Embedding.Provider = initProvider
	cfg.Embedding.APIKey = initAPIKey
	cfg.Index.Backend = initBackend

	switch initProvider {
	case "openai", "hash":
	default:
		return fmt.Errorf("invalid embedding provider %s (must be: openai, hash)", initProvider)
	}
	switch initBackend {
	case "flat", "sqlite-vec":
	default:
		return fmt.Errorf("invalid index backend %s (must be: flat, sqlite-vec)", initBackend)
	}

	if errs := config.NewValidator().ValidateSettings(cfg); len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Error())
		}
		return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
	}

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration saved to: %s\n", configPath)
	if cfg.Embedding.Provider == "openai" && cfg.Embedding.APIKey == "" {
		fmt.Fprintln(out, "Set OPENAI_API_KEY or embedding.api_key before indexing.")
	}
	fmt.Fprintln(out, "You can now start asktech with: asktech serve")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
	return nil
}
