package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ninawilliansoc/cursor-api-reforged/internal/logging"
)

var version = "dev"

var (
	logger  *zap.Logger
	noColor bool
)

var rootCmd = &cobra.Command{
	Use:   "cursorgw",
	Short: "OpenAI-compatible gateway to the Cursor chat API",
	Long: `cursorgw exposes an OpenAI-compatible chat completions API backed by a
rotating pool of Cursor session credentials.

Run "cursorgw serve" to start the gateway. The other commands manage a
running gateway through its admin API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if os.Getenv("NO_COLOR") != "" {
			noColor = true
		}
		var err error
		logger, err = logging.New(logging.FromEnv())
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logging.Sync(logger)
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "cursorgw version %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.AddCommand(
		serveCmd,
		statusCmd,
		cookiesCmd,
		tokensCmd,
		rulesCmd,
		configCmd,
		checksumCmd,
		decodeCmd,
		mcpCmd,
		versionCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
