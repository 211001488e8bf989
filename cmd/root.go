package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/deep-research/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "deep-research",
	Short: "LLM-judged shopping research engine",
	Long:  "Interviews a buyer, agrees an extraction schema, extracts and scores collected listings, ranks them in a sliding-window tournament and summarizes the result.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
