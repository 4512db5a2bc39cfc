package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/postconvo/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "postconvo",
	Short: "Post-conversation memory pipeline",
	Long:  "Turns finished companion conversations into long-term memory: extraction, knowledge graph, summaries, threads, arcs, vice signals and voice cache invalidation.",
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
