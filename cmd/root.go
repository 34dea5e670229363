package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/humano-saude/funnel-api/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "funnel-api",
	Short: "Health insurance lead referral funnel",
	Long:  "Serves broker share links: reads invoice photos with a vision model, estimates savings, captures leads and tracks them through the broker funnel.",
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
