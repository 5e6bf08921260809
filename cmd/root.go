package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/installer-scout/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "installer-scout",
	Short: "Discovers UK bathroom installers and extracts their business details",
	Long:  "Resolves a UK location from a natural-language query, searches the web for bathroom installation businesses, validates each result, and extracts structured contact and service details into a spreadsheet-ready export.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

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
