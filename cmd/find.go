package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/installer-scout/internal/agent"
	"github.com/sells-group/installer-scout/internal/fetch"
	"github.com/sells-group/installer-scout/internal/pipeline"
	anthropicpkg "github.com/sells-group/installer-scout/pkg/anthropic"
	"github.com/sells-group/installer-scout/pkg/tavily"
)

var (
	findRefine string
	findXLSX   string
)

var findCmd = &cobra.Command{
	Use:   "find <query>",
	Short: "Find installers for a natural-language query",
	Long:  `Runs the full discovery pipeline for a query like "Find bathroom installers in Manchester" and prints the conversation, ending with the CSV export.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if cfg.Anthropic.Key == "" {
			return eris.New("anthropic.key is required (SCOUT_ANTHROPIC_KEY)")
		}
		if cfg.Tavily.Key == "" {
			return eris.New("tavily.key is required (SCOUT_TAVILY_KEY)")
		}

		// Init clients
		anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key)
		tavilyClient := tavily.NewClient(cfg.Tavily.Key,
			tavily.WithBaseURL(cfg.Tavily.BaseURL),
			tavily.WithRateLimit(cfg.Tavily.RequestsPerSec),
		)

		reasoner := agent.New(anthropicClient, cfg.Anthropic, cfg.Pipeline.MaxToolIterations)
		fetcher := fetch.NewChain(
			fetch.NewTavilyFetcher(tavilyClient),
			fetch.NewLocalFetcher(),
		)

		p := pipeline.New(cfg, reasoner, tavilyClient, fetcher)

		state, err := p.Run(ctx, args[0], findRefine)
		if state != nil {
			for _, msg := range state.Conversation {
				fmt.Printf("[%s] %s\n\n", msg.Role, msg.Content)
			}
		}
		if err != nil {
			return eris.Wrap(err, "run pipeline")
		}

		if findXLSX != "" && len(state.Records) > 0 {
			if err := pipeline.WriteXLSX(state.Records, findXLSX); err != nil {
				return eris.Wrap(err, "write xlsx")
			}
			zap.L().Info("wrote xlsx export", zap.String("path", findXLSX))
		}

		return nil
	},
}

func init() {
	findCmd.Flags().StringVar(&findRefine, "refine", "", "additional search terms appended to the query")
	findCmd.Flags().StringVar(&findXLSX, "xlsx", "", "also write the records to an .xlsx file at this path")
	rootCmd.AddCommand(findCmd)
}
