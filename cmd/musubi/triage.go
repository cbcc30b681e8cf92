package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nahisaho/musubi/agent/triage"
)

func newTriageCmd(g *globalFlags) *cobra.Command {
	var strategy string
	cmd := &cobra.Command{
		Use:   "triage <text>",
		Short: "Classify a request into a triage category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, err := g.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			s := triage.Strategy(strategy)
			switch s {
			case triage.StrategyKeyword, triage.StrategyIntent, triage.StrategyCapability, triage.StrategyHybrid, triage.StrategyLLM:
			default:
				return fmt.Errorf("unknown strategy %q", strategy)
			}
			c := triage.NewClassifier(triage.ClassifierConfig{}, logger)
			res, err := c.Classify(context.Background(), args[0], s, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", string(triage.StrategyHybrid), "keyword, intent, capability, hybrid or llm")
	return cmd
}
