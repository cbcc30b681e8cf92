package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	musubi "github.com/nahisaho/musubi"
	"github.com/nahisaho/musubi/agent/guardrails"
)

type guardFlags struct {
	ruleSet string
	level   string
	output  bool
	redact  bool
}

func newGuardCmd(g *globalFlags) *cobra.Command {
	f := &guardFlags{}
	cmd := &cobra.Command{
		Use:   "guard <text>",
		Short: "Run the configured guardrail chain against text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGuard(cmd, g, f, args[0])
		},
	}
	cmd.Flags().StringVar(&f.ruleSet, "set", "", "input rule set (overrides config)")
	cmd.Flags().StringVar(&f.level, "level", "", "safety level: basic, standard, strict (overrides config)")
	cmd.Flags().BoolVar(&f.output, "output", false, "run the output chain instead of the input chain")
	cmd.Flags().BoolVar(&f.redact, "redact", true, "redact PII in the output chain")
	return cmd
}

func runGuard(cmd *cobra.Command, g *globalFlags, f *guardFlags, text string) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	defer logger.Sync()

	gc := cfg.Guardrails
	if f.ruleSet != "" {
		gc.InputRuleSet = f.ruleSet
	}
	if f.level != "" {
		gc.DefaultSafetyLevel = f.level
	}
	if cmd.Flags().Changed("redact") {
		gc.RedactOutput = f.redact
	}
	in, out, err := musubi.GuardrailsFromConfig(gc, logger)
	if err != nil {
		return err
	}
	rt, err := musubi.New(
		musubi.WithLogger(logger),
		musubi.WithInputGuardrails(in...),
		musubi.WithOutputGuardrails(out...),
	)
	if err != nil {
		return err
	}
	defer rt.Close()

	chain := rt.InputChain()
	if f.output {
		chain = rt.OutputChain()
	}
	res, err := chain.Run(context.Background(), text, guardrails.RuleContext{"source": "cli"})
	if te, ok := guardrails.AsTripwire(err); ok {
		_ = printJSON(cmd.OutOrStdout(), te.Result)
		return err
	}
	if err != nil {
		return err
	}

	report := map[string]any{
		"chain":      chain.Name(),
		"passed":     res.Passed,
		"violations": res.Violations,
	}
	if f.output {
		report["output"] = res.Processed
	} else {
		for _, r := range res.Results {
			if _, ok := r.Metadata["sanitizedInput"]; ok {
				report["sanitized"] = res.Processed
				break
			}
		}
	}
	if err := printJSON(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	if !res.Passed {
		return fmt.Errorf("%s guardrails failed", chain.Name())
	}
	return nil
}
