package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	musubi "github.com/nahisaho/musubi"
	"github.com/nahisaho/musubi/workflow"
)

func newValidateCmd(_ *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow.yaml>...",
		Short: "Validate workflow definitions against the built-in skills",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := musubi.New(musubi.WithLogger(zap.NewNop()))
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := registerDemoSkills(rt); err != nil {
				return err
			}

			failed := 0
			out := cmd.OutOrStdout()
			for _, path := range args {
				def, err := workflow.LoadDefinitionFile(path)
				if err == nil {
					err = rt.Executor().Validate(def)
				}
				if err != nil {
					failed++
					fmt.Fprintf(out, "%s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(out, "%s: ok (%s, %d steps)\n", path, def.ID, len(def.Steps))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d definitions invalid", failed, len(args))
			}
			return nil
		},
	}
}
