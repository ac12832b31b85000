package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/solatis/badgekeeper/internal/rules"
)

var errInvalidRules = errors.New("one or more rules are invalid")

var validateCmd = &cobra.Command{
	Use:   "validate FILE...",
	Short: "Compile rule files without storing them",
	Long:  `Each file holds one rule object or an array of rules. Use "-" to read stdin.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().Int("max-cost", 0, "reject rules above this cost (0 disables)")
}

func runValidate(cmd *cobra.Command, args []string) error {
	maxCost, _ := cmd.Flags().GetInt("max-cost")
	engine, err := rules.NewEngine(rules.NewStore(1), rules.WithMaxRuleCost(maxCost))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	failed := false
	for _, path := range args {
		list, err := loadRuleFile(path, cmd.InOrStdin())
		if err != nil {
			fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
			failed = true
			continue
		}
		for _, rule := range list {
			compiled, err := engine.Compile(rule)
			if err != nil {
				fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
				failed = true
				continue
			}
			fmt.Fprintf(out, "ok   %s: %s (cost %d)\n", path, compiled.ID, compiled.Cost())
		}
	}
	if failed {
		return errInvalidRules
	}
	return nil
}
