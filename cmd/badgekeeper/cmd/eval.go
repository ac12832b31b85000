package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/solatis/badgekeeper/internal/rules"
)

var evalCmd = &cobra.Command{
	Use:   "eval --rule FILE --event FILE",
	Short: "Evaluate rules from a file against one event",
	Long: `Prints one evaluation result per rule as JSON. Either file may be "-"
for stdin. Rules are checked lazily, so a rule with an invalid branch that is
never reached still evaluates. --strict rejects such rules up front instead.

A field missing from the event makes its condition false. With
--require-fields it fails that rule with a field-not-found error.`,
	Args: cobra.NoArgs,
	RunE: runEval,
}

func init() {
	rootCmd.AddCommand(evalCmd)
	evalCmd.Flags().String("rule", "", "rule file (object or array)")
	evalCmd.Flags().String("event", "", "event JSON file")
	evalCmd.Flags().Bool("strict", false, "compile each rule before evaluating; reject rules with invalid branches")
	evalCmd.Flags().Bool("require-fields", false, "fail a rule when a reached condition names a missing field")
	_ = evalCmd.MarkFlagRequired("rule")
	_ = evalCmd.MarkFlagRequired("event")
}

func runEval(cmd *cobra.Command, _ []string) error {
	rulePath, _ := cmd.Flags().GetString("rule")
	eventPath, _ := cmd.Flags().GetString("event")
	strict, _ := cmd.Flags().GetBool("strict")
	requireFields, _ := cmd.Flags().GetBool("require-fields")
	if rulePath == "-" && eventPath == "-" {
		return errors.New("--rule and --event cannot both read stdin")
	}

	list, err := loadRuleFile(rulePath, cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	evalCtx, err := loadEventFile(eventPath, cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("load event: %w", err)
	}

	var opts []rules.ExecutorOption
	if requireFields {
		opts = append(opts, rules.WithRequiredFields())
	}
	executor := rules.NewExecutor(opts...)
	results := make([]rules.EvaluationResult, 0, len(list))
	var errs []error
	for _, rule := range list {
		var result rules.EvaluationResult
		if strict {
			compiled, cerr := rules.Compile(rule)
			if cerr != nil {
				errs = append(errs, cerr)
				continue
			}
			result, err = executor.Execute(compiled, evalCtx)
		} else {
			result, err = executor.ExecuteRule(rule, evalCtx)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, result)
	}

	if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
		return err
	}
	return errors.Join(errs...)
}
