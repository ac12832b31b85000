package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/solatis/badgekeeper/internal/core/notify"
	"github.com/solatis/badgekeeper/internal/types"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage stored rules",
}

var rulesImportCmd = &cobra.Command{
	Use:   "import FILE...",
	Short: "Compile and store rules from files",
	Long: `Every rule in every file must compile before any is written. A rule
without an id is assigned a fresh UUIDv7 id, printed on import. When
redis.addr is configured, running instances are told to reload the imported
rules.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRulesImport,
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored rules",
	Args:  cobra.NoArgs,
	RunE:  runRulesList,
}

var rulesDeleteCmd = &cobra.Command{
	Use:   "delete ID...",
	Short: "Delete stored rules",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRulesDelete,
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesImportCmd, rulesListCmd, rulesDeleteCmd)
}

func runRulesImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	var pending []*types.Rule
	for _, path := range args {
		list, err := loadRuleFile(path, cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		for _, rule := range list {
			if rule.ID == "" {
				rule.ID = types.NewRuleID()
			}
			if _, err := rt.engine.Compile(rule); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			pending = append(pending, rule)
		}
	}

	publisher := rt.publisher(ctx)
	for _, rule := range pending {
		saved, err := rt.repo.Save(ctx, rule)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %s (version %q)\n", saved.ID, saved.Version)
		if publisher != nil {
			if err := publisher.RuleChanged(ctx, saved.ID); err != nil {
				rt.log.Warn("failed to announce rule change", zap.String("rule_id", string(saved.ID)), zap.Error(err))
			}
		}
	}
	return nil
}

func runRulesList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	rt, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	list, err := rt.repo.List(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tVERSION\tCOST\tUPDATED")
	for _, rule := range list {
		cost := "invalid"
		if compiled, err := rt.engine.Compile(rule); err == nil {
			cost = fmt.Sprint(compiled.Cost())
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rule.ID, rule.Name, rule.Version, cost, rule.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func runRulesDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	publisher := rt.publisher(ctx)
	for _, arg := range args {
		id := types.RuleID(arg)
		deleted, err := rt.repo.Delete(ctx, id)
		if err != nil {
			return err
		}
		if !deleted {
			fmt.Fprintf(cmd.OutOrStdout(), "not found %s\n", id)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
		if publisher != nil {
			if err := publisher.RuleChanged(ctx, id); err != nil {
				rt.log.Warn("failed to announce rule change", zap.String("rule_id", string(id)), zap.Error(err))
			}
		}
	}
	return nil
}

// publisher connects to Redis when configured. Failures are logged; the
// write itself does not depend on notification.
func (r *app) publisher(ctx context.Context) *notify.Publisher {
	if r.cfg.Redis.Addr == "" {
		return nil
	}
	client, err := notify.NewClient(ctx, r.cfg.Redis, r.log)
	if err != nil {
		r.log.Warn("rule change notifications disabled", zap.Error(err))
		return nil
	}
	r.closers = append(r.closers, client.Close)
	return notify.NewPublisher(client, r.cfg.Redis.Channel)
}

// resyncer keeps the engine in line with the repository between pub/sub
// messages, starting from the initial load.
func (r *app) resyncer() *notify.Resyncer {
	return notify.NewResyncer(r.repo, r.engine, r.cfg.Database.ResyncInterval, r.loadedAt, r.log.Named("resync"))
}
