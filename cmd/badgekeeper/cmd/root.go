package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/solatis/badgekeeper/internal/core/config"
	"github.com/solatis/badgekeeper/internal/core/db"
	"github.com/solatis/badgekeeper/internal/logger"
	"github.com/solatis/badgekeeper/internal/observability"
	"github.com/solatis/badgekeeper/internal/rules"
)

// Version is the release version reported by the CLI.
const Version = "0.1.0"

var (
	configFile string
	dbURL      string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:           "badgekeeper",
	Short:         "Badgekeeper rule engine",
	Long:          `Badgekeeper evaluates JSON events against stored boolean rules and grants badges for the rules that match.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", "", "database connection URL (sqlite://path or postgres://...)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (json, console, text)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads configuration and applies explicitly set persistent flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("db-url") {
		cfg.Database.URL = dbURL
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// app bundles what the long-running commands share.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *observability.Metrics
	engine  *rules.Engine
	db      *sqlx.DB
	repo    *db.RuleRepository
	closers []func() error

	// loadedAt marks the start of the initial load; changes after it are
	// picked up by the resyncer.
	loadedAt time.Time
}

func (r *app) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		_ = r.closers[i]()
	}
	if r.db != nil {
		r.db.Close()
	}
	_ = r.log.Sync()
}

// setup loads config, opens the database, checks migrations and loads every
// stored rule into a fresh engine. Rules that no longer compile are logged
// and skipped.
func setup(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	rt := &app{cfg: cfg, log: log, metrics: observability.NewMetrics()}

	rt.engine, err = rules.NewEngine(rules.NewStore(cfg.Engine.StoreShards),
		rules.WithLogger(log),
		rules.WithRecorder(rt.metrics),
		rules.WithCompiledCacheSize(cfg.Engine.CompiledCacheSize),
		rules.WithMaxRuleCost(cfg.Engine.MaxRuleCost),
		rules.WithSlowEvaluation(cfg.Engine.SlowEvaluation),
	)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.db, err = db.Open(ctx, cfg.Database.URL)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if err := requireMigrated(ctx, rt.db); err != nil {
		rt.Close()
		return nil, err
	}
	queries, err := db.LoadQueries(rt.db)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to load queries: %w", err)
	}
	rt.repo = db.NewRuleRepository(queries)

	rt.loadedAt = time.Now()
	report, err := rt.repo.LoadInto(ctx, rt.engine)
	if err != nil {
		rt.Close()
		return nil, err
	}
	for id, loadErr := range report.Failed {
		log.Warn("stored rule not loaded", zap.String("rule_id", string(id)), zap.Error(loadErr))
	}
	log.Info("rules loaded", zap.Int("loaded", report.Loaded), zap.Int("failed", len(report.Failed)))
	return rt, nil
}

func requireMigrated(ctx context.Context, conn *sqlx.DB) error {
	statuses, err := db.MigrateStatus(ctx, conn)
	if err != nil {
		return fmt.Errorf("failed to check migrations: %w", err)
	}
	for _, s := range statuses {
		if !s.Applied {
			return fmt.Errorf("migration %s not applied - run 'badgekeeper migrate' first", s.ID)
		}
	}
	return nil
}

// databaseChecker adapts the connection to a readiness check.
type databaseChecker struct {
	db *sqlx.DB
}

func (databaseChecker) Name() string { return "database" }

func (c databaseChecker) Check(ctx context.Context) error {
	return c.db.PingContext(ctx)
}
