package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/solatis/badgekeeper/internal/consumer"
	"github.com/solatis/badgekeeper/internal/core/notify"
)

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Evaluate events from Kafka and grant badges for matching rules",
	Args:  cobra.NoArgs,
	RunE:  runConsume,
}

func init() {
	rootCmd.AddCommand(consumeCmd)
	consumeCmd.Flags().StringSlice("brokers", nil, "Kafka brokers (overrides kafka.brokers)")
	consumeCmd.Flags().StringSlice("topics", nil, "topics to consume (overrides kafka.topics)")
	consumeCmd.Flags().String("group-id", "", "consumer group id (overrides kafka.group_id)")
}

func runConsume(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg := rt.cfg

	if cmd.Flags().Changed("brokers") {
		cfg.Kafka.Brokers, _ = cmd.Flags().GetStringSlice("brokers")
	}
	if cmd.Flags().Changed("topics") {
		cfg.Kafka.Topics, _ = cmd.Flags().GetStringSlice("topics")
	}
	if cmd.Flags().Changed("group-id") {
		cfg.Kafka.GroupID, _ = cmd.Flags().GetString("group-id")
	}
	if err := cfg.ValidateKafka(); err != nil {
		return err
	}

	handler := consumer.NewHandler(rt.engine, nil,
		consumer.WithLogger(rt.log.Named("consumer")),
		consumer.WithMetrics(rt.metrics),
	)

	g, gctx := errgroup.WithContext(ctx)
	resync := rt.resyncer()
	g.Go(func() error { return resync.Run(gctx) })

	if cfg.Redis.Addr != "" {
		client, err := notify.NewClient(ctx, cfg.Redis, rt.log)
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, client.Close)
		sub := notify.NewSubscriber(client, cfg.Redis.Channel, rt.repo, rt.engine, rt.log.Named("notify"))
		g.Go(func() error { return sub.Run(gctx, nil) })
	}
	g.Go(func() error {
		return consumer.Run(gctx, cfg.Kafka, handler, rt.log.Named("consumer"))
	})
	return g.Wait()
}
