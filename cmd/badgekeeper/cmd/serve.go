package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/solatis/badgekeeper/internal/core/httpapi"
	"github.com/solatis/badgekeeper/internal/core/notify"
	"github.com/solatis/badgekeeper/internal/core/server"
)

const shutdownGrace = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gRPC evaluation service and admin HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "gRPC server host")
	serveCmd.Flags().Int("port", 0, "gRPC server port")
	serveCmd.Flags().Int("http-port", 0, "admin HTTP port (0 keeps the configured value)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg := rt.cfg

	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("http-port") {
		cfg.HTTP.Port, _ = cmd.Flags().GetInt("http-port")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	svc, err := server.NewEvaluatorService(rt.engine, rt.log.Named("grpc"))
	if err != nil {
		return err
	}
	grpcServer, err := server.NewGRPCServer(&cfg.Server, svc, rt.log.Named("grpc"))
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	checkers := []httpapi.Checker{databaseChecker{db: rt.db}}
	apiOpts := []httpapi.Option{
		httpapi.WithRepository(rt.repo),
		httpapi.WithGatherer(rt.metrics.Gatherer()),
		httpapi.WithLogger(rt.log.Named("http")),
	}

	g, gctx := errgroup.WithContext(ctx)
	resync := rt.resyncer()
	g.Go(func() error { return resync.Run(gctx) })

	if cfg.Redis.Addr != "" {
		client, err := notify.NewClient(ctx, cfg.Redis, rt.log)
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, client.Close)
		publisher := notify.NewPublisher(client, cfg.Redis.Channel)
		checkers = append(checkers, publisher)
		apiOpts = append(apiOpts, httpapi.WithNotifier(publisher))

		sub := notify.NewSubscriber(client, cfg.Redis.Channel, rt.repo, rt.engine, rt.log.Named("notify"))
		g.Go(func() error { return sub.Run(gctx, nil) })
	}

	g.Go(func() error {
		rt.log.Info("starting badgekeeper", zap.String("version", Version), zap.String("grpc_addr", cfg.GRPCAddr()))
		return grpcServer.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return grpcServer.Shutdown(shutdownCtx)
	})

	if cfg.HTTP.Port != 0 {
		api := httpapi.NewAPI(rt.engine, append(apiOpts, httpapi.WithCheckers(checkers...))...)
		httpServer := api.NewServer(cfg.HTTPAddr(), cfg.HTTP.Timeout)
		g.Go(func() error {
			rt.log.Info("admin http listening", zap.String("addr", cfg.HTTPAddr()))
			if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	rt.log.Info("badgekeeper stopped")
	return err
}
