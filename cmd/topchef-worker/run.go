package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/topchef/internal/api"
	"github.com/seantiz/topchef/internal/archive"
	"github.com/seantiz/topchef/internal/config"
	"github.com/seantiz/topchef/internal/executor"
	"github.com/seantiz/topchef/internal/model"
	"github.com/seantiz/topchef/internal/store"
	"github.com/seantiz/topchef/internal/worker"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Heartbeat and process jobs until interrupted",
		Long: `Bind to the configured service and run the heartbeat and job loops.

The worker stops on SIGINT or SIGTERM, waiting up to worker.stop_grace_period
for in-flight calls to finish.`,
		Args: cobra.NoArgs,
		RunE: runWorker,
	}
	f := cmd.Flags()
	f.String("executor", "", "echo, process or vsock")
	f.String("command", "", "command line of the process executor")
	f.String("store", "", "SQLite path for job history and the submission outbox")
	f.String("status-addr", "", "listen address of the status API")
	return cmd
}

func runWorker(cmd *cobra.Command, _ []string) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer e.Close()
	cfg, logger := e.cfg, e.logger

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serviceID, err := e.serviceID()
	if err != nil {
		return err
	}
	instanceID := model.NewID()
	logger = logger.With("service_id", serviceID, "instance_id", instanceID)

	client, err := e.client(instanceID)
	if err != nil {
		return err
	}
	svc, err := client.Lookup(ctx, serviceID)
	if err != nil {
		return fmt.Errorf("bind service: %w", err)
	}

	registry := newRegistry(cfg.Executor)
	exec, err := registry.Resolve(cfg.Executor.Kind)
	if err != nil {
		return err
	}

	broker := worker.NewLogBroker()
	opts := []worker.Option{
		worker.WithLogger(logger),
		worker.WithInstanceID(instanceID),
		worker.WithHeartbeatInterval(cfg.Worker.HeartbeatInterval),
		worker.WithPollInterval(cfg.Worker.PollInterval),
		worker.WithJobTimeout(cfg.Worker.JobTimeout),
		worker.WithStopGracePeriod(cfg.Worker.StopGracePeriod),
		worker.WithRetryBatch(cfg.Worker.RetryBatch),
		worker.WithLogBroker(broker),
	}

	var history store.Store
	if cfg.Store.Path != "" {
		db, err := store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer db.Close()
		history = db
		opts = append(opts, worker.WithRecorder(db))
		logger.Info("job history enabled", "path", cfg.Store.Path)
	}

	if cfg.Archive.Bucket != "" {
		arch, err := archive.New(ctx, archive.Config{
			Bucket:          cfg.Archive.Bucket,
			Prefix:          cfg.Archive.Prefix,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			ForcePathStyle:  cfg.Archive.ForcePathStyle,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		})
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		opts = append(opts, worker.WithArchiver(arch))
		logger.Info("result archive enabled", "bucket", cfg.Archive.Bucket)
	}

	sup, err := worker.Open(ctx, svc, exec, opts...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := sup.Start(gctx); err != nil {
		return err
	}

	if cfg.Status.ListenAddr != "" {
		srv := api.NewServer(cfg.Status.ListenAddr, api.Deps{
			Worker:   sup,
			Store:    history,
			Registry: registry,
			Executor: cfg.Executor.Kind,
			Broker:   broker,
			Logger:   logger,
		})
		g.Go(func() error { return srv.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		return shutdown(sup, logger)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func shutdown(sup *worker.Supervisor, logger *slog.Logger) error {
	if err := sup.Stop(context.Background()); err != nil {
		logger.Error("worker did not stop cleanly", "error", err)
		return err
	}
	return nil
}

// newRegistry registers every executor the configuration can describe. The
// status API lists them; cfg.Kind picks the active one.
func newRegistry(cfg config.ExecutorConfig) *executor.Registry {
	reg := executor.NewRegistry()
	reg.Register(config.ExecutorEcho, executor.Echo())
	if len(cfg.Command) > 0 {
		reg.Register(config.ExecutorProcess, &executor.Process{Command: cfg.Command, Dir: cfg.Dir})
	}
	if cfg.VsockCID != 0 {
		reg.Register(config.ExecutorVsock, executor.NewVsock(cfg.VsockCID, cfg.VsockPort))
	}
	return reg
}
