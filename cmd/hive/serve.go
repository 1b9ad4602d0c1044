package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/hive/config"
	"github.com/mohammad-safakhou/hive/internal/anomaly"
	"github.com/mohammad-safakhou/hive/internal/audit"
	"github.com/mohammad-safakhou/hive/internal/changefeed"
	"github.com/mohammad-safakhou/hive/internal/executor"
	"github.com/mohammad-safakhou/hive/internal/knowledge"
	"github.com/mohammad-safakhou/hive/internal/lifecycle"
	"github.com/mohammad-safakhou/hive/internal/llm"
	"github.com/mohammad-safakhou/hive/internal/queen"
	"github.com/mohammad-safakhou/hive/internal/queue"
	"github.com/mohammad-safakhou/hive/internal/runtime"
	"github.com/mohammad-safakhou/hive/internal/server"
	"github.com/mohammad-safakhou/hive/internal/store"
	"github.com/mohammad-safakhou/hive/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var addr string
	var migrations string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the queen, the subordinate workers and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Address = addr
			}
			return runServe(cmd.Context(), cfg, migrations)
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.address)")
	serve.Flags().StringVar(&migrations, "migrate", "", "apply migrations from this source before serving (e.g. file://migrations)")
	return serve
}

func runServe(ctx context.Context, cfg *config.Config, migrations string) error {
	logger, err := runtime.NewLogger(cfg.General)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	tele, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{ServiceName: "hive", ServiceVersion: version})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tele.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	dsn, err := runtime.BuildPostgresDSN(cfg)
	if err != nil {
		return err
	}
	if migrations != "" {
		if err := store.Migrate(migrations, dsn, "up", 0); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Storage.Redis.Addr(),
		Password:    cfg.Storage.Redis.Password,
		DB:          cfg.Storage.Redis.DB,
		DialTimeout: cfg.Storage.Redis.Timeout,
	})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// hints only speed up pickup; workers still poll the database
		logger.Warn("redis unavailable, task hints disabled until it returns", zap.String("addr", cfg.Storage.Redis.Addr()), zap.Error(err))
	}
	hints := queue.New(rdb, "")
	sink := audit.New(st, logger)

	kc, err := knowledge.NewConnector(st, logger, cfg.Knowledge.MaxDocs)
	if err != nil {
		return err
	}
	if _, err := kc.Resync(ctx); err != nil {
		logger.Warn("initial knowledge resync", zap.Error(err))
	}

	primary, fallback, err := llm.ProvidersFromConfig(cfg.LLM)
	if err != nil {
		return err
	}
	monitor, pricing := llm.BudgetFromConfig(cfg.LLM.Fallback)
	gw, err := llm.NewGateway(primary, fallback, llm.GatewayOptions{
		ForceFallback: cfg.LLM.ForceFallback,
		Budget:        monitor,
		Pricing:       pricing,
		Logger:        logger,
		Auditor:       sink,
		Meter:         tele.Meter,
	})
	if err != nil {
		return err
	}

	exec := executor.New(st,
		executor.WithAuditor(sink),
		executor.WithLogger(logger),
		executor.WithDefaults(executor.Defaults{Provider: cfg.LLM.Primary.Type, Model: cfg.LLM.Primary.Model}),
		executor.WithMeter(tele.Meter),
	)
	ctrl := queen.NewController(st, gw, exec, cfg.Queen, queen.Options{
		Knowledge: kc,
		Hints:     hints,
		Audit:     sink,
		Logger:    logger,
		Meter:     tele.Meter,
	})
	sup := worker.NewSupervisor(worker.Deps{
		Store:     st,
		LLM:       gw,
		Knowledge: kc,
		Hints:     hints,
		Audit:     sink,
		Logger:    logger,
		Config:    cfg.Worker,
		Metrics:   worker.NewMetrics(tele.Meter),
	})
	syncer := lifecycle.New(st, changefeed.New(dsn, logger), sup, logger)
	api := server.New(server.Deps{
		Store:     st,
		Queen:     ctrl,
		Knowledge: kc,
		Hints:     hints,
		Providers: gw,
		DB:        st,
		Gatherer:  tele.Registry,
		Logger:    logger,
	})
	sched := &knowledge.Scheduler{Connector: kc, Cron: cfg.Knowledge.ResyncCron, Rdb: rdb, Logger: logger}
	sweeper := anomaly.New(st, cfg.Monitor, anomaly.Options{Audit: sink, Redis: rdb, Logger: logger})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return syncer.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return runQueen(gctx, st, ctrl, cfg.Queen.Normalize().PollInterval, logger) })
	g.Go(func() error { return api.Start(cfg.Server.Address) })
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return api.Shutdown(sctx)
	})
	err = g.Wait()
	sup.Wait()
	logger.Info("hive stopped")
	return err
}

// runQueen waits for the queen to be registered, then works her task loop until ctx is done.
func runQueen(ctx context.Context, st *store.Store, ctrl *queen.Controller, poll time.Duration, logger *zap.Logger) error {
	warned := false
	for {
		q, err := st.GetQueen(ctx)
		if err == nil {
			return queen.NewLoop(ctrl, q.ID).Run(ctx)
		}
		if !errors.Is(err, store.ErrNotFound) {
			logger.Warn("load queen", zap.Error(err))
		} else if !warned {
			logger.Warn("no queen registered yet, run `hive bootstrap-queen`")
			warned = true
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(poll):
		}
	}
}
