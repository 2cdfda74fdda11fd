package main

import (
	"context"
	"time"

	"charter-loyalty/pkg/config"
	"charter-loyalty/pkg/db"
	"charter-loyalty/pkg/gen"
	"charter-loyalty/pkg/logger"
	"charter-loyalty/pkg/redis"
	"charter-loyalty/pkg/sequence"
	"charter-loyalty/pkg/task"
	"charter-loyalty/pkg/taskname"
	"charter-loyalty/services/instrument"
	"charter-loyalty/services/ledger"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	fx.New(
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		gen.Module,
		sequence.Module,
		task.ServerModule,
		ledger.TaskModule,
		instrument.TaskModule,
		fx.Invoke(runScheduler),
	).Run()
}

type schedulerParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Config    *config.Config
	Enqueuer  *task.Enqueuer
}

// runScheduler enqueues the nightly sweeps at the configured local time and
// then every 24 hours.
func runScheduler(p schedulerParams) {
	ctx, cancel := context.WithCancel(context.Background())

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go loop(ctx, p.Config, p.Enqueuer)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func loop(ctx context.Context, cfg *config.Config, enqueuer *task.Enqueuer) {
	for {
		next := nextRunTime(time.Now(), cfg.Sweep.Hour, cfg.Sweep.Minute)
		zap.L().Info("sweep scheduled", zap.Time("next_run", next))

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}

		if err := enqueueSweeps(ctx, enqueuer); err != nil {
			zap.L().Error("sweep enqueue failed", zap.Error(err))
		}
	}
}

func enqueueSweeps(ctx context.Context, enqueuer *task.Enqueuer) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return enqueuer.Enqueue(ctx, taskname.InstrumentExpirySweep, nil)
	})
	g.Go(func() error {
		return enqueuer.Enqueue(ctx, taskname.LedgerLotsExpire, nil)
	})
	return g.Wait()
}

func nextRunTime(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
