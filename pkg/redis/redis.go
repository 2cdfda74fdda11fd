package redis

import (
	"context"

	"charter-loyalty/pkg/config"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("redis",
	fx.Provide(New),
	fx.Invoke(RegisterHook),
)

func New(cfg *config.Config) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		PoolSize:    cfg.Redis.PoolSize,
		PoolTimeout: cfg.Redis.PoolTimeout,
	})
}

type hookParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Client    *goredis.Client
}

func RegisterHook(p hookParams) {
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := p.Client.Ping(ctx).Err(); err != nil {
				zap.L().Error("redis ping failed", zap.Error(err))
				return err
			}
			zap.L().Info("redis connection established")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return p.Client.Close()
		},
	})
}
