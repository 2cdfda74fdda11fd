package task

import (
	"context"

	"charter-loyalty/pkg/config"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ClientModule wires an asynq client for services that only enqueue.
var ClientModule = fx.Module("asynq.client",
	fx.Provide(
		NewRedisOpt,
		NewClient,
		NewEnqueuer,
	),
	fx.Invoke(registerClientHook),
)

// ServerModule wires the asynq worker server. Handler registration happens
// through fx group "asynq.handler".
var ServerModule = fx.Module("asynq.server",
	fx.Provide(
		NewRedisOpt,
		NewClient,
		NewEnqueuer,
		NewMux,
		NewServer,
	),
	fx.Invoke(
		registerClientHook,
		registerServerHook,
	),
)

func NewRedisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
}

func NewClient(opt asynq.RedisClientOpt) *asynq.Client {
	return asynq.NewClient(opt)
}

func NewMux() *asynq.ServeMux {
	return asynq.NewServeMux()
}

func NewServer(opt asynq.RedisClientOpt) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: 10,
		Queues: map[string]int{
			"critical": 6,
			"default":  3,
			"low":      1,
		},
	})
}

type Handler struct {
	Type   string
	Handle asynq.HandlerFunc
}

type serverParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Server    *asynq.Server
	Mux       *asynq.ServeMux
	Handlers  []Handler `group:"asynq.handler"`
}

func registerServerHook(p serverParams) {
	for _, h := range p.Handlers {
		p.Mux.HandleFunc(h.Type, h.Handle)
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := p.Server.Run(p.Mux); err != nil {
					zap.L().Fatal("asynq server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			p.Server.Shutdown()
			return nil
		},
	})
}

type clientParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Client    *asynq.Client
}

func registerClientHook(p clientParams) {
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return p.Client.Close()
		},
	})
}
