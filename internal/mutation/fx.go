package mutation

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/worksite/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("mutation",
	fx.Provide(NewGuardFromConfig),
	fx.Provide(NewService),
)

// NewGuardFromConfig returns a process-local guard, chained with a Redis
// lock when a Redis address is configured.
func NewGuardFromConfig(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) Guard {
	local := NewLocalGuard()
	if cfg.Redis.Addr == "" {
		return local
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				log.Named("mutation.guard").Warn("redis unreachable, locks will fail until it recovers", zap.Error(err))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return ChainGuard{local, NewRedisGuard(client, cfg.Redis.LockTTL)}
}
