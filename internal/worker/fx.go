package worker

import (
	"context"

	"github.com/birdhaus/roost/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// newLocker builds the sweep lock when redis is configured; without it
// the sweep job falls back to the pre-submit hash re-check alone.
func newLocker(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *Locker {
	if cfg.RedisAddr == "" {
		log.Named("worker").Warn("redis not configured, sweep lock disabled")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return NewLocker(client)
}

func run(lc fx.Lifecycle, pool *Pool, log *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				pool.RunForever(ctx)
			}()
			log.Named("worker").Info("worker pool started")
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

var Module = fx.Module("worker",
	fx.Provide(
		ConfigFromEnv,
		newLocker,
		New,
	),
	fx.Invoke(run),
)
