package notification

import (
	"github.com/birdhaus/roost/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("notification",
	fx.Provide(func(cfg config.Config, log *zap.Logger) Notifier {
		if cfg.NotifyWebhookURL == "" {
			return NewNoop()
		}
		return NewWebhook(cfg.NotifyWebhookURL, log)
	}),
)
