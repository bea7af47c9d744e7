package notify

import (
	"context"

	"github.com/smallbiznis/worksite/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.notify",
	fx.Provide(NewFromConfig),
)

func NewFromConfig(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) Dispatcher {
	if cfg.Notify.WebhookURL == "" {
		return NewLog(log)
	}
	webhook := NewWebhook(WebhookOptions{URL: cfg.Notify.WebhookURL, Log: log})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			webhook.Start()
			return nil
		},
		OnStop: webhook.Stop,
	})
	return webhook
}
