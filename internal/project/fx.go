package project

import (
	"context"

	"github.com/smallbiznis/worksite/internal/project/liveupdates"
	"github.com/smallbiznis/worksite/internal/project/service"
	"go.uber.org/fx"
)

var Module = fx.Module("project",
	fx.Provide(liveupdates.NewHub),
	fx.Provide(service.NewService),
	fx.Invoke(registerLifecycle),
)

func registerLifecycle(lc fx.Lifecycle, registry *service.Registry) {
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			registry.CloseAll()
			return nil
		},
	})
}
