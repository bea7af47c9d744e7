package activity

import (
	"github.com/smallbiznis/worksite/internal/activity/normalize"
	"go.uber.org/fx"
)

var Module = fx.Module("activity",
	fx.Provide(normalize.NewService),
)
