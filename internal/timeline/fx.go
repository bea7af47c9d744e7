package timeline

import (
	"github.com/smallbiznis/worksite/internal/timeline/service"
	"go.uber.org/fx"
)

var Module = fx.Module("timeline",
	fx.Provide(service.NewService),
)
