package providers

import (
	"github.com/smallbiznis/worksite/internal/providers/files"
	"github.com/smallbiznis/worksite/internal/providers/notify"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	files.Module,
	notify.Module,
)
