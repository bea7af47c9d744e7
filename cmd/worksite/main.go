package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/worksite/internal/activity"
	"github.com/smallbiznis/worksite/internal/clock"
	"github.com/smallbiznis/worksite/internal/config"
	"github.com/smallbiznis/worksite/internal/finance"
	"github.com/smallbiznis/worksite/internal/mutation"
	"github.com/smallbiznis/worksite/internal/observability"
	"github.com/smallbiznis/worksite/internal/project"
	"github.com/smallbiznis/worksite/internal/providers"
	"github.com/smallbiznis/worksite/internal/recordstore"
	"github.com/smallbiznis/worksite/internal/seed"
	"github.com/smallbiznis/worksite/internal/server"
	"github.com/smallbiznis/worksite/internal/timeline"
	"github.com/smallbiznis/worksite/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),

		// Functional Domains
		finance.Module,
		activity.Module,
		timeline.Module,
		recordstore.Module,
		providers.Module,
		mutation.Module,
		project.Module,
		seed.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
