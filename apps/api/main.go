package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/internal/clock"
	"github.com/smallbiznis/billcore/internal/config"
	"github.com/smallbiznis/billcore/internal/observability"
	"github.com/smallbiznis/billcore/internal/scheduler"
	"github.com/smallbiznis/billcore/internal/server"
	"github.com/smallbiznis/billcore/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		server.Module,

		// The runs endpoint needs the scheduler; the loop belongs to apps/scheduler.
		scheduler.Module,
		fx.Decorate(func(cfg config.Config) config.Config {
			cfg.SchedulerEnabled = false
			return cfg
		}),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
