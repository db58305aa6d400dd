package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/internal/clock"
	"github.com/smallbiznis/billcore/internal/config"
	"github.com/smallbiznis/billcore/internal/migration"
	"github.com/smallbiznis/billcore/internal/observability"
	"github.com/smallbiznis/billcore/internal/scheduler"
	"github.com/smallbiznis/billcore/internal/server"
	"github.com/smallbiznis/billcore/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// HTTP, webhooks and the domain modules behind them
		server.Module,

		// Period close loop, gated by SCHEDULER_ENABLED
		scheduler.Module,
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
