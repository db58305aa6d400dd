package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/internal/account"
	"github.com/smallbiznis/billcore/internal/audit"
	"github.com/smallbiznis/billcore/internal/billingclose"
	"github.com/smallbiznis/billcore/internal/clock"
	"github.com/smallbiznis/billcore/internal/config"
	"github.com/smallbiznis/billcore/internal/events"
	"github.com/smallbiznis/billcore/internal/invoice"
	"github.com/smallbiznis/billcore/internal/observability"
	"github.com/smallbiznis/billcore/internal/payment"
	"github.com/smallbiznis/billcore/internal/ratelimit"
	"github.com/smallbiznis/billcore/internal/scheduler"
	"github.com/smallbiznis/billcore/internal/usage"
	"github.com/smallbiznis/billcore/internal/wallet"
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

		// Domain services required by the closer
		account.Module,
		audit.Module,
		events.Module,
		usage.Module,
		wallet.Module,
		invoice.Module,
		payment.Module,
		billingclose.Module,
		ratelimit.Module,

		// No server module!
		scheduler.Module,
		fx.Decorate(func(cfg config.Config) config.Config {
			cfg.SchedulerEnabled = true
			return cfg
		}),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(3)
	if err != nil {
		panic(err)
	}
	return node
}
