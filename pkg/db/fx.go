package db

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/billcore/internal/config"
	"github.com/smallbiznis/billcore/internal/observability"
	obslogger "github.com/smallbiznis/billcore/internal/observability/logger"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var Module = fx.Module("db",
	fx.Provide(provideDB),
)

func provideDB(lc fx.Lifecycle, cfg config.Config, obs observability.Config, log *zap.Logger) (*gorm.DB, error) {
	dbCfg := FromAppConfig(cfg)
	dialect, err := Dialect(dbCfg)
	if err != nil {
		return nil, err
	}

	gormLog := obslogger.NewGormLogger(log, obslogger.GormLoggerConfig{
		Level:                parseGormLevel(obs.SQLLogLevel),
		SlowThreshold:        obs.SQLSlowThreshold,
		IgnoreRecordNotFound: true,
	})

	conn, err := gorm.Open(dialect, &gorm.Config{
		Logger:                 gormLog,
		SkipDefaultTransaction: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, err
	}

	if obs.OtelEnabled {
		// Query variables carry account ids and amounts; keep them out of spans.
		plugin := otelgorm.NewPlugin(
			otelgorm.WithDBName(dbCfg.Name),
			otelgorm.WithoutQueryVariables(),
		)
		if err := conn.Use(plugin); err != nil {
			return nil, err
		}
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	if dbCfg.MaxIdleConn > 0 {
		sqlDB.SetMaxIdleConns(dbCfg.MaxIdleConn)
	}
	if dbCfg.MaxOpenConn > 0 {
		sqlDB.SetMaxOpenConns(dbCfg.MaxOpenConn)
	}
	if dbCfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(dbCfg.ConnMaxLifetime) * time.Second)
	}
	if dbCfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(time.Duration(dbCfg.ConnMaxIdleTime) * time.Second)
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return sqlDB.PingContext(ctx)
		},
		OnStop: func(context.Context) error {
			return sqlDB.Close()
		},
	})

	return conn, nil
}

func parseGormLevel(level string) gormlogger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "silent":
		return gormlogger.Silent
	case "error":
		return gormlogger.Error
	case "info", "debug":
		return gormlogger.Info
	default:
		return gormlogger.Warn
	}
}
