package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/billcore/internal/account"
	"github.com/smallbiznis/billcore/internal/audit"
	"github.com/smallbiznis/billcore/internal/billingclose"
	closedomain "github.com/smallbiznis/billcore/internal/billingclose/domain"
	"github.com/smallbiznis/billcore/internal/config"
	"github.com/smallbiznis/billcore/internal/events"
	"github.com/smallbiznis/billcore/internal/invoice"
	"github.com/smallbiznis/billcore/internal/observability"
	obsmiddleware "github.com/smallbiznis/billcore/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/billcore/internal/observability/metrics"
	obstracing "github.com/smallbiznis/billcore/internal/observability/tracing"
	"github.com/smallbiznis/billcore/internal/payment"
	paymentdomain "github.com/smallbiznis/billcore/internal/payment/domain"
	"github.com/smallbiznis/billcore/internal/ratelimit"
	"github.com/smallbiznis/billcore/internal/scheduler"
	"github.com/smallbiznis/billcore/internal/usage"
	"github.com/smallbiznis/billcore/internal/wallet"
	walletdomain "github.com/smallbiznis/billcore/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	account.Module,
	audit.Module,
	events.Module,
	usage.Module,
	wallet.Module,
	invoice.Module,
	payment.Module,
	billingclose.Module,
	ratelimit.Module,
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) { s.RegisterRoutes() }),
	fx.Invoke(RunHTTP),
)

// BillingRunner starts batch period closes.
type BillingRunner interface {
	Run(ctx context.Context, req scheduler.RunRequest) (*scheduler.RunReport, error)
	Runs(ctx context.Context, limit int) ([]scheduler.BillingRun, error)
}

func NewEngine(cfg config.Config, obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	log        *zap.Logger
	runner     BillingRunner
	closer     closedomain.Service
	walletSvc  walletdomain.Service
	paymentSvc paymentdomain.Service
	locker     ratelimit.AccountLocker
	billing    *config.BillingConfigHolder
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	Closer     closedomain.Service
	WalletSvc  walletdomain.Service
	PaymentSvc paymentdomain.Service
	Scheduler  *scheduler.Scheduler        `optional:"true"`
	Locker     ratelimit.AccountLocker     `optional:"true"`
	Billing    *config.BillingConfigHolder `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        p.Log.Named("http"),
		closer:     p.Closer,
		walletSvc:  p.WalletSvc,
		paymentSvc: p.PaymentSvc,
		locker:     p.Locker,
		billing:    p.Billing,
	}
	if svc.locker == nil {
		svc.locker = ratelimit.NoopLocker{}
	}
	if p.Scheduler != nil {
		svc.runner = p.Scheduler
	}
	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) RegisterRoutes() {
	s.RegisterInternalRoutes()
	s.RegisterWebhookRoutes()
}

func (s *Server) RegisterInternalRoutes() {
	internal := s.engine.Group("/internal", s.JobTokenRequired())

	// -------- Billing runs --------
	internal.POST("/billing/runs", s.StartBillingRun)
	internal.GET("/billing/runs", s.ListBillingRuns)

	// -------- Accounts --------
	internal.POST("/accounts/:id/close", s.CloseAccount)
	internal.POST("/accounts/:id/wallet/adjustments", s.AdjustWallet)
	internal.GET("/accounts/:id/wallet/verify", s.VerifyWallet)
	internal.GET("/accounts/:id/wallet/transactions", s.ListWalletTransactions)
}

func (s *Server) RegisterWebhookRoutes() {
	s.engine.POST("/webhooks/:provider", s.HandlePaymentWebhook)
}
