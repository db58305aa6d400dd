package payment

import (
	"github.com/smallbiznis/billcore/internal/config"
	invoicedomain "github.com/smallbiznis/billcore/internal/invoice/domain"
	"github.com/smallbiznis/billcore/internal/payment/adapters"
	"github.com/smallbiznis/billcore/internal/payment/adapters/stripe"
	"github.com/smallbiznis/billcore/internal/payment/reconciler"
	"github.com/smallbiznis/billcore/internal/payment/repository"
	paymentservice "github.com/smallbiznis/billcore/internal/payment/service"
	"github.com/smallbiznis/billcore/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(func(cfg config.Config, billing *config.BillingConfigHolder) *adapters.Registry {
		return adapters.NewRegistry(
			stripe.NewAdapter(cfg.Stripe.WebhookSecret, billing.Get().WebhookTolerance),
		)
	}),
	fx.Provide(stripe.NewInvoicing),
	fx.Provide(func(i *stripe.Invoicing) invoicedomain.Charger { return i }),
	fx.Provide(reconciler.NewReconciler),
	fx.Provide(paymentservice.NewService),
	fx.Provide(webhook.NewService),
)
