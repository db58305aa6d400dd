package billingclose

import (
	"github.com/smallbiznis/billcore/internal/billingclose/service"
	"go.uber.org/fx"
)

var Module = fx.Module("billingclose.service",
	fx.Provide(service.NewService),
)
