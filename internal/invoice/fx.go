package invoice

import (
	"github.com/smallbiznis/billcore/internal/invoice/repository"
	"github.com/smallbiznis/billcore/internal/invoice/service"
	"go.uber.org/fx"
)

var Module = fx.Module("invoice.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
