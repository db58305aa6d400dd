package account

import (
	"github.com/smallbiznis/billcore/internal/account/repository"
	"github.com/smallbiznis/billcore/internal/account/service"
	"go.uber.org/fx"
)

var Module = fx.Module("account.repository",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewStatusChecker),
)
