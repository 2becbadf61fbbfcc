package serviceplan

import (
	"github.com/smallbiznis/netbill/internal/serviceplan/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("serviceplan.repository",
	fx.Provide(repository.Provide),
)
