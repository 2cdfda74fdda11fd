package ledger

import (
	"charter-loyalty/pkg/repository"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("ledger",
	fx.Provide(
		repository.ProvideStore[Account],
		repository.ProvideStore[Entry],
		repository.ProvideStore[CreditLot],
		NewService,
		NewHandler,
	),
	fx.Invoke(
		migrate,
		RegisterRoutes,
	),
)

// TaskModule wires the ledger for the background worker, which runs sweeps
// but serves no HTTP routes.
var TaskModule = fx.Module("ledger.task",
	fx.Provide(
		repository.ProvideStore[Account],
		repository.ProvideStore[Entry],
		repository.ProvideStore[CreditLot],
		NewService,
		fx.Annotate(NewLotExpiryTask, fx.ResultTags(`group:"asynq.handler"`)),
	),
	fx.Invoke(migrate),
)

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &Entry{}, &CreditLot{})
}
