package quest

import (
	"charter-loyalty/pkg/celengine"
	"charter-loyalty/pkg/repository"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("quest",
	fx.Provide(
		celengine.New,
		repository.ProvideStore[Definition],
		repository.ProvideStore[Streak],
		NewService,
		NewHandler,
	),
	fx.Invoke(
		migrate,
		RegisterRoutes,
	),
)

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Definition{}, &Progress{}, &Streak{})
}
