package instrument

import (
	"charter-loyalty/pkg/repository"
	"charter-loyalty/pkg/sequence"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("instrument",
	fx.Provide(
		repository.ProvideStore[Instrument],
		repository.ProvideStore[Redemption],
		repository.ProvideStore[Event],
		provideCodeGenerator,
		NewService,
		NewHandler,
	),
	fx.Invoke(
		migrate,
		RegisterRoutes,
	),
)

var TaskModule = fx.Module("instrument.task",
	fx.Provide(
		repository.ProvideStore[Instrument],
		repository.ProvideStore[Redemption],
		repository.ProvideStore[Event],
		provideCodeGenerator,
		NewService,
		fx.Annotate(NewExpirySweepTask, fx.ResultTags(`group:"asynq.handler"`)),
	),
	fx.Invoke(migrate),
)

func provideCodeGenerator(g *sequence.Generator) CodeGenerator {
	return g
}

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Instrument{}, &Redemption{}, &Event{})
}
