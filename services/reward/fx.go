package reward

import (
	"charter-loyalty/pkg/repository"
	"charter-loyalty/pkg/sequence"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("reward",
	fx.Provide(
		repository.ProvideStore[CatalogItem],
		repository.ProvideStore[Redemption],
		provideCodeGenerator,
		NewService,
		NewHandler,
	),
	fx.Invoke(
		migrate,
		RegisterRoutes,
	),
)

func provideCodeGenerator(g *sequence.Generator) CodeGenerator {
	return g
}

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(&CatalogItem{}, &Redemption{})
}
