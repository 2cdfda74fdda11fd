package main

import (
	"net/http"

	"charter-loyalty/pkg/config"
	"charter-loyalty/pkg/db"
	"charter-loyalty/pkg/gen"
	"charter-loyalty/pkg/health"
	"charter-loyalty/pkg/logger"
	"charter-loyalty/pkg/middleware"
	"charter-loyalty/pkg/redis"
	"charter-loyalty/pkg/sequence"
	"charter-loyalty/pkg/server"
	"charter-loyalty/pkg/task"
	"charter-loyalty/pkg/taskname"
	"charter-loyalty/services/instrument"
	"charter-loyalty/services/ledger"
	"charter-loyalty/services/quest"
	"charter-loyalty/services/reward"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"gorm.io/gorm"
)

func main() {
	fx.New(
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		gen.Module,
		sequence.Module,
		task.ClientModule,
		fx.Provide(
			newRouter,
			func(e *gin.Engine) http.Handler { return e },
		),
		server.Module,
		ledger.Module,
		instrument.Module,
		quest.Module,
		reward.Module,
		fx.Invoke(
			db.Metric,
			registerHealth,
			registerAdminRoutes,
		),
	).Run()
}

func newRouter(cfg *config.Config) *gin.Engine {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(
		gin.Recovery(),
		middleware.RequestLogger(),
		middleware.ErrorHandler(),
	)
	return r
}

func registerHealth(r *gin.Engine, gdb *gorm.DB, rdb *goredis.Client) {
	health.Register(r, gdb, rdb)
}

// registerAdminRoutes lets operators kick the nightly sweeps by hand.
func registerAdminRoutes(r *gin.Engine, enqueuer *task.Enqueuer) {
	admin := r.Group("/v1/admin")
	admin.POST("/sweeps/instruments", func(c *gin.Context) {
		if err := enqueuer.Enqueue(c.Request.Context(), taskname.InstrumentExpirySweep, nil); err != nil {
			c.Error(err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"enqueued": taskname.InstrumentExpirySweep})
	})
	admin.POST("/sweeps/lots", func(c *gin.Context) {
		if err := enqueuer.Enqueue(c.Request.Context(), taskname.LedgerLotsExpire, nil); err != nil {
			c.Error(err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"enqueued": taskname.LedgerLotsExpire})
	})
}
