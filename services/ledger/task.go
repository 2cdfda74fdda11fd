package ledger

import (
	"context"
	"time"

	"charter-loyalty/pkg/task"
	"charter-loyalty/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// NewLotExpiryTask handles the nightly sweep that reclaims expired credit
// lots.
func NewLotExpiryTask(svc *Service) task.Handler {
	return task.Handler{
		Type: taskname.LedgerLotsExpire,
		Handle: func(ctx context.Context, t *asynq.Task) error {
			expired, err := svc.ExpireLots(ctx, time.Now().UTC())
			if err != nil {
				return err
			}
			zap.L().Info("credit lot sweep finished", zap.Int("expired", expired))
			return nil
		},
	}
}
