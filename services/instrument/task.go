package instrument

import (
	"context"
	"time"

	"charter-loyalty/pkg/task"
	"charter-loyalty/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// NewExpirySweepTask handles the nightly sweep that expires instruments past
// their expiry date.
func NewExpirySweepTask(svc *Service) task.Handler {
	return task.Handler{
		Type: taskname.InstrumentExpirySweep,
		Handle: func(ctx context.Context, t *asynq.Task) error {
			expired, err := svc.ExpireSweep(ctx, time.Now().UTC())
			if err != nil {
				return err
			}
			zap.L().Info("instrument expiry sweep finished", zap.Int("expired", expired))
			return nil
		},
	}
}
