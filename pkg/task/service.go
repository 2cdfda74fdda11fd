package task

import (
	"context"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Enqueuer is the narrow enqueue surface handed to services, so they do not
// depend on the asynq client type directly.
type Enqueuer struct {
	client *asynq.Client
}

func NewEnqueuer(client *asynq.Client) *Enqueuer {
	return &Enqueuer{client: client}
}

func (e *Enqueuer) Enqueue(ctx context.Context, taskType string, payload []byte, opts ...asynq.Option) error {
	info, err := e.client.EnqueueContext(ctx, asynq.NewTask(taskType, payload), opts...)
	if err != nil {
		return err
	}
	zap.L().Info("task enqueued",
		zap.String("task_id", info.ID),
		zap.String("task_type", taskType),
		zap.String("queue", info.Queue),
	)
	return nil
}
