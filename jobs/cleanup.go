package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// IdempotencyCleanupJob prunes idempotency keys past retention. Keys only
// need to survive long enough to absorb client retries.
type IdempotencyCleanupJob struct {
	Store  *shared.IdempotencyStore
	Logger *slog.Logger
}

// NewIdempotencyCleanupJob initialises the cleanup handler.
func NewIdempotencyCleanupJob(store *shared.IdempotencyStore, logger *slog.Logger) *IdempotencyCleanupJob {
	return &IdempotencyCleanupJob{Store: store, Logger: logger}
}

// Handle executes one cleanup pass.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.RetentionHours <= 0 {
		payload.RetentionHours = 168
	}
	retention := time.Duration(payload.RetentionHours) * time.Hour

	logger := j.logger().With(slog.Int("retention_hours", payload.RetentionHours))
	if err := j.Store.Cleanup(ctx, retention); err != nil {
		logger.Error("cleanup failed", slog.Any("error", err))
		return err
	}
	logger.Info("idempotency keys pruned")
	return nil
}

func (j *IdempotencyCleanupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskIdempotencyCleanup))
	}
	return slog.Default().With(slog.String("job", TaskIdempotencyCleanup))
}
