// Package scheduler is the third task source alongside submissions and the
// archive handler's child fan-out: a periodic ticker that creates and
// enqueues a cleanup task in "expired" mode, so temporary files eventually
// get swept even when no archive extraction triggers it.
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"docpipe/internal/model"
	"docpipe/internal/queue"
	"docpipe/internal/store"
)

// ExpiredSweeper periodically creates a cleanup task in "expired" mode.
type ExpiredSweeper struct {
	Store     *store.Store
	Fabric    *queue.Fabric
	Logger    *slog.Logger
	Interval  time.Duration
	BatchSize int
}

// Run blocks, firing one sweep per Interval until ctx is cancelled. A failed
// sweep attempt is logged and skipped; it does not stop the loop.
func (s *ExpiredSweeper) Run(ctx context.Context) {
	if s.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.fire(); err != nil {
				s.Logger.Error("scheduler: expired sweep failed to enqueue", "error", err)
			}
		}
	}
}

func (s *ExpiredSweeper) fire() error {
	batchSize := s.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	task := model.Task{
		ID:     uuid.NewString(),
		UserID: "system",
		Type:   model.TaskCleanup,
		Status: model.StatusPending,
	}
	if err := s.Store.Create(task); err != nil {
		return err
	}

	args, err := json.Marshal(model.CleanupArgs{
		Mode:      model.CleanupExpired,
		BatchSize: batchSize,
	})
	if err != nil {
		return err
	}

	_, err = s.Fabric.Enqueue(queue.NameCleanup, model.QueueMessage{
		TaskID:        task.ID,
		CorrelationID: uuid.NewString(),
		SubmittedAt:   time.Now(),
		Args:          args,
	})
	return err
}
