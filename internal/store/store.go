package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"docpipe/internal/model"
	"docpipe/internal/statemachine"
)

// ErrNotFound is the sentinel returned by Get/UpdateStatus when no row
// matches — never a panic that aborts the calling worker.
var ErrNotFound = errors.New("task not found")

// Store is the durable task store.
type Store struct {
	db *gorm.DB
}

// Open opens (and migrates) the task store at dsn, an on-disk sqlite path or
// ":memory:" for tests.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	db.Exec("PRAGMA journal_mode=WAL;")

	if err := db.AutoMigrate(&taskRow{}, &fileMetadataRow{}); err != nil {
		return nil, fmt.Errorf("migrate task store: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying gorm handle, for components (config.Overrides)
// that share the same database file.
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Create persists a new task. Callers set ID before calling Create; the
// store does not generate identifiers (that is the submission layer's job,
// via google/uuid).
func (s *Store) Create(t model.Task) error {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	row, err := fromTask(t)
	if err != nil {
		return err
	}
	return s.db.Create(&row).Error
}

// BulkCreate persists many tasks in one transaction, used by the archive
// handler to create a parent's children durably before the parent is marked
// completed.
func (s *Store) BulkCreate(tasks []model.Task) ([]string, error) {
	ids := make([]string, 0, len(tasks))
	err := s.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		for _, t := range tasks {
			if t.CreatedAt.IsZero() {
				t.CreatedAt = now
			}
			t.UpdatedAt = now
			row, err := fromTask(t)
			if err != nil {
				return err
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			ids = append(ids, row.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Get fetches a task by id. Returns ErrNotFound if absent.
func (s *Store) Get(id string) (model.Task, error) {
	var row taskRow
	if err := s.db.First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Task{}, ErrNotFound
		}
		return model.Task{}, err
	}
	return row.toTask()
}

// ListFilter narrows ListByUser results.
type ListFilter struct {
	Type   model.TaskType
	Status model.TaskStatus
}

// ListByUser returns a page of tasks belonging to user, newest first, plus
// the total matching count.
func (s *Store) ListByUser(userID string, filter ListFilter, page, size int) ([]model.Task, int64, error) {
	q := s.db.Model(&taskRow{}).Where("user_id = ?", userID)
	if filter.Type != "" {
		q = q.Where("type = ?", string(filter.Type))
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}

	var rows []taskRow
	if err := q.Order("created_at DESC").Offset((page - 1) * size).Limit(size).Find(&rows).Error; err != nil {
		return nil, 0, err
	}

	tasks := make([]model.Task, 0, len(rows))
	for _, r := range rows {
		t, err := r.toTask()
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, t)
	}
	return tasks, total, nil
}

// ListChildren returns every task whose parent_id is parentID. This is an
// explicit index lookup, not an ORM-lazy relationship.
func (s *Store) ListChildren(parentID string) ([]model.Task, error) {
	var rows []taskRow
	if err := s.db.Where("parent_id = ?", parentID).Find(&rows).Error; err != nil {
		return nil, err
	}
	tasks := make([]model.Task, 0, len(rows))
	for _, r := range rows {
		t, err := r.toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// CountByStatus returns a map of status -> count across all tasks, used by
// the HTTP readiness probe as its store health check.
func (s *Store) CountByStatus() (map[model.TaskStatus]int, error) {
	type row struct {
		Status string
		N      int
	}
	var rows []row
	if err := s.db.Model(&taskRow{}).Select("status, count(*) as n").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[model.TaskStatus]int, len(rows))
	for _, r := range rows {
		out[model.TaskStatus(r.Status)] = r.N
	}
	return out, nil
}

// StatusUpdate carries the optional fields an UpdateStatus call may set
// alongside the new status.
type StatusUpdate struct {
	ErrorMessage     string
	ErrorCode        string
	Results          []byte
	ActualCostUSD    *float64
	EstimatedCostUSD *float64
	TokenUsage       *model.TokenUsage
	IncrementRetry   bool
}

// UpdateStatus is the store's sole concurrency-control mechanism: the write
// only applies `WHERE id = ? AND status IN (expectedFrom...)`, so two
// workers racing to claim or finalize the same task never both win. Returns
// ErrNotFound if the row doesn't exist or the predicate didn't match
// (already claimed, already terminal, etc.); a caller that cares whether it
// lost a race or the row is gone re-reads.
func (s *Store) UpdateStatus(id string, newStatus model.TaskStatus, expectedFrom []model.TaskStatus, upd StatusUpdate) (model.Task, error) {
	// The legal-transition table is enforced here, at the same place the
	// race is decided: any expectedFrom entry without an edge to newStatus
	// is dropped from the predicate, so an illegal transition can never win
	// even if the caller listed its source status.
	if len(expectedFrom) > 0 {
		legal := expectedFrom[:0:0]
		for _, from := range expectedFrom {
			if statemachine.IsLegal(from, newStatus) {
				legal = append(legal, from)
			}
		}
		if len(legal) == 0 {
			return model.Task{}, &statemachine.ErrIllegalTransition{From: expectedFrom[0], To: newStatus}
		}
		expectedFrom = legal
	}

	now := time.Now()

	updates := map[string]any{
		"status":     string(newStatus),
		"updated_at": now,
	}
	if newStatus.Terminal() {
		updates["completed_at"] = now
	}
	if upd.ErrorMessage != "" {
		updates["error_message"] = upd.ErrorMessage
	}
	if upd.ErrorCode != "" {
		updates["error_code"] = upd.ErrorCode
	}
	if upd.Results != nil {
		updates["results"] = upd.Results
	}
	if upd.ActualCostUSD != nil {
		updates["actual_cost_usd"] = *upd.ActualCostUSD
	}
	if upd.EstimatedCostUSD != nil {
		updates["estimated_cost_usd"] = *upd.EstimatedCostUSD
	}
	if upd.TokenUsage != nil {
		b, err := tokenUsageJSON(upd.TokenUsage)
		if err != nil {
			return model.Task{}, err
		}
		updates["token_usage_json"] = b
	}
	if upd.IncrementRetry {
		updates["retry_count"] = gormExprRetryCountPlusOne()
	}

	q := s.db.Model(&taskRow{}).Where("id = ?", id)
	if len(expectedFrom) > 0 {
		statuses := make([]string, len(expectedFrom))
		for i, st := range expectedFrom {
			statuses[i] = string(st)
		}
		q = q.Where("status IN ?", statuses)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return model.Task{}, res.Error
	}
	if res.RowsAffected == 0 {
		return model.Task{}, ErrNotFound
	}
	return s.Get(id)
}

// ClaimForProcessing is the worker's claim predicate, including stale-lease
// reclaim: a task is claimable if its status is one of expectedFrom
// (normally {pending, retrying}), OR it is already `processing` but hasn't
// been touched since staleBefore — meaning whatever worker last claimed it
// is presumed dead. Returns ErrNotFound if neither clause matches (already
// claimed by a live worker, already terminal, or the row doesn't exist).
func (s *Store) ClaimForProcessing(id string, expectedFrom []model.TaskStatus, staleBefore time.Time) (model.Task, error) {
	statuses := make([]string, len(expectedFrom))
	for i, st := range expectedFrom {
		statuses[i] = string(st)
	}
	now := time.Now()

	res := s.db.Model(&taskRow{}).
		Where("id = ?", id).
		Where("status IN ? OR (status = ? AND updated_at < ?)", statuses, string(model.StatusProcessing), staleBefore).
		Updates(map[string]any{
			"status":     string(model.StatusProcessing),
			"updated_at": now,
		})
	if res.Error != nil {
		return model.Task{}, res.Error
	}
	if res.RowsAffected == 0 {
		return model.Task{}, ErrNotFound
	}
	return s.Get(id)
}

// ReleaseForRedelivery puts a processing task back to pending without
// recording a failure — the deferred-cleanup path, where a run did useful
// work but the task isn't done. This is redelivery bookkeeping in the
// broker's sense, not a lifecycle transition, which is why it lives beside
// ClaimForProcessing rather than going through UpdateStatus's transition
// table.
func (s *Store) ReleaseForRedelivery(id string, results []byte) (model.Task, error) {
	updates := map[string]any{
		"status":     string(model.StatusPending),
		"updated_at": time.Now(),
	}
	if results != nil {
		updates["results"] = results
	}
	res := s.db.Model(&taskRow{}).
		Where("id = ? AND status = ?", id, string(model.StatusProcessing)).
		Updates(updates)
	if res.Error != nil {
		return model.Task{}, res.Error
	}
	if res.RowsAffected == 0 {
		return model.Task{}, ErrNotFound
	}
	return s.Get(id)
}

// Cancel flips a task to cancelled, legal only from pending/processing/
// retrying. Running handlers observe the flip at their cooperative
// checkpoints; this call never forcibly interrupts one.
func (s *Store) Cancel(id string) (model.Task, error) {
	return s.UpdateStatus(id, model.StatusCancelled, []model.TaskStatus{
		model.StatusPending, model.StatusProcessing, model.StatusRetrying,
	}, StatusUpdate{})
}

// CreateFileMetadata persists a FileMetadata row.
func (s *Store) CreateFileMetadata(f model.FileMetadata) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	row := fromFileMetadata(f)
	return s.db.Create(&row).Error
}

// FileMetadataForTask returns the FileMetadata row owned by taskID, or
// ErrNotFound if none exists.
func (s *Store) FileMetadataForTask(taskID string) (model.FileMetadata, error) {
	var row fileMetadataRow
	if err := s.db.First(&row, "task_id = ?", taskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.FileMetadata{}, ErrNotFound
		}
		return model.FileMetadata{}, err
	}
	return row.toFileMetadata(), nil
}

// ListExpiredTemporary returns up to batchSize FileMetadata rows whose
// storage_policy is temporary and expires_at has passed.
func (s *Store) ListExpiredTemporary(batchSize int) ([]model.FileMetadata, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	var rows []fileMetadataRow
	err := s.db.Where("storage_policy = ? AND expires_at < ?", string(model.StorageTemporary), time.Now()).
		Limit(batchSize).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]model.FileMetadata, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toFileMetadata())
	}
	return out, nil
}

// DeleteFileMetadata removes a FileMetadata row by id. Deleting a row that no
// longer exists is treated as success (idempotent sweep).
func (s *Store) DeleteFileMetadata(id string) error {
	return s.db.Delete(&fileMetadataRow{}, "id = ?", id).Error
}
