package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"docpipe/internal/model"
	"docpipe/internal/statemachine"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTaskCRUD(t *testing.T) {
	s := setupTestStore(t)

	task := model.Task{
		ID:      "task-1",
		UserID:  "u1",
		Type:    model.TaskParse,
		Status:  model.StatusPending,
		FileURL: "https://example.com/doc.pdf",
		Options: model.Options{StoragePolicy: model.StorageTemporary},
	}
	require.NoError(t, s.Create(task))

	got, err := s.Get("task-1")
	require.NoError(t, err)
	require.Equal(t, task.UserID, got.UserID)
	require.Equal(t, model.StatusPending, got.Status)

	_, err = s.Get("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStatusConditionalPredicate(t *testing.T) {
	s := setupTestStore(t)
	require.NoError(t, s.Create(model.Task{ID: "t1", UserID: "u1", Type: model.TaskParse, Status: model.StatusPending}))

	// Claim: pending -> processing succeeds.
	updated, err := s.UpdateStatus("t1", model.StatusProcessing, []model.TaskStatus{model.StatusPending, model.StatusRetrying}, StatusUpdate{})
	require.NoError(t, err)
	require.Equal(t, model.StatusProcessing, updated.Status)

	// A second claim attempt with the same predicate loses the race.
	_, err = s.UpdateStatus("t1", model.StatusProcessing, []model.TaskStatus{model.StatusPending, model.StatusRetrying}, StatusUpdate{})
	require.ErrorIs(t, err, ErrNotFound)

	// Finalize: processing -> completed succeeds.
	cost := 0.42
	final, err := s.UpdateStatus("t1", model.StatusCompleted, []model.TaskStatus{model.StatusProcessing}, StatusUpdate{ActualCostUSD: &cost})
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, final.Status)
	require.NotNil(t, final.CompletedAt)
	require.NotNil(t, final.ActualCostUSD)
	require.Equal(t, 0.42, *final.ActualCostUSD)
}

func TestClaimForProcessingStaleReclaim(t *testing.T) {
	s := setupTestStore(t)
	require.NoError(t, s.Create(model.Task{ID: "t1", UserID: "u1", Type: model.TaskParse, Status: model.StatusPending}))

	claimed, err := s.ClaimForProcessing("t1", []model.TaskStatus{model.StatusPending, model.StatusRetrying}, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, model.StatusProcessing, claimed.Status)

	// A live claim (updated_at recent) is not reclaimable.
	_, err = s.ClaimForProcessing("t1", []model.TaskStatus{model.StatusPending, model.StatusRetrying}, time.Now().Add(-time.Hour))
	require.ErrorIs(t, err, ErrNotFound)

	// Force the row's updated_at far enough in the past to simulate a dead
	// worker, then the stale clause should let a fresh claim through.
	require.NoError(t, s.db.Model(&taskRow{}).Where("id = ?", "t1").
		Update("updated_at", time.Now().Add(-time.Hour)).Error)

	reclaimed, err := s.ClaimForProcessing("t1", []model.TaskStatus{model.StatusPending, model.StatusRetrying}, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, model.StatusProcessing, reclaimed.Status)
}

func TestUpdateStatusRejectsIllegalTransition(t *testing.T) {
	s := setupTestStore(t)
	require.NoError(t, s.Create(model.Task{ID: "t1", UserID: "u1", Type: model.TaskParse, Status: model.StatusPending}))

	// pending -> completed has no edge in the transition table.
	_, err := s.UpdateStatus("t1", model.StatusCompleted, []model.TaskStatus{model.StatusPending}, StatusUpdate{})
	var illegal *statemachine.ErrIllegalTransition
	require.ErrorAs(t, err, &illegal)

	got, err := s.Get("t1")
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, got.Status)
}

func TestReleaseForRedelivery(t *testing.T) {
	s := setupTestStore(t)
	require.NoError(t, s.Create(model.Task{ID: "t1", UserID: "u1", Type: model.TaskCleanup, Status: model.StatusPending}))

	_, err := s.ClaimForProcessing("t1", []model.TaskStatus{model.StatusPending}, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	released, err := s.ReleaseForRedelivery("t1", []byte(`{"waiting_on_children":true}`))
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, released.Status)
	require.NotEmpty(t, released.Results)

	// Releasing a task nobody holds is a lost race, not a crash.
	_, err = s.ReleaseForRedelivery("t1", nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCancelFlipsNonTerminalAndRejectsTerminal(t *testing.T) {
	s := setupTestStore(t)
	require.NoError(t, s.Create(model.Task{ID: "t1", UserID: "u1", Type: model.TaskParse, Status: model.StatusPending}))
	require.NoError(t, s.Create(model.Task{ID: "t2", UserID: "u1", Type: model.TaskParse, Status: model.StatusCompleted}))

	cancelled, err := s.Cancel("t1")
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)

	_, err = s.Cancel("t2")
	require.ErrorIs(t, err, ErrNotFound)

	// Cancelling twice is rejected; terminal states are absorbing.
	_, err = s.Cancel("t1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListChildrenAndBulkCreate(t *testing.T) {
	s := setupTestStore(t)
	parentID := "archive-1"
	require.NoError(t, s.Create(model.Task{ID: parentID, UserID: "u1", Type: model.TaskArchive, Status: model.StatusProcessing}))

	children := []model.Task{
		{ID: "c1", UserID: "u1", Type: model.TaskParse, Status: model.StatusPending, ParentID: &parentID},
		{ID: "c2", UserID: "u1", Type: model.TaskParse, Status: model.StatusPending, ParentID: &parentID},
	}
	ids, err := s.BulkCreate(children)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	kids, err := s.ListChildren(parentID)
	require.NoError(t, err)
	require.Len(t, kids, 2)
}

func TestFileMetadataForTask(t *testing.T) {
	s := setupTestStore(t)
	require.NoError(t, s.CreateFileMetadata(model.FileMetadata{
		ID: "f1", TaskID: "t1", StoragePolicy: model.StoragePermanent, Checksum: "abc123",
	}))

	fm, err := s.FileMetadataForTask("t1")
	require.NoError(t, err)
	require.Equal(t, "abc123", fm.Checksum)

	_, err = s.FileMetadataForTask("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListExpiredTemporaryAndDelete(t *testing.T) {
	s := setupTestStore(t)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, s.CreateFileMetadata(model.FileMetadata{
		ID: "f1", TaskID: "t1", StoragePolicy: model.StorageTemporary, ExpiresAt: &past,
	}))

	rows, err := s.ListExpiredTemporary(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.NoError(t, s.DeleteFileMetadata("f1"))
	rows, err = s.ListExpiredTemporary(10)
	require.NoError(t, err)
	require.Len(t, rows, 0)

	// Deleting an already-gone row is a success (idempotent sweep).
	require.NoError(t, s.DeleteFileMetadata("f1"))
}

func TestCountByStatus(t *testing.T) {
	s := setupTestStore(t)
	require.NoError(t, s.Create(model.Task{ID: "a", UserID: "u", Type: model.TaskParse, Status: model.StatusPending}))
	require.NoError(t, s.Create(model.Task{ID: "b", UserID: "u", Type: model.TaskParse, Status: model.StatusCompleted}))

	counts, err := s.CountByStatus()
	require.NoError(t, err)
	require.Equal(t, 1, counts[model.StatusPending])
	require.Equal(t, 1, counts[model.StatusCompleted])
}
