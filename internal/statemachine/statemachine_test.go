package statemachine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"docpipe/internal/model"
)

func TestLegalTransitionTable(t *testing.T) {
	cases := []struct {
		from  model.TaskStatus
		to    model.TaskStatus
		legal bool
	}{
		{model.StatusPending, model.StatusProcessing, true},
		{model.StatusPending, model.StatusFailed, true},
		{model.StatusPending, model.StatusCancelled, true},
		{model.StatusPending, model.StatusCompleted, false},
		{model.StatusPending, model.StatusRetrying, false},

		{model.StatusProcessing, model.StatusCompleted, true},
		{model.StatusProcessing, model.StatusFailed, true},
		{model.StatusProcessing, model.StatusRetrying, true},
		{model.StatusProcessing, model.StatusCancelled, true},
		{model.StatusProcessing, model.StatusPending, false},

		{model.StatusRetrying, model.StatusProcessing, true},
		{model.StatusRetrying, model.StatusFailed, true},
		{model.StatusRetrying, model.StatusCancelled, true},
		{model.StatusRetrying, model.StatusCompleted, false},

		{model.StatusCompleted, model.StatusProcessing, false},
		{model.StatusFailed, model.StatusRetrying, false},
		{model.StatusCancelled, model.StatusPending, false},
	}

	for _, c := range cases {
		require.Equal(t, c.legal, IsLegal(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestApplyStampsUpdatedAtAlways(t *testing.T) {
	task := &model.Task{Status: model.StatusPending}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, Apply(task, model.StatusProcessing, now))
	require.Equal(t, model.StatusProcessing, task.Status)
	require.Equal(t, now, task.UpdatedAt)
	require.Nil(t, task.CompletedAt)
}

func TestApplyStampsCompletedAtOnlyForTerminal(t *testing.T) {
	task := &model.Task{Status: model.StatusProcessing}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, Apply(task, model.StatusCompleted, now))
	require.NotNil(t, task.CompletedAt)
	require.Equal(t, now, *task.CompletedAt)
}

func TestApplyRejectsIllegalTransition(t *testing.T) {
	task := &model.Task{Status: model.StatusCompleted}
	err := Apply(task, model.StatusProcessing, time.Now())
	require.Error(t, err)

	var illegal *ErrIllegalTransition
	require.ErrorAs(t, err, &illegal)
	require.Equal(t, model.StatusCompleted, illegal.From)
	require.Equal(t, model.StatusProcessing, illegal.To)

	// Task is left unmodified on rejection.
	require.Equal(t, model.StatusCompleted, task.Status)
}

func TestClaimableFromMatchesWorkerRuntimeContract(t *testing.T) {
	require.ElementsMatch(t, []model.TaskStatus{model.StatusPending, model.StatusRetrying}, ClaimableFrom())
}

func TestStaleClaimCutoff(t *testing.T) {
	now := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	cutoff := StaleClaimCutoff(now, 5*time.Minute)
	require.Equal(t, now.Add(-10*time.Minute), cutoff)
}
