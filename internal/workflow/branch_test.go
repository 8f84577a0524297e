package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/phasegraph/internal/events"
	"github.com/msageha/phasegraph/internal/model"
	"github.com/msageha/phasegraph/internal/store"
)

func (f *fixture) spawnIn(t *testing.T, branchID, title string, blockedBy ...string) model.Task {
	t.Helper()
	task, err := f.branches.SpawnTaskInBranch(context.Background(), branchID, SpawnRequest{
		Title:     title,
		Phase:     model.PhaseInvestigation,
		SpawnedBy: "agent-2",
		BlockedBy: blockedBy,
	})
	require.NoError(t, err)
	return task
}

func TestBranch_MergeRequiresCompletedTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	br, err := f.branches.CreateBranch(ctx, execID, "cache layer looks promising")
	require.NoError(t, err)
	assert.Equal(t, model.BranchStatusActive, br.Status)
	assert.Nil(t, br.ResolvedAt)

	x := f.spawnIn(t, br.ID, "X")
	y := f.spawnIn(t, br.ID, "Y")
	assert.Equal(t, execID, x.ExecutionID, "execution comes from the branch")
	assert.Equal(t, br.ID, x.BranchID)

	f.complete(t, x.ID)
	_, err = f.branches.MergeBranch(ctx, br.ID, "done")
	require.ErrorIs(t, err, ErrBranchNotReady)
	var we *Error
	require.ErrorAs(t, err, &we)
	assert.Equal(t, []string{y.ID}, we.IDs)

	f.complete(t, y.ID)
	merged, err := f.branches.MergeBranch(ctx, br.ID, "cache adopted")
	require.NoError(t, err)
	assert.Equal(t, model.BranchStatusMerged, merged.Status)
	assert.Equal(t, "cache adopted", merged.Summary)
	require.NotNil(t, merged.ResolvedAt)

	ev := f.rec.OfType(events.EventBranchMerged)
	require.Len(t, ev, 1)
	assert.Equal(t, 2, ev[0].Data["task_count"])

	_, err = f.branches.MergeBranch(ctx, br.ID, "again")
	assert.ErrorIs(t, err, ErrInvalidBranchState)
	_, err = f.branches.AbandonBranch(ctx, br.ID, "late")
	assert.ErrorIs(t, err, ErrInvalidBranchState)
}

func TestBranch_AbandonFailsOutstandingTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	br, err := f.branches.CreateBranch(ctx, execID, "try alternative parser")
	require.NoError(t, err)
	done := f.spawnIn(t, br.ID, "done")
	f.complete(t, done.ID)
	waiting := f.spawnIn(t, br.ID, "waiting")
	running := f.spawnIn(t, br.ID, "running")
	f.setStatus(t, running.ID, model.StatusInProgress)
	blocked := f.spawnIn(t, br.ID, "blocked", running.ID)
	// trunk work downstream of the branch must not be left waiting silently
	trunk := f.spawn(t, "trunk", model.PhaseBuilding, waiting.ID)

	_, err = f.branches.MergeBranch(ctx, br.ID, "")
	require.ErrorIs(t, err, ErrBranchNotReady)

	f.rec.Reset()
	abandoned, err := f.branches.AbandonBranch(ctx, br.ID, "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, model.BranchStatusAbandoned, abandoned.Status)
	assert.Equal(t, "no longer needed", abandoned.Reason)
	require.NotNil(t, abandoned.ResolvedAt)

	w := f.get(t, waiting.ID)
	assert.Equal(t, model.StatusFailed, w.Status)
	assert.Contains(t, w.Annotation, br.ID)
	assert.Contains(t, w.Annotation, "no longer needed")
	assert.Equal(t, model.StatusFailed, f.get(t, blocked.ID).Status)
	assert.Equal(t, model.StatusInProgress, f.get(t, running.ID).Status, "in-flight work is not interrupted")
	assert.Equal(t, model.StatusCompleted, f.get(t, done.ID).Status)
	assert.Equal(t, model.StatusBlocked, f.get(t, trunk.ID).Status)

	assert.Len(t, f.rec.OfType(events.EventBranchAbandoned), 1)
	changed := f.rec.OfType(events.EventTaskStatusChanged)
	require.Len(t, changed, 2)
	for _, ev := range changed {
		assert.Equal(t, "failed", ev.Data["to"])
	}

	// the owner still finishes in-flight work; nothing else may change
	finished, err := f.engine.UpdateTaskStatus(ctx, running.ID, model.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, finished.Status)
	_, err = f.engine.UpdateTaskStatus(ctx, waiting.ID, model.StatusPending)
	assert.ErrorIs(t, err, ErrInvalidBranchState)
	_, err = f.branches.SpawnTaskInBranch(ctx, br.ID, SpawnRequest{Title: "late", Phase: model.PhaseBuilding, SpawnedBy: "agent"})
	assert.ErrorIs(t, err, ErrInvalidBranchState)
	f.assertGraphHealthy(t)
}

func TestBranch_AbandonedInFlightTaskCanFail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	br, err := f.branches.CreateBranch(ctx, execID, "swap the queue")
	require.NoError(t, err)
	running := f.spawnIn(t, br.ID, "running")
	f.setStatus(t, running.ID, model.StatusInProgress)
	downstream := f.spawn(t, "downstream", model.PhaseBuilding, running.ID)

	_, err = f.branches.AbandonBranch(ctx, br.ID, "queue stays")
	require.NoError(t, err)

	failed, err := f.engine.UpdateTaskStatus(ctx, running.ID, model.StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, failed.Status)
	assert.Equal(t, model.StatusBlocked, f.get(t, downstream.ID).Status)

	_, err = f.engine.UpdateTaskStatus(ctx, running.ID, model.StatusPending)
	assert.ErrorIs(t, err, ErrInvalidBranchState, "retry is refused once the branch is abandoned")
	f.assertGraphHealthy(t)
}

func TestBranch_Complete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	br, err := f.branches.CreateBranch(ctx, execID, "investigate flaky test")
	require.NoError(t, err)
	x := f.spawnIn(t, br.ID, "X")

	_, err = f.branches.CompleteBranch(ctx, br.ID)
	require.ErrorIs(t, err, ErrBranchNotReady)

	f.complete(t, x.ID)
	completed, err := f.branches.CompleteBranch(ctx, br.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BranchStatusCompleted, completed.Status)
	assert.Len(t, f.rec.OfType(events.EventBranchCompleted), 1)

	_, err = f.branches.CompleteBranch(ctx, br.ID)
	assert.ErrorIs(t, err, ErrInvalidBranchState)
}

func TestBranch_AttachTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	br, err := f.branches.CreateBranch(ctx, execID, "split the work")
	require.NoError(t, err)
	trunk := f.spawn(t, "trunk", model.PhaseBuilding)

	attached, err := f.branches.AttachTask(ctx, br.ID, trunk.ID)
	require.NoError(t, err)
	assert.Equal(t, br.ID, attached.BranchID)
	assert.Len(t, f.rec.OfType(events.EventTaskAttached), 1)

	_, err = f.branches.AttachTask(ctx, br.ID, trunk.ID)
	require.NoError(t, err, "attaching twice is a no-op")
	assert.Len(t, f.rec.OfType(events.EventTaskAttached), 1)

	other, err := f.branches.CreateBranch(ctx, execID, "another idea")
	require.NoError(t, err)
	_, err = f.branches.AttachTask(ctx, other.ID, trunk.ID)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	foreign, err := f.engine.SpawnTask(ctx, SpawnRequest{ExecutionID: "exec_2", Title: "f", Phase: model.PhaseBuilding, SpawnedBy: "agent"})
	require.NoError(t, err)
	_, err = f.branches.AttachTask(ctx, br.ID, foreign.ID)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.branches.AttachTask(ctx, br.ID, "task_404")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	inBranch, err := f.engine.GetTasksForExecution(ctx, execID, store.TaskFilter{BranchID: br.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{"trunk"}, titles(inBranch))
}

func TestBranch_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.branches.CreateBranch(ctx, "", "why")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.branches.CreateBranch(ctx, execID, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.branches.MergeBranch(ctx, "br_404", "")
	assert.ErrorIs(t, err, ErrBranchNotFound)
	_, err = f.branches.GetBranch(ctx, "br_404")
	assert.ErrorIs(t, err, ErrBranchNotFound)
	_, err = f.branches.SpawnTaskInBranch(ctx, "", SpawnRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	br, err := f.branches.CreateBranch(ctx, execID, "idea")
	require.NoError(t, err)
	_, err = f.engine.SpawnTask(ctx, SpawnRequest{
		ExecutionID: "exec_2", Title: "x", Phase: model.PhaseBuilding, SpawnedBy: "agent", BranchID: br.ID,
	})
	assert.ErrorIs(t, err, ErrInvalidRequest, "branch of another execution")
}

func TestBranch_ListAndGet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.branches.CreateBranch(ctx, execID, "first")
	require.NoError(t, err)
	b, err := f.branches.CreateBranch(ctx, execID, "second")
	require.NoError(t, err)
	_, err = f.branches.CreateBranch(ctx, "exec_2", "elsewhere")
	require.NoError(t, err)
	_, err = f.branches.AbandonBranch(ctx, b.ID, "dead end")
	require.NoError(t, err)

	list, err := f.branches.ListBranches(ctx, execID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, model.BranchStatusAbandoned, list[1].Status)

	got, err := f.branches.GetBranch(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.OriginDiscovery)
	assert.Len(t, f.rec.OfType(events.EventBranchCreated), 3)
}
