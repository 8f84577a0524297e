// Package storetest holds the behavioral suite every store.Store implementation must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/phasegraph/internal/model"
	"github.com/msageha/phasegraph/internal/store"
)

// Factory opens a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

var base = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func Run(t *testing.T, open Factory) {
	t.Run("InsertAndGet", func(t *testing.T) { testInsertAndGet(t, open(t)) })
	t.Run("ListTasksFilterAndOrder", func(t *testing.T) { testListTasks(t, open(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, open(t)) })
	t.Run("AddDependencies", func(t *testing.T) { testAddDependencies(t, open(t)) })
	t.Run("Branches", func(t *testing.T) { testBranches(t, open(t)) })
	t.Run("IdempotencyKeys", func(t *testing.T) { testIdempotency(t, open(t)) })
	t.Run("Executions", func(t *testing.T) { testExecutions(t, open(t)) })
	t.Run("CoherenceRecords", func(t *testing.T) { testCoherenceRecords(t, open(t)) })
	t.Run("CanceledContext", func(t *testing.T) { testCanceled(t, open(t)) })
	t.Run("ConcurrentUpdates", func(t *testing.T) { testConcurrentUpdates(t, open(t)) })
	t.Run("Closed", func(t *testing.T) { testClosed(t, open(t)) })
}

func task(exec, id string, offset int, blockedBy ...string) model.Task {
	return model.Task{
		ID:          id,
		ExecutionID: exec,
		Title:       "title " + id,
		Description: "desc " + id,
		Rationale:   "because",
		Phase:       model.PhaseBuilding,
		Status:      model.StatusPending,
		SpawnedBy:   "agent-1",
		BlockedBy:   blockedBy,
		CreatedAt:   base.Add(time.Duration(offset) * time.Millisecond),
		UpdatedAt:   base.Add(time.Duration(offset) * time.Millisecond),
	}
}

func insert(t *testing.T, s store.Store, tasks ...model.Task) {
	t.Helper()
	err := s.Update(context.Background(), func(tx store.Tx) error {
		for _, tk := range tasks {
			if err := tx.InsertTask(tk); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func get(t *testing.T, s store.Store, id string) model.Task {
	t.Helper()
	var out model.Task
	err := s.View(context.Background(), func(r store.Reader) error {
		var err error
		out, err = r.GetTask(id)
		return err
	})
	require.NoError(t, err)
	return out
}

func testInsertAndGet(t *testing.T, s store.Store) {
	a := task("exec_a", "t1", 0)
	b := task("exec_a", "t2", 1, "t1")
	b.Status = model.StatusBlocked
	b.BranchID = "br_1"
	b.IdempotencyKey = "k-2"
	insert(t, s, a, b)

	gotA := get(t, s, "t1")
	assert.Equal(t, "title t1", gotA.Title)
	assert.Equal(t, "desc t1", gotA.Description)
	assert.Equal(t, model.PhaseBuilding, gotA.Phase)
	assert.Empty(t, gotA.BlockedBy)
	assert.Equal(t, []string{"t2"}, gotA.Blocks)
	assert.True(t, gotA.CreatedAt.Equal(a.CreatedAt))

	gotB := get(t, s, "t2")
	assert.Equal(t, model.StatusBlocked, gotB.Status)
	assert.Equal(t, "br_1", gotB.BranchID)
	assert.Equal(t, "k-2", gotB.IdempotencyKey)
	assert.Equal(t, []string{"t1"}, gotB.BlockedBy)
	assert.Empty(t, gotB.Blocks)

	err := s.View(context.Background(), func(r store.Reader) error {
		_, err := r.GetTask("missing")
		return err
	})
	assert.True(t, errors.Is(err, store.ErrNotFound))

	err = s.Update(context.Background(), func(tx store.Tx) error {
		return tx.InsertTask(task("exec_a", "t3", 2, "ghost"))
	})
	assert.Error(t, err, "unknown dependency must be rejected")

	later := base.Add(time.Hour)
	gotB.Status = model.StatusPending
	gotB.Annotation = "note"
	gotB.UpdatedAt = later
	require.NoError(t, s.Update(context.Background(), func(tx store.Tx) error {
		return tx.UpdateTask(gotB)
	}))
	gotB = get(t, s, "t2")
	assert.Equal(t, model.StatusPending, gotB.Status)
	assert.Equal(t, "note", gotB.Annotation)
	assert.True(t, gotB.UpdatedAt.Equal(later))
}

func testListTasks(t *testing.T, s store.Store) {
	t1 := task("exec_a", "t1", 0)
	t1.Phase = model.PhaseInvestigation
	t2 := task("exec_a", "t2", 2, "t1")
	t2.Status = model.StatusBlocked
	t3 := task("exec_a", "t3", 1, "t1")
	t3.Status = model.StatusBlocked
	t3.BranchID = "br_x"
	other := task("exec_b", "o1", 0)
	insert(t, s, t1, t2, t3, other)

	var all, blocked, inBranch, investigation []model.Task
	err := s.View(context.Background(), func(r store.Reader) error {
		var err error
		if all, err = r.ListTasks("exec_a", store.TaskFilter{}); err != nil {
			return err
		}
		if blocked, err = r.ListTasks("exec_a", store.TaskFilter{Status: model.StatusBlocked}); err != nil {
			return err
		}
		if inBranch, err = r.ListTasks("exec_a", store.TaskFilter{BranchID: "br_x"}); err != nil {
			return err
		}
		investigation, err = r.ListTasks("exec_a", store.TaskFilter{Phase: model.PhaseInvestigation})
		return err
	})
	require.NoError(t, err)

	require.Len(t, all, 3)
	assert.Equal(t, []string{"t1", "t3", "t2"}, ids(all), "ordered by creation time")
	assert.ElementsMatch(t, []string{"t2", "t3"}, all[0].Blocks)
	assert.Equal(t, []string{"t1"}, all[1].BlockedBy)

	assert.Equal(t, []string{"t3", "t2"}, ids(blocked))
	assert.Equal(t, []string{"t3"}, ids(inBranch))
	assert.Equal(t, []string{"t1"}, ids(investigation))
	assert.ElementsMatch(t, []string{"t2", "t3"}, investigation[0].Blocks, "edges are complete even when filtered")
}

func testRollback(t *testing.T, s store.Store) {
	insert(t, s, task("exec_a", "t1", 0))
	boom := errors.New("boom")
	err := s.Update(context.Background(), func(tx store.Tx) error {
		if err := tx.InsertTask(task("exec_a", "t2", 1, "t1")); err != nil {
			return err
		}
		cur, err := tx.GetTask("t1")
		if err != nil {
			return err
		}
		cur.Status = model.StatusInProgress
		if err := tx.UpdateTask(cur); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got := get(t, s, "t1")
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Empty(t, got.Blocks)
	err = s.View(context.Background(), func(r store.Reader) error {
		_, err := r.GetTask("t2")
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testAddDependencies(t *testing.T, s store.Store) {
	insert(t, s, task("exec_a", "t1", 0), task("exec_a", "t2", 1), task("exec_a", "t3", 2, "t1"))
	require.NoError(t, s.Update(context.Background(), func(tx store.Tx) error {
		return tx.AddDependencies("t3", []string{"t2", "t1"})
	}))
	got := get(t, s, "t3")
	assert.Equal(t, []string{"t1", "t2"}, got.BlockedBy, "duplicates are ignored and order kept")
	assert.Equal(t, []string{"t3"}, get(t, s, "t2").Blocks)

	err := s.Update(context.Background(), func(tx store.Tx) error {
		return tx.AddDependencies("nope", []string{"t1"})
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testBranches(t *testing.T, s store.Store) {
	b := model.Branch{
		ID:              "br_1",
		ExecutionID:     "exec_a",
		Status:          model.BranchStatusActive,
		OriginDiscovery: "found a second API",
		CreatedAt:       base,
	}
	require.NoError(t, s.Update(context.Background(), func(tx store.Tx) error {
		return tx.InsertBranch(b)
	}))
	err := s.Update(context.Background(), func(tx store.Tx) error {
		return tx.InsertBranch(b)
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	resolved := base.Add(time.Minute)
	b.Status = model.BranchStatusMerged
	b.Summary = "merged back"
	b.ResolvedAt = &resolved
	require.NoError(t, s.Update(context.Background(), func(tx store.Tx) error {
		return tx.UpdateBranch(b)
	}))

	var got model.Branch
	var list []model.Branch
	require.NoError(t, s.View(context.Background(), func(r store.Reader) error {
		var err error
		if got, err = r.GetBranch("br_1"); err != nil {
			return err
		}
		list, err = r.ListBranches("exec_a")
		return err
	}))
	assert.Equal(t, model.BranchStatusMerged, got.Status)
	assert.Equal(t, "merged back", got.Summary)
	assert.Equal(t, "found a second API", got.OriginDiscovery)
	require.NotNil(t, got.ResolvedAt)
	assert.True(t, got.ResolvedAt.Equal(resolved))
	assert.Len(t, list, 1)

	err = s.View(context.Background(), func(r store.Reader) error {
		_, err := r.GetBranch("br_missing")
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testIdempotency(t *testing.T, s store.Store) {
	insert(t, s, task("exec_a", "t1", 0))
	require.NoError(t, s.Update(context.Background(), func(tx store.Tx) error {
		return tx.PutIdempotencyKey("exec_a", "spawn-1", "t1")
	}))
	var id string
	require.NoError(t, s.View(context.Background(), func(r store.Reader) error {
		var err error
		id, err = r.LookupIdempotencyKey("exec_a", "spawn-1")
		return err
	}))
	assert.Equal(t, "t1", id)

	err := s.View(context.Background(), func(r store.Reader) error {
		_, err := r.LookupIdempotencyKey("exec_b", "spawn-1")
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound, "keys are scoped per execution")
}

func testExecutions(t *testing.T, s store.Store) {
	insert(t, s, task("exec_b", "b1", 0), task("exec_a", "a1", 1), task("exec_a", "a2", 2))
	var execs []string
	require.NoError(t, s.View(context.Background(), func(r store.Reader) error {
		var err error
		execs, err = r.ListExecutions()
		return err
	}))
	assert.Equal(t, []string{"exec_a", "exec_b"}, execs)
}

func testCoherenceRecords(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := range 3 {
		require.NoError(t, s.AppendCoherenceRecord(ctx, model.CoherenceRecord{
			ExecutionID:         "exec_a",
			AgentID:             "agent-1",
			Timestamp:           base.Add(time.Duration(i) * time.Second),
			PhaseAlignmentScore: float64(i) / 2,
			Notes:               fmt.Sprintf("n%d", i),
		}))
	}
	require.NoError(t, s.AppendCoherenceRecord(ctx, model.CoherenceRecord{ExecutionID: "exec_b", Timestamp: base}))

	recs, err := s.ListCoherenceRecords(ctx, "exec_a")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "n0", recs[0].Notes)
	assert.InDelta(t, 1.0, recs[2].PhaseAlignmentScore, 1e-9)
}

func testCanceled(t *testing.T, s store.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Update(ctx, func(tx store.Tx) error {
		return tx.InsertTask(task("exec_a", "t1", 0))
	})
	require.Error(t, err)
	assert.True(t, store.IsRetryable(err))

	err = s.View(context.Background(), func(r store.Reader) error {
		_, err := r.GetTask("t1")
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testConcurrentUpdates(t *testing.T, s store.Store) {
	insert(t, s, task("exec_a", "root", 0))
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Update(context.Background(), func(tx store.Tx) error {
				return tx.InsertTask(task("exec_a", fmt.Sprintf("c%02d", i), i+1, "root"))
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, get(t, s, "root").Blocks, 20)
}

func testClosed(t *testing.T, s store.Store) {
	require.NoError(t, s.Close())
	err := s.View(context.Background(), func(r store.Reader) error {
		_, err := r.ListExecutions()
		return err
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func ids(tasks []model.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}
