package workflow

import (
	"context"
	"fmt"

	"github.com/msageha/phasegraph/internal/events"
	"github.com/msageha/phasegraph/internal/model"
	"github.com/msageha/phasegraph/internal/store"
)

const (
	opCreateBranch   = "create_branch"
	opAttachTask     = "attach_task"
	opMergeBranch    = "merge_branch"
	opAbandonBranch  = "abandon_branch"
	opCompleteBranch = "complete_branch"
	opGetBranch      = "get_branch"
)

// BranchManager manages speculative sub-graphs of tasks. It shares the
// engine's store, execution locks and event sink, so branch transitions and
// task mutations of one execution are serialized together.
type BranchManager struct {
	engine *Engine
}

func NewBranchManager(e *Engine) *BranchManager {
	return &BranchManager{engine: e}
}

func branchPayload(b model.Branch) map[string]interface{} {
	p := map[string]interface{}{
		"branch_id":        b.ID,
		"execution_id":     b.ExecutionID,
		"status":           string(b.Status),
		"origin_discovery": b.OriginDiscovery,
	}
	if b.Summary != "" {
		p["summary"] = b.Summary
	}
	if b.Reason != "" {
		p["reason"] = b.Reason
	}
	return p
}

// CreateBranch opens an active branch for a discovery.
func (m *BranchManager) CreateBranch(ctx context.Context, executionID, originDiscovery string) (model.Branch, error) {
	e := m.engine
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	var ve ValidationErrors
	if executionID == "" {
		ve.Add("execution_id", "required")
	}
	if originDiscovery == "" {
		ve.Add("origin_discovery", "required")
	}
	if err := ve.asError(opCreateBranch); err != nil {
		return model.Branch{}, e.fail(opCreateBranch, "", err)
	}
	if err := e.checkCorrupted(opCreateBranch, executionID); err != nil {
		return model.Branch{}, e.fail(opCreateBranch, "", err)
	}
	unlock, err := e.lockExecution(ctx, executionID)
	if err != nil {
		return model.Branch{}, e.fail(opCreateBranch, executionID, err)
	}
	defer unlock()

	id, err := e.newID(model.IDTypeBranch)
	if err != nil {
		return model.Branch{}, e.fail(opCreateBranch, executionID, fmt.Errorf("generate branch id: %w", err))
	}
	b := model.Branch{
		ID:              id,
		ExecutionID:     executionID,
		Status:          model.BranchStatusActive,
		OriginDiscovery: originDiscovery,
		CreatedAt:       e.now(),
	}
	err = e.store.Update(ctx, func(tx store.Tx) error {
		return tx.InsertBranch(b)
	})
	if err != nil {
		return model.Branch{}, e.fail(opCreateBranch, executionID, err)
	}

	e.logger.Infof("branch_created branch=%s execution=%s", b.ID, executionID)
	e.emit(events.EventBranchCreated, branchPayload(b))
	return b, nil
}

// SpawnTaskInBranch is SpawnTask with the branch tag set. ExecutionID
// defaults to the branch's execution.
func (m *BranchManager) SpawnTaskInBranch(ctx context.Context, branchID string, req SpawnRequest) (model.Task, error) {
	if branchID == "" {
		return model.Task{}, m.engine.fail(opSpawnTask, "", newError(opSpawnTask, ErrInvalidRequest, "branch_id: required"))
	}
	if req.ExecutionID == "" {
		b, err := m.GetBranch(ctx, branchID)
		if err != nil {
			return model.Task{}, err
		}
		req.ExecutionID = b.ExecutionID
	}
	req.BranchID = branchID
	return m.engine.SpawnTask(ctx, req)
}

// branchOp resolves the branch's execution, takes its lock and runs fn in
// one transaction with the branch re-read and required to be active. A
// non-empty target is checked against the branch transition table.
func (m *BranchManager) branchOp(ctx context.Context, op, branchID string, target model.BranchStatus, fn func(tx store.Tx, b *model.Branch) error) (model.Branch, error) {
	e := m.engine
	if branchID == "" {
		return model.Branch{}, e.fail(op, "", newError(op, ErrInvalidRequest, "branch_id: required"))
	}

	var executionID string
	err := e.store.View(ctx, func(tx store.Reader) error {
		b, err := getBranch(tx, op, branchID)
		executionID = b.ExecutionID
		return err
	})
	if err != nil {
		return model.Branch{}, e.fail(op, "", err)
	}
	if err := e.checkCorrupted(op, executionID); err != nil {
		return model.Branch{}, e.fail(op, "", err)
	}
	unlock, err := e.lockExecution(ctx, executionID)
	if err != nil {
		return model.Branch{}, e.fail(op, executionID, err)
	}
	defer unlock()

	var out model.Branch
	err = e.store.Update(ctx, func(tx store.Tx) error {
		b, err := getBranch(tx, op, branchID)
		if err != nil {
			return err
		}
		if b.Status != model.BranchStatusActive {
			return newError(op, ErrInvalidBranchState, fmt.Sprintf("branch is %s", b.Status), b.ID)
		}
		if target != "" {
			if err := model.ValidateBranchTransition(b.Status, target); err != nil {
				return newError(op, ErrInvalidBranchState, err.Error(), b.ID)
			}
		}
		if err := fn(tx, &b); err != nil {
			return err
		}
		if err := e.verify(tx, op, executionID); err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return model.Branch{}, e.fail(op, executionID, err)
	}
	return out, nil
}

func incomplete(tasks []model.Task) []string {
	var ids []string
	for _, t := range tasks {
		if t.Status != model.StatusCompleted {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

// AttachTask moves an existing trunk task of the same execution into an active branch.
func (m *BranchManager) AttachTask(ctx context.Context, branchID, taskID string) (model.Task, error) {
	e := m.engine
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	if taskID == "" {
		return model.Task{}, e.fail(opAttachTask, "", newError(opAttachTask, ErrInvalidRequest, "task_id: required"))
	}
	var attached model.Task
	changed := false
	_, err := m.branchOp(ctx, opAttachTask, branchID, "", func(tx store.Tx, b *model.Branch) error {
		t, err := getTask(tx, opAttachTask, taskID)
		if err != nil {
			return err
		}
		switch {
		case t.ExecutionID != b.ExecutionID:
			return newError(opAttachTask, ErrInvalidRequest, "task belongs to execution "+t.ExecutionID, taskID)
		case t.BranchID == b.ID:
			attached = t
			return nil
		case !t.InTrunk():
			return newError(opAttachTask, ErrInvalidRequest, "task already belongs to branch "+t.BranchID, taskID)
		}
		t.BranchID = b.ID
		t.UpdatedAt = e.now()
		if err := tx.UpdateTask(t); err != nil {
			return err
		}
		attached = t
		changed = true
		return nil
	})
	if err != nil {
		return model.Task{}, err
	}
	if changed {
		e.logger.Infof("task_attached task=%s branch=%s", taskID, branchID)
		e.emit(events.EventTaskAttached, taskPayload(attached))
	}
	return attached, nil
}

// MergeBranch requires every branch task to be completed.
func (m *BranchManager) MergeBranch(ctx context.Context, branchID, summary string) (model.Branch, error) {
	e := m.engine
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	var count int
	b, err := m.branchOp(ctx, opMergeBranch, branchID, model.BranchStatusMerged, func(tx store.Tx, b *model.Branch) error {
		tasks, err := tx.ListTasks(b.ExecutionID, store.TaskFilter{BranchID: b.ID})
		if err != nil {
			return err
		}
		if pending := incomplete(tasks); len(pending) > 0 {
			return newError(opMergeBranch, ErrBranchNotReady, fmt.Sprintf("%d of %d tasks not completed", len(pending), len(tasks)), pending...)
		}
		count = len(tasks)
		now := e.now()
		b.Status = model.BranchStatusMerged
		b.Summary = summary
		b.ResolvedAt = &now
		return tx.UpdateBranch(*b)
	})
	if err != nil {
		return model.Branch{}, err
	}

	e.logger.Infof("branch_merged branch=%s execution=%s tasks=%d", b.ID, b.ExecutionID, count)
	p := branchPayload(b)
	p["task_count"] = count
	e.emit(events.EventBranchMerged, p)
	return b, nil
}

// AbandonBranch fails the branch's pending and blocked tasks with an
// annotation, in the same transaction as the branch change. In-progress
// tasks are left to their owners.
func (m *BranchManager) AbandonBranch(ctx context.Context, branchID, reason string) (model.Branch, error) {
	e := m.engine
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	var failed []model.Task
	var previous []model.Status
	b, err := m.branchOp(ctx, opAbandonBranch, branchID, model.BranchStatusAbandoned, func(tx store.Tx, b *model.Branch) error {
		tasks, err := tx.ListTasks(b.ExecutionID, store.TaskFilter{BranchID: b.ID})
		if err != nil {
			return err
		}
		now := e.now()
		for _, t := range tasks {
			if t.Status != model.StatusPending && t.Status != model.StatusBlocked {
				continue
			}
			previous = append(previous, t.Status)
			t.Status = model.StatusFailed
			t.Annotation = fmt.Sprintf("abandoned with branch %s: %s", b.ID, reason)
			t.UpdatedAt = now
			if err := tx.UpdateTask(t); err != nil {
				return err
			}
			failed = append(failed, t)
		}
		b.Status = model.BranchStatusAbandoned
		b.Reason = reason
		b.ResolvedAt = &now
		return tx.UpdateBranch(*b)
	})
	if err != nil {
		return model.Branch{}, err
	}

	e.logger.Infof("branch_abandoned branch=%s execution=%s failed_tasks=%d reason=%q", b.ID, b.ExecutionID, len(failed), reason)
	ids := make([]string, len(failed))
	for i, t := range failed {
		ids[i] = t.ID
		p := taskPayload(t)
		p["from"] = string(previous[i])
		p["to"] = string(t.Status)
		p["annotation"] = t.Annotation
		e.emit(events.EventTaskStatusChanged, p)
	}
	p := branchPayload(b)
	p["failed_tasks"] = ids
	e.emit(events.EventBranchAbandoned, p)
	return b, nil
}

// CompleteBranch resolves a branch whose work needs no trunk merge. Like a
// merge it requires every branch task to be completed.
func (m *BranchManager) CompleteBranch(ctx context.Context, branchID string) (model.Branch, error) {
	e := m.engine
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	b, err := m.branchOp(ctx, opCompleteBranch, branchID, model.BranchStatusCompleted, func(tx store.Tx, b *model.Branch) error {
		tasks, err := tx.ListTasks(b.ExecutionID, store.TaskFilter{BranchID: b.ID})
		if err != nil {
			return err
		}
		if pending := incomplete(tasks); len(pending) > 0 {
			return newError(opCompleteBranch, ErrBranchNotReady, fmt.Sprintf("%d of %d tasks not completed", len(pending), len(tasks)), pending...)
		}
		now := e.now()
		b.Status = model.BranchStatusCompleted
		b.ResolvedAt = &now
		return tx.UpdateBranch(*b)
	})
	if err != nil {
		return model.Branch{}, err
	}

	e.logger.Infof("branch_completed branch=%s execution=%s", b.ID, b.ExecutionID)
	e.emit(events.EventBranchCompleted, branchPayload(b))
	return b, nil
}

func (m *BranchManager) GetBranch(ctx context.Context, branchID string) (model.Branch, error) {
	e := m.engine
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	var b model.Branch
	err := e.store.View(ctx, func(tx store.Reader) error {
		var err error
		b, err = getBranch(tx, opGetBranch, branchID)
		return err
	})
	if err != nil {
		return model.Branch{}, e.fail(opGetBranch, "", err)
	}
	return b, nil
}

func (m *BranchManager) ListBranches(ctx context.Context, executionID string) ([]model.Branch, error) {
	e := m.engine
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	var out []model.Branch
	err := e.store.View(ctx, func(tx store.Reader) error {
		var err error
		out, err = tx.ListBranches(executionID)
		return err
	})
	if err != nil {
		return nil, e.fail("list_branches", "", err)
	}
	return out, nil
}
