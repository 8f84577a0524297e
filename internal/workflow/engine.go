// Package workflow implements the phase-based task graph engine: task
// spawning with dependency validation, the task status state machine with
// cascading unblocks, and workflow branches.
//
// Every structural mutation of an execution runs under that execution's
// lock and inside one store transaction, and is followed by a full graph
// check. Events are emitted only after the transaction commits.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/msageha/phasegraph/internal/events"
	"github.com/msageha/phasegraph/internal/lock"
	"github.com/msageha/phasegraph/internal/logging"
	"github.com/msageha/phasegraph/internal/model"
	"github.com/msageha/phasegraph/internal/store"
)

const (
	opSpawnTask        = "spawn_task"
	opUpdateTaskStatus = "update_task_status"
	opAddDependency    = "add_dependency"
	opGetTask          = "get_task"
	opListTasks        = "get_tasks_for_execution"
)

const DefaultOpTimeout = 5 * time.Second

// SpawnRequest proposes a new task. BlockedBy ids must already exist in the
// same execution. A non-empty IdempotencyKey makes retries return the task
// created by the first successful call.
type SpawnRequest struct {
	ExecutionID    string      `json:"execution_id" yaml:"execution_id"`
	Title          string      `json:"title" yaml:"title"`
	Description    string      `json:"description,omitempty" yaml:"description,omitempty"`
	Rationale      string      `json:"rationale,omitempty" yaml:"rationale,omitempty"`
	Phase          model.Phase `json:"phase" yaml:"phase"`
	SpawnedBy      string      `json:"spawned_by" yaml:"spawned_by"`
	BlockedBy      []string    `json:"blocked_by,omitempty" yaml:"blocked_by,omitempty"`
	BranchID       string      `json:"branch_id,omitempty" yaml:"branch_id,omitempty"`
	IdempotencyKey string      `json:"idempotency_key,omitempty" yaml:"idempotency_key,omitempty"`
}

func (r *SpawnRequest) validate() error {
	var ve ValidationErrors
	if r.ExecutionID == "" {
		ve.Add("execution_id", "required")
	}
	if r.Title == "" {
		ve.Add("title", "required")
	}
	if r.SpawnedBy == "" {
		ve.Add("spawned_by", "required")
	}
	for i, dep := range r.BlockedBy {
		if dep == "" {
			ve.Add(fmt.Sprintf("blocked_by[%d]", i), "empty task id")
		}
	}
	if err := ve.asError(opSpawnTask); err != nil {
		return err
	}
	if !r.Phase.Valid() {
		return newError(opSpawnTask, ErrInvalidPhase, fmt.Sprintf("%q is not one of investigation, building, validation", r.Phase))
	}
	return nil
}

type Engine struct {
	store     store.Store
	resolver  *Resolver
	locks     *lock.MutexMap
	emitter   events.Emitter
	logger    *logging.Logger
	now       func() time.Time
	newID     func(model.IDType) (string, error)
	opTimeout time.Duration
	onError   func(op string, err error)

	corruptMu sync.RWMutex
	corrupted map[string]string
}

type Option func(*Engine)

func WithEmitter(e events.Emitter) Option {
	return func(en *Engine) { en.emitter = e }
}

func WithLogger(l *logging.Logger) Option {
	return func(en *Engine) { en.logger = l.Component("engine") }
}

func WithClock(now func() time.Time) Option {
	return func(en *Engine) { en.now = now }
}

func WithIDGenerator(fn func(model.IDType) (string, error)) Option {
	return func(en *Engine) { en.newID = fn }
}

// WithOpTimeout bounds lock wait plus store work for each operation.
func WithOpTimeout(d time.Duration) Option {
	return func(en *Engine) { en.opTimeout = d }
}

// WithErrorObserver is called for every failed operation, after classification.
func WithErrorObserver(fn func(op string, err error)) Option {
	return func(en *Engine) { en.onError = fn }
}

func NewEngine(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:     s,
		resolver:  NewResolver(s),
		locks:     lock.NewMutexMap(),
		emitter:   events.Discard,
		logger:    logging.Discard(),
		now:       func() time.Time { return time.Now().UTC() },
		opTimeout: DefaultOpTimeout,
		corrupted: make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.newID == nil {
		e.newID = model.NewIDGenerator(e.now)
	}
	return e
}

func (e *Engine) Resolver() *Resolver {
	return e.resolver
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.opTimeout)
}

// lockExecution serializes structural mutations of one execution.
func (e *Engine) lockExecution(ctx context.Context, executionID string) (func(), error) {
	if err := e.locks.LockContext(ctx, executionID); err != nil {
		return nil, store.Timeout("acquire execution lock", err)
	}
	return func() { e.locks.Unlock(executionID) }, nil
}

func (e *Engine) checkCorrupted(op, executionID string) error {
	e.corruptMu.RLock()
	detail, bad := e.corrupted[executionID]
	e.corruptMu.RUnlock()
	if bad {
		return newError(op, ErrGraphCorruption, "execution is quarantined: "+detail, executionID)
	}
	return nil
}

// Corrupted reports whether mutations of executionID are refused.
func (e *Engine) Corrupted(executionID string) bool {
	e.corruptMu.RLock()
	defer e.corruptMu.RUnlock()
	_, bad := e.corrupted[executionID]
	return bad
}

func (e *Engine) markCorrupted(executionID, detail string) {
	e.corruptMu.Lock()
	_, already := e.corrupted[executionID]
	e.corrupted[executionID] = detail
	e.corruptMu.Unlock()
	if already {
		return
	}
	e.logger.Errorf("graph_corruption execution=%s detail=%q", executionID, detail)
	e.emit(events.EventGraphCorruption, map[string]interface{}{
		"execution_id": executionID,
		"detail":       detail,
	})
}

// verify re-reads the execution inside tx and checks acyclicity and the
// blocked-iff-unmet invariant. A failure aborts the transaction.
func (e *Engine) verify(tx store.Reader, op, executionID string) error {
	g, err := loadGraph(tx, executionID)
	if err != nil {
		return err
	}
	if _, err := g.Validate(); err != nil {
		return newError(op, ErrGraphCorruption, err.Error(), executionID)
	}
	if bad := g.CheckBlockedInvariant(); len(bad) > 0 {
		return newError(op, ErrGraphCorruption, "blocked status disagrees with dependencies", bad...)
	}
	return nil
}

// fail normalizes an operation error, records corruption, and notifies the observer.
func (e *Engine) fail(op, executionID string, err error) error {
	var we *Error
	if !errors.As(err, &we) {
		err = fmt.Errorf("%s: %w", op, err)
	}
	switch Classify(err) {
	case ClassCorruption:
		if executionID != "" {
			e.markCorrupted(executionID, err.Error())
		}
	case ClassInfrastructure:
		e.logger.Warnf("%s failed execution=%s err=%v", op, executionID, err)
	default:
		e.logger.Debugf("%s rejected execution=%s err=%v", op, executionID, err)
	}
	if e.onError != nil {
		e.onError(op, err)
	}
	return err
}

// emit never lets a sink failure reach the caller.
func (e *Engine) emit(eventType events.EventType, data map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorf("emit %s panicked: %v", eventType, r)
		}
	}()
	e.emitter.Emit(eventType, data)
}

func taskPayload(t model.Task) map[string]interface{} {
	p := map[string]interface{}{
		"task_id":      t.ID,
		"execution_id": t.ExecutionID,
		"title":        t.Title,
		"phase":        string(t.Phase),
		"status":       string(t.Status),
		"spawned_by":   t.SpawnedBy,
		"blocked_by":   slices.Clone(t.BlockedBy),
	}
	if t.BranchID != "" {
		p["branch_id"] = t.BranchID
	}
	return p
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func getTask(tx store.Reader, op, id string) (model.Task, error) {
	t, err := tx.GetTask(id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Task{}, newError(op, ErrTaskNotFound, "", id)
	}
	return t, err
}

func getBranch(tx store.Reader, op, id string) (model.Branch, error) {
	b, err := tx.GetBranch(id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Branch{}, newError(op, ErrBranchNotFound, "", id)
	}
	return b, err
}

// checkTaskMutable refuses changes to tasks of merged or abandoned branches.
func checkTaskMutable(tx store.Reader, op string, t model.Task) error {
	if t.InTrunk() {
		return nil
	}
	b, err := getBranch(tx, op, t.BranchID)
	if err != nil {
		return err
	}
	if model.IsBranchFrozen(b.Status) {
		return newError(op, ErrInvalidBranchState, fmt.Sprintf("task belongs to %s branch %s", b.Status, b.ID), t.ID)
	}
	return nil
}

// checkStatusChange is checkTaskMutable with one exception: the owner of an
// in-progress task in an abandoned branch may still complete or fail it.
func checkStatusChange(tx store.Reader, op string, t model.Task, to model.Status) error {
	if t.InTrunk() || t.Status != model.StatusInProgress || (to != model.StatusCompleted && to != model.StatusFailed) {
		return checkTaskMutable(tx, op, t)
	}
	b, err := getBranch(tx, op, t.BranchID)
	if err != nil {
		return err
	}
	if b.Status == model.BranchStatusAbandoned {
		return nil
	}
	return checkTaskMutable(tx, op, t)
}

// executionOf resolves the owning execution of a task without locking.
func (e *Engine) executionOf(ctx context.Context, op, taskID string) (string, error) {
	var executionID string
	err := e.store.View(ctx, func(tx store.Reader) error {
		t, err := getTask(tx, op, taskID)
		executionID = t.ExecutionID
		return err
	})
	return executionID, err
}

// SpawnTask creates a task whose initial status is pending when all
// dependencies are completed and blocked otherwise.
func (e *Engine) SpawnTask(ctx context.Context, req SpawnRequest) (model.Task, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	if err := req.validate(); err != nil {
		return model.Task{}, e.fail(opSpawnTask, req.ExecutionID, err)
	}
	if err := e.checkCorrupted(opSpawnTask, req.ExecutionID); err != nil {
		return model.Task{}, e.fail(opSpawnTask, "", err)
	}
	unlock, err := e.lockExecution(ctx, req.ExecutionID)
	if err != nil {
		return model.Task{}, e.fail(opSpawnTask, req.ExecutionID, err)
	}
	defer unlock()

	blockedBy := dedupe(req.BlockedBy)
	var created model.Task
	replayed := false
	err = e.store.Update(ctx, func(tx store.Tx) error {
		if req.IdempotencyKey != "" {
			id, err := tx.LookupIdempotencyKey(req.ExecutionID, req.IdempotencyKey)
			if err == nil {
				created, err = tx.GetTask(id)
				replayed = true
				return err
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		if req.BranchID != "" {
			b, err := getBranch(tx, opSpawnTask, req.BranchID)
			if err != nil {
				return err
			}
			if b.ExecutionID != req.ExecutionID {
				return newError(opSpawnTask, ErrInvalidRequest, "branch belongs to execution "+b.ExecutionID, b.ID)
			}
			if b.Status != model.BranchStatusActive {
				return newError(opSpawnTask, ErrInvalidBranchState, fmt.Sprintf("branch is %s", b.Status), b.ID)
			}
		}

		g, err := loadGraph(tx, req.ExecutionID)
		if err != nil {
			return err
		}
		var unknown []string
		for _, dep := range blockedBy {
			if !g.Has(dep) {
				unknown = append(unknown, dep)
			}
		}
		if len(unknown) > 0 {
			return newError(opSpawnTask, ErrUnknownDependency, "not found in execution "+req.ExecutionID, unknown...)
		}

		id, err := e.newID(model.IDTypeTask)
		if err != nil {
			return fmt.Errorf("generate task id: %w", err)
		}
		if g.WouldCreateCycle(blockedBy, id) {
			return newError(opSpawnTask, ErrCyclicDependency, "", append([]string{id}, blockedBy...)...)
		}

		now := e.now()
		task := model.Task{
			ID:             id,
			ExecutionID:    req.ExecutionID,
			Title:          req.Title,
			Description:    req.Description,
			Rationale:      req.Rationale,
			Phase:          req.Phase,
			BranchID:       req.BranchID,
			SpawnedBy:      req.SpawnedBy,
			IdempotencyKey: req.IdempotencyKey,
			BlockedBy:      blockedBy,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		task.Status = g.DerivedStatus(task)
		if err := tx.InsertTask(task); err != nil {
			return err
		}
		if req.IdempotencyKey != "" {
			if err := tx.PutIdempotencyKey(req.ExecutionID, req.IdempotencyKey, id); err != nil {
				return err
			}
		}
		if err := e.verify(tx, opSpawnTask, req.ExecutionID); err != nil {
			return err
		}
		created, err = tx.GetTask(id)
		return err
	})
	if err != nil {
		return model.Task{}, e.fail(opSpawnTask, req.ExecutionID, err)
	}
	if replayed {
		e.logger.Debugf("spawn_replayed task=%s key=%s", created.ID, req.IdempotencyKey)
		return created, nil
	}

	e.logger.Infof("task_spawned task=%s execution=%s phase=%s status=%s blocked_by=%v",
		created.ID, created.ExecutionID, created.Phase, created.Status, created.BlockedBy)
	e.emit(events.EventTaskSpawned, taskPayload(created))
	return created, nil
}

// UpdateTaskStatus applies an explicit transition. Requesting the status a
// task already has is a successful no-op. Completing a task moves every
// dependent whose dependencies are now all completed from blocked to
// pending in the same transaction.
func (e *Engine) UpdateTaskStatus(ctx context.Context, taskID string, newStatus model.Status) (model.Task, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	if taskID == "" {
		return model.Task{}, e.fail(opUpdateTaskStatus, "", newError(opUpdateTaskStatus, ErrInvalidRequest, "task_id: required"))
	}
	if !newStatus.Valid() {
		return model.Task{}, e.fail(opUpdateTaskStatus, "", newError(opUpdateTaskStatus, ErrInvalidTransition, fmt.Sprintf("unknown status %q", newStatus), taskID))
	}
	executionID, err := e.executionOf(ctx, opUpdateTaskStatus, taskID)
	if err != nil {
		return model.Task{}, e.fail(opUpdateTaskStatus, "", err)
	}
	if err := e.checkCorrupted(opUpdateTaskStatus, executionID); err != nil {
		return model.Task{}, e.fail(opUpdateTaskStatus, "", err)
	}
	unlock, err := e.lockExecution(ctx, executionID)
	if err != nil {
		return model.Task{}, e.fail(opUpdateTaskStatus, executionID, err)
	}
	defer unlock()

	var (
		before    model.Task
		after     model.Task
		unblocked []model.Task
		noop      bool
	)
	err = e.store.Update(ctx, func(tx store.Tx) error {
		cur, err := getTask(tx, opUpdateTaskStatus, taskID)
		if err != nil {
			return err
		}
		before = cur
		if cur.Status == newStatus {
			after, noop = cur, true
			return nil
		}
		if err := checkStatusChange(tx, opUpdateTaskStatus, cur, newStatus); err != nil {
			return err
		}

		g, err := loadGraph(tx, executionID)
		if err != nil {
			return err
		}
		if newStatus == model.StatusInProgress && (cur.Status == model.StatusBlocked || cur.Status == model.StatusPending) {
			if unmet := g.Unmet(cur); len(unmet) > 0 {
				return newError(opUpdateTaskStatus, ErrTaskBlocked, "waiting on "+fmt.Sprint(unmet), taskID)
			}
		}
		if err := model.ValidateTaskTransition(cur.Status, newStatus); err != nil {
			return newError(opUpdateTaskStatus, ErrInvalidTransition, err.Error(), taskID)
		}

		next := cur
		next.Status = newStatus
		next.UpdatedAt = e.now()
		if newStatus == model.StatusPending {
			// retry: dependencies cannot have regressed, but re-derive anyway
			next.Status = g.DerivedStatus(cur)
		}
		if err := tx.UpdateTask(next); err != nil {
			return err
		}

		if newStatus == model.StatusCompleted {
			post := g.WithTask(next)
			for _, depID := range post.Dependents(taskID) {
				dep, _ := post.Task(depID)
				if dep.Status != model.StatusBlocked || !post.IsUnblocked(dep) {
					continue
				}
				dep.Status = model.StatusPending
				dep.UpdatedAt = next.UpdatedAt
				if err := tx.UpdateTask(dep); err != nil {
					return err
				}
				unblocked = append(unblocked, dep)
			}
		}

		if err := e.verify(tx, opUpdateTaskStatus, executionID); err != nil {
			return err
		}
		after, err = tx.GetTask(taskID)
		return err
	})
	if err != nil {
		return model.Task{}, e.fail(opUpdateTaskStatus, executionID, err)
	}
	if noop {
		return after, nil
	}

	e.logger.Infof("task_status_changed task=%s execution=%s from=%s to=%s unblocked=%d",
		taskID, executionID, before.Status, after.Status, len(unblocked))
	payload := taskPayload(after)
	payload["from"] = string(before.Status)
	payload["to"] = string(after.Status)
	e.emit(events.EventTaskStatusChanged, payload)
	for _, u := range unblocked {
		p := taskPayload(u)
		p["unblocked_by"] = taskID
		e.emit(events.EventTaskUnblocked, p)
	}
	return after, nil
}

// AddDependency appends blocked_by edges to a task that has not started.
// Edges are additive only; a pending task with a new unmet dependency
// becomes blocked.
func (e *Engine) AddDependency(ctx context.Context, taskID string, blockedBy []string) (model.Task, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	var ve ValidationErrors
	if taskID == "" {
		ve.Add("task_id", "required")
	}
	if len(blockedBy) == 0 {
		ve.Add("blocked_by", "at least one dependency is required")
	}
	if err := ve.asError(opAddDependency); err != nil {
		return model.Task{}, e.fail(opAddDependency, "", err)
	}
	executionID, err := e.executionOf(ctx, opAddDependency, taskID)
	if err != nil {
		return model.Task{}, e.fail(opAddDependency, "", err)
	}
	if err := e.checkCorrupted(opAddDependency, executionID); err != nil {
		return model.Task{}, e.fail(opAddDependency, "", err)
	}
	unlock, err := e.lockExecution(ctx, executionID)
	if err != nil {
		return model.Task{}, e.fail(opAddDependency, executionID, err)
	}
	defer unlock()

	var (
		before, after model.Task
		added         []string
	)
	err = e.store.Update(ctx, func(tx store.Tx) error {
		cur, err := getTask(tx, opAddDependency, taskID)
		if err != nil {
			return err
		}
		before = cur
		if err := checkTaskMutable(tx, opAddDependency, cur); err != nil {
			return err
		}
		if cur.Status != model.StatusPending && cur.Status != model.StatusBlocked {
			return newError(opAddDependency, ErrInvalidTransition,
				fmt.Sprintf("dependencies can only be added before a task starts (status %s)", cur.Status), taskID)
		}

		g, err := loadGraph(tx, executionID)
		if err != nil {
			return err
		}
		var unknown []string
		for _, dep := range dedupe(blockedBy) {
			switch {
			case dep == taskID:
				return newError(opAddDependency, ErrCyclicDependency, "task cannot depend on itself", taskID)
			case !g.Has(dep):
				unknown = append(unknown, dep)
			case !slices.Contains(cur.BlockedBy, dep):
				added = append(added, dep)
			}
		}
		if len(unknown) > 0 {
			return newError(opAddDependency, ErrUnknownDependency, "not found in execution "+executionID, unknown...)
		}
		if len(added) == 0 {
			after = cur
			return nil
		}
		if g.WouldCreateCycle(added, taskID) {
			return newError(opAddDependency, ErrCyclicDependency, "", append([]string{taskID}, added...)...)
		}
		if err := tx.AddDependencies(taskID, added); err != nil {
			return err
		}

		next := cur
		next.BlockedBy = append(slices.Clone(cur.BlockedBy), added...)
		if derived := g.DerivedStatus(next); derived != cur.Status {
			next.Status = derived
			next.UpdatedAt = e.now()
			if err := tx.UpdateTask(next); err != nil {
				return err
			}
		}
		if err := e.verify(tx, opAddDependency, executionID); err != nil {
			return err
		}
		after, err = tx.GetTask(taskID)
		return err
	})
	if err != nil {
		return model.Task{}, e.fail(opAddDependency, executionID, err)
	}
	if len(added) == 0 {
		return after, nil
	}

	e.logger.Infof("task_dependency_added task=%s execution=%s added=%v status=%s", taskID, executionID, added, after.Status)
	p := taskPayload(after)
	p["added"] = added
	e.emit(events.EventDependencyAdded, p)
	if after.Status != before.Status {
		sp := taskPayload(after)
		sp["from"] = string(before.Status)
		sp["to"] = string(after.Status)
		e.emit(events.EventTaskStatusChanged, sp)
	}
	return after, nil
}

// GetTask reads one task. It is the recovery path for callers whose
// mutation timed out with an unknown outcome.
func (e *Engine) GetTask(ctx context.Context, taskID string) (model.Task, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	var t model.Task
	err := e.store.View(ctx, func(tx store.Reader) error {
		var err error
		t, err = getTask(tx, opGetTask, taskID)
		return err
	})
	if err != nil {
		return model.Task{}, e.fail(opGetTask, "", err)
	}
	return t, nil
}

// GetTasksForExecution returns tasks with both edge directions filled from
// one batched read. Empty filter fields match everything.
func (e *Engine) GetTasksForExecution(ctx context.Context, executionID string, filter store.TaskFilter) ([]model.Task, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	if filter.Phase != "" && !filter.Phase.Valid() {
		return nil, e.fail(opListTasks, "", newError(opListTasks, ErrInvalidPhase, fmt.Sprintf("%q", filter.Phase)))
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, e.fail(opListTasks, "", newError(opListTasks, ErrInvalidRequest, fmt.Sprintf("unknown status %q", filter.Status)))
	}
	var tasks []model.Task
	err := e.store.View(ctx, func(tx store.Reader) error {
		var err error
		tasks, err = tx.ListTasks(executionID, filter)
		return err
	})
	if err != nil {
		return nil, e.fail(opListTasks, "", err)
	}
	return tasks, nil
}

func (e *Engine) GetExecutableTasks(ctx context.Context, executionID string) ([]model.Task, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	tasks, err := e.resolver.GetExecutableTasks(ctx, executionID)
	if err != nil {
		return nil, e.fail("get_executable_tasks", "", err)
	}
	return tasks, nil
}

// GetBlockedTasks lists blocked tasks with the unmet subset of their dependencies.
func (e *Engine) GetBlockedTasks(ctx context.Context, executionID string) ([]model.BlockedTask, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	blocked, err := e.resolver.BlockedTasks(ctx, executionID)
	if err != nil {
		return nil, e.fail("get_blocked_tasks", "", err)
	}
	return blocked, nil
}

func (e *Engine) ListExecutions(ctx context.Context) ([]string, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	var ids []string
	err := e.store.View(ctx, func(tx store.Reader) error {
		var err error
		ids, err = tx.ListExecutions()
		return err
	})
	if err != nil {
		return nil, e.fail("list_executions", "", err)
	}
	return ids, nil
}

// CheckExecution runs the full graph validation outside any mutation and
// quarantines the execution when it fails.
func (e *Engine) CheckExecution(ctx context.Context, executionID string) error {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	err := e.store.View(ctx, func(tx store.Reader) error {
		return e.verify(tx, "check_execution", executionID)
	})
	if err != nil {
		return e.fail("check_execution", executionID, err)
	}
	return nil
}
