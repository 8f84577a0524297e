// Package memstore is an in-process store.Store used by tests and by the
// "memory" store driver. Each Update works on a private copy of the state
// and publishes it on success, so readers always see a committed snapshot.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/msageha/phasegraph/internal/model"
	"github.com/msageha/phasegraph/internal/store"
)

type Store struct {
	writeSem chan struct{}
	mu       sync.RWMutex
	current  *state
	closed   atomic.Bool

	recMu   sync.Mutex
	records []model.CoherenceRecord
}

type state struct {
	tasks      map[string]model.Task // BlockedBy only; Blocks is derived from edges
	blocks     map[string][]string
	execOrder  map[string][]string
	branches   map[string]model.Branch
	execBranch map[string][]string
	idem       map[idemKey]string
}

type idemKey struct {
	exec string
	key  string
}

func New() *Store {
	return &Store{
		writeSem: make(chan struct{}, 1),
		current:  newState(),
	}
}

func newState() *state {
	return &state{
		tasks:      make(map[string]model.Task),
		blocks:     make(map[string][]string),
		execOrder:  make(map[string][]string),
		branches:   make(map[string]model.Branch),
		execBranch: make(map[string][]string),
		idem:       make(map[idemKey]string),
	}
}

func (s *state) clone() *state {
	c := &state{
		tasks:      make(map[string]model.Task, len(s.tasks)),
		blocks:     make(map[string][]string, len(s.blocks)),
		execOrder:  make(map[string][]string, len(s.execOrder)),
		branches:   make(map[string]model.Branch, len(s.branches)),
		execBranch: make(map[string][]string, len(s.execBranch)),
		idem:       make(map[idemKey]string, len(s.idem)),
	}
	for k, v := range s.tasks {
		c.tasks[k] = v.Clone()
	}
	for k, v := range s.blocks {
		c.blocks[k] = slices.Clone(v)
	}
	for k, v := range s.execOrder {
		c.execOrder[k] = slices.Clone(v)
	}
	for k, v := range s.branches {
		c.branches[k] = v
	}
	for k, v := range s.execBranch {
		c.execBranch[k] = slices.Clone(v)
	}
	for k, v := range s.idem {
		c.idem[k] = v
	}
	return c
}

func (s *Store) snapshot() *state {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Store) View(ctx context.Context, fn func(store.Reader) error) error {
	if s.closed.Load() {
		return fmt.Errorf("view: %w", store.ErrUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return store.Timeout("view", err)
	}
	return fn(&tx{st: s.snapshot()})
}

func (s *Store) Update(ctx context.Context, fn func(store.Tx) error) error {
	if s.closed.Load() {
		return fmt.Errorf("update: %w", store.ErrUnavailable)
	}
	select {
	case s.writeSem <- struct{}{}:
	case <-ctx.Done():
		return store.Timeout("update", ctx.Err())
	}
	defer func() { <-s.writeSem }()

	work := s.snapshot().clone()
	if err := fn(&tx{st: work}); err != nil {
		return err
	}
	// a caller that gave up while fn ran must not observe a late commit
	if err := ctx.Err(); err != nil {
		return store.Timeout("update", err)
	}
	s.mu.Lock()
	s.current = work
	s.mu.Unlock()
	return nil
}

func (s *Store) AppendCoherenceRecord(ctx context.Context, rec model.CoherenceRecord) error {
	if s.closed.Load() {
		return fmt.Errorf("append coherence record: %w", store.ErrUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return store.Timeout("append coherence record", err)
	}
	s.recMu.Lock()
	s.records = append(s.records, rec)
	s.recMu.Unlock()
	return nil
}

func (s *Store) ListCoherenceRecords(ctx context.Context, executionID string) ([]model.CoherenceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.Timeout("list coherence records", err)
	}
	s.recMu.Lock()
	defer s.recMu.Unlock()
	var out []model.CoherenceRecord
	for _, r := range s.records {
		if r.ExecutionID == executionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

type tx struct {
	st *state
}

func (t *tx) materialize(task model.Task) model.Task {
	out := task.Clone()
	out.Blocks = slices.Clone(t.st.blocks[task.ID])
	if out.BlockedBy == nil {
		out.BlockedBy = []string{}
	}
	if out.Blocks == nil {
		out.Blocks = []string{}
	}
	return out
}

func (t *tx) GetTask(id string) (model.Task, error) {
	task, ok := t.st.tasks[id]
	if !ok {
		return model.Task{}, store.NotFound("task", id)
	}
	return t.materialize(task), nil
}

func (t *tx) ListTasks(executionID string, f store.TaskFilter) ([]model.Task, error) {
	ids := t.st.execOrder[executionID]
	out := make([]model.Task, 0, len(ids))
	for _, id := range ids {
		task := t.st.tasks[id]
		if f.Match(task) {
			out = append(out, t.materialize(task))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (t *tx) GetBranch(id string) (model.Branch, error) {
	b, ok := t.st.branches[id]
	if !ok {
		return model.Branch{}, store.NotFound("branch", id)
	}
	return b, nil
}

func (t *tx) ListBranches(executionID string) ([]model.Branch, error) {
	ids := t.st.execBranch[executionID]
	out := make([]model.Branch, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.st.branches[id])
	}
	return out, nil
}

func (t *tx) LookupIdempotencyKey(executionID, key string) (string, error) {
	id, ok := t.st.idem[idemKey{executionID, key}]
	if !ok {
		return "", store.NotFound("idempotency key", key)
	}
	return id, nil
}

func (t *tx) ListExecutions() ([]string, error) {
	out := make([]string, 0, len(t.st.execOrder))
	for id := range t.st.execOrder {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (t *tx) InsertTask(task model.Task) error {
	if _, ok := t.st.tasks[task.ID]; ok {
		return fmt.Errorf("insert task %s: %w", task.ID, store.ErrConflict)
	}
	for _, dep := range task.BlockedBy {
		if _, ok := t.st.tasks[dep]; !ok {
			return store.NotFound("task", dep)
		}
	}
	stored := task.Clone()
	stored.Blocks = nil
	t.st.tasks[task.ID] = stored
	t.st.execOrder[task.ExecutionID] = append(t.st.execOrder[task.ExecutionID], task.ID)
	for _, dep := range task.BlockedBy {
		t.st.blocks[dep] = append(t.st.blocks[dep], task.ID)
	}
	return nil
}

func (t *tx) UpdateTask(task model.Task) error {
	cur, ok := t.st.tasks[task.ID]
	if !ok {
		return store.NotFound("task", task.ID)
	}
	cur.Status = task.Status
	cur.Annotation = task.Annotation
	cur.BranchID = task.BranchID
	cur.UpdatedAt = task.UpdatedAt
	t.st.tasks[task.ID] = cur
	return nil
}

func (t *tx) AddDependencies(taskID string, blockedBy []string) error {
	cur, ok := t.st.tasks[taskID]
	if !ok {
		return store.NotFound("task", taskID)
	}
	for _, dep := range blockedBy {
		if _, ok := t.st.tasks[dep]; !ok {
			return store.NotFound("task", dep)
		}
		if slices.Contains(cur.BlockedBy, dep) {
			continue
		}
		cur.BlockedBy = append(cur.BlockedBy, dep)
		t.st.blocks[dep] = append(t.st.blocks[dep], taskID)
	}
	t.st.tasks[taskID] = cur
	return nil
}

func (t *tx) InsertBranch(b model.Branch) error {
	if _, ok := t.st.branches[b.ID]; ok {
		return fmt.Errorf("insert branch %s: %w", b.ID, store.ErrConflict)
	}
	t.st.branches[b.ID] = b
	t.st.execBranch[b.ExecutionID] = append(t.st.execBranch[b.ExecutionID], b.ID)
	return nil
}

func (t *tx) UpdateBranch(b model.Branch) error {
	if _, ok := t.st.branches[b.ID]; !ok {
		return store.NotFound("branch", b.ID)
	}
	t.st.branches[b.ID] = b
	return nil
}

func (t *tx) PutIdempotencyKey(executionID, key, taskID string) error {
	k := idemKey{executionID, key}
	if existing, ok := t.st.idem[k]; ok && existing != taskID {
		return fmt.Errorf("idempotency key %q: %w", key, store.ErrConflict)
	}
	t.st.idem[k] = taskID
	return nil
}
