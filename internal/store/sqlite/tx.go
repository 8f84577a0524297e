package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/msageha/phasegraph/internal/model"
	"github.com/msageha/phasegraph/internal/store"
)

type sqlTx struct {
	ctx context.Context
	tx  *sql.Tx
	s   *Store
}

const taskColumns = `id, execution_id, title, description, rationale, phase, status,
	branch_id, spawned_by, annotation, idempotency_key, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (model.Task, error) {
	var t model.Task
	var phase, status string
	var created, updated int64
	err := row.Scan(&t.ID, &t.ExecutionID, &t.Title, &t.Description, &t.Rationale, &phase, &status,
		&t.BranchID, &t.SpawnedBy, &t.Annotation, &t.IdempotencyKey, &created, &updated)
	if err != nil {
		return model.Task{}, err
	}
	t.Phase = model.Phase(phase)
	t.Status = model.Status(status)
	t.CreatedAt = fromNanos(created)
	t.UpdatedAt = fromNanos(updated)
	t.BlockedBy = []string{}
	t.Blocks = []string{}
	return t, nil
}

func (x *sqlTx) GetTask(id string) (model.Task, error) {
	row := x.tx.QueryRowContext(x.ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, store.NotFound("task", id)
	}
	if err != nil {
		return model.Task{}, x.s.mapErr("get task", err)
	}

	rows, err := x.tx.QueryContext(x.ctx, `
		SELECT task_id, blocked_by_id FROM task_dependencies
		WHERE task_id = ? OR blocked_by_id = ? ORDER BY rowid`, id, id)
	if err != nil {
		return model.Task{}, x.s.mapErr("get task edges", err)
	}
	defer rows.Close()
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return model.Task{}, x.s.mapErr("scan edge", err)
		}
		if from == id {
			t.BlockedBy = append(t.BlockedBy, to)
		} else {
			t.Blocks = append(t.Blocks, from)
		}
	}
	return t, x.s.mapErr("get task edges", rows.Err())
}

// ListTasks loads the filtered tasks and the execution's whole edge set in two
// queries, independent of the number of tasks returned.
func (x *sqlTx) ListTasks(executionID string, f store.TaskFilter) ([]model.Task, error) {
	var where []string
	args := []any{executionID}
	where = append(where, "execution_id = ?")
	if f.Phase != "" {
		where = append(where, "phase = ?")
		args = append(args, string(f.Phase))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.BranchID != "" {
		where = append(where, "branch_id = ?")
		args = append(args, f.BranchID)
	}
	if f.SpawnedBy != "" {
		where = append(where, "spawned_by = ?")
		args = append(args, f.SpawnedBy)
	}
	if !f.CreatedSince.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.CreatedSince.UnixNano())
	}
	query := "SELECT " + taskColumns + " FROM tasks WHERE " + strings.Join(where, " AND ") + " ORDER BY created_at, rowid"

	rows, err := x.tx.QueryContext(x.ctx, query, args...)
	if err != nil {
		return nil, x.s.mapErr("list tasks", err)
	}
	var tasks []model.Task
	index := make(map[string]int)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, x.s.mapErr("scan task", err)
		}
		index[t.ID] = len(tasks)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, x.s.mapErr("list tasks", err)
	}
	rows.Close()
	if len(tasks) == 0 {
		return []model.Task{}, nil
	}

	edges, err := x.tx.QueryContext(x.ctx, `
		SELECT task_id, blocked_by_id FROM task_dependencies
		WHERE execution_id = ? ORDER BY rowid`, executionID)
	if err != nil {
		return nil, x.s.mapErr("list edges", err)
	}
	defer edges.Close()
	for edges.Next() {
		var from, to string
		if err := edges.Scan(&from, &to); err != nil {
			return nil, x.s.mapErr("scan edge", err)
		}
		if i, ok := index[from]; ok {
			tasks[i].BlockedBy = append(tasks[i].BlockedBy, to)
		}
		if i, ok := index[to]; ok {
			tasks[i].Blocks = append(tasks[i].Blocks, from)
		}
	}
	return tasks, x.s.mapErr("list edges", edges.Err())
}

func (x *sqlTx) GetBranch(id string) (model.Branch, error) {
	row := x.tx.QueryRowContext(x.ctx, `
		SELECT id, execution_id, status, origin_discovery, summary, reason, created_at, resolved_at
		FROM branches WHERE id = ?`, id)
	b, err := scanBranch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Branch{}, store.NotFound("branch", id)
	}
	return b, x.s.mapErr("get branch", err)
}

func scanBranch(row scanner) (model.Branch, error) {
	var b model.Branch
	var status string
	var created int64
	var resolved sql.NullInt64
	if err := row.Scan(&b.ID, &b.ExecutionID, &status, &b.OriginDiscovery, &b.Summary, &b.Reason, &created, &resolved); err != nil {
		return model.Branch{}, err
	}
	b.Status = model.BranchStatus(status)
	b.CreatedAt = fromNanos(created)
	if resolved.Valid {
		at := fromNanos(resolved.Int64)
		b.ResolvedAt = &at
	}
	return b, nil
}

func (x *sqlTx) ListBranches(executionID string) ([]model.Branch, error) {
	rows, err := x.tx.QueryContext(x.ctx, `
		SELECT id, execution_id, status, origin_discovery, summary, reason, created_at, resolved_at
		FROM branches WHERE execution_id = ? ORDER BY created_at, rowid`, executionID)
	if err != nil {
		return nil, x.s.mapErr("list branches", err)
	}
	defer rows.Close()
	out := []model.Branch{}
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, x.s.mapErr("scan branch", err)
		}
		out = append(out, b)
	}
	return out, x.s.mapErr("list branches", rows.Err())
}

func (x *sqlTx) LookupIdempotencyKey(executionID, key string) (string, error) {
	var id string
	err := x.tx.QueryRowContext(x.ctx,
		"SELECT task_id FROM idempotency_keys WHERE execution_id = ? AND key = ?", executionID, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.NotFound("idempotency key", key)
	}
	return id, x.s.mapErr("lookup idempotency key", err)
}

func (x *sqlTx) ListExecutions() ([]string, error) {
	rows, err := x.tx.QueryContext(x.ctx, "SELECT DISTINCT execution_id FROM tasks ORDER BY execution_id")
	if err != nil {
		return nil, x.s.mapErr("list executions", err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, x.s.mapErr("scan execution", err)
		}
		out = append(out, id)
	}
	return out, x.s.mapErr("list executions", rows.Err())
}

func (x *sqlTx) InsertTask(t model.Task) error {
	_, err := x.tx.ExecContext(x.ctx, "INSERT INTO tasks ("+taskColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		t.ID, t.ExecutionID, t.Title, t.Description, t.Rationale, string(t.Phase), string(t.Status),
		t.BranchID, t.SpawnedBy, t.Annotation, t.IdempotencyKey, t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano())
	if err != nil {
		return x.s.mapErr(fmt.Sprintf("insert task %s", t.ID), err)
	}
	return x.insertEdges(t.ID, t.ExecutionID, t.BlockedBy, 0)
}

func (x *sqlTx) insertEdges(taskID, executionID string, blockedBy []string, start int) error {
	for i, dep := range blockedBy {
		_, err := x.tx.ExecContext(x.ctx, `
			INSERT OR IGNORE INTO task_dependencies (execution_id, task_id, blocked_by_id, position)
			VALUES (?, ?, ?, ?)`, executionID, taskID, dep, start+i)
		if err != nil {
			return x.s.mapErr(fmt.Sprintf("insert edge %s -> %s", taskID, dep), err)
		}
	}
	return nil
}

func (x *sqlTx) UpdateTask(t model.Task) error {
	res, err := x.tx.ExecContext(x.ctx, `
		UPDATE tasks SET status = ?, annotation = ?, branch_id = ?, updated_at = ? WHERE id = ?`,
		string(t.Status), t.Annotation, t.BranchID, t.UpdatedAt.UnixNano(), t.ID)
	if err != nil {
		return x.s.mapErr("update task", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.NotFound("task", t.ID)
	}
	return nil
}

func (x *sqlTx) AddDependencies(taskID string, blockedBy []string) error {
	var executionID string
	var next int
	err := x.tx.QueryRowContext(x.ctx, `
		SELECT t.execution_id, COALESCE((SELECT MAX(position) + 1 FROM task_dependencies d WHERE d.task_id = t.id), 0)
		FROM tasks t WHERE t.id = ?`, taskID).Scan(&executionID, &next)
	if errors.Is(err, sql.ErrNoRows) {
		return store.NotFound("task", taskID)
	}
	if err != nil {
		return x.s.mapErr("add dependencies", err)
	}
	return x.insertEdges(taskID, executionID, blockedBy, next)
}

func (x *sqlTx) InsertBranch(b model.Branch) error {
	_, err := x.tx.ExecContext(x.ctx, `
		INSERT INTO branches (id, execution_id, status, origin_discovery, summary, reason, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ExecutionID, string(b.Status), b.OriginDiscovery, b.Summary, b.Reason, b.CreatedAt.UnixNano(), resolvedNanos(b))
	return x.s.mapErr(fmt.Sprintf("insert branch %s", b.ID), err)
}

func (x *sqlTx) UpdateBranch(b model.Branch) error {
	res, err := x.tx.ExecContext(x.ctx, `
		UPDATE branches SET status = ?, summary = ?, reason = ?, resolved_at = ? WHERE id = ?`,
		string(b.Status), b.Summary, b.Reason, resolvedNanos(b), b.ID)
	if err != nil {
		return x.s.mapErr("update branch", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.NotFound("branch", b.ID)
	}
	return nil
}

func resolvedNanos(b model.Branch) sql.NullInt64 {
	if b.ResolvedAt == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: b.ResolvedAt.UnixNano(), Valid: true}
}

func (x *sqlTx) PutIdempotencyKey(executionID, key, taskID string) error {
	existing, err := x.LookupIdempotencyKey(executionID, key)
	switch {
	case err == nil && existing != taskID:
		return fmt.Errorf("idempotency key %q: %w", key, store.ErrConflict)
	case err == nil:
		return nil
	case !errors.Is(err, store.ErrNotFound):
		return err
	}
	_, err = x.tx.ExecContext(x.ctx,
		"INSERT INTO idempotency_keys (execution_id, key, task_id) VALUES (?, ?, ?)", executionID, key, taskID)
	return x.s.mapErr("put idempotency key", err)
}
