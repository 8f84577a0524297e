// Package store defines the task graph persistence contract.
//
// Mutations run inside Update, which commits every write of fn atomically or
// none of them. Reads run inside View against a consistent snapshot and may
// lag the latest commit. Implementations must honor ctx deadlines and report
// them as ErrTimeout so callers can retry.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/msageha/phasegraph/internal/model"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrTimeout     = errors.New("store operation timed out")
	ErrUnavailable = errors.New("store unavailable")
	ErrConflict    = errors.New("conflicting write")
)

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	Phase        model.Phase
	Status       model.Status
	BranchID     string
	SpawnedBy    string
	CreatedSince time.Time
}

func (f TaskFilter) Match(t model.Task) bool {
	if f.Phase != "" && t.Phase != f.Phase {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.BranchID != "" && t.BranchID != f.BranchID {
		return false
	}
	if f.SpawnedBy != "" && t.SpawnedBy != f.SpawnedBy {
		return false
	}
	if !f.CreatedSince.IsZero() && t.CreatedAt.Before(f.CreatedSince) {
		return false
	}
	return true
}

// Reader is the read side of a transaction. Returned tasks carry both
// BlockedBy and Blocks, fetched in one batch per call.
type Reader interface {
	GetTask(id string) (model.Task, error)
	// ListTasks returns an execution's tasks ordered by creation time.
	ListTasks(executionID string, f TaskFilter) ([]model.Task, error)
	GetBranch(id string) (model.Branch, error)
	ListBranches(executionID string) ([]model.Branch, error)
	// LookupIdempotencyKey returns the task created under key, or ErrNotFound.
	LookupIdempotencyKey(executionID, key string) (string, error)
	ListExecutions() ([]string, error)
}

type Tx interface {
	Reader
	// InsertTask stores t together with its BlockedBy edges.
	InsertTask(t model.Task) error
	// UpdateTask rewrites the mutable columns of t (status, annotation, branch, updated_at).
	UpdateTask(t model.Task) error
	// AddDependencies appends blocked_by edges to an existing task. Edges are never removed.
	AddDependencies(taskID string, blockedBy []string) error
	InsertBranch(b model.Branch) error
	UpdateBranch(b model.Branch) error
	PutIdempotencyKey(executionID, key, taskID string) error
}

type Store interface {
	View(ctx context.Context, fn func(Reader) error) error
	Update(ctx context.Context, fn func(Tx) error) error
	AppendCoherenceRecord(ctx context.Context, rec model.CoherenceRecord) error
	ListCoherenceRecords(ctx context.Context, executionID string) ([]model.CoherenceRecord, error)
	Close() error
}

// NotFound wraps ErrNotFound with the missing entity.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

// Timeout wraps ErrTimeout, keeping the original cause in the chain.
func Timeout(op string, cause error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTimeout, cause)
}

// IsRetryable reports whether err is a transient store failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}
