// Package api defines the operation set shared by the in-process service,
// the socket client and the MCP tools, plus the command table that maps
// wire requests onto it.
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/msageha/phasegraph/internal/coherence"
	"github.com/msageha/phasegraph/internal/model"
	"github.com/msageha/phasegraph/internal/store"
	"github.com/msageha/phasegraph/internal/workflow"
)

// API is every operation agents and operators may call.
type API interface {
	SpawnTask(ctx context.Context, req workflow.SpawnRequest) (model.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status model.Status) (model.Task, error)
	AddDependency(ctx context.Context, taskID string, blockedBy []string) (model.Task, error)
	GetTask(ctx context.Context, taskID string) (model.Task, error)
	GetTasksForExecution(ctx context.Context, p ListTasksParams) ([]model.Task, error)
	GetExecutableTasks(ctx context.Context, executionID string) ([]model.Task, error)
	GetBlockedTasks(ctx context.Context, executionID string) ([]model.BlockedTask, error)
	ListExecutions(ctx context.Context) ([]string, error)

	CreateBranch(ctx context.Context, executionID, originDiscovery string) (model.Branch, error)
	SpawnTaskInBranch(ctx context.Context, branchID string, req workflow.SpawnRequest) (model.Task, error)
	AttachTask(ctx context.Context, branchID, taskID string) (model.Task, error)
	MergeBranch(ctx context.Context, branchID, summary string) (model.Branch, error)
	AbandonBranch(ctx context.Context, branchID, reason string) (model.Branch, error)
	CompleteBranch(ctx context.Context, branchID string) (model.Branch, error)
	GetBranch(ctx context.Context, branchID string) (model.Branch, error)
	ListBranches(ctx context.Context, executionID string) ([]model.Branch, error)

	ScoreAlignment(ctx context.Context, executionID, agentID string, window time.Duration) (float64, error)
	DetectAnomalies(ctx context.Context, executionID string) ([]model.Anomaly, error)
	CoherenceRecords(ctx context.Context, executionID string) ([]model.CoherenceRecord, error)

	Export(ctx context.Context, executionID string) (Snapshot, error)
}

// Snapshot is one execution's tasks and branches as written by export.
type Snapshot struct {
	ExecutionID string         `json:"execution_id" yaml:"execution_id"`
	ExportedAt  time.Time      `json:"exported_at" yaml:"exported_at"`
	Tasks       []model.Task   `json:"tasks" yaml:"tasks"`
	Branches    []model.Branch `json:"branches" yaml:"branches"`
}

// Service is the in-process API backed by the engine, branch manager and monitor.
type Service struct {
	engine   *workflow.Engine
	branches *workflow.BranchManager
	monitor  *coherence.Monitor
	now      func() time.Time
}

var _ API = (*Service)(nil)

func NewService(e *workflow.Engine, b *workflow.BranchManager, m *coherence.Monitor) *Service {
	return &Service{
		engine:   e,
		branches: b,
		monitor:  m,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Engine() *workflow.Engine {
	return s.engine
}

func (s *Service) Monitor() *coherence.Monitor {
	return s.monitor
}

func (s *Service) SpawnTask(ctx context.Context, req workflow.SpawnRequest) (model.Task, error) {
	return s.engine.SpawnTask(ctx, req)
}

func (s *Service) UpdateTaskStatus(ctx context.Context, taskID string, status model.Status) (model.Task, error) {
	return s.engine.UpdateTaskStatus(ctx, taskID, status)
}

func (s *Service) AddDependency(ctx context.Context, taskID string, blockedBy []string) (model.Task, error) {
	return s.engine.AddDependency(ctx, taskID, blockedBy)
}

func (s *Service) GetTask(ctx context.Context, taskID string) (model.Task, error) {
	return s.engine.GetTask(ctx, taskID)
}

func (s *Service) GetTasksForExecution(ctx context.Context, p ListTasksParams) ([]model.Task, error) {
	return s.engine.GetTasksForExecution(ctx, p.ExecutionID, store.TaskFilter{
		Phase:    p.Phase,
		Status:   p.Status,
		BranchID: p.BranchID,
	})
}

func (s *Service) GetExecutableTasks(ctx context.Context, executionID string) ([]model.Task, error) {
	return s.engine.GetExecutableTasks(ctx, executionID)
}

func (s *Service) GetBlockedTasks(ctx context.Context, executionID string) ([]model.BlockedTask, error) {
	return s.engine.GetBlockedTasks(ctx, executionID)
}

func (s *Service) ListExecutions(ctx context.Context) ([]string, error) {
	return s.engine.ListExecutions(ctx)
}

func (s *Service) CreateBranch(ctx context.Context, executionID, originDiscovery string) (model.Branch, error) {
	return s.branches.CreateBranch(ctx, executionID, originDiscovery)
}

func (s *Service) SpawnTaskInBranch(ctx context.Context, branchID string, req workflow.SpawnRequest) (model.Task, error) {
	return s.branches.SpawnTaskInBranch(ctx, branchID, req)
}

func (s *Service) AttachTask(ctx context.Context, branchID, taskID string) (model.Task, error) {
	return s.branches.AttachTask(ctx, branchID, taskID)
}

func (s *Service) MergeBranch(ctx context.Context, branchID, summary string) (model.Branch, error) {
	return s.branches.MergeBranch(ctx, branchID, summary)
}

func (s *Service) AbandonBranch(ctx context.Context, branchID, reason string) (model.Branch, error) {
	return s.branches.AbandonBranch(ctx, branchID, reason)
}

func (s *Service) CompleteBranch(ctx context.Context, branchID string) (model.Branch, error) {
	return s.branches.CompleteBranch(ctx, branchID)
}

func (s *Service) GetBranch(ctx context.Context, branchID string) (model.Branch, error) {
	return s.branches.GetBranch(ctx, branchID)
}

func (s *Service) ListBranches(ctx context.Context, executionID string) ([]model.Branch, error) {
	return s.branches.ListBranches(ctx, executionID)
}

func (s *Service) ScoreAlignment(ctx context.Context, executionID, agentID string, window time.Duration) (float64, error) {
	if executionID == "" || agentID == "" {
		return 0, fmt.Errorf("score_alignment: %w: execution_id and agent_id are required", workflow.ErrInvalidRequest)
	}
	if window <= 0 {
		return 0, fmt.Errorf("score_alignment: %w: window must be positive", workflow.ErrInvalidRequest)
	}
	return s.monitor.ScoreAlignment(ctx, executionID, agentID, window)
}

func (s *Service) DetectAnomalies(ctx context.Context, executionID string) ([]model.Anomaly, error) {
	if executionID == "" {
		return nil, fmt.Errorf("detect_anomalies: %w: execution_id is required", workflow.ErrInvalidRequest)
	}
	return s.monitor.DetectAnomalies(ctx, executionID)
}

func (s *Service) CoherenceRecords(ctx context.Context, executionID string) ([]model.CoherenceRecord, error) {
	return s.monitor.Records(ctx, executionID)
}

// Export reads tasks and branches in two snapshots; it is a report, not a backup.
func (s *Service) Export(ctx context.Context, executionID string) (Snapshot, error) {
	if executionID == "" {
		return Snapshot{}, fmt.Errorf("export: %w: execution_id is required", workflow.ErrInvalidRequest)
	}
	tasks, err := s.engine.GetTasksForExecution(ctx, executionID, store.TaskFilter{})
	if err != nil {
		return Snapshot{}, err
	}
	branches, err := s.branches.ListBranches(ctx, executionID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		ExecutionID: executionID,
		ExportedAt:  s.now(),
		Tasks:       tasks,
		Branches:    branches,
	}, nil
}
