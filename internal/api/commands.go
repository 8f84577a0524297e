package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/msageha/phasegraph/internal/model"
	"github.com/msageha/phasegraph/internal/workflow"
)

const (
	CmdPing                 = "ping"
	CmdSpawnTask            = "spawn_task"
	CmdUpdateTaskStatus     = "update_task_status"
	CmdAddDependency        = "add_dependency"
	CmdGetTask              = "get_task"
	CmdGetTasksForExecution = "get_tasks_for_execution"
	CmdGetExecutableTasks   = "get_executable_tasks"
	CmdGetBlockedTasks      = "get_blocked_tasks"
	CmdListExecutions       = "list_executions"
	CmdCreateBranch         = "create_branch"
	CmdSpawnTaskInBranch    = "spawn_task_in_branch"
	CmdAttachTask           = "attach_task"
	CmdMergeBranch          = "merge_branch"
	CmdAbandonBranch        = "abandon_branch"
	CmdCompleteBranch       = "complete_branch"
	CmdGetBranch            = "get_branch"
	CmdListBranches         = "list_branches"
	CmdScoreAlignment       = "score_alignment"
	CmdDetectAnomalies      = "detect_anomalies"
	CmdCoherenceRecords     = "coherence_records"
	CmdExport               = "export"
)

type UpdateStatusParams struct {
	TaskID string       `json:"task_id"`
	Status model.Status `json:"status"`
}

type AddDependencyParams struct {
	TaskID    string   `json:"task_id"`
	BlockedBy []string `json:"blocked_by"`
}

type TaskIDParams struct {
	TaskID string `json:"task_id"`
}

type ExecutionParams struct {
	ExecutionID string `json:"execution_id"`
}

type ListTasksParams struct {
	ExecutionID string       `json:"execution_id"`
	Phase       model.Phase  `json:"phase,omitempty"`
	Status      model.Status `json:"status,omitempty"`
	BranchID    string       `json:"branch_id,omitempty"`
}

type CreateBranchParams struct {
	ExecutionID     string `json:"execution_id"`
	OriginDiscovery string `json:"origin_discovery"`
}

type BranchTaskParams struct {
	BranchID string `json:"branch_id"`
	TaskID   string `json:"task_id"`
}

type MergeBranchParams struct {
	BranchID string `json:"branch_id"`
	Summary  string `json:"summary"`
}

type AbandonBranchParams struct {
	BranchID string `json:"branch_id"`
	Reason   string `json:"reason"`
}

type BranchIDParams struct {
	BranchID string `json:"branch_id"`
}

type ScoreAlignmentParams struct {
	ExecutionID string `json:"execution_id"`
	AgentID     string `json:"agent_id"`
	WindowSec   int    `json:"window_sec"`
}

type ScoreResult struct {
	Score float64 `json:"score"`
}

// checkID rejects a malformed generated ID before it reaches the store.
// Empty IDs pass through so the operation reports the missing field.
func checkID(field, id string, want model.IDType) error {
	if id == "" {
		return nil
	}
	if typ, err := model.ParseIDType(id); err != nil || typ != want {
		return fmt.Errorf("%w: %s: malformed %s id %q", workflow.ErrInvalidRequest, field, want, id)
	}
	return nil
}

func (p UpdateStatusParams) checkIDs() error { return checkID("task_id", p.TaskID, model.IDTypeTask) }
func (p AddDependencyParams) checkIDs() error { return checkID("task_id", p.TaskID, model.IDTypeTask) }
func (p TaskIDParams) checkIDs() error { return checkID("task_id", p.TaskID, model.IDTypeTask) }
func (p ListTasksParams) checkIDs() error { return checkID("branch_id", p.BranchID, model.IDTypeBranch) }
func (p MergeBranchParams) checkIDs() error { return checkID("branch_id", p.BranchID, model.IDTypeBranch) }
func (p AbandonBranchParams) checkIDs() error { return checkID("branch_id", p.BranchID, model.IDTypeBranch) }
func (p BranchIDParams) checkIDs() error { return checkID("branch_id", p.BranchID, model.IDTypeBranch) }

func (p BranchTaskParams) checkIDs() error {
	if err := checkID("branch_id", p.BranchID, model.IDTypeBranch); err != nil {
		return err
	}
	return checkID("task_id", p.TaskID, model.IDTypeTask)
}

type handler func(ctx context.Context, svc API, raw json.RawMessage) (any, error)

func decode[T any](raw json.RawMessage) (T, error) {
	var p T
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: decode params: %v", workflow.ErrInvalidRequest, err)
	}
	return p, nil
}

// bind adapts a typed operation to the raw-params handler shape.
func bind[P any](fn func(ctx context.Context, svc API, p P) (any, error)) handler {
	return func(ctx context.Context, svc API, raw json.RawMessage) (any, error) {
		p, err := decode[P](raw)
		if err != nil {
			return nil, err
		}
		if c, ok := any(p).(interface{ checkIDs() error }); ok {
			if err := c.checkIDs(); err != nil {
				return nil, err
			}
		}
		return fn(ctx, svc, p)
	}
}

var commands = map[string]handler{
	CmdPing: func(context.Context, API, json.RawMessage) (any, error) {
		return map[string]string{"status": "pong"}, nil
	},
	CmdSpawnTask: bind(func(ctx context.Context, svc API, p workflow.SpawnRequest) (any, error) {
		return svc.SpawnTask(ctx, p)
	}),
	CmdUpdateTaskStatus: bind(func(ctx context.Context, svc API, p UpdateStatusParams) (any, error) {
		return svc.UpdateTaskStatus(ctx, p.TaskID, p.Status)
	}),
	CmdAddDependency: bind(func(ctx context.Context, svc API, p AddDependencyParams) (any, error) {
		return svc.AddDependency(ctx, p.TaskID, p.BlockedBy)
	}),
	CmdGetTask: bind(func(ctx context.Context, svc API, p TaskIDParams) (any, error) {
		return svc.GetTask(ctx, p.TaskID)
	}),
	CmdGetTasksForExecution: bind(func(ctx context.Context, svc API, p ListTasksParams) (any, error) {
		return svc.GetTasksForExecution(ctx, p)
	}),
	CmdGetExecutableTasks: bind(func(ctx context.Context, svc API, p ExecutionParams) (any, error) {
		return svc.GetExecutableTasks(ctx, p.ExecutionID)
	}),
	CmdGetBlockedTasks: bind(func(ctx context.Context, svc API, p ExecutionParams) (any, error) {
		return svc.GetBlockedTasks(ctx, p.ExecutionID)
	}),
	CmdListExecutions: func(ctx context.Context, svc API, _ json.RawMessage) (any, error) {
		return svc.ListExecutions(ctx)
	},
	CmdCreateBranch: bind(func(ctx context.Context, svc API, p CreateBranchParams) (any, error) {
		return svc.CreateBranch(ctx, p.ExecutionID, p.OriginDiscovery)
	}),
	CmdSpawnTaskInBranch: bind(func(ctx context.Context, svc API, p workflow.SpawnRequest) (any, error) {
		if err := checkID("branch_id", p.BranchID, model.IDTypeBranch); err != nil {
			return nil, err
		}
		return svc.SpawnTaskInBranch(ctx, p.BranchID, p)
	}),
	CmdAttachTask: bind(func(ctx context.Context, svc API, p BranchTaskParams) (any, error) {
		return svc.AttachTask(ctx, p.BranchID, p.TaskID)
	}),
	CmdMergeBranch: bind(func(ctx context.Context, svc API, p MergeBranchParams) (any, error) {
		return svc.MergeBranch(ctx, p.BranchID, p.Summary)
	}),
	CmdAbandonBranch: bind(func(ctx context.Context, svc API, p AbandonBranchParams) (any, error) {
		return svc.AbandonBranch(ctx, p.BranchID, p.Reason)
	}),
	CmdCompleteBranch: bind(func(ctx context.Context, svc API, p BranchIDParams) (any, error) {
		return svc.CompleteBranch(ctx, p.BranchID)
	}),
	CmdGetBranch: bind(func(ctx context.Context, svc API, p BranchIDParams) (any, error) {
		return svc.GetBranch(ctx, p.BranchID)
	}),
	CmdListBranches: bind(func(ctx context.Context, svc API, p ExecutionParams) (any, error) {
		return svc.ListBranches(ctx, p.ExecutionID)
	}),
	CmdScoreAlignment: bind(func(ctx context.Context, svc API, p ScoreAlignmentParams) (any, error) {
		score, err := svc.ScoreAlignment(ctx, p.ExecutionID, p.AgentID, time.Duration(p.WindowSec)*time.Second)
		if err != nil {
			return nil, err
		}
		return ScoreResult{Score: score}, nil
	}),
	CmdDetectAnomalies: bind(func(ctx context.Context, svc API, p ExecutionParams) (any, error) {
		return svc.DetectAnomalies(ctx, p.ExecutionID)
	}),
	CmdCoherenceRecords: bind(func(ctx context.Context, svc API, p ExecutionParams) (any, error) {
		return svc.CoherenceRecords(ctx, p.ExecutionID)
	}),
	CmdExport: bind(func(ctx context.Context, svc API, p ExecutionParams) (any, error) {
		return svc.Export(ctx, p.ExecutionID)
	}),
}

// Commands lists every registered command name, sorted.
func Commands() []string {
	out := make([]string, 0, len(commands))
	for name := range commands {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ErrUnknownCommand is returned by Dispatch for names not in the table.
var ErrUnknownCommand = errors.New("unknown command")

// Dispatch decodes params for command and runs it against svc.
func Dispatch(ctx context.Context, svc API, command string, params json.RawMessage) (any, error) {
	h, ok := commands[command]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, command)
	}
	return h(ctx, svc, params)
}
