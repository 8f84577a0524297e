// Package client talks to a running daemon over its unix socket and exposes
// the same operation set as the in-process service.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/msageha/phasegraph/internal/api"
	"github.com/msageha/phasegraph/internal/model"
	"github.com/msageha/phasegraph/internal/uds"
	"github.com/msageha/phasegraph/internal/workflow"
)

type Client struct {
	conn *uds.Client
}

var _ api.API = (*Client)(nil)

func New(socketPath string) *Client {
	return &Client{conn: uds.NewClient(socketPath)}
}

func (c *Client) SetTimeout(d time.Duration) {
	c.conn.SetTimeout(d)
}

// call sends one command and decodes the result into out. Operation
// failures come back as *api.RemoteError so errors.Is matches workflow kinds.
func call[T any](ctx context.Context, c *Client, command string, params any) (T, error) {
	var out T
	data, err := c.conn.Call(ctx, command, params)
	if err != nil {
		var f *uds.Failure
		if errors.As(err, &f) {
			return out, api.DecodeError(f.Code, f.Message)
		}
		return out, err
	}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("%s: decode response: %w", command, err)
	}
	return out, nil
}

// Ping checks that the daemon answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := call[map[string]string](ctx, c, api.CmdPing, nil)
	return err
}

func (c *Client) SpawnTask(ctx context.Context, req workflow.SpawnRequest) (model.Task, error) {
	return call[model.Task](ctx, c, api.CmdSpawnTask, req)
}

func (c *Client) UpdateTaskStatus(ctx context.Context, taskID string, status model.Status) (model.Task, error) {
	return call[model.Task](ctx, c, api.CmdUpdateTaskStatus, api.UpdateStatusParams{TaskID: taskID, Status: status})
}

func (c *Client) AddDependency(ctx context.Context, taskID string, blockedBy []string) (model.Task, error) {
	return call[model.Task](ctx, c, api.CmdAddDependency, api.AddDependencyParams{TaskID: taskID, BlockedBy: blockedBy})
}

func (c *Client) GetTask(ctx context.Context, taskID string) (model.Task, error) {
	return call[model.Task](ctx, c, api.CmdGetTask, api.TaskIDParams{TaskID: taskID})
}

func (c *Client) GetTasksForExecution(ctx context.Context, p api.ListTasksParams) ([]model.Task, error) {
	return call[[]model.Task](ctx, c, api.CmdGetTasksForExecution, p)
}

func (c *Client) GetExecutableTasks(ctx context.Context, executionID string) ([]model.Task, error) {
	return call[[]model.Task](ctx, c, api.CmdGetExecutableTasks, api.ExecutionParams{ExecutionID: executionID})
}

func (c *Client) GetBlockedTasks(ctx context.Context, executionID string) ([]model.BlockedTask, error) {
	return call[[]model.BlockedTask](ctx, c, api.CmdGetBlockedTasks, api.ExecutionParams{ExecutionID: executionID})
}

func (c *Client) ListExecutions(ctx context.Context) ([]string, error) {
	return call[[]string](ctx, c, api.CmdListExecutions, nil)
}

func (c *Client) CreateBranch(ctx context.Context, executionID, originDiscovery string) (model.Branch, error) {
	return call[model.Branch](ctx, c, api.CmdCreateBranch, api.CreateBranchParams{
		ExecutionID:     executionID,
		OriginDiscovery: originDiscovery,
	})
}

func (c *Client) SpawnTaskInBranch(ctx context.Context, branchID string, req workflow.SpawnRequest) (model.Task, error) {
	req.BranchID = branchID
	return call[model.Task](ctx, c, api.CmdSpawnTaskInBranch, req)
}

func (c *Client) AttachTask(ctx context.Context, branchID, taskID string) (model.Task, error) {
	return call[model.Task](ctx, c, api.CmdAttachTask, api.BranchTaskParams{BranchID: branchID, TaskID: taskID})
}

func (c *Client) MergeBranch(ctx context.Context, branchID, summary string) (model.Branch, error) {
	return call[model.Branch](ctx, c, api.CmdMergeBranch, api.MergeBranchParams{BranchID: branchID, Summary: summary})
}

func (c *Client) AbandonBranch(ctx context.Context, branchID, reason string) (model.Branch, error) {
	return call[model.Branch](ctx, c, api.CmdAbandonBranch, api.AbandonBranchParams{BranchID: branchID, Reason: reason})
}

func (c *Client) CompleteBranch(ctx context.Context, branchID string) (model.Branch, error) {
	return call[model.Branch](ctx, c, api.CmdCompleteBranch, api.BranchIDParams{BranchID: branchID})
}

func (c *Client) GetBranch(ctx context.Context, branchID string) (model.Branch, error) {
	return call[model.Branch](ctx, c, api.CmdGetBranch, api.BranchIDParams{BranchID: branchID})
}

func (c *Client) ListBranches(ctx context.Context, executionID string) ([]model.Branch, error) {
	return call[[]model.Branch](ctx, c, api.CmdListBranches, api.ExecutionParams{ExecutionID: executionID})
}

// ScoreAlignment sends the window in whole seconds; sub-second windows round up.
func (c *Client) ScoreAlignment(ctx context.Context, executionID, agentID string, window time.Duration) (float64, error) {
	sec := int((window + time.Second - 1) / time.Second)
	res, err := call[api.ScoreResult](ctx, c, api.CmdScoreAlignment, api.ScoreAlignmentParams{
		ExecutionID: executionID,
		AgentID:     agentID,
		WindowSec:   sec,
	})
	return res.Score, err
}

func (c *Client) DetectAnomalies(ctx context.Context, executionID string) ([]model.Anomaly, error) {
	return call[[]model.Anomaly](ctx, c, api.CmdDetectAnomalies, api.ExecutionParams{ExecutionID: executionID})
}

func (c *Client) CoherenceRecords(ctx context.Context, executionID string) ([]model.CoherenceRecord, error) {
	return call[[]model.CoherenceRecord](ctx, c, api.CmdCoherenceRecords, api.ExecutionParams{ExecutionID: executionID})
}

func (c *Client) Export(ctx context.Context, executionID string) (api.Snapshot, error) {
	return call[api.Snapshot](ctx, c, api.CmdExport, api.ExecutionParams{ExecutionID: executionID})
}
