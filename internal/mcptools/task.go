package mcptools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/msageha/phasegraph/internal/api"
	"github.com/msageha/phasegraph/internal/model"
	"github.com/msageha/phasegraph/internal/workflow"
)

// SpawnTaskTool handles the spawn_task MCP tool.
type SpawnTaskTool struct {
	svc api.API
}

func NewSpawnTaskTool(svc api.API) *SpawnTaskTool {
	return &SpawnTaskTool{svc: svc}
}

func (t *SpawnTaskTool) Definition() mcp.Tool {
	return mcp.NewTool("spawn_task",
		mcp.WithDescription(
			"Add a task you discovered to the execution's task graph. Tasks listed in blocked_by must finish "+
				"before this one can start; the task is created blocked until they complete.",
		),
		mcp.WithString("execution_id", mcp.Description("Execution the task belongs to; taken from the branch when branch_id is set")),
		mcp.WithString("title", mcp.Required(), mcp.Description("Short imperative title")),
		mcp.WithString("phase",
			mcp.Required(),
			mcp.Description(phaseDescription()),
			mcp.Enum(string(model.PhaseInvestigation), string(model.PhaseBuilding), string(model.PhaseValidation)),
		),
		mcp.WithString("spawned_by", mcp.Required(), mcp.Description("Your agent id")),
		mcp.WithString("description", mcp.Description("What needs doing")),
		mcp.WithString("rationale", mcp.Description("Why this task is needed")),
		mcp.WithString("blocked_by", mcp.Description("Comma-separated task ids that must complete first")),
		mcp.WithString("branch_id", mcp.Description("Create the task inside this active branch")),
		mcp.WithString("idempotency_key", mcp.Description("Repeat-safe key; a retry with the same key returns the original task")),
	)
}

func (t *SpawnTaskTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, bad := required(req, "title", "phase", "spawned_by")
	if bad != nil {
		return bad, nil
	}
	sr := workflow.SpawnRequest{
		ExecutionID:    req.GetString("execution_id", ""),
		Title:          args["title"],
		Description:    req.GetString("description", ""),
		Rationale:      req.GetString("rationale", ""),
		Phase:          model.Phase(args["phase"]),
		SpawnedBy:      args["spawned_by"],
		BlockedBy:      listArg(req, "blocked_by"),
		IdempotencyKey: req.GetString("idempotency_key", ""),
	}

	var (
		task model.Task
		err  error
	)
	if branchID := req.GetString("branch_id", ""); branchID != "" {
		task, err = t.svc.SpawnTaskInBranch(ctx, branchID, sr)
	} else {
		task, err = t.svc.SpawnTask(ctx, sr)
	}
	if err != nil {
		return opError("spawn_task", err), nil
	}
	return jsonResult(task)
}

// UpdateStatusTool handles the update_task_status MCP tool.
type UpdateStatusTool struct {
	svc api.API
}

func NewUpdateStatusTool(svc api.API) *UpdateStatusTool {
	return &UpdateStatusTool{svc: svc}
}

func (t *UpdateStatusTool) Definition() mcp.Tool {
	return mcp.NewTool("update_task_status",
		mcp.WithDescription(
			"Move a task through its lifecycle: pending -> in_progress -> completed or failed. "+
				"A failed task may be retried by setting it back to pending. Completing a task unblocks its dependents.",
		),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task to update")),
		mcp.WithString("status",
			mcp.Required(),
			mcp.Description("New status"),
			mcp.Enum(string(model.StatusPending), string(model.StatusInProgress), string(model.StatusCompleted), string(model.StatusFailed)),
		),
	)
}

func (t *UpdateStatusTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, bad := required(req, "task_id", "status")
	if bad != nil {
		return bad, nil
	}
	task, err := t.svc.UpdateTaskStatus(ctx, args["task_id"], model.Status(args["status"]))
	if err != nil {
		return opError("update_task_status", err), nil
	}
	return jsonResult(task)
}

// AddDependencyTool handles the add_dependency MCP tool.
type AddDependencyTool struct {
	svc api.API
}

func NewAddDependencyTool(svc api.API) *AddDependencyTool {
	return &AddDependencyTool{svc: svc}
}

func (t *AddDependencyTool) Definition() mcp.Tool {
	return mcp.NewTool("add_dependency",
		mcp.WithDescription("Make a task that has not started wait for more tasks. Rejected if it would create a cycle."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task that should wait")),
		mcp.WithString("blocked_by", mcp.Required(), mcp.Description("Comma-separated task ids it should wait for")),
	)
}

func (t *AddDependencyTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, bad := required(req, "task_id", "blocked_by")
	if bad != nil {
		return bad, nil
	}
	task, err := t.svc.AddDependency(ctx, args["task_id"], listArg(req, "blocked_by"))
	if err != nil {
		return opError("add_dependency", err), nil
	}
	return jsonResult(task)
}

// GetTaskTool handles the get_task MCP tool.
type GetTaskTool struct {
	svc api.API
}

func NewGetTaskTool(svc api.API) *GetTaskTool {
	return &GetTaskTool{svc: svc}
}

func (t *GetTaskTool) Definition() mcp.Tool {
	return mcp.NewTool("get_task",
		mcp.WithDescription("Fetch one task by id, including its dependencies and dependents."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
	)
}

func (t *GetTaskTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, bad := required(req, "task_id")
	if bad != nil {
		return bad, nil
	}
	task, err := t.svc.GetTask(ctx, args["task_id"])
	if err != nil {
		return opError("get_task", err), nil
	}
	return jsonResult(task)
}

// ListTasksTool handles the list_tasks MCP tool.
type ListTasksTool struct {
	svc api.API
}

func NewListTasksTool(svc api.API) *ListTasksTool {
	return &ListTasksTool{svc: svc}
}

func (t *ListTasksTool) Definition() mcp.Tool {
	return mcp.NewTool("list_tasks",
		mcp.WithDescription("List an execution's tasks in creation order, optionally filtered."),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution id")),
		mcp.WithString("phase", mcp.Description("Only tasks in this phase")),
		mcp.WithString("status", mcp.Description("Only tasks with this status")),
		mcp.WithString("branch_id", mcp.Description("Only tasks in this branch")),
	)
}

func (t *ListTasksTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, bad := required(req, "execution_id")
	if bad != nil {
		return bad, nil
	}
	tasks, err := t.svc.GetTasksForExecution(ctx, api.ListTasksParams{
		ExecutionID: args["execution_id"],
		Phase:       model.Phase(req.GetString("phase", "")),
		Status:      model.Status(req.GetString("status", "")),
		BranchID:    req.GetString("branch_id", ""),
	})
	if err != nil {
		return opError("list_tasks", err), nil
	}
	return jsonResult(tasks)
}

// ExecutableTasksTool handles the get_executable_tasks MCP tool.
type ExecutableTasksTool struct {
	svc api.API
}

func NewExecutableTasksTool(svc api.API) *ExecutableTasksTool {
	return &ExecutableTasksTool{svc: svc}
}

func (t *ExecutableTasksTool) Definition() mcp.Tool {
	return mcp.NewTool("get_executable_tasks",
		mcp.WithDescription(
			"List pending tasks whose dependencies are all completed, in the order they should be picked up: "+
				"investigation before building before validation, then oldest first.",
		),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution id")),
	)
}

func (t *ExecutableTasksTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, bad := required(req, "execution_id")
	if bad != nil {
		return bad, nil
	}
	tasks, err := t.svc.GetExecutableTasks(ctx, args["execution_id"])
	if err != nil {
		return opError("get_executable_tasks", err), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No executable tasks. Check get_blocked_tasks for what is waiting."), nil
	}
	return jsonResult(tasks)
}

// BlockedTasksTool handles the get_blocked_tasks MCP tool.
type BlockedTasksTool struct {
	svc api.API
}

func NewBlockedTasksTool(svc api.API) *BlockedTasksTool {
	return &BlockedTasksTool{svc: svc}
}

func (t *BlockedTasksTool) Definition() mcp.Tool {
	return mcp.NewTool("get_blocked_tasks",
		mcp.WithDescription("List blocked tasks with the dependency ids each is still waiting on."),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution id")),
	)
}

func (t *BlockedTasksTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, bad := required(req, "execution_id")
	if bad != nil {
		return bad, nil
	}
	blocked, err := t.svc.GetBlockedTasks(ctx, args["execution_id"])
	if err != nil {
		return opError("get_blocked_tasks", err), nil
	}
	return jsonResult(blocked)
}
