package mcptools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/msageha/phasegraph/internal/api"
)

// CreateBranchTool handles the create_branch MCP tool.
type CreateBranchTool struct {
	svc api.API
}

func NewCreateBranchTool(svc api.API) *CreateBranchTool {
	return &CreateBranchTool{svc: svc}
}

func (t *CreateBranchTool) Definition() mcp.Tool {
	return mcp.NewTool("create_branch",
		mcp.WithDescription(
			"Open a speculative branch to explore a discovery without committing the main line. "+
				"Spawn tasks into it with spawn_task branch_id, then merge or abandon it.",
		),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution id")),
		mcp.WithString("origin_discovery", mcp.Required(), mcp.Description("The discovery that prompted this branch")),
	)
}

func (t *CreateBranchTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, bad := required(req, "execution_id", "origin_discovery")
	if bad != nil {
		return bad, nil
	}
	b, err := t.svc.CreateBranch(ctx, args["execution_id"], args["origin_discovery"])
	if err != nil {
		return opError("create_branch", err), nil
	}
	return jsonResult(b)
}

// AttachTaskTool handles the attach_task MCP tool.
type AttachTaskTool struct {
	svc api.API
}

func NewAttachTaskTool(svc api.API) *AttachTaskTool {
	return &AttachTaskTool{svc: svc}
}

func (t *AttachTaskTool) Definition() mcp.Tool {
	return mcp.NewTool("attach_task",
		mcp.WithDescription("Move an existing main-line task into an active branch of the same execution."),
		mcp.WithString("branch_id", mcp.Required(), mcp.Description("Active branch")),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task to attach")),
	)
}

func (t *AttachTaskTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, bad := required(req, "branch_id", "task_id")
	if bad != nil {
		return bad, nil
	}
	task, err := t.svc.AttachTask(ctx, args["branch_id"], args["task_id"])
	if err != nil {
		return opError("attach_task", err), nil
	}
	return jsonResult(task)
}

// MergeBranchTool handles the merge_branch MCP tool.
type MergeBranchTool struct {
	svc api.API
}

func NewMergeBranchTool(svc api.API) *MergeBranchTool {
	return &MergeBranchTool{svc: svc}
}

func (t *MergeBranchTool) Definition() mcp.Tool {
	return mcp.NewTool("merge_branch",
		mcp.WithDescription("Fold a branch back into the main line. Every task in the branch must be completed."),
		mcp.WithString("branch_id", mcp.Required(), mcp.Description("Branch to merge")),
		mcp.WithString("summary", mcp.Required(), mcp.Description("What the branch established")),
	)
}

func (t *MergeBranchTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, bad := required(req, "branch_id", "summary")
	if bad != nil {
		return bad, nil
	}
	b, err := t.svc.MergeBranch(ctx, args["branch_id"], args["summary"])
	if err != nil {
		return opError("merge_branch", err), nil
	}
	return jsonResult(b)
}

// AbandonBranchTool handles the abandon_branch MCP tool.
type AbandonBranchTool struct {
	svc api.API
}

func NewAbandonBranchTool(svc api.API) *AbandonBranchTool {
	return &AbandonBranchTool{svc: svc}
}

func (t *AbandonBranchTool) Definition() mcp.Tool {
	return mcp.NewTool("abandon_branch",
		mcp.WithDescription("Give up on a branch. Its pending and blocked tasks are marked failed; running tasks are left alone."),
		mcp.WithString("branch_id", mcp.Required(), mcp.Description("Branch to abandon")),
		mcp.WithString("reason", mcp.Required(), mcp.Description("Why the branch is dropped")),
	)
}

func (t *AbandonBranchTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, bad := required(req, "branch_id", "reason")
	if bad != nil {
		return bad, nil
	}
	b, err := t.svc.AbandonBranch(ctx, args["branch_id"], args["reason"])
	if err != nil {
		return opError("abandon_branch", err), nil
	}
	return jsonResult(b)
}

// CompleteBranchTool handles the complete_branch MCP tool.
type CompleteBranchTool struct {
	svc api.API
}

func NewCompleteBranchTool(svc api.API) *CompleteBranchTool {
	return &CompleteBranchTool{svc: svc}
}

func (t *CompleteBranchTool) Definition() mcp.Tool {
	return mcp.NewTool("complete_branch",
		mcp.WithDescription("Close a branch whose tasks are all completed without merging it."),
		mcp.WithString("branch_id", mcp.Required(), mcp.Description("Branch to complete")),
	)
}

func (t *CompleteBranchTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, bad := required(req, "branch_id")
	if bad != nil {
		return bad, nil
	}
	b, err := t.svc.CompleteBranch(ctx, args["branch_id"])
	if err != nil {
		return opError("complete_branch", err), nil
	}
	return jsonResult(b)
}

// ListBranchesTool handles the list_branches MCP tool.
type ListBranchesTool struct {
	svc api.API
}

func NewListBranchesTool(svc api.API) *ListBranchesTool {
	return &ListBranchesTool{svc: svc}
}

func (t *ListBranchesTool) Definition() mcp.Tool {
	return mcp.NewTool("list_branches",
		mcp.WithDescription("List an execution's branches with their status."),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution id")),
	)
}

func (t *ListBranchesTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, bad := required(req, "execution_id")
	if bad != nil {
		return bad, nil
	}
	branches, err := t.svc.ListBranches(ctx, args["execution_id"])
	if err != nil {
		return opError("list_branches", err), nil
	}
	return jsonResult(branches)
}
