// Package mcptools exposes the task graph to agents as MCP tools.
//
// Each tool is a struct holding the API it calls, with Definition()
// returning the schema and Handle() serving a call. Operation failures come
// back as tool error results carrying the stable error code.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/msageha/phasegraph/internal/api"
	"github.com/msageha/phasegraph/internal/model"
	"github.com/msageha/phasegraph/internal/workflow"
)

// Version is set at build time via ldflags.
var Version = "dev"

type Tool interface {
	Definition() mcp.Tool
	Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// Tools returns every tool backed by svc.
func Tools(svc api.API) []Tool {
	return []Tool{
		NewSpawnTaskTool(svc),
		NewUpdateStatusTool(svc),
		NewAddDependencyTool(svc),
		NewGetTaskTool(svc),
		NewListTasksTool(svc),
		NewExecutableTasksTool(svc),
		NewBlockedTasksTool(svc),
		NewCreateBranchTool(svc),
		NewAttachTaskTool(svc),
		NewMergeBranchTool(svc),
		NewAbandonBranchTool(svc),
		NewCompleteBranchTool(svc),
		NewListBranchesTool(svc),
		NewScoreAlignmentTool(svc),
		NewDetectAnomaliesTool(svc),
	}
}

// NewServer builds an MCP server with every tool registered.
func NewServer(svc api.API) *server.MCPServer {
	s := server.NewMCPServer(
		"phasegraph",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	for _, t := range Tools(svc) {
		s.AddTool(t.Definition(), t.Handle)
	}
	return s
}

const instructions = "phasegraph tracks a phase-based task graph. Spawn tasks as you discover work, " +
	"declare blocked_by dependencies, move tasks through pending, in_progress and completed, " +
	"and use get_executable_tasks to pick the next unblocked work. Speculative work goes in a branch " +
	"that is later merged or abandoned."

// listArg splits a comma-separated argument, dropping blanks.
func listArg(req mcp.CallToolRequest, key string) []string {
	raw := req.GetString(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// intArg extracts an integer argument; JSON numbers arrive as float64.
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

func required(req mcp.CallToolRequest, keys ...string) (map[string]string, *mcp.CallToolResult) {
	vals := make(map[string]string, len(keys))
	for _, k := range keys {
		v := req.GetString(k, "")
		if v == "" {
			return nil, mcp.NewToolResultError(fmt.Sprintf("'%s' is required", k))
		}
		vals[k] = v
	}
	return vals, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func opError(op string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s failed [%s]: %v", op, workflow.Code(err), err))
}

func phaseDescription() string {
	return fmt.Sprintf("Workflow phase: %s, %s or %s", model.PhaseInvestigation, model.PhaseBuilding, model.PhaseValidation)
}
