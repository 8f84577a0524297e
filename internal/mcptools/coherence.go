package mcptools

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/msageha/phasegraph/internal/api"
)

const defaultWindowSec = 3600

// ScoreAlignmentTool handles the score_alignment MCP tool.
type ScoreAlignmentTool struct {
	svc api.API
}

func NewScoreAlignmentTool(svc api.API) *ScoreAlignmentTool {
	return &ScoreAlignmentTool{svc: svc}
}

func (t *ScoreAlignmentTool) Definition() mcp.Tool {
	return mcp.NewTool("score_alignment",
		mcp.WithDescription(
			"Score how well an agent's recent tasks line up with the execution's dominant phase, from 0 to 1. "+
				"Every score is recorded.",
		),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution id")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent to score")),
		mcp.WithNumber("window_sec", mcp.Description("Look-back window in seconds (default: 3600)")),
	)
}

func (t *ScoreAlignmentTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, bad := required(req, "execution_id", "agent_id")
	if bad != nil {
		return bad, nil
	}
	window := intArg(req, "window_sec", defaultWindowSec)
	score, err := t.svc.ScoreAlignment(ctx, args["execution_id"], args["agent_id"], time.Duration(window)*time.Second)
	if err != nil {
		return opError("score_alignment", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Alignment score for %s: %.3f (window %ds)", args["agent_id"], score, window)), nil
}

// DetectAnomaliesTool handles the detect_anomalies MCP tool.
type DetectAnomaliesTool struct {
	svc api.API
}

func NewDetectAnomaliesTool(svc api.API) *DetectAnomaliesTool {
	return &DetectAnomaliesTool{svc: svc}
}

func (t *DetectAnomaliesTool) Definition() mcp.Tool {
	return mcp.NewTool("detect_anomalies",
		mcp.WithDescription("Check an execution for phase imbalance, stagnating tasks and blocking pile-ups."),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution id")),
	)
}

func (t *DetectAnomaliesTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, bad := required(req, "execution_id")
	if bad != nil {
		return bad, nil
	}
	found, err := t.svc.DetectAnomalies(ctx, args["execution_id"])
	if err != nil {
		return opError("detect_anomalies", err), nil
	}
	if len(found) == 0 {
		return mcp.NewToolResultText("No anomalies detected."), nil
	}
	return jsonResult(found)
}
