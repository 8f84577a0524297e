package mcptools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/msageha/phasegraph/internal/api"
	"github.com/msageha/phasegraph/internal/coherence"
	"github.com/msageha/phasegraph/internal/model"
	"github.com/msageha/phasegraph/internal/store/memstore"
	"github.com/msageha/phasegraph/internal/workflow"
)

// ─── Test helpers ────────────────────────────────────────────────────────────

func newTestAPI(t *testing.T) api.API {
	t.Helper()
	s := memstore.New()
	t.Cleanup(func() { _ = s.Close() })
	e := workflow.NewEngine(s)
	return api.NewService(e, workflow.NewBranchManager(e), coherence.NewMonitor(s))
}

func makeReq(args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(r *mcp.CallToolResult) string {
	if r == nil || len(r.Content) == 0 {
		return ""
	}
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func call(t *testing.T, tool Tool, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	res, err := tool.Handle(context.Background(), makeReq(args))
	if err != nil {
		t.Fatalf("%s: unexpected Go error: %v", tool.Definition().Name, err)
	}
	return res
}

func decodeTask(t *testing.T, r *mcp.CallToolResult) model.Task {
	t.Helper()
	if r.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(r))
	}
	var task model.Task
	if err := json.Unmarshal([]byte(resultText(r)), &task); err != nil {
		t.Fatalf("decode task: %v\n%s", err, resultText(r))
	}
	return task
}

func spawn(t *testing.T, svc api.API, title, phase, blockedBy string) model.Task {
	t.Helper()
	args := map[string]interface{}{
		"execution_id": "exec_1",
		"title":        title,
		"phase":        phase,
		"spawned_by":   "agent_a",
	}
	if blockedBy != "" {
		args["blocked_by"] = blockedBy
	}
	return decodeTask(t, call(t, NewSpawnTaskTool(svc), args))
}

// ─── Definitions ─────────────────────────────────────────────────────────────

func TestTools_DefinitionsAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for _, tool := range Tools(newTestAPI(t)) {
		def := tool.Definition()
		if def.Name == "" || def.Description == "" {
			t.Errorf("tool %q missing name or description", def.Name)
		}
		if seen[def.Name] {
			t.Errorf("duplicate tool name %q", def.Name)
		}
		seen[def.Name] = true
	}
	if len(seen) != 15 {
		t.Errorf("got %d tools, want 15", len(seen))
	}
}

func TestSpawnTaskTool_Definition(t *testing.T) {
	def := NewSpawnTaskTool(newTestAPI(t)).Definition()
	for _, p := range []string{"execution_id", "title", "phase", "spawned_by", "blocked_by", "branch_id", "idempotency_key"} {
		if _, ok := def.InputSchema.Properties[p]; !ok {
			t.Errorf("missing %q parameter", p)
		}
	}
	required := strings.Join(def.InputSchema.Required, ",")
	if required != "title,phase,spawned_by" {
		t.Errorf("required = %q", required)
	}
}

// ─── Task tools ──────────────────────────────────────────────────────────────

func TestSpawnTaskTool_BlockedByList(t *testing.T) {
	svc := newTestAPI(t)
	a := spawn(t, svc, "A", "investigation", "")
	b := spawn(t, svc, "B", "investigation", "")
	c := spawn(t, svc, "C", "building", " "+a.ID+", ,"+b.ID+" ")

	if c.Status != model.StatusBlocked {
		t.Errorf("status = %s, want blocked", c.Status)
	}
	if len(c.BlockedBy) != 2 || c.BlockedBy[0] != a.ID || c.BlockedBy[1] != b.ID {
		t.Errorf("blocked_by = %v", c.BlockedBy)
	}
}

func TestSpawnTaskTool_Errors(t *testing.T) {
	svc := newTestAPI(t)
	tool := NewSpawnTaskTool(svc)

	res := call(t, tool, map[string]interface{}{"execution_id": "exec_1", "phase": "building", "spawned_by": "a"})
	if !res.IsError || !strings.Contains(resultText(res), "'title' is required") {
		t.Errorf("missing title: %s", resultText(res))
	}

	res = call(t, tool, map[string]interface{}{
		"execution_id": "exec_1", "title": "X", "phase": "deploying", "spawned_by": "a",
	})
	if !res.IsError || !strings.Contains(resultText(res), "[INVALID_PHASE]") {
		t.Errorf("bad phase: %s", resultText(res))
	}

	res = call(t, tool, map[string]interface{}{
		"execution_id": "exec_1", "title": "X", "phase": "building", "spawned_by": "a", "blocked_by": "task_ghost",
	})
	if !res.IsError || !strings.Contains(resultText(res), "[UNKNOWN_DEPENDENCY]") {
		t.Errorf("unknown dependency: %s", resultText(res))
	}
}

func TestUpdateStatusTool_CascadeThroughTools(t *testing.T) {
	svc := newTestAPI(t)
	a := spawn(t, svc, "A", "investigation", "")
	b := spawn(t, svc, "B", "building", a.ID)

	update := NewUpdateStatusTool(svc)
	res := call(t, update, map[string]interface{}{"task_id": b.ID, "status": "in_progress"})
	if !res.IsError || !strings.Contains(resultText(res), "[TASK_BLOCKED]") {
		t.Errorf("starting blocked task: %s", resultText(res))
	}

	decodeTask(t, call(t, update, map[string]interface{}{"task_id": a.ID, "status": "in_progress"}))
	done := decodeTask(t, call(t, update, map[string]interface{}{"task_id": a.ID, "status": "completed"}))
	if done.Status != model.StatusCompleted {
		t.Errorf("status = %s", done.Status)
	}

	got := decodeTask(t, call(t, NewGetTaskTool(svc), map[string]interface{}{"task_id": b.ID}))
	if got.Status != model.StatusPending {
		t.Errorf("dependent status = %s, want pending", got.Status)
	}

	res = call(t, NewExecutableTasksTool(svc), map[string]interface{}{"execution_id": "exec_1"})
	var exec []model.Task
	if err := json.Unmarshal([]byte(resultText(res)), &exec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(exec) != 1 || exec[0].ID != b.ID {
		t.Errorf("executable = %+v", exec)
	}
}

func TestAddDependencyTool_RejectsCycle(t *testing.T) {
	svc := newTestAPI(t)
	a := spawn(t, svc, "A", "investigation", "")
	b := spawn(t, svc, "B", "investigation", a.ID)

	res := call(t, NewAddDependencyTool(svc), map[string]interface{}{"task_id": a.ID, "blocked_by": b.ID})
	if !res.IsError || !strings.Contains(resultText(res), "[CYCLIC_DEPENDENCY]") {
		t.Errorf("cycle: %s", resultText(res))
	}

	c := spawn(t, svc, "C", "investigation", "")
	updated := decodeTask(t, call(t, NewAddDependencyTool(svc), map[string]interface{}{"task_id": c.ID, "blocked_by": a.ID}))
	if updated.Status != model.StatusBlocked {
		t.Errorf("status = %s, want blocked", updated.Status)
	}
}

func TestListAndBlockedTools(t *testing.T) {
	svc := newTestAPI(t)
	a := spawn(t, svc, "A", "investigation", "")
	spawn(t, svc, "B", "building", a.ID)

	res := call(t, NewListTasksTool(svc), map[string]interface{}{"execution_id": "exec_1", "phase": "building"})
	var tasks []model.Task
	if err := json.Unmarshal([]byte(resultText(res)), &tasks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Title != "B" {
		t.Errorf("filtered tasks = %+v", tasks)
	}

	res = call(t, NewBlockedTasksTool(svc), map[string]interface{}{"execution_id": "exec_1"})
	var blocked []model.BlockedTask
	if err := json.Unmarshal([]byte(resultText(res)), &blocked); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(blocked) != 1 || len(blocked[0].Unmet) != 1 || blocked[0].Unmet[0] != a.ID {
		t.Errorf("blocked = %+v", blocked)
	}

	res = call(t, NewExecutableTasksTool(svc), map[string]interface{}{"execution_id": "exec_empty"})
	if res.IsError || !strings.Contains(resultText(res), "No executable tasks") {
		t.Errorf("empty execution: %s", resultText(res))
	}
}

// ─── Branch tools ────────────────────────────────────────────────────────────

func TestBranchTools_Lifecycle(t *testing.T) {
	svc := newTestAPI(t)

	res := call(t, NewCreateBranchTool(svc), map[string]interface{}{
		"execution_id": "exec_1", "origin_discovery": "the cache may be the bottleneck",
	})
	var br model.Branch
	if err := json.Unmarshal([]byte(resultText(res)), &br); err != nil {
		t.Fatalf("decode branch: %v\n%s", err, resultText(res))
	}

	x := decodeTask(t, call(t, NewSpawnTaskTool(svc), map[string]interface{}{
		"title": "profile cache", "phase": "investigation", "spawned_by": "agent_a", "branch_id": br.ID,
	}))
	if x.BranchID != br.ID || x.ExecutionID != "exec_1" {
		t.Errorf("branch task = %+v", x)
	}

	trunk := spawn(t, svc, "T", "investigation", "")
	attached := decodeTask(t, call(t, NewAttachTaskTool(svc), map[string]interface{}{"branch_id": br.ID, "task_id": trunk.ID}))
	if attached.BranchID != br.ID {
		t.Errorf("attached branch = %q", attached.BranchID)
	}

	res = call(t, NewMergeBranchTool(svc), map[string]interface{}{"branch_id": br.ID, "summary": "done"})
	if !res.IsError || !strings.Contains(resultText(res), "[BRANCH_NOT_READY]") {
		t.Errorf("merge before completion: %s", resultText(res))
	}

	res = call(t, NewAbandonBranchTool(svc), map[string]interface{}{"branch_id": br.ID, "reason": "dead end"})
	if res.IsError {
		t.Fatalf("abandon: %s", resultText(res))
	}
	got := decodeTask(t, call(t, NewGetTaskTool(svc), map[string]interface{}{"task_id": x.ID}))
	if got.Status != model.StatusFailed {
		t.Errorf("branch task status = %s, want failed", got.Status)
	}

	res = call(t, NewCompleteBranchTool(svc), map[string]interface{}{"branch_id": br.ID})
	if !res.IsError || !strings.Contains(resultText(res), "[INVALID_BRANCH_STATE]") {
		t.Errorf("complete abandoned branch: %s", resultText(res))
	}

	res = call(t, NewListBranchesTool(svc), map[string]interface{}{"execution_id": "exec_1"})
	var list []model.Branch
	if err := json.Unmarshal([]byte(resultText(res)), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].Status != model.BranchStatusAbandoned {
		t.Errorf("branches = %+v", list)
	}
}

// ─── Coherence tools ─────────────────────────────────────────────────────────

func TestCoherenceTools(t *testing.T) {
	svc := newTestAPI(t)
	spawn(t, svc, "A", "investigation", "")

	res := call(t, NewScoreAlignmentTool(svc), map[string]interface{}{
		"execution_id": "exec_1", "agent_id": "agent_a", "window_sec": float64(600),
	})
	if res.IsError || !strings.Contains(resultText(res), "1.000") || !strings.Contains(resultText(res), "window 600s") {
		t.Errorf("score: %s", resultText(res))
	}

	res = call(t, NewScoreAlignmentTool(svc), map[string]interface{}{"execution_id": "exec_1"})
	if !res.IsError || !strings.Contains(resultText(res), "'agent_id' is required") {
		t.Errorf("missing agent: %s", resultText(res))
	}

	res = call(t, NewDetectAnomaliesTool(svc), map[string]interface{}{"execution_id": "exec_1"})
	if res.IsError || resultText(res) != "No anomalies detected." {
		t.Errorf("anomalies: %s", resultText(res))
	}
}

func TestNewServer(t *testing.T) {
	if s := NewServer(newTestAPI(t)); s == nil {
		t.Fatal("NewServer returned nil")
	}
}
