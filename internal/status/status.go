// Package status summarizes what the daemon holds for an operator.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/msageha/phasegraph/internal/api"
	"github.com/msageha/phasegraph/internal/coherence"
	"github.com/msageha/phasegraph/internal/model"
)

// Source is the API plus a liveness check, as provided by client.Client.
type Source interface {
	api.API
	Ping(ctx context.Context) error
}

type Report struct {
	Daemon     DaemonStatus      `json:"daemon"`
	Executions []string          `json:"executions,omitempty"`
	Execution  *ExecutionSummary `json:"execution,omitempty"`
}

type DaemonStatus struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type ExecutionSummary struct {
	ID            string                               `json:"id"`
	DominantPhase model.Phase                          `json:"dominant_phase"`
	Counts        map[model.Phase]map[model.Status]int `json:"counts"`
	Branches      map[model.BranchStatus]int           `json:"branches"`
	Executable    int                                  `json:"executable"`
	Anomalies     []model.Anomaly                      `json:"anomalies,omitempty"`
}

// Collect gathers a report. With an empty executionID only the execution
// list is filled. A daemon that does not answer is reported, not returned
// as an error.
func Collect(ctx context.Context, src Source, executionID string) (Report, error) {
	var r Report
	if err := src.Ping(ctx); err != nil {
		r.Daemon = DaemonStatus{Running: false, Error: err.Error()}
		return r, nil
	}
	r.Daemon.Running = true

	if executionID == "" {
		ids, err := src.ListExecutions(ctx)
		if err != nil {
			return r, fmt.Errorf("list executions: %w", err)
		}
		r.Executions = ids
		return r, nil
	}

	sum, err := summarize(ctx, src, executionID)
	if err != nil {
		return r, err
	}
	r.Execution = sum
	return r, nil
}

func summarize(ctx context.Context, src Source, executionID string) (*ExecutionSummary, error) {
	tasks, err := src.GetTasksForExecution(ctx, api.ListTasksParams{ExecutionID: executionID})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	branches, err := src.ListBranches(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	ready, err := src.GetExecutableTasks(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("executable tasks: %w", err)
	}
	anomalies, err := src.DetectAnomalies(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("detect anomalies: %w", err)
	}

	sum := &ExecutionSummary{
		ID:         executionID,
		Counts:     make(map[model.Phase]map[model.Status]int, len(model.Phases)),
		Branches:   make(map[model.BranchStatus]int),
		Executable: len(ready),
		Anomalies:  anomalies,
	}
	for _, p := range model.Phases {
		sum.Counts[p] = make(map[model.Status]int, len(model.Statuses))
	}
	for _, t := range tasks {
		if m, ok := sum.Counts[t.Phase]; ok {
			m[t.Status]++
		}
	}
	for _, b := range branches {
		sum.Branches[b.Status]++
	}
	sum.DominantPhase = coherence.DominantPhase(tasks)
	return sum, nil
}

// Print writes r as a table, or as indented JSON when jsonOutput is set.
func Print(w io.Writer, r Report, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	if !r.Daemon.Running {
		fmt.Fprintf(w, "Daemon: stopped (%s)\n", r.Daemon.Error)
		return nil
	}
	fmt.Fprintln(w, "Daemon: running")

	if r.Execution == nil {
		if len(r.Executions) == 0 {
			fmt.Fprintln(w, "\nExecutions: none")
			return nil
		}
		fmt.Fprintln(w, "\nExecutions:")
		for _, id := range r.Executions {
			fmt.Fprintf(w, "  %s\n", id)
		}
		return nil
	}

	s := r.Execution
	fmt.Fprintf(w, "\nExecution: %s  (dominant phase: %s, executable: %d)\n", s.ID, s.DominantPhase, s.Executable)
	fmt.Fprintf(w, "\n  %-14s", "PHASE")
	for _, st := range model.Statuses {
		fmt.Fprintf(w, "  %11s", st)
	}
	fmt.Fprintln(w)
	for _, p := range model.Phases {
		fmt.Fprintf(w, "  %-14s", p)
		for _, st := range model.Statuses {
			fmt.Fprintf(w, "  %11d", s.Counts[p][st])
		}
		fmt.Fprintln(w)
	}

	if len(s.Branches) > 0 {
		fmt.Fprintln(w, "\nBranches:")
		for _, bs := range []model.BranchStatus{model.BranchStatusActive, model.BranchStatusMerged, model.BranchStatusCompleted, model.BranchStatusAbandoned} {
			if n := s.Branches[bs]; n > 0 {
				fmt.Fprintf(w, "  %-10s %d\n", bs, n)
			}
		}
	}

	if len(s.Anomalies) == 0 {
		fmt.Fprintln(w, "\nAnomalies: none")
		return nil
	}
	fmt.Fprintln(w, "\nAnomalies:")
	for _, a := range s.Anomalies {
		fmt.Fprintf(w, "  [%s] %s: %s\n", a.Severity, a.Kind, a.Detail)
	}
	return nil
}
