// Package model defines the task graph data structures and phasegraph configuration.
package model

import (
	"slices"
	"time"
)

// Task is a unit of work inside a workflow execution.
// BlockedBy and Blocks are the two directions of the same dependency edge set.
type Task struct {
	ID             string    `json:"id" yaml:"id"`
	ExecutionID    string    `json:"execution_id" yaml:"execution_id"`
	Title          string    `json:"title" yaml:"title"`
	Description    string    `json:"description" yaml:"description"`
	Rationale      string    `json:"rationale" yaml:"rationale"`
	Phase          Phase     `json:"phase" yaml:"phase"`
	Status         Status    `json:"status" yaml:"status"`
	BranchID       string    `json:"branch_id,omitempty" yaml:"branch_id,omitempty"`
	SpawnedBy      string    `json:"spawned_by" yaml:"spawned_by"`
	Annotation     string    `json:"annotation,omitempty" yaml:"annotation,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty" yaml:"idempotency_key,omitempty"`
	BlockedBy      []string  `json:"blocked_by" yaml:"blocked_by"`
	Blocks         []string  `json:"blocks" yaml:"blocks"`
	CreatedAt      time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" yaml:"updated_at"`
}

// InTrunk reports whether the task belongs to no branch.
func (t *Task) InTrunk() bool {
	return t.BranchID == ""
}

// Clone returns a deep copy so callers can mutate edges without aliasing store state.
func (t Task) Clone() Task {
	t.BlockedBy = slices.Clone(t.BlockedBy)
	t.Blocks = slices.Clone(t.Blocks)
	return t
}

type Branch struct {
	ID              string       `json:"id" yaml:"id"`
	ExecutionID     string       `json:"execution_id" yaml:"execution_id"`
	Status          BranchStatus `json:"status" yaml:"status"`
	OriginDiscovery string       `json:"origin_discovery" yaml:"origin_discovery"`
	Summary         string       `json:"summary,omitempty" yaml:"summary,omitempty"`
	Reason          string       `json:"reason,omitempty" yaml:"reason,omitempty"`
	CreatedAt       time.Time    `json:"created_at" yaml:"created_at"`
	ResolvedAt      *time.Time   `json:"resolved_at,omitempty" yaml:"resolved_at,omitempty"`
}

// BlockedTask pairs a blocked task with the dependencies that keep it blocked.
type BlockedTask struct {
	Task  Task     `json:"task"`
	Unmet []string `json:"unmet"`
}

// CoherenceRecord is an append-only alignment observation.
type CoherenceRecord struct {
	ExecutionID         string    `json:"execution_id"`
	AgentID             string    `json:"agent_id"`
	Timestamp           time.Time `json:"timestamp"`
	PhaseAlignmentScore float64   `json:"phase_alignment_score"`
	Notes               string    `json:"notes"`
}

type AnomalyKind string

const (
	AnomalyPhaseImbalance AnomalyKind = "phase_imbalance"
	AnomalyStagnation     AnomalyKind = "stagnation"
	AnomalyBlockingPileup AnomalyKind = "blocking_pileup"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// SeverityForRatio maps observed/threshold to a severity: (1,2] low, (2,4] medium, >4 high.
func SeverityForRatio(ratio float64) Severity {
	switch {
	case ratio > 4:
		return SeverityHigh
	case ratio > 2:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

type Anomaly struct {
	Kind      AnomalyKind `json:"kind"`
	Severity  Severity    `json:"severity"`
	Detail    string      `json:"detail"`
	TaskID    string      `json:"task_id,omitempty"`
	Observed  float64     `json:"observed"`
	Threshold float64     `json:"threshold"`
}
