package model

import "fmt"

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

type Phase string

const (
	PhaseInvestigation Phase = "investigation"
	PhaseBuilding      Phase = "building"
	PhaseValidation    Phase = "validation"
)

type BranchStatus string

const (
	BranchStatusActive    BranchStatus = "active"
	BranchStatusMerged    BranchStatus = "merged"
	BranchStatusAbandoned BranchStatus = "abandoned"
	BranchStatusCompleted BranchStatus = "completed"
)

// Phases lists every phase in priority order.
var Phases = []Phase{PhaseInvestigation, PhaseBuilding, PhaseValidation}

// Statuses lists every task status.
var Statuses = []Status{StatusPending, StatusInProgress, StatusBlocked, StatusCompleted, StatusFailed}

var phasePriority = map[Phase]int{
	PhaseInvestigation: 0,
	PhaseBuilding:      1,
	PhaseValidation:    2,
}

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
}

var frozenBranchStatuses = map[BranchStatus]bool{
	BranchStatusMerged:    true,
	BranchStatusAbandoned: true,
}

// Explicit task transitions requested by agents. blocked <-> pending moves are
// derived by the engine from dependency state and never requested directly.
var validTaskTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusInProgress: true,
	},
	StatusInProgress: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusFailed: {
		StatusPending: true, // explicit retry
	},
}

var validBranchTransitions = map[BranchStatus]map[BranchStatus]bool{
	BranchStatusActive: {
		BranchStatusMerged:    true,
		BranchStatusAbandoned: true,
		BranchStatusCompleted: true,
	},
}

func (p Phase) Valid() bool {
	_, ok := phasePriority[p]
	return ok
}

// Priority orders phases for scheduling: investigation < building < validation.
func (p Phase) Priority() int {
	if prio, ok := phasePriority[p]; ok {
		return prio
	}
	return len(phasePriority)
}

func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusBlocked, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

func (b BranchStatus) Valid() bool {
	switch b {
	case BranchStatusActive, BranchStatusMerged, BranchStatusAbandoned, BranchStatusCompleted:
		return true
	}
	return false
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

// IsBranchFrozen reports whether tasks of a branch in status b may no longer change.
func IsBranchFrozen(b BranchStatus) bool {
	return frozenBranchStatuses[b]
}

func ValidateTaskTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	if from == StatusBlocked {
		return fmt.Errorf("status %q is derived from dependencies and cannot be changed directly", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}

func ValidateBranchTransition(from, to BranchStatus) error {
	allowed, ok := validBranchTransitions[from]
	if !ok {
		return fmt.Errorf("cannot transition from resolved branch status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid branch transition: %q → %q", from, to)
	}
	return nil
}
