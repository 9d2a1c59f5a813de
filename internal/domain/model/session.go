package model

import (
	"time"

	"github.com/google/uuid"
)

// Phase is one stage of the design -> spec -> plan -> code pipeline.
type Phase string

const (
	PhaseDesign    Phase = "design"
	PhaseSpec      Phase = "spec"
	PhasePlan      Phase = "plan"
	PhaseCode      Phase = "code"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// Next returns the phase that follows p in the pipeline, or "" when p is
// terminal.
func (p Phase) Next() Phase {
	switch p {
	case PhaseDesign:
		return PhaseSpec
	case PhaseSpec:
		return PhasePlan
	case PhasePlan:
		return PhaseCode
	case PhaseCode:
		return PhaseCompleted
	default:
		return ""
	}
}

// Terminal reports whether no further transitions are possible from p.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Valid reports whether p is a known phase value.
func (p Phase) Valid() bool {
	switch p {
	case PhaseDesign, PhaseSpec, PhasePlan, PhaseCode, PhaseCompleted, PhaseFailed:
		return true
	}
	return false
}

// WorkPhases lists the phases that schedule a job, in pipeline order.
func WorkPhases() []Phase {
	return []Phase{PhaseDesign, PhaseSpec, PhasePlan, PhaseCode}
}

// FailureCause is the redacted summary carried by a failed session:
// a taxonomy kind plus a short message, never a raw upstream payload.
type FailureCause struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Session is one pipeline run. It is owned by the session state machine and
// mutated only through validated transitions; workers never touch it
// directly.
type Session struct {
	ID           string
	Phase        Phase
	Revision     int64
	Intent       []byte           // structured intent from the parser, input to the design phase
	PhaseResults map[Phase]string // phase -> result artifact reference
	Failure      *FailureCause
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewSession creates a session positioned at the design phase.
func NewSession(intent []byte) *Session {
	now := time.Now()
	return &Session{
		ID:           uuid.NewString(),
		Phase:        PhaseDesign,
		Revision:     0,
		Intent:       intent,
		PhaseResults: map[Phase]string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// PhaseInput returns the input snapshot for executing the given phase: the
// structured intent for design, otherwise the previous phase's result
// reference.
func (s *Session) PhaseInput(phase Phase) []byte {
	if phase == PhaseDesign {
		return s.Intent
	}
	for prev := PhaseDesign; prev != ""; prev = prev.Next() {
		if prev.Next() == phase {
			return []byte(s.PhaseResults[prev])
		}
	}
	return nil
}
