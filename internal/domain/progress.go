package domain

import (
	"encoding/json"
	"time"
)

// ─── Phases ─────────────────────────────────────────────────────────────────

// Phase is one of the four ordered macro-stages of a review.
type Phase string

const (
	PhaseUnderstanding Phase = "understanding"
	PhaseExploring     Phase = "exploring"
	PhaseAnalyzing     Phase = "analyzing"
	PhaseSynthesizing  Phase = "synthesizing"
)

var phaseOrder = []Phase{PhaseUnderstanding, PhaseExploring, PhaseAnalyzing, PhaseSynthesizing}

// AllPhases returns the phases in pipeline order.
func AllPhases() []Phase {
	out := make([]Phase, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}

// Index returns the phase position, or -1 for an unknown phase.
func (p Phase) Index() int {
	for i, q := range phaseOrder {
		if q == p {
			return i
		}
	}
	return -1
}

// Before reports whether p comes strictly before other.
func (p Phase) Before(other Phase) bool {
	return p.Index() >= 0 && p.Index() < other.Index()
}

// Label returns a human-readable phase name.
func (p Phase) Label() string {
	switch p {
	case PhaseUnderstanding:
		return "Understanding"
	case PhaseExploring:
		return "Exploring"
	case PhaseAnalyzing:
		return "Analyzing"
	case PhaseSynthesizing:
		return "Synthesizing"
	default:
		return string(p)
	}
}

// ─── Progress Events ────────────────────────────────────────────────────────

// EventType discriminates the ProgressEvent variants.
type EventType string

const (
	EventPhase    EventType = "phase"
	EventSubagent EventType = "subagent"
	EventActivity EventType = "activity"
	EventProgress EventType = "progress"
	EventUsage    EventType = "usage"
	EventComplete EventType = "complete"
)

// ProgressEvent is one entry of a job's ephemeral event stream.
// Data holds the variant payload; Decode it according to Type.
type ProgressEvent struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Decode unmarshals the payload into v.
func (e ProgressEvent) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// SubtaskStatus is the lifecycle of a delegated subtask.
type SubtaskStatus string

const (
	SubtaskStarted   SubtaskStatus = "started"
	SubtaskCompleted SubtaskStatus = "completed"
)

type PhaseData struct {
	Phase   Phase  `json:"phase"`
	Message string `json:"message"`
}

type SubagentData struct {
	Kind        string        `json:"kind"`
	Description string        `json:"description"`
	Status      SubtaskStatus `json:"status"`
}

type ActivityData struct {
	Kind   string `json:"kind"`
	Tool   string `json:"tool"`
	Detail string `json:"detail"`
}

type ProgressData struct {
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

type UsageData struct {
	Session  TokenUsage     `json:"session"`
	Subtasks []SubtaskUsage `json:"subtasks"`
	CostUSD  float64        `json:"cost_usd"`
}

type CompleteData struct {
	Status  JobStatus `json:"status"`
	Message string    `json:"message,omitempty"`
}

func newEvent(t EventType, at time.Time, payload any) ProgressEvent {
	// Payloads are plain structs of strings and numbers; Marshal cannot fail.
	data, _ := json.Marshal(payload)
	return ProgressEvent{Type: t, Timestamp: at.UTC(), Data: data}
}

func NewPhaseEvent(at time.Time, phase Phase, msg string) ProgressEvent {
	return newEvent(EventPhase, at, PhaseData{Phase: phase, Message: msg})
}

func NewSubagentEvent(at time.Time, kind, description string, status SubtaskStatus) ProgressEvent {
	return newEvent(EventSubagent, at, SubagentData{Kind: kind, Description: description, Status: status})
}

func NewActivityEvent(at time.Time, kind, tool, detail string) ProgressEvent {
	return newEvent(EventActivity, at, ActivityData{Kind: kind, Tool: tool, Detail: detail})
}

func NewProgressEvent(at time.Time, percent int, msg string) ProgressEvent {
	return newEvent(EventProgress, at, ProgressData{Percent: percent, Message: msg})
}

func NewUsageEvent(at time.Time, session TokenUsage, subtasks []SubtaskUsage, costUSD float64) ProgressEvent {
	if subtasks == nil {
		subtasks = []SubtaskUsage{}
	}
	return newEvent(EventUsage, at, UsageData{Session: session, Subtasks: subtasks, CostUSD: costUSD})
}

func NewCompleteEvent(at time.Time, status JobStatus, msg string) ProgressEvent {
	return newEvent(EventComplete, at, CompleteData{Status: status, Message: msg})
}

// WaitingMessage is attached to the synthetic phase event sent to clients
// that connect before the job's event stream exists.
const WaitingMessage = "Waiting for review to start..."
