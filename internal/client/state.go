package client

import (
	"time"

	"github.com/tutu-network/docreview/internal/domain"
)

// ActivityLogSize bounds the rolling activity log.
const ActivityLogSize = 50

// PhaseStatus is the display state of one phase.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseActive    PhaseStatus = "active"
	PhaseCompleted PhaseStatus = "completed"
)

type PhaseState struct {
	Phase   domain.Phase
	Status  PhaseStatus
	Message string
}

type SubagentState struct {
	Kind        string
	Description string
	Status      domain.SubtaskStatus
}

type ActivityEntry struct {
	At time.Time
	domain.ActivityData
}

// State is the running view of one job built from its event stream.
type State struct {
	Phases    []PhaseState
	Subagents []SubagentState
	Activity  []ActivityEntry
	Percent   int
	Message   string
	Usage     *domain.UsageData

	// Set by the complete event.
	Status domain.JobStatus
	Error  string
}

// NewState returns the state of a job nothing is known about yet.
func NewState() *State {
	s := &State{}
	for _, p := range domain.AllPhases() {
		s.Phases = append(s.Phases, PhaseState{Phase: p, Status: PhasePending})
	}
	return s
}

// Apply merges one event into the state. Unknown event types and phases
// are ignored; a payload that does not decode is reported and leaves the
// state untouched.
func (s *State) Apply(ev domain.ProgressEvent) error {
	switch ev.Type {
	case domain.EventPhase:
		var d domain.PhaseData
		if err := ev.Decode(&d); err != nil {
			return err
		}
		idx := d.Phase.Index()
		if idx < 0 {
			return nil
		}
		for i := range s.Phases {
			switch {
			case i < idx:
				s.Phases[i].Status = PhaseCompleted
			case i == idx:
				s.Phases[i].Status = PhaseActive
				s.Phases[i].Message = d.Message
			}
		}

	case domain.EventSubagent:
		var d domain.SubagentData
		if err := ev.Decode(&d); err != nil {
			return err
		}
		for i := range s.Subagents {
			if s.Subagents[i].Kind == d.Kind && s.Subagents[i].Description == d.Description {
				s.Subagents[i].Status = d.Status
				return nil
			}
		}
		s.Subagents = append(s.Subagents, SubagentState{Kind: d.Kind, Description: d.Description, Status: d.Status})

	case domain.EventActivity:
		var d domain.ActivityData
		if err := ev.Decode(&d); err != nil {
			return err
		}
		s.Activity = append(s.Activity, ActivityEntry{At: ev.Timestamp, ActivityData: d})
		if over := len(s.Activity) - ActivityLogSize; over > 0 {
			s.Activity = append(s.Activity[:0:0], s.Activity[over:]...)
		}

	case domain.EventProgress:
		var d domain.ProgressData
		if err := ev.Decode(&d); err != nil {
			return err
		}
		s.Percent = d.Percent
		s.Message = d.Message

	case domain.EventUsage:
		var d domain.UsageData
		if err := ev.Decode(&d); err != nil {
			return err
		}
		s.Usage = &d

	case domain.EventComplete:
		var d domain.CompleteData
		if err := ev.Decode(&d); err != nil {
			return err
		}
		s.Status = d.Status
		s.Error = d.Message
		if d.Status == domain.JobCompleted {
			s.Percent = 100
			for i := range s.Phases {
				s.Phases[i].Status = PhaseCompleted
			}
		}
	}
	return nil
}

// Done reports whether a complete event has been applied.
func (s *State) Done() bool {
	return s.Status == domain.JobCompleted || s.Status == domain.JobError
}

// ActivePhase returns the phase currently marked active, if any.
func (s *State) ActivePhase() (PhaseState, bool) {
	for _, p := range s.Phases {
		if p.Status == PhaseActive {
			return p, true
		}
	}
	return PhaseState{}, false
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *State) Clone() State {
	c := *s
	c.Phases = append([]PhaseState(nil), s.Phases...)
	c.Subagents = append([]SubagentState(nil), s.Subagents...)
	c.Activity = append([]ActivityEntry(nil), s.Activity...)
	if s.Usage != nil {
		u := *s.Usage
		u.Subtasks = append([]domain.SubtaskUsage(nil), s.Usage.Subtasks...)
		c.Usage = &u
	}
	return c
}
