package flow

import (
	"fmt"

	"masterflow/api/internal/quorum"
	"masterflow/api/internal/store"
)

type Phase string

const (
	PhaseDraft      Phase = "draft"
	PhaseSubmitted  Phase = "submitted"
	PhaseStepActive Phase = "step_active"
	PhaseApproved   Phase = "approved"
	PhaseRejected   Phase = "rejected"
	PhaseCancelled  Phase = "cancelled"
)

func (p Phase) Terminal() bool {
	return p == PhaseApproved || p == PhaseRejected || p == PhaseCancelled
}

// State is a document's position in its flow. Step is 1-based and only set
// while the phase is step_active.
type State struct {
	Phase Phase `json:"phase"`
	Step  int   `json:"step,omitempty"`
}

func (s State) String() string {
	if s.Phase == PhaseStepActive {
		return fmt.Sprintf("%s(%d)", s.Phase, s.Step)
	}
	return string(s.Phase)
}

type Event string

const (
	EventSubmit   Event = "submit"
	EventActivate Event = "activate"
	EventAdvance  Event = "advance"
	EventApprove  Event = "approve"
	EventReject   Event = "reject"
	EventCancel   Event = "cancel"
)

var transitions = map[Phase]map[Event]Phase{
	PhaseDraft: {
		EventSubmit: PhaseSubmitted,
		EventCancel: PhaseCancelled,
	},
	PhaseSubmitted: {
		EventActivate: PhaseStepActive,
		EventCancel:   PhaseCancelled,
	},
	PhaseStepActive: {
		EventAdvance: PhaseStepActive,
		EventApprove: PhaseApproved,
		EventReject:  PhaseRejected,
		EventCancel:  PhaseCancelled,
	},
}

// Fire applies event to from. It only knows the shape of the flow, not its
// length: callers decide whether a step_active document advances or approves.
func Fire(from State, event Event) (State, error) {
	to, ok := transitions[from.Phase][event]
	if !ok {
		return from, validationError("INVALID_TRANSITION", fmt.Sprintf("cannot %s a document in state %s", event, from), map[string]any{
			"state": from.String(),
			"event": string(event),
		})
	}
	next := State{Phase: to}
	switch event {
	case EventActivate:
		next.Step = 1
	case EventAdvance:
		next.Step = from.Step + 1
	}
	return next, nil
}

// Allowed lists the events valid from a phase.
func Allowed(phase Phase) []Event {
	events := make([]Event, 0, len(transitions[phase]))
	for _, event := range []Event{EventSubmit, EventActivate, EventAdvance, EventApprove, EventReject, EventCancel} {
		if _, ok := transitions[phase][event]; ok {
			events = append(events, event)
		}
	}
	return events
}

// stepEvent picks the event that follows a step outcome, or "" while the step
// is still pending.
func stepEvent(current State, outcome quorum.Status, stepCount int) Event {
	switch outcome {
	case quorum.StatusRejected:
		return EventReject
	case quorum.StatusApproved:
		if current.Step >= stepCount {
			return EventApprove
		}
		return EventAdvance
	default:
		return ""
	}
}

func stateOf(doc store.Document) State {
	phase := Phase(doc.State)
	if phase == "" {
		phase = PhaseDraft
	}
	state := State{Phase: phase}
	if phase == PhaseStepActive {
		state.Step = doc.CurrentStep
	}
	return state
}

// DocumentState is the derived approval state of a document.
type DocumentState struct {
	DocumentID  string        `json:"documentId"`
	Outcome     quorum.Status `json:"outcome"`
	Phase       Phase         `json:"phase"`
	CurrentStep int           `json:"currentStep,omitempty"`
	Steps       []StepResult  `json:"steps"`
	Allowed     []Event       `json:"allowedEvents"`
	Note        string        `json:"note,omitempty"`
}
