// Package status defines the meeting lifecycle state machine: the canonical
// state set, transition validity, and transition source classification.
package status

import "time"

// Status is a meeting lifecycle state. Values are stored lowercase in the
// database and on the wire.
type Status string

const (
	Requested         Status = "requested"
	Joining           Status = "joining"
	AwaitingAdmission Status = "awaiting_admission"
	Active            Status = "active"
	Completed         Status = "completed"
	Failed            Status = "failed"
)

// Source classifies who drove a transition.
type Source string

const (
	SourceUser   Source = "user"
	SourceBot    Source = "bot"
	SourceSystem Source = "system"
)

// Completion reasons for clean terminal transitions.
const (
	CompletionStopped         = "stopped"
	CompletionEveryoneLeft    = "everyone_left"
	CompletionEvicted         = "evicted"
	CompletionAdmissionFailed = "admission_failed"
)

// Failure stages for FAILED transitions.
const (
	FailureStageJoining          = "joining"
	FailureStageWaitingAdmission = "waiting_admission"
	FailureStageActive           = "active"
)

// ActiveSet holds the non-terminal states. Rows in these states count
// against the uniqueness invariant and the per-user concurrency cap.
var ActiveSet = []Status{Requested, Joining, AwaitingAdmission, Active}

// transitions is the full permitted-transition table.
var transitions = map[Status]map[Status]bool{
	Requested: {
		Joining:           true,
		AwaitingAdmission: true,
		Active:            true,
		Completed:         true,
		Failed:            true,
	},
	Joining: {
		AwaitingAdmission: true,
		Active:            true,
		Completed:         true,
		Failed:            true,
	},
	AwaitingAdmission: {
		Active:    true,
		Completed: true,
		Failed:    true,
	},
	Active: {
		Completed: true,
		Failed:    true,
	},
	// Terminal states have no outgoing transitions.
	Completed: {},
	Failed:    {},
}

// Valid reports whether s is a known status value.
func Valid(s Status) bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether s is COMPLETED or FAILED.
func IsTerminal(s Status) bool {
	return s == Completed || s == Failed
}

// IsActive reports whether s is in the active set.
func IsActive(s Status) bool {
	return Valid(s) && !IsTerminal(s)
}

// IsPreActive reports whether s is in the active set but not yet ACTIVE.
func IsPreActive(s Status) bool {
	return IsActive(s) && s != Active
}

// CanTransition reports whether from -> to is admitted by the table.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// ClassifySource derives who initiated a transition from the (from, to)
// pair. Progress callbacks and anything leaving ACTIVE come from the bot;
// a terminal COMPLETED from a pre-active state is an explicit user stop;
// FAILED from a pre-active state is launcher- or timer-driven.
func ClassifySource(from, to Status) Source {
	switch to {
	case Joining, AwaitingAdmission, Active:
		return SourceBot
	case Completed:
		if from == Active {
			return SourceBot
		}
		return SourceUser
	case Failed:
		if from == Active {
			return SourceBot
		}
		return SourceSystem
	default:
		return SourceSystem
	}
}

// Reserved keys in a transition audit entry. Caller metadata never
// overwrites these.
const (
	entryKeyFrom      = "from"
	entryKeyTo        = "to"
	entryKeyTimestamp = "timestamp"
	entryKeySource    = "source"
)

// NewTransitionEntry builds one audit entry for the status_transition list.
// Caller metadata (reason, completion_reason, failure_stage, error_details,
// exit_code, ...) is merged without overwriting the reserved keys.
func NewTransitionEntry(from, to Status, metadata map[string]any) map[string]any {
	entry := map[string]any{
		entryKeyFrom:      string(from),
		entryKeyTo:        string(to),
		entryKeyTimestamp: time.Now().UTC().Format(time.RFC3339),
		entryKeySource:    string(ClassifySource(from, to)),
	}
	for k, v := range metadata {
		if _, reserved := entry[k]; reserved {
			continue
		}
		if v == nil {
			continue
		}
		entry[k] = v
	}
	return entry
}
