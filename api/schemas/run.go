package schemas

import (
	"fmt"
	"time"
)

// -- Action Schemas --

// ActionKind is the closed set of things the agent can do to a page.
type ActionKind string

const (
	ActionNavigate ActionKind = "navigate"
	ActionFill     ActionKind = "fill"
	ActionClick    ActionKind = "click"
	ActionSelect   ActionKind = "select"
	ActionScroll   ActionKind = "scroll"
	ActionWait     ActionKind = "wait"
	ActionComplete ActionKind = "complete"
)

// ActionKinds lists every kind in declaration order.
var ActionKinds = []ActionKind{
	ActionNavigate, ActionFill, ActionClick, ActionSelect, ActionScroll, ActionWait, ActionComplete,
}

// IsInteractive reports whether the kind changes page state on purpose.
func (k ActionKind) IsInteractive() bool {
	switch k {
	case ActionNavigate, ActionFill, ActionClick, ActionSelect:
		return true
	}
	return false
}

// Action is one step the planner asked for.
type Action struct {
	Kind   ActionKind `json:"kind"`
	Target string     `json:"target,omitempty"`
	// Value is nil when the model supplied none. A non-nil empty string
	// means "clear this field".
	Value       *string `json:"value,omitempty"`
	Description string  `json:"description"`

	PushSubgoal string `json:"push_subgoal,omitempty"`
	SubgoalDone bool   `json:"subgoal_done,omitempty"`
}

// ValueOr returns the value or def when none was given.
func (a Action) ValueOr(def string) string {
	if a.Value == nil {
		return def
	}
	return *a.Value
}

// Signature identifies "the same thing again" for loop detection.
func (a Action) Signature() string {
	if a.Target != "" {
		return string(a.Kind) + "@" + a.Target
	}
	return string(a.Kind) + ":" + a.Description
}

func (a Action) String() string {
	s := string(a.Kind)
	if a.Target != "" {
		s += "(" + a.Target + ")"
	}
	if a.Value != nil {
		s += fmt.Sprintf(" value=%q", *a.Value)
	}
	if a.Description != "" {
		s += " - " + a.Description
	}
	return s
}

// StringPtr is a convenience for building actions with a value.
func StringPtr(s string) *string { return &s }

// Outcome records what happened when an action was executed.
type Outcome struct {
	Step   int    `json:"step"`
	Action Action `json:"action"`
	// TargetLocator is the most robust locator of the resolved target. It
	// stays the same across snapshot generations, unlike the target id.
	TargetLocator     string      `json:"target_locator,omitempty"`
	Success           bool        `json:"success"`
	Error             string      `json:"error,omitempty"`
	ErrorCode         string      `json:"error_code,omitempty"`
	StateChanged      bool        `json:"state_changed"`
	ExecutedAt        time.Time   `json:"executed_at"`
	FingerprintBefore Fingerprint `json:"fingerprint_before"`
	FingerprintAfter  Fingerprint `json:"fingerprint_after"`
	LoopFlagged       bool        `json:"loop_flagged,omitempty"`
	GuardOverride     bool        `json:"guard_override,omitempty"`
}

// Signature identifies repeats of the same action on the same element.
func (o Outcome) Signature() string {
	if o.TargetLocator != "" {
		return string(o.Action.Kind) + "@" + o.TargetLocator
	}
	return o.Action.Signature()
}

// -- Run Schemas --

// RunStatus is the terminal status of one run.
type RunStatus string

const (
	StatusCompleted      RunStatus = "completed"
	StatusExhausted      RunStatus = "exhausted"
	StatusAborted        RunStatus = "aborted"
	StatusTransportError RunStatus = "transport-error"
)

// Milestone is recorded when a sub-goal is marked done.
type Milestone struct {
	Label     string `json:"label"`
	StepIndex int    `json:"step_index"`
}

// RunResult is what a caller gets back from one run.
type RunResult struct {
	RunID      string      `json:"run_id"`
	Goal       string      `json:"goal"`
	Status     RunStatus   `json:"status"`
	Reason     string      `json:"reason"`
	Steps      int         `json:"steps"`
	Outcomes   []Outcome   `json:"outcomes"`
	Milestones []Milestone `json:"milestones,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

// Succeeded counts the successful outcomes.
func (r RunResult) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Success {
			n++
		}
	}
	return n
}

// -- Event Schemas --

// EventType identifies a progress event.
type EventType string

const (
	EventRunStarted      EventType = "run_started"
	EventActionStarted   EventType = "action_started"
	EventActionCompleted EventType = "action_completed"
	EventRunFinished     EventType = "run_finished"
)

// Event is one entry on the progress stream.
type Event struct {
	RunID   string    `json:"run_id"`
	Type    EventType `json:"type"`
	Step    int       `json:"step"`
	Action  *Action   `json:"action,omitempty"`
	Outcome *Outcome  `json:"outcome,omitempty"`
	Status  RunStatus `json:"status,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Time    time.Time `json:"time"`
}
