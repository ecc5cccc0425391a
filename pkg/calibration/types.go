package calibration

import (
	"errors"
	"fmt"
	"time"
)

// Phase is a step of the calibration state machine.
type Phase string

const (
	PhaseIdle      Phase = "Idle"
	PhaseSelecting Phase = "Selecting"
	PhaseRunning   Phase = "Running"
	PhaseStopped   Phase = "Stopped"
	PhaseReviewing Phase = "Reviewing"
	PhaseCommitted Phase = "Committed"
	PhaseDiscarded Phase = "Discarded"
)

// Terminal reports whether no further action is accepted in p.
func (p Phase) Terminal() bool {
	return p == PhaseCommitted || p == PhaseDiscarded
}

// Action is something the operator asks a session to do.
type Action string

const (
	ActionStart   Action = "start"
	ActionBegin   Action = "begin"
	ActionStop    Action = "stop"
	ActionAdvance Action = "advance"
	ActionRedo    Action = "redo"
	ActionSkip    Action = "skip"
	ActionCommit  Action = "commit"
	ActionDiscard Action = "discard"
)

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionStart, ActionBegin, ActionStop, ActionAdvance, ActionRedo, ActionSkip, ActionCommit, ActionDiscard:
		return a, nil
	}
	return "", fmt.Errorf("unknown calibration action %q", s)
}

// ErrInvalidTransition matches every *TransitionError.
var ErrInvalidTransition = errors.New("invalid calibration transition")

// TransitionError is returned when an action is not allowed in the current
// phase. The session is left untouched.
type TransitionError struct {
	Phase  Phase
	Action Action
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s calibration in phase %s", e.Action, e.Phase)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// Status is a snapshot of a session for the daemon API and the CLI.
// Measured and Previous are indexed by channel; Measured is nil for channels
// not (yet) measured in this session.
type Status struct {
	Phase          Phase      `json:"phase"`
	Channel        int        `json:"channel"`
	ChannelCount   int        `json:"channelCount"`
	Line           int        `json:"line,omitempty"`
	StartedAt      time.Time  `json:"startedAt"`
	RunningSeconds float64    `json:"runningSeconds,omitempty"`
	Measured       []*float64 `json:"measured"`
	Previous       []float64  `json:"previous"`
	LastError      string     `json:"lastError,omitempty"`
}
