package upload

import "fmt"

// State is the state of an upload session.
type State int

const (
	StateIdle State = iota
	StatePlanning
	StateNegotiating
	StateTransmitting
	StateFinalizing
	StateCompleted
	StateCancelled
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:         "idle",
	StatePlanning:     "planning",
	StateNegotiating:  "negotiating",
	StateTransmitting: "transmitting",
	StateFinalizing:   "finalizing",
	StateCompleted:    "completed",
	StateCancelled:    "cancelled",
	StateFailed:       "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no transition leaves the state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

var transitions = map[State][]State{
	StateIdle:         {StatePlanning},
	StatePlanning:     {StateNegotiating},
	StateNegotiating:  {StateTransmitting, StateCancelled, StateFailed},
	StateTransmitting: {StateFinalizing, StateCancelled, StateFailed},
	StateFinalizing:   {StateCompleted, StateCancelled, StateFailed},
}

func (s State) canTransition(to State) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}
