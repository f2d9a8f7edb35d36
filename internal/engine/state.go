package engine

import "errors"

var (
	// ErrInvalidTransition indicates an invalid state transition was attempted.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrEngineClosed indicates the engine has been disposed.
	ErrEngineClosed = errors.New("engine closed")
)

// State enumerates playback engine states. Exactly one is active at a time.
type State string

const (
	// StateNeedsUserStart awaits an explicit start call before any audio output.
	StateNeedsUserStart State = "needs_user_start"
	// StateIdle has no loop in progress (stopped, or awaiting a non-empty collection).
	StateIdle State = "idle"
	// StatePlaying is actively sounding the clip under the cursor.
	StatePlaying State = "playing"
	// StatePaused retains handle, snapshot, cursor and position without output.
	StatePaused State = "paused"
	// StateSwitching advances exactly one position; re-entrant requests are dropped.
	StateSwitching State = "switching"
	// StateLoopCompleting rebuilds the snapshot after exhausting the order.
	StateLoopCompleting State = "loop_completing"
)

var validTransitions = map[State][]State{
	StateNeedsUserStart: {StatePlaying, StateIdle},
	StateIdle:           {StatePlaying, StateNeedsUserStart},
	StatePlaying:        {StatePaused, StateSwitching, StateIdle, StateNeedsUserStart},
	StatePaused:         {StatePlaying, StateSwitching, StateIdle, StateNeedsUserStart},
	StateSwitching:      {StatePlaying, StateLoopCompleting, StateIdle, StateNeedsUserStart},
	StateLoopCompleting: {StatePlaying, StateIdle, StateNeedsUserStart},
}

func isValidTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
