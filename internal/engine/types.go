package engine

import "fmt"

// Direction of a port.
type Direction int

const (
	DirectionUnknown Direction = iota
	DirectionInput
	DirectionOutput
)

// String returns a human-readable direction
func (d Direction) String() string {
	switch d {
	case DirectionInput:
		return "input"
	case DirectionOutput:
		return "output"
	default:
		return "unknown"
	}
}

// State of the graph lifecycle.
type State int

const (
	StateVoidPending State = iota
	StateNull
	StateReady
	StatePaused
	StatePlaying
)

// String returns the state name as the engine reports it
func (s State) String() string {
	switch s {
	case StateVoidPending:
		return "VOID_PENDING"
	case StateNull:
		return "NULL"
	case StateReady:
		return "READY"
	case StatePaused:
		return "PAUSED"
	case StatePlaying:
		return "PLAYING"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// StateChange is the engine's answer to a SetState request.
type StateChange int

const (
	StateChangeFailure StateChange = iota
	StateChangeSuccess
	StateChangeAsync
	StateChangeNoPreroll
)

// String returns a human-readable state change result
func (c StateChange) String() string {
	switch c {
	case StateChangeFailure:
		return "failure"
	case StateChangeSuccess:
		return "success"
	case StateChangeAsync:
		return "async"
	case StateChangeNoPreroll:
		return "no-preroll"
	default:
		return "unknown"
	}
}

// EventKind identifies a control-plane event.
type EventKind int

const (
	EventOther EventKind = iota
	EventError
	EventEOS
	EventStateChanged
)

// String returns a human-readable event kind
func (k EventKind) String() string {
	switch k {
	case EventError:
		return "error"
	case EventEOS:
		return "eos"
	case EventStateChanged:
		return "state-changed"
	default:
		return "other"
	}
}

// Event is one control-plane notification popped from the graph queue.
type Event struct {
	Kind EventKind

	// Source is the stable name of the emitting node (the graph itself for
	// top-level state changes).
	Source string

	// Error events
	Message string
	Debug   string

	// State-changed events
	OldState State
	NewState State

	// TypeName is the engine's name for EventOther events
	TypeName string
}
