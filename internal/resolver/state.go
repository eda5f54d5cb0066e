package resolver

import (
	"fmt"
	"strings"
)

// State is the resolution state of one (producer, consumer input) pair.
type State int

const (
	// StateAwaitingPort: no usable port announced yet.
	StateAwaitingPort State = iota
	// StateNegotiating: an announced port's media type is being inspected.
	StateNegotiating
	// StateLinked: the consumer input is linked to the producer.
	StateLinked
	// StateRejected: the last announcement carried a media type outside the
	// route's accepted set. A later matching announcement can still link.
	StateRejected
	// StateAlreadyLinked: the consumer input was found linked by someone else.
	StateAlreadyLinked
)

func (s State) String() string {
	switch s {
	case StateAwaitingPort:
		return "awaiting_port"
	case StateNegotiating:
		return "negotiating"
	case StateLinked:
		return "linked"
	case StateRejected:
		return "rejected"
	case StateAlreadyLinked:
		return "already_linked"
	default:
		return "unknown"
	}
}

// satisfied reports whether the consumer input has an upstream.
func (s State) satisfied() bool {
	return s == StateLinked || s == StateAlreadyLinked
}

// Key identifies a pair by stable node names.
type Key struct {
	Producer string
	Consumer string
}

func (k Key) String() string {
	return k.Producer + "->" + k.Consumer
}

// NegotiationMismatch describes an announced port whose media type is not in
// the route's accepted set. It is logged and counted, never fatal.
type NegotiationMismatch struct {
	Producer  string
	Port      string
	MediaType string
	Accept    []string
}

func (e *NegotiationMismatch) Error() string {
	return fmt.Sprintf("resolver: %s.%s has type %q, not in range of interest [%s]",
		e.Producer, e.Port, e.MediaType, strings.Join(e.Accept, ", "))
}
