package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyWired is returned when LinkStatic runs twice.
	ErrAlreadyWired = errors.New("graph: static links already made")

	// ErrNoRequestedPort is returned when a link targets a branch whose
	// input port was never requested.
	ErrNoRequestedPort = errors.New("graph: no port requested for branch")
)

// SetupError reports a node, container or graph that could not be created.
// Fatal: assembly aborts before playing.
type SetupError struct {
	Kind string
	Name string
	Err  error
}

func (e *SetupError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("setup: %v", e.Err)
	}
	return fmt.Sprintf("setup: could not create %s %q: %v", e.Kind, e.Name, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// LinkError reports a statically required link that failed. Fatal: the graph
// stays releasable but is never played.
type LinkError struct {
	Src     string
	SrcPort string
	Dst     string
	DstPort string
	Err     error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("link: %s.%s -> %s.%s: %v", e.Src, e.SrcPort, e.Dst, e.DstPort, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// AllocReason classifies a rejected on-request allocation.
type AllocReason string

const (
	ReasonExhausted   AllocReason = "exhausted"
	ReasonTooLate     AllocReason = "too_late"
	ReasonDuplicate   AllocReason = "duplicate_branch"
	ReasonUnavailable AllocReason = "unavailable"
)

// PortAllocationError reports an on-request port that could not be handed
// out. Fatal for the branch that needed it.
type PortAllocationError struct {
	Node     string
	Template string
	Branch   string
	Reason   AllocReason
	Err      error
}

func (e *PortAllocationError) Error() string {
	msg := fmt.Sprintf("port allocation: %s %s for branch %q: %s", e.Node, e.Template, e.Branch, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PortAllocationError) Unwrap() error { return e.Err }
