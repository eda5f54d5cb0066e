// Package supervisor drives an assembled graph through its lifecycle: it asks
// the engine to play, consumes control-plane events until one of them is
// terminal, and tears the graph down exactly once.
//
// Every error and end-of-stream event is terminal; there is no reconnection.
// Interrupting a run means asking the engine for an end-of-stream, which then
// arrives through the same loop.
package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/e7canasta/ipcam-mixer/internal/engine"
	"github.com/e7canasta/ipcam-mixer/internal/metrics"
	"github.com/e7canasta/ipcam-mixer/internal/notify"
)

// ExitCode is the process exit code of one run.
type ExitCode int

const (
	ExitOK         ExitCode = 0 // graceful end-of-stream
	ExitSetup      ExitCode = 1 // setup, link or port allocation failure
	ExitRuntime    ExitCode = 2 // error event while running
	ExitNotPlaying ExitCode = 3 // the graph refused to enter PLAYING
)

// Reason says why a run ended.
type Reason string

const (
	ReasonEndOfStream Reason = "end_of_stream"
	ReasonError       Reason = "runtime_error"
	ReasonNotPlaying  Reason = "not_playing"
	ReasonQueueClosed Reason = "queue_closed"
)

// ErrQueueClosed is reported when the event queue ends without a terminal
// event.
var ErrQueueClosed = errors.New("supervisor: event queue closed")

// RuntimeError is an error event popped from the control-plane queue.
type RuntimeError struct {
	Source   string
	Message  string
	Debug    string
	Category Category
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error [%s] from %s: %s", e.Category, e.Source, e.Message)
}

// Graph is what the supervisor needs from an assembled graph.
// *graph.Graph satisfies it.
type Graph interface {
	Name() string
	SetState(state engine.State) (engine.StateChange, error)
	PopEvent() *engine.Event
	Teardown() error
}

// Status is the outcome of a run.
type Status struct {
	Code   ExitCode
	Reason Reason

	// Events counts every event popped from the queue.
	Events int

	// Err is a *RuntimeError for ReasonError, the refusal for
	// ReasonNotPlaying and ErrQueueClosed for ReasonQueueClosed.
	Err error

	// TeardownErr aggregates failures while releasing the graph.
	TeardownErr error
}

// Supervisor runs one graph. It is not reusable.
type Supervisor struct {
	g    Graph
	name string
	pub  notify.Publisher

	state   atomic.Int32
	running atomic.Bool
}

// New creates a supervisor for g. pub may be nil.
func New(g Graph, pub notify.Publisher) *Supervisor {
	if pub == nil {
		pub = notify.Discard
	}
	s := &Supervisor{g: g, name: g.Name(), pub: pub}
	s.state.Store(int32(engine.StateNull))
	return s
}

// Run is New(g, nil).Run().
func Run(g Graph) Status {
	return New(g, nil).Run()
}

// State returns the last reported state of the top-level graph.
func (s *Supervisor) State() engine.State {
	return engine.State(s.state.Load())
}

// Running reports whether the event loop is active.
func (s *Supervisor) Running() bool {
	return s.running.Load()
}

// Run moves the graph to PLAYING and blocks until a terminal event. The graph
// is torn down before Run returns, whatever the outcome.
func (s *Supervisor) Run() Status {
	name := s.name

	change, err := s.g.SetState(engine.StatePlaying)
	if err == nil && change == engine.StateChangeFailure {
		err = fmt.Errorf("state change %s", change)
	}
	if err != nil {
		slog.Error("supervisor: unable to set the graph to the playing state",
			"graph", name,
			"error", err,
		)
		st := Status{Code: ExitNotPlaying, Reason: ReasonNotPlaying, Err: err}
		s.pub.Publish(notify.Notification{
			Kind:    notify.KindSetupFailed,
			Subject: name,
			Detail:  err.Error(),
		})
		return s.finish(st)
	}
	slog.Debug("supervisor: play requested", "graph", name, "result", change.String())

	s.running.Store(true)
	st := s.loop(name)
	s.running.Store(false)
	return s.finish(st)
}

func (s *Supervisor) loop(name string) Status {
	events := 0
	for {
		ev := s.g.PopEvent()
		if ev == nil {
			slog.Error("supervisor: event queue closed without a terminal event", "graph", name)
			return Status{Code: ExitRuntime, Reason: ReasonQueueClosed, Events: events, Err: ErrQueueClosed}
		}
		events++
		metrics.IncBusEvent(ev.Kind.String())

		switch ev.Kind {
		case engine.EventError:
			rerr := &RuntimeError{
				Source:   ev.Source,
				Message:  ev.Message,
				Debug:    ev.Debug,
				Category: Classify(ev.Message, ev.Debug),
			}
			debug := ev.Debug
			if debug == "" {
				debug = "none"
			}
			metrics.IncRuntimeError(rerr.Category.String())
			slog.Error("supervisor: error received",
				"source", ev.Source,
				"error", ev.Message,
				"debug", debug,
				"category", rerr.Category.String(),
			)
			s.pub.Publish(notify.Notification{
				Kind:    notify.KindRuntimeError,
				Subject: ev.Source,
				Detail:  ev.Message,
				Attrs:   map[string]string{"debug": debug, "category": rerr.Category.String()},
			})
			return Status{Code: ExitRuntime, Reason: ReasonError, Events: events, Err: rerr}

		case engine.EventEOS:
			slog.Info("supervisor: end-of-stream reached", "graph", name)
			s.pub.Publish(notify.Notification{Kind: notify.KindEndOfStream, Subject: name})
			return Status{Code: ExitOK, Reason: ReasonEndOfStream, Events: events}

		case engine.EventStateChanged:
			if ev.Source != name {
				continue
			}
			s.state.Store(int32(ev.NewState))
			metrics.SetGraphState(int(ev.NewState))
			slog.Info("supervisor: graph state changed",
				"graph", name,
				"from", ev.OldState.String(),
				"to", ev.NewState.String(),
			)
			s.pub.Publish(notify.Notification{
				Kind:    notify.KindGraphState,
				Subject: name,
				Attrs:   map[string]string{"from": ev.OldState.String(), "to": ev.NewState.String()},
			})

		default:
			slog.Warn("supervisor: unexpected event", "graph", name, "type", ev.TypeName, "source", ev.Source)
		}
	}
}

func (s *Supervisor) finish(st Status) Status {
	st.TeardownErr = s.g.Teardown()
	s.state.Store(int32(engine.StateNull))
	metrics.SetGraphState(int(engine.StateNull))
	metrics.SetExitCode(int(st.Code))

	if st.TeardownErr != nil {
		slog.Warn("supervisor: teardown incomplete", "error", st.TeardownErr)
	}
	s.pub.Publish(notify.Notification{
		Kind:    notify.KindTeardown,
		Subject: s.name,
		Attrs:   map[string]string{"reason": string(st.Reason), "exit_code": fmt.Sprint(int(st.Code))},
	})
	return st
}
