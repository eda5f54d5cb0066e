// Package metrics exposes Prometheus instrumentation for graph assembly,
// dynamic linking and the lifecycle loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	nodesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ipcam_mixer_nodes_created_total",
		Help: "Nodes instantiated by the registry by kind and outcome",
	}, []string{"kind", "outcome"}) // outcome=success|failure

	staticLinks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ipcam_mixer_static_links_total",
		Help: "Static link attempts by outcome",
	}, []string{"outcome"})

	portAnnouncements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ipcam_mixer_port_announcements_total",
		Help: "Dynamic port announcements by producer and resolver outcome",
	}, []string{"producer", "outcome"}) // outcome=linked|rejected|already_linked|link_failed

	requestPorts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ipcam_mixer_request_ports",
		Help: "On-request ports currently allocated per node",
	}, []string{"node"})

	requestPortFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ipcam_mixer_request_port_failures_total",
		Help: "Rejected on-request port allocations by reason",
	}, []string{"node", "reason"})

	busEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ipcam_mixer_bus_events_total",
		Help: "Control-plane events consumed by kind",
	}, []string{"kind"})

	runtimeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ipcam_mixer_runtime_errors_total",
		Help: "Runtime error events by category",
	}, []string{"category"}) // category=network|codec|auth|unknown

	graphState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ipcam_mixer_graph_state",
		Help: "Last reported top-level graph state (0=void,1=null,2=ready,3=paused,4=playing)",
	})

	exitCode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ipcam_mixer_exit_code",
		Help: "Exit code of the last completed run (-1 while running)",
	})
)

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// IncNodeCreated records one NewNode call.
func IncNodeCreated(kind string, ok bool) {
	nodesCreated.WithLabelValues(kind, outcome(ok)).Inc()
}

// IncStaticLink records one static link attempt.
func IncStaticLink(ok bool) {
	staticLinks.WithLabelValues(outcome(ok)).Inc()
}

// IncPortAnnouncement records the resolver outcome for one announced port.
func IncPortAnnouncement(producer, result string) {
	portAnnouncements.WithLabelValues(producer, result).Inc()
}

// SetRequestPorts sets the number of allocated request ports on node.
func SetRequestPorts(node string, n int) {
	requestPorts.WithLabelValues(node).Set(float64(n))
}

// IncRequestPortFailure records a rejected allocation.
func IncRequestPortFailure(node, reason string) {
	requestPortFailures.WithLabelValues(node, reason).Inc()
}

// IncBusEvent records one consumed control-plane event.
func IncBusEvent(kind string) {
	busEvents.WithLabelValues(kind).Inc()
}

// IncRuntimeError records one runtime error event.
func IncRuntimeError(category string) {
	runtimeErrors.WithLabelValues(category).Inc()
}

// SetGraphState records the top-level graph state.
func SetGraphState(state int) {
	graphState.Set(float64(state))
}

// SetExitCode records the run's exit code.
func SetExitCode(code int) {
	exitCode.Set(float64(code))
}
