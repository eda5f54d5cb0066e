// Package core runs one assembly-and-supervision cycle: it builds the
// topology from configuration, assembles the graph, hooks the resolver,
// starts the optional status surfaces and hands control to the supervisor.
package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/e7canasta/ipcam-mixer/internal/config"
	"github.com/e7canasta/ipcam-mixer/internal/control"
	"github.com/e7canasta/ipcam-mixer/internal/emitter"
	"github.com/e7canasta/ipcam-mixer/internal/engine"
	"github.com/e7canasta/ipcam-mixer/internal/graph"
	"github.com/e7canasta/ipcam-mixer/internal/health"
	"github.com/e7canasta/ipcam-mixer/internal/metrics"
	"github.com/e7canasta/ipcam-mixer/internal/notify"
	"github.com/e7canasta/ipcam-mixer/internal/resolver"
	"github.com/e7canasta/ipcam-mixer/internal/supervisor"
	"github.com/e7canasta/ipcam-mixer/internal/topology"
)

// ExitCode is the process exit code of a run.
type ExitCode = supervisor.ExitCode

const shutdownTimeout = 3 * time.Second

// Option customizes a Mixer.
type Option func(*Mixer)

// WithRoles replaces the resolver role table.
func WithRoles(roles *resolver.Roles) Option {
	return func(m *Mixer) { m.roles = roles }
}

// WithSubscriber attaches ch to the notification bus for the whole run.
func WithSubscriber(id string, ch chan<- notify.Notification) Option {
	return func(m *Mixer) { m.subscribers[id] = ch }
}

// Mixer is one run of the camera mixer.
type Mixer struct {
	cfg   *config.Config
	eng   engine.Engine
	roles *resolver.Roles
	runID string
	log   *slog.Logger

	subscribers map[string]chan<- notify.Notification

	mu  sync.RWMutex
	sup *supervisor.Supervisor
	res *resolver.Resolver
}

// NewMixer prepares a run of cfg on eng.
func NewMixer(cfg *config.Config, eng engine.Engine, opts ...Option) *Mixer {
	runID := uuid.NewString()
	m := &Mixer{
		cfg:         cfg,
		eng:         eng,
		roles:       resolver.DefaultRoles(),
		runID:       runID,
		log:         slog.Default().With("run_id", runID, "instance_id", cfg.InstanceID),
		subscribers: make(map[string]chan<- notify.Notification),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run assembles and supervises the graph described by cfg. Cancelling ctx
// requests a graceful end-of-stream.
func Run(ctx context.Context, cfg *config.Config, eng engine.Engine) ExitCode {
	return NewMixer(cfg, eng).Run(ctx)
}

// RunID returns the id attached to every log line and notification.
func (m *Mixer) RunID() string {
	return m.runID
}

// Run executes the run and returns its exit code.
func (m *Mixer) Run(ctx context.Context) ExitCode {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	metrics.SetExitCode(-1)

	bus := notify.New(m.runID)
	defer bus.Close()
	for id, ch := range m.subscribers {
		if err := bus.Subscribe(id, ch); err != nil {
			m.log.Warn("core: subscriber rejected", "id", id, "error", err)
		}
	}

	stopEmitter := m.startEmitter(ctx, bus, stop)
	defer stopEmitter()

	m.log.Info("core: assembling graph",
		"source", m.cfg.SourceAddress,
		"latency_ms", m.cfg.SourceLatencyMS,
		"synthetic", m.cfg.SyntheticEnabled,
	)

	topo, err := topology.Build(m.cfg.TopologyOptions())
	if err != nil {
		return m.setupFailed(bus, "topology", err)
	}

	g, err := graph.CreateNodes(m.eng, topo)
	if err != nil {
		return m.setupFailed(bus, "node registry", err)
	}
	if err := g.RequestInputPorts(); err != nil {
		return m.setupFailed(bus, "port allocation", err, g)
	}
	if err := g.LinkStatic(); err != nil {
		return m.setupFailed(bus, "static wiring", err, g)
	}

	res, err := resolver.New(topo, m.roles, bus)
	if err == nil {
		err = res.Register(g)
	}
	if err != nil {
		return m.setupFailed(bus, "resolver", err, g)
	}

	sup := supervisor.New(g, bus)
	m.mu.Lock()
	m.sup, m.res = sup, res
	m.mu.Unlock()

	stopHealth := m.startHealth()
	defer stopHealth()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			m.log.Info("core: interrupt requested, sending end-of-stream", "graph", g.Name())
			g.Interrupt()
		case <-done:
		}
	}()

	st := sup.Run()
	close(done)
	wg.Wait()

	switch st.Code {
	case supervisor.ExitOK:
		m.log.Debug("core: run finished", "reason", st.Reason, "events", st.Events)
	default:
		m.log.Error("core: run failed", "reason", st.Reason, "exit_code", int(st.Code), "error", st.Err)
	}
	return st.Code
}

// Readiness reports whether the graph is playing and every route is linked.
func (m *Mixer) Readiness() health.Readiness {
	m.mu.RLock()
	sup, res := m.sup, m.res
	m.mu.RUnlock()

	if sup == nil || res == nil {
		return health.Readiness{GraphState: engine.StateNull.String()}
	}

	state := sup.State()
	routes := make(map[string]string)
	for k, s := range res.Snapshot() {
		routes[k] = s.String()
	}
	return health.Readiness{
		Ready:      sup.Running() && state == engine.StatePlaying && res.AllLinked(),
		GraphState: state.String(),
		Routes:     routes,
	}
}

func (m *Mixer) setupFailed(bus notify.Publisher, stage string, err error, g ...*graph.Graph) ExitCode {
	m.log.Error("core: setup failed", "stage", stage, "error", err)
	bus.Publish(notify.Notification{
		Kind:    notify.KindSetupFailed,
		Subject: stage,
		Detail:  err.Error(),
	})
	for _, gr := range g {
		if terr := gr.Teardown(); terr != nil {
			m.log.Warn("core: teardown after setup failure incomplete", "error", terr)
		}
	}
	metrics.SetExitCode(int(supervisor.ExitSetup))
	return supervisor.ExitSetup
}

func (m *Mixer) startEmitter(ctx context.Context, bus notify.Bus, stop context.CancelFunc) func() {
	if m.cfg.MQTTBroker == "" {
		return func() {}
	}

	em := emitter.NewMQTTEmitter(emitter.Options{
		Broker:   m.cfg.MQTTBroker,
		ClientID: m.cfg.InstanceID + "-" + m.runID[:8],
		Topic:    m.cfg.MQTTTopic,
	})
	if err := em.Connect(ctx); err != nil {
		m.log.Warn("core: mqtt emitter disabled", "error", err)
		return func() {}
	}

	ch := make(chan notify.Notification, 64)
	if err := bus.Subscribe("mqtt", ch); err != nil {
		m.log.Warn("core: mqtt emitter disabled", "error", err)
		em.Disconnect()
		return func() {}
	}

	emCtx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		em.Run(emCtx, ch)
	}()

	stopControl := m.startControl(ctx, em.Client(), stop)

	return func() {
		stopControl()
		// After Unsubscribe the bus never sends on ch again, so closing it
		// lets Run flush the queued notifications and return.
		_ = bus.Unsubscribe("mqtt")
		close(ch)
		select {
		case <-stopped:
		case <-time.After(shutdownTimeout):
			cancel()
			<-stopped
		}
		cancel()
		em.Disconnect()
		st := em.Stats()
		m.log.Info("core: mqtt emitter stopped", "errors", st.Errors, "topics", len(st.Published))
	}
}

// startControl lets operators query readiness and stop the run over the
// emitter's MQTT connection.
func (m *Mixer) startControl(ctx context.Context, client mqtt.Client, stop context.CancelFunc) func() {
	if m.cfg.MQTTControlTopic == "" || client == nil {
		return func() {}
	}

	h := control.NewHandler(client, m.cfg.MQTTControlTopic, control.Callbacks{
		OnGetStatus: func() map[string]any {
			rd := m.Readiness()
			return map[string]any{
				"run_id":      m.runID,
				"ready":       rd.Ready,
				"graph_state": rd.GraphState,
				"routes":      rd.Routes,
			}
		},
		OnStop: stop,
	})
	if err := h.Start(ctx); err != nil {
		m.log.Warn("core: control handler disabled", "error", err)
		return func() {}
	}
	return h.Stop
}

func (m *Mixer) startHealth() func() {
	if m.cfg.HealthListen == "" {
		return func() {}
	}

	srv := health.NewServer(m.cfg.HealthListen, m.Readiness)
	if err := srv.Start(); err != nil {
		m.log.Warn("core: health server disabled", "error", err)
		return func() {}
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			m.log.Warn("core: health server shutdown", "error", err)
		}
	}
}
