package graph

import (
	"errors"
	"sync"
	"testing"

	"github.com/e7canasta/ipcam-mixer/internal/engine"
	"github.com/e7canasta/ipcam-mixer/internal/enginetest"
	"github.com/e7canasta/ipcam-mixer/internal/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func singleOpts() topology.Options {
	return topology.Options{
		SourceAddress:   "rtsp://10.0.0.7:554/stream1",
		SourceLatencyMS: 200,
	}
}

func dualOpts() topology.Options {
	opts := singleOpts()
	opts.Synthetic = true
	opts.OverlayText = map[string]string{
		topology.SourceCamera:    "Camera",
		topology.SourceSynthetic: "Test",
	}
	opts.HAlign = topology.HAlignLeft
	opts.VAlign = topology.VAlignTop
	return opts
}

func build(t *testing.T, opts topology.Options) *topology.Topology {
	t.Helper()
	topo, err := topology.Build(opts)
	require.NoError(t, err)
	return topo
}

func TestCreateNodes_SingleSource(t *testing.T) {
	eng := enginetest.New()

	g, err := CreateNodes(eng, build(t, singleOpts()))
	require.NoError(t, err)

	assert.Equal(t, "ipcam_pipeline", g.Name())
	assert.Equal(t,
		[]string{"rtspsrc", "rtph264depay", "decodebin", "videoconvert", "autovideosink"},
		eng.CreateCalls())
	assert.Empty(t, eng.LinkCalls(), "registry must not link anything")

	loc, ok := eng.Node("source").Property("location")
	require.True(t, ok)
	assert.Equal(t, "rtsp://10.0.0.7:554/stream1", loc)
	latency, _ := eng.Node("source").Property("latency")
	assert.Equal(t, uint(200), latency)

	for _, name := range []string{"source", "depay", "decoder", "convert", "videosink"} {
		_, ok := g.Node(name)
		assert.True(t, ok, name)
		assert.Equal(t, "ipcam_pipeline", eng.Node(name).Parent(), name)
	}
	_, ok = g.Allocator("convert")
	assert.False(t, ok)
}

func TestCreateNodes_DualSourceContainers(t *testing.T) {
	eng := enginetest.New()

	g, err := CreateNodes(eng, build(t, dualOpts()))
	require.NoError(t, err)

	assert.Equal(t, "camera_bin", eng.Node("source").Parent())
	assert.Equal(t, "camera_bin", eng.Node("cam_overlay").Parent())
	assert.Equal(t, "synthetic_bin", eng.Node("testsrc").Parent())
	assert.Equal(t, "ipcam_mixer", eng.Node("mixer").Parent())
	assert.Equal(t, "ipcam_mixer", eng.Node("camera_bin").Parent())

	_, ok := g.Container("camera_bin")
	assert.True(t, ok)
	_, ok = g.Allocator("mixer")
	assert.True(t, ok)

	text, _ := eng.Node("test_overlay").Property("text")
	assert.Equal(t, "Test", text)
	valign, _ := eng.Node("cam_overlay").Property("valign")
	assert.Equal(t, 2, valign)
	live, _ := eng.Node("testsrc").Property("is-live")
	assert.Equal(t, true, live)
}

func TestCreateNodes_FailsFastOnUnknownKind(t *testing.T) {
	eng := enginetest.New(enginetest.WithFailingKind(topology.KindDecoder))

	g, err := CreateNodes(eng, build(t, singleOpts()))
	require.Error(t, err)
	assert.Nil(t, g)

	var setupErr *SetupError
	require.ErrorAs(t, err, &setupErr)
	assert.Equal(t, "decodebin", setupErr.Kind)
	assert.Equal(t, "decoder", setupErr.Name)
	assert.ErrorIs(t, err, engine.ErrUnknownKind)

	assert.Equal(t, []string{"rtspsrc", "rtph264depay", "decodebin"}, eng.CreateCalls())
	assert.Empty(t, eng.LinkCalls())
	assert.Equal(t, int64(1), eng.Graph().Released())
}

func TestCreateNodes_RejectsInvalidTopology(t *testing.T) {
	topo := build(t, singleOpts())
	topo.Nodes = append(topo.Nodes, topology.NodeSpec{Kind: topology.KindSink, Name: "videosink"})

	eng := enginetest.New()
	_, err := CreateNodes(eng, topo)
	require.Error(t, err)
	assert.ErrorIs(t, err, topology.ErrInvalid)
	assert.Empty(t, eng.CreateCalls())
	assert.Nil(t, eng.Graph())
}

func TestLinkStatic_SingleSource(t *testing.T) {
	eng := enginetest.New()
	g, err := CreateNodes(eng, build(t, singleOpts()))
	require.NoError(t, err)

	require.NoError(t, g.RequestInputPorts())
	require.NoError(t, g.LinkStatic())

	var got []string
	for _, c := range eng.LinkCalls() {
		assert.True(t, c.Static)
		got = append(got, c.String())
	}
	assert.Equal(t, []string{
		"depay.src->decoder.sink",
		"convert.src->videosink.sink",
	}, got)

	assert.ErrorIs(t, g.LinkStatic(), ErrAlreadyWired)
}

func TestLinkStatic_DualSourceUsesRequestedPorts(t *testing.T) {
	eng := enginetest.New()
	g, err := CreateNodes(eng, build(t, dualOpts()))
	require.NoError(t, err)

	require.NoError(t, g.RequestInputPorts())
	require.NoError(t, g.LinkStatic())

	var got []string
	for _, c := range eng.LinkCalls() {
		got = append(got, c.String())
	}
	assert.Equal(t, []string{
		"depay.src->decoder.sink",
		"convert.src->videosink.sink",
		"testsrc.src->test_overlay.video_sink",
		"cam_overlay.src->mixer.sink_0",
		"test_overlay.src->mixer.sink_1",
		"mixer.src->convert.sink",
	}, got)

	a, _ := g.Allocator("mixer")
	assert.Equal(t, 2, a.Len())
	assert.Equal(t, 2, eng.Node("mixer").OutstandingRequestPorts())
}

func TestLinkStatic_FailureNamesThePair(t *testing.T) {
	eng := enginetest.New(enginetest.WithFailingLink("testsrc", "src", "test_overlay", "video_sink"))
	g, err := CreateNodes(eng, build(t, dualOpts()))
	require.NoError(t, err)
	require.NoError(t, g.RequestInputPorts())

	err = g.LinkStatic()
	var linkErr *LinkError
	require.ErrorAs(t, err, &linkErr)
	assert.Equal(t, "testsrc", linkErr.Src)
	assert.Equal(t, "src", linkErr.SrcPort)
	assert.Equal(t, "test_overlay", linkErr.Dst)
	assert.Equal(t, "video_sink", linkErr.DstPort)

	// Links after the failing one are never attempted.
	assert.Len(t, eng.LinkCalls(), 3)

	require.NoError(t, g.Teardown())
	assert.Zero(t, eng.Node("mixer").OutstandingRequestPorts())
}

func TestRequestInputPorts_Exhausted(t *testing.T) {
	topo := build(t, dualOpts())
	for i := range topo.Nodes {
		if topo.Nodes[i].Name == "mixer" {
			topo.Nodes[i].MaxRequestPorts = 1
		}
	}

	eng := enginetest.New()
	g, err := CreateNodes(eng, topo)
	require.NoError(t, err)

	err = g.RequestInputPorts()
	var allocErr *PortAllocationError
	require.ErrorAs(t, err, &allocErr)
	assert.Equal(t, ReasonExhausted, allocErr.Reason)
	assert.Equal(t, topology.SourceSynthetic, allocErr.Branch)
	assert.Equal(t, 1, eng.Node("mixer").OutstandingRequestPorts())
}

func TestRequestInputPorts_EngineRefuses(t *testing.T) {
	eng := enginetest.New(enginetest.WithRequestLimit(topology.KindCompositor, 1))
	g, err := CreateNodes(eng, build(t, dualOpts()))
	require.NoError(t, err)

	err = g.RequestInputPorts()
	var allocErr *PortAllocationError
	require.ErrorAs(t, err, &allocErr)
	assert.Equal(t, ReasonUnavailable, allocErr.Reason)
}

func TestAllocator_RejectsAfterPlaying(t *testing.T) {
	eng := enginetest.New()
	g, err := CreateNodes(eng, build(t, dualOpts()))
	require.NoError(t, err)
	require.NoError(t, g.RequestInputPorts())
	require.NoError(t, g.LinkStatic())

	_, err = g.SetState(engine.StatePlaying)
	require.NoError(t, err)

	a, _ := g.Allocator("mixer")
	_, err = a.Request("late", topology.CompositorInputs)
	var allocErr *PortAllocationError
	require.ErrorAs(t, err, &allocErr)
	assert.Equal(t, ReasonTooLate, allocErr.Reason)
	assert.Equal(t, 2, a.Len())
}

func TestAllocator_DuplicateBranch(t *testing.T) {
	eng := enginetest.New()
	g, err := CreateNodes(eng, build(t, dualOpts()))
	require.NoError(t, err)

	a, _ := g.Allocator("mixer")
	name, err := a.Request(topology.SourceCamera, topology.CompositorInputs)
	require.NoError(t, err)
	assert.Equal(t, "sink_0", name)

	_, err = a.Request(topology.SourceCamera, topology.CompositorInputs)
	var allocErr *PortAllocationError
	require.ErrorAs(t, err, &allocErr)
	assert.Equal(t, ReasonDuplicate, allocErr.Reason)

	got, ok := a.PortName(topology.SourceCamera)
	assert.True(t, ok)
	assert.Equal(t, "sink_0", got)
}

func TestTeardown_ReleasesEverythingOnce(t *testing.T) {
	eng := enginetest.New()
	g, err := CreateNodes(eng, build(t, dualOpts()))
	require.NoError(t, err)
	require.NoError(t, g.RequestInputPorts())
	require.NoError(t, g.LinkStatic())
	_, err = g.SetState(engine.StatePlaying)
	require.NoError(t, err)

	require.NoError(t, g.Teardown())
	require.NoError(t, g.Teardown())

	assert.Zero(t, eng.Node("mixer").OutstandingRequestPorts())
	assert.Equal(t, int64(1), eng.Graph().Released())
	assert.Equal(t,
		[]engine.State{engine.StatePlaying, engine.StateNull},
		eng.Graph().States())
	assert.Nil(t, g.PopEvent(), "released graph yields no events")
}

func TestInterrupt_NoOpOnceTornDown(t *testing.T) {
	eng := enginetest.New()
	g, err := CreateNodes(eng, build(t, singleOpts()))
	require.NoError(t, err)

	g.Interrupt()
	assert.Equal(t, int64(1), eng.Graph().Interrupts())

	// Interrupts racing teardown either land before it starts or not at all.
	const racers = 16
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			g.Interrupt()
		}()
	}
	close(start)
	require.NoError(t, g.Teardown())
	after := eng.Graph().Interrupts()
	wg.Wait()

	assert.Equal(t, after, eng.Graph().Interrupts(), "no interrupt reached a released graph")
	g.Interrupt()
	assert.Equal(t, after, eng.Graph().Interrupts())
	assert.LessOrEqual(t, after, int64(1+racers))
}

func TestErrors_Messages(t *testing.T) {
	base := errors.New("boom")

	err := &LinkError{Src: "a", SrcPort: "src", Dst: "b", DstPort: "sink", Err: base}
	assert.Equal(t, "link: a.src -> b.sink: boom", err.Error())
	assert.ErrorIs(t, err, base)

	setup := &SetupError{Kind: "decodebin", Name: "decoder", Err: base}
	assert.Contains(t, setup.Error(), `decodebin "decoder"`)

	alloc := &PortAllocationError{Node: "mixer", Template: "sink_%u", Branch: "camera", Reason: ReasonTooLate}
	assert.Equal(t, `port allocation: mixer sink_%u for branch "camera": too_late`, alloc.Error())
}
