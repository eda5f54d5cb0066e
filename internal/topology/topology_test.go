package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_SingleSource(t *testing.T) {
	topo, err := Build(Options{SourceAddress: "rtsp://host/stream"})
	require.NoError(t, err)

	assert.Equal(t, "ipcam_pipeline", topo.Name)
	assert.Empty(t, topo.Containers)
	assert.Empty(t, topo.Requests)
	require.Len(t, topo.Routes, 2)
	assert.Equal(t, RoleRelay, topo.Routes[0].Role)
	assert.Equal(t, []string{MediaRTP}, topo.Routes[0].Accept)
	assert.Equal(t, RoleRender, topo.Routes[1].Role)

	src, ok := topo.Node("source")
	require.True(t, ok)
	assert.Contains(t, src.Properties, Property{Key: "location", Value: "rtsp://host/stream"})
	assert.Contains(t, src.Properties, Property{Key: "latency", Value: uint(0)})
}

func TestBuild_DualSource(t *testing.T) {
	topo, err := Build(Options{
		SourceAddress: "rtsp://host/stream",
		Synthetic:     true,
		OverlayText:   map[string]string{SourceCamera: "Live", SourceSynthetic: "Test"},
		HAlign:        HAlignLeft,
		VAlign:        VAlignTop,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{SourceCamera, SourceSynthetic}, topo.Branches())
	require.Len(t, topo.Requests, 2)

	mixer, ok := topo.Node("mixer")
	require.True(t, ok)
	assert.Equal(t, 2, mixer.MaxRequestPorts)

	overlay, ok := topo.Node("cam_overlay")
	require.True(t, ok)
	assert.Equal(t, []Property{
		{Key: "text", Value: "Live"},
		{Key: "halign", Value: 0},
		{Key: "valign", Value: 2},
	}, overlay.Properties)

	// Static links follow the declared order: depay→decoder, converter→sink,
	// synthetic source→overlay, then overlays→compositor inputs.
	assert.Equal(t, "depay.src->decoder.sink", topo.Links[0].String())
	assert.Equal(t, "convert.src->videosink.sink", topo.Links[1].String())
	assert.Equal(t, "testsrc.src->test_overlay.video_sink", topo.Links[2].String())
	assert.Equal(t, "cam_overlay.src->mixer.<camera>", topo.Links[3].String())
}

func TestBuild_RejectsBadOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"missing address", Options{}},
		{"negative latency", Options{SourceAddress: "rtsp://x", SourceLatencyMS: -1}},
		{"bad halign", Options{SourceAddress: "rtsp://x", Synthetic: true, HAlign: "middle"}},
		{"bad valign", Options{SourceAddress: "rtsp://x", Synthetic: true, VAlign: "up"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Build(tc.opts)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Topology {
		return &Topology{
			Name: "g",
			Nodes: []NodeSpec{
				{Kind: KindRTSPSource, Name: "src"},
				{Kind: KindDepayloader, Name: "depay"},
				{Kind: KindDecoder, Name: "dec"},
				{Kind: KindCompositor, Name: "mix", MaxRequestPorts: 1},
			},
			Containers: []ContainerSpec{{Name: "bin", Nodes: []string{"src", "depay"}}},
			Requests:   []RequestSpec{{Node: "mix", Template: CompositorInputs, Branch: "a"}},
			Links:      []LinkSpec{{Src: "depay", SrcPort: "src", Dst: "dec", DstPort: "sink"}},
			Routes:     []RouteSpec{{Producer: "src", Consumer: "depay", Role: RoleRelay, Accept: []string{MediaRTP}}},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Topology)
	}{
		{"duplicate node", func(tp *Topology) { tp.Nodes = append(tp.Nodes, NodeSpec{Kind: KindSink, Name: "dec"}) }},
		{"node in two containers", func(tp *Topology) {
			tp.Containers = append(tp.Containers, ContainerSpec{Name: "bin2", Nodes: []string{"src"}})
		}},
		{"container references unknown node", func(tp *Topology) { tp.Containers[0].Nodes = append(tp.Containers[0].Nodes, "ghost") }},
		{"link to unknown node", func(tp *Topology) { tp.Links[0].Dst = "ghost" }},
		{"link from dynamic producer", func(tp *Topology) { tp.Links[0].Src = "src" }},
		{"link to unknown branch", func(tp *Topology) { tp.Links[0].DstBranch = "b" }},
		{"request on static node", func(tp *Topology) { tp.Requests[0].Node = "dec" }},
		{"duplicate branch", func(tp *Topology) { tp.Requests = append(tp.Requests, tp.Requests[0]) }},
		{"route from static producer", func(tp *Topology) { tp.Routes[0].Producer = "depay" }},
		{"route without accept", func(tp *Topology) { tp.Routes[0].Accept = nil }},
		{"graph name clash", func(tp *Topology) { tp.Name = "src" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tp := valid()
			tc.mutate(tp)
			assert.ErrorIs(t, tp.Validate(), ErrInvalid)
		})
	}
}

func TestCapabilitiesOf(t *testing.T) {
	dec := CapabilitiesOf(KindDecoder)
	assert.True(t, dec.Has(StaticConsumer))
	assert.True(t, dec.Has(DynamicProducer))
	assert.False(t, dec.Has(StaticProducer))
	assert.Equal(t, "static-consumer|dynamic-producer", dec.String())

	assert.True(t, CapabilitiesOf(KindCompositor).Has(OnRequestConsumer))
	assert.Equal(t, "none", CapabilitiesOf("unknown").String())
}
