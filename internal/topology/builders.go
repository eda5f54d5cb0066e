package topology

import "fmt"

// Media type prefixes accepted by the built-in routes.
const (
	MediaRTP    = "application/x-rtp"
	MediaRawVid = "video/x-raw"
)

// Route roles. The destination port each role maps to lives in the
// resolver's role table.
const (
	RoleRelay   = "relay"
	RoleRender  = "render"
	RoleOverlay = "overlay"
)

// Source ids used for overlay text and branch names.
const (
	SourceCamera    = "camera"
	SourceSynthetic = "synthetic"
)

// HAlign is the horizontal overlay alignment.
type HAlign string

// VAlign is the vertical overlay alignment.
type VAlign string

const (
	HAlignLeft   HAlign = "left"
	HAlignCenter HAlign = "center"
	HAlignRight  HAlign = "right"

	VAlignBaseline VAlign = "baseline"
	VAlignBottom   VAlign = "bottom"
	VAlignTop      VAlign = "top"
	VAlignCenter   VAlign = "center"
)

// Enum values of textoverlay's "halign" and "valign" properties.
var (
	halignValues = map[HAlign]int{HAlignLeft: 0, HAlignCenter: 1, HAlignRight: 2}
	valignValues = map[VAlign]int{VAlignBaseline: 0, VAlignBottom: 1, VAlignTop: 2, VAlignCenter: 4}
)

// Value returns the textoverlay enum value, or false for unknown names.
func (h HAlign) Value() (int, bool) {
	v, ok := halignValues[h]
	return v, ok
}

// Value returns the textoverlay enum value, or false for unknown names.
func (v VAlign) Value() (int, bool) {
	n, ok := valignValues[v]
	return n, ok
}

// Options is the flat option set topologies are built from.
type Options struct {
	SourceAddress   string
	SourceLatencyMS int
	OverlayText     map[string]string
	HAlign          HAlign
	VAlign          VAlign
	Synthetic       bool
	MaxInputs       int
}

// Build returns the two-source topology when the synthetic source is enabled
// and the single-source topology otherwise.
func Build(opts Options) (*Topology, error) {
	if opts.SourceAddress == "" {
		return nil, fmt.Errorf("%w: source address is required", ErrInvalid)
	}
	if opts.SourceLatencyMS < 0 {
		return nil, fmt.Errorf("%w: negative source latency %d", ErrInvalid, opts.SourceLatencyMS)
	}

	var t *Topology
	var err error
	if opts.Synthetic {
		t, err = dualSource(opts)
	} else {
		t = singleSource(opts)
	}
	if err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func cameraSource(opts Options) NodeSpec {
	return NodeSpec{
		Kind: KindRTSPSource,
		Name: "source",
		Properties: []Property{
			{Key: "location", Value: opts.SourceAddress},
			{Key: "latency", Value: uint(opts.SourceLatencyMS)},
		},
	}
}

// singleSource mirrors the classic camera pipeline:
//
//	rtspsrc ⇢ rtph264depay → decodebin ⇢ videoconvert → autovideosink
func singleSource(opts Options) *Topology {
	return &Topology{
		Name: "ipcam_pipeline",
		Nodes: []NodeSpec{
			cameraSource(opts),
			{Kind: KindDepayloader, Name: "depay"},
			{Kind: KindDecoder, Name: "decoder"},
			{Kind: KindConverter, Name: "convert"},
			{Kind: KindSink, Name: "videosink"},
		},
		Links: []LinkSpec{
			{Src: "depay", SrcPort: "src", Dst: "decoder", DstPort: "sink"},
			{Src: "convert", SrcPort: "src", Dst: "videosink", DstPort: "sink"},
		},
		Routes: []RouteSpec{
			{Producer: "source", Consumer: "depay", Role: RoleRelay, Accept: []string{MediaRTP}, Branch: SourceCamera},
			{Producer: "decoder", Consumer: "convert", Role: RoleRender, Accept: []string{MediaRawVid}, Branch: SourceCamera},
		},
	}
}

// dualSource composites the camera with a synthetic test source:
//
//	[camera]    rtspsrc ⇢ rtph264depay → decodebin ⇢ textoverlay ─┐
//	[synthetic] videotestsrc → textoverlay ──────────────────────┴→ compositor → videoconvert → autovideosink
func dualSource(opts Options) (*Topology, error) {
	maxInputs := opts.MaxInputs
	if maxInputs == 0 {
		maxInputs = 2
	}
	camOverlay, err := overlayNode("cam_overlay", opts, SourceCamera)
	if err != nil {
		return nil, err
	}
	synOverlay, err := overlayNode("test_overlay", opts, SourceSynthetic)
	if err != nil {
		return nil, err
	}

	return &Topology{
		Name: "ipcam_mixer",
		Nodes: []NodeSpec{
			cameraSource(opts),
			{Kind: KindDepayloader, Name: "depay"},
			{Kind: KindDecoder, Name: "decoder"},
			camOverlay,
			{
				Kind:       KindTestSource,
				Name:       "testsrc",
				Properties: []Property{{Key: "is-live", Value: true}},
			},
			synOverlay,
			{Kind: KindCompositor, Name: "mixer", MaxRequestPorts: maxInputs},
			{Kind: KindConverter, Name: "convert"},
			{Kind: KindSink, Name: "videosink"},
		},
		Containers: []ContainerSpec{
			{Name: "camera_bin", Nodes: []string{"source", "depay", "decoder", "cam_overlay"}},
			{Name: "synthetic_bin", Nodes: []string{"testsrc", "test_overlay"}},
		},
		Requests: []RequestSpec{
			{Node: "mixer", Template: CompositorInputs, Branch: SourceCamera},
			{Node: "mixer", Template: CompositorInputs, Branch: SourceSynthetic},
		},
		Links: []LinkSpec{
			{Src: "depay", SrcPort: "src", Dst: "decoder", DstPort: "sink"},
			{Src: "convert", SrcPort: "src", Dst: "videosink", DstPort: "sink"},
			{Src: "testsrc", SrcPort: "src", Dst: "test_overlay", DstPort: "video_sink"},
			{Src: "cam_overlay", SrcPort: "src", Dst: "mixer", DstBranch: SourceCamera},
			{Src: "test_overlay", SrcPort: "src", Dst: "mixer", DstBranch: SourceSynthetic},
			{Src: "mixer", SrcPort: "src", Dst: "convert", DstPort: "sink"},
		},
		Routes: []RouteSpec{
			{Producer: "source", Consumer: "depay", Role: RoleRelay, Accept: []string{MediaRTP}, Branch: SourceCamera},
			{Producer: "decoder", Consumer: "cam_overlay", Role: RoleOverlay, Accept: []string{MediaRawVid}, Branch: SourceCamera},
		},
	}, nil
}

func overlayNode(name string, opts Options, source string) (NodeSpec, error) {
	spec := NodeSpec{Kind: KindOverlay, Name: name}
	if text, ok := opts.OverlayText[source]; ok {
		spec.Properties = append(spec.Properties, Property{Key: "text", Value: text})
	}
	if opts.HAlign != "" {
		v, ok := opts.HAlign.Value()
		if !ok {
			return NodeSpec{}, fmt.Errorf("%w: unknown halign %q", ErrInvalid, opts.HAlign)
		}
		spec.Properties = append(spec.Properties, Property{Key: "halign", Value: v})
	}
	if opts.VAlign != "" {
		v, ok := opts.VAlign.Value()
		if !ok {
			return NodeSpec{}, fmt.Errorf("%w: unknown valign %q", ErrInvalid, opts.VAlign)
		}
		spec.Properties = append(spec.Properties, Property{Key: "valign", Value: v})
	}
	return spec, nil
}
