package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/ipcam-mixer/internal/topology"
)

const fullYAML = `
instance_id: lobby-cam
source_address: rtsp://192.168.1.10:554/stream1
source_latency_ms: 200
overlay_text_per_source:
  camera: "Lobby"
  synthetic: "Test pattern"
overlay_position:
  halign: right
  valign: bottom
synthetic_source_enabled: true
health_listen: ":8080"
mqtt_broker: tcp://localhost:1883
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "lobby-cam", cfg.InstanceID)
	assert.Equal(t, "rtsp://192.168.1.10:554/stream1", cfg.SourceAddress)
	assert.Equal(t, 200, cfg.SourceLatencyMS)
	assert.Equal(t, "Lobby", cfg.OverlayTextPerSource["camera"])
	assert.Equal(t, "right", cfg.OverlayPosition.HAlign)
	assert.True(t, cfg.SyntheticEnabled)
	assert.Equal(t, 2, cfg.CompositorMaxInputs, "default kept")
	assert.Equal(t, "ipcam/status/lobby-cam", cfg.MQTTTopic, "derived from instance id")
	assert.Equal(t, "ipcam/control/lobby-cam", cfg.MQTTControlTopic)

	opts := cfg.TopologyOptions()
	assert.Equal(t, topology.HAlignRight, opts.HAlign)
	assert.Equal(t, topology.VAlignBottom, opts.VAlign)
	assert.True(t, opts.Synthetic)

	topo, err := topology.Build(opts)
	require.NoError(t, err)
	assert.Equal(t, "ipcam_mixer", topo.Name)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestLoadWith_OverrideSuppliesMissingSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("instance_id: lobby-cam\nsource_latency_ms: 100\n"), 0o600))

	_, err := Load(path)
	require.ErrorContains(t, err, "source_address")

	cfg, err := LoadWith(path, func(c *Config) {
		c.SourceAddress = "rtsp://10.0.0.7:554/stream1"
		c.SyntheticEnabled = true
	})
	require.NoError(t, err)
	assert.Equal(t, "lobby-cam", cfg.InstanceID)
	assert.Equal(t, 100, cfg.SourceLatencyMS, "file value kept")
	assert.Equal(t, "rtsp://10.0.0.7:554/stream1", cfg.SourceAddress)
	assert.True(t, cfg.SyntheticEnabled)

	_, err = LoadWith(path, func(c *Config) { c.SourceAddress = "http://cam/stream" })
	assert.ErrorContains(t, err, "invalid configuration", "override is validated too")
}

func TestLoadWith_NoFile(t *testing.T) {
	cfg, err := LoadWith("", func(c *Config) { c.SourceAddress = "rtsp://cam/stream" })
	require.NoError(t, err)
	assert.Equal(t, "ipcam-mixer", cfg.InstanceID)

	_, err = LoadWith("", nil)
	assert.Error(t, err, "defaults alone have no source")
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("source_address: rtsp://cam/stream\n"))
	require.NoError(t, err)

	assert.Equal(t, "ipcam-mixer", cfg.InstanceID)
	assert.Zero(t, cfg.SourceLatencyMS)
	assert.False(t, cfg.SyntheticEnabled)
	assert.Equal(t, "left", cfg.OverlayPosition.HAlign)
	assert.Equal(t, "top", cfg.OverlayPosition.VAlign)
	assert.Empty(t, cfg.MQTTTopic)
	assert.Empty(t, cfg.MQTTControlTopic)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"malformed", "source_address: [", "failed to parse config"},
		{"no source", "instance_id: a\n", "source_address is required"},
		{"http source", "source_address: http://cam/stream\n", "rtsp://"},
		{"bad instance", "instance_id: Lobby_Cam\nsource_address: rtsp://cam\n", "instance_id must match"},
		{"negative latency", "source_address: rtsp://cam\nsource_latency_ms: -5\n", "source_latency_ms"},
		{"unknown overlay source", "source_address: rtsp://cam\noverlay_text_per_source:\n  drone: x\n", "unknown source id"},
		{"bad halign", "source_address: rtsp://cam\noverlay_position:\n  halign: middle\n", "halign"},
		{"bad valign", "source_address: rtsp://cam\noverlay_position:\n  valign: middle\n", "valign"},
		{"one input with synthetic", "source_address: rtsp://cam\nsynthetic_source_enabled: true\ncompositor_max_inputs: 1\n", "compositor_max_inputs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
