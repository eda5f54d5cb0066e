package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/ipcam-mixer/internal/topology"
)

// Config is the flat run configuration
type Config struct {
	InstanceID string `yaml:"instance_id"`

	SourceAddress        string            `yaml:"source_address"`
	SourceLatencyMS      int               `yaml:"source_latency_ms"` // 0 disables jitter buffering
	OverlayTextPerSource map[string]string `yaml:"overlay_text_per_source"`
	OverlayPosition      OverlayPosition   `yaml:"overlay_position"`
	SyntheticEnabled     bool              `yaml:"synthetic_source_enabled"`
	CompositorMaxInputs  int               `yaml:"compositor_max_inputs"`

	// Optional status surfaces
	HealthListen string `yaml:"health_listen"` // e.g. ":8080", empty disables
	MQTTBroker   string `yaml:"mqtt_broker"`   // e.g. "tcp://localhost:1883", empty disables
	MQTTTopic    string `yaml:"mqtt_topic"`

	MQTTControlTopic string `yaml:"mqtt_control_topic"` // stop / get_status commands
}

// OverlayPosition places overlay text in the frame
type OverlayPosition struct {
	HAlign string `yaml:"halign"` // left, center, right
	VAlign string `yaml:"valign"` // baseline, bottom, top, center
}

// Load reads, parses and validates a YAML configuration file
func Load(path string) (*Config, error) {
	return LoadWith(path, nil)
}

// LoadWith reads a YAML configuration file, applies override and validates
// the result. An empty path starts from Default. Validation runs once, after
// the override, so flags can supply fields the file leaves out.
func LoadWith(path string, override func(*Config)) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if cfg, err = Decode(data); err != nil {
			return nil, err
		}
	}
	if override != nil {
		override(cfg)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse parses and validates YAML configuration bytes
func Parse(data []byte) (*Config, error) {
	cfg, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Decode unmarshals YAML onto the defaults without validating
func Decode(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		InstanceID:          "ipcam-mixer",
		SourceLatencyMS:     0,
		CompositorMaxInputs: 2,
		OverlayPosition: OverlayPosition{
			HAlign: string(topology.HAlignLeft),
			VAlign: string(topology.VAlignTop),
		},
	}
}

// TopologyOptions maps the configuration onto topology builder options
func (c *Config) TopologyOptions() topology.Options {
	return topology.Options{
		SourceAddress:   c.SourceAddress,
		SourceLatencyMS: c.SourceLatencyMS,
		OverlayText:     c.OverlayTextPerSource,
		HAlign:          topology.HAlign(c.OverlayPosition.HAlign),
		VAlign:          topology.VAlign(c.OverlayPosition.VAlign),
		Synthetic:       c.SyntheticEnabled,
		MaxInputs:       c.CompositorMaxInputs,
	}
}
