package config

import (
	"fmt"
	"net/url"
	"regexp"

	"github.com/e7canasta/ipcam-mixer/internal/topology"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

var knownSources = map[string]bool{
	topology.SourceCamera:    true,
	topology.SourceSynthetic: true,
}

// Validate checks the configuration and fills in derived defaults
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.SourceAddress == "" {
		return fmt.Errorf("source_address is required")
	}
	u, err := url.Parse(cfg.SourceAddress)
	if err != nil {
		return fmt.Errorf("source_address: %w", err)
	}
	if u.Scheme != "rtsp" && u.Scheme != "rtsps" && u.Scheme != "rtspt" {
		return fmt.Errorf("source_address must be an rtsp:// URL, got scheme %q", u.Scheme)
	}

	if cfg.SourceLatencyMS < 0 {
		return fmt.Errorf("source_latency_ms must be >= 0")
	}

	for id := range cfg.OverlayTextPerSource {
		if !knownSources[id] {
			return fmt.Errorf("overlay_text_per_source: unknown source id %q (must be %q or %q)",
				id, topology.SourceCamera, topology.SourceSynthetic)
		}
	}

	if cfg.OverlayPosition.HAlign != "" {
		if _, ok := topology.HAlign(cfg.OverlayPosition.HAlign).Value(); !ok {
			return fmt.Errorf("overlay_position.halign %q must be left, center or right", cfg.OverlayPosition.HAlign)
		}
	}
	if cfg.OverlayPosition.VAlign != "" {
		if _, ok := topology.VAlign(cfg.OverlayPosition.VAlign).Value(); !ok {
			return fmt.Errorf("overlay_position.valign %q must be baseline, bottom, top or center", cfg.OverlayPosition.VAlign)
		}
	}

	if cfg.CompositorMaxInputs <= 0 {
		cfg.CompositorMaxInputs = 2
	}
	if cfg.SyntheticEnabled && cfg.CompositorMaxInputs < 2 {
		return fmt.Errorf("compositor_max_inputs must be >= 2 when the synthetic source is enabled")
	}

	if cfg.MQTTBroker != "" && cfg.MQTTTopic == "" {
		cfg.MQTTTopic = fmt.Sprintf("ipcam/status/%s", cfg.InstanceID)
	}
	if cfg.MQTTBroker != "" && cfg.MQTTControlTopic == "" {
		cfg.MQTTControlTopic = fmt.Sprintf("ipcam/control/%s", cfg.InstanceID)
	}

	return nil
}
