package config

import "fmt"

// Validate checks the configuration for fatal mistakes. Anything caught
// here is a startup error: the process must not enter the loop with it.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}

	if w, h := parseResolution(cfg.Video.Resolution); w == 0 || h == 0 {
		return fmt.Errorf("unknown resolution %q (expected 512p, 720p or 1080p)", cfg.Video.Resolution)
	}

	if cfg.Video.FPS < 0.1 || cfg.Video.FPS > 60 {
		return fmt.Errorf("invalid fps %.2f (must be 0.1-60)", cfg.Video.FPS)
	}

	if cfg.Loop.TickIntervalMS < 1 {
		return fmt.Errorf("tick_interval_ms must be >= 1 (got %d)", cfg.Loop.TickIntervalMS)
	}

	if cfg.Loop.RefreshInterval < 1 {
		return fmt.Errorf("refresh_interval must be >= 1 (got %d)", cfg.Loop.RefreshInterval)
	}

	if cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}

	if cfg.MQTT.Topics.Control == "" || cfg.MQTT.Topics.Telemetry == "" {
		return fmt.Errorf("mqtt.topics.control and mqtt.topics.telemetry are required")
	}

	if cfg.Engine.WorkerScript == "" {
		return fmt.Errorf("engine.worker_script is required")
	}

	return nil
}
