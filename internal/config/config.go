package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the complete segstream configuration
type Config struct {
	InstanceID       string       `yaml:"instance_id"`
	ShutdownTimeoutS int          `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Video            VideoConfig  `yaml:"video"`
	Loop             LoopConfig   `yaml:"loop"`
	Engine           EngineConfig `yaml:"engine"`
	MQTT             MQTTConfig   `yaml:"mqtt"`
}

// VideoConfig contains frame transport settings
type VideoConfig struct {
	Resolution string  `yaml:"resolution"` // 512p, 720p, 1080p
	RTSPURL    string  `yaml:"rtsp_url"`   // empty → mock source
	FPS        float64 `yaml:"fps"`        // target capture fps
	ShmSocket  string  `yaml:"shm_socket"` // output shm socket path; empty → mock sink
}

// LoopConfig contains coordinator loop settings
type LoopConfig struct {
	TickIntervalMS  int `yaml:"tick_interval_ms"` // polling cadence (default: 5)
	RefreshInterval int `yaml:"refresh_interval"` // periodic re-inference period in ticks (default: 30)
	StatusInterval  int `yaml:"status_interval"`  // heartbeat log period in ticks (default: 300)
}

// EngineConfig contains segmentation engine settings
type EngineConfig struct {
	WorkerScript string  `yaml:"worker_script"` // wrapper script for the Python worker
	Checkpoint   string  `yaml:"checkpoint"`    // model checkpoint identifier
	Device       string  `yaml:"device"`        // cpu / cuda
	MaxMasks     int     `yaml:"max_masks"`     // candidate masks per point predict (default: 3)
	MinScore     float64 `yaml:"min_score"`     // reserved, not enforced yet
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker string          `yaml:"broker"`
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic names for the control plane and reverse path
type MQTTTopics struct {
	Control   string `yaml:"control"`
	Telemetry string `yaml:"telemetry"`
	Events    string `yaml:"events"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ShutdownTimeoutS == 0 {
		cfg.ShutdownTimeoutS = 5
	}
	if cfg.Video.Resolution == "" {
		cfg.Video.Resolution = "1080p"
	}
	if cfg.Video.FPS == 0 {
		cfg.Video.FPS = 30
	}
	if cfg.Loop.TickIntervalMS == 0 {
		cfg.Loop.TickIntervalMS = 5
	}
	if cfg.Loop.RefreshInterval == 0 {
		cfg.Loop.RefreshInterval = 30
	}
	if cfg.Loop.StatusInterval == 0 {
		cfg.Loop.StatusInterval = 300
	}
	if cfg.Engine.MaxMasks == 0 {
		cfg.Engine.MaxMasks = 3
	}
	if cfg.Engine.Device == "" {
		cfg.Engine.Device = "cpu"
	}
}

// Resolution converts the configured resolution name to pixel dimensions.
func (c *Config) Resolution() (width, height int) {
	return parseResolution(c.Video.Resolution)
}

// parseResolution converts resolution string to width/height
func parseResolution(res string) (width, height int) {
	switch res {
	case "512p":
		return 640, 512
	case "720p":
		return 1280, 720
	case "1080p":
		return 1920, 1080
	default:
		return 0, 0
	}
}
