package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validYAML = `
instance_id: seg_001
video:
  resolution: 1080p
  fps: 30
engine:
  worker_script: models/run_worker.sh
  checkpoint: facebook/sam2-hiera-tiny
mqtt:
  broker: localhost:1883
  topics:
    control: seg/control
    telemetry: seg/telemetry
    events: seg/events
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "segstream.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.ShutdownTimeoutS != 5 {
		t.Errorf("ShutdownTimeoutS = %d, want default 5", cfg.ShutdownTimeoutS)
	}
	if cfg.Loop.TickIntervalMS != 5 {
		t.Errorf("TickIntervalMS = %d, want default 5", cfg.Loop.TickIntervalMS)
	}
	if cfg.Loop.RefreshInterval != 30 {
		t.Errorf("RefreshInterval = %d, want default 30", cfg.Loop.RefreshInterval)
	}
	if cfg.Engine.MaxMasks != 3 {
		t.Errorf("MaxMasks = %d, want default 3", cfg.Engine.MaxMasks)
	}

	w, h := cfg.Resolution()
	if w != 1920 || h != 1080 {
		t.Errorf("Resolution() = %dx%d, want 1920x1080", w, h)
	}
}

func TestLoadRejectsMissingInstanceID(t *testing.T) {
	broken := strings.Replace(validYAML, "instance_id: seg_001", "", 1)
	if _, err := Load(writeConfig(t, broken)); err == nil {
		t.Error("Load() accepted config without instance_id")
	}
}

func TestLoadRejectsUnknownResolution(t *testing.T) {
	broken := strings.Replace(validYAML, "resolution: 1080p", "resolution: 4k", 1)
	if _, err := Load(writeConfig(t, broken)); err == nil {
		t.Error("Load() accepted unknown resolution")
	}
}

func TestLoadRejectsMissingBroker(t *testing.T) {
	broken := strings.Replace(validYAML, "broker: localhost:1883", "", 1)
	if _, err := Load(writeConfig(t, broken)); err == nil {
		t.Error("Load() accepted config without mqtt broker")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() of a missing file did not fail")
	}
}

func TestParseResolution(t *testing.T) {
	cases := []struct {
		name string
		w, h int
	}{
		{"512p", 640, 512},
		{"720p", 1280, 720},
		{"1080p", 1920, 1080},
		{"8k", 0, 0},
	}
	for _, tc := range cases {
		if w, h := parseResolution(tc.name); w != tc.w || h != tc.h {
			t.Errorf("parseResolution(%q) = %dx%d, want %dx%d", tc.name, w, h, tc.w, tc.h)
		}
	}
}
