package config

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

// TestLoadConfigDefaults tests default configuration loading
func TestLoadConfigDefaults(t *testing.T) {
	// Use non-existent file to trigger defaults
	cfg, err := LoadConfig("non-existent-config.toml", zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Camera.Width != 2016 || cfg.Camera.Height != 2016 {
		t.Errorf("Default resolution = %dx%d, want 2016x2016", cfg.Camera.Width, cfg.Camera.Height)
	}

	if cfg.Camera.FPS != 500 {
		t.Errorf("Default Camera.FPS = %d, want 500", cfg.Camera.FPS)
	}

	if cfg.Camera.ExposureUs != 2000 {
		t.Errorf("Default Camera.ExposureUs = %d, want 2000", cfg.Camera.ExposureUs)
	}

	if cfg.Camera.OffsetX != 1056 || cfg.Camera.OffsetY != 170 {
		t.Errorf("Default offset = (%d, %d), want (1056, 170)", cfg.Camera.OffsetX, cfg.Camera.OffsetY)
	}

	if cfg.Buffer.TBefore != 0.5 || cfg.Buffer.TAfter != 1.0 {
		t.Errorf("Default buffer = %g/%g, want 0.5/1.0", cfg.Buffer.TBefore, cfg.Buffer.TAfter)
	}

	if cfg.Trigger.SubPort != 5556 {
		t.Errorf("Default Trigger.SubPort = %d, want 5556", cfg.Trigger.SubPort)
	}

	if cfg.Trigger.Topic != "trigger" {
		t.Errorf("Default Trigger.Topic = %s, want trigger", cfg.Trigger.Topic)
	}

	if cfg.Output.SaveFolder != "output" {
		t.Errorf("Default Output.SaveFolder = %s, want output", cfg.Output.SaveFolder)
	}

	if cfg.Export.MaxPending != 0 {
		t.Errorf("Default Export.MaxPending = %d, want 0 (unbounded)", cfg.Export.MaxPending)
	}
}

// TestWindowSizes tests frame counts derived from seconds and fps
func TestWindowSizes(t *testing.T) {
	cfg := Default()

	if n := cfg.NBefore(); n != 250 {
		t.Errorf("NBefore = %d, want 250", n)
	}

	if n := cfg.NAfter(); n != 500 {
		t.Errorf("NAfter = %d, want 500", n)
	}

	cfg.Camera.FPS = 100
	cfg.Buffer.TBefore = 0.25
	if n := cfg.NBefore(); n != 25 {
		t.Errorf("NBefore = %d, want 25", n)
	}
}

// TestEncoderFPS tests the output framerate fallback
func TestEncoderFPS(t *testing.T) {
	cfg := Default()
	if fps := cfg.EncoderFPS(); fps != 500 {
		t.Errorf("EncoderFPS = %d, want camera fps 500", fps)
	}

	cfg.Output.OutputFPS = 30
	if fps := cfg.EncoderFPS(); fps != 30 {
		t.Errorf("EncoderFPS = %d, want 30", fps)
	}
}

// TestLoadConfigFromFile tests loading config from TOML file
func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[camera]
source = "synthetic"
width = 640
height = 480
fps = 200

[buffer]
t_before = 1.5

[trigger]
transport = "mqtt"
mqtt_broker = "broker.local:1883"
topic = "flydra/trigger"

[export]
max_pending = 4
overflow_policy = "drop_oldest"
`)

	cfg, err := LoadConfig(path, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Camera.Source != "synthetic" {
		t.Errorf("Camera.Source = %s, want synthetic", cfg.Camera.Source)
	}

	if cfg.Camera.Width != 640 || cfg.Camera.Height != 480 {
		t.Errorf("Camera resolution = %dx%d, want 640x480", cfg.Camera.Width, cfg.Camera.Height)
	}

	if cfg.Buffer.TBefore != 1.5 {
		t.Errorf("Buffer.TBefore = %g, want 1.5", cfg.Buffer.TBefore)
	}

	// Untouched values keep their defaults
	if cfg.Buffer.TAfter != 1.0 {
		t.Errorf("Buffer.TAfter = %g, want default 1.0", cfg.Buffer.TAfter)
	}

	if cfg.Camera.ExposureUs != 2000 {
		t.Errorf("Camera.ExposureUs = %d, want default 2000", cfg.Camera.ExposureUs)
	}

	if cfg.Trigger.Transport != "mqtt" || cfg.Trigger.MQTTBroker != "broker.local:1883" {
		t.Errorf("Trigger = %s/%s, want mqtt/broker.local:1883", cfg.Trigger.Transport, cfg.Trigger.MQTTBroker)
	}

	if cfg.Export.MaxPending != 4 || cfg.Export.OverflowPolicy != "drop_oldest" {
		t.Errorf("Export = %d/%s, want 4/drop_oldest", cfg.Export.MaxPending, cfg.Export.OverflowPolicy)
	}

	if n := cfg.NBefore(); n != 300 {
		t.Errorf("NBefore = %d, want 300", n)
	}
}

// TestLoadConfigFromYAML tests the YAML variant
func TestLoadConfigFromYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
camera:
  fps: 250
  exposure_us: 1000
trigger:
  transport: websocket
  allowed_origins:
    - http://localhost:3000
output:
  save_folder: /data/clips
  extra_args: ["-crf", "18"]
`)

	cfg, err := LoadConfig(path, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Camera.FPS != 250 {
		t.Errorf("Camera.FPS = %d, want 250", cfg.Camera.FPS)
	}

	if cfg.Camera.Width != 2016 {
		t.Errorf("Camera.Width = %d, want default 2016", cfg.Camera.Width)
	}

	if cfg.Trigger.Transport != "websocket" {
		t.Errorf("Trigger.Transport = %s, want websocket", cfg.Trigger.Transport)
	}

	if len(cfg.Trigger.AllowedOrigins) != 1 || cfg.Trigger.AllowedOrigins[0] != "http://localhost:3000" {
		t.Errorf("Trigger.AllowedOrigins = %v", cfg.Trigger.AllowedOrigins)
	}

	if cfg.Output.SaveFolder != "/data/clips" {
		t.Errorf("Output.SaveFolder = %s, want /data/clips", cfg.Output.SaveFolder)
	}

	if len(cfg.Output.ExtraArgs) != 2 {
		t.Errorf("Output.ExtraArgs = %v, want 2 entries", cfg.Output.ExtraArgs)
	}
}

// TestLoadEmptyYAML tests that an empty YAML file yields defaults
func TestLoadEmptyYAML(t *testing.T) {
	path := writeConfig(t, "empty.yml", "")

	cfg, err := LoadConfig(path, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Camera.FPS != 500 {
		t.Errorf("Camera.FPS = %d, want default 500", cfg.Camera.FPS)
	}
}

// TestSaveConfig tests configuration saving
func TestSaveConfig(t *testing.T) {
	cfg := Default()
	cfg.Camera.Device = "/dev/video2"
	cfg.Buffer.TAfter = 2.5
	cfg.Trigger.Transport = "none"
	cfg.Output.ExtraArgs = []string{"-tune", "film"}

	path := filepath.Join(t.TempDir(), "saved.toml")
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if loaded.Camera.Device != cfg.Camera.Device {
		t.Errorf("Saved/loaded Camera.Device mismatch: %s != %s", loaded.Camera.Device, cfg.Camera.Device)
	}

	if loaded.Buffer.TAfter != cfg.Buffer.TAfter {
		t.Errorf("Saved/loaded Buffer.TAfter mismatch: %g != %g", loaded.Buffer.TAfter, cfg.Buffer.TAfter)
	}

	if loaded.Trigger.Transport != "none" {
		t.Errorf("Saved/loaded Trigger.Transport = %s, want none", loaded.Trigger.Transport)
	}

	if len(loaded.Output.ExtraArgs) != 2 || loaded.Output.ExtraArgs[1] != "film" {
		t.Errorf("Saved/loaded ExtraArgs = %v", loaded.Output.ExtraArgs)
	}
}

// TestSaveConfigYAML tests that a .yaml path is written as YAML
func TestSaveConfigYAML(t *testing.T) {
	cfg := Default()
	cfg.Camera.Source = "synthetic"
	cfg.Export.OverflowPolicy = "drop_oldest"

	path := filepath.Join(t.TempDir(), "saved.yaml")
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if loaded.Camera.Source != "synthetic" {
		t.Errorf("Saved/loaded Camera.Source = %s, want synthetic", loaded.Camera.Source)
	}

	if loaded.Export.OverflowPolicy != "drop_oldest" {
		t.Errorf("Saved/loaded Export.OverflowPolicy = %s, want drop_oldest", loaded.Export.OverflowPolicy)
	}
}

// TestInvalidConfigFile tests handling of invalid config files
func TestInvalidConfigFile(t *testing.T) {
	path := writeConfig(t, "invalid.toml", `
[camera
width = "not a number"
`)

	if _, err := LoadConfig(path, zaptest.NewLogger(t)); err == nil {
		t.Error("Expected error for invalid config file")
	}

	path = writeConfig(t, "invalid.yaml", "camera: [1, 2")
	if _, err := LoadConfig(path, zaptest.NewLogger(t)); err == nil {
		t.Error("Expected error for invalid YAML file")
	}
}

// TestValidateCreatesSaveFolder tests that validation creates the output directory
func TestValidateCreatesSaveFolder(t *testing.T) {
	cfg := Default()
	cfg.Output.SaveFolder = filepath.Join(t.TempDir(), "nested", "clips")

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	info, err := os.Stat(cfg.Output.SaveFolder)
	if err != nil {
		t.Fatalf("Save folder not created: %v", err)
	}

	if !info.IsDir() {
		t.Error("Save folder is not a directory")
	}
}

// TestValidateRejects tests invalid settings
func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero fps", func(c *Config) { c.Camera.FPS = 0 }},
		{"zero width", func(c *Config) { c.Camera.Width = 0 }},
		{"negative exposure", func(c *Config) { c.Camera.ExposureUs = -1 }},
		{"unknown source", func(c *Config) { c.Camera.Source = "ximea" }},
		{"zero t_before", func(c *Config) { c.Buffer.TBefore = 0 }},
		{"negative t_after", func(c *Config) { c.Buffer.TAfter = -1 }},
		{"t_after under one frame", func(c *Config) { c.Buffer.TAfter = 0.001 }},
		{"empty sub port", func(c *Config) { c.Trigger.SubPort = 0 }},
		{"unknown transport", func(c *Config) { c.Trigger.Transport = "amqp" }},
		{"mqtt without broker", func(c *Config) { c.Trigger.Transport = "mqtt"; c.Trigger.MQTTBroker = "" }},
		{"mqtt bad qos", func(c *Config) { c.Trigger.Transport = "mqtt"; c.Trigger.MQTTQoS = 3 }},
		{"websocket without server", func(c *Config) { c.Trigger.Transport = "websocket"; c.Server.Enabled = false }},
		{"zero poll interval", func(c *Config) { c.Trigger.PollInterval = 0 }},
		{"negative max pending", func(c *Config) { c.Export.MaxPending = -1 }},
		{"unknown policy", func(c *Config) { c.Export.OverflowPolicy = "lifo" }},
		{"bad web port", func(c *Config) { c.Server.WebPort = 70000 }},
		{"empty save folder", func(c *Config) { c.Output.SaveFolder = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Output.SaveFolder = t.TempDir()
			tt.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate accepted %s", tt.name)
			}
		})
	}
}
