package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Camera   CameraConfig  `toml:"camera" yaml:"camera" json:"camera"`
	Buffer   BufferConfig  `toml:"buffer" yaml:"buffer" json:"buffer"`
	Trigger  TriggerConfig `toml:"trigger" yaml:"trigger" json:"trigger"`
	Output   OutputConfig  `toml:"output" yaml:"output" json:"output"`
	Export   ExportConfig  `toml:"export" yaml:"export" json:"export"`
	Server   ServerConfig  `toml:"server" yaml:"server" json:"server"`
	Timeouts TimeoutConfig `toml:"timeouts" yaml:"timeouts" json:"timeouts"`
	Logging  LoggingConfig `toml:"logging" yaml:"logging" json:"logging"`
	Limits   LimitConfig   `toml:"limits" yaml:"limits" json:"limits"`
}

// CameraConfig holds frame source settings
type CameraConfig struct {
	Source     string `toml:"source" yaml:"source" json:"source"`    // gstreamer | synthetic
	Element    string `toml:"element" yaml:"element" json:"element"` // libcamerasrc | v4l2src | aravissrc
	Device     string `toml:"device" yaml:"device" json:"device"`
	Serial     uint32 `toml:"serial" yaml:"serial" json:"serial"`
	Width      int    `toml:"width" yaml:"width" json:"width"`
	Height     int    `toml:"height" yaml:"height" json:"height"`
	FPS        int    `toml:"fps" yaml:"fps" json:"fps"`
	ExposureUs int    `toml:"exposure_us" yaml:"exposure_us" json:"exposure_us"`
	OffsetX    int    `toml:"offset_x" yaml:"offset_x" json:"offset_x"`
	OffsetY    int    `toml:"offset_y" yaml:"offset_y" json:"offset_y"`
	Pipeline   string `toml:"pipeline_binary" yaml:"pipeline_binary" json:"pipeline_binary"`
	FrameLimit int    `toml:"frame_limit" yaml:"frame_limit" json:"frame_limit"` // synthetic only, 0 = endless
}

// BufferConfig sizes the capture window in seconds
type BufferConfig struct {
	TBefore float64 `toml:"t_before" yaml:"t_before" json:"t_before"`
	TAfter  float64 `toml:"t_after" yaml:"t_after" json:"t_after"`
}

// TriggerConfig selects and configures the trigger transport
type TriggerConfig struct {
	Transport      string   `toml:"transport" yaml:"transport" json:"transport"` // zmq | mqtt | websocket | none
	Address        string   `toml:"address" yaml:"address" json:"address"`
	SubPort        int      `toml:"sub_port" yaml:"sub_port" json:"sub_port"`
	Topic          string   `toml:"topic" yaml:"topic" json:"topic"`
	MQTTBroker     string   `toml:"mqtt_broker" yaml:"mqtt_broker" json:"mqtt_broker"`
	MQTTClientID   string   `toml:"mqtt_client_id" yaml:"mqtt_client_id" json:"mqtt_client_id"`
	MQTTQoS        int      `toml:"mqtt_qos" yaml:"mqtt_qos" json:"mqtt_qos"`
	AllowedOrigins []string `toml:"allowed_origins" yaml:"allowed_origins" json:"allowed_origins"`
	PollInterval   int      `toml:"poll_interval_ms" yaml:"poll_interval_ms" json:"poll_interval_ms"`
	RetryDelay     int      `toml:"retry_delay_ms" yaml:"retry_delay_ms" json:"retry_delay_ms"`
	QueueSize      int      `toml:"queue_size" yaml:"queue_size" json:"queue_size"`
}

// OutputConfig holds clip output and encoder settings
type OutputConfig struct {
	SaveFolder    string   `toml:"save_folder" yaml:"save_folder" json:"save_folder"`
	EncoderBinary string   `toml:"encoder_binary" yaml:"encoder_binary" json:"encoder_binary"`
	Codec         string   `toml:"codec" yaml:"codec" json:"codec"`
	Preset        string   `toml:"preset" yaml:"preset" json:"preset"`
	PixelFormat   string   `toml:"pixel_format" yaml:"pixel_format" json:"pixel_format"`
	OutputFPS     int      `toml:"output_fps" yaml:"output_fps" json:"output_fps"` // 0 = camera fps
	ExtraArgs     []string `toml:"extra_args" yaml:"extra_args" json:"extra_args"`
}

// ExportConfig holds export queue settings
type ExportConfig struct {
	MaxPending     int    `toml:"max_pending" yaml:"max_pending" json:"max_pending"` // 0 = unbounded
	OverflowPolicy string `toml:"overflow_policy" yaml:"overflow_policy" json:"overflow_policy"`
}

// ServerConfig holds web server settings
type ServerConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled" json:"enabled"`
	WebPort int    `toml:"web_port" yaml:"web_port" json:"web_port"`
	BindIP  string `toml:"bind_ip" yaml:"bind_ip" json:"bind_ip"`
}

// TimeoutConfig holds timeout settings
type TimeoutConfig struct {
	ShutdownTimeout     int `toml:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds"` // 0 = wait for every pending export
	HTTPShutdownTimeout int `toml:"http_shutdown_timeout_seconds" yaml:"http_shutdown_timeout_seconds" json:"http_shutdown_timeout_seconds"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level              string `toml:"level" yaml:"level" json:"level"`
	Dir                string `toml:"dir" yaml:"dir" json:"dir"`
	StatsLogInterval   int    `toml:"stats_log_interval_seconds" yaml:"stats_log_interval_seconds" json:"stats_log_interval_seconds"`
	BacklogLogInterval int    `toml:"backlog_log_interval_frames" yaml:"backlog_log_interval_frames" json:"backlog_log_interval_frames"`
}

// LimitConfig holds resource limit settings
type LimitConfig struct {
	MaxMemoryUsageMB int `toml:"max_memory_usage_mb" yaml:"max_memory_usage_mb" json:"max_memory_usage_mb"`
	MaxLogFiles      int `toml:"max_log_files" yaml:"max_log_files" json:"max_log_files"`
	WatchdogInterval int `toml:"watchdog_interval_seconds" yaml:"watchdog_interval_seconds" json:"watchdog_interval_seconds"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		Camera: CameraConfig{
			Source:     "gstreamer",
			Element:    "v4l2src",
			Device:     "/dev/video0",
			Width:      2016,
			Height:     2016,
			FPS:        500,
			ExposureUs: 2000,
			OffsetX:    1056,
			OffsetY:    170,
			Pipeline:   "gst-launch-1.0",
		},
		Buffer: BufferConfig{
			TBefore: 0.5,
			TAfter:  1.0,
		},
		Trigger: TriggerConfig{
			Transport:    "zmq",
			Address:      "127.0.0.1",
			SubPort:      5556,
			Topic:        "trigger",
			MQTTBroker:   "127.0.0.1:1883",
			MQTTQoS:      1,
			PollInterval: 1,
			RetryDelay:   1000,
			QueueSize:    1024,
		},
		Output: OutputConfig{
			SaveFolder:    "output",
			EncoderBinary: "ffmpeg",
			Codec:         "libx264",
			Preset:        "ultrafast",
			PixelFormat:   "yuv420p",
		},
		Export: ExportConfig{
			MaxPending:     0,
			OverflowPolicy: "block",
		},
		Server: ServerConfig{
			Enabled: true,
			WebPort: 8080,
			BindIP:  "0.0.0.0",
		},
		Timeouts: TimeoutConfig{
			ShutdownTimeout:     0,
			HTTPShutdownTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:              "info",
			Dir:                "logs",
			StatsLogInterval:   60,
			BacklogLogInterval: 1000,
		},
		Limits: LimitConfig{
			MaxMemoryUsageMB: 8192,
			MaxLogFiles:      20,
			WatchdogInterval: 5,
		},
	}
}

// LoadConfig loads configuration from a TOML or YAML file. Values missing
// from the file keep their defaults; a missing file yields the defaults.
func LoadConfig(configPath string, logger *zap.Logger) (*Config, error) {
	config := Default()

	if _, err := os.Stat(configPath); err != nil {
		logger.Info("Config file not found, using defaults", zap.String("path", configPath))
		return config, nil
	}

	if isYAML(configPath) {
		file, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(config); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	} else {
		meta, err := toml.DecodeFile(configPath, config)
		if err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			logger.Warn("Unknown config keys ignored", zap.Strings("keys", keys))
		}
	}

	logger.Info("Config loaded from file", zap.String("path", configPath))
	return config, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// NBefore is the number of frames kept ahead of a trigger
func (c *Config) NBefore() int {
	return int(c.Buffer.TBefore * float64(c.Camera.FPS))
}

// NAfter is the number of frames recorded after the most recent trigger
func (c *Config) NAfter() int {
	return int(c.Buffer.TAfter * float64(c.Camera.FPS))
}

// EncoderFPS is the framerate written into exported videos
func (c *Config) EncoderFPS() int {
	if c.Output.OutputFPS > 0 {
		return c.Output.OutputFPS
	}
	return c.Camera.FPS
}

// Validate checks the configuration and creates the save folder
func (c *Config) Validate() error {
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("invalid camera resolution %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.FPS <= 0 {
		return fmt.Errorf("camera fps must be positive, got %d", c.Camera.FPS)
	}
	if c.Camera.ExposureUs <= 0 {
		return fmt.Errorf("camera exposure must be positive, got %d", c.Camera.ExposureUs)
	}
	switch c.Camera.Source {
	case "gstreamer", "synthetic":
	default:
		return fmt.Errorf("unknown camera source %q", c.Camera.Source)
	}

	if c.Buffer.TBefore <= 0 || c.Buffer.TAfter <= 0 {
		return errors.New("buffer times must be positive")
	}
	if c.NAfter() < 1 {
		return fmt.Errorf("t_after=%gs at %d fps is shorter than one frame", c.Buffer.TAfter, c.Camera.FPS)
	}

	switch c.Trigger.Transport {
	case "zmq":
		if c.Trigger.Address == "" || c.Trigger.SubPort <= 0 {
			return errors.New("zmq transport needs an address and sub_port")
		}
	case "mqtt":
		if c.Trigger.MQTTBroker == "" || c.Trigger.Topic == "" {
			return errors.New("mqtt transport needs a broker and topic")
		}
		if c.Trigger.MQTTQoS < 0 || c.Trigger.MQTTQoS > 2 {
			return fmt.Errorf("invalid mqtt qos %d", c.Trigger.MQTTQoS)
		}
	case "websocket":
		if !c.Server.Enabled {
			return errors.New("websocket transport requires the web server")
		}
	case "none":
	default:
		return fmt.Errorf("unknown trigger transport %q", c.Trigger.Transport)
	}
	if c.Trigger.PollInterval <= 0 {
		return errors.New("trigger poll interval must be positive")
	}

	if c.Export.MaxPending < 0 {
		return errors.New("export max_pending cannot be negative")
	}
	switch c.Export.OverflowPolicy {
	case "", "block", "drop_oldest", "drop_newest":
	default:
		return fmt.Errorf("unknown overflow policy %q", c.Export.OverflowPolicy)
	}

	if c.Server.Enabled && (c.Server.WebPort <= 0 || c.Server.WebPort > 65535) {
		return fmt.Errorf("invalid web port %d", c.Server.WebPort)
	}

	if c.Output.SaveFolder == "" {
		return errors.New("save folder cannot be empty")
	}
	if err := os.MkdirAll(c.Output.SaveFolder, 0755); err != nil {
		return fmt.Errorf("failed to create save folder %s: %w", c.Output.SaveFolder, err)
	}

	return nil
}

// SaveConfig saves the configuration as TOML, or YAML when the path ends
// in .yaml or .yml
func SaveConfig(config *Config, configPath string) error {
	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if isYAML(configPath) {
		encoder := yaml.NewEncoder(file)
		if err := encoder.Encode(config); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		return encoder.Close()
	}

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}
