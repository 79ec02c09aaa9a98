// Package config loads the client configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete client configuration. Load reads it over Default.
type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Camera  CameraConfig  `yaml:"camera"`
	ASL     ASLConfig     `yaml:"asl"`
	Store   StoreConfig   `yaml:"store"`
	Server  ServerConfig  `yaml:"server"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Tray    TrayConfig    `yaml:"tray"`
	Log     LogConfig     `yaml:"log"`
}

// BackendConfig locates the analysis backend. URL wins over Host/Path/Secure.
type BackendConfig struct {
	URL              string        `yaml:"url"`
	Host             string        `yaml:"host"`
	Path             string        `yaml:"path"`
	Secure           bool          `yaml:"secure"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
}

// CameraConfig selects the capture device and the sampling cadence. Device is a source
// id; empty picks the default source.
type CameraConfig struct {
	Device      string        `yaml:"device"`
	Interval    time.Duration `yaml:"interval"`
	MinInterval time.Duration `yaml:"min_interval"`
	MaxInterval time.Duration `yaml:"max_interval"`
	Step        time.Duration `yaml:"step"`
	Quality     int           `yaml:"quality"`
	Width       int           `yaml:"width"`
	Height      int           `yaml:"height"`
	MaxDevices  int           `yaml:"max_devices"`
}

// ASLConfig holds the initial letter recognition toggle and model.
type ASLConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
}

// StoreConfig locates the preference database and sets how long a camera choice is
// remembered.
type StoreConfig struct {
	Path          string        `yaml:"path"`
	PreferenceTTL time.Duration `yaml:"preference_ttl"`
}

// ServerConfig controls the local HTTP API.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// MQTTConfig configures the optional relay of annotations to an MQTT broker.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// TrayConfig toggles the system tray menu.
type TrayConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig sets the slog level (debug, info, warn, error) and format (text or json).
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			Host:             "localhost:8000",
			Path:             "/ws",
			ReconnectDelay:   3 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			PingInterval:     30 * time.Second,
		},
		Camera: CameraConfig{
			Interval:    300 * time.Millisecond,
			MinInterval: 50 * time.Millisecond,
			MaxInterval: 2000 * time.Millisecond,
			Step:        10 * time.Millisecond,
			Quality:     80,
			Width:       1920,
			Height:      1080,
			MaxDevices:  4,
		},
		ASL: ASLConfig{
			Enabled: false,
			Model:   "custom",
		},
		Store: StoreConfig{
			Path:          defaultStorePath(),
			PreferenceTTL: 30 * 24 * time.Hour,
		},
		Server: ServerConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8090",
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			TopicPrefix: "gestalyze",
		},
		Tray: TrayConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "gestalyze.db"
	}
	return filepath.Join(home, ".gestalyze", "gestalyze.db")
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from GESTALYZE_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("GESTALYZE_BACKEND_URL"); v != "" {
		c.Backend.URL = v
	}
	if v := os.Getenv("GESTALYZE_MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("GESTALYZE_MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("GESTALYZE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := c.Backend.Endpoint(); err != nil {
		return err
	}
	if c.Backend.ReconnectDelay <= 0 {
		return errors.New("backend.reconnect_delay must be positive")
	}

	cam := c.Camera
	if cam.MinInterval <= 0 || cam.MaxInterval < cam.MinInterval {
		return fmt.Errorf("camera interval bounds invalid: [%s, %s]", cam.MinInterval, cam.MaxInterval)
	}
	if cam.Step <= 0 {
		return errors.New("camera.step must be positive")
	}
	if cam.Quality < 1 || cam.Quality > 100 {
		return fmt.Errorf("camera.quality must be within 1-100, got %d", cam.Quality)
	}

	switch c.ASL.Model {
	case "custom", "online":
	default:
		return fmt.Errorf("asl.model must be custom or online, got %q", c.ASL.Model)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return errors.New("mqtt.broker is required when mqtt is enabled")
	}
	if c.Server.Enabled && c.Server.Addr == "" {
		return errors.New("server.addr is required when the server is enabled")
	}
	return nil
}

// Endpoint returns the backend WebSocket URL. Without an explicit URL the scheme follows
// Secure: wss when set, ws otherwise.
func (b BackendConfig) Endpoint() (string, error) {
	if b.URL != "" {
		u, err := url.Parse(b.URL)
		if err != nil {
			return "", fmt.Errorf("backend.url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return "", fmt.Errorf("backend.url must use ws or wss, got %q", u.Scheme)
		}
		if u.Host == "" {
			return "", errors.New("backend.url has no host")
		}
		return b.URL, nil
	}

	if b.Host == "" {
		return "", errors.New("backend.host or backend.url is required")
	}
	scheme := "ws"
	if b.Secure {
		scheme = "wss"
	}
	path := b.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return scheme + "://" + b.Host + path, nil
}
