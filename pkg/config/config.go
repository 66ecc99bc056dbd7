package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Identity struct {
		SelfID      string `yaml:"self_id"`
		DisplayName string `yaml:"display_name"`
	} `yaml:"identity"`

	Peers []struct {
		ID          string `yaml:"id"`
		DisplayName string `yaml:"display_name"`
	} `yaml:"peers"`

	Signaling struct {
		Redis struct {
			Address  string `yaml:"address"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			PoolSize int    `yaml:"pool_size"`
		} `yaml:"redis"`
		RecordTTL time.Duration `yaml:"record_ttl"`
		KeyPrefix string        `yaml:"key_prefix"`
	} `yaml:"signaling"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
	} `yaml:"webrtc"`

	Media struct {
		Audio          bool    `yaml:"audio"`
		Video          bool    `yaml:"video"`
		VideoWidth     int     `yaml:"video_width"`
		VideoHeight    int     `yaml:"video_height"`
		VideoFrameRate float64 `yaml:"video_frame_rate"`
		VideoBitrate   int     `yaml:"video_bitrate"`
		AudioBitrate   int     `yaml:"audio_bitrate"`
		Headless       bool    `yaml:"headless"`
	} `yaml:"media"`

	HTTP struct {
		Address         string        `yaml:"address"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"http"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled    bool    `yaml:"enabled"`
		JaegerURL  string  `yaml:"jaeger_url"`
		SampleRate float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Identity.SelfID == "" {
		return fmt.Errorf("identity.self_id must not be empty")
	}

	if c.Signaling.Redis.Address == "" {
		return fmt.Errorf("signaling.redis.address must not be empty")
	}
	if c.Signaling.Redis.PoolSize <= 0 {
		return fmt.Errorf("signaling.redis.pool_size must be > 0")
	}
	if c.Signaling.RecordTTL <= 0 {
		return fmt.Errorf("signaling.record_ttl must be > 0")
	}
	if c.Signaling.KeyPrefix == "" {
		return fmt.Errorf("signaling.key_prefix must not be empty")
	}

	if len(c.WebRTC.ICEServers) == 0 {
		return fmt.Errorf("webrtc.ice_servers must not be empty")
	}
	for i, srv := range c.WebRTC.ICEServers {
		if len(srv.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
	}

	if !c.Media.Audio && !c.Media.Video {
		return fmt.Errorf("media must request at least one of audio, video")
	}
	if c.Media.Video {
		if c.Media.VideoWidth <= 0 || c.Media.VideoHeight <= 0 {
			return fmt.Errorf("media.video_width and media.video_height must be > 0")
		}
		if c.Media.VideoFrameRate <= 0 {
			return fmt.Errorf("media.video_frame_rate must be > 0")
		}
	}

	if c.HTTP.Address == "" {
		return fmt.Errorf("http.address must not be empty")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("http.shutdown_timeout must be > 0")
	}

	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate <= 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in (0, 1]")
		}
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.ApplyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Signaling.Redis.Address = "localhost:6379"
	cfg.Signaling.Redis.DB = 0
	cfg.Signaling.Redis.PoolSize = 10
	cfg.Signaling.RecordTTL = 24 * time.Hour
	cfg.Signaling.KeyPrefix = "paircall:room:"

	// STUN only. No TURN relay is configured: direct or STUN-assisted
	// connectivity is required, and calls behind restrictive NATs will fail
	// to connect. Known limitation.
	cfg.WebRTC.ICEServers = []struct {
		URLs       []string `yaml:"urls"`
		Username   string   `yaml:"username,omitempty"`
		Credential string   `yaml:"credential,omitempty"`
	}{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:global.stun.twilio.com:3478"}},
	}

	cfg.Media.Audio = true
	cfg.Media.Video = true
	cfg.Media.VideoWidth = 640
	cfg.Media.VideoHeight = 480
	cfg.Media.VideoFrameRate = 30
	cfg.Media.VideoBitrate = 1_000_000
	cfg.Media.AudioBitrate = 32_000

	cfg.HTTP.Address = ":8080"
	cfg.HTTP.ShutdownTimeout = 30 * time.Second

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

// ApplyEnvOverrides applies environment variable overrides.
func (c *Config) ApplyEnvOverrides() {
	if id := os.Getenv("PAIRCALL_SELF_ID"); id != "" {
		c.Identity.SelfID = id
	}
	if addr := os.Getenv("PAIRCALL_REDIS_ADDRESS"); addr != "" {
		c.Signaling.Redis.Address = addr
	}
	if addr := os.Getenv("PAIRCALL_HTTP_ADDRESS"); addr != "" {
		c.HTTP.Address = addr
	}
	if level := os.Getenv("PAIRCALL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}
