package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets and endpoints from the file
const (
	EnvAPIToken       = "AHA_API_TOKEN"
	EnvMQTTUsername   = "AHA_MQTT_USERNAME"
	EnvMQTTPassword   = "AHA_MQTT_PASSWORD"
	EnvIngestEndpoint = "AHA_INGEST_ENDPOINT"
)

// Transport channel names accepted in delivery.channels
const (
	ChannelHTTP  = "http"
	ChannelRelay = "relay"
)

// Audio source kinds accepted in capture.source
const (
	SourceUDP        = "udp"
	SourceSynthetic  = "synthetic"
	SourceMicrophone = "microphone"
)

const redacted = "[REDACTED]"

// Config represents the complete service configuration
type Config struct {
	Capture     CaptureConfig     `yaml:"capture" json:"capture"`
	UDPSource   UDPSourceConfig   `yaml:"udp_source" json:"udp_source"`
	Delivery    DeliveryConfig    `yaml:"delivery" json:"delivery"`
	HTTPChannel HTTPChannelConfig `yaml:"http_channel" json:"http_channel"`
	Relay       RelayConfig       `yaml:"relay" json:"relay"`
	HTTP        HTTPConfig        `yaml:"http" json:"http"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
}

// CaptureConfig contains capture window and audio source parameters
type CaptureConfig struct {
	WindowSeconds        float64 `yaml:"window_seconds" json:"window_seconds"`
	SampleRate           int     `yaml:"sample_rate" json:"sample_rate"`
	ChunkSize            int     `yaml:"chunk_size" json:"chunk_size"` // samples per source callback
	Source               string  `yaml:"source" json:"source"`
	ToneFrequency        float64 `yaml:"tone_frequency" json:"tone_frequency"` // Hz, synthetic source only
	MicrophonePermission bool    `yaml:"microphone_permission" json:"microphone_permission"`
	SpeechThreshold      float64 `yaml:"speech_threshold" json:"speech_threshold"` // RMS counted as voice, 0 selects the default
}

// UDPSourceConfig contains the network microphone listener configuration
type UDPSourceConfig struct {
	Port        int    `yaml:"port" json:"port"`
	BindAddress string `yaml:"bind_address" json:"bind_address"`
	BufferSize  int    `yaml:"buffer_size" json:"buffer_size"`
	QueueSize   int    `yaml:"queue_size" json:"queue_size"` // chunks held between socket and session
}

// DeliveryConfig contains routing, queueing and retry parameters
type DeliveryConfig struct {
	Channels      []string `yaml:"channels" json:"channels"`             // ordered by preference
	SendTimeout   int      `yaml:"send_timeout" json:"send_timeout"`     // seconds
	QueuePath     string   `yaml:"queue_path" json:"queue_path"`         // bbolt file
	RetryInterval int      `yaml:"retry_interval" json:"retry_interval"` // seconds
	MaxAttempts   int      `yaml:"max_attempts" json:"max_attempts"`     // 0 means unlimited
	MaxAge        int      `yaml:"max_age" json:"max_age"`               // seconds, 0 means unlimited
	HistorySize   int      `yaml:"history_size" json:"history_size"`     // payloads whose attempts are retained
}

// HTTPChannelConfig contains the direct ingestion endpoint configuration
type HTTPChannelConfig struct {
	Endpoint      string `yaml:"endpoint" json:"endpoint"`
	APIToken      string `yaml:"api_token" json:"api_token"`
	Timeout       int    `yaml:"timeout" json:"timeout"` // seconds
	UserAgent     string `yaml:"user_agent" json:"user_agent"`
	ProbeInterval int    `yaml:"probe_interval" json:"probe_interval"` // seconds, 0 disables probing
}

// RelayConfig contains the MQTT relay configuration
type RelayConfig struct {
	Broker         string `yaml:"broker" json:"broker"`
	ClientID       string `yaml:"client_id" json:"client_id"`
	Username       string `yaml:"username" json:"username"`
	Password       string `yaml:"password" json:"password"`
	TopicPrefix    string `yaml:"topic_prefix" json:"topic_prefix"`
	QoS            int    `yaml:"qos" json:"qos"`
	InlineMaxBytes int    `yaml:"inline_max_bytes" json:"inline_max_bytes"`
	AckTimeout     int    `yaml:"ack_timeout" json:"ack_timeout"` // seconds
}

// HTTPConfig contains control API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port" json:"port"`
	Address string `yaml:"address" json:"address"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// Load reads and parses the configuration file. A .env file in the working
// directory, when present, is loaded into the environment first.
func Load(path string) (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// LoadDotEnv loads environment files without overriding variables that are
// already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}

	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", p, err)
		}
	}

	return nil
}

// Default returns a configuration with every optional field populated
func Default() *Config {
	return &Config{
		Capture: CaptureConfig{
			WindowSeconds:        30,
			SampleRate:           44100,
			ChunkSize:            1024,
			Source:               SourceSynthetic,
			ToneFrequency:        440,
			MicrophonePermission: true,
		},
		UDPSource: UDPSourceConfig{
			Port:        4444,
			BindAddress: "0.0.0.0",
			BufferSize:  65536,
			QueueSize:   256,
		},
		Delivery: DeliveryConfig{
			Channels:      []string{ChannelHTTP, ChannelRelay},
			SendTimeout:   30,
			QueuePath:     "./data/pending.db",
			RetryInterval: 60,
			MaxAttempts:   20,
			MaxAge:        7 * 24 * 3600,
			HistorySize:   256,
		},
		HTTPChannel: HTTPChannelConfig{
			Timeout:       30,
			UserAgent:     "aha-capture/1.0",
			ProbeInterval: 15,
		},
		Relay: RelayConfig{
			ClientID:       "aha-capture",
			TopicPrefix:    "aha/audio",
			QoS:            1,
			InlineMaxBytes: 256 * 1024,
			AckTimeout:     10,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "127.0.0.1",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// ApplyEnv overrides secrets and endpoints with non-empty environment values
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvAPIToken); v != "" {
		c.HTTPChannel.APIToken = v
	}
	if v := os.Getenv(EnvIngestEndpoint); v != "" {
		c.HTTPChannel.Endpoint = v
	}
	if v := os.Getenv(EnvMQTTUsername); v != "" {
		c.Relay.Username = v
	}
	if v := os.Getenv(EnvMQTTPassword); v != "" {
		c.Relay.Password = v
	}
}

// Redacted returns a copy safe to expose over the control API
func (c *Config) Redacted() Config {
	out := *c
	out.Delivery.Channels = append([]string(nil), c.Delivery.Channels...)
	if out.HTTPChannel.APIToken != "" {
		out.HTTPChannel.APIToken = redacted
	}
	if out.Relay.Password != "" {
		out.Relay.Password = redacted
	}
	return out
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}

	if c.Capture.Source == SourceUDP {
		if err := c.UDPSource.Validate(); err != nil {
			return fmt.Errorf("udp_source config: %w", err)
		}
	}

	if err := c.Delivery.Validate(); err != nil {
		return fmt.Errorf("delivery config: %w", err)
	}

	if c.Delivery.Uses(ChannelHTTP) {
		if err := c.HTTPChannel.Validate(); err != nil {
			return fmt.Errorf("http_channel config: %w", err)
		}
	}

	if c.Delivery.Uses(ChannelRelay) {
		if err := c.Relay.Validate(); err != nil {
			return fmt.Errorf("relay config: %w", err)
		}
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates capture configuration
func (a *CaptureConfig) Validate() error {
	if a.WindowSeconds <= 0 {
		return fmt.Errorf("window_seconds must be positive, got %f", a.WindowSeconds)
	}

	if a.SampleRate < 8000 || a.SampleRate > 192000 {
		return fmt.Errorf("sample_rate must be between 8000 and 192000 Hz, got %d", a.SampleRate)
	}

	if a.ChunkSize < 1 {
		return fmt.Errorf("chunk_size must be at least 1 sample, got %d", a.ChunkSize)
	}

	validSources := map[string]bool{SourceUDP: true, SourceSynthetic: true, SourceMicrophone: true}
	if !validSources[a.Source] {
		return fmt.Errorf("source must be one of [udp, synthetic, microphone], got '%s'", a.Source)
	}

	if a.Source == SourceSynthetic && (a.ToneFrequency <= 0 || a.ToneFrequency >= float64(a.SampleRate)/2) {
		return fmt.Errorf("tone_frequency must be between 0 and %d Hz, got %f", a.SampleRate/2, a.ToneFrequency)
	}

	if a.SpeechThreshold < 0 || a.SpeechThreshold >= 1 {
		return fmt.Errorf("speech_threshold must be between 0 and 1, got %f", a.SpeechThreshold)
	}

	return nil
}

// Validate validates the network microphone listener configuration
func (u *UDPSourceConfig) Validate() error {
	if u.Port < 1 || u.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", u.Port)
	}

	if u.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if u.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", u.BufferSize)
	}

	if u.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", u.QueueSize)
	}

	return nil
}

// Validate validates delivery configuration
func (d *DeliveryConfig) Validate() error {
	if len(d.Channels) == 0 {
		return fmt.Errorf("channels cannot be empty")
	}

	seen := make(map[string]bool)
	for _, name := range d.Channels {
		if name != ChannelHTTP && name != ChannelRelay {
			return fmt.Errorf("unknown channel '%s' (expected http or relay)", name)
		}
		if seen[name] {
			return fmt.Errorf("channel '%s' listed more than once", name)
		}
		seen[name] = true
	}

	if d.SendTimeout < 1 {
		return fmt.Errorf("send_timeout must be at least 1 second, got %d", d.SendTimeout)
	}

	if d.QueuePath == "" {
		return fmt.Errorf("queue_path cannot be empty")
	}

	if d.RetryInterval < 1 {
		return fmt.Errorf("retry_interval must be at least 1 second, got %d", d.RetryInterval)
	}

	if d.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts cannot be negative, got %d", d.MaxAttempts)
	}

	if d.MaxAge < 0 {
		return fmt.Errorf("max_age cannot be negative, got %d", d.MaxAge)
	}

	if d.HistorySize < 1 {
		return fmt.Errorf("history_size must be at least 1, got %d", d.HistorySize)
	}

	return nil
}

// Uses reports whether the named channel is part of the route
func (d *DeliveryConfig) Uses(name string) bool {
	for _, c := range d.Channels {
		if c == name {
			return true
		}
	}
	return false
}

// Validate validates the direct ingestion channel configuration
func (h *HTTPChannelConfig) Validate() error {
	if h.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	u, err := url.Parse(h.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("endpoint must be an absolute http(s) URL, got '%s'", h.Endpoint)
	}

	if h.APIToken == "" {
		return fmt.Errorf("api_token cannot be empty (set it in the file or via %s)", EnvAPIToken)
	}

	if h.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", h.Timeout)
	}

	if h.ProbeInterval < 0 {
		return fmt.Errorf("probe_interval cannot be negative, got %d", h.ProbeInterval)
	}

	return nil
}

// Validate validates the MQTT relay configuration
func (r *RelayConfig) Validate() error {
	if r.Broker == "" {
		return fmt.Errorf("broker cannot be empty")
	}

	if r.ClientID == "" {
		return fmt.Errorf("client_id cannot be empty")
	}

	if r.TopicPrefix == "" || strings.ContainsAny(r.TopicPrefix, "+#") {
		return fmt.Errorf("topic_prefix must be a non-empty topic without wildcards, got '%s'", r.TopicPrefix)
	}

	if r.QoS < 0 || r.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2, got %d", r.QoS)
	}

	if r.InlineMaxBytes < 0 {
		return fmt.Errorf("inline_max_bytes cannot be negative, got %d", r.InlineMaxBytes)
	}

	if r.AckTimeout < 1 {
		return fmt.Errorf("ack_timeout must be at least 1 second, got %d", r.AckTimeout)
	}

	return nil
}

// Validate validates control API configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetWindowDuration returns the capture window as a time.Duration
func (a *CaptureConfig) GetWindowDuration() time.Duration {
	return time.Duration(a.WindowSeconds * float64(time.Second))
}

// GetSendTimeoutDuration returns the per-channel send bound as a time.Duration
func (d *DeliveryConfig) GetSendTimeoutDuration() time.Duration {
	return time.Duration(d.SendTimeout) * time.Second
}

// GetRetryIntervalDuration returns the queue retry interval as a time.Duration
func (d *DeliveryConfig) GetRetryIntervalDuration() time.Duration {
	return time.Duration(d.RetryInterval) * time.Second
}

// GetMaxAgeDuration returns the queued payload age limit as a time.Duration
func (d *DeliveryConfig) GetMaxAgeDuration() time.Duration {
	return time.Duration(d.MaxAge) * time.Second
}

// GetTimeoutDuration returns the HTTP request timeout as a time.Duration
func (h *HTTPChannelConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(h.Timeout) * time.Second
}

// GetProbeIntervalDuration returns the reachability probe interval as a time.Duration
func (h *HTTPChannelConfig) GetProbeIntervalDuration() time.Duration {
	return time.Duration(h.ProbeInterval) * time.Second
}

// GetAckTimeoutDuration returns the broker acknowledgement timeout as a time.Duration
func (r *RelayConfig) GetAckTimeoutDuration() time.Duration {
	return time.Duration(r.AckTimeout) * time.Second
}
