package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// validConfig returns a configuration that passes validation with both channels enabled
func validConfig() Config {
	cfg := Default()
	cfg.HTTPChannel.Endpoint = "https://ingest.example.com/v1/audio"
	cfg.HTTPChannel.APIToken = "test-token"
	cfg.Relay.Broker = "tcp://localhost:1883"
	return *cfg
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		errorMsg string
	}{
		{
			name:   "valid configuration",
			mutate: func(c *Config) {},
		},
		{
			name:     "non-positive window",
			mutate:   func(c *Config) { c.Capture.WindowSeconds = 0 },
			errorMsg: "window_seconds must be positive",
		},
		{
			name:     "sample rate out of range",
			mutate:   func(c *Config) { c.Capture.SampleRate = 4000 },
			errorMsg: "sample_rate must be between",
		},
		{
			name:     "unknown source",
			mutate:   func(c *Config) { c.Capture.Source = "line-in" },
			errorMsg: "source must be one of",
		},
		{
			name:     "tone above nyquist",
			mutate:   func(c *Config) { c.Capture.ToneFrequency = 30000 },
			errorMsg: "tone_frequency",
		},
		{
			name:     "speech threshold at full scale",
			mutate:   func(c *Config) { c.Capture.SpeechThreshold = 1 },
			errorMsg: "speech_threshold must be between",
		},
		{
			name: "udp source validated only when selected",
			mutate: func(c *Config) {
				c.Capture.Source = SourceUDP
				c.UDPSource.Port = 70000
			},
			errorMsg: "port must be between 1 and 65535",
		},
		{
			name:   "invalid udp section ignored for other sources",
			mutate: func(c *Config) { c.UDPSource.Port = 70000 },
		},
		{
			name:     "empty route",
			mutate:   func(c *Config) { c.Delivery.Channels = nil },
			errorMsg: "channels cannot be empty",
		},
		{
			name:     "unknown channel",
			mutate:   func(c *Config) { c.Delivery.Channels = []string{"http", "bluetooth"} },
			errorMsg: "unknown channel 'bluetooth'",
		},
		{
			name:     "duplicate channel",
			mutate:   func(c *Config) { c.Delivery.Channels = []string{"http", "http"} },
			errorMsg: "listed more than once",
		},
		{
			name:     "missing api token",
			mutate:   func(c *Config) { c.HTTPChannel.APIToken = "" },
			errorMsg: "api_token cannot be empty",
		},
		{
			name:     "relative endpoint",
			mutate:   func(c *Config) { c.HTTPChannel.Endpoint = "/v1/audio" },
			errorMsg: "absolute http(s) URL",
		},
		{
			name: "http channel not validated when unused",
			mutate: func(c *Config) {
				c.Delivery.Channels = []string{ChannelRelay}
				c.HTTPChannel = HTTPChannelConfig{}
			},
		},
		{
			name:     "wildcard topic prefix",
			mutate:   func(c *Config) { c.Relay.TopicPrefix = "aha/#" },
			errorMsg: "topic_prefix",
		},
		{
			name:     "invalid qos",
			mutate:   func(c *Config) { c.Relay.QoS = 3 },
			errorMsg: "qos must be 0, 1 or 2",
		},
		{
			name:     "negative max attempts",
			mutate:   func(c *Config) { c.Delivery.MaxAttempts = -1 },
			errorMsg: "max_attempts cannot be negative",
		},
		{
			name:     "invalid log level",
			mutate:   func(c *Config) { c.Logging.Level = "trace" },
			errorMsg: "level must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.errorMsg != "" {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}

			if err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name       string
		configYAML string
		errorMsg   string
	}{
		{
			name: "valid config file",
			configYAML: `
capture:
  window_seconds: 30
  sample_rate: 44100
  chunk_size: 1024
  source: synthetic
  tone_frequency: 440
delivery:
  channels: [http, relay]
  send_timeout: 20
  queue_path: "./data/pending.db"
  retry_interval: 60
  max_attempts: 10
  max_age: 86400
  history_size: 64
http_channel:
  endpoint: "https://ingest.example.com/v1/audio"
  api_token: "file-token"
  timeout: 30
relay:
  broker: "tcp://localhost:1883"
  client_id: "pendant"
  topic_prefix: "aha/audio"
  qos: 1
  inline_max_bytes: 262144
  ack_timeout: 10
logging:
  level: "info"
  format: "json"
  output: "stdout"
`,
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
capture:
  window_seconds: [not a number
`,
			errorMsg: "failed to parse",
		},
		{
			name: "missing endpoint",
			configYAML: `
delivery:
  channels: [http]
http_channel:
  api_token: "file-token"
`,
			errorMsg: "endpoint cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tempDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.configYAML), 0644); err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			config, err := Load(configPath)

			if tt.errorMsg != "" {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}

			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}

			if config.Delivery.SendTimeout != 20 || config.Delivery.HistorySize != 64 {
				t.Errorf("File values not applied: %+v", config.Delivery)
			}

			// Fields absent from the file keep their defaults
			if config.HTTP.Port != 8080 {
				t.Errorf("Expected default control port 8080, got %d", config.HTTP.Port)
			}
		})
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Fatalf("Expected error for nonexistent file but got none")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv(EnvAPIToken, "env-token")
	t.Setenv(EnvIngestEndpoint, "https://other.example.com/upload")
	t.Setenv(EnvMQTTUsername, "pendant")
	t.Setenv(EnvMQTTPassword, "hunter2")

	cfg := validConfig()
	cfg.ApplyEnv()

	if cfg.HTTPChannel.APIToken != "env-token" {
		t.Errorf("Expected token from environment, got %q", cfg.HTTPChannel.APIToken)
	}
	if cfg.HTTPChannel.Endpoint != "https://other.example.com/upload" {
		t.Errorf("Expected endpoint from environment, got %q", cfg.HTTPChannel.Endpoint)
	}
	if cfg.Relay.Username != "pendant" || cfg.Relay.Password != "hunter2" {
		t.Errorf("Expected MQTT credentials from environment, got %q/%q", cfg.Relay.Username, cfg.Relay.Password)
	}
}

func TestLoadDotEnv(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(envPath, []byte("AHA_TEST_DOTENV_VALUE=from-file\n"), 0600); err != nil {
		t.Fatalf("Failed to write env file: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("AHA_TEST_DOTENV_VALUE") })

	if err := LoadDotEnv(envPath, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv failed: %v", err)
	}

	if got := os.Getenv("AHA_TEST_DOTENV_VALUE"); got != "from-file" {
		t.Errorf("Expected value from env file, got %q", got)
	}
}

func TestRedacted(t *testing.T) {
	cfg := validConfig()
	cfg.Relay.Password = "secret"

	out := cfg.Redacted()

	if out.HTTPChannel.APIToken != redacted || out.Relay.Password != redacted {
		t.Errorf("Secrets not redacted: %+v %+v", out.HTTPChannel, out.Relay)
	}

	if cfg.HTTPChannel.APIToken != "test-token" {
		t.Error("Redacted modified the original configuration")
	}

	out.Delivery.Channels[0] = "changed"
	if cfg.Delivery.Channels[0] != ChannelHTTP {
		t.Error("Redacted copy shares the channel slice")
	}
}

func TestDurationHelpers(t *testing.T) {
	capture := CaptureConfig{WindowSeconds: 1.5}
	if capture.GetWindowDuration() != 1500*time.Millisecond {
		t.Errorf("Expected 1.5 seconds, got %v", capture.GetWindowDuration())
	}

	delivery := DeliveryConfig{SendTimeout: 20, RetryInterval: 60, MaxAge: 3600}
	if delivery.GetSendTimeoutDuration() != 20*time.Second {
		t.Errorf("Expected 20 seconds, got %v", delivery.GetSendTimeoutDuration())
	}
	if delivery.GetRetryIntervalDuration() != time.Minute {
		t.Errorf("Expected 1 minute, got %v", delivery.GetRetryIntervalDuration())
	}
	if delivery.GetMaxAgeDuration() != time.Hour {
		t.Errorf("Expected 1 hour, got %v", delivery.GetMaxAgeDuration())
	}

	httpChannel := HTTPChannelConfig{Timeout: 30, ProbeInterval: 15}
	if httpChannel.GetTimeoutDuration() != 30*time.Second {
		t.Errorf("Expected 30 seconds, got %v", httpChannel.GetTimeoutDuration())
	}
	if httpChannel.GetProbeIntervalDuration() != 15*time.Second {
		t.Errorf("Expected 15 seconds, got %v", httpChannel.GetProbeIntervalDuration())
	}

	relay := RelayConfig{AckTimeout: 10}
	if relay.GetAckTimeoutDuration() != 10*time.Second {
		t.Errorf("Expected 10 seconds, got %v", relay.GetAckTimeoutDuration())
	}
}

func TestUDPSourceConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config UDPSourceConfig
		valid  bool
	}{
		{"valid config", UDPSourceConfig{Port: 4444, BindAddress: "0.0.0.0", BufferSize: 65536, QueueSize: 64}, true},
		{"port too low", UDPSourceConfig{Port: 0, BindAddress: "0.0.0.0", BufferSize: 65536, QueueSize: 64}, false},
		{"empty bind address", UDPSourceConfig{Port: 4444, BufferSize: 65536, QueueSize: 64}, false},
		{"buffer too small", UDPSourceConfig{Port: 4444, BindAddress: "0.0.0.0", BufferSize: 512, QueueSize: 64}, false},
		{"no queue", UDPSourceConfig{Port: 4444, BindAddress: "0.0.0.0", BufferSize: 65536}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.valid && err != nil {
				t.Errorf("Expected valid config but got error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Errorf("Expected invalid config but got no error")
			}
		})
	}
}

func TestLoggingConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config LoggingConfig
		valid  bool
	}{
		{"valid json to stdout", LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, true},
		{"valid text to stderr", LoggingConfig{Level: "debug", Format: "text", Output: "stderr"}, true},
		{"invalid log level", LoggingConfig{Level: "trace", Format: "json", Output: "stdout"}, false},
		{"invalid format", LoggingConfig{Level: "info", Format: "xml", Output: "stdout"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.valid && err != nil {
				t.Errorf("Expected valid config but got error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Errorf("Expected invalid config but got no error")
			}
		})
	}
}
