package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/skypro1111/speech-bridge/internal/audio"
)

func validConfig() Config {
	c := Config{
		TTS: TTSConfig{
			Vendor:    "flowing",
			AppID:     "1300000000",
			SecretID:  "id",
			SecretKey: "key",
		},
		ASR: ASRConfig{
			AppID:     "1300000000",
			SecretID:  "id",
			SecretKey: "key",
		},
	}
	c.ApplyDefaults()
	return c
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid configuration",
			mutate:      func(c *Config) {},
			expectError: false,
		},
		{
			name:        "missing credentials are left to the connectors",
			mutate:      func(c *Config) { c.TTS.SecretKey = ""; c.ASR.AppID = "" },
			expectError: false,
		},
		{
			name:        "invalid server port",
			mutate:      func(c *Config) { c.Server.Port = 70000 },
			expectError: true,
			errorMsg:    "server config: port must be between 1 and 65535",
		},
		{
			name:        "unknown tts vendor",
			mutate:      func(c *Config) { c.TTS.Vendor = "azure" },
			expectError: true,
			errorMsg:    "vendor must be 'flowing' or 'stream'",
		},
		{
			name:        "unsupported sample format",
			mutate:      func(c *Config) { c.TTS.SampleFormat = "mulaw" },
			expectError: true,
			errorMsg:    "unsupported sample format 'mulaw'",
		},
		{
			name:        "negative queue capacity",
			mutate:      func(c *Config) { c.ASR.QueueCapacity = -1 },
			expectError: true,
			errorMsg:    "asr config: queue_capacity cannot be negative",
		},
		{
			name:        "sweep longer than idle timeout",
			mutate:      func(c *Config) { c.Registry.SweepInterval = 600 },
			expectError: true,
			errorMsg:    "sweep_interval (600) cannot exceed idle_timeout (300)",
		},
		{
			name:        "invalid log level",
			mutate:      func(c *Config) { c.Logging.Level = "trace" },
			expectError: true,
			errorMsg:    "logging config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(&config)

			err := config.Validate()
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else {
				if err != nil {
					t.Errorf("Expected no error but got: %v", err)
				}
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	var flowing Config
	flowing.ApplyDefaults()

	if flowing.TTS.Vendor != "flowing" || flowing.TTS.SampleRate != 16000 || flowing.TTS.SampleFormat != "int16" {
		t.Errorf("Unexpected flowing defaults: %+v", flowing.TTS)
	}
	if flowing.ASR.FinalSliceType != 2 {
		t.Errorf("Expected final slice type 2, got %d", flowing.ASR.FinalSliceType)
	}
	if flowing.Server.Port != 8080 {
		t.Errorf("Expected port 8080, got %d", flowing.Server.Port)
	}

	stream := Config{TTS: TTSConfig{Vendor: "stream"}}
	stream.ApplyDefaults()
	if stream.TTS.SampleRate != 48000 {
		t.Errorf("Expected 48000 Hz for stream vendor, got %d", stream.TTS.SampleRate)
	}
	if stream.TTS.GetSampleFormat() != audio.FormatFloat32 {
		t.Errorf("Expected float32 for stream vendor, got %s", stream.TTS.GetSampleFormat())
	}

	explicit := Config{TTS: TTSConfig{Vendor: "stream", SampleRate: 24000, SampleFormat: "int16"}}
	explicit.ApplyDefaults()
	if explicit.TTS.SampleRate != 24000 || explicit.TTS.SampleFormat != "int16" {
		t.Errorf("Expected explicit values to be kept, got %+v", explicit.TTS)
	}
}

func TestConfigLoad(t *testing.T) {
	// Create a temporary directory for test files
	tempDir := t.TempDir()

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config file",
			configYAML: `
server:
  address: "127.0.0.1"
  port: 9090
  output_dir: "/tmp/bridge"
tts:
  vendor: stream
  endpoint: "http://localhost:9000/v1/tts/stream"
  api_key: "test-key"
asr:
  app_id: "1300000000"
  secret_id: "id"
  secret_key: "key"
  engine_model_type: "16k_en"
  language: "en-US"
registry:
  idle_timeout: 120
  sweep_interval: 10
logging:
  level: debug
  format: json
`,
			expectError: false,
		},
		{
			name: "invalid yaml",
			configYAML: `
server:
  port: [not a number
`,
			expectError: true,
			errorMsg:    "failed to parse config file",
		},
		{
			name: "invalid values",
			configYAML: `
tts:
  vendor: carrier-pigeon
`,
			expectError: true,
			errorMsg:    "config validation failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tempDir, strings.ReplaceAll(tt.name, " ", "_")+".yaml")
			err := os.WriteFile(configPath, []byte(tt.configYAML), 0644)
			if err != nil {
				t.Fatalf("Failed to write test config: %v", err)
			}

			config, err := Load(configPath)
			if tt.expectError {
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
			if config.Server.Port != 9090 || config.Server.OutputDir != "/tmp/bridge" {
				t.Errorf("Unexpected server config: %+v", config.Server)
			}
			if config.TTS.SampleRate != 48000 {
				t.Errorf("Expected stream default sample rate, got %d", config.TTS.SampleRate)
			}
			if config.ASR.EngineModelType != "16k_en" || config.ASR.Language != "en-US" {
				t.Errorf("Unexpected asr config: %+v", config.ASR)
			}
			if config.Registry.GetIdleTimeoutDuration() != 2*time.Minute {
				t.Errorf("Expected 2m idle timeout, got %v", config.Registry.GetIdleTimeoutDuration())
			}
		})
	}
}

func TestConfigLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("BRIDGE_TEST_SECRET", "from-env")

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	yamlData := "asr:\n  secret_key: \"${BRIDGE_TEST_SECRET}\"\n"
	if err := os.WriteFile(configPath, []byte(yamlData), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	config, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if config.ASR.SecretKey != "from-env" {
		t.Errorf("Expected secret from environment, got '%s'", config.ASR.SecretKey)
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Expected error for nonexistent file")
	}

	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected file read error, got: %v", err)
	}
}

func TestRedacted(t *testing.T) {
	config := validConfig()
	config.TTS.APIKey = "sk-123"

	redacted := config.Redacted()
	if redacted.TTS.SecretKey != "***" || redacted.ASR.SecretID != "***" || redacted.TTS.APIKey != "***" {
		t.Errorf("Expected credentials to be masked, got %+v / %+v", redacted.TTS, redacted.ASR)
	}
	if redacted.TTS.AppID != "1300000000" {
		t.Errorf("Expected app id to be kept, got %s", redacted.TTS.AppID)
	}
	if config.TTS.SecretKey != "key" {
		t.Error("Expected original config to be untouched")
	}
}

func TestDurationHelpers(t *testing.T) {
	server := ServerConfig{ReadTimeout: 15, WriteTimeout: 60}
	if server.GetReadTimeoutDuration() != 15*time.Second {
		t.Errorf("Expected 15 seconds, got %v", server.GetReadTimeoutDuration())
	}
	if server.GetWriteTimeoutDuration() != time.Minute {
		t.Errorf("Expected 60 seconds, got %v", server.GetWriteTimeoutDuration())
	}

	tts := TTSConfig{Timeout: 30, HandshakeTimeout: 5}
	if tts.GetTimeoutDuration() != 30*time.Second {
		t.Errorf("Expected 30 seconds, got %v", tts.GetTimeoutDuration())
	}
	if tts.GetHandshakeTimeoutDuration() != 5*time.Second {
		t.Errorf("Expected 5 seconds, got %v", tts.GetHandshakeTimeoutDuration())
	}

	registry := RegistryConfig{IdleTimeout: 300, SweepInterval: 30}
	if registry.GetSweepIntervalDuration() != 30*time.Second {
		t.Errorf("Expected 30 seconds, got %v", registry.GetSweepIntervalDuration())
	}
}

func TestLoggingConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config LoggingConfig
		valid  bool
	}{
		{
			name:   "valid json to stdout",
			config: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
			valid:  true,
		},
		{
			name:   "valid text to file",
			config: LoggingConfig{Level: "debug", Format: "text", Output: "/var/log/bridge.log"},
			valid:  true,
		},
		{
			name:   "invalid log level",
			config: LoggingConfig{Level: "trace", Format: "json", Output: "stdout"},
			valid:  false,
		},
		{
			name:   "invalid format",
			config: LoggingConfig{Level: "info", Format: "xml", Output: "stdout"},
			valid:  false,
		},
		{
			name:   "negative rotation",
			config: LoggingConfig{Level: "info", Format: "text", Output: "bridge.log", MaxBackups: -1},
			valid:  false,
		},
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
