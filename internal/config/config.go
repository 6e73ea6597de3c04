package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skypro1111/speech-bridge/internal/audio"
)

// Config represents the complete bridge configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	TTS      TTSConfig      `yaml:"tts"`
	ASR      ASRConfig      `yaml:"asr"`
	Registry RegistryConfig `yaml:"registry"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig contains HTTP API server configuration
type ServerConfig struct {
	Address      string `yaml:"address"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
	OutputDir    string `yaml:"output_dir"`    // synthesized WAV files
}

// TTSConfig contains synthesis vendor configuration
type TTSConfig struct {
	Vendor           string `yaml:"vendor"` // flowing or stream
	Endpoint         string `yaml:"endpoint"`
	AppID            string `yaml:"app_id"`
	SecretID         string `yaml:"secret_id"`
	SecretKey        string `yaml:"secret_key"`
	APIKey           string `yaml:"api_key"`
	VoiceType        int    `yaml:"voice_type"`
	Voice            string `yaml:"voice"`
	Codec            string `yaml:"codec"`
	SampleRate       int    `yaml:"sample_rate"`
	SampleFormat     string `yaml:"sample_format"` // int16 or float32
	Timeout          int    `yaml:"timeout"`       // seconds
	HandshakeTimeout int    `yaml:"handshake_timeout"`
	MaxConcurrent    int    `yaml:"max_concurrent"`
	QueueCapacity    int    `yaml:"queue_capacity"`
}

// ASRConfig contains recognition vendor configuration
type ASRConfig struct {
	Endpoint         string `yaml:"endpoint"`
	AppID            string `yaml:"app_id"`
	SecretID         string `yaml:"secret_id"`
	SecretKey        string `yaml:"secret_key"`
	EngineModelType  string `yaml:"engine_model_type"`
	Language         string `yaml:"language"`
	FinalSliceType   int    `yaml:"final_slice_type"`
	VoiceFormat      int    `yaml:"voice_format"`
	NeedVAD          int    `yaml:"need_vad"`
	FilterModal      int    `yaml:"filter_modal"`
	ConvertNumMode   int    `yaml:"convert_num_mode"`
	WordInfo         int    `yaml:"word_info"`
	HandshakeTimeout int    `yaml:"handshake_timeout"` // seconds
	QueueCapacity    int    `yaml:"queue_capacity"`
}

// RegistryConfig contains per-stream controller lifecycle settings
type RegistryConfig struct {
	IdleTimeout   int `yaml:"idle_timeout"`   // seconds
	SweepInterval int `yaml:"sweep_interval"` // seconds
	MaxStreams    int `yaml:"max_streams"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`

	// Rotation of file output
	MaxSize    int `yaml:"max_size"`    // megabytes
	MaxBackups int `yaml:"max_backups"`
	MaxAge     int `yaml:"max_age"` // days
}

// Load reads and parses the configuration file. ${VAR} references are
// expanded from the environment so credentials can stay out of the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// ApplyDefaults fills zero values with the bridge defaults
func (c *Config) ApplyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60
	}
	if c.Server.OutputDir == "" {
		c.Server.OutputDir = "./output"
	}

	if c.TTS.Vendor == "" {
		c.TTS.Vendor = "flowing"
	}
	if c.TTS.SampleRate == 0 {
		if c.TTS.Vendor == "stream" {
			c.TTS.SampleRate = 48000
		} else {
			c.TTS.SampleRate = 16000
		}
	}
	if c.TTS.SampleFormat == "" {
		if c.TTS.Vendor == "stream" {
			c.TTS.SampleFormat = "float32"
		} else {
			c.TTS.SampleFormat = "int16"
		}
	}
	if c.TTS.Codec == "" {
		c.TTS.Codec = "pcm"
	}
	if c.TTS.Timeout == 0 {
		c.TTS.Timeout = 30
	}
	if c.TTS.HandshakeTimeout == 0 {
		c.TTS.HandshakeTimeout = 5
	}
	if c.TTS.MaxConcurrent == 0 {
		c.TTS.MaxConcurrent = 10
	}

	if c.ASR.EngineModelType == "" {
		c.ASR.EngineModelType = "16k_zh"
	}
	if c.ASR.Language == "" {
		c.ASR.Language = "zh-CN"
	}
	if c.ASR.FinalSliceType == 0 {
		c.ASR.FinalSliceType = 2
	}
	if c.ASR.VoiceFormat == 0 {
		c.ASR.VoiceFormat = 1
	}
	if c.ASR.HandshakeTimeout == 0 {
		c.ASR.HandshakeTimeout = 5
	}

	if c.Registry.IdleTimeout == 0 {
		c.Registry.IdleTimeout = 300
	}
	if c.Registry.SweepInterval == 0 {
		c.Registry.SweepInterval = 30
	}
	if c.Registry.MaxStreams == 0 {
		c.Registry.MaxStreams = 1000
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Logging.MaxSize == 0 {
		c.Logging.MaxSize = 100
	}
}

// Validate performs comprehensive validation of the configuration.
// Vendor credentials are checked by the vendor connectors, not here.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.TTS.Validate(); err != nil {
		return fmt.Errorf("tts config: %w", err)
	}

	if err := c.ASR.Validate(); err != nil {
		return fmt.Errorf("asr config: %w", err)
	}

	if err := c.Registry.Validate(); err != nil {
		return fmt.Errorf("registry config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if s.ReadTimeout < 1 {
		return fmt.Errorf("read_timeout must be at least 1 second, got %d", s.ReadTimeout)
	}

	if s.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", s.WriteTimeout)
	}

	return nil
}

// Validate validates synthesis configuration
func (t *TTSConfig) Validate() error {
	validVendors := map[string]bool{"flowing": true, "stream": true}
	if !validVendors[t.Vendor] {
		return fmt.Errorf("vendor must be 'flowing' or 'stream', got '%s'", t.Vendor)
	}

	if t.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", t.SampleRate)
	}

	if _, err := audio.ParseSampleFormat(t.SampleFormat); err != nil {
		return err
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	if t.QueueCapacity < 0 {
		return fmt.Errorf("queue_capacity cannot be negative, got %d", t.QueueCapacity)
	}

	return nil
}

// Validate validates recognition configuration
func (a *ASRConfig) Validate() error {
	if a.EngineModelType == "" {
		return fmt.Errorf("engine_model_type cannot be empty")
	}

	if a.FinalSliceType < 0 {
		return fmt.Errorf("final_slice_type cannot be negative, got %d", a.FinalSliceType)
	}

	for name, flag := range map[string]int{
		"need_vad":     a.NeedVAD,
		"filter_modal": a.FilterModal,
		"word_info":    a.WordInfo,
	} {
		if flag < 0 || flag > 2 {
			return fmt.Errorf("%s must be between 0 and 2, got %d", name, flag)
		}
	}

	if a.QueueCapacity < 0 {
		return fmt.Errorf("queue_capacity cannot be negative, got %d", a.QueueCapacity)
	}

	return nil
}

// Validate validates registry configuration
func (r *RegistryConfig) Validate() error {
	if r.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", r.IdleTimeout)
	}

	if r.SweepInterval < 1 {
		return fmt.Errorf("sweep_interval must be at least 1 second, got %d", r.SweepInterval)
	}

	if r.SweepInterval > r.IdleTimeout {
		return fmt.Errorf("sweep_interval (%d) cannot exceed idle_timeout (%d)", r.SweepInterval, r.IdleTimeout)
	}

	if r.MaxStreams < 1 {
		return fmt.Errorf("max_streams must be at least 1, got %d", r.MaxStreams)
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

	// Anything other than stdout/stderr is treated as a file path
	if l.MaxSize < 0 || l.MaxBackups < 0 || l.MaxAge < 0 {
		return fmt.Errorf("max_size, max_backups and max_age cannot be negative")
	}

	return nil
}

// Redacted returns a copy with credentials masked, for the /config endpoint
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "***"
	}
	c.TTS.SecretID = mask(c.TTS.SecretID)
	c.TTS.SecretKey = mask(c.TTS.SecretKey)
	c.TTS.APIKey = mask(c.TTS.APIKey)
	c.ASR.SecretID = mask(c.ASR.SecretID)
	c.ASR.SecretKey = mask(c.ASR.SecretKey)
	return c
}

// GetReadTimeoutDuration returns the HTTP read timeout as a time.Duration
func (s *ServerConfig) GetReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// GetWriteTimeoutDuration returns the HTTP write timeout as a time.Duration
func (s *ServerConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GetTimeoutDuration returns the synthesis request timeout as a time.Duration
func (t *TTSConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetHandshakeTimeoutDuration returns the synthesis handshake timeout as a time.Duration
func (t *TTSConfig) GetHandshakeTimeoutDuration() time.Duration {
	return time.Duration(t.HandshakeTimeout) * time.Second
}

// GetSampleFormat returns the parsed sample format; Validate guarantees it parses
func (t *TTSConfig) GetSampleFormat() audio.SampleFormat {
	format, _ := audio.ParseSampleFormat(t.SampleFormat)
	return format
}

// GetHandshakeTimeoutDuration returns the recognition handshake timeout as a time.Duration
func (a *ASRConfig) GetHandshakeTimeoutDuration() time.Duration {
	return time.Duration(a.HandshakeTimeout) * time.Second
}

// GetIdleTimeoutDuration returns the stream idle timeout as a time.Duration
func (r *RegistryConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(r.IdleTimeout) * time.Second
}

// GetSweepIntervalDuration returns the reaper interval as a time.Duration
func (r *RegistryConfig) GetSweepIntervalDuration() time.Duration {
	return time.Duration(r.SweepInterval) * time.Second
}
