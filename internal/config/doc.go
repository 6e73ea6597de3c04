// Package config provides configuration loading and validation for the speech bridge.
// It handles YAML-based configuration with per-section validation and defaults.
package config
