// Package config provides configuration loading and validation for the capture service.
// It handles YAML-based configuration with per-section validation, and overlays secrets
// from the environment (optionally seeded from a .env file).
package config
