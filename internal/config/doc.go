// Package config loads, normalizes, and validates haul configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, loads an optional dotenv file, and honours
// environment fallbacks such as HAUL_STAGING_DIR. The Config type centralizes
// every knob the daemon and CLI need, so staging/state directories, lane
// partitions, and stall thresholds are discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
