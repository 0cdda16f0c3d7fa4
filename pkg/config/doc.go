// Package config loads and validates the deployment configuration.
//
// # Overview
//
// A configuration file describes one deployment: the SSH target, the
// application layout on that target (identity, checkout, virtualenv,
// document root, proxied site, service) and the optional run-time
// extensions (verification script, policy directory, run history and
// telemetry).
//
// Two file formats are accepted and selected by extension:
//
//   - YAML (.yaml, .yml), decoded with gopkg.in/yaml.v3
//   - CUE (.cue) and plain JSON (.json), compiled with cuelang.org/go
//
// Both formats are checked against the embedded CUE schema (schema.cue)
// before decoding, so unknown keys and malformed values are reported with
// file positions. Decoded values are then layered over Default() and the
// result is checked with go-playground/validator struct tags.
//
// # Immutability
//
// Config and Deployment are plain values. Load returns a copy and every
// consumer receives its own copy; nothing in this module mutates a
// configuration after it has been loaded.
//
// # Usage Example
//
//	cfg, err := config.Load("deploy.yaml")
//	if err != nil {
//		return err
//	}
//	layout := provision.NewLayout(cfg.Deployment)
package config
