// Package config loads the application configuration from YAML.
//
// Configuration is a single file overlaid on code defaults and
// validated with struct tags. Sections map onto the components they
// tune: the store backend, template and policy paths, request
// lifecycle bounds, strategy selection criteria, resilience tuning,
// the reconciler loop, and telemetry.
package config
