// Package config defines the YAML configuration model for the exporter:
// per-ecosystem source lists plus a global section with query-tool paths and
// fetch scheduling knobs. Load validates structural constraints (unique
// source names, mandatory isv/hasp_key fields, redundant-server syntax) and
// fails hard so the exporter never starts serving with a broken configuration.
package config
