// Package settings holds every tunable of the optimizer: compression levels per
// image kind, size thresholds, exclusions, conversion and WebP options, remote
// API credentials, tool options and batch budgets.
//
// Settings are read from an optional YAML file over Default values. The startup
// package then applies environment overrides.
package settings
