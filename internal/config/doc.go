// Package config loads runq's configuration file.
//
// JSON and YAML are both accepted. YAML is converted to JSON first so one
// strict decoder (unknown fields rejected) serves both formats. Durations are
// strings in Go syntax ("10s", "1m30s").
package config
