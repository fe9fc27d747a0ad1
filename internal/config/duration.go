package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration parses a config duration. Empty yields def; negative is an error.
func Duration(field, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", field, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	return d, nil
}

// MustDuration is Duration for values that already passed Validate.
func MustDuration(raw string, def time.Duration) time.Duration {
	d, err := Duration("", raw, def)
	if err != nil {
		return def
	}
	return d
}
