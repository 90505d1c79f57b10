package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses raw as a non-negative Go duration. Empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for 0.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// MustDuration is ParseDurationOrDefault for values already checked by
// Validate.
func MustDuration(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("", raw, def)
	if err != nil {
		return def
	}
	return d
}
