package config

import (
	"fmt"
	"strings"
	"time"
)

// parseDuration reads a Go duration string. Blank means zero. Negative
// values are rejected unless signed is set.
func parseDuration(path, raw string, signed bool) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0 && !signed:
		return 0, fmt.Errorf("%s: negative duration %q not allowed", path, raw)
	}
	return d, nil
}

// ParseDurationField parses a non-negative duration at path.
func ParseDurationField(path, raw string) (time.Duration, error) {
	return parseDuration(path, raw, false)
}

// ParseDurationOrDefault falls back to def when the field is blank or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := parseDuration(path, raw, false)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// ParseSignedDuration accepts negative values, which callers read as "off".
func ParseSignedDuration(path, raw string) (time.Duration, error) {
	return parseDuration(path, raw, true)
}
