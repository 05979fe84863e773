// Package environment provides helpers for loading configuration from environment variables.
//
// Every helper reads one variable and falls back to a default when it is unset,
// empty, or unparsable. Nothing here exits the process; callers decide what a
// missing value means.
package environment

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// StringOr returns the value of the named environment variable, or defaultValue
// if the variable is unset or empty.
func StringOr(name, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return defaultValue
}

// IntOr parses the named environment variable as a decimal integer. Returns
// defaultValue if the variable is unset, empty, or cannot be parsed.
func IntOr(name string, defaultValue int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

// DurationOr parses the named environment variable as a time.Duration ("5s",
// "1500ms"). Non-positive durations are rejected in favour of defaultValue
// because every duration devorch reads is a timeout.
func DurationOr(name string, defaultValue time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}

// PathOr returns the named environment variable as an absolute, cleaned path.
// A leading "~/" is expanded to the user's home directory. defaultValue is
// returned verbatim when the variable is unset or cannot be made absolute.
func PathOr(name, defaultValue string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return defaultValue
	}
	if v == "~" || strings.HasPrefix(v, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return defaultValue
		}
		v = filepath.Join(home, strings.TrimPrefix(v[1:], "/"))
	}
	abs, err := filepath.Abs(v)
	if err != nil {
		return defaultValue
	}
	return abs
}
