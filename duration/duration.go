// Package duration provides a time.Duration-compatible type with YAML
// (un)marshalling, scoped down to the subset this engine's configuration
// surface needs: parsing from a human string ("120s", "2m", "5d") and
// conversion to/from time.Duration.
package duration

import (
	"strings"
	"time"
)

// Duration wraps time.Duration, adding a "d" (day) unit to the strings
// time.ParseDuration already accepts, and YAML marshalling.
type Duration time.Duration

// Seconds returns a Duration representing i seconds.
func Seconds(i int64) Duration { return Duration(time.Duration(i) * time.Second) }

// Milliseconds returns a Duration representing i milliseconds.
func Milliseconds(i int64) Duration { return Duration(time.Duration(i) * time.Millisecond) }

// Days returns a Duration representing i days.
func Days(i int64) Duration { return Duration(time.Duration(i) * 24 * time.Hour) }

// ParseDuration wraps a stdlib time.Duration without modification.
func ParseDuration(d time.Duration) Duration { return Duration(d) }

// Parse parses a string such as "120s", "2m30s", or "1d12h" into a Duration.
func Parse(s string) (Duration, error) {
	return parseString(s)
}

// Time returns the stdlib time.Duration this value represents.
func (d Duration) Time() time.Duration { return time.Duration(d) }

// String renders the duration using the stdlib formatting.
func (d Duration) String() string { return time.Duration(d).String() }

func parseString(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"'")

	if idx := strings.IndexByte(s, 'd'); idx >= 0 {
		days, rest := s[:idx], s[idx+1:]
		dd, err := time.ParseDuration(days + "h")
		if err != nil {
			return 0, err
		}
		dd *= 24
		if rest == "" {
			return Duration(dd), nil
		}
		rr, err := time.ParseDuration(rest)
		if err != nil {
			return 0, err
		}
		return Duration(dd + rr), nil
	}

	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return Duration(v), nil
}

// UnmarshalYAML implements yaml.Unmarshaler so Duration fields in config
// structs accept either a bare integer (milliseconds, matching a legacy
// uint32 millisecond field) or a duration string.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var ms int64
	if err := unmarshal(&ms); err == nil {
		*d = Milliseconds(ms)
		return nil
	}

	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := parseString(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}
