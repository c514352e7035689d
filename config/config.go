// Package config holds the YAML-loadable configuration blocks for a
// Listener and a ManagedEndpoint, following a socket/config package
// shape (config.Client{Network, Address}, .Validate() returning sentinel
// errors) whose production source did not survive retrieval — only its
// tests did, which is what this shape is read off of.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nabbar/tcpsession/duration"
	"github.com/nabbar/tcpsession/socketerr"
)

// Defaults mirror the original daemon's stream-socket defaults.
const (
	DefaultAllowedSessions = 10
	DefaultMaxInputBuffer  = 65536
	// DefaultManagedTimeout is the idle timeout applied to sessions of a
	// ManagedEndpoint when none is configured.
	DefaultManagedTimeout = duration.Duration(120 * 1_000_000_000) // 120s, in time.Duration units
)

// Listener is the configuration block a Listener is built from. Zero
// values are defaulted by ApplyDefaults.
type Listener struct {
	// AllowedSessions is the admission quota; also doubles as the live
	// counter once a Listener is running.
	AllowedSessions int `yaml:"allowed_sessions"`

	// MaxInputBuffer caps a Session's input buffer.
	MaxInputBuffer int `yaml:"max_input_buffer"`

	// SessionTimeout is the idle timeout armed on admission and reset on
	// every successful read/send. Zero disables the timer.
	SessionTimeout duration.Duration `yaml:"session_timeout"`

	// ACLAllow/ACLDeny are CIDR or bare-IP strings consulted by the
	// Listener's acl.ACL (empty means accept everything).
	ACLAllow []string `yaml:"acl_allow"`
	ACLDeny  []string `yaml:"acl_deny"`

	// SendFirst propagates onto each admitted Session's send_first flag.
	SendFirst bool `yaml:"send_first"`
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Listener) ApplyDefaults() {
	if c.AllowedSessions == 0 {
		c.AllowedSessions = DefaultAllowedSessions
	}
	if c.MaxInputBuffer == 0 {
		c.MaxInputBuffer = DefaultMaxInputBuffer
	}
}

// ApplyManagedDefaults is like ApplyDefaults but also arms the
// ManagedEndpoint-specific 120s default session timeout.
func (c *Listener) ApplyManagedDefaults() {
	c.ApplyDefaults()
	if c.SessionTimeout == 0 {
		c.SessionTimeout = DefaultManagedTimeout
	}
}

// Clone returns a deep-enough copy for safe reuse across two Listener
// halves of a ManagedEndpoint.
func (c Listener) Clone() Listener {
	out := c
	if c.ACLAllow != nil {
		out.ACLAllow = append([]string(nil), c.ACLAllow...)
	}
	if c.ACLDeny != nil {
		out.ACLDeny = append([]string(nil), c.ACLDeny...)
	}
	return out
}

// ManagedEndpoint is the configuration for a dual-stack (v4+v6) endpoint.
// BindV4/BindV6 are literal IP strings ("0.0.0.0", "::", "" to disable
// the family).
type ManagedEndpoint struct {
	BindV4 string `yaml:"bind_v4"`
	BindV6 string `yaml:"bind_v6"`
	Port   uint16 `yaml:"port"`

	IPv4Enabled bool `yaml:"ipv4_enabled"`
	IPv6Enabled bool `yaml:"ipv6_enabled"`

	Listener Listener `yaml:"listener"`
}

// Validate reports a setup-time configuration error.
func (m ManagedEndpoint) Validate() error {
	if m.IPv4Enabled && m.BindV4 == "" {
		return socketerr.ErrInvalidAddress
	}
	if m.IPv6Enabled && m.BindV6 == "" {
		return socketerr.ErrInvalidAddress
	}
	if m.Port == 0 {
		return socketerr.ErrInvalidAddress
	}
	return nil
}

// LoadFile reads and parses a YAML-encoded ManagedEndpoint configuration.
// Used directly by managed.WatchFile on every reload; a parse error
// leaves the caller's current configuration untouched — a broken file on
// disk never partially applies.
func LoadFile(path string) (ManagedEndpoint, error) {
	var cfg ManagedEndpoint

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
