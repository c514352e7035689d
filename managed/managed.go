// Package managed implements ManagedEndpoint: a pair of Listeners (IPv4
// and IPv6) sharing one configuration and one ACL, reconcilable against
// a new configuration without disturbing an unchanged half. Grounded on
// olsr_stream_add_managed/olsr_stream_apply_managed/
// _apply_managed_socket/olsr_stream_remove_managed.
package managed

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nabbar/tcpsession/acl"
	"github.com/nabbar/tcpsession/config"
	"github.com/nabbar/tcpsession/listener"
	"github.com/nabbar/tcpsession/metrics"
	"github.com/nabbar/tcpsession/reactor"
	"github.com/nabbar/tcpsession/session"
	"github.com/nabbar/tcpsession/socketerr"
)

// Params are the listener-construction inputs shared by both families of
// a ManagedEndpoint; everything YAML-reloadable lives in config.ManagedEndpoint
// instead, passed to Apply.
type Params struct {
	Name string

	ReceiveData func(*session.Session) session.State
	CreateError func(*session.Session, socketerr.Code)
	Cleanup     func(*session.Session)
	Init        func(*session.Session) error

	Allocator  listener.Allocator
	Reactor    reactor.Reactor
	Timer      reactor.Timer
	TimerClass reactor.ClassHandle
	Metrics    *metrics.Set
	Log        logrus.FieldLogger
}

// ManagedEndpoint owns up to two Listeners, v4 and v6, built from the
// most recently applied config.ManagedEndpoint.
type ManagedEndpoint struct {
	params Params

	mu  sync.Mutex
	v4  *listener.Listener
	v6  *listener.Listener
	cfg config.ManagedEndpoint
}

// New returns an empty ManagedEndpoint; call Apply to bind its sockets.
func New(p Params) *ManagedEndpoint {
	return &ManagedEndpoint{params: p}
}

// V4 returns the current IPv4 half, or nil if disabled.
func (m *ManagedEndpoint) V4() *listener.Listener {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.v4
}

// V6 returns the current IPv6 half, or nil if disabled.
func (m *ManagedEndpoint) V6() *listener.Listener {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.v6
}

// Apply reconciles both families against cfg (olsr_stream_apply_managed):
// a disabled family is removed; an enabled family whose resolved
// bind-address/port is unchanged is left alone (its ACL is still
// refreshed in place); otherwise the existing Listener for that family
// is replaced with a freshly bound one carrying cfg's configuration.
func (m *ManagedEndpoint) Apply(cfg config.ManagedEndpoint) error {
	cfg.Listener.ApplyManagedDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	newACL, err := acl.ParseCIDRList(cfg.Listener.ACLAllow, cfg.Listener.ACLDeny)
	if err != nil {
		return socketerr.Wrap(err, "parse acl")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.applyFamily(&m.v4, cfg.IPv4Enabled, cfg.BindV4, cfg.Port, cfg.Listener, newACL); err != nil {
		return err
	}
	if err := m.applyFamily(&m.v6, cfg.IPv6Enabled, cfg.BindV6, cfg.Port, cfg.Listener, newACL); err != nil {
		return err
	}

	m.cfg = cfg
	return nil
}

// Remove tears down both families (olsr_stream_remove_managed).
func (m *ManagedEndpoint) Remove() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.v4 != nil {
		m.v4.Remove()
		m.v4 = nil
	}
	if m.v6 != nil {
		m.v6.Remove()
		m.v6 = nil
	}
}

func (m *ManagedEndpoint) applyFamily(slot **listener.Listener, enabled bool, bindAddr string, port uint16, lcfg config.Listener, newACL acl.ACL) error {
	if !enabled {
		if *slot != nil {
			(*slot).Remove()
			*slot = nil
		}
		return nil
	}

	ip := net.ParseIP(bindAddr)
	if ip == nil {
		return socketerr.ErrInvalidAddress
	}

	if *slot != nil {
		cur, ok := (*slot).Addr().(*net.TCPAddr)
		if ok && cur.IP.Equal(ip) && cur.Port == int(port) {
			// Nothing changed at the socket level; the ACL may still have
			// been edited, so refresh it without bouncing the listener.
			(*slot).SetACL(newACL)
			return nil
		}
		(*slot).Remove()
		*slot = nil
	}

	ln, err := listener.New(listener.Params{
		Name:        m.params.Name,
		IP:          ip,
		Port:        port,
		Config:      lcfg.Clone(),
		ACL:         newACL,
		Init:        m.params.Init,
		ReceiveData: m.params.ReceiveData,
		CreateError: m.params.CreateError,
		Cleanup:     m.params.Cleanup,
		Allocator:   m.params.Allocator,
		Reactor:     m.params.Reactor,
		Timer:       m.params.Timer,
		TimerClass:  m.params.TimerClass,
		Metrics:     m.params.Metrics,
		Log:         m.params.Log,
	})
	if err != nil {
		return socketerr.Wrap(err, "bind managed socket")
	}

	*slot = ln
	return nil
}
