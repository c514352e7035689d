// Package acl provides the peer-address accept/reject predicate the
// session engine consults during admission.
//
// Semantics follow the originating daemon's olsr_acl: an explicit deny
// list is checked first, then an explicit allow list; with no lists
// configured, every address is accepted.
package acl

import (
	"net"

	sockaddr "github.com/hashicorp/go-sockaddr"
)

// ACL is the accept/reject predicate consulted with the peer address of
// an about-to-be-admitted connection.
type ACL interface {
	// Accept reports whether addr should be admitted.
	Accept(addr net.Addr) bool
}

// AllowAll is the zero-configuration ACL: every address is accepted. It
// is the default when a Listener's configuration does not set one.
type AllowAll struct{}

// Accept always returns true.
func (AllowAll) Accept(net.Addr) bool { return true }

// CIDRList is an ACL backed by explicit allow/deny network lists. Deny
// takes precedence over allow; an address matching neither is accepted
// only if the allow list is empty (default-accept, matching olsr_acl).
type CIDRList struct {
	Allow []*net.IPNet
	Deny  []*net.IPNet
}

// ParseCIDRList builds a CIDRList from string forms such as "10.0.0.0/8",
// "192.168.1.5", or "::1/128". Bare IPs are normalized to a /32 or /128
// network via hashicorp/go-sockaddr before being parsed as a CIDR, which
// is how the corpus (nabbar-golib's go-sockaddr dependency) handles mixed
// address-family strings coming out of YAML.
func ParseCIDRList(allow, deny []string) (*CIDRList, error) {
	a, err := parseNets(allow)
	if err != nil {
		return nil, err
	}
	d, err := parseNets(deny)
	if err != nil {
		return nil, err
	}
	return &CIDRList{Allow: a, Deny: d}, nil
}

func parseNets(in []string) ([]*net.IPNet, error) {
	out := make([]*net.IPNet, 0, len(in))
	for _, s := range in {
		n, err := normalizeToCIDR(s)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func normalizeToCIDR(s string) (*net.IPNet, error) {
	if _, n, err := net.ParseCIDR(s); err == nil {
		return n, nil
	}

	ip, err := sockaddr.NewIPAddr(s)
	if err != nil {
		return nil, err
	}

	parsed := net.ParseIP(ip.NetworkAddress().String())
	if parsed == nil {
		return nil, &net.AddrError{Err: "cannot normalize address", Addr: s}
	}

	bits := 32
	if parsed.To4() == nil {
		bits = 128
	}
	return &net.IPNet{IP: parsed, Mask: net.CIDRMask(bits, bits)}, nil
}

// Accept implements ACL.
func (l *CIDRList) Accept(addr net.Addr) bool {
	ip := hostIP(addr)
	if ip == nil {
		return len(l.Allow) == 0
	}

	for _, n := range l.Deny {
		if n.Contains(ip) {
			return false
		}
	}

	if len(l.Allow) == 0 {
		return true
	}

	for _, n := range l.Allow {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func hostIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return net.ParseIP(addr.String())
		}
		return net.ParseIP(host)
	}
}
