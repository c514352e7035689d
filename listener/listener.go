// Package listener implements a bound TCP listening socket, its
// configuration, and the accept/admission path that turns a raw
// incoming (or outgoing) connection into a session.Session. It is
// grounded in olsr_stream_socket.c's olsr_stream_add/_parse_request/
// _create_session/olsr_stream_connect_to/olsr_stream_close, and in the
// API shape of a socket/server/tcp package's test suite (RegisterServer,
// IsRunning, IsGone, OpenConnections), whose production source did not
// survive retrieval.
package listener

import (
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nabbar/tcpsession/acl"
	"github.com/nabbar/tcpsession/config"
	"github.com/nabbar/tcpsession/metrics"
	"github.com/nabbar/tcpsession/reactor"
	"github.com/nabbar/tcpsession/session"
	"github.com/nabbar/tcpsession/socketerr"

	"golang.org/x/sys/unix"
)

// Params configures a new Listener. Config carries the YAML-loadable
// limits; the callback fields are supplied directly by the caller since
// they cannot round-trip through YAML.
type Params struct {
	Name string
	IP   net.IP
	Port uint16

	Config config.Listener
	ACL    acl.ACL

	Init        func(*session.Session) error
	ReceiveData func(*session.Session) session.State
	CreateError func(*session.Session, socketerr.Code)
	Cleanup     func(*session.Session)

	Allocator  Allocator
	Reactor    reactor.Reactor
	Timer      reactor.Timer
	TimerClass reactor.ClassHandle
	Metrics    *metrics.Set
	Log        logrus.FieldLogger
}

// Listener is a bound, listening TCP socket together with the live
// sessions it has admitted.
type Listener struct {
	name string
	fd   int
	addr net.Addr

	cfg   config.Listener
	aclMu sync.RWMutex
	acl   acl.ACL

	init        func(*session.Session) error
	receiveData func(*session.Session) session.State
	createError func(*session.Session, socketerr.Code)
	cleanup     func(*session.Session)

	allocator  Allocator
	react      reactor.Reactor
	handle     reactor.Handle
	timer      reactor.Timer
	timerClass reactor.ClassHandle
	metrics    *metrics.Set
	log        logrus.FieldLogger

	mu       sync.Mutex
	sessions map[uuid.UUID]*session.Session
	linked   bool
}

// New binds, listens, and registers a Listener (olsr_stream_add). On any
// failure the fd and any partial reactor registration are rolled back
// and a non-nil error is returned.
func New(p Params) (*Listener, error) {
	p.Config.ApplyDefaults()

	if p.Allocator == nil {
		p.Allocator = NewDefaultAllocator()
	}
	if p.ACL == nil {
		p.ACL = acl.AllowAll{}
	}
	if p.Log == nil {
		p.Log = logrus.StandardLogger()
	}

	fd, err := bindListen(p.IP, p.Port)
	if err != nil {
		return nil, err
	}

	boundAddr := &net.TCPAddr{IP: p.IP, Port: int(p.Port)}
	if sa, sErr := unix.Getsockname(fd); sErr == nil {
		if a, ok := sockaddrToNetAddr(sa).(*net.TCPAddr); ok {
			boundAddr = a
			boundAddr.IP = p.IP
		}
	}

	l := &Listener{
		name:        p.Name,
		fd:          fd,
		addr:        boundAddr,
		cfg:         p.Config,
		acl:         p.ACL,
		init:        p.Init,
		receiveData: p.ReceiveData,
		createError: p.CreateError,
		cleanup:     p.Cleanup,
		allocator:   p.Allocator,
		react:       p.Reactor,
		timer:       p.Timer,
		timerClass:  p.TimerClass,
		metrics:     p.Metrics,
		log:         p.Log.WithField("listener", p.Name),
		sessions:    make(map[uuid.UUID]*session.Session),
	}

	handle, err := p.Reactor.Add(fd, l.acceptEvent, nil, reactor.Read)
	if err != nil {
		_ = unix.Close(fd)
		return nil, socketerr.Wrap(err, "reactor registration failed")
	}
	l.handle = handle
	l.linked = true

	return l, nil
}

// Addr is the bound local address.
func (l *Listener) Addr() net.Addr { return l.addr }

// SetACL swaps the listener's ACL in place without touching its socket
// or live sessions. An ACL refresh alone never requires a socket bounce,
// and never retroactively closes already-accepted sessions.
func (l *Listener) SetACL(a acl.ACL) {
	l.aclMu.Lock()
	l.acl = a
	l.aclMu.Unlock()
}

// IsRunning reports whether the listener is still registered with the
// reactor and accepting connections.
func (l *Listener) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.linked
}

// OpenConnections returns the number of currently live sessions.
func (l *Listener) OpenConnections() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

// Remove idempotently tears the listener down: every live session is
// closed (draining through Cleanup), the listening fd is deregistered
// and closed, and the listener is marked unlinked (olsr_stream_remove).
func (l *Listener) Remove() {
	l.mu.Lock()
	if !l.linked {
		l.mu.Unlock()
		return
	}
	l.linked = false
	sessions := make([]*session.Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		sessions = append(sessions, s)
	}
	l.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}

	if l.react != nil && l.handle != nil {
		_ = l.react.Remove(l.handle)
	}
	_ = unix.Close(l.fd)
}

// ConnectTo issues a non-blocking outbound connection and admits it
// through the same path as an inbound accept (olsr_stream_connect_to).
func (l *Listener) ConnectTo(ip net.IP, port uint16) (*session.Session, error) {
	fd, waitForConnect, err := dialNonblocking(ip, port)
	if err != nil {
		return nil, err
	}
	remote := &net.TCPAddr{IP: ip, Port: int(port)}
	return l.createSession(fd, remote, waitForConnect)
}

// acceptEvent is the reactor.Callback registered on the listening fd
// (_parse_request): accept once, apply the ACL, and admit.
func (l *Listener) acceptEvent(fd int, _ any, flags reactor.Flags) {
	if !flags.Has(reactor.Read) {
		return
	}

	nfd, sa, err := unix.Accept(fd)
	if err != nil {
		l.log.WithError(err).Debug("accept failed")
		return
	}

	// Accepted sockets do not inherit O_NONBLOCK from the listening
	// socket; a blocking fd here would stall the engine's single
	// dispatch goroutine on this session's first Read/Write.
	if err := unix.SetNonblock(nfd, true); err != nil {
		l.log.WithError(err).Warn("set nonblock on accepted socket failed")
		_ = unix.Close(nfd)
		return
	}

	remote := sockaddrToNetAddr(sa)
	l.aclMu.RLock()
	a := l.acl
	l.aclMu.RUnlock()

	if a != nil && remote != nil && !a.Accept(remote) {
		l.log.WithField("remote_addr", remote.String()).Debug("connection blocked by ACL")
		if l.metrics != nil {
			l.metrics.Rejected.WithLabelValues(l.name, "acl").Inc()
		}
		_ = unix.Close(nfd)
		return
	}

	if _, err := l.createSession(nfd, remote, false); err != nil {
		l.log.WithError(err).Warn("session admission failed")
	}
}

// createSession is the common admission routine shared by the accept
// path and ConnectTo (_create_session).
func (l *Listener) createSession(fd int, remote net.Addr, waitForConnect bool) (*session.Session, error) {
	sess := l.allocator.Get()

	err := sess.Open(session.OpenParams{
		FD:             fd,
		Remote:         remote,
		WaitForConnect: waitForConnect,
		Config: session.Config{
			MaxInputBuffer: l.cfg.MaxInputBuffer,
			SessionTimeout: l.cfg.SessionTimeout.Time(),
			SendFirst:      l.cfg.SendFirst,
		},
		Callbacks: session.Callbacks{
			ReceiveData: l.receiveData,
			CreateError: l.createError,
			Cleanup:     l.cleanup,
		},
		Reactor:      l.react,
		Timer:        l.timer,
		TimerClass:   l.timerClass,
		Metrics:      l.metrics,
		ListenerName: l.name,
		Log:          l.log,
		OnClose:      l.onSessionClose,
	})
	if err != nil {
		_ = unix.Close(fd)
		l.allocator.Put(sess)
		return nil, socketerr.Wrap(err, "session open failed")
	}

	l.mu.Lock()
	l.sessions[sess.ID()] = sess
	admitted := l.cfg.AllowedSessions > 0
	if admitted {
		l.cfg.AllowedSessions--
	}
	l.mu.Unlock()

	if admitted {
		sess.SetState(session.Active)
	} else {
		sess.SetState(session.SendAndQuit)
		if l.createError != nil {
			l.createError(sess, socketerr.ServiceUnavailable)
		}
		if l.metrics != nil {
			l.metrics.Rejected.WithLabelValues(l.name, "quota").Inc()
		}
	}

	if l.cfg.SessionTimeout > 0 {
		sess.ArmTimeout()
	}

	if l.init != nil {
		if err := l.init(sess); err != nil {
			l.mu.Lock()
			delete(l.sessions, sess.ID())
			l.mu.Unlock()
			// Init failed before the session was ever handed to the
			// caller, so there is nothing for Cleanup to undo.
			sess.CloseWithoutCleanup()
			return nil, err
		}
	}

	if l.metrics != nil {
		l.metrics.Admitted.WithLabelValues(l.name).Inc()
		l.metrics.Active.WithLabelValues(l.name).Inc()
	}

	return sess, nil
}

// onSessionClose is session.OpenParams.OnClose: unlink from the session
// map, return the admission quota, update the active gauge, and return
// the Session to the allocator (olsr_stream_close's list_remove +
// allowed_sessions++ + olsr_memcookie_free, translated to pool release).
func (l *Listener) onSessionClose(s *session.Session) {
	l.mu.Lock()
	_, existed := l.sessions[s.ID()]
	delete(l.sessions, s.ID())
	l.cfg.AllowedSessions++
	l.mu.Unlock()

	if existed && l.metrics != nil {
		l.metrics.Active.WithLabelValues(l.name).Dec()
	}

	l.allocator.Put(s)
}
