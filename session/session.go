// Package session implements a single managed TCP connection: the
// buffered, state-machine-driven unit behind a managed TCP stream engine.
//
// The event handler in HandleEvent is a direct, phase-for-phase
// translation of olsr_stream_socket.c's _parse_connection: resolve a
// deferred connect, read, hand off to the caller's parser, write, drain,
// then tear down. A Session is not safe for concurrent use — like
// buffer.Buffer, it is only ever touched by the single goroutine driving
// the owning engine's dispatch loop.
package session

import (
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nabbar/tcpsession/buffer"
	"github.com/nabbar/tcpsession/metrics"
	"github.com/nabbar/tcpsession/reactor"
	"github.com/nabbar/tcpsession/socketerr"
)

const readChunk = 1024

// Callbacks are the user hooks a Listener's configuration supplies.
// All are optional; ReceiveData is only invoked when set.
type Callbacks struct {
	// ReceiveData is invoked whenever unread input exists, or once with
	// empty input when SendFirst is set. It returns the session's next
	// state.
	ReceiveData func(*Session) State

	// CreateError reports an admission or overflow condition. It must
	// only schedule output via Session.Out(), never mutate state.
	CreateError func(*Session, socketerr.Code)

	// Cleanup runs at most once, synchronously, during Close.
	// CloseWithoutCleanup skips it.
	Cleanup func(*Session)
}

// Config is the subset of a Listener's configuration a Session needs
// copied in at Open time.
type Config struct {
	MaxInputBuffer int
	SessionTimeout time.Duration
	SendFirst      bool
}

// OpenParams is everything Open needs to (re)initialize a Session,
// whether freshly allocated or recycled from a pool.
type OpenParams struct {
	FD             int
	Remote         net.Addr
	WaitForConnect bool

	Config    Config
	Callbacks Callbacks

	Reactor    reactor.Reactor
	Timer      reactor.Timer
	TimerClass reactor.ClassHandle

	Metrics      *metrics.Set
	ListenerName string

	Log logrus.FieldLogger

	// OnClose is invoked exactly once, at the end of Close, after the fd
	// and buffers have been released. It is the owning Listener's chance
	// to unlink the session from its map and return the admission quota.
	OnClose func(*Session)
}

// Session is a single managed connection. Exported accessors (In, Out,
// ID, Remote, State, Log) are for use from the ReceiveData/CreateError
// callbacks; everything else is internal to the event-handling pipeline.
type Session struct {
	id uuid.UUID

	fd     int
	remote net.Addr

	in  *buffer.Buffer
	out *buffer.Buffer

	state          State
	waitForConnect bool
	sendFirst      bool
	closed         bool

	cfg Config
	cb  Callbacks

	react  reactor.Reactor
	handle reactor.Handle

	timer       reactor.Timer
	timerClass  reactor.ClassHandle
	timerHandle reactor.TimerHandle

	metrics      *metrics.Set
	listenerName string

	log logrus.FieldLogger

	onClose func(*Session)
}

// New returns an unopened Session, suitable for sync.Pool's New field.
// Call Open before use.
func New() *Session {
	return &Session{log: logrus.StandardLogger()}
}

// Open (re)initializes the session and registers its fd with the
// reactor for READ|WRITE, matching _create_session's
// olsr_socket_add(..., OLSR_SOCKET_READ | OLSR_SOCKET_WRITE). The caller
// (listener.createSession) is responsible for quota accounting, arming
// the idle timer, and invoking the Listener's Init hook — Open only wires up the
// plumbing those steps depend on.
func (s *Session) Open(p OpenParams) error {
	s.id = uuid.New()
	s.fd = p.FD
	s.remote = p.Remote
	s.waitForConnect = p.WaitForConnect
	s.sendFirst = p.Config.SendFirst
	s.closed = false
	s.state = Active

	s.cfg = p.Config
	s.cb = p.Callbacks

	s.react = p.Reactor
	s.timer = p.Timer
	s.timerClass = p.TimerClass
	s.timerHandle = nil

	s.metrics = p.Metrics
	s.listenerName = p.ListenerName

	if p.Log != nil {
		s.log = p.Log
	}
	s.onClose = p.OnClose

	s.in = buffer.New(readChunk, 0)
	s.out = buffer.New(0, 0)

	handle, err := p.Reactor.Add(p.FD, s.HandleEvent, nil, reactor.Read|reactor.Write)
	if err != nil {
		return err
	}
	s.handle = handle
	return nil
}

// ID is the session's process-unique identity, used for log correlation
// and metrics.
func (s *Session) ID() uuid.UUID { return s.id }

// Remote is the peer address recorded at admission.
func (s *Session) Remote() net.Addr { return s.remote }

// FD returns the session's raw file descriptor. Exposed for callers that
// need to inspect or tune socket-level options (e.g. tests asserting
// O_NONBLOCK); HandleEvent remains the only code that reads or writes it.
func (s *Session) FD() int { return s.fd }

// State is the session's current state-machine position.
func (s *Session) State() State { return s.state }

// In is the input buffer; ReceiveData reads from it and should
// DropFront what it consumes.
func (s *Session) In() *buffer.Buffer { return s.in }

// Out is the output buffer; ReceiveData and CreateError write to it.
func (s *Session) Out() *buffer.Buffer { return s.out }

// Log returns the session-scoped logger (session_id field pre-attached).
func (s *Session) Log() logrus.FieldLogger {
	return s.log.WithField("session_id", s.id)
}

// ArmTimeout (re)arms the idle timer for SessionTimeout. A no-op if no
// timer class was configured or SessionTimeout is zero.
func (s *Session) ArmTimeout() {
	if s.timer == nil || s.cfg.SessionTimeout <= 0 {
		return
	}
	ms := s.cfg.SessionTimeout.Milliseconds()
	h, err := s.timer.Set(s.timerHandle, ms, 0, s, s.timerClass)
	if err == nil {
		s.timerHandle = h
	}
}

// SetState forces the session's state. Used by listener.createSession to
// set SendAndQuit immediately when admission exceeds quota.
func (s *Session) SetState(st State) { s.state = st }

// HandleEvent is the reactor.Callback registered with Open. It is the
// five-phase handler from _parse_connection: resolve a deferred connect,
// read, parse, write, drain/teardown.
func (s *Session) HandleEvent(fd int, _ any, flags reactor.Flags) {
	if s.closed {
		return
	}

	if s.waitForConnect {
		if flags.Has(reactor.Write) {
			errno, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
			switch {
			case gerr != nil:
				s.Log().WithError(gerr).Warn("getsockopt(SO_ERROR) failed")
				s.state = Cleanup
			case errno != 0:
				s.Log().WithField("errno", errno).Warn("connect failed")
				s.state = Cleanup
			default:
				s.waitForConnect = false
			}
		}
		if s.waitForConnect {
			return
		}
	}

	if s.state == Active && flags.Has(reactor.Read) {
		s.doRead(fd)
		if s.closed {
			return
		}
	}

	if s.state == Active && s.cb.ReceiveData != nil && (s.in.Len() > 0 || s.sendFirst) {
		s.state = s.cb.ReceiveData(s)
		s.sendFirst = false
		if s.closed {
			return
		}
	}

	if s.state != Cleanup && s.out.Len() > 0 {
		if flags.Has(reactor.Write) {
			s.doWrite(fd)
		} else {
			_ = s.react.Enable(s.handle, reactor.Write)
		}
	}

	if s.out.Len() == 0 {
		_ = s.react.Disable(s.handle, reactor.Write)
		if s.state == SendAndQuit {
			s.state = Cleanup
		}
	}

	if s.state == Cleanup {
		s.Close()
	}
}

func (s *Session) doRead(fd int) {
	var chunk [readChunk]byte

	n, err := unix.Read(fd, chunk[:])
	switch {
	case n > 0:
		if s.metrics != nil {
			s.metrics.BytesIn.WithLabelValues(s.listenerName).Add(float64(n))
		}
		if _, werr := s.in.Write(chunk[:n]); werr != nil {
			s.state = Cleanup
			return
		}
		if s.in.Len() > s.cfg.MaxInputBuffer {
			if s.cb.CreateError != nil {
				s.cb.CreateError(s, socketerr.RequestTooLarge)
			}
			s.state = SendAndQuit
		} else {
			s.ArmTimeout()
		}
	case n == 0:
		s.state = SendAndQuit
	default:
		if !isTemporary(err) {
			s.Log().WithError(err).Warn("read failed")
			s.state = Cleanup
		}
	}
}

func (s *Session) doWrite(fd int) {
	n, err := unix.Write(fd, s.out.Bytes())
	switch {
	case n > 0:
		if s.metrics != nil {
			s.metrics.BytesOut.WithLabelValues(s.listenerName).Add(float64(n))
		}
		s.out.DropFront(n)
		s.ArmTimeout()
	case err != nil && !isTemporary(err):
		s.Log().WithError(err).Warn("write failed")
		s.state = Cleanup
	}
}

func isTemporary(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR
}

// Timeout is invoked by the engine's dispatch loop when this session's
// idle timer fires (_timeout_handler's direct call to olsr_stream_close,
// bypassing the normal drain path). It forces an immediate close
// regardless of current state.
func (s *Session) Timeout() {
	if s.closed {
		return
	}
	s.state = Cleanup
	s.Close()
}

// Close tears the session down exactly once: stops the idle timer, runs
// the user Cleanup hook, deregisters from the reactor, closes the fd,
// empties both buffers (unsent output is discarded), and finally calls OnClose so the owning Listener
// can unlink it and return the admission quota (olsr_stream_close).
func (s *Session) Close() {
	s.close(true)
}

// CloseWithoutCleanup tears the session down exactly like Close, except
// the user's Cleanup hook never runs. Used by listener.createSession when
// Init itself fails: the session never became visible to the caller, so
// there is nothing for Cleanup to undo.
func (s *Session) CloseWithoutCleanup() {
	s.close(false)
}

func (s *Session) close(runCleanup bool) {
	if s.closed {
		return
	}
	s.closed = true

	if s.timer != nil && s.timerHandle != nil {
		_ = s.timer.Stop(s.timerHandle)
		s.timerHandle = nil
	}

	if runCleanup && s.cb.Cleanup != nil {
		s.cb.Cleanup(s)
	}

	if s.react != nil && s.handle != nil {
		_ = s.react.Remove(s.handle)
	}
	_ = unix.Close(s.fd)

	s.in.Reset()
	s.out.Reset()

	if s.onClose != nil {
		s.onClose(s)
	}
}
