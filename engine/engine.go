// Package engine is the process-wide registry and lifecycle owner for
// Listeners built through Engine.NewListener. ManagedEndpoints built
// through Engine.NewManaged share its resources but are not registered,
// so Cleanup does not tear their listeners down. It reproduces
// olsr_stream_init/olsr_stream_cleanup's refcounted
// OLSR_SUBSYSTEM_STATE pattern via an atomic refcount, owns the shared
// session allocator (sync.Pool) and the shared idle-timeout timer class,
// and runs the single goroutine that every Listener/Session callback is
// funneled through (see serial.go).
package engine

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/nabbar/tcpsession/acl"
	"github.com/nabbar/tcpsession/config"
	"github.com/nabbar/tcpsession/listener"
	"github.com/nabbar/tcpsession/managed"
	"github.com/nabbar/tcpsession/metrics"
	"github.com/nabbar/tcpsession/reactor"
	"github.com/nabbar/tcpsession/session"
	"github.com/nabbar/tcpsession/socketerr"
)

// Config configures Init. Reactor defaults to reactor.NewGoReactor()
// when nil; Metrics defaults to an unregistered metrics.Set (counters
// still work, just not exported anywhere); EventBuffer sizes the
// dispatch-loop channel (default 256).
type Config struct {
	Reactor     reactor.Reactor
	Metrics     *metrics.Set
	Log         logrus.FieldLogger
	EventBuffer int
}

// Engine is the process-wide Listener registry; ManagedEndpoints are not
// tracked in it.
type Engine struct {
	refcount int32

	react      *serialReactor
	timer      reactor.Timer
	idleClass  reactor.ClassHandle
	allocator  listener.Allocator
	metricsSet *metrics.Set
	log        logrus.FieldLogger

	mu        sync.Mutex
	listeners map[string]*listener.Listener
}

// New returns an uninitialized Engine. Call Init before registering any
// Listener or ManagedEndpoint.
func New() *Engine {
	return &Engine{listeners: make(map[string]*listener.Listener)}
}

// Init is idempotent: the first call allocates the shared resources
// (dispatch reactor, idle timer class, session allocator); subsequent
// calls only bump the refcount (olsr_stream_init). A failure during the
// first call rolls back the refcount and leaves the Engine uninitialized.
func (e *Engine) Init(cfg Config) error {
	if atomic.AddInt32(&e.refcount, 1) > 1 {
		return nil
	}

	inner := cfg.Reactor
	if inner == nil {
		inner = reactor.NewGoReactor()
	}

	e.react = newSerialReactor(inner, cfg.EventBuffer)
	e.timer = reactor.NewWheelTimer()

	class, err := e.timer.RegisterClass("idle-timeout", func(ctx any) {
		e.react.Post(func() {
			if s, ok := ctx.(*session.Session); ok {
				s.Timeout()
			}
		})
	}, false)
	if err != nil {
		atomic.AddInt32(&e.refcount, -1)
		e.react = nil
		e.timer = nil
		return socketerr.Wrap(err, "register idle timer class")
	}
	e.idleClass = class

	e.allocator = listener.NewDefaultAllocator()

	e.metricsSet = cfg.Metrics
	if e.metricsSet == nil {
		e.metricsSet = metrics.NewSet(nil)
	}

	e.log = cfg.Log
	if e.log == nil {
		e.log = logrus.StandardLogger()
	}

	return nil
}

// Run starts the dispatch loop: the underlying reactor's poller runs in
// the background, and this goroutine replays every posted event (reactor
// callbacks and idle-timer fires) serially until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	if e.react == nil {
		return socketerr.ErrNotRunning
	}
	return e.react.Start(ctx)
}

// Cleanup is idempotent: only the final matching call to Init's refcount
// tears anything down. On the final decrement, every registered Listener
// (and transitively every Session) is closed before shared resources are
// released (olsr_stream_cleanup).
func (e *Engine) Cleanup() {
	if atomic.AddInt32(&e.refcount, -1) > 0 {
		return
	}

	e.mu.Lock()
	ls := make([]*listener.Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		ls = append(ls, l)
	}
	e.listeners = make(map[string]*listener.Listener)
	e.mu.Unlock()

	for _, l := range ls {
		l.Remove()
	}

	e.react = nil
	e.timer = nil
}

// ListenerParams is the subset of listener.Params an Engine caller
// supplies directly; the shared allocator, reactor, timer class,
// metrics, and logger are filled in from the Engine itself.
type ListenerParams struct {
	Name string
	IP   net.IP
	Port uint16

	Config config.Listener
	ACL    acl.ACL

	Init        func(*session.Session) error
	ReceiveData func(*session.Session) session.State
	CreateError func(*session.Session, socketerr.Code)
	Cleanup     func(*session.Session)
}

// NewListener binds a Listener and registers it under Name in the
// engine-wide registry. Name must be unique among currently-registered
// listeners (socketerr.ErrAlreadyLinked otherwise).
func (e *Engine) NewListener(p ListenerParams) (*listener.Listener, error) {
	if e.react == nil {
		return nil, socketerr.ErrNotRunning
	}

	e.mu.Lock()
	if _, exists := e.listeners[p.Name]; exists {
		e.mu.Unlock()
		return nil, socketerr.ErrAlreadyLinked
	}
	e.mu.Unlock()

	ln, err := listener.New(listener.Params{
		Name:        p.Name,
		IP:          p.IP,
		Port:        p.Port,
		Config:      p.Config,
		ACL:         p.ACL,
		Init:        p.Init,
		ReceiveData: p.ReceiveData,
		CreateError: p.CreateError,
		Cleanup:     p.Cleanup,
		Allocator:   e.allocator,
		Reactor:     e.react,
		Timer:       e.timer,
		TimerClass:  e.idleClass,
		Metrics:     e.metricsSet,
		Log:         e.log,
	})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.listeners[p.Name] = ln
	e.mu.Unlock()

	return ln, nil
}

// RemoveListener unlinks and tears down the named Listener, if any.
func (e *Engine) RemoveListener(name string) {
	e.mu.Lock()
	ln, ok := e.listeners[name]
	if ok {
		delete(e.listeners, name)
	}
	e.mu.Unlock()

	if ok {
		ln.Remove()
	}
}

// NewManaged builds a ManagedEndpoint wired to this Engine's shared
// allocator, reactor, timer class, metrics, and logger. Call Apply on
// the result to actually bind its sockets.
func (e *Engine) NewManaged(p managed.Params) *managed.ManagedEndpoint {
	p.Allocator = e.allocator
	p.Reactor = e.react
	p.Timer = e.timer
	p.TimerClass = e.idleClass
	if p.Metrics == nil {
		p.Metrics = e.metricsSet
	}
	if p.Log == nil {
		p.Log = e.log
	}
	return managed.New(p)
}

// Metrics returns the Engine's shared Prometheus metric set.
func (e *Engine) Metrics() *metrics.Set { return e.metricsSet }
