package engine

import (
	"context"

	"github.com/nabbar/tcpsession/reactor"
)

// serialReactor decorates any reactor.Reactor so every delivered
// callback — whatever goroutine the underlying implementation dispatches
// it from — is re-posted onto one buffered channel and replayed from a
// single goroutine (serialReactor.Start). This is how the engine
// provides a single-threaded cooperative event loop even when the
// underlying reactor is goReactor, whose watcher goroutines would
// otherwise call back concurrently.
type serialReactor struct {
	inner  reactor.Reactor
	events chan func()
}

func newSerialReactor(inner reactor.Reactor, bufferSize int) *serialReactor {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &serialReactor{inner: inner, events: make(chan func(), bufferSize)}
}

func (s *serialReactor) Add(fd int, cb reactor.Callback, ctx any, flags reactor.Flags) (reactor.Handle, error) {
	return s.inner.Add(fd, func(fd int, ctx any, flags reactor.Flags) {
		s.events <- func() { cb(fd, ctx, flags) }
	}, ctx, flags)
}

func (s *serialReactor) Enable(h reactor.Handle, flag reactor.Flags) error {
	return s.inner.Enable(h, flag)
}
func (s *serialReactor) Disable(h reactor.Handle, flag reactor.Flags) error {
	return s.inner.Disable(h, flag)
}
func (s *serialReactor) Remove(h reactor.Handle) error { return s.inner.Remove(h) }
func (s *serialReactor) Stop() error                   { return s.inner.Stop() }

// Post schedules fn to run on the dispatch-loop goroutine. Used by the
// idle-timeout timer class, whose fire callback otherwise runs on a
// runtime-managed timer goroutine outside the reactor's own dispatch.
func (s *serialReactor) Post(fn func()) {
	s.events <- fn
}

// Start runs the underlying reactor's own Start in the background and
// then drains posted events on the calling goroutine until ctx is
// canceled — this is the engine's single dispatch-loop goroutine.
func (s *serialReactor) Start(ctx context.Context) error {
	go func() { _ = s.inner.Start(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-s.events:
			fn()
		}
	}
}
