// Package reactor defines the event-loop and timer-wheel interfaces the
// session engine requires of its host process, plus two ready-to-use
// Reactor implementations: a portable goroutine-driven poller (goReactor)
// following an asyncio.Poller-style pattern, and a Linux epoll-backed
// poller (epollReactor) for production deployments.
//
// Callers that already run their own event loop implement Reactor
// themselves and pass that implementation to engine.Init (as
// engine.Config.Reactor) instead of one of the defaults shipped here.
// engine.Init always builds its own Timer with NewWheelTimer.
package reactor

import (
	"context"
	"errors"
)

// ErrBadHandle is returned when a Handle passed to Enable/Disable/Remove
// was not produced by this Reactor's Add.
var ErrBadHandle = errors.New("reactor: handle not recognized")

// Flags is a bitmask of readiness kinds a Reactor can report or a caller
// can request interest in.
type Flags uint8

const (
	// Read indicates read readiness.
	Read Flags = 1 << iota
	// Write indicates write readiness.
	Write
)

// Has reports whether f contains flag.
func (f Flags) Has(flag Flags) bool { return f&flag != 0 }

// Callback is invoked by the Reactor when delivered readiness matches a
// registration's requested flags. ctx is the opaque value passed to Add.
type Callback func(fd int, ctx any, delivered Flags)

// Handle is an opaque registration token returned by Add.
type Handle interface{}

// Reactor is the minimal event-loop surface the engine requires.
// Implementations must guarantee that, once Remove returns, cb will
// never be invoked again for that registration.
type Reactor interface {
	// Start runs the Reactor's dispatch loop, where it has one, and blocks
	// until ctx is canceled or Stop is called. goReactor has no central
	// loop: each registration's watcher goroutine dispatches from Add
	// onward, whether or not Start is running.
	Start(ctx context.Context) error

	// Stop halts dispatch and releases the Reactor's resources: goReactor
	// removes every outstanding registration, and epollReactor closes its
	// epoll fd so that a running Start returns.
	Stop() error

	// Add registers fd for the given flags, invoking cb on readiness.
	Add(fd int, cb Callback, ctx any, flags Flags) (Handle, error)

	// Enable adds flag to a registration's requested interest.
	Enable(h Handle, flag Flags) error

	// Disable removes flag from a registration's requested interest.
	Disable(h Handle, flag Flags) error

	// Remove cancels all interest for the registration. cb will not be
	// invoked after Remove returns.
	Remove(h Handle) error
}
