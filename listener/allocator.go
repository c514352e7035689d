package listener

import (
	"sync"

	"github.com/nabbar/tcpsession/session"
)

// Allocator is the session.Session pool a Listener draws from on
// admission, defaulting to an engine-wide shared pool. Grounded on
// xtaci-kcptun's std/copy.go buffer-pooling style, applied here to whole
// Session objects rather than byte slices.
type Allocator interface {
	Get() *session.Session
	Put(*session.Session)
}

type poolAllocator struct {
	pool sync.Pool
}

// NewDefaultAllocator returns a sync.Pool-backed Allocator. A single
// instance is meant to be shared across every Listener belonging to one
// engine (engine.Init constructs exactly one, and engine.NewListener and
// engine.NewManaged hand it to every listener they build).
func NewDefaultAllocator() Allocator {
	return &poolAllocator{pool: sync.Pool{New: func() any { return session.New() }}}
}

func (a *poolAllocator) Get() *session.Session {
	return a.pool.Get().(*session.Session)
}

func (a *poolAllocator) Put(s *session.Session) {
	a.pool.Put(s)
}
