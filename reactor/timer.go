package reactor

import (
	"errors"
	"sync"
	"time"
)

// TimerCallback fires when a one-shot or periodic timer expires.
type TimerCallback func(ctx any)

// ClassHandle identifies a registered timer class: a named group of
// timers sharing a fire callback and periodicity.
type ClassHandle interface{}

// TimerHandle identifies a single armed timer instance.
type TimerHandle interface{}

// ErrUnknownClass is returned by Start/Set when the class handle was not
// produced by this Timer's RegisterClass.
var ErrUnknownClass = errors.New("reactor: unknown timer class")

// Timer is the minimal timer-wheel surface the engine requires.
type Timer interface {
	// RegisterClass registers a named class of timers sharing the same
	// fire callback and periodicity.
	RegisterClass(name string, onFire TimerCallback, periodic bool) (ClassHandle, error)

	// Start arms a new timer of the given class, firing after relativeMs
	// (and every periodMs thereafter if periodMs > 0 and the class is
	// periodic).
	Start(class ClassHandle, ctx any, relativeMs int64, periodMs int64) (TimerHandle, error)

	// Set restarts an existing handle (or arms a new one if h is nil)
	// with a new relative delay, period, context, and class.
	Set(h TimerHandle, relativeMs int64, periodMs int64, ctx any, class ClassHandle) (TimerHandle, error)

	// Stop cancels a timer. Its callback will not fire after Stop
	// returns.
	Stop(h TimerHandle) error
}

type timerClass struct {
	name     string
	onFire   TimerCallback
	periodic bool
}

type timerEntry struct {
	mu    sync.Mutex
	t     *time.Timer
	class *timerClass
	ctx   any
	live  bool
}

// wheelTimer is a goroutine-free Timer: each armed handle owns its own
// time.AfterFunc, which the Go runtime itself schedules via an internal
// timer heap. This provides a timer-wheel-style contract without
// reimplementing one, matching this corpus's general preference (smux,
// kcp-go) for driving per-object timeouts off stdlib timers rather than
// a hand-rolled wheel.
type wheelTimer struct {
	mu      sync.Mutex
	classes map[ClassHandle]*timerClass
	nextID  uint64
}

// NewWheelTimer returns the default Timer implementation.
func NewWheelTimer() Timer {
	return &wheelTimer{classes: make(map[ClassHandle]*timerClass)}
}

func (w *wheelTimer) RegisterClass(name string, onFire TimerCallback, periodic bool) (ClassHandle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	c := &timerClass{name: name, onFire: onFire, periodic: periodic}
	w.classes[w.nextID] = c
	return w.nextID, nil
}

func (w *wheelTimer) classFor(h ClassHandle) (*timerClass, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.classes[h]
	return c, ok
}

func (w *wheelTimer) Start(class ClassHandle, ctx any, relativeMs int64, periodMs int64) (TimerHandle, error) {
	return w.Set(nil, relativeMs, periodMs, ctx, class)
}

func (w *wheelTimer) Set(h TimerHandle, relativeMs int64, periodMs int64, ctx any, class ClassHandle) (TimerHandle, error) {
	c, ok := w.classFor(class)
	if !ok {
		return nil, ErrUnknownClass
	}

	var e *timerEntry
	if h != nil {
		e, ok = h.(*timerEntry)
		if !ok {
			return nil, ErrUnknownClass
		}
		e.mu.Lock()
		if e.t != nil {
			e.t.Stop()
		}
		e.mu.Unlock()
	} else {
		e = &timerEntry{}
	}

	e.mu.Lock()
	e.class = c
	e.ctx = ctx
	e.live = true
	delay := time.Duration(relativeMs) * time.Millisecond
	period := time.Duration(periodMs) * time.Millisecond
	e.t = time.AfterFunc(delay, func() { w.fire(e, period) })
	e.mu.Unlock()

	return e, nil
}

func (w *wheelTimer) fire(e *timerEntry, period time.Duration) {
	e.mu.Lock()
	if !e.live {
		e.mu.Unlock()
		return
	}
	c := e.class
	ctx := e.ctx
	periodic := c.periodic && period > 0
	if !periodic {
		e.live = false
	}
	e.mu.Unlock()

	c.onFire(ctx)

	if periodic {
		e.mu.Lock()
		if e.live {
			e.t = time.AfterFunc(period, func() { w.fire(e, period) })
		}
		e.mu.Unlock()
	}
}

func (w *wheelTimer) Stop(h TimerHandle) error {
	if h == nil {
		return nil
	}
	e, ok := h.(*timerEntry)
	if !ok {
		return ErrUnknownClass
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.live = false
	if e.t != nil {
		e.t.Stop()
	}
	return nil
}
