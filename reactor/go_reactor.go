package reactor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// goReactor is a portable, goroutine-per-fd Reactor built on
// golang.org/x/sys/unix.Poll. It follows a goroutine-driven
// asyncio.Poller pattern: each registration owns a watcher goroutine
// polling with an adaptive
// interval that backs off under idleness and tightens under activity,
// rather than busy-spinning or depending on an OS-specific event queue.
//
// Use NewEpollReactor on Linux for a true single-thread, no-polling
// reactor; goReactor exists for portability and for tests that do not
// care about syscall-level efficiency.
type goReactor struct {
	mu   sync.Mutex
	regs map[*registration]struct{}

	cancel context.CancelFunc
}

type registration struct {
	fd     int
	cb     Callback
	ctx    any
	mu     sync.Mutex
	flags  Flags
	stop   context.CancelFunc
	done   chan struct{}
	closed bool
}

// NewGoReactor returns the default portable Reactor implementation.
func NewGoReactor() Reactor {
	return &goReactor{regs: make(map[*registration]struct{})}
}

func (r *goReactor) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	<-runCtx.Done()
	return nil
}

func (r *goReactor) Stop() error {
	r.mu.Lock()
	regs := make([]*registration, 0, len(r.regs))
	for reg := range r.regs {
		regs = append(regs, reg)
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()

	for _, reg := range regs {
		_ = r.Remove(reg)
	}
	return nil
}

func (r *goReactor) Add(fd int, cb Callback, ctx any, flags Flags) (Handle, error) {
	regCtx, cancel := context.WithCancel(context.Background())
	reg := &registration{
		fd:    fd,
		cb:    cb,
		ctx:   ctx,
		flags: flags,
		stop:  cancel,
		done:  make(chan struct{}),
	}

	r.mu.Lock()
	r.regs[reg] = struct{}{}
	r.mu.Unlock()

	go r.watch(regCtx, reg)
	return reg, nil
}

func (r *goReactor) Enable(h Handle, flag Flags) error {
	reg, ok := h.(*registration)
	if !ok {
		return ErrBadHandle
	}
	reg.mu.Lock()
	reg.flags |= flag
	reg.mu.Unlock()
	return nil
}

func (r *goReactor) Disable(h Handle, flag Flags) error {
	reg, ok := h.(*registration)
	if !ok {
		return ErrBadHandle
	}
	reg.mu.Lock()
	reg.flags &^= flag
	reg.mu.Unlock()
	return nil
}

func (r *goReactor) Remove(h Handle) error {
	reg, ok := h.(*registration)
	if !ok {
		return ErrBadHandle
	}

	reg.mu.Lock()
	alreadyClosed := reg.closed
	reg.closed = true
	reg.mu.Unlock()
	if alreadyClosed {
		return nil
	}

	r.mu.Lock()
	delete(r.regs, reg)
	r.mu.Unlock()

	reg.stop()
	<-reg.done
	return nil
}

// watch polls reg.fd with an adaptive interval: it tightens toward
// minInterval on activity and backs off toward maxInterval after
// several consecutive idle polls, matching the adaptive-polling
// technique for goroutine-per-fd watchers.
func (r *goReactor) watch(ctx context.Context, reg *registration) {
	defer close(reg.done)

	const (
		minInterval   = 1 * time.Millisecond
		maxInterval   = 20 * time.Millisecond
		growThreshold = 8
	)

	interval := minInterval
	idle := 0

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		reg.mu.Lock()
		closed := reg.closed
		flags := reg.flags
		cb := reg.cb
		fd := reg.fd
		ctxVal := reg.ctx
		reg.mu.Unlock()

		if closed {
			return
		}

		delivered, err := pollOnce(fd, flags)
		if err != nil {
			timer.Reset(interval)
			continue
		}

		if delivered != 0 {
			idle = 0
			interval = minInterval
			cb(fd, ctxVal, delivered)
		} else {
			idle++
			if idle >= growThreshold && interval < maxInterval {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
			}
		}

		timer.Reset(interval)
	}
}

func pollOnce(fd int, flags Flags) (Flags, error) {
	if flags == 0 {
		return 0, nil
	}

	var events int16
	if flags.Has(Read) {
		events |= unix.POLLIN
	}
	if flags.Has(Write) {
		events |= unix.POLLOUT
	}

	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	n, err := unix.Poll(fds, 0)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	var delivered Flags
	re := fds[0].Revents
	if re&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 && flags.Has(Read) {
		delivered |= Read
	}
	if re&(unix.POLLOUT|unix.POLLERR) != 0 && flags.Has(Write) {
		delivered |= Write
	}
	return delivered, nil
}
