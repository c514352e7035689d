package reactor_test

import (
	"context"
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/tcpsession/reactor"
)

var _ = Describe("goReactor", func() {
	It("delivers read readiness once a peer writes", func() {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).ToNot(HaveOccurred())
		defer func() { _ = ln.Close() }()

		accepted := make(chan net.Conn, 1)
		go func() {
			c, aerr := ln.Accept()
			if aerr == nil {
				accepted <- c
			}
		}()

		client, err := net.Dial("tcp", ln.Addr().String())
		Expect(err).ToNot(HaveOccurred())
		defer func() { _ = client.Close() }()

		var server net.Conn
		Eventually(accepted, time.Second).Should(Receive(&server))
		defer func() { _ = server.Close() }()

		tcpConn, ok := server.(*net.TCPConn)
		Expect(ok).To(BeTrue())
		raw, err := tcpConn.SyscallConn()
		Expect(err).ToNot(HaveOccurred())

		var fd int
		_ = raw.Control(func(f uintptr) { fd = int(f) })

		r := reactor.NewGoReactor()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() { _ = r.Start(ctx) }()

		fired := make(chan reactor.Flags, 4)
		_, err = r.Add(fd, func(_ int, _ any, flags reactor.Flags) {
			fired <- flags
		}, nil, reactor.Read)
		Expect(err).ToNot(HaveOccurred())

		_, err = client.Write([]byte("hi"))
		Expect(err).ToNot(HaveOccurred())

		Eventually(fired, 2*time.Second).Should(Receive())
	})

	It("rejects operations on an unknown handle", func() {
		r := reactor.NewGoReactor()
		err := r.Enable("not-a-handle", reactor.Read)
		Expect(err).To(MatchError(reactor.ErrBadHandle))
	})
})

var _ = Describe("wheelTimer", func() {
	It("fires a one-shot timer after the requested delay", func() {
		tm := reactor.NewWheelTimer()
		class, err := tm.RegisterClass("test", func(ctx any) {}, false)
		Expect(err).ToNot(HaveOccurred())

		fired := make(chan any, 1)
		class2, err := tm.RegisterClass("test2", func(ctx any) { fired <- ctx }, false)
		Expect(err).ToNot(HaveOccurred())
		_ = class

		_, err = tm.Start(class2, "payload", 10, 0)
		Expect(err).ToNot(HaveOccurred())

		Eventually(fired, time.Second).Should(Receive(Equal("payload")))
	})

	It("does not fire once stopped before expiry", func() {
		tm := reactor.NewWheelTimer()
		fired := make(chan any, 1)
		class, err := tm.RegisterClass("test", func(ctx any) { fired <- ctx }, false)
		Expect(err).ToNot(HaveOccurred())

		h, err := tm.Start(class, "x", 200, 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(tm.Stop(h)).To(Succeed())

		Consistently(fired, 250*time.Millisecond).ShouldNot(Receive())
	})

	It("rearms via Set on an existing handle", func() {
		tm := reactor.NewWheelTimer()
		fired := make(chan any, 2)
		class, err := tm.RegisterClass("test", func(ctx any) { fired <- ctx }, false)
		Expect(err).ToNot(HaveOccurred())

		h, err := tm.Start(class, "first", 500, 0)
		Expect(err).ToNot(HaveOccurred())

		_, err = tm.Set(h, 5, 0, "second", class)
		Expect(err).ToNot(HaveOccurred())

		Eventually(fired, time.Second).Should(Receive(Equal("second")))
		Consistently(fired, 600*time.Millisecond).ShouldNot(Receive())
	})
})
