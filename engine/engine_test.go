package engine_test

import (
	"context"
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/tcpsession/config"
	"github.com/nabbar/tcpsession/duration"
	"github.com/nabbar/tcpsession/engine"
	"github.com/nabbar/tcpsession/session"
	"github.com/nabbar/tcpsession/socketerr"
)

var _ = Describe("Engine", func() {
	var (
		e      *engine.Engine
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		e = engine.New()
		Expect(e.Init(engine.Config{})).To(Succeed())
		ctx, cancel = context.WithCancel(context.Background())
		go func() { _ = e.Run(ctx) }()
	})

	AfterEach(func() {
		e.Cleanup()
		cancel()
	})

	It("is idempotent across nested Init/Cleanup pairs", func() {
		Expect(e.Init(engine.Config{})).To(Succeed())
		e.Cleanup()
		// one Init/Cleanup pair remains outstanding (from BeforeEach) —
		// the engine must still be usable.
		ln, err := e.NewListener(engine.ListenerParams{
			Name:   "still-up",
			IP:     net.ParseIP("127.0.0.1"),
			Port:   0,
			Config: config.Listener{AllowedSessions: 5, MaxInputBuffer: 4096},
		})
		Expect(err).ToNot(HaveOccurred())
		ln.Remove()
	})

	It("registers a listener and serializes its session callbacks through Run", func() {
		ln, err := e.NewListener(engine.ListenerParams{
			Name:   "echo",
			IP:     net.ParseIP("127.0.0.1"),
			Port:   0,
			Config: config.Listener{AllowedSessions: 5, MaxInputBuffer: 4096},
			ReceiveData: func(s *session.Session) session.State {
				data := append([]byte(nil), s.In().Bytes()...)
				s.In().DropFront(len(data))
				_, _ = s.Out().Write(data)
				return session.Active
			},
		})
		Expect(err).ToNot(HaveOccurred())

		client, err := net.Dial("tcp", ln.Addr().String())
		Expect(err).ToNot(HaveOccurred())
		defer func() { _ = client.Close() }()

		_, err = client.Write([]byte("hi"))
		Expect(err).ToNot(HaveOccurred())

		buf := make([]byte, 8)
		_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := client.Read(buf)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(buf[:n])).To(Equal("hi"))
	})

	It("rejects a second listener registered under the same name", func() {
		_, err := e.NewListener(engine.ListenerParams{
			Name: "dup", IP: net.ParseIP("127.0.0.1"), Port: 0,
			Config: config.Listener{AllowedSessions: 1, MaxInputBuffer: 4096},
		})
		Expect(err).ToNot(HaveOccurred())

		_, err = e.NewListener(engine.ListenerParams{
			Name: "dup", IP: net.ParseIP("127.0.0.1"), Port: 0,
			Config: config.Listener{AllowedSessions: 1, MaxInputBuffer: 4096},
		})
		Expect(err).To(MatchError(socketerr.ErrAlreadyLinked))
	})

	It("closes live sessions when the final Cleanup fires", func() {
		ln, err := e.NewListener(engine.ListenerParams{
			Name: "drain", IP: net.ParseIP("127.0.0.1"), Port: 0,
			Config: config.Listener{AllowedSessions: 5, MaxInputBuffer: 4096},
		})
		Expect(err).ToNot(HaveOccurred())

		client, err := net.Dial("tcp", ln.Addr().String())
		Expect(err).ToNot(HaveOccurred())
		defer func() { _ = client.Close() }()

		Eventually(ln.OpenConnections, time.Second).Should(Equal(1))

		e.Cleanup()
		Expect(ln.OpenConnections()).To(Equal(0))

		// Re-arm so AfterEach's matching Cleanup call is still balanced.
		Expect(e.Init(engine.Config{})).To(Succeed())
	})

	It("tears a session down when its idle timer fires", func() {
		ln, err := e.NewListener(engine.ListenerParams{
			Name: "idle", IP: net.ParseIP("127.0.0.1"), Port: 0,
			Config: config.Listener{
				AllowedSessions: 5,
				MaxInputBuffer:  4096,
				SessionTimeout:  duration.Milliseconds(50),
			},
		})
		Expect(err).ToNot(HaveOccurred())

		client, err := net.Dial("tcp", ln.Addr().String())
		Expect(err).ToNot(HaveOccurred())
		defer func() { _ = client.Close() }()

		Eventually(ln.OpenConnections, time.Second).Should(Equal(1))

		// No reads or writes happen on either side — the idle timer, not
		// any I/O event, must be what tears the session down.
		Eventually(ln.OpenConnections, 2*time.Second).Should(Equal(0))
	})
})
