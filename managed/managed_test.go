package managed_test

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/tcpsession/config"
	"github.com/nabbar/tcpsession/managed"
	"github.com/nabbar/tcpsession/reactor"
)

// freePort asks the kernel for an unused loopback TCP port and releases
// it, so a ManagedEndpoint can bind it explicitly (Validate rejects 0).
func freePort() uint16 {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).ToNot(HaveOccurred())
	defer func() { _ = l.Close() }()
	return uint16(l.Addr().(*net.TCPAddr).Port)
}

var _ = Describe("ManagedEndpoint", func() {
	var (
		react  reactor.Reactor
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		react = reactor.NewGoReactor()
		ctx, cancel = context.WithCancel(context.Background())
		go func() { _ = react.Start(ctx) }()
	})

	AfterEach(func() {
		cancel()
	})

	It("binds only the enabled family", func() {
		m := managed.New(managed.Params{Name: "m1", Reactor: react})
		err := m.Apply(config.ManagedEndpoint{
			BindV4: "127.0.0.1", IPv4Enabled: true,
			Port: freePort(),
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(m.V4()).ToNot(BeNil())
		Expect(m.V6()).To(BeNil())
	})

	It("leaves an unchanged bind address/port alone across Apply calls", func() {
		m := managed.New(managed.Params{Name: "m2", Reactor: react})
		port := freePort()
		err := m.Apply(config.ManagedEndpoint{BindV4: "127.0.0.1", IPv4Enabled: true, Port: port})
		Expect(err).ToNot(HaveOccurred())

		first := m.V4()

		err = m.Apply(config.ManagedEndpoint{
			BindV4: "127.0.0.1", IPv4Enabled: true, Port: port,
			Listener: config.Listener{ACLAllow: []string{"127.0.0.1/32"}},
		})
		Expect(err).ToNot(HaveOccurred())

		Expect(m.V4()).To(BeIdenticalTo(first))
	})

	It("replaces the listener when the bind port changes", func() {
		m := managed.New(managed.Params{Name: "m3", Reactor: react})
		err := m.Apply(config.ManagedEndpoint{BindV4: "127.0.0.1", IPv4Enabled: true, Port: freePort()})
		Expect(err).ToNot(HaveOccurred())
		first := m.V4()

		err = m.Apply(config.ManagedEndpoint{BindV4: "127.0.0.1", IPv4Enabled: true, Port: freePort()})
		Expect(err).ToNot(HaveOccurred())

		Expect(m.V4()).ToNot(BeIdenticalTo(first))
		Expect(first.IsRunning()).To(BeFalse())
	})

	It("removes a family's listener when disabled", func() {
		m := managed.New(managed.Params{Name: "m4", Reactor: react})
		port := freePort()
		err := m.Apply(config.ManagedEndpoint{BindV4: "127.0.0.1", IPv4Enabled: true, Port: port})
		Expect(err).ToNot(HaveOccurred())
		first := m.V4()

		err = m.Apply(config.ManagedEndpoint{IPv4Enabled: false, Port: port})
		Expect(err).ToNot(HaveOccurred())

		Expect(m.V4()).To(BeNil())
		Expect(first.IsRunning()).To(BeFalse())
	})

	It("reloads on file change via WatchFile", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "endpoint.yaml")
		Expect(os.WriteFile(path, []byte(fmt.Sprintf("bind_v4: 127.0.0.1\nipv4_enabled: true\nport: %d\n", freePort())), 0o600)).To(Succeed())

		m := managed.New(managed.Params{Name: "m5", Reactor: react})
		cfg, err := config.LoadFile(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(m.Apply(cfg)).To(Succeed())

		w, err := m.WatchFile(path)
		Expect(err).ToNot(HaveOccurred())
		defer func() { _ = w.Close() }()

		newPort := freePort()
		Expect(os.WriteFile(path, []byte(fmt.Sprintf("bind_v4: 127.0.0.1\nipv4_enabled: true\nport: %d\nlistener:\n  allowed_sessions: 3\n", newPort)), 0o600)).To(Succeed())

		Eventually(func() bool {
			v4 := m.V4()
			return v4 != nil && v4.IsRunning() && v4.Addr().(*net.TCPAddr).Port == int(newPort)
		}, 2*time.Second).Should(BeTrue())
	})
})
