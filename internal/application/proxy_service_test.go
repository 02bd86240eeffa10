package application

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/txthinking/socks5"
	"golang.org/x/sync/errgroup"

	"socks5-proxy/internal/domain"
	"socks5-proxy/internal/infrastructure/credentials"
	"socks5-proxy/internal/infrastructure/epoll"
	"socks5-proxy/internal/protocol"
	"socks5-proxy/internal/testutil"
)

func startProxy(t *testing.T, auth domain.Authenticator, mutate func(*Config)) *ProxyService {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Bind = netip.MustParseAddr("127.0.0.1")
	cfg.Port = 0
	cfg.TickInterval = 20 * time.Millisecond
	cfg.ResolveTimeout = 500 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	if cfg.DNSServer == "" {
		cfg.DNSServer = testutil.StartDNSServer(t, nil)
	}

	loop, err := epoll.New(cfg.TickInterval)
	if err != nil {
		t.Fatal(err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := NewProxyService(loop, log, cfg, auth)
	if err != nil {
		_ = loop.Close()
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- svc.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-errc; err != nil {
			t.Errorf("proxy stopped: %v", err)
		}
		_ = loop.Close()
	})
	return svc
}

func dialProxy(t *testing.T, svc *ProxyService) *net.TCPConn {
	t.Helper()
	c, err := net.Dial("tcp", svc.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	return c.(*net.TCPConn)
}

func send(t *testing.T, w io.Writer, b []byte) {
	t.Helper()
	if _, err := w.Write(b); err != nil {
		t.Fatal(err)
	}
}

func greeting(t *testing.T, methods ...byte) []byte {
	t.Helper()
	b, err := protocol.AppendGreeting(nil, protocol.Greeting{Methods: methods})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func connectRequest(t *testing.T, cmd byte, target protocol.Addr) []byte {
	t.Helper()
	b, err := protocol.AppendRequest(nil, protocol.Request{Command: cmd, Addr: target})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func targetOf(t *testing.T, ln net.Listener) protocol.Addr {
	t.Helper()
	ap, err := netip.ParseAddrPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	return protocol.AddrFromAddrPort(ap)
}

func readMethod(t *testing.T, r io.Reader) byte {
	t.Helper()
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		t.Fatal(err)
	}
	if b[0] != protocol.Version5 {
		t.Fatalf("method selection version %#02x", b[0])
	}
	return b[1]
}

// readReply reads byte by byte so nothing after the reply is consumed.
func readReply(t *testing.T, r io.Reader) protocol.Reply {
	t.Helper()
	var buf []byte
	one := make([]byte, 1)
	for {
		rep, _, err := protocol.DecodeReply(buf)
		if err == nil {
			return rep
		}
		if !errors.Is(err, protocol.ErrIncomplete) {
			t.Fatalf("decode reply %x: %v", buf, err)
		}
		if _, err := io.ReadFull(r, one); err != nil {
			t.Fatalf("read reply after %x: %v", buf, err)
		}
		buf = append(buf, one[0])
	}
}

func expectEOF(t *testing.T, r io.Reader) {
	t.Helper()
	n, err := r.Read(make([]byte, 16))
	if n != 0 || !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got n=%d err=%v", n, err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func noConnections(svc *ProxyService) func() bool {
	return func() bool { return svc.ConnectionCount() == 0 }
}

func TestConnectNoAuth(t *testing.T) {
	ctx := t.Context()
	echo := testutil.StartEchoTCPServer(t, ctx)
	svc := startProxy(t, nil, nil)

	client, err := socks5.NewClient(svc.Addr().String(), "", "", 5, 0)
	if err != nil {
		t.Fatal(err)
	}
	c, err := client.Dial("tcp", echo.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, c, c, []byte("hello"))
	testutil.AssertEcho(t, c, c, []byte("second message"))

	_ = c.Close()
	waitFor(t, "connection release", noConnections(svc))
}

func TestConnectUserPass(t *testing.T) {
	echo := testutil.StartEchoTCPServer(t, t.Context())
	store := credentials.New(map[string]string{"alice": "s3cret"})
	svc := startProxy(t, store, nil)

	client, err := socks5.NewClient(svc.Addr().String(), "alice", "s3cret", 5, 0)
	if err != nil {
		t.Fatal(err)
	}
	c, err := client.Dial("tcp", echo.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	testutil.AssertEcho(t, c, c, []byte("authenticated"))
}

func TestWrongPasswordGetsSingleFailure(t *testing.T) {
	store := credentials.New(map[string]string{"alice": "s3cret"})
	svc := startProxy(t, store, nil)
	c := dialProxy(t, svc)

	send(t, c, greeting(t, protocol.MethodNoAuth, protocol.MethodUserPass))
	if m := readMethod(t, c); m != protocol.MethodUserPass {
		t.Fatalf("method %#02x", m)
	}
	auth, err := protocol.AppendAuthRequest(nil, protocol.AuthRequest{Username: []byte("alice"), Password: []byte("wrong")})
	if err != nil {
		t.Fatal(err)
	}
	send(t, c, auth)

	var reply [2]byte
	if _, err := io.ReadFull(c, reply[:]); err != nil {
		t.Fatal(err)
	}
	if reply != [2]byte{protocol.AuthVersion, protocol.AuthStatusFailure} {
		t.Fatalf("auth reply %x", reply)
	}
	expectEOF(t, c)
	waitFor(t, "connection release", noConnections(svc))
}

func TestMethodNegotiation(t *testing.T) {
	tests := []struct {
		name    string
		auth    domain.Authenticator
		require bool
		offer   []byte
		want    byte
	}{
		{"userpass only without store", nil, false, []byte{protocol.MethodUserPass}, protocol.MethodNoAcceptable},
		{"no auth without store", nil, false, []byte{protocol.MethodNoAuth}, protocol.MethodNoAuth},
		{"gssapi only", nil, false, []byte{0x01}, protocol.MethodNoAcceptable},
		{"store prefers userpass", credentials.New(map[string]string{"u": "p"}), false, []byte{protocol.MethodNoAuth, protocol.MethodUserPass}, protocol.MethodUserPass},
		{"require auth refuses no auth", credentials.New(map[string]string{"u": "p"}), true, []byte{protocol.MethodNoAuth}, protocol.MethodNoAcceptable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := startProxy(t, tt.auth, func(cfg *Config) { cfg.RequireAuth = tt.require })
			c := dialProxy(t, svc)

			send(t, c, greeting(t, tt.offer...))
			if got := readMethod(t, c); got != tt.want {
				t.Fatalf("method %#02x want %#02x", got, tt.want)
			}
			if tt.want == protocol.MethodNoAcceptable {
				expectEOF(t, c)
			}
		})
	}
}

func TestConnectByDomainName(t *testing.T) {
	echo := testutil.StartEchoTCPServer(t, t.Context())
	port := targetOf(t, echo).Port
	dnsServer := testutil.StartDNSServer(t, testutil.DNSRecords{
		"echo.test": {netip.MustParseAddr("127.0.0.1")},
	})
	svc := startProxy(t, nil, func(cfg *Config) { cfg.DNSServer = dnsServer })

	client, err := socks5.NewClient(svc.Addr().String(), "", "", 5, 0)
	if err != nil {
		t.Fatal(err)
	}
	c, err := client.Dial("tcp", fmt.Sprintf("echo.test:%d", port))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	testutil.AssertEcho(t, c, c, []byte("resolved"))
}

func TestConnectFailureReplies(t *testing.T) {
	closed, err := netip.ParseAddrPort(testutil.ClosedPort(t))
	if err != nil {
		t.Fatal(err)
	}
	dnsServer := testutil.StartDNSServer(t, testutil.DNSRecords{"slow.test": nil})
	svc := startProxy(t, nil, func(cfg *Config) { cfg.DNSServer = dnsServer })

	tests := []struct {
		name   string
		cmd    byte
		target protocol.Addr
		want   byte
	}{
		{"refused", protocol.CmdConnect, protocol.AddrFromAddrPort(closed), protocol.RepConnectionRefused},
		{"unknown domain", protocol.CmdConnect, protocol.Addr{Host: "missing.test", Port: 80}, protocol.RepHostUnreachable},
		{"resolver timeout", protocol.CmdConnect, protocol.Addr{Host: "slow.test", Port: 80}, protocol.RepHostUnreachable},
		{"bind", protocol.CmdBind, protocol.AddrFromAddrPort(closed), protocol.RepCommandNotSupported},
		{"udp associate", protocol.CmdUDPAssociate, protocol.AddrFromAddrPort(closed), protocol.RepCommandNotSupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := dialProxy(t, svc)
			send(t, c, greeting(t, protocol.MethodNoAuth))
			if m := readMethod(t, c); m != protocol.MethodNoAuth {
				t.Fatalf("method %#02x", m)
			}
			send(t, c, connectRequest(t, tt.cmd, tt.target))

			rep := readReply(t, c)
			if rep.Code != tt.want {
				t.Fatalf("reply %#02x want %#02x", rep.Code, tt.want)
			}
			if rep.Addr.IP != netip.IPv4Unspecified() || rep.Addr.Port != 0 {
				t.Fatalf("failure reply address %v", rep.Addr)
			}
			expectEOF(t, c)
		})
	}
	waitFor(t, "connection release", noConnections(svc))
}

func TestUnsupportedAddressType(t *testing.T) {
	svc := startProxy(t, nil, nil)
	c := dialProxy(t, svc)

	send(t, c, greeting(t, protocol.MethodNoAuth))
	readMethod(t, c)
	send(t, c, []byte{protocol.Version5, protocol.CmdConnect, 0x00, 0x09, 1, 2, 3, 4, 0, 80})

	if rep := readReply(t, c); rep.Code != protocol.RepAddressTypeNotSupported {
		t.Fatalf("reply %#02x", rep.Code)
	}
	expectEOF(t, c)
}

func TestProtocolViolationClosesSilently(t *testing.T) {
	svc := startProxy(t, nil, nil)
	c := dialProxy(t, svc)

	send(t, c, []byte{0x04, 0x01, 0x00, 0x50, 127, 0, 0, 1, 0})
	expectEOF(t, c)
	waitFor(t, "connection release", noConnections(svc))
}

func TestPipelinedHandshakeAndPayload(t *testing.T) {
	echo := testutil.StartEchoTCPServer(t, t.Context())
	svc := startProxy(t, nil, nil)
	c := dialProxy(t, svc)

	var segment []byte
	segment = append(segment, greeting(t, protocol.MethodNoAuth)...)
	segment = append(segment, connectRequest(t, protocol.CmdConnect, targetOf(t, echo))...)
	segment = append(segment, "early payload"...)
	send(t, c, segment)

	if m := readMethod(t, c); m != protocol.MethodNoAuth {
		t.Fatalf("method %#02x", m)
	}
	rep := readReply(t, c)
	if rep.Code != protocol.RepSucceeded {
		t.Fatalf("reply %#02x", rep.Code)
	}
	if !rep.Addr.IP.IsLoopback() || rep.Addr.Port == 0 {
		t.Fatalf("bound address %v", rep.Addr)
	}

	buf := make([]byte, len("early payload"))
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "early payload" {
		t.Fatalf("got %q", buf)
	}
}

func TestHalfCloseDeliversRemainingData(t *testing.T) {
	echo := testutil.StartEchoTCPServer(t, t.Context())
	svc := startProxy(t, nil, func(cfg *Config) { cfg.BufferSize = 4096 })
	c := dialProxy(t, svc)

	send(t, c, greeting(t, protocol.MethodNoAuth))
	readMethod(t, c)
	send(t, c, connectRequest(t, protocol.CmdConnect, targetOf(t, echo)))
	if rep := readReply(t, c); rep.Code != protocol.RepSucceeded {
		t.Fatalf("reply %#02x", rep.Code)
	}

	// Larger than both relay buffers so backpressure engages.
	payload := make([]byte, 1<<20)
	_, _ = rand.Read(payload)

	var g errgroup.Group
	g.Go(func() error {
		if _, err := c.Write(payload); err != nil {
			return err
		}
		return c.CloseWrite()
	})
	got, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("echoed %d bytes, want %d", len(got), len(payload))
	}
	waitFor(t, "connection release", noConnections(svc))
}

func TestIdleTimeout(t *testing.T) {
	svc := startProxy(t, nil, func(cfg *Config) { cfg.IdleTimeout = 100 * time.Millisecond })
	c := dialProxy(t, svc)

	send(t, c, greeting(t, protocol.MethodNoAuth))
	readMethod(t, c)

	expectEOF(t, c)
	waitFor(t, "connection release", noConnections(svc))
}

func TestClientEOFDuringNegotiation(t *testing.T) {
	svc := startProxy(t, nil, nil)
	c := dialProxy(t, svc)

	send(t, c, greeting(t, protocol.MethodNoAuth))
	readMethod(t, c)
	if err := c.CloseWrite(); err != nil {
		t.Fatal(err)
	}
	expectEOF(t, c)
	waitFor(t, "connection release", noConnections(svc))
}

func TestConcurrentStreams(t *testing.T) {
	echo := testutil.StartEchoTCPServer(t, t.Context())
	svc := startProxy(t, nil, nil)

	const streams = 300
	var g errgroup.Group
	g.SetLimit(64)
	for i := range streams {
		g.Go(func() error {
			client, err := socks5.NewClient(svc.Addr().String(), "", "", 5, 0)
			if err != nil {
				return err
			}
			c, err := client.Dial("tcp", echo.Addr().String())
			if err != nil {
				return fmt.Errorf("stream %d: %w", i, err)
			}
			defer c.Close()

			msg := bytes.Repeat([]byte{byte(i)}, 1024+i)
			if _, err := c.Write(msg); err != nil {
				return fmt.Errorf("stream %d: %w", i, err)
			}
			got := make([]byte, len(msg))
			if _, err := io.ReadFull(c, got); err != nil {
				return fmt.Errorf("stream %d: %w", i, err)
			}
			if !bytes.Equal(got, msg) {
				return fmt.Errorf("stream %d: payload mismatch", i)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "connection release", noConnections(svc))
}

func TestShutdownClosesClients(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bind = netip.MustParseAddr("127.0.0.1")
	cfg.Port = 0
	cfg.TickInterval = 20 * time.Millisecond
	cfg.DNSServer = testutil.StartDNSServer(t, nil)

	loop, err := epoll.New(cfg.TickInterval)
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Close()
	svc, err := NewProxyService(loop, slog.New(slog.DiscardHandler), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- svc.Start(ctx) }()

	c := dialProxy(t, svc)
	waitFor(t, "connection accepted", func() bool { return svc.ConnectionCount() == 1 })

	cancel()
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
	expectEOF(t, c)
	if n := svc.ConnectionCount(); n != 0 {
		t.Fatalf("count=%d after shutdown", n)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}

	bad := DefaultConfig()
	bad.Port = 70000
	bad.IdleTimeout = 0
	bad.MaxHandshake = 100
	err := bad.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"port", "idle timeout", "handshake buffer"} {
		if !bytes.Contains([]byte(err.Error()), []byte(want)) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}
