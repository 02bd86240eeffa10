package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"socks5-proxy/internal/domain"
	"socks5-proxy/internal/infrastructure/network"
	"socks5-proxy/internal/infrastructure/resolver"
)

var errClientHangup = errors.New("client hung up")

// ProxyService owns the listening socket and every connection. All of its
// methods except ConnectionCount and Addr run on the event loop goroutine.
type ProxyService struct {
	log     *slog.Logger
	connLog *slog.Logger
	loop    domain.EventLoop
	cfg     Config

	machine  *domain.Machine
	relay    relay
	resolver *resolver.Resolver

	listenerFD int
	addr       netip.AddrPort

	// sessions is keyed by both the client and the upstream fd.
	sessions  map[int]*domain.Connection
	resolving map[uint64]*domain.Connection
	nextID    uint64

	// reap holds fds released during the current batch. They are closed in
	// EndBatch so a number cannot be reused while events for it are pending.
	reap []int

	active atomic.Int64
}

// NewProxyService binds the listener and the resolver socket. auth may be
// nil, in which case only the no-auth method is offered.
func NewProxyService(loop domain.EventLoop, logger *slog.Logger, cfg Config, auth domain.Authenticator) (*ProxyService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	lfd, err := network.ListenTCP(cfg.listenAddr())
	if err != nil {
		return nil, fmt.Errorf("failed to listen tcp: %w", err)
	}
	addr, err := network.LocalAddr(lfd)
	if err != nil {
		_ = unix.Close(lfd)
		return nil, err
	}

	res, err := resolver.New(cfg.DNSServer, cfg.ResolveTimeout, logger)
	if err != nil {
		_ = unix.Close(lfd)
		return nil, fmt.Errorf("failed to start resolver: %w", err)
	}

	return &ProxyService{
		log:     logger,
		connLog: slog.New(slog.DiscardHandler),
		loop:    loop,
		cfg:     cfg,
		machine: &domain.Machine{
			Auth:        auth,
			RequireAuth: cfg.RequireAuth,
			MaxInput:    cfg.MaxHandshake,
		},
		relay:      relay{bufferSize: cfg.BufferSize},
		resolver:   res,
		listenerFD: lfd,
		addr:       addr,
		sessions:   make(map[int]*domain.Connection),
		resolving:  make(map[uint64]*domain.Connection),
	}, nil
}

// SetConnectionLog directs one record per CONNECT request to l.
func (s *ProxyService) SetConnectionLog(l *slog.Logger) {
	s.connLog = l
}

// Addr is the bound listening address.
func (s *ProxyService) Addr() netip.AddrPort {
	return s.addr
}

// ConnectionCount returns the number of live client connections.
func (s *ProxyService) ConnectionCount() int {
	return int(s.active.Load())
}

// Start runs the event loop until ctx is done or the loop fails, then
// releases every connection and the server sockets.
func (s *ProxyService) Start(ctx context.Context) error {
	s.log.Info("Registering server sockets in EventLoop", "listener_fd", s.listenerFD, "dns_fd", s.resolver.FD())

	if err := s.loop.Register(s.listenerFD, domain.EventRead); err != nil {
		s.shutdown()
		return fmt.Errorf("register listener: %w", err)
	}
	if err := s.loop.Register(s.resolver.FD(), domain.EventRead); err != nil {
		s.shutdown()
		return fmt.Errorf("register resolver: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.loop.Stop()
		case <-done:
		}
	}()

	s.log.Info("Proxy service is running loop...", "addr", s.addr, "dns", s.resolver.Server())
	err := s.loop.Run(s)
	s.shutdown()
	return err
}

func (s *ProxyService) HandleEvent(fd int, event domain.EventType) error {
	now := time.Now()
	switch fd {
	case s.listenerFD:
		s.acceptClients(now)
		return nil
	case s.resolver.FD():
		s.applyResolutions(s.resolver.HandleReadable(now), now)
		return nil
	}

	c := s.sessions[fd]
	if c == nil {
		return nil
	}
	c.Touch(now)

	var err error
	if fd == c.ClientFD {
		err = s.handleClient(c, event, now)
	} else {
		err = s.handleRemote(c, event)
	}
	if err != nil {
		s.closeSession(c, err.Error())
		return nil
	}
	s.update(c)
	return nil
}

// Tick enforces resolver, connect and idle timeouts.
func (s *ProxyService) Tick(now time.Time) {
	s.applyResolutions(s.resolver.Expire(now), now)

	for fd, c := range s.sessions {
		if fd != c.ClientFD {
			continue
		}
		switch {
		case c.State == domain.StateConnecting && now.Sub(c.ConnectStart) >= s.cfg.ConnectTimeout:
			s.log.Info("Upstream connect timed out", "conn", c.ID, "target", c.Endpoint)
			s.machine.ConnectFailed(c, unix.ETIMEDOUT)
			s.update(c)
		case now.Sub(c.LastActive) >= s.cfg.IdleTimeout:
			s.machine.Abort(c)
			s.closeSession(c, "idle timeout")
		}
	}
}

func (s *ProxyService) EndBatch() {
	for _, fd := range s.reap {
		_ = unix.Close(fd)
	}
	s.reap = s.reap[:0]
}

func (s *ProxyService) acceptClients(now time.Time) {
	for range s.cfg.AcceptBatch {
		nfd, peer, err := network.Accept(s.listenerFD)
		switch {
		case errors.Is(err, unix.EAGAIN):
			return
		case errors.Is(err, unix.ECONNABORTED), errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			s.log.Error("Accept failed", "error", err)
			return
		}

		s.nextID++
		c := domain.NewConnection(s.nextID, nfd, peer, now)
		c.In = make([]byte, 0, s.cfg.MaxHandshake)
		s.sessions[nfd] = c
		s.active.Add(1)

		s.log.Debug("New client accepted", "conn", c.ID, "fd", nfd, "ip", peer)
		s.update(c)
	}
}

func (s *ProxyService) handleClient(c *domain.Connection, event domain.EventType, now time.Time) error {
	if c.State == domain.StateRelaying {
		return s.relay.onClient(c, event)
	}

	if event&domain.EventWrite != 0 && len(c.Out) > 0 {
		if err := s.flushOut(c); err != nil {
			return err
		}
	}
	if event&domain.EventRead == 0 {
		return nil
	}
	if !c.State.Negotiating() {
		// Read interest is dropped outside negotiation, so this is a hangup
		// or socket error.
		return errClientHangup
	}
	return s.readHandshake(c, now)
}

func (s *ProxyService) readHandshake(c *domain.Connection, now time.Time) error {
	n, err := unix.Read(c.ClientFD, c.In[len(c.In):cap(c.In)])
	switch {
	case errors.Is(err, unix.EAGAIN):
		return nil
	case err != nil:
		return fmt.Errorf("read client: %w", err)
	case n == 0:
		s.machine.Abort(c)
		return errClientHangup
	}
	c.In = c.In[:len(c.In)+n]

	act, err := s.machine.Advance(c)
	if err != nil {
		s.log.Info("Handshake rejected", "conn", c.ID, "client", c.ClientAddr, "reason", err)
	}
	if act == domain.ActionResolve {
		s.resolve(c, now)
	}
	return nil
}

func (s *ProxyService) flushOut(c *domain.Connection) error {
	n, err := unix.Write(c.ClientFD, c.Out)
	switch {
	case errors.Is(err, unix.EAGAIN):
		return nil
	case err != nil:
		return fmt.Errorf("write client: %w", err)
	}
	c.Out = c.Out[:copy(c.Out, c.Out[n:])]
	return nil
}

func (s *ProxyService) resolve(c *domain.Connection, now time.Time) {
	ep, done, err := s.resolver.Resolve(c.Target, c.ID, now)
	if !done {
		s.log.Debug("Resolving domain", "conn", c.ID, "domain", c.Target.Host)
		s.resolving[c.ID] = c
		return
	}
	if err != nil {
		s.log.Info("Resolution failed", "conn", c.ID, "target", c.Target, "error", err)
		s.machine.ResolveFailed(c, err)
		return
	}
	s.machine.Resolved(c, ep)
	s.startConnect(c, now)
}

func (s *ProxyService) applyResolutions(results []resolver.Result, now time.Time) {
	for _, res := range results {
		c := s.resolving[res.Token]
		if c == nil {
			continue
		}
		delete(s.resolving, res.Token)
		if c.State != domain.StateResolving {
			continue
		}

		if res.Err != nil {
			s.log.Info("Resolution failed", "conn", c.ID, "domain", c.Target.Host, "error", res.Err)
			s.machine.ResolveFailed(c, res.Err)
		} else {
			s.log.Debug("DNS Resolved", "conn", c.ID, "domain", c.Target.Host, "ip", res.Addr)
			s.machine.Resolved(c, netip.AddrPortFrom(res.Addr, c.Target.Port))
			s.startConnect(c, now)
		}
		s.update(c)
	}
}

func (s *ProxyService) startConnect(c *domain.Connection, now time.Time) {
	s.connLog.Info("Request",
		"conn", c.ID,
		"client", c.ClientAddr,
		"hostname", c.Target.String(),
		"addr", c.Endpoint.Addr(),
		"port", c.Endpoint.Port(),
	)

	rfd, err := network.ConnectTCP(c.Endpoint)
	if err != nil {
		s.log.Info("Upstream connect failed", "conn", c.ID, "target", c.Endpoint, "error", err)
		s.machine.ConnectFailed(c, err)
		return
	}
	c.RemoteFD = rfd
	c.ConnectStart = now
	s.sessions[rfd] = c
	s.log.Debug("Initiating TCP connection", "conn", c.ID, "remote", c.Endpoint, "remote_fd", rfd)
}

func (s *ProxyService) handleRemote(c *domain.Connection, event domain.EventType) error {
	switch c.State {
	case domain.StateConnecting:
		s.finalizeConnect(c)
	case domain.StateRelaying:
		return s.relay.onRemote(c, event)
	}
	return nil
}

func (s *ProxyService) finalizeConnect(c *domain.Connection) {
	if err := network.ConnectError(c.RemoteFD); err != nil {
		s.log.Info("Upstream connect failed", "conn", c.ID, "target", c.Endpoint, "error", err)
		s.machine.ConnectFailed(c, err)
		return
	}
	bound, err := network.LocalAddr(c.RemoteFD)
	if err != nil {
		s.machine.ConnectFailed(c, err)
		return
	}

	s.machine.ConnectSucceeded(c, bound)
	s.relay.attach(c)
	s.log.Info("Connected to target", "conn", c.ID, "target", c.Target, "remote", c.Endpoint)
}

// update re-derives event interest for both fds from the connection state
// and releases the connection once nothing is left to do.
func (s *ProxyService) update(c *domain.Connection) {
	if s.sessions[c.ClientFD] != c {
		return
	}
	switch {
	case c.State == domain.StateClosing && len(c.Out) == 0:
		s.closeSession(c, "closed")
		return
	case c.State == domain.StateRelaying && s.relay.finished(c):
		s.closeSession(c, "connection closed by peer")
		return
	}

	if err := s.watch(c.ClientFD, &c.ClientWatch, clientInterest(c)); err != nil {
		s.closeSession(c, err.Error())
		return
	}
	if c.HasUpstream() {
		if err := s.watch(c.RemoteFD, &c.RemoteWatch, remoteInterest(c)); err != nil {
			s.closeSession(c, err.Error())
		}
	}
}

func clientInterest(c *domain.Connection) domain.EventType {
	var ev domain.EventType
	switch {
	case c.State.Negotiating():
		ev = domain.EventRead
		if len(c.Out) > 0 {
			ev |= domain.EventWrite
		}
	case c.State == domain.StateRelaying:
		if c.Up.CanFill() {
			ev |= domain.EventRead
		}
		if c.Down.Len() > 0 {
			ev |= domain.EventWrite
		}
	default:
		if len(c.Out) > 0 {
			ev = domain.EventWrite
		}
	}
	return ev
}

func remoteInterest(c *domain.Connection) domain.EventType {
	var ev domain.EventType
	switch c.State {
	case domain.StateConnecting:
		ev = domain.EventWrite
	case domain.StateRelaying:
		if c.Down.CanFill() {
			ev |= domain.EventRead
		}
		if c.Up.Len() > 0 {
			ev |= domain.EventWrite
		}
	}
	return ev
}

// watch brings fd's registration in line with want. An fd with no interest
// is removed from the loop so a hangup cannot keep waking it.
func (s *ProxyService) watch(fd int, w *domain.Watch, want domain.EventType) error {
	var err error
	switch {
	case want == 0 && w.Registered:
		err = s.loop.Unregister(fd)
		w.Registered = false
	case want == 0:
	case !w.Registered:
		err = s.loop.Register(fd, want)
		w.Registered = err == nil
	case w.Events != want:
		err = s.loop.Modify(fd, want)
	}
	if err != nil {
		return fmt.Errorf("watch fd %d: %w", fd, err)
	}
	w.Events = want
	return nil
}

func (s *ProxyService) closeSession(c *domain.Connection, reason string) {
	if s.sessions[c.ClientFD] != c {
		return
	}

	attrs := []any{"conn", c.ID, "client_fd", c.ClientFD, "state", c.State, "reason", reason}
	if c.Up != nil {
		attrs = append(attrs, "bytes_up", c.Up.Total, "bytes_down", c.Down.Total)
	}
	s.log.Debug("Closing session", attrs...)

	s.release(c.ClientFD, &c.ClientWatch)
	if c.HasUpstream() {
		s.release(c.RemoteFD, &c.RemoteWatch)
	}
	if c.State == domain.StateResolving {
		s.resolver.Cancel(c.ID)
		delete(s.resolving, c.ID)
	}

	c.State = domain.StateClosing
	c.Out = nil
	s.active.Add(-1)
}

func (s *ProxyService) release(fd int, w *domain.Watch) {
	if w.Registered {
		_ = s.loop.Unregister(fd)
		w.Registered = false
	}
	delete(s.sessions, fd)
	s.reap = append(s.reap, fd)
}

func (s *ProxyService) shutdown() {
	for fd, c := range s.sessions {
		if fd == c.ClientFD {
			s.closeSession(c, "server shutdown")
		}
	}
	s.EndBatch()

	_ = s.loop.Unregister(s.listenerFD)
	_ = s.loop.Unregister(s.resolver.FD())
	if err := unix.Close(s.listenerFD); err != nil {
		s.log.Warn("Closing listener failed", "error", err)
	}
	if err := s.resolver.Close(); err != nil {
		s.log.Warn("Closing resolver failed", "error", err)
	}
}
