// Package resolver turns SOCKS5 target addresses into connectable endpoints.
//
// IP literals resolve immediately. Domain names are looked up with DNS
// queries sent on a non-blocking UDP socket; the owner registers FD with its
// event loop and calls HandleReadable when it becomes readable, so a lookup
// never blocks the loop.
package resolver

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sys/unix"

	"socks5-proxy/internal/infrastructure/network"
	"socks5-proxy/internal/protocol"
)

const (
	resolvConf    = "/etc/resolv.conf"
	fallbackDNS   = "8.8.8.8:53"
	maxReadsPerEv = 64
)

var (
	ErrNotFound    = errors.New("resolver: no address records")
	ErrTimeout     = errors.New("resolver: query timed out")
	ErrServer      = errors.New("resolver: server failure")
	ErrInvalidName = errors.New("resolver: invalid domain name")
)

// Result is the outcome of an asynchronous lookup.
type Result struct {
	Token uint64
	Addr  netip.Addr
	Err   error
}

type query struct {
	token uint64
	name  string
	qtype uint16
	sent  time.Time
}

// Resolver is not safe for concurrent use; it belongs to the event loop
// goroutine.
type Resolver struct {
	log     *slog.Logger
	fd      int
	server  netip.AddrPort
	timeout time.Duration
	pending map[uint16]*query
	byToken map[uint64]uint16
	buf     []byte
}

// New opens a resolver socket towards server ("host:port" or "host"). An
// empty server selects DefaultServer.
func New(server string, timeout time.Duration, log *slog.Logger) (*Resolver, error) {
	if server == "" {
		server = DefaultServer()
	}
	addr, err := parseServer(server)
	if err != nil {
		return nil, err
	}
	fd, err := network.DialUDP(addr)
	if err != nil {
		return nil, fmt.Errorf("dns socket: %w", err)
	}
	return &Resolver{
		log:     log,
		fd:      fd,
		server:  addr,
		timeout: timeout,
		pending: make(map[uint16]*query),
		byToken: make(map[uint64]uint16),
		buf:     make([]byte, dns.MaxMsgSize),
	}, nil
}

// DefaultServer returns the first nameserver from /etc/resolv.conf, or a
// public resolver when none is configured.
func DefaultServer() string {
	conf, err := dns.ClientConfigFromFile(resolvConf)
	if err != nil || len(conf.Servers) == 0 {
		return fallbackDNS
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port)
}

func parseServer(s string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap, nil
	}
	ip, err := netip.ParseAddr(strings.Trim(s, "[]"))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid dns server %q", s)
	}
	return netip.AddrPortFrom(ip, 53), nil
}

// FD is the socket to watch for read readiness.
func (r *Resolver) FD() int {
	return r.fd
}

// Server returns the nameserver queries are sent to.
func (r *Resolver) Server() netip.AddrPort {
	return r.server
}

// Pending returns the number of outstanding lookups.
func (r *Resolver) Pending() int {
	return len(r.byToken)
}

// Resolve returns the endpoint for target when it is known without a
// lookup. Otherwise it starts a query tagged with token, returns done=false,
// and the answer arrives later from HandleReadable or Expire.
func (r *Resolver) Resolve(target protocol.Addr, token uint64, now time.Time) (ep netip.AddrPort, done bool, err error) {
	if target.IP.IsValid() {
		return netip.AddrPortFrom(target.IP, target.Port), true, nil
	}
	if ip, err := netip.ParseAddr(target.Host); err == nil {
		return netip.AddrPortFrom(ip.Unmap(), target.Port), true, nil
	}
	if _, ok := dns.IsDomainName(target.Host); !ok {
		return netip.AddrPort{}, true, fmt.Errorf("%w: %q", ErrInvalidName, target.Host)
	}

	if err := r.send(dns.Fqdn(target.Host), dns.TypeA, token, now); err != nil {
		return netip.AddrPort{}, true, err
	}
	return netip.AddrPort{}, false, nil
}

func (r *Resolver) send(name string, qtype uint16, token uint64, now time.Time) error {
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	m.RecursionDesired = true
	for {
		if _, used := r.pending[m.Id]; !used {
			break
		}
		m.Id = dns.Id()
	}

	packed, err := m.Pack()
	if err != nil {
		return fmt.Errorf("pack dns query: %w", err)
	}
	if _, err := unix.Write(r.fd, packed); err != nil {
		return fmt.Errorf("send dns query: %w", err)
	}

	r.pending[m.Id] = &query{token: token, name: name, qtype: qtype, sent: now}
	r.byToken[token] = m.Id
	return nil
}

// HandleReadable drains the socket and returns the lookups that finished.
func (r *Resolver) HandleReadable(now time.Time) []Result {
	var results []Result
	for i := 0; i < maxReadsPerEv; i++ {
		n, err := unix.Read(r.fd, r.buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				break
			}
			// A connected UDP socket reports ICMP errors here; the affected
			// queries fail on timeout.
			r.log.Debug("DNS socket read failed", "error", err)
			continue
		}

		msg := new(dns.Msg)
		if err := msg.Unpack(r.buf[:n]); err != nil {
			r.log.Debug("Failed to unpack DNS response", "error", err)
			continue
		}
		if res, ok := r.answer(msg, now); ok {
			results = append(results, res)
		}
	}
	return results
}

func (r *Resolver) answer(msg *dns.Msg, now time.Time) (Result, bool) {
	q, ok := r.pending[msg.Id]
	if !ok || !msg.Response || len(msg.Question) != 1 {
		return Result{}, false
	}
	if qs := msg.Question[0]; qs.Qtype != q.qtype || !strings.EqualFold(qs.Name, q.name) {
		return Result{}, false
	}
	r.forget(q.token)

	switch msg.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return Result{Token: q.token, Err: fmt.Errorf("%w: %s", ErrNotFound, q.name)}, true
	default:
		return Result{Token: q.token, Err: fmt.Errorf("%w: %s", ErrServer, dns.RcodeToString[msg.Rcode])}, true
	}

	for _, rr := range msg.Answer {
		switch rr := rr.(type) {
		case *dns.A:
			if ip, ok := netip.AddrFromSlice(rr.A.To4()); ok {
				return Result{Token: q.token, Addr: ip}, true
			}
		case *dns.AAAA:
			if ip, ok := netip.AddrFromSlice(rr.AAAA.To16()); ok {
				return Result{Token: q.token, Addr: ip}, true
			}
		}
	}

	if q.qtype == dns.TypeA {
		if err := r.send(q.name, dns.TypeAAAA, q.token, now); err != nil {
			return Result{Token: q.token, Err: err}, true
		}
		return Result{}, false
	}
	return Result{Token: q.token, Err: fmt.Errorf("%w: %s", ErrNotFound, q.name)}, true
}

// Expire fails lookups that have waited longer than the timeout.
func (r *Resolver) Expire(now time.Time) []Result {
	var results []Result
	for _, q := range r.pending {
		if now.Sub(q.sent) >= r.timeout {
			r.forget(q.token)
			results = append(results, Result{Token: q.token, Err: fmt.Errorf("%w: %s", ErrTimeout, q.name)})
		}
	}
	return results
}

// Cancel drops the lookup tagged with token, if any.
func (r *Resolver) Cancel(token uint64) {
	r.forget(token)
}

func (r *Resolver) forget(token uint64) {
	if id, ok := r.byToken[token]; ok {
		delete(r.pending, id)
		delete(r.byToken, token)
	}
}

func (r *Resolver) Close() error {
	return unix.Close(r.fd)
}
