package application

import (
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// maxFrame is the largest negotiation message: an RFC 1929 request with a
// 255 byte username and password.
const maxFrame = 1 + 1 + 255 + 1 + 255

type Config struct {
	Bind netip.Addr
	Port int

	// IdleTimeout closes connections without activity in any state.
	IdleTimeout time.Duration
	// ConnectTimeout bounds the upstream TCP connect.
	ConnectTimeout time.Duration
	// ResolveTimeout bounds a single DNS query.
	ResolveTimeout time.Duration
	// TickInterval is how often timeouts are checked.
	TickInterval time.Duration

	// MaxHandshake bounds buffered client input before the relay starts.
	MaxHandshake int
	// BufferSize is the per-direction relay buffer.
	BufferSize int
	// AcceptBatch caps accepts per listener wakeup.
	AcceptBatch int

	RequireAuth bool
	// DNSServer is "host:port"; empty uses the system resolver configuration.
	DNSServer string
}

func DefaultConfig() Config {
	return Config{
		Bind:           netip.IPv4Unspecified(),
		Port:           1080,
		IdleTimeout:    5 * time.Minute,
		ConnectTimeout: 10 * time.Second,
		ResolveTimeout: 5 * time.Second,
		TickInterval:   time.Second,
		MaxHandshake:   1024,
		BufferSize:     32 * 1024,
		AcceptBatch:    64,
	}
}

func (c Config) Validate() error {
	var errs []error
	if !c.Bind.IsValid() {
		errs = append(errs, errors.New("bind address is not set"))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	for name, d := range map[string]time.Duration{
		"idle timeout":    c.IdleTimeout,
		"connect timeout": c.ConnectTimeout,
		"resolve timeout": c.ResolveTimeout,
		"tick interval":   c.TickInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.MaxHandshake < maxFrame {
		errs = append(errs, fmt.Errorf("handshake buffer must hold at least %d bytes", maxFrame))
	}
	if c.BufferSize < c.MaxHandshake {
		errs = append(errs, fmt.Errorf("buffer size %d is smaller than handshake buffer %d", c.BufferSize, c.MaxHandshake))
	}
	if c.AcceptBatch <= 0 {
		errs = append(errs, errors.New("accept batch must be positive"))
	}
	return errors.Join(errs...)
}

func (c Config) listenAddr() netip.AddrPort {
	return netip.AddrPortFrom(c.Bind, uint16(c.Port))
}
