package application

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"socks5-proxy/internal/domain"
)

// relay moves bytes between the two sockets of an established connection.
// Each direction has its own bounded pipe; end of stream on one side is
// forwarded as a write shutdown on the other while the opposite direction
// keeps running.
type relay struct {
	bufferSize int
}

// attach creates the pipes. Client bytes that arrived behind the CONNECT
// request go upstream first; the pending reply goes to the client first.
func (r *relay) attach(c *domain.Connection) {
	c.Up = domain.NewPipe(r.bufferSize)
	c.Up.Seed(c.In)
	c.In = nil

	c.Down = domain.NewPipe(r.bufferSize)
	c.Down.Seed(c.Out)
	c.Out = nil
}

func (r *relay) onClient(c *domain.Connection, ev domain.EventType) error {
	if ev&domain.EventRead != 0 {
		if err := fill(c.ClientFD, c.Up); err != nil {
			return fmt.Errorf("client: %w", err)
		}
		if err := flush(c.Up, c.RemoteFD); err != nil {
			return fmt.Errorf("upstream: %w", err)
		}
	}
	if ev&domain.EventWrite != 0 {
		if err := flush(c.Down, c.ClientFD); err != nil {
			return fmt.Errorf("client: %w", err)
		}
	}
	return nil
}

func (r *relay) onRemote(c *domain.Connection, ev domain.EventType) error {
	if ev&domain.EventRead != 0 {
		if err := fill(c.RemoteFD, c.Down); err != nil {
			return fmt.Errorf("upstream: %w", err)
		}
		if err := flush(c.Down, c.ClientFD); err != nil {
			return fmt.Errorf("client: %w", err)
		}
	}
	if ev&domain.EventWrite != 0 {
		if err := flush(c.Up, c.RemoteFD); err != nil {
			return fmt.Errorf("upstream: %w", err)
		}
	}
	return nil
}

// finished reports whether both directions reached end of stream and were
// fully delivered.
func (r *relay) finished(c *domain.Connection) bool {
	return c.Up.Shut && c.Down.Shut
}

// fill reads once from src into p unless p is applying backpressure.
func fill(src int, p *domain.Pipe) error {
	if !p.CanFill() {
		return nil
	}
	n, err := unix.Read(src, p.Space())
	switch {
	case errors.Is(err, unix.EAGAIN):
		return nil
	case err != nil:
		return fmt.Errorf("read: %w", err)
	case n == 0:
		p.EOF = true
	default:
		p.Commit(n)
	}
	return nil
}

// flush writes pending bytes to dst and, once the source has ended and the
// pipe is empty, shuts down dst's write side.
func flush(p *domain.Pipe, dst int) error {
	if p.Len() > 0 {
		n, err := unix.Write(dst, p.Pending())
		switch {
		case errors.Is(err, unix.EAGAIN):
			return nil
		case err != nil:
			return fmt.Errorf("write: %w", err)
		}
		p.Consume(n)
	}
	if p.Drained() && !p.Shut {
		p.Shut = true
		if err := unix.Shutdown(dst, unix.SHUT_WR); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}
