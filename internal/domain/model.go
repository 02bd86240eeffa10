package domain

import (
	"net/netip"
	"time"

	"socks5-proxy/internal/protocol"
)

type State int

const (
	StateAwaitingGreeting State = iota // Handshake
	StateAwaitingAuth                  // RFC 1929 subnegotiation
	StateAwaitingCommand               // CONNECT request
	StateResolving                     // DNS
	StateConnecting                    // TCP Connect (EINPROGRESS)
	StateRelaying                      // Pipe
	StateClosing                       // Flush and release
)

var stateNames = [...]string{
	StateAwaitingGreeting: "awaiting-greeting",
	StateAwaitingAuth:     "awaiting-auth",
	StateAwaitingCommand:  "awaiting-command",
	StateResolving:        "resolving",
	StateConnecting:       "connecting",
	StateRelaying:         "relaying",
	StateClosing:          "closing",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Negotiating reports whether the state consumes client handshake bytes.
func (s State) Negotiating() bool {
	return s <= StateAwaitingCommand
}

// Watch records what an fd is currently registered for in the event loop.
type Watch struct {
	Registered bool
	Events     EventType
}

// Connection is one client socket and, from the CONNECT onward, its upstream
// socket. It is owned by the goroutine running the event loop.
type Connection struct {
	ID       uint64
	State    State
	ClientFD int
	RemoteFD int // -1 until the upstream connect starts

	ClientAddr netip.AddrPort

	// In holds client bytes not yet decoded; Out holds negotiation replies
	// not yet written to the client.
	In  []byte
	Out []byte

	Method        byte
	Authenticated bool
	Target        protocol.Addr
	Endpoint      netip.AddrPort

	CreatedAt    time.Time
	LastActive   time.Time
	ConnectStart time.Time

	// Up carries client to remote bytes, Down remote to client. Both are nil
	// before Relaying.
	Up   *Pipe
	Down *Pipe

	ClientWatch Watch
	RemoteWatch Watch
}

func NewConnection(id uint64, fd int, peer netip.AddrPort, now time.Time) *Connection {
	return &Connection{
		ID:         id,
		State:      StateAwaitingGreeting,
		ClientFD:   fd,
		RemoteFD:   -1,
		ClientAddr: peer,
		CreatedAt:  now,
		LastActive: now,
	}
}

// HasUpstream reports whether an upstream socket is attached.
func (c *Connection) HasUpstream() bool {
	return c.RemoteFD >= 0
}

// Touch records activity for idle accounting.
func (c *Connection) Touch(now time.Time) {
	c.LastActive = now
}

// Pipe is a bounded single-direction relay buffer.
//
// A pipe stops accepting bytes when full and only resumes once its pending
// bytes drop below the low-water mark.
type Pipe struct {
	buf      []byte
	r, w     int
	lowWater int
	paused   bool

	// EOF is set when the source side reached end of stream.
	EOF bool
	// Shut is set once the destination write side has been shut down.
	Shut bool
	// Total counts bytes read from the source.
	Total uint64
}

func NewPipe(size int) *Pipe {
	return &Pipe{buf: make([]byte, size), lowWater: size / 4}
}

// Len returns the number of pending bytes.
func (p *Pipe) Len() int {
	return p.w - p.r
}

// Cap returns the buffer size.
func (p *Pipe) Cap() int {
	return len(p.buf)
}

// CanFill reports whether the source side should be read.
func (p *Pipe) CanFill() bool {
	return !p.EOF && !p.paused && p.Len() < len(p.buf)
}

// Space returns the writable tail of the buffer, compacting first if needed.
func (p *Pipe) Space() []byte {
	if p.w == len(p.buf) && p.r > 0 {
		n := copy(p.buf, p.buf[p.r:p.w])
		p.r, p.w = 0, n
	}
	return p.buf[p.w:]
}

// Commit marks n bytes of Space as filled.
func (p *Pipe) Commit(n int) {
	p.w += n
	p.Total += uint64(n)
	if p.Len() == len(p.buf) {
		p.paused = true
	}
}

// Seed appends b, which must fit in the free space. Seeded bytes are not
// counted in Total.
func (p *Pipe) Seed(b []byte) {
	p.w += copy(p.Space(), b)
}

// Pending returns bytes waiting to be written to the destination.
func (p *Pipe) Pending() []byte {
	return p.buf[p.r:p.w]
}

// Consume drops n written bytes.
func (p *Pipe) Consume(n int) {
	p.r += n
	if p.r == p.w {
		p.r, p.w = 0, 0
	}
	if p.paused && p.Len() < p.lowWater {
		p.paused = false
	}
}

// Paused reports whether backpressure is holding the source.
func (p *Pipe) Paused() bool {
	return p.paused
}

// Drained reports whether the source ended and every byte was delivered.
func (p *Pipe) Drained() bool {
	return p.EOF && p.Len() == 0
}
