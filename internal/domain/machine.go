package domain

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"socks5-proxy/internal/protocol"
)

var (
	ErrNoAcceptableMethod  = errors.New("no acceptable authentication method")
	ErrAuthFailed          = errors.New("authentication failed")
	ErrCommandNotSupported = errors.New("command not supported")
	ErrBufferOverflow      = fmt.Errorf("%w: handshake exceeds buffer", protocol.ErrMalformed)
)

// Action tells the connection manager what to do after a transition.
type Action int

const (
	ActionNone Action = iota
	// ActionResolve: Target is set and an upstream endpoint is needed.
	ActionResolve
	// ActionClose: the connection moved to Closing; flush Out then release.
	ActionClose
)

// Machine implements the per-connection SOCKS5 negotiation. It never touches
// sockets: input arrives in Connection.In and replies are appended to
// Connection.Out.
type Machine struct {
	// Auth is nil when no credential store is configured.
	Auth Authenticator
	// RequireAuth refuses the no-auth method whenever Auth is set.
	RequireAuth bool
	// MaxInput bounds Connection.In while negotiating.
	MaxInput int
}

// Advance decodes every complete frame in c.In that the current state
// accepts. A client may pipeline its greeting, credentials and request in a
// single segment; any bytes following the request are left in c.In.
func (m *Machine) Advance(c *Connection) (Action, error) {
	consumed := 0
	defer func() {
		c.In = c.In[:copy(c.In, c.In[consumed:])]
	}()

	for consumed < len(c.In) && c.State.Negotiating() {
		var (
			n   int
			act Action
			err error
		)
		buf := c.In[consumed:]
		switch c.State {
		case StateAwaitingGreeting:
			n, act, err = m.onGreeting(c, buf)
		case StateAwaitingAuth:
			n, act, err = m.onAuth(c, buf)
		case StateAwaitingCommand:
			n, act, err = m.onRequest(c, buf)
		}
		if errors.Is(err, protocol.ErrIncomplete) {
			break
		}
		consumed += n
		if err != nil || act != ActionNone {
			return act, err
		}
	}

	if c.State.Negotiating() && m.MaxInput > 0 && len(c.In)-consumed >= m.MaxInput {
		c.State = StateClosing
		return ActionClose, ErrBufferOverflow
	}
	return ActionNone, nil
}

func (m *Machine) onGreeting(c *Connection, b []byte) (int, Action, error) {
	g, n, err := protocol.DecodeGreeting(b)
	if err != nil {
		return m.violation(c, "greeting", err)
	}

	c.Method = m.selectMethod(g)
	c.Out = protocol.AppendMethodSelection(c.Out, protocol.MethodSelection{Method: c.Method})
	switch c.Method {
	case protocol.MethodUserPass:
		c.State = StateAwaitingAuth
	case protocol.MethodNoAuth:
		c.State = StateAwaitingCommand
	default:
		c.State = StateClosing
		return n, ActionClose, fmt.Errorf("%w: offered %v", ErrNoAcceptableMethod, g.Methods)
	}
	return n, ActionNone, nil
}

func (m *Machine) selectMethod(g protocol.Greeting) byte {
	if m.Auth != nil && g.Offers(protocol.MethodUserPass) {
		return protocol.MethodUserPass
	}
	if g.Offers(protocol.MethodNoAuth) && (m.Auth == nil || !m.RequireAuth) {
		return protocol.MethodNoAuth
	}
	return protocol.MethodNoAcceptable
}

func (m *Machine) onAuth(c *Connection, b []byte) (int, Action, error) {
	req, n, err := protocol.DecodeAuthRequest(b)
	if err != nil {
		return m.violation(c, "auth request", err)
	}

	if m.Auth == nil || !m.Auth.Authenticate(req.Username, req.Password) {
		c.Out = protocol.AppendAuthReply(c.Out, protocol.AuthReply{Status: protocol.AuthStatusFailure})
		c.State = StateClosing
		return n, ActionClose, fmt.Errorf("%w: user %q", ErrAuthFailed, req.Username)
	}

	c.Out = protocol.AppendAuthReply(c.Out, protocol.AuthReply{Status: protocol.AuthStatusSuccess})
	c.Authenticated = true
	c.State = StateAwaitingCommand
	return n, ActionNone, nil
}

func (m *Machine) onRequest(c *Connection, b []byte) (int, Action, error) {
	req, n, err := protocol.DecodeRequest(b)
	if errors.Is(err, protocol.ErrAddressTypeNotSupported) {
		m.replyAndClose(c, protocol.RepAddressTypeNotSupported)
		return 0, ActionClose, fmt.Errorf("request: %w", err)
	}
	if err != nil {
		return m.violation(c, "request", err)
	}

	c.Target = req.Addr
	if req.Command != protocol.CmdConnect {
		m.replyAndClose(c, protocol.RepCommandNotSupported)
		return n, ActionClose, fmt.Errorf("%w: %#02x", ErrCommandNotSupported, req.Command)
	}

	c.State = StateResolving
	return n, ActionResolve, nil
}

// violation handles a decode result. Incomplete input is passed through so
// Advance can wait for more bytes; anything else closes the connection.
func (m *Machine) violation(c *Connection, what string, err error) (int, Action, error) {
	if errors.Is(err, protocol.ErrIncomplete) {
		return 0, ActionNone, err
	}
	c.State = StateClosing
	return 0, ActionClose, fmt.Errorf("%s: %w", what, err)
}

// Resolved records the upstream endpoint and moves to Connecting.
func (m *Machine) Resolved(c *Connection, ep netip.AddrPort) {
	c.Endpoint = ep
	c.State = StateConnecting
}

// ResolveFailed answers host unreachable and closes.
func (m *Machine) ResolveFailed(c *Connection, err error) {
	m.replyAndClose(c, protocol.RepHostUnreachable)
}

// ConnectSucceeded answers success with the upstream socket's local address
// and moves to Relaying.
func (m *Machine) ConnectSucceeded(c *Connection, bound netip.AddrPort) {
	// IP addresses always encode.
	c.Out, _ = protocol.AppendReply(c.Out, protocol.Reply{
		Code: protocol.RepSucceeded,
		Addr: protocol.AddrFromAddrPort(bound),
	})
	c.State = StateRelaying
}

// ConnectFailed answers with the reply code matching err and closes.
func (m *Machine) ConnectFailed(c *Connection, err error) {
	m.replyAndClose(c, ReplyCode(err))
}

// Abort moves c to Closing and drops any unsent negotiation output.
func (m *Machine) Abort(c *Connection) {
	c.Out = nil
	c.State = StateClosing
}

func (m *Machine) replyAndClose(c *Connection, code byte) {
	zero := netip.IPv4Unspecified()
	if c.Target.Type() == protocol.ATYPIPv6 {
		zero = netip.IPv6Unspecified()
	}
	c.Out, _ = protocol.AppendReply(c.Out, protocol.Reply{Code: code, Addr: protocol.Addr{IP: zero}})
	c.State = StateClosing
}

// ReplyCode maps an upstream connect error to a SOCKS5 reply code.
func ReplyCode(err error) byte {
	switch {
	case err == nil:
		return protocol.RepSucceeded
	case errors.Is(err, unix.ECONNREFUSED):
		return protocol.RepConnectionRefused
	case errors.Is(err, unix.ENETUNREACH):
		return protocol.RepNetworkUnreachable
	case errors.Is(err, unix.EHOSTUNREACH), errors.Is(err, unix.ETIMEDOUT):
		return protocol.RepHostUnreachable
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return protocol.RepNotAllowed
	default:
		return protocol.RepGeneralFailure
	}
}
