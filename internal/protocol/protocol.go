// Package protocol encodes and decodes SOCKS5 (RFC 1928) and
// username/password subnegotiation (RFC 1929) messages.
//
// Decoders never block and never retain their input. Each returns the decoded
// message and the number of bytes consumed, ErrIncomplete when more bytes are
// required, or an error wrapping ErrMalformed when the bytes can never form a
// valid message.
package protocol

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
)

const (
	Version5    = 0x05
	AuthVersion = 0x01
)

// Authentication methods.
const (
	MethodNoAuth       = 0x00
	MethodUserPass     = 0x02
	MethodNoAcceptable = 0xFF
)

// Username/password subnegotiation status.
const (
	AuthStatusSuccess = 0x00
	AuthStatusFailure = 0x01
)

// Commands.
const (
	CmdConnect      = 0x01
	CmdBind         = 0x02
	CmdUDPAssociate = 0x03
)

// Address types.
const (
	ATYPIPv4   = 0x01
	ATYPDomain = 0x03
	ATYPIPv6   = 0x04
)

// Reply codes.
const (
	RepSucceeded               = 0x00
	RepGeneralFailure          = 0x01
	RepNotAllowed              = 0x02
	RepNetworkUnreachable      = 0x03
	RepHostUnreachable         = 0x04
	RepConnectionRefused       = 0x05
	RepTTLExpired              = 0x06
	RepCommandNotSupported     = 0x07
	RepAddressTypeNotSupported = 0x08
)

var (
	// ErrIncomplete means the buffer holds a valid prefix of a message.
	ErrIncomplete = errors.New("socks5: incomplete message")
	// ErrMalformed means the buffer violates the wire format.
	ErrMalformed = errors.New("socks5: malformed message")
	// ErrAddressTypeNotSupported is a malformed request whose ATYP is unknown.
	ErrAddressTypeNotSupported = fmt.Errorf("%w: address type not supported", ErrMalformed)
	// ErrFieldTooLong is returned by encoders when a length-prefixed field
	// does not fit in one byte.
	ErrFieldTooLong = errors.New("socks5: field exceeds 255 bytes")
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Addr is a SOCKS5 address. Exactly one of IP or Host is set.
type Addr struct {
	IP   netip.Addr
	Host string
	Port uint16
}

// Type returns the ATYP used to encode a.
func (a Addr) Type() byte {
	switch {
	case a.IP.Is4():
		return ATYPIPv4
	case a.IP.IsValid():
		return ATYPIPv6
	default:
		return ATYPDomain
	}
}

func (a Addr) String() string {
	if a.IP.IsValid() {
		return netip.AddrPortFrom(a.IP, a.Port).String()
	}
	return a.Host + ":" + strconv.Itoa(int(a.Port))
}

// AddrFromAddrPort converts a bound socket address into a reply address.
func AddrFromAddrPort(ap netip.AddrPort) Addr {
	ip := ap.Addr()
	if ip.Is4In6() {
		ip = ip.Unmap()
	}
	return Addr{IP: ip, Port: ap.Port()}
}

// Greeting is the client's method negotiation request.
type Greeting struct {
	Methods []byte
}

// Offers reports whether the client offered method m.
func (g Greeting) Offers(m byte) bool {
	for _, v := range g.Methods {
		if v == m {
			return true
		}
	}
	return false
}

// MethodSelection is the server's answer to a Greeting.
type MethodSelection struct {
	Method byte
}

// AuthRequest is the RFC 1929 username/password request.
type AuthRequest struct {
	Username []byte
	Password []byte
}

// AuthReply is the RFC 1929 status reply.
type AuthReply struct {
	Status byte
}

// Request is a client command request.
type Request struct {
	Command byte
	Addr    Addr
}

// Reply is the server's answer to a Request.
type Reply struct {
	Code byte
	Addr Addr
}
