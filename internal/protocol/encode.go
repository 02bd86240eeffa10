package protocol

import (
	"encoding/binary"
)

// AppendGreeting appends the wire form of g to b.
func AppendGreeting(b []byte, g Greeting) ([]byte, error) {
	if len(g.Methods) == 0 {
		return b, malformed("greeting offers no methods")
	}
	if len(g.Methods) > 255 {
		return b, ErrFieldTooLong
	}
	b = append(b, Version5, byte(len(g.Methods)))
	return append(b, g.Methods...), nil
}

// AppendMethodSelection appends [VER][METHOD] to b.
func AppendMethodSelection(b []byte, m MethodSelection) []byte {
	return append(b, Version5, m.Method)
}

// AppendAuthRequest appends the RFC 1929 request to b.
func AppendAuthRequest(b []byte, r AuthRequest) ([]byte, error) {
	if len(r.Username) > 255 || len(r.Password) > 255 {
		return b, ErrFieldTooLong
	}
	b = append(b, AuthVersion, byte(len(r.Username)))
	b = append(b, r.Username...)
	b = append(b, byte(len(r.Password)))
	return append(b, r.Password...), nil
}

// AppendAuthReply appends [VER=1][STATUS] to b.
func AppendAuthReply(b []byte, r AuthReply) []byte {
	return append(b, AuthVersion, r.Status)
}

// AppendRequest appends the wire form of r to b.
func AppendRequest(b []byte, r Request) ([]byte, error) {
	return appendCommandFrame(b, r.Command, r.Addr)
}

// AppendReply appends the wire form of r to b.
func AppendReply(b []byte, r Reply) ([]byte, error) {
	return appendCommandFrame(b, r.Code, r.Addr)
}

func appendCommandFrame(b []byte, code byte, a Addr) ([]byte, error) {
	if !a.IP.IsValid() {
		if a.Host == "" {
			return b, malformed("empty domain name")
		}
		if len(a.Host) > 255 {
			return b, ErrFieldTooLong
		}
	}
	b = append(b, Version5, code, 0x00, a.Type())
	switch a.Type() {
	case ATYPIPv4:
		ip := a.IP.As4()
		b = append(b, ip[:]...)
	case ATYPIPv6:
		ip := a.IP.As16()
		b = append(b, ip[:]...)
	default:
		b = append(b, byte(len(a.Host)))
		b = append(b, a.Host...)
	}
	return binary.BigEndian.AppendUint16(b, a.Port), nil
}
