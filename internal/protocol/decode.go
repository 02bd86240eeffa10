package protocol

import (
	"encoding/binary"
	"net/netip"
)

// DecodeGreeting decodes [VER][NMETHODS][METHODS...].
func DecodeGreeting(b []byte) (Greeting, int, error) {
	if err := checkVersion(b, Version5); err != nil {
		return Greeting{}, 0, err
	}
	if len(b) < 2 {
		return Greeting{}, 0, ErrIncomplete
	}
	n := int(b[1])
	if n == 0 {
		return Greeting{}, 0, malformed("greeting offers no methods")
	}
	if len(b) < 2+n {
		return Greeting{}, 0, ErrIncomplete
	}
	methods := make([]byte, n)
	copy(methods, b[2:2+n])
	return Greeting{Methods: methods}, 2 + n, nil
}

// DecodeMethodSelection decodes [VER][METHOD].
func DecodeMethodSelection(b []byte) (MethodSelection, int, error) {
	if err := checkVersion(b, Version5); err != nil {
		return MethodSelection{}, 0, err
	}
	if len(b) < 2 {
		return MethodSelection{}, 0, ErrIncomplete
	}
	return MethodSelection{Method: b[1]}, 2, nil
}

// DecodeAuthRequest decodes [VER=1][ULEN][UNAME][PLEN][PASSWD].
func DecodeAuthRequest(b []byte) (AuthRequest, int, error) {
	if err := checkVersion(b, AuthVersion); err != nil {
		return AuthRequest{}, 0, err
	}
	if len(b) < 2 {
		return AuthRequest{}, 0, ErrIncomplete
	}
	ulen := int(b[1])
	plenAt := 2 + ulen
	if len(b) < plenAt+1 {
		return AuthRequest{}, 0, ErrIncomplete
	}
	plen := int(b[plenAt])
	end := plenAt + 1 + plen
	if len(b) < end {
		return AuthRequest{}, 0, ErrIncomplete
	}
	req := AuthRequest{
		Username: append([]byte{}, b[2:plenAt]...),
		Password: append([]byte{}, b[plenAt+1:end]...),
	}
	return req, end, nil
}

// DecodeAuthReply decodes [VER=1][STATUS].
func DecodeAuthReply(b []byte) (AuthReply, int, error) {
	if err := checkVersion(b, AuthVersion); err != nil {
		return AuthReply{}, 0, err
	}
	if len(b) < 2 {
		return AuthReply{}, 0, ErrIncomplete
	}
	return AuthReply{Status: b[1]}, 2, nil
}

// DecodeRequest decodes [VER][CMD][RSV][ATYP][DST.ADDR][DST.PORT].
//
// The command byte is not validated; deciding which commands are supported is
// left to the caller so it can answer with the proper reply code.
func DecodeRequest(b []byte) (Request, int, error) {
	cmd, addr, n, err := decodeCommandFrame(b)
	if err != nil {
		return Request{}, 0, err
	}
	return Request{Command: cmd, Addr: addr}, n, nil
}

// DecodeReply decodes [VER][REP][RSV][ATYP][BND.ADDR][BND.PORT].
func DecodeReply(b []byte) (Reply, int, error) {
	rep, addr, n, err := decodeCommandFrame(b)
	if err != nil {
		return Reply{}, 0, err
	}
	return Reply{Code: rep, Addr: addr}, n, nil
}

func decodeCommandFrame(b []byte) (byte, Addr, int, error) {
	if err := checkVersion(b, Version5); err != nil {
		return 0, Addr{}, 0, err
	}
	if len(b) >= 3 && b[2] != 0x00 {
		return 0, Addr{}, 0, malformed("reserved byte is %#02x", b[2])
	}
	if len(b) < 4 {
		return 0, Addr{}, 0, ErrIncomplete
	}
	addr, n, err := decodeAddr(b[3:])
	if err != nil {
		return 0, Addr{}, 0, err
	}
	return b[1], addr, 3 + n, nil
}

// decodeAddr decodes [ATYP][ADDR][PORT].
func decodeAddr(b []byte) (Addr, int, error) {
	var (
		addr Addr
		end  int
	)
	switch b[0] {
	case ATYPIPv4:
		end = 1 + 4
		if len(b) < end+2 {
			return Addr{}, 0, ErrIncomplete
		}
		addr.IP = netip.AddrFrom4([4]byte(b[1:end]))
	case ATYPIPv6:
		end = 1 + 16
		if len(b) < end+2 {
			return Addr{}, 0, ErrIncomplete
		}
		addr.IP = netip.AddrFrom16([16]byte(b[1:end]))
	case ATYPDomain:
		if len(b) < 2 {
			return Addr{}, 0, ErrIncomplete
		}
		l := int(b[1])
		if l == 0 {
			return Addr{}, 0, malformed("empty domain name")
		}
		end = 2 + l
		if len(b) < end+2 {
			return Addr{}, 0, ErrIncomplete
		}
		addr.Host = string(b[2:end])
	default:
		return Addr{}, 0, ErrAddressTypeNotSupported
	}
	addr.Port = binary.BigEndian.Uint16(b[end : end+2])
	return addr, end + 2, nil
}

func checkVersion(b []byte, want byte) error {
	if len(b) == 0 {
		return ErrIncomplete
	}
	if b[0] != want {
		return malformed("version %#02x, want %#02x", b[0], want)
	}
	return nil
}
