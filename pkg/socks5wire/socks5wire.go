// Package socks5wire implements the minimal subset of RFC 1928 this relay
// needs: NOAUTH negotiation and the CONNECT command, assuming each message
// arrives as a single unfragmented read (spec §4.B/§4.D Open Question:
// fragmentation is not reassembled here; callers that hand socks5wire a
// short read will get ErrShortBuffer and must wait for more data).
//
// This is deliberately not built on github.com/armon/go-socks5: that
// library owns the whole accept-dial-relay lifecycle behind ServeConn, which
// cannot be interleaved with a concurrent peer data-channel open the way
// pkg/session needs (see DESIGN.md).
package socks5wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/sammck-go/socksrelay/pkg/model"
)

const (
	version5  = 0x05
	authNone  = 0x00
	authNoAcceptable = 0xFF

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	replySucceeded      = 0x00
	replyGeneralFailure = 0x01
	replyCmdNotSupported = 0x07
	replyAtypNotSupported = 0x08
)

// ErrShortBuffer means buf did not yet contain a complete message; the
// caller should accumulate more bytes and retry. socks5wire does not
// reassemble fragments itself.
var ErrShortBuffer = errors.New("socks5wire: short buffer, need more data")

// ErrUnsupportedVersion means the first byte was not 0x05.
var ErrUnsupportedVersion = errors.New("socks5wire: unsupported protocol version")

// ErrNoAcceptableAuth means the client's greeting did not offer NOAUTH.
var ErrNoAcceptableAuth = errors.New("socks5wire: client did not offer NOAUTH")

// ErrUnsupportedCommand means the request used something other than CONNECT.
var ErrUnsupportedCommand = errors.New("socks5wire: only CONNECT is supported")

// ParseGreeting parses a client's method-selection message:
// VER(1) NMETHODS(1) METHODS(NMETHODS).
// Returns ErrNoAcceptableAuth if NOAUTH (0x00) is not among the offered
// methods.
func ParseGreeting(buf []byte) error {
	if len(buf) < 2 {
		return ErrShortBuffer
	}
	if buf[0] != version5 {
		return ErrUnsupportedVersion
	}
	n := int(buf[1])
	if len(buf) < 2+n {
		return ErrShortBuffer
	}
	for _, m := range buf[2 : 2+n] {
		if m == authNone {
			return nil
		}
	}
	return ErrNoAcceptableAuth
}

// ComposeAuthReply composes the 2-byte method-selection reply. ok selects
// NOAUTH (0x00) vs NO ACCEPTABLE METHODS (0xFF).
func ComposeAuthReply(ok bool) []byte {
	if ok {
		return []byte{version5, authNone}
	}
	return []byte{version5, authNoAcceptable}
}

// ConnectRequest is a parsed CONNECT request.
type ConnectRequest struct {
	Target model.Endpoint
}

// ParseConnectRequest parses a client request:
// VER(1) CMD(1) RSV(1) ATYP(1) DST.ADDR(var) DST.PORT(2).
// Only CMD==CONNECT is accepted; BIND and UDP ASSOCIATE return
// ErrUnsupportedCommand.
func ParseConnectRequest(buf []byte) (ConnectRequest, error) {
	if len(buf) < 4 {
		return ConnectRequest{}, ErrShortBuffer
	}
	if buf[0] != version5 {
		return ConnectRequest{}, ErrUnsupportedVersion
	}
	if buf[1] != cmdConnect {
		return ConnectRequest{}, ErrUnsupportedCommand
	}
	atyp := buf[3]
	rest := buf[4:]

	var addr string
	var addrLen int
	switch atyp {
	case atypIPv4:
		if len(rest) < 4+2 {
			return ConnectRequest{}, ErrShortBuffer
		}
		addr = net.IP(rest[:4]).String()
		addrLen = 4
	case atypIPv6:
		if len(rest) < 16+2 {
			return ConnectRequest{}, ErrShortBuffer
		}
		addr = net.IP(rest[:16]).String()
		addrLen = 16
	case atypDomain:
		if len(rest) < 1 {
			return ConnectRequest{}, ErrShortBuffer
		}
		n := int(rest[0])
		if len(rest) < 1+n+2 {
			return ConnectRequest{}, ErrShortBuffer
		}
		addr = string(rest[1 : 1+n])
		addrLen = 1 + n
	default:
		return ConnectRequest{}, fmt.Errorf("socks5wire: unsupported address type 0x%02x", atyp)
	}

	port := binary.BigEndian.Uint16(rest[addrLen : addrLen+2])
	return ConnectRequest{Target: model.Endpoint{Address: addr, Port: port}}, nil
}

// ComposeConnectReply composes the success reply carrying bound, the address
// CONNECT actually bound to on the egress side: 10 bytes for an IPv4 address,
// 22 for IPv6. Per RFC 1928 this field is frequently ignored by clients, but
// is composed faithfully here; only an address that is not an IP literal is
// sent as 0.0.0.0.
func ComposeConnectReply(bound model.Endpoint) []byte {
	return composeReply(replySucceeded, bound)
}

func composeReply(rep byte, ep model.Endpoint) []byte {
	ip := net.ParseIP(ep.Address)
	var atyp byte
	var addrBytes []byte
	if ip4 := ip.To4(); ip != nil && ip4 != nil {
		atyp = atypIPv4
		addrBytes = ip4
	} else if ip != nil {
		atyp = atypIPv6
		addrBytes = ip.To16()
	} else {
		atyp = atypIPv4
		addrBytes = []byte{0, 0, 0, 0}
	}
	out := make([]byte, 0, 6+len(addrBytes))
	out = append(out, version5, rep, 0x00, atyp)
	out = append(out, addrBytes...)
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, ep.Port)
	out = append(out, portBytes...)
	return out
}
