// Package model holds the small data types shared across the relay's
// components (spec §3: DATA MODEL) so that pkg/tcpconn, pkg/session,
// pkg/peerconn and pkg/socks5wire don't need to import one another just to
// agree on what an Endpoint or a SocketCloseKind is.
package model

import "fmt"

// Endpoint addresses a TCP host:port on either side of the tunnel. It is
// used both for bound/listening addresses and for SOCKS targets.
type Endpoint struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Address, e.Port)
}

// ConnectionInfo carries the local and peer addresses of an established TCP
// connection. Either field may be nil if unavailable.
type ConnectionInfo struct {
	Bound  *Endpoint
	Remote *Endpoint
}

// SocketCloseKind classifies why a socket's lifetime ended. Exactly one
// value is emitted per socket, exactly once.
type SocketCloseKind int

const (
	// Unknown is the zero value; it should not normally be observed.
	Unknown SocketCloseKind = iota
	// WeClosedIt means the local side initiated the close.
	WeClosedIt
	// RemotelyClosed means the peer closed the connection (EOF / FIN).
	RemotelyClosed
	// NeverConnected means the socket never reached CONNECTED, e.g. dial
	// failure or construction with an invalid variant.
	NeverConnected
)

func (k SocketCloseKind) String() string {
	switch k {
	case WeClosedIt:
		return "WE_CLOSED_IT"
	case RemotelyClosed:
		return "REMOTELY_CLOSED"
	case NeverConnected:
		return "NEVER_CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// ConnectionState is the lifecycle state machine for a TcpConnection:
// CONNECTING -> CONNECTED -> CLOSED, CONNECTING -> ERROR, CONNECTED -> ERROR.
// ERROR and CLOSED are terminal.
type ConnectionState int32

const (
	Connecting ConnectionState = iota
	Connected
	Closed
	Error
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Closed:
		return "CLOSED"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// WriteInfo is the result of a single queued write: the number of bytes
// written. It carries no error; a failed write reports fewer bytes than were
// offered.
type WriteInfo struct {
	N int
}
