// Package peerconn defines PeerConnection, the abstraction this relay uses
// for the out-of-scope "WebRTC-style data channel transport" (spec §4.F):
// one underlying transport connection multiplexing many labeled,
// independently-openable byte-stream data channels, plus an out-of-band
// signaling channel used during connection negotiation.
//
// Two implementations are provided: pkg/peerconn/sshpeer, grounded on this
// repo's own SSH-over-websocket multiplexing (share/client.go,
// share/server.go, share/ssh_conn.go), standing in for the real WebRTC data
// channel transport the spec leaves as a black box; and
// pkg/peerconn/loopback, an in-process pairing used by relay/session tests.
package peerconn

import (
	"context"

	"github.com/sammck-go/socksrelay/pkg/model"
)

// FrameKind tags a data-channel frame as carrying raw forwarded payload or
// out-of-band text (spec §3 Session entity, §6: each frame is tagged either
// `{buffer: bytes}` or `{str: text}`).
type FrameKind int

const (
	// FrameBinary carries raw forwarded TCP payload.
	FrameBinary FrameKind = iota
	// FrameText carries UTF-8 control/handshake text (JSON request/reply
	// frames during Session negotiation).
	FrameText
)

func (k FrameKind) String() string {
	if k == FrameText {
		return "TEXT"
	}
	return "BINARY"
}

// Frame is one tagged message on a DataChannel. A Frame with a nil Data
// signals the peer closed its write side, regardless of Kind.
type Frame struct {
	Kind FrameKind
	Data []byte
}

// DataChannel is one labeled, ordered, reliable tagged-frame stream
// multiplexed over a PeerConnection.
type DataChannel interface {
	// Label is the channel's identifier, agreed out of band (the SOCKS
	// session's channel label).
	Label() string

	// Send queues frame for delivery to the peer. The returned channel
	// receives exactly one WriteInfo once the send completes or fails.
	Send(frame Frame) <-chan model.WriteInfo

	// ReceiveNext returns a channel that receives the next inbound frame.
	// A Frame with a nil Data signals the peer closed its write side.
	ReceiveNext() <-chan Frame

	// Close closes the channel.
	Close() error

	// OnceClosedDone signals the channel's close.
	OnceClosedDone() <-chan struct{}
}

// PeerConnection is one multiplexed transport connection to a remote peer.
type PeerConnection interface {
	// NegotiateConnection drives the transport-level handshake (e.g. the
	// websocket upgrade + SSH key exchange) to completion.
	NegotiateConnection(ctx context.Context) error

	// OnceConnectedDone is closed once NegotiateConnection has completed
	// successfully.
	OnceConnectedDone() <-chan struct{}

	// OpenDataChannel opens a new data channel with the given label. The
	// label must be unique for the lifetime of the PeerConnection.
	OpenDataChannel(ctx context.Context, label string) (DataChannel, error)

	// IncomingDataChannels produces each data channel opened by the remote
	// peer, in arrival order.
	IncomingDataChannels() <-chan DataChannel

	// SignalsForPeer produces out-of-band signaling messages this side
	// wants delivered to the peer (used only by implementations whose
	// transport needs an external signaling side-channel; sshpeer does not
	// use this since SSH negotiates in-band).
	SignalsForPeer() <-chan []byte

	// HandleSignalFromPeer delivers a signaling message received from the
	// peer via an external channel.
	HandleSignalFromPeer(msg []byte) error

	// Close tears down the whole connection and all data channels.
	Close() error

	// OnceClosedDone signals the connection's close.
	OnceClosedDone() <-chan struct{}
}
