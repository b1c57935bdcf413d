// Package loopback provides an in-process PeerConnection pairing, grounded
// on share/loop_skeleton_endpoint.go and share/loop_stub_endpoint.go's
// in-memory pairing of two endpoints without a real network transport. It
// is used by pkg/session and pkg/relay tests, and stands in for the real
// transport in single-process demos.
package loopback

import (
	"context"
	"fmt"
	"sync"

	"github.com/sammck-go/socksrelay/pkg/model"
	"github.com/sammck-go/socksrelay/pkg/peerconn"
	"github.com/sammck-go/socksrelay/pkg/queue"
)

// NewPair returns two PeerConnections, each other's peer: a data channel
// opened on one side arrives as an incoming data channel on the other.
func NewPair() (peerconn.PeerConnection, peerconn.PeerConnection) {
	a := newConn()
	b := newConn()
	a.peer = b
	b.peer = a
	return a, b
}

type conn struct {
	mu       sync.Mutex
	peer     *conn
	channels map[string]*channel
	incoming chan peerconn.DataChannel
	closed   chan struct{}
	connected chan struct{}
}

func newConn() *conn {
	return &conn{
		channels:  make(map[string]*channel),
		incoming:  make(chan peerconn.DataChannel, 16),
		closed:    make(chan struct{}),
		connected: make(chan struct{}),
	}
}

func (c *conn) NegotiateConnection(ctx context.Context) error {
	select {
	case <-c.connected:
	default:
		close(c.connected)
	}
	return nil
}

func (c *conn) OnceConnectedDone() <-chan struct{} { return c.connected }

func (c *conn) OpenDataChannel(ctx context.Context, label string) (peerconn.DataChannel, error) {
	c.mu.Lock()
	if _, exists := c.channels[label]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("loopback: duplicate data channel label %q", label)
	}
	local := newChannel(label)
	c.channels[label] = local
	peer := c.peer
	c.mu.Unlock()

	remote := newChannel(label)
	local.remote = remote
	remote.remote = local

	peer.mu.Lock()
	peer.channels[label] = remote
	peer.mu.Unlock()
	select {
	case peer.incoming <- remote:
	default:
		go func() { peer.incoming <- remote }()
	}
	return local, nil
}

func (c *conn) IncomingDataChannels() <-chan peerconn.DataChannel { return c.incoming }

// SignalsForPeer is unused: loopback wires peers directly in-process.
func (c *conn) SignalsForPeer() <-chan []byte { return nil }

// HandleSignalFromPeer is unused for the same reason.
func (c *conn) HandleSignalFromPeer(msg []byte) error { return nil }

func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return nil
	default:
	}
	close(c.closed)
	for _, ch := range c.channels {
		ch.Close()
	}
	return nil
}

func (c *conn) OnceClosedDone() <-chan struct{} { return c.closed }

type channel struct {
	label   string
	remote  *channel
	inbound *queue.HandlerQueue[peerconn.Frame, struct{}]
	mu      sync.Mutex
	closed  chan struct{}
}

func newChannel(label string) *channel {
	return &channel{
		label:   label,
		inbound: queue.New[peerconn.Frame, struct{}](),
		closed:  make(chan struct{}),
	}
}

func (ch *channel) Label() string { return ch.label }

func (ch *channel) Send(frame peerconn.Frame) <-chan model.WriteInfo {
	result := make(chan model.WriteInfo, 1)
	cp := peerconn.Frame{Kind: frame.Kind, Data: append([]byte(nil), frame.Data...)}
	go func() {
		_, err := ch.remote.inbound.HandleWait(cp)
		if err != nil {
			result <- model.WriteInfo{N: 0}
			return
		}
		result <- model.WriteInfo{N: len(cp.Data)}
	}()
	return result
}

func (ch *channel) ReceiveNext() <-chan peerconn.Frame {
	out := make(chan peerconn.Frame, 1)
	resultCh := ch.inbound.SetSyncNextHandler(func(frame peerconn.Frame) (struct{}, error) {
		out <- frame
		return struct{}{}, nil
	})
	go func() {
		select {
		case <-resultCh:
		case <-ch.closed:
			select {
			case out <- peerconn.Frame{}:
			default:
			}
		}
	}()
	return out
}

func (ch *channel) Close() error {
	ch.mu.Lock()
	select {
	case <-ch.closed:
		ch.mu.Unlock()
		return nil
	default:
	}
	close(ch.closed)
	ch.inbound.Clear()
	ch.mu.Unlock()
	// Closing either end closes its pair, so the other side's ReceiveNext
	// observes the close.
	if ch.remote != nil {
		ch.remote.Close()
	}
	return nil
}

func (ch *channel) OnceClosedDone() <-chan struct{} { return ch.closed }
