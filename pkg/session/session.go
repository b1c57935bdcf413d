// Package session implements Session (spec §4.D): one SOCKS5 client
// connection paired with one data channel opened on the peer connection,
// carrying the CONNECT request to the egress side and then forwarding bytes
// in both directions, counted.
//
// The data channel carries one peerconn.FrameText frame each way for the
// dial request/reply, after which it switches to peerconn.FrameBinary
// frames only. A stray non-binary frame during that steady-state phase is a
// protocol error that is logged and dropped, not a fatal one (spec §4.D).
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/logger"

	"github.com/sammck-go/socksrelay/pkg/model"
	"github.com/sammck-go/socksrelay/pkg/peerconn"
	"github.com/sammck-go/socksrelay/pkg/socks5wire"
	"github.com/sammck-go/socksrelay/pkg/tcpconn"
)

// State is the Session lifecycle state machine (spec §4.D).
type State int32

const (
	HandshakeAuth State = iota
	HandshakeRequest
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case HandshakeAuth:
		return "HANDSHAKE_AUTH"
	case HandshakeRequest:
		return "HANDSHAKE_REQUEST"
	case Ready:
		return "READY"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// dialRequest is the JSON text frame sent to the egress side once the
// client's CONNECT request has been parsed.
type dialRequest struct {
	Target model.Endpoint `json:"target"`
}

var nextLabel int64

// NextChannelLabel allocates the next monotonic data channel label ("c0",
// "c1", ...), shared across all sessions in a process.
func NextChannelLabel() string {
	n := atomic.AddInt64(&nextLabel, 1) - 1
	return fmt.Sprintf("c%d", n)
}

// Session drives one client TcpConnection through the SOCKS5 handshake and
// then forwards bytes between it and a peer data channel.
type Session struct {
	log   logger.Logger
	label string

	client *tcpconn.TcpConnection
	peer   peerconn.PeerConnection

	mu    sync.Mutex
	state State

	bytesFromClient int64
	bytesToClient   int64

	onBytesFromClient func(int64)
	onBytesToClient   func(int64)

	closeOnce sync.Once
	closed    chan struct{}
}

// SetByteCallbacks registers callbacks invoked with the length of each
// forwarded frame as it is forwarded, letting a caller (pkg/relay) maintain
// live aggregate counters instead of polling BytesFromClient/BytesToClient
// after the session closes. Must be called before Run.
func (s *Session) SetByteCallbacks(fromClient, toClient func(int64)) {
	s.onBytesFromClient = fromClient
	s.onBytesToClient = toClient
}

// New creates a Session for an already-accepted client connection.
func New(log logger.Logger, client *tcpconn.TcpConnection, peer peerconn.PeerConnection, label string) *Session {
	return &Session{
		log:    log.ForkLogf("session(%s)", label),
		label:  label,
		client: client,
		peer:   peer,
		closed: make(chan struct{}),
	}
}

// Label returns the session's data channel label.
func (s *Session) Label() string { return s.label }

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// OnceClosedDone signals the session's close.
func (s *Session) OnceClosedDone() <-chan struct{} { return s.closed }

// BytesFromClient returns the number of payload bytes forwarded client->peer.
func (s *Session) BytesFromClient() int64 { return atomic.LoadInt64(&s.bytesFromClient) }

// BytesToClient returns the number of payload bytes forwarded peer->client.
func (s *Session) BytesToClient() int64 { return atomic.LoadInt64(&s.bytesToClient) }

// Run drives the session to completion: handshake, dial negotiation, then
// forwarding until either side closes. It returns once the session is fully
// closed.
//
// Per spec §4.D, opening the data channel and running the SOCKS5 auth
// handshake happen concurrently; the request phase starts only once both
// have finished. On any failure the session simply closes the client socket
// without sending a SOCKS error reply (spec §6, §9: a documented, deliberate
// weakness carried over unchanged).
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	var dc peerconn.DataChannel
	var dcErr, authErr error

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		dc, dcErr = s.peer.OpenDataChannel(ctx, s.label)
	}()
	go func() {
		defer wg.Done()
		authErr = s.handshakeAuth()
	}()
	wg.Wait()

	if authErr != nil {
		if dc != nil {
			dc.Close()
		}
		return authErr
	}
	if dcErr != nil {
		return s.log.Errorf("failed to open data channel %s: %s", s.label, dcErr)
	}

	target, err := s.handshakeRequest()
	if err != nil {
		dc.Close()
		return err
	}

	bound, err := s.negotiateDial(dc, target)
	if err != nil {
		dc.Close()
		return err
	}

	s.client.Send(socks5wire.ComposeConnectReply(bound))
	s.setState(Ready)

	s.forward(dc)
	return nil
}

// handshakeAuth reads exactly one inbound buffer and parses it as the whole
// greeting. A greeting split across several reads is not reassembled; its
// first fragment is rejected as short. handshakeRequest does the same for the
// CONNECT request.
func (s *Session) handshakeAuth() error {
	s.setState(HandshakeAuth)
	buf := <-s.client.ReceiveNext()
	if len(buf) == 0 {
		return fmt.Errorf("session %s: client closed before greeting", s.label)
	}
	if err := socks5wire.ParseGreeting(buf); err != nil {
		s.client.Send(socks5wire.ComposeAuthReply(false))
		return s.log.Errorf("session %s: greeting rejected: %s", s.label, err)
	}
	<-s.client.Send(socks5wire.ComposeAuthReply(true))
	return nil
}

func (s *Session) handshakeRequest() (model.Endpoint, error) {
	s.setState(HandshakeRequest)
	buf := <-s.client.ReceiveNext()
	if len(buf) == 0 {
		return model.Endpoint{}, fmt.Errorf("session %s: client closed before request", s.label)
	}
	req, err := socks5wire.ParseConnectRequest(buf)
	if err != nil {
		return model.Endpoint{}, s.log.Errorf("session %s: request rejected: %s", s.label, err)
	}
	return req.Target, nil
}

// negotiateDial sends the CONNECT target as a text frame and waits for the
// egress side's reply: a bare JSON-encoded model.Endpoint carried in a text
// frame (spec §6 step 2). Dial failure on the egress side is signaled by
// closing the data channel rather than by an error payload (spec §9); that
// surfaces here as the peer-closed case below.
func (s *Session) negotiateDial(dc peerconn.DataChannel, target model.Endpoint) (model.Endpoint, error) {
	reqFrame, err := json.Marshal(dialRequest{Target: target})
	if err != nil {
		return model.Endpoint{}, err
	}
	<-dc.Send(peerconn.Frame{Kind: peerconn.FrameText, Data: reqFrame})

	frame := <-dc.ReceiveNext()
	if frame.Data == nil {
		return model.Endpoint{}, fmt.Errorf("session %s: peer closed before dial reply", s.label)
	}
	if frame.Kind != peerconn.FrameText {
		return model.Endpoint{}, fmt.Errorf("session %s: dial reply was not a text frame", s.label)
	}
	var bound model.Endpoint
	if err := json.Unmarshal(frame.Data, &bound); err != nil {
		return model.Endpoint{}, fmt.Errorf("session %s: malformed dial reply: %w", s.label, err)
	}
	return bound, nil
}

// forward runs the two byte-counted forwarders and blocks until both
// directions have ended.
func (s *Session) forward(dc peerconn.DataChannel) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for {
			buf := <-s.client.ReceiveNext()
			if len(buf) == 0 {
				dc.Close()
				return
			}
			atomic.AddInt64(&s.bytesFromClient, int64(len(buf)))
			if s.onBytesFromClient != nil {
				s.onBytesFromClient(int64(len(buf)))
			}
			if res := <-dc.Send(peerconn.Frame{Kind: peerconn.FrameBinary, Data: buf}); res.N != len(buf) {
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		for {
			frame := <-dc.ReceiveNext()
			if frame.Data == nil {
				s.client.Close()
				return
			}
			if frame.Kind != peerconn.FrameBinary {
				s.log.WLogf("session %s: dropped non-binary frame during forwarding", s.label)
				continue
			}
			atomic.AddInt64(&s.bytesToClient, int64(len(frame.Data)))
			if s.onBytesToClient != nil {
				s.onBytesToClient(int64(len(frame.Data)))
			}
			if res := <-s.client.Send(frame.Data); res.N != len(frame.Data) {
				return
			}
		}
	}()

	wg.Wait()
}

// Close idempotently closes the client connection and marks the session
// Closed. It does not close the data channel: Run closes that on its failure
// paths, and the client-to-peer forwarder closes it when the client side ends.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.client.Close()
		s.setState(Closed)
		s.log.DLogf("session %s closed (sent %s, received %s)", s.label,
			sizestr.ToString(s.BytesFromClient()), sizestr.ToString(s.BytesToClient()))
		close(s.closed)
	})
}
