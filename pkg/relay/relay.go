// Package relay implements Relay (spec §4.E): the composition root owning
// one TcpServer and one PeerConnection, turning each accepted client
// connection into a Session keyed by its data channel label, and
// aggregating byte counters across all sessions.
//
// Grounded on share/server.go's Server (owns httpServer + sshConfig +
// sessions map) and share/client.go's Client (owns sshConn + loopServer),
// generalized into a single role-agnostic composition root since this
// relay's "server" role is just a TcpServer, not an HTTP/SSH listener.
package relay

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sammck-go/logger"

	"github.com/sammck-go/socksrelay/pkg/model"
	"github.com/sammck-go/socksrelay/pkg/peerconn"
	"github.com/sammck-go/socksrelay/pkg/session"
	"github.com/sammck-go/socksrelay/pkg/tcpconn"
	"github.com/sammck-go/socksrelay/pkg/tcpserver"
)

// controlChannelLabel is reserved and never routed to a Session (spec §4.E).
const controlChannelLabel = "_control_"

// Relay owns the client-facing TcpServer and the PeerConnection to the
// egress side, and drives one Session per accepted client connection.
type Relay struct {
	log        logger.Logger
	instanceID uuid.UUID
	server     *tcpserver.TcpServer
	peer       peerconn.PeerConnection

	mu       sync.Mutex
	sessions map[string]*session.Session

	bytesFromClients int64
	bytesToClients   int64

	onceReady   chan struct{}
	readyOnce   sync.Once
	onceStopped chan struct{}
	stopOnce    sync.Once
}

// New creates a Relay. The server is bound by Run, not here.
func New(log logger.Logger, server *tcpserver.TcpServer, peer peerconn.PeerConnection) *Relay {
	id := uuid.New()
	return &Relay{
		log:         log.ForkLogf("relay(%s)", id.String()),
		instanceID:  id,
		server:      server,
		peer:        peer,
		sessions:    make(map[string]*session.Session),
		onceReady:   make(chan struct{}),
		onceStopped: make(chan struct{}),
	}
}

// BytesFromClients returns the number of payload bytes received from all
// client connections combined.
func (r *Relay) BytesFromClients() int64 { return atomic.LoadInt64(&r.bytesFromClients) }

// BytesToClients returns the number of payload bytes sent to all client
// connections combined.
func (r *Relay) BytesToClients() int64 { return atomic.LoadInt64(&r.bytesToClients) }

// InstanceID uniquely identifies this Relay instance in logs, mirroring
// Patrick-DE-proxyblob's use of a per-process uuid for correlating log lines
// across a relay's lifetime.
func (r *Relay) InstanceID() uuid.UUID { return r.instanceID }

// SessionCount returns the number of currently active sessions.
func (r *Relay) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// OnceReadyDone signals once both the TcpServer is listening and the peer
// connection has negotiated.
func (r *Relay) OnceReadyDone() <-chan struct{} { return r.onceReady }

// OnceStoppedDone signals the relay has fully stopped.
func (r *Relay) OnceStoppedDone() <-chan struct{} { return r.onceStopped }

// Run brings the relay up the way spec §4.E's onceReady = all(server.listen(),
// peerConnection.onceConnected) mandates: listening on the TcpServer and
// negotiating the PeerConnection run concurrently, and onceReady only
// resolves once both have succeeded. It then installs the connections-queue
// handler that spawns a Session per accepted connection and signals
// onceReady, then blocks until ctx is canceled or the peer connection
// closes, at which point it stops the TcpServer and waits for every Session
// to finish.
func (r *Relay) Run(ctx context.Context) error {
	var listenErr, peerErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		listenErr = r.server.Listen(ctx)
	}()
	go func() {
		defer wg.Done()
		peerErr = r.peer.NegotiateConnection(ctx)
	}()
	wg.Wait()

	if listenErr != nil {
		if peerErr == nil {
			r.peer.Close()
		}
		return listenErr
	}
	if peerErr != nil {
		r.server.Shutdown()
		return peerErr
	}

	r.server.ConnectionsQueue().SetSyncHandler(func(tc *tcpconn.TcpConnection) (struct{}, error) {
		r.acceptSession(ctx, tc)
		return struct{}{}, nil
	})

	go r.drainUnsolicitedDataChannels()

	r.readyOnce.Do(func() { close(r.onceReady) })

	select {
	case <-ctx.Done():
	case <-r.peer.OnceClosedDone():
	case <-r.server.OnceShutdownDone():
	}

	r.Stop()
	return nil
}

func (r *Relay) acceptSession(ctx context.Context, tc *tcpconn.TcpConnection) {
	label := session.NextChannelLabel()
	sess := session.New(r.log, tc, r.peer, label)
	sess.SetByteCallbacks(
		func(n int64) { atomic.AddInt64(&r.bytesFromClients, n) },
		func(n int64) { atomic.AddInt64(&r.bytesToClients, n) },
	)

	r.mu.Lock()
	r.sessions[label] = sess
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.sessions, label)
			r.mu.Unlock()
		}()
		sess.Run(ctx)
	}()
}

// drainUnsolicitedDataChannels discards every data channel the peer opens
// towards us: on the client side of this relay, a Session always opens its
// own data channel rather than waiting for one to arrive, so an incoming
// channel here is either the reserved control label or a stale/malicious
// peer message (spec §4.E).
func (r *Relay) drainUnsolicitedDataChannels() {
	for dc := range r.peer.IncomingDataChannels() {
		if dc.Label() != controlChannelLabel {
			r.log.WLogf("discarding unsolicited data channel %q", dc.Label())
		}
		dc.Close()
	}
}

// Stop shuts down the TcpServer, closes the PeerConnection, and waits for
// every active Session to finish. Idempotent.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		r.server.Shutdown()
		r.peer.Close()

		for {
			r.mu.Lock()
			var sess *session.Session
			for _, s := range r.sessions {
				sess = s
				break
			}
			r.mu.Unlock()
			if sess == nil {
				break
			}
			<-sess.OnceClosedDone()
		}

		close(r.onceStopped)
	})
}

// ConnectionInfo mirrors the bound client endpoint once the server is
// listening, for status reporting (cmd/socksrelay).
func (r *Relay) ConnectionInfo() model.Endpoint {
	return r.server.Endpoint()
}
