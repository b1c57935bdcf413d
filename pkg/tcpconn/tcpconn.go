// Package tcpconn implements TcpConnection (spec §4.B): lifecycle plus a
// duplex byte stream over one accepted or dialed socket, grounded on
// share/socket_conn.go's SocketConn / BasicConn, generalized from a single
// synchronous net.Conn wrapper into the explicit CONNECTING/CONNECTED/CLOSED
// state machine and HandlerQueue-backed streams spec.md mandates.
package tcpconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"

	"github.com/sammck-go/socksrelay/internal/fut"
	"github.com/sammck-go/socksrelay/pkg/model"
	"github.com/sammck-go/socksrelay/pkg/queue"
)

var lastID int64

// allocID returns the next monotonically increasing connection id, of the
// form "N<n>", or "N<n>.A<socketID>" when wrapping an already-accepted
// socket (spec §3 TcpConnection Identity).
func allocID(socketID int64, adopted bool) string {
	n := atomic.AddInt64(&lastID, 1)
	if adopted {
		return fmt.Sprintf("N%d.A%d", n, socketID)
	}
	return fmt.Sprintf("N%d", n)
}

// ErrInvalidConstruction is returned when a TcpConnection is built with
// neither or both of the Adopt/Dial variants supplied (spec §4.B).
var ErrInvalidConstruction = errors.New("tcpconn: exactly one of Adopt or Dial must be supplied")

// Option configures New.
type Option func(*options)

type options struct {
	adopted     net.Conn
	socketID    int64
	dialTarget  *model.Endpoint
	startPaused bool
}

// WithAdopt wraps an already-accepted socket. socketID is used only to build
// the connection's logging id.
func WithAdopt(conn net.Conn, socketID int64) Option {
	return func(o *options) {
		o.adopted = conn
		o.socketID = socketID
	}
}

// WithDial opens a new connection to target.
func WithDial(target model.Endpoint) Option {
	return func(o *options) {
		o.dialTarget = &target
	}
}

// WithStartPaused causes a dialed connection to remain paused after connect
// instead of automatically resuming (spec §4.B).
func WithStartPaused() Option {
	return func(o *options) { o.startPaused = true }
}

// TcpConnection is the lifecycle + duplex byte stream described by spec §4.B.
type TcpConnection struct {
	asyncobj.Helper

	id string

	mu        sync.Mutex
	state     model.ConnectionState
	conn      net.Conn
	paused    bool
	resumeCh  chan struct{}
	closeKind model.SocketCloseKind

	inbound  *queue.HandlerQueue[[]byte, struct{}]
	outbound *queue.HandlerQueue[[]byte, model.WriteInfo]

	onceConnected *fut.Future[model.ConnectionInfo]
	onceClosedFut *fut.Future[model.SocketCloseKind]

	readLoopWG sync.WaitGroup
}

// New constructs a TcpConnection from exactly one of WithAdopt or WithDial.
func New(ctx context.Context, log logger.Logger, opts ...Option) (*TcpConnection, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	c := &TcpConnection{
		inbound:       queue.New[[]byte, struct{}](),
		outbound:      queue.New[[]byte, model.WriteInfo](),
		onceConnected: fut.New[model.ConnectionInfo](),
		onceClosedFut: fut.New[model.SocketCloseKind](),
	}

	if (o.adopted == nil) == (o.dialTarget == nil) {
		// Neither or both variants were supplied: this is a configuration
		// error (spec §7, error kind 1). The connection goes straight to
		// ERROR/NEVER_CONNECTED without ever having a net.Conn to own.
		c.id = allocID(0, false)
		c.state = model.Error
		c.closeKind = model.NeverConnected
		l := log.ForkLogf("%s", c.id)
		c.Helper.InitHelper(l, c)
		c.onceConnected.Reject(ErrInvalidConstruction)
		c.Helper.StartShutdown(ErrInvalidConstruction)
		return c, ErrInvalidConstruction
	}

	if o.adopted != nil {
		c.id = allocID(o.socketID, true)
		c.conn = o.adopted
		c.state = model.Connected
		l := log.ForkLogf("%s", c.id)
		c.Helper.InitHelper(l, c)
		info := connectionInfo(c.conn)
		c.onceConnected.Resolve(info)
		c.installWriteHandler()
		c.startReadLoop()
		return c, nil
	}

	c.id = allocID(0, false)
	l := log.ForkLogf("%s", c.id)
	c.Helper.InitHelper(l, c)
	c.state = model.Connecting

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", o.dialTarget.String())
	if err != nil {
		c.mu.Lock()
		c.state = model.Error
		c.closeKind = model.NeverConnected
		c.mu.Unlock()
		wrapped := l.Errorf("dial %s failed: %s", o.dialTarget, err)
		c.onceConnected.Reject(wrapped)
		c.Helper.StartShutdown(wrapped)
		return c, wrapped
	}

	// Pause immediately upon connect, before any handler can be installed:
	// on some transports inbound data can otherwise arrive in the window
	// between connect completion and the caller installing a handler. We
	// hold the read loop off until Resume() (or immediately, below, unless
	// the caller asked to start paused).
	c.mu.Lock()
	c.conn = conn
	c.paused = true
	c.resumeCh = make(chan struct{})
	c.state = model.Connected
	c.mu.Unlock()

	info := connectionInfo(conn)
	c.onceConnected.Resolve(info)
	c.installWriteHandler()
	c.startReadLoop()

	if !o.startPaused {
		c.Resume()
	}

	return c, nil
}

func connectionInfo(conn net.Conn) model.ConnectionInfo {
	var info model.ConnectionInfo
	if la := conn.LocalAddr(); la != nil {
		if ep, ok := parseEndpoint(la.String()); ok {
			info.Bound = &ep
		}
	}
	if ra := conn.RemoteAddr(); ra != nil {
		if ep, ok := parseEndpoint(ra.String()); ok {
			info.Remote = &ep
		}
	}
	return info
}

func parseEndpoint(addr string) (model.Endpoint, bool) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return model.Endpoint{}, false
	}
	var p uint16
	if _, err := fmt.Sscanf(port, "%d", &p); err != nil {
		return model.Endpoint{}, false
	}
	return model.Endpoint{Address: host, Port: p}, true
}

// ID returns the connection's unique logging identity.
func (c *TcpConnection) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *TcpConnection) State() model.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsClosed reports whether the connection has reached CLOSED. Invariant (i)
// of spec §3: IsClosed() <=> state == CLOSED.
func (c *TcpConnection) IsClosed() bool {
	return c.State() == model.Closed
}

// OnceConnected resolves once the connection reaches CONNECTED (delivering
// its ConnectionInfo) or fails.
func (c *TcpConnection) OnceConnected() (model.ConnectionInfo, error) {
	return c.onceConnected.Wait()
}

// OnceConnectedDone exposes the future's Done channel for select-based
// callers.
func (c *TcpConnection) OnceConnectedDone() <-chan struct{} {
	return c.onceConnected.Done()
}

// OnceClosed resolves exactly once with the SocketCloseKind describing how
// the connection ended.
func (c *TcpConnection) OnceClosed() model.SocketCloseKind {
	k, _ := c.onceClosedFut.Wait()
	return k
}

// OnceClosedDone exposes the future's Done channel for select-based callers.
func (c *TcpConnection) OnceClosedDone() <-chan struct{} {
	return c.onceClosedFut.Done()
}

// installWriteHandler wires the outbound queue's handler to the raw socket
// write primitive. Writes offered before this point (i.e. before
// OnceConnected fulfills) are buffered in the queue and flushed here, in
// offer order.
func (c *TcpConnection) installWriteHandler() {
	_ = c.outbound.SetSyncHandler(func(buf []byte) (model.WriteInfo, error) {
		c.mu.Lock()
		conn := c.conn
		closed := c.state == model.Closed
		c.mu.Unlock()
		if closed || conn == nil {
			return model.WriteInfo{}, io.ErrClosedPipe
		}
		n, err := conn.Write(buf)
		return model.WriteInfo{N: n}, err
	})
}

// Send queues buf for write and returns a channel yielding the write result.
// Sends offered prior to connect completing are buffered and delivered in
// order once the connection is established.
func (c *TcpConnection) Send(buf []byte) <-chan model.WriteInfo {
	out := make(chan model.WriteInfo, 1)
	go func() {
		res, err := c.outbound.HandleWait(buf)
		if err != nil {
			out <- model.WriteInfo{}
		} else {
			out <- res
		}
	}()
	return out
}

// ReceiveNext returns the next inbound buffer, once one is available. A
// zero-length buffer signals the connection has closed.
func (c *TcpConnection) ReceiveNext() <-chan []byte {
	out := make(chan []byte, 1)
	ch := c.inbound.SetSyncNextHandler(func(buf []byte) (struct{}, error) {
		out <- buf
		return struct{}{}, nil
	})
	go func() { <-ch }()
	return out
}

// Pause stops delivering inbound data until Resume is called.
func (c *TcpConnection) Pause() {
	c.mu.Lock()
	if !c.paused {
		c.paused = true
		c.resumeCh = make(chan struct{})
	}
	c.mu.Unlock()
}

// Resume resumes delivery of inbound data after Pause (or after the
// pause-on-connect window for dialed connections).
func (c *TcpConnection) Resume() {
	c.mu.Lock()
	if c.paused {
		c.paused = false
		close(c.resumeCh)
	}
	c.mu.Unlock()
}

func (c *TcpConnection) startReadLoop() {
	c.readLoopWG.Add(1)
	go c.readLoop()
}

func (c *TcpConnection) readLoop() {
	defer c.readLoopWG.Done()
	buf := make([]byte, 32*1024)
	for {
		c.mu.Lock()
		paused := c.paused
		resumeCh := c.resumeCh
		conn := c.conn
		c.mu.Unlock()
		if paused {
			select {
			case <-resumeCh:
				continue
			case <-c.Helper.ShutdownDoneChan():
				return
			}
		}
		if conn == nil {
			return
		}
		n, err := conn.Read(buf)
		if n > 0 {
			cp := make([]byte, n)
			copy(cp, buf[:n])
			c.inbound.Handle(cp)
		}
		if err != nil {
			c.handleDisconnect(err)
			return
		}
	}
}

// handleDisconnect classifies a read error into a SocketCloseKind and begins
// shutdown. Re-entrance (a second disconnect while already CLOSED) is
// logged and ignored, matching spec §4.B.
func (c *TcpConnection) handleDisconnect(err error) {
	c.mu.Lock()
	if c.state == model.Closed {
		c.mu.Unlock()
		c.DLogf("disconnect event after already closed, ignoring: %s", err)
		return
	}
	kind := model.Unknown
	if errors.Is(err, io.EOF) {
		kind = model.RemotelyClosed
	}
	c.closeKind = kind
	c.mu.Unlock()
	c.Helper.StartShutdown(err)
}

// Close is idempotent: if not already closed, it requests the socket to
// close and returns the eventual SocketCloseKind.
func (c *TcpConnection) Close() model.SocketCloseKind {
	c.mu.Lock()
	if c.state != model.Closed && c.closeKind == model.Unknown {
		c.closeKind = model.WeClosedIt
	}
	c.mu.Unlock()
	c.Helper.StartShutdown(nil)
	return c.OnceClosed()
}

// HandleOnceShutdown implements asyncobj.ShutdownHandler. It is invoked
// exactly once: stop and clear the outbound queue, destroy the socket, set
// state to CLOSED, then fulfill onceClosed.
func (c *TcpConnection) HandleOnceShutdown(completionErr error) error {
	c.outbound.StopHandling()
	c.outbound.Clear()

	c.mu.Lock()
	conn := c.conn
	kind := c.closeKind
	if kind == model.Unknown {
		kind = model.WeClosedIt
	}
	c.state = model.Closed
	c.closeKind = kind
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	if completionErr == nil {
		completionErr = err
	}

	c.readLoopWG.Wait()

	// Deliver a zero-length buffer to whoever is (or will be) waiting on
	// ReceiveNext, mirroring the peerconn.DataChannel contract that a frame
	// with nil Data signals the other side closing: callers forwarding
	// bytes between a TcpConnection and a DataChannel can treat both
	// uniformly.
	c.inbound.Handle(nil)

	c.onceClosedFut.Resolve(kind)
	return completionErr
}
