// Package tcpserver implements TcpServer (spec §4.C): bind, accept, a
// per-server connection registry, max-connections admission, and graceful
// shutdown, grounded on share/http_server.go's ListenAndServe/Shutdown
// pairing and share/server.go's DoOnceActivate-guarded startup, generalized
// from net/http's own accept-loop (which chshare.HTTPServer gets for free
// from net/http.Server) to a raw TCP accept loop with its own registry.
package tcpserver

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"

	"github.com/sammck-go/socksrelay/internal/fut"
	"github.com/sammck-go/socksrelay/pkg/model"
	"github.com/sammck-go/socksrelay/pkg/queue"
	"github.com/sammck-go/socksrelay/pkg/tcpconn"
)

// DefaultMaxConnections is the default admission bound (spec §4.C).
const DefaultMaxConnections = 1048576

// ErrAlreadyListening is returned by Listen if called more than once.
var ErrAlreadyListening = errors.New("tcpserver: Listen called more than once")

// TcpServer accepts SOCKS5 client connections and admits them into a
// registry bounded by MaxConnections.
type TcpServer struct {
	asyncobj.Helper

	log            logger.Logger
	endpoint       model.Endpoint
	maxConnections int

	mu         sync.Mutex
	listener   net.Listener
	registry   map[int64]*tcpconn.TcpConnection
	nextSockID int64
	listening  bool

	connectionsQueue *queue.HandlerQueue[*tcpconn.TcpConnection, struct{}]

	onceListening *fut.Future[model.Endpoint]
	onceShutdown  *fut.Future[model.SocketCloseKind]
}

// New creates a TcpServer bound (once Listen is called) to endpoint, with
// the given admission bound (DefaultMaxConnections if maxConnections <= 0).
func New(log logger.Logger, endpoint model.Endpoint, maxConnections int) *TcpServer {
	if maxConnections <= 0 {
		maxConnections = DefaultMaxConnections
	}
	s := &TcpServer{
		endpoint:         endpoint,
		maxConnections:   maxConnections,
		registry:         make(map[int64]*tcpconn.TcpConnection),
		connectionsQueue: queue.New[*tcpconn.TcpConnection, struct{}](),
		onceListening:    fut.New[model.Endpoint](),
		onceShutdown:     fut.New[model.SocketCloseKind](),
	}
	s.log = log.ForkLogf("tcpserver(%s)", endpoint)
	s.Helper.InitHelper(s.log, s)
	return s
}

// ConnectionsQueue produces each accepted connection, in accept order.
func (s *TcpServer) ConnectionsQueue() *queue.HandlerQueue[*tcpconn.TcpConnection, struct{}] {
	return s.connectionsQueue
}

// OnceListening resolves with the server's actual bound endpoint (post
// ephemeral-port resolution) once Listen succeeds.
func (s *TcpServer) OnceListening() (model.Endpoint, error) {
	return s.onceListening.Wait()
}

// OnceListeningDone exposes the future's Done channel.
func (s *TcpServer) OnceListeningDone() <-chan struct{} { return s.onceListening.Done() }

// OnceShutdown resolves once shutdown completes, with the SocketCloseKind of
// the listening socket's own disconnect.
func (s *TcpServer) OnceShutdown() model.SocketCloseKind {
	k, _ := s.onceShutdown.Wait()
	return k
}

// OnceShutdownDone exposes the future's Done channel.
func (s *TcpServer) OnceShutdownDone() <-chan struct{} { return s.onceShutdown.Done() }

// Endpoint returns the server's endpoint. Before Listen resolves this is the
// configured endpoint (which may have port 0); afterwards it is the actual
// bound endpoint.
func (s *TcpServer) Endpoint() model.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// ConnectionsCount returns the number of connections currently registered.
func (s *TcpServer) ConnectionsCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.registry)
}

// Connections returns a snapshot slice of currently registered connections.
func (s *TcpServer) Connections() []*tcpconn.TcpConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*tcpconn.TcpConnection, 0, len(s.registry))
	for _, c := range s.registry {
		out = append(out, c)
	}
	return out
}

// IsListening reports whether Listen has completed successfully.
func (s *TcpServer) IsListening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

// IsShutdown reports whether shutdown has completed.
func (s *TcpServer) IsShutdown() bool {
	return s.onceShutdown.IsDone()
}

// SetMaxConnections updates the admission bound in place, for config
// hot-reload (internal/config.Watcher). It does not evict already-admitted
// connections if lowered.
func (s *TcpServer) SetMaxConnections(n int) {
	if n <= 0 {
		n = DefaultMaxConnections
	}
	s.mu.Lock()
	s.maxConnections = n
	s.mu.Unlock()
}

// Listen binds and begins accepting. It may be called at most once.
func (s *TcpServer) Listen(ctx context.Context) error {
	if s.onceListening.IsDone() {
		return ErrAlreadyListening
	}
	return s.Helper.DoOnceActivate(func() error {
		ln, err := net.Listen("tcp", s.endpoint.String())
		if err != nil {
			werr := s.log.Errorf("listen failed: %s", err)
			s.onceListening.Reject(werr)
			s.Helper.StartShutdown(werr)
			return werr
		}
		s.mu.Lock()
		s.listener = ln
		if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
			s.endpoint = model.Endpoint{Address: tcpAddr.IP.String(), Port: uint16(tcpAddr.Port)}
		}
		s.listening = true
		resolved := s.endpoint
		s.mu.Unlock()

		s.onceListening.Resolve(resolved)
		s.Helper.ShutdownOnContext(ctx)
		go s.acceptLoop(ln)
		return nil
	}, true)
}

func (s *TcpServer) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			// The listening socket's own disconnect drives onceShutdown.
			s.Helper.StartShutdown(err)
			return
		}
		s.mu.Lock()
		count := len(s.registry)
		max := s.maxConnections
		s.mu.Unlock()
		if count >= max {
			s.log.WLogf("max connections (%d) reached, dropping new connection from %s", max, conn.RemoteAddr())
			conn.Close()
			continue
		}

		s.mu.Lock()
		sockID := s.nextSockID
		s.nextSockID++
		s.mu.Unlock()

		tc, err := tcpconn.New(context.Background(), s.log, tcpconn.WithAdopt(conn, sockID))
		if err != nil {
			s.log.WLogf("failed to wrap accepted socket: %s", err)
			continue
		}

		s.mu.Lock()
		s.registry[sockID] = tc
		s.mu.Unlock()

		go func() {
			tc.OnceClosed()
			s.mu.Lock()
			delete(s.registry, sockID)
			s.mu.Unlock()
		}()

		s.connectionsQueue.Handle(tc)
	}
}

// StopListening closes (and destroys) only the listening socket.
func (s *TcpServer) StopListening() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

// CloseAll closes every registered connection and waits for all of them.
func (s *TcpServer) CloseAll() {
	for _, c := range s.Connections() {
		c.Close()
	}
}

// Shutdown is StopListening then CloseAll, in that mandatory order: the
// listening socket must close before connections are iterated, otherwise
// new arrivals race with closure (spec §4.C).
func (s *TcpServer) Shutdown() {
	s.Helper.StartShutdown(nil)
	s.onceShutdown.Wait()
}

// HandleOnceShutdown implements asyncobj.ShutdownHandler.
func (s *TcpServer) HandleOnceShutdown(completionErr error) error {
	err := s.StopListening()
	s.CloseAll()

	kind := model.WeClosedIt
	if !s.IsListening() {
		kind = model.NeverConnected
	} else if completionErr != nil {
		kind = model.Unknown
	}
	s.onceShutdown.Resolve(kind)

	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}
