package tcpserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sammck-go/logger"

	"github.com/sammck-go/socksrelay/pkg/model"
	"github.com/sammck-go/socksrelay/pkg/tcpconn"
)

func testLogger(t *testing.T) logger.Logger {
	lg, err := logger.New(logger.WithPrefix(t.Name()), logger.WithLogLevel(logger.LogLevelError))
	if err != nil {
		t.Fatalf("logger.New() returned error: %s", err)
	}
	return lg
}

func TestListenAndAccept(t *testing.T) {
	s := New(testLogger(t), model.Endpoint{Address: "127.0.0.1", Port: 0}, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Listen(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Shutdown()

	ep, err := s.OnceListening()
	if err != nil {
		t.Fatal(err)
	}
	if ep.Port == 0 {
		t.Fatal("expected a resolved non-zero port")
	}

	accepted := make(chan struct{})
	s.ConnectionsQueue().SetSyncHandler(func(tc *tcpconn.TcpConnection) (struct{}, error) {
		close(accepted)
		return struct{}{}, nil
	})

	conn, err := net.Dial("tcp", ep.String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was never delivered to the connections queue")
	}

	if s.ConnectionsCount() != 1 {
		t.Fatalf("expected 1 registered connection, got %d", s.ConnectionsCount())
	}
}

func TestMaxConnectionsDropsExcess(t *testing.T) {
	s := New(testLogger(t), model.Endpoint{Address: "127.0.0.1", Port: 0}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Listen(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Shutdown()
	ep, _ := s.OnceListening()

	var handled int32
	s.ConnectionsQueue().SetSyncHandler(func(tc *tcpconn.TcpConnection) (struct{}, error) {
		handled++
		return struct{}{}, nil
	})

	c1, err := net.Dial("tcp", ep.String())
	if err != nil {
		t.Fatal(err)
	}
	defer c1.Close()
	time.Sleep(100 * time.Millisecond)

	c2, err := net.Dial("tcp", ep.String())
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()

	// c2 should be immediately closed by the server once it is over the cap.
	c2.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := c2.Read(buf); err == nil {
		t.Fatal("expected the second connection to be dropped")
	}

	if s.ConnectionsCount() != 1 {
		t.Fatalf("expected exactly 1 registered connection, got %d", s.ConnectionsCount())
	}
}

func TestShutdownOrderStopsListeningThenClosesAll(t *testing.T) {
	s := New(testLogger(t), model.Endpoint{Address: "127.0.0.1", Port: 0}, 0)
	ctx := context.Background()
	if err := s.Listen(ctx); err != nil {
		t.Fatal(err)
	}
	ep, _ := s.OnceListening()

	s.ConnectionsQueue().SetSyncHandler(func(tc *tcpconn.TcpConnection) (struct{}, error) {
		return struct{}{}, nil
	})

	conn, err := net.Dial("tcp", ep.String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	time.Sleep(100 * time.Millisecond)

	s.Shutdown()

	if !s.IsShutdown() {
		t.Fatal("expected server to report shutdown complete")
	}
	if _, err := net.Dial("tcp", ep.String()); err == nil {
		t.Fatal("expected listener to be closed after shutdown")
	}
	if s.ConnectionsCount() != 0 {
		t.Fatalf("expected all connections closed, got %d remaining", s.ConnectionsCount())
	}
}

// TestListenBindFailureResolvesNeverConnected covers spec §8 scenario 5:
// binding a port already in use must reject Listen and resolve onceShutdown
// with NeverConnected, deterministically, without relying on unspecified
// asyncobj.Helper internal behavior.
func TestListenBindFailureResolvesNeverConnected(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer occupied.Close()

	addr := occupied.Addr().(*net.TCPAddr)
	s := New(testLogger(t), model.Endpoint{Address: "127.0.0.1", Port: uint16(addr.Port)}, 0)

	if err := s.Listen(context.Background()); err == nil {
		t.Fatal("expected Listen to fail on an already-bound port")
	}

	select {
	case <-s.OnceShutdownDone():
	case <-time.After(2 * time.Second):
		t.Fatal("onceShutdown never resolved after a listen failure")
	}

	if kind := s.OnceShutdown(); kind != model.NeverConnected {
		t.Fatalf("expected NeverConnected, got %s", kind)
	}
}
