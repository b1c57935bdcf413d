package relay

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sammck-go/logger"

	"github.com/sammck-go/socksrelay/pkg/egress"
	"github.com/sammck-go/socksrelay/pkg/model"
	"github.com/sammck-go/socksrelay/pkg/peerconn"
	"github.com/sammck-go/socksrelay/pkg/peerconn/loopback"
	"github.com/sammck-go/socksrelay/pkg/tcpserver"
)

func testLogger(t *testing.T) logger.Logger {
	lg, err := logger.New(logger.WithPrefix(t.Name()), logger.WithLogLevel(logger.LogLevelError))
	if err != nil {
		t.Fatalf("logger.New() returned error: %s", err)
	}
	return lg
}

func TestRelayEndToEndSocksConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4)
		conn.Read(buf)
		conn.Write(buf)
	}()

	log := testLogger(t)
	relayPeer, egressPeer := loopback.NewPair()

	srv := tcpserver.New(log, model.Endpoint{Address: "127.0.0.1", Port: 0}, 0)
	r := New(log, srv, relayPeer)
	e := egress.New(log, egressPeer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go e.Run(ctx)
	go r.Run(ctx)

	select {
	case <-r.OnceReadyDone():
	case <-time.After(2 * time.Second):
		t.Fatal("relay never became ready")
	}

	ep := srv.Endpoint()
	conn, err := net.Dial("tcp", ep.String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	conn.Write([]byte{0x05, 0x01, 0x00})
	authReply := make([]byte, 2)
	if _, err := conn.Read(authReply); err != nil {
		t.Fatal(err)
	}

	targetAddr := ln.Addr().(*net.TCPAddr)
	req := []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, byte(targetAddr.Port >> 8), byte(targetAddr.Port)}
	conn.Write(req)
	connReply := make([]byte, 10)
	if _, err := conn.Read(connReply); err != nil {
		t.Fatal(err)
	}
	if connReply[1] != 0x00 {
		t.Fatalf("expected CONNECT success, got %v", connReply)
	}

	conn.Write([]byte("ping"))
	echo := make([]byte, 4)
	if _, err := conn.Read(echo); err != nil {
		t.Fatal(err)
	}
	if string(echo) != "ping" {
		t.Fatalf("expected echo of ping, got %q", echo)
	}

	conn.Close()

	deadline := time.After(2 * time.Second)
	for r.SessionCount() != 0 {
		select {
		case <-deadline:
			t.Fatalf("session was not removed from the registry")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if got := r.BytesFromClients(); got != 4 {
		t.Fatalf("expected 4 bytes from clients, got %d", got)
	}
	if got := r.BytesToClients(); got != 4 {
		t.Fatalf("expected 4 bytes to clients, got %d", got)
	}
}

// TestRelaySessionClosesOnMalformedPeerHandshake covers spec §8 scenario 3:
// a peer that replies to the dial request with a buffer frame instead of a
// text frame must cause the session to close without ever completing a
// SOCKS success reply to the client.
func TestRelaySessionClosesOnMalformedPeerHandshake(t *testing.T) {
	log := testLogger(t)
	relayPeer, egressPeer := loopback.NewPair()

	srv := tcpserver.New(log, model.Endpoint{Address: "127.0.0.1", Port: 0}, 0)
	r := New(log, srv, relayPeer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for dc := range egressPeer.IncomingDataChannels() {
			<-dc.ReceiveNext()
			<-dc.Send(peerconn.Frame{Kind: peerconn.FrameBinary, Data: []byte("not text")})
		}
	}()
	go r.Run(ctx)

	select {
	case <-r.OnceReadyDone():
	case <-time.After(2 * time.Second):
		t.Fatal("relay never became ready")
	}

	ep := srv.Endpoint()
	conn, err := net.Dial("tcp", ep.String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	conn.Write([]byte{0x05, 0x01, 0x00})
	authReply := make([]byte, 2)
	if _, err := conn.Read(authReply); err != nil {
		t.Fatal(err)
	}

	req := []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50}
	conn.Write(req)

	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	if n != 0 || err == nil {
		t.Fatalf("expected socket to close without a SOCKS reply, got n=%d err=%v", n, err)
	}
}

// TestRelayStopsAllSessionsOnPeerDisconnect covers spec §8 scenario 4: when
// the peer connection drops mid-stream, every active session closes and the
// relay itself stops.
func TestRelayStopsAllSessionsOnPeerDisconnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(io.Discard, conn)
	}()

	log := testLogger(t)
	relayPeer, egressPeer := loopback.NewPair()

	srv := tcpserver.New(log, model.Endpoint{Address: "127.0.0.1", Port: 0}, 0)
	r := New(log, srv, relayPeer)
	e := egress.New(log, egressPeer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go e.Run(ctx)
	go r.Run(ctx)

	select {
	case <-r.OnceReadyDone():
	case <-time.After(2 * time.Second):
		t.Fatal("relay never became ready")
	}

	ep := srv.Endpoint()
	conn, err := net.Dial("tcp", ep.String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	conn.Write([]byte{0x05, 0x01, 0x00})
	authReply := make([]byte, 2)
	if _, err := conn.Read(authReply); err != nil {
		t.Fatal(err)
	}

	targetAddr := ln.Addr().(*net.TCPAddr)
	req := []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, byte(targetAddr.Port >> 8), byte(targetAddr.Port)}
	conn.Write(req)
	connReply := make([]byte, 10)
	if _, err := conn.Read(connReply); err != nil {
		t.Fatal(err)
	}
	if connReply[1] != 0x00 {
		t.Fatalf("expected CONNECT success, got %v", connReply)
	}

	relayPeer.Close()

	select {
	case <-r.OnceStoppedDone():
	case <-time.After(2 * time.Second):
		t.Fatal("relay never stopped after peer disconnect")
	}

	buf := make([]byte, 1)
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if n, err := conn.Read(buf); n != 0 || err == nil {
		t.Fatalf("expected client socket closed after peer disconnect, got n=%d err=%v", n, err)
	}
}
