package session

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/sammck-go/logger"

	"github.com/sammck-go/socksrelay/pkg/model"
	"github.com/sammck-go/socksrelay/pkg/peerconn"
	"github.com/sammck-go/socksrelay/pkg/peerconn/loopback"
	"github.com/sammck-go/socksrelay/pkg/tcpconn"
)

func testLogger(t *testing.T) logger.Logger {
	lg, err := logger.New(logger.WithPrefix(t.Name()), logger.WithLogLevel(logger.LogLevelError))
	if err != nil {
		t.Fatalf("logger.New() returned error: %s", err)
	}
	return lg
}

func TestSessionHappyPath(t *testing.T) {
	clientSide, egressSide := loopback.NewPair()

	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	log := testLogger(t)
	tc, err := tcpconn.New(context.Background(), log, tcpconn.WithAdopt(clientConn, 1))
	if err != nil {
		t.Fatal(err)
	}

	label := NextChannelLabel()
	sess := New(log, tc, clientSide, label)

	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()

	go func() {
		dc := <-egressSide.IncomingDataChannels()
		frame := <-dc.ReceiveNext()
		var req dialRequest
		json.Unmarshal(frame.Data, &req)
		reply, _ := json.Marshal(model.Endpoint{Address: "127.0.0.1", Port: 9999})
		<-dc.Send(peerconn.Frame{Kind: peerconn.FrameText, Data: reply})
		for {
			in := <-dc.ReceiveNext()
			if in.Data == nil {
				return
			}
			<-dc.Send(peerconn.Frame{Kind: peerconn.FrameBinary, Data: in.Data})
		}
	}()

	// Client-side SOCKS5 handshake over serverConn (the test's view of the
	// socket the client connected to).
	serverConn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := serverConn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	authReply := make([]byte, 2)
	if _, err := serverConn.Read(authReply); err != nil {
		t.Fatal(err)
	}
	if authReply[1] != 0x00 {
		t.Fatalf("expected NOAUTH accepted, got %v", authReply)
	}

	req := []byte{0x05, 0x01, 0x00, 0x01, 93, 184, 216, 34, 0x01, 0xBB}
	if _, err := serverConn.Write(req); err != nil {
		t.Fatal(err)
	}
	connReply := make([]byte, 10)
	if _, err := serverConn.Read(connReply); err != nil {
		t.Fatal(err)
	}
	if connReply[1] != 0x00 {
		t.Fatalf("expected CONNECT success, got %v", connReply)
	}

	if _, err := serverConn.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	echoBuf := make([]byte, 5)
	if _, err := serverConn.Read(echoBuf); err != nil {
		t.Fatal(err)
	}
	if string(echoBuf) != "hello" {
		t.Fatalf("expected echo of 'hello', got %q", echoBuf)
	}

	serverConn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not complete after client closed")
	}
	if sess.State() != Closed {
		t.Fatalf("expected Closed, got %s", sess.State())
	}
}

// TestSessionClosesWithoutReplyOnMalformedDialReply covers spec §8 scenario
// 3: a peer that replies to the dial request with a buffer frame instead of
// a text frame must not produce a SOCKS success reply; the session simply
// closes the client socket (spec §6, §9).
func TestSessionClosesWithoutReplyOnMalformedDialReply(t *testing.T) {
	clientSide, egressSide := loopback.NewPair()

	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	log := testLogger(t)
	tc, err := tcpconn.New(context.Background(), log, tcpconn.WithAdopt(clientConn, 1))
	if err != nil {
		t.Fatal(err)
	}

	label := NextChannelLabel()
	sess := New(log, tc, clientSide, label)

	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()

	go func() {
		dc := <-egressSide.IncomingDataChannels()
		<-dc.ReceiveNext()
		<-dc.Send(peerconn.Frame{Kind: peerconn.FrameBinary, Data: []byte("not json text")})
	}()

	serverConn.SetDeadline(time.Now().Add(2 * time.Second))
	serverConn.Write([]byte{0x05, 0x01, 0x00})
	authReply := make([]byte, 2)
	if _, err := serverConn.Read(authReply); err != nil {
		t.Fatal(err)
	}

	req := []byte{0x05, 0x01, 0x00, 0x01, 93, 184, 216, 34, 0x01, 0xBB}
	serverConn.Write(req)

	buf := make([]byte, 1)
	if n, err := serverConn.Read(buf); n != 0 || err == nil {
		t.Fatalf("expected socket to close without a SOCKS reply, got n=%d err=%v", n, err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session never completed")
	}
	if sess.State() != Closed {
		t.Fatalf("expected Closed, got %s", sess.State())
	}
}

// TestSessionDropsNonBinaryFrameDuringForwarding covers the spec §4.D
// steady-state rule: once forwarding has started, a stray non-binary frame
// from the peer is a protocol error that is logged and dropped, not a
// reason to close the session.
func TestSessionDropsNonBinaryFrameDuringForwarding(t *testing.T) {
	clientSide, egressSide := loopback.NewPair()

	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	log := testLogger(t)
	tc, err := tcpconn.New(context.Background(), log, tcpconn.WithAdopt(clientConn, 1))
	if err != nil {
		t.Fatal(err)
	}

	label := NextChannelLabel()
	sess := New(log, tc, clientSide, label)

	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()

	go func() {
		dc := <-egressSide.IncomingDataChannels()
		<-dc.ReceiveNext()
		reply, _ := json.Marshal(model.Endpoint{Address: "127.0.0.1", Port: 9999})
		<-dc.Send(peerconn.Frame{Kind: peerconn.FrameText, Data: reply})

		// A stray text frame mid-stream must be dropped, not treated as
		// forwardable payload and not treated as fatal.
		<-dc.Send(peerconn.Frame{Kind: peerconn.FrameText, Data: []byte("control chatter")})

		in := <-dc.ReceiveNext()
		<-dc.Send(peerconn.Frame{Kind: peerconn.FrameBinary, Data: in.Data})
	}()

	serverConn.SetDeadline(time.Now().Add(2 * time.Second))
	serverConn.Write([]byte{0x05, 0x01, 0x00})
	authReply := make([]byte, 2)
	serverConn.Read(authReply)

	req := []byte{0x05, 0x01, 0x00, 0x01, 93, 184, 216, 34, 0x01, 0xBB}
	serverConn.Write(req)
	connReply := make([]byte, 10)
	if _, err := serverConn.Read(connReply); err != nil {
		t.Fatal(err)
	}

	serverConn.Write([]byte("hello"))
	echoBuf := make([]byte, 5)
	if _, err := serverConn.Read(echoBuf); err != nil {
		t.Fatal(err)
	}
	if string(echoBuf) != "hello" {
		t.Fatalf("expected echo of 'hello' despite the interleaved control frame, got %q", echoBuf)
	}

	serverConn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not complete after client closed")
	}
}
