package socks5wire

import (
	"bytes"
	"testing"

	"github.com/sammck-go/socksrelay/pkg/model"
)

func TestParseGreetingAcceptsNoAuth(t *testing.T) {
	buf := []byte{0x05, 0x02, 0x00, 0x02}
	if err := ParseGreeting(buf); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
}

func TestParseGreetingRejectsMissingNoAuth(t *testing.T) {
	buf := []byte{0x05, 0x01, 0x02}
	if err := ParseGreeting(buf); err != ErrNoAcceptableAuth {
		t.Fatalf("expected ErrNoAcceptableAuth, got %v", err)
	}
}

func TestParseGreetingShort(t *testing.T) {
	if err := ParseGreeting([]byte{0x05}); err != ErrShortBuffer {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}

func TestComposeAuthReply(t *testing.T) {
	if got := ComposeAuthReply(true); !bytes.Equal(got, []byte{0x05, 0x00}) {
		t.Fatalf("unexpected reply: %v", got)
	}
	if got := ComposeAuthReply(false); !bytes.Equal(got, []byte{0x05, 0xFF}) {
		t.Fatalf("unexpected reply: %v", got)
	}
}

func TestParseConnectRequestIPv4(t *testing.T) {
	buf := []byte{0x05, 0x01, 0x00, 0x01, 93, 184, 216, 34, 0x01, 0xBB}
	req, err := ParseConnectRequest(buf)
	if err != nil {
		t.Fatal(err)
	}
	if req.Target.Address != "93.184.216.34" || req.Target.Port != 443 {
		t.Fatalf("unexpected target: %+v", req.Target)
	}
}

func TestParseConnectRequestDomain(t *testing.T) {
	name := "example.com"
	buf := append([]byte{0x05, 0x01, 0x00, 0x03, byte(len(name))}, []byte(name)...)
	buf = append(buf, 0x00, 0x50)
	req, err := ParseConnectRequest(buf)
	if err != nil {
		t.Fatal(err)
	}
	if req.Target.Address != name || req.Target.Port != 80 {
		t.Fatalf("unexpected target: %+v", req.Target)
	}
}

func TestParseConnectRequestRejectsBind(t *testing.T) {
	buf := []byte{0x05, 0x02, 0x00, 0x01, 1, 2, 3, 4, 0x00, 0x50}
	if _, err := ParseConnectRequest(buf); err != ErrUnsupportedCommand {
		t.Fatalf("expected ErrUnsupportedCommand, got %v", err)
	}
}

func TestParseConnectRequestShort(t *testing.T) {
	buf := []byte{0x05, 0x01, 0x00, 0x01, 1, 2}
	if _, err := ParseConnectRequest(buf); err != ErrShortBuffer {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}

func TestComposeConnectReplyRoundtrips(t *testing.T) {
	ep := model.Endpoint{Address: "10.0.0.5", Port: 1080}
	reply := ComposeConnectReply(ep)
	if len(reply) != 10 {
		t.Fatalf("expected 10-byte reply, got %d", len(reply))
	}
	got, err := ParseConnectRequest(append([]byte{reply[0], 0x01, reply[2]}, reply[3:]...))
	if err != nil {
		t.Fatal(err)
	}
	if got.Target != ep {
		t.Fatalf("roundtrip mismatch: %+v != %+v", got.Target, ep)
	}
}
