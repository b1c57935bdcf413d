// Package sshpeer implements PeerConnection over an SSH connection (RFC
// 4251-4254) multiplexed through a gorilla/websocket connection, grounded on
// share/client.go's SSH-client-over-websocket dial, share/server.go's
// websocket Upgrade + ssh.NewServerConn accept, and share/ssh_conn.go's
// ssh.Channel wrapping. This stands in for the spec's WebRTC-style data
// channel transport: one underlying connection, many independently-opened
// ordered reliable byte streams, here implemented as SSH channels instead of
// WebRTC data channels.
//
// Every data channel is opened as an SSH channel of type
// "relay-data-channel" whose extra-data payload is the JSON-encoded label; the peer's
// IncomingDataChannels is fed by ssh.NewChannel.ChannelType()/ExtraData()
// on each inbound ssh.NewChannel.
package sshpeer

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/md5"
	"crypto/rand"
	"crypto/x509"
	"encoding/binary"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/ssh"

	"github.com/sammck-go/logger"

	"github.com/sammck-go/socksrelay/pkg/model"
	"github.com/sammck-go/socksrelay/pkg/peerconn"
	"github.com/sammck-go/socksrelay/pkg/queue"
)

const channelType = "relay-data-channel"

// GenerateHostKey generates a fresh ECDSA P-256 host key for a server-side
// Conn, mirroring share/ssh.go's GenerateKey (minus the deterministic-seed
// option, which only existed to make chisel's tests reproducible).
func GenerateHostKey() (ssh.Signer, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	b, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("sshpeer: unable to marshal host key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: b})
	return ssh.ParsePrivateKey(pemBytes)
}

// FingerprintHostKey returns a stable fingerprint string for a host key's
// public key, mirroring share/ssh.go's FingerprintKey.
func FingerprintHostKey(k ssh.PublicKey) string {
	sum := md5.Sum(k.Marshal())
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}

// protocolVersion is advertised in the SSH client/server version strings,
// mirroring share/ssh.go's ProtocolVersion handshake pin.
const protocolVersion = "socksrelay-v1"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn adapts a *websocket.Conn to the net.Conn-shaped ssh.Conn transport
// requirement by framing each SSH packet as one websocket binary message,
// the same framing share/client.go and share/server.go rely on implicitly
// via gorilla/websocket's io.ReadWriteCloser wrapping.
type wsConn struct {
	*websocket.Conn
	reader *wsReader
}

func newWsConn(c *websocket.Conn) *wsConn {
	return &wsConn{Conn: c, reader: &wsReader{conn: c}}
}

func (w *wsConn) Read(p []byte) (int, error)  { return w.reader.Read(p) }
func (w *wsConn) Write(p []byte) (int, error) { return len(p), w.Conn.WriteMessage(websocket.BinaryMessage, p) }
func (w *wsConn) SetDeadline(t time.Time) error {
	_ = w.Conn.SetReadDeadline(t)
	return w.Conn.SetWriteDeadline(t)
}

type wsReader struct {
	conn *websocket.Conn
	buf  []byte
}

func (r *wsReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		_, msg, err := r.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		r.buf = msg
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// Conn is a sshpeer PeerConnection.
type Conn struct {
	log logger.Logger

	ws        *websocket.Conn
	sshConn   ssh.Conn
	newChans  <-chan ssh.NewChannel
	reqs      <-chan *ssh.Request

	mu        sync.Mutex
	connected chan struct{}
	closed    chan struct{}
	incoming  chan peerconn.DataChannel
	closeOnce sync.Once
}

// DialClient dials url as a websocket and negotiates an SSH client
// connection over it, authenticating with user/pass (mirroring
// share/client.go's ssh.ClientConfig construction).
func DialClient(ctx context.Context, log logger.Logger, url string, user, pass string) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, log.Errorf("websocket dial failed: %s", err)
	}
	transport := newWsConn(ws)

	sshConfig := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(pass)},
		ClientVersion:   "SSH-2.0-" + protocolVersion,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(transport, "", sshConfig)
	if err != nil {
		ws.Close()
		return nil, log.Errorf("ssh handshake failed: %s", err)
	}
	return newConn(log, ws, sshConn, chans, reqs), nil
}

// ServerConfig configures AcceptServer.
type ServerConfig struct {
	HostKey  ssh.Signer
	Users    map[string]string // username -> password
}

// AcceptServer upgrades an inbound HTTP request to a websocket and accepts
// an SSH server connection over it (mirroring share/server.go's Upgrade +
// ssh.NewServerConn pairing).
func AcceptServer(ctx context.Context, log logger.Logger, w http.ResponseWriter, r *http.Request, cfg ServerConfig) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, log.Errorf("websocket upgrade failed: %s", err)
	}
	transport := newWsConn(ws)

	sshConfig := &ssh.ServerConfig{
		ServerVersion: "SSH-2.0-" + protocolVersion,
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if want, ok := cfg.Users[conn.User()]; ok && want == string(password) {
				return nil, nil
			}
			return nil, fmt.Errorf("sshpeer: authentication rejected for user %q", conn.User())
		},
	}
	sshConfig.AddHostKey(cfg.HostKey)

	sshConn, chans, reqs, err := ssh.NewServerConn(transport, sshConfig)
	if err != nil {
		ws.Close()
		return nil, log.Errorf("ssh handshake failed: %s", err)
	}
	return newConn(log, ws, sshConn, chans, reqs), nil
}

func newConn(log logger.Logger, ws *websocket.Conn, sshConn ssh.Conn, chans <-chan ssh.NewChannel, reqs <-chan *ssh.Request) *Conn {
	c := &Conn{
		log:       log.ForkLogf("sshpeer"),
		ws:        ws,
		sshConn:   sshConn,
		newChans:  chans,
		reqs:      reqs,
		connected: make(chan struct{}),
		closed:    make(chan struct{}),
		incoming:  make(chan peerconn.DataChannel, 16),
	}
	close(c.connected)
	go ssh.DiscardRequests(reqs)
	go c.acceptLoop()
	return c
}

func (c *Conn) acceptLoop() {
	for nc := range c.newChans {
		if nc.ChannelType() != channelType {
			nc.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		var label string
		if err := json.Unmarshal(nc.ExtraData(), &label); err != nil {
			nc.Reject(ssh.ConnectionFailed, "malformed channel label")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			c.log.WLogf("failed to accept incoming data channel %q: %s", label, err)
			continue
		}
		go ssh.DiscardRequests(requests)
		c.incoming <- newDataChannel(c.log, label, ch)
	}
	c.Close()
}

// NegotiateConnection is a no-op: the SSH handshake already completed
// synchronously during DialClient/AcceptServer.
func (c *Conn) NegotiateConnection(ctx context.Context) error { return nil }

// OnceConnectedDone implements PeerConnection.
func (c *Conn) OnceConnectedDone() <-chan struct{} { return c.connected }

// OpenDataChannel implements PeerConnection.
func (c *Conn) OpenDataChannel(ctx context.Context, label string) (peerconn.DataChannel, error) {
	extra, err := json.Marshal(label)
	if err != nil {
		return nil, err
	}
	ch, requests, err := c.sshConn.OpenChannel(channelType, extra)
	if err != nil {
		return nil, c.log.Errorf("failed to open data channel %q: %s", label, err)
	}
	go ssh.DiscardRequests(requests)
	return newDataChannel(c.log, label, ch), nil
}

// IncomingDataChannels implements PeerConnection.
func (c *Conn) IncomingDataChannels() <-chan peerconn.DataChannel { return c.incoming }

// SignalsForPeer is unused: SSH negotiates entirely in-band over the same
// websocket connection used for data channels.
func (c *Conn) SignalsForPeer() <-chan []byte { return nil }

// HandleSignalFromPeer is unused for the same reason.
func (c *Conn) HandleSignalFromPeer(msg []byte) error { return nil }

// Close implements PeerConnection.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.sshConn.Close()
		c.ws.Close()
	})
	return nil
}

// OnceClosedDone implements PeerConnection.
func (c *Conn) OnceClosedDone() <-chan struct{} { return c.closed }

// dataChannel wraps an ssh.Channel as a peerconn.DataChannel, mirroring
// share/ssh_conn.go's SSHConn read/write/close wrapping.
//
// ssh.Channel is a raw byte stream with no message boundaries, but
// peerconn.Frame needs both a tag (binary vs text, spec §3/§6) and a
// boundary per frame. Each frame is therefore written as a 1-byte kind tag,
// a 4-byte big-endian length, and the payload; readLoop reverses this to
// recover discrete Frame values.
type dataChannel struct {
	log     logger.Logger
	label   string
	ch      ssh.Channel
	inbound *queue.HandlerQueue[peerconn.Frame, struct{}]
	closed  chan struct{}
	once    sync.Once
}

func newDataChannel(log logger.Logger, label string, ch ssh.Channel) *dataChannel {
	dc := &dataChannel{
		log:     log.ForkLogf("datachannel(%s)", label),
		label:   label,
		ch:      ch,
		inbound: queue.New[peerconn.Frame, struct{}](),
		closed:  make(chan struct{}),
	}
	go dc.readLoop()
	return dc
}

func readFull(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}

func (dc *dataChannel) readLoop() {
	header := make([]byte, 5)
	for {
		if err := readFull(dc.ch, header); err != nil {
			dc.inbound.HandleWait(peerconn.Frame{})
			dc.Close()
			return
		}
		kind := peerconn.FrameBinary
		if header[0] == 1 {
			kind = peerconn.FrameText
		}
		n := binary.BigEndian.Uint32(header[1:])
		payload := make([]byte, n)
		if n > 0 {
			if err := readFull(dc.ch, payload); err != nil {
				dc.inbound.HandleWait(peerconn.Frame{})
				dc.Close()
				return
			}
		}
		dc.inbound.HandleWait(peerconn.Frame{Kind: kind, Data: payload})
	}
}

func (dc *dataChannel) Label() string { return dc.label }

func (dc *dataChannel) Send(frame peerconn.Frame) <-chan model.WriteInfo {
	result := make(chan model.WriteInfo, 1)
	go func() {
		header := make([]byte, 5)
		if frame.Kind == peerconn.FrameText {
			header[0] = 1
		}
		binary.BigEndian.PutUint32(header[1:], uint32(len(frame.Data)))
		if _, err := dc.ch.Write(header); err != nil {
			dc.log.DLogf("write failed: %s", err)
			result <- model.WriteInfo{N: 0}
			return
		}
		n, err := dc.ch.Write(frame.Data)
		if err != nil {
			dc.log.DLogf("write failed: %s", err)
		}
		result <- model.WriteInfo{N: n}
	}()
	return result
}

func (dc *dataChannel) ReceiveNext() <-chan peerconn.Frame {
	out := make(chan peerconn.Frame, 1)
	dc.inbound.SetSyncNextHandler(func(frame peerconn.Frame) (struct{}, error) {
		out <- frame
		return struct{}{}, nil
	})
	return out
}

func (dc *dataChannel) Close() error {
	dc.once.Do(func() {
		close(dc.closed)
		dc.ch.Close()
		dc.inbound.Clear()
	})
	return nil
}

func (dc *dataChannel) OnceClosedDone() <-chan struct{} { return dc.closed }
