// Package egress implements the dial-out side of a session (spec §4.G): for
// every data channel the peer opens, it decodes the forwarded dial request,
// dials the target with net.Dial, replies with the bound endpoint, then
// forwards bytes until either side closes. A failed dial sends no reply; the
// channel is closed instead.
//
// This generalizes share/socks_skeleton_endpoint.go's Dial (which dials a
// Called Service on behalf of a Caller reachable only through the channel
// session) from a local SOCKS5 listener dialing through armon/go-socks5 to
// dialing directly against the JSON request this relay's own pkg/session
// sends, since there is no local SOCKS5 negotiation to perform on the
// egress side.
package egress

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/logger"

	"github.com/sammck-go/socksrelay/pkg/model"
	"github.com/sammck-go/socksrelay/pkg/peerconn"
)

type dialRequest struct {
	Target model.Endpoint `json:"target"`
}

// Egress serves every data channel opened by its peer by dialing the
// requested target and bridging bytes.
type Egress struct {
	log  logger.Logger
	peer peerconn.PeerConnection

	dialTimeout func(ctx context.Context, network, address string) (net.Conn, error)

	bytesFromTarget int64
	bytesToTarget   int64

	stopped chan struct{}
	once    sync.Once
}

// New creates an Egress bound to an already-negotiated peer connection.
func New(log logger.Logger, peer peerconn.PeerConnection) *Egress {
	d := net.Dialer{}
	return &Egress{
		log:         log.ForkLogf("egress"),
		peer:        peer,
		dialTimeout: d.DialContext,
		stopped:     make(chan struct{}),
	}
}

// BytesFromTarget returns bytes forwarded target->peer.
func (e *Egress) BytesFromTarget() int64 { return atomic.LoadInt64(&e.bytesFromTarget) }

// BytesToTarget returns bytes forwarded peer->target.
func (e *Egress) BytesToTarget() int64 { return atomic.LoadInt64(&e.bytesToTarget) }

// Run serves incoming data channels until the peer connection closes or ctx
// is canceled.
func (e *Egress) Run(ctx context.Context) {
	for {
		select {
		case dc, ok := <-e.peer.IncomingDataChannels():
			if !ok {
				e.Stop()
				return
			}
			go e.serve(ctx, dc)
		case <-e.peer.OnceClosedDone():
			e.Stop()
			return
		case <-ctx.Done():
			e.Stop()
			return
		}
	}
}

// Stop marks the egress stopped; idempotent.
func (e *Egress) Stop() {
	e.once.Do(func() { close(e.stopped) })
}

// StoppedDone signals Stop.
func (e *Egress) StoppedDone() <-chan struct{} { return e.stopped }

// serve decodes the dial request carried in the channel's first text frame,
// dials the target, and replies with a bare JSON endpoint (spec §6 step 2).
// A malformed request or a failed dial has no error payload to send (spec
// §9): it is logged and the channel is closed, mirroring pkg/session's same
// documented weakness on the client side.
func (e *Egress) serve(ctx context.Context, dc peerconn.DataChannel) {
	frame := <-dc.ReceiveNext()
	if frame.Data == nil {
		dc.Close()
		return
	}
	if frame.Kind != peerconn.FrameText {
		e.log.WLogf("data channel %s: dial request was not a text frame", dc.Label())
		dc.Close()
		return
	}
	var req dialRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		e.log.WLogf("data channel %s: malformed dial request: %s", dc.Label(), err)
		dc.Close()
		return
	}

	conn, err := e.dialTimeout(ctx, "tcp", req.Target.String())
	if err != nil {
		e.log.WLogf("data channel %s: dial failed: %s", dc.Label(), err)
		dc.Close()
		return
	}

	bound := model.Endpoint{}
	if la := conn.LocalAddr(); la != nil {
		if host, port, perr := net.SplitHostPort(la.String()); perr == nil {
			var p uint16
			fmt.Sscanf(port, "%d", &p)
			bound = model.Endpoint{Address: host, Port: p}
		}
	}
	reply, err := json.Marshal(bound)
	if err != nil {
		conn.Close()
		dc.Close()
		return
	}
	<-dc.Send(peerconn.Frame{Kind: peerconn.FrameText, Data: reply})

	e.bridge(dc, conn)
}

// bridge forwards bytes between a data channel and a dialed net.Conn until
// either side closes. A non-binary frame from the peer during this
// steady-state phase is a protocol error that is dropped with a log entry,
// not a reason to close (spec §4.D).
func (e *Egress) bridge(dc peerconn.DataChannel, conn net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		buf := make([]byte, 32*1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				atomic.AddInt64(&e.bytesFromTarget, int64(n))
				if res := <-dc.Send(peerconn.Frame{Kind: peerconn.FrameBinary, Data: buf[:n]}); res.N != n {
					break
				}
			}
			if err != nil {
				dc.Close()
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		for {
			frame := <-dc.ReceiveNext()
			if frame.Data == nil {
				conn.Close()
				return
			}
			if frame.Kind != peerconn.FrameBinary {
				e.log.WLogf("data channel %s: dropped non-binary frame during forwarding", dc.Label())
				continue
			}
			atomic.AddInt64(&e.bytesToTarget, int64(len(frame.Data)))
			if _, err := conn.Write(frame.Data); err != nil {
				conn.Close()
				return
			}
		}
	}()

	wg.Wait()
	e.log.DLogf("data channel %s bridge closed (sent %s, received %s)", dc.Label(),
		sizestr.ToString(e.BytesToTarget()), sizestr.ToString(e.BytesFromTarget()))
}
