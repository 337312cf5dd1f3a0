package transport

import (
	"context"
	"io"
	"net"
	"time"
)

// UDPServer demultiplexes one shared, connectionless net.PacketConn into
// one UDP Transport per remote peer. Plain UDP has no accept() the way
// DTLS/TCP do (see dtls.go's NewDTLSServerConn and tcp.go's NewTCP, both
// already one-Context-per-peer), so this fills the same role for
// unsecured UDP: a single read loop demultiplexes by source address and
// hands each new peer its own UDP transport (and so its own
// coapasync.Context) via Accept.
type UDPServer struct {
	conn   net.PacketConn
	accept chan *UDP
	peers  map[string]*udpPeer
}

type udpPeer struct {
	transport *UDP
	inbound   chan []byte
}

// NewUDPServer starts demultiplexing conn in a background goroutine.
func NewUDPServer(conn net.PacketConn) *UDPServer {
	s := &UDPServer{
		conn:   conn,
		accept: make(chan *UDP, 8),
		peers:  make(map[string]*udpPeer),
	}
	go s.readLoop()
	return s
}

func (s *UDPServer) readLoop() {
	buf := make([]byte, udpMTU)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			close(s.accept)
			return
		}
		data := append([]byte(nil), buf[:n]...)

		key := addr.String()
		peer, ok := s.peers[key]
		if !ok {
			pc := &udpPeerConn{shared: s.conn, addr: addr, inbound: make(chan []byte, 16)}
			peer = &udpPeer{transport: NewUDP(pc, addr), inbound: pc.inbound}
			s.peers[key] = peer
			s.accept <- peer.transport
		}

		select {
		case peer.inbound <- data:
		default:
			// peer isn't draining fast enough; drop rather than block the
			// shared socket's single read loop for every other peer.
		}
	}
}

// Accept blocks until a new peer's first datagram has arrived and
// returns the Transport (already fed that first datagram) to drive a
// coapasync.Context for it, or ctx.Err() if ctx is done first.
func (s *UDPServer) Accept(ctx context.Context) (*UDP, error) {
	select {
	case t, ok := <-s.accept:
		if !ok {
			return nil, io.EOF
		}
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// udpPeerConn adapts one peer's slice of a shared socket into the
// net.PacketConn shape UDP expects: writes go straight to the shared
// socket addressed to this peer, reads are served from the per-peer
// inbound queue the demux loop in readLoop feeds.
type udpPeerConn struct {
	shared   net.PacketConn
	addr     net.Addr
	inbound  chan []byte
	deadline time.Time
}

func (p *udpPeerConn) ReadFrom(b []byte) (int, net.Addr, error) {
	var timeoutCh <-chan time.Time
	if !p.deadline.IsZero() {
		d := time.Until(p.deadline)
		if d <= 0 {
			return 0, p.addr, deadlineExceededError{}
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case data, ok := <-p.inbound:
		if !ok {
			return 0, p.addr, io.EOF
		}
		return copy(b, data), p.addr, nil
	case <-timeoutCh:
		return 0, p.addr, deadlineExceededError{}
	}
}

func (p *udpPeerConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	return p.shared.WriteTo(b, p.addr)
}

func (p *udpPeerConn) Close() error                  { return nil }
func (p *udpPeerConn) LocalAddr() net.Addr           { return p.shared.LocalAddr() }
func (p *udpPeerConn) SetDeadline(t time.Time) error { return p.SetReadDeadline(t) }
func (p *udpPeerConn) SetReadDeadline(t time.Time) error {
	p.deadline = t
	return nil
}
func (p *udpPeerConn) SetWriteDeadline(time.Time) error { return nil }

type deadlineExceededError struct{}

func (deadlineExceededError) Error() string   { return "i/o timeout" }
func (deadlineExceededError) Timeout() bool   { return true }
func (deadlineExceededError) Temporary() bool { return true }
