package transport

import (
	"context"
	"net"
	"time"

	piondtls "github.com/pion/dtls/v2"

	"github.com/avsystem/coap-async-go"
)

// NewDTLSClient dials a DTLS-secured CoAP peer and returns a Transport
// for it, securing the raw UDP transport directly.
func NewDTLSClient(ctx context.Context, addr string, cfg *piondtls.Config) (*UDP, error) {
	_ = ctx // reserved for a future context-aware dial; pinned piondtls lacks DialWithContext
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := piondtls.Dial("udp", raddr, cfg)
	if err != nil {
		return nil, err
	}
	pc := &connPacketConn{Conn: conn, remote: conn.RemoteAddr()}
	return NewUDP(pc, pc.remote), nil
}

// NewDTLSServerConn adapts an already-accepted *piondtls.Conn (from a
// piondtls.Listen loop) into a per-peer server-role Transport. A full
// DTLS listener fans a single UDP socket out to many peer Conns; the
// caller is expected to run one coapasync.Context per accepted Conn.
func NewDTLSServerConn(conn net.Conn) *UDP {
	pc := &connPacketConn{Conn: conn, remote: conn.RemoteAddr()}
	return NewUDP(pc, pc.remote)
}

// connPacketConn adapts a single-peer net.Conn (as returned by
// piondtls.Dial/Listen) into the net.PacketConn shape UDP expects, since
// DTLS in pion is connection-oriented rather than datagram-oriented at
// the API surface.
type connPacketConn struct {
	net.Conn
	remote net.Addr
}

func (c *connPacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, err := c.Conn.Read(b)
	return n, c.remote, err
}

func (c *connPacketConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	return c.Conn.Write(b)
}

func (c *connPacketConn) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

var _ coapasync.Transport = (*UDP)(nil)
