package transport

import (
	"context"
	"net"
	"time"

	"github.com/avsystem/coap-async-go"
	"github.com/plgd-dev/go-coap/v2/message/codes"
)

// Default CON retransmission parameters, RFC 7252 §4.8.
const (
	defaultACKTimeout      = 2 * time.Second
	defaultACKRandomFactor = 1.5
	defaultMaxRetransmit   = 4
)

// udpMTU is the conservative datagram size budget this transport assumes
// when computing MaxOutgoingPayloadSize: large block sizes are expected,
// but a single packet is still bounded by ordinary Ethernet/Wi-Fi MTU
// minus IP/UDP headers.
const udpMTU = 1152

// pendingSend is the bookkeeping kept for one outstanding CON/NON packet
// awaiting either an ACK/response or retransmission timeout.
type pendingSend struct {
	token      coapasync.Token
	onResult   coapasync.SendResultHandler
	mid        uint16
	raw        []byte
	isCON      bool
	retries    int
	nextResend time.Time
	addr       net.Addr
}

// UDP implements coapasync.Transport over a plain (non-secured)
// net.PacketConn; see dtls.go for the secured variant. It only owns
// message-layer CON reliability - block-wise chunking is the
// coapasync.Context's job.
type UDP struct {
	conn     net.PacketConn
	tokenGen coapasync.TokenGenerator

	nextMID uint16
	pending map[string]*pendingSend

	peer net.Addr // fixed peer every outgoing packet goes to; Send fails when nil
}

// NewUDP wraps an already-bound net.PacketConn. peer fixes the remote
// address for every outgoing packet; with a nil peer Send returns
// ErrInvalidArgument, so a server that answers many peers uses
// UDPServer, which hands out one peered transport per remote address.
func NewUDP(conn net.PacketConn, peer net.Addr) *UDP {
	return &UDP{
		conn:     conn,
		tokenGen: coapasync.SequentialTokenGenerator(),
		pending:  make(map[string]*pendingSend),
		peer:     peer,
	}
}

func (t *UDP) Send(ctx context.Context, msg *coapasync.Message, onResult coapasync.SendResultHandler) error {
	addr := t.peer
	if addr == nil {
		// server role without a fixed peer: use UDPServer, which hands out
		// one peered transport per remote address
		return coapasync.ErrInvalidArgument
	}
	if len(msg.Token) == 0 {
		msg.Token = t.tokenGen()
	}
	t.nextMID++
	mid := t.nextMID

	raw, err := encodeUDP(msg, mid)
	if err != nil {
		return err
	}
	if len(raw) > udpMTU {
		return coapasync.ErrMessageTooBig
	}

	if _, err := t.conn.WriteTo(raw, addr); err != nil {
		return err
	}

	if onResult != nil {
		t.pending[string(msg.Token)] = &pendingSend{
			token:      msg.Token,
			onResult:   onResult,
			mid:        mid,
			raw:        raw,
			isCON:      msg.IsConfirmable,
			nextResend: time.Now().Add(defaultACKTimeout),
			addr:       addr,
		}
	}
	return nil
}

func (t *UDP) Receive(ctx context.Context, buf []byte) (*coapasync.Message, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
	} else {
		_ = t.conn.SetReadDeadline(time.Time{})
	}

	n, addr, err := t.conn.ReadFrom(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, context.DeadlineExceeded
		}
		return nil, err
	}

	msg, mid, isAck, isReset, err := decodeUDP(buf[:n])
	if err != nil {
		return nil, err
	}

	if msg.Code == 0 {
		// An empty ACK or a Reset carries no token and is matched by
		// message ID, RFC 7252 §4.2. An empty ACK means the peer accepted
		// the CON and a separate response will follow under the same
		// token, so only retransmission stops; a Reset fails the send.
		for key, p := range t.pending {
			if p.mid != mid {
				continue
			}
			if isReset {
				delete(t.pending, key)
				p.onResult(coapasync.ResultFail, &coapasync.CoapError{Kind: coapasync.KindUDPResetReceived}, nil)
			} else if isAck {
				p.isCON = false
			}
			break
		}
		return nil, nil
	}

	key := string(msg.Token)
	if p, ok := t.pending[key]; ok && isRequestReplyCode(msg.Code) {
		delete(t.pending, key)
		p.onResult(coapasync.ResultOK, nil, msg)
		return nil, nil
	}

	_ = addr // unused: every packet this transport sends goes to its fixed peer
	return msg, nil
}

func isRequestReplyCode(code codes.Code) bool {
	return code != 0 && code>>5 != 0
}

func (t *UDP) MaxOutgoingPayloadSize(tokenLen int, opts *coapasync.OptionSet, code codes.Code) int {
	overhead := 4 + tokenLen + 8 // header+token+option/slack budget
	budget := udpMTU - overhead
	if budget < 0 {
		return 0
	}
	return budget
}

func (t *UDP) MaxIncomingPayloadSize(tokenLen int, opts *coapasync.OptionSet, code codes.Code) int {
	return t.MaxOutgoingPayloadSize(tokenLen, opts, code)
}

func (t *UDP) AbortDelivery(direction coapasync.Direction, token coapasync.Token, result coapasync.ResultState, err error) {
	delete(t.pending, string(token))
}

// OnTimeout resends every CON past its retransmission deadline, doubling
// the timeout each time (RFC 7252 §4.2), and fails exchanges that have
// exhausted defaultMaxRetransmit.
func (t *UDP) OnTimeout(ctx context.Context) (time.Time, bool) {
	now := time.Now()
	var next time.Time
	haveNext := false

	for key, p := range t.pending {
		if !p.isCON {
			continue
		}
		if p.nextResend.After(now) {
			if !haveNext || p.nextResend.Before(next) {
				next, haveNext = p.nextResend, true
			}
			continue
		}
		if p.retries >= defaultMaxRetransmit {
			delete(t.pending, key)
			p.onResult(coapasync.ResultFail, &coapasync.CoapError{Kind: coapasync.KindTimeout}, nil)
			continue
		}
		p.retries++
		backoff := defaultACKTimeout << uint(p.retries)
		p.nextResend = now.Add(backoff)
		_, _ = t.conn.WriteTo(p.raw, p.addr)
		if !haveNext || p.nextResend.Before(next) {
			next, haveNext = p.nextResend, true
		}
	}
	return next, haveNext
}
