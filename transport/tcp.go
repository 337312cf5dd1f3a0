package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"net"
	"time"

	"github.com/avsystem/coap-async-go"
	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
)

// RFC 8323 §5.3 Capabilities and Settings Message: code 7.01, carrying
// Max-Message-Size (option 2) and Block-wise-Transfer-Capability
// (option 4, an empty-value presence flag in this implementation).
const (
	codeCSM                 = codes.Code(7<<5 | 1)
	optionMaxMessageSize    = message.OptionID(2)
	optionBlockwiseTransfer = message.OptionID(4)
	defaultMaxMessageSize   = 1152
)

// TCP implements coapasync.Transport over RFC 8323 CoAP/TCP framing on
// an established net.Conn. There is no message-type field and no
// retransmission layer on TCP - reliability comes from the stream itself
// - so, unlike UDP, Send never registers a resend timer; OnTimeout is a
// no-op past the initial CSM exchange.
type TCP struct {
	conn     net.Conn
	r        *bufio.Reader
	tokenGen coapasync.TokenGenerator

	pending map[string]coapasync.SendResultHandler

	peerMaxMessageSize    int
	peerSupportsBlockwise bool
	csmDone               bool
}

// NewTCP wraps conn and performs the RFC 8323 §5.3 CSM handshake: our
// own capabilities are sent immediately, and the peer's are read back
// before the transport is considered ready (csmDone). maxSize is
// advertised as our own Max-Message-Size.
func NewTCP(conn net.Conn, maxSize int) (*TCP, error) {
	if maxSize <= 0 {
		maxSize = defaultMaxMessageSize
	}
	t := &TCP{
		conn:               conn,
		r:                  bufio.NewReader(conn),
		tokenGen:           coapasync.SequentialTokenGenerator(),
		pending:            make(map[string]coapasync.SendResultHandler),
		peerMaxMessageSize: defaultMaxMessageSize,
	}

	csm := &coapasync.Message{Code: codeCSM}
	csm.Options.Add(optionMaxMessageSize, encodeUint(uint64(maxSize)))
	csm.Options.Add(optionBlockwiseTransfer, nil)
	if err := t.writeRaw(csm, nil); err != nil {
		return nil, err
	}

	peerCSM, err := t.readMessage()
	if err != nil {
		return nil, &coapasync.CoapError{Kind: coapasync.KindTCPCSMFailure, Detail: err.Error()}
	}
	if peerCSM.Code != codeCSM {
		return nil, &coapasync.CoapError{Kind: coapasync.KindTCPCSMFailure, Detail: "peer's first message was not a CSM"}
	}
	if v, ok := peerCSM.Options.First(optionMaxMessageSize); ok {
		t.peerMaxMessageSize = int(decodeUint(v.Value))
	}
	if _, ok := peerCSM.Options.First(optionBlockwiseTransfer); ok {
		t.peerSupportsBlockwise = true
	}
	t.csmDone = true
	return t, nil
}

// SupportsBERT reports whether the peer advertised Block-wise-Transfer
// support in its CSM, the RFC 8323 §4.1 precondition for using BERT;
// coapasync.exchange's nextChunk type-asserts for this optional
// capability before ever producing a multi-1024-byte-block chunk.
func (t *TCP) SupportsBERT() bool {
	return t.peerSupportsBlockwise
}

func encodeUint(v uint64) []byte {
	if v == 0 {
		return nil
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	i := 0
	for i < 7 && buf[i] == 0 {
		i++
	}
	return buf[i:]
}

func decodeUint(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = (v << 8) | uint64(c)
	}
	return v
}

// writeRaw frames and writes msg per RFC 8323 §3.2: a length/TKL byte
// (with extended length escapes identical in spirit to RFC 7252's option
// length escapes), optional extended length, token, code, options,
// payload marker and payload. There is no message ID or type field.
func (t *TCP) writeRaw(msg *coapasync.Message, _ coapasync.SendResultHandler) error {
	var body []byte
	body = append(body, byte(msg.Code))
	body = append(body, msg.Token...)
	body = appendOptions(body, msg.Options.All())
	if len(msg.Payload) > 0 {
		body = append(body, 0xFF)
		body = append(body, msg.Payload...)
	}

	optsAndPayloadLen := len(body) - 1 - len(msg.Token)
	lenNibble, lenExt := splitOptionField(optsAndPayloadLen)

	header := []byte{byte(lenNibble<<4) | byte(len(msg.Token))}
	header = append(header, lenExt...)

	if _, err := t.conn.Write(header); err != nil {
		return err
	}
	_, err := t.conn.Write(body)
	return err
}

func (t *TCP) readMessage() (*coapasync.Message, error) {
	first, err := t.r.ReadByte()
	if err != nil {
		return nil, err
	}
	lenNibble := int(first >> 4)
	tokenLen := int(first & 0xF)

	var bodyLen int
	if lenNibble < 13 {
		bodyLen = lenNibble
	} else {
		var err error
		bodyLen, err = t.readExtendedLength(lenNibble)
		if err != nil {
			return nil, err
		}
	}

	code, err := t.r.ReadByte()
	if err != nil {
		return nil, err
	}
	token := make([]byte, tokenLen)
	if _, err := readFull(t.r, token); err != nil {
		return nil, err
	}

	rest := make([]byte, bodyLen)
	if _, err := readFull(t.r, rest); err != nil {
		return nil, err
	}

	opts, payload, err := parseOptions(rest)
	if err != nil {
		return nil, err
	}
	return &coapasync.Message{
		Code:    codes.Code(code),
		Token:   token,
		Options: coapasync.NewOptionSet(opts, 0),
		Payload: payload,
	}, nil
}

func (t *TCP) readExtendedLength(nibble int) (int, error) {
	switch nibble {
	case 13:
		b, err := t.r.ReadByte()
		return int(b) + 13, err
	case 14:
		var buf [2]byte
		if _, err := readFull(t.r, buf[:]); err != nil {
			return 0, err
		}
		return int(binary.BigEndian.Uint16(buf[:])) + 269, nil
	default:
		return 0, coapasync.ErrMalformedOptions
	}
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (t *TCP) Send(ctx context.Context, msg *coapasync.Message, onResult coapasync.SendResultHandler) error {
	if len(msg.Token) == 0 {
		msg.Token = t.tokenGen()
	}
	if err := t.writeRaw(msg, onResult); err != nil {
		return err
	}
	if onResult != nil {
		t.pending[string(msg.Token)] = onResult
	}
	return nil
}

func (t *TCP) Receive(ctx context.Context, _ []byte) (*coapasync.Message, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
	} else {
		_ = t.conn.SetReadDeadline(time.Time{})
	}

	msg, err := t.readMessage()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, context.DeadlineExceeded
		}
		return nil, err
	}

	if h, ok := t.pending[string(msg.Token)]; ok {
		delete(t.pending, string(msg.Token))
		h(coapasync.ResultOK, nil, msg)
		return nil, nil
	}
	return msg, nil
}

func (t *TCP) MaxOutgoingPayloadSize(tokenLen int, opts *coapasync.OptionSet, code codes.Code) int {
	budget := t.peerMaxMessageSize - tokenLen - 8
	if budget < 0 {
		return 0
	}
	return budget
}

func (t *TCP) MaxIncomingPayloadSize(tokenLen int, opts *coapasync.OptionSet, code codes.Code) int {
	return t.MaxOutgoingPayloadSize(tokenLen, opts, code)
}

func (t *TCP) AbortDelivery(direction coapasync.Direction, token coapasync.Token, result coapasync.ResultState, err error) {
	delete(t.pending, string(token))
}

// OnTimeout is a no-op: CoAP/TCP has no message-layer retransmission,
// RFC 8323 §1, so there is nothing for the periodic job to drive here
// beyond the exchange-layer deadlines Context already tracks.
func (t *TCP) OnTimeout(ctx context.Context) (time.Time, bool) {
	return time.Time{}, false
}

var _ coapasync.Transport = (*TCP)(nil)
