package coapasync

import (
	"context"
	"time"

	"github.com/plgd-dev/go-coap/v2/message/codes"
)

// Direction distinguishes an outgoing (client request / server response)
// packet from an incoming one, used by Transport.AbortDelivery.
type Direction int

const (
	DirectionOutgoing Direction = iota
	DirectionIncoming
)

// ResultState is the outcome reported for a single wire exchange step.
type ResultState int

const (
	ResultOK ResultState = iota
	ResultPartialContent
	ResultFail
	ResultCancel

	// ResultCleanup is reported to a server exchange's request handler
	// when the exchange deadline expires: the peer simply went silent,
	// which is distinct from a transport failure.
	ResultCleanup
)

func (r ResultState) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultPartialContent:
		return "PARTIAL_CONTENT"
	case ResultFail:
		return "FAIL"
	case ResultCancel:
		return "CANCEL"
	case ResultCleanup:
		return "CLEANUP"
	default:
		return "UNKNOWN"
	}
}

// Message is the engine's wire-agnostic view of one CoAP packet. Framing,
// retransmission, and option/field encoding belong to the transport;
// this struct is what the exchange layer exchanges with it.
type Message struct {
	Code    codes.Code
	Token   Token
	Options OptionSet
	Payload []byte

	// IsConfirmable distinguishes CON from NON on UDP; meaningless on TCP
	// transports, which have no message-type field (RFC 8323 §3).
	IsConfirmable bool
}

// SendResultHandler is invoked by the transport when an outgoing packet's
// fate is known. resp is non-nil only when result is ResultOK or
// ResultPartialContent.
type SendResultHandler func(result ResultState, err error, resp *Message)

// Transport is the capability set the exchange layer consumes. Concrete
// UDP/TCP/DTLS implementations live in the sibling
// transport package; this interface is declared here, where it's
// consumed, so the core never imports transport (avoiding a cycle) and
// so tests can supply an in-memory fake.
type Transport interface {
	// Send transmits msg and arranges for onResult to be invoked exactly
	// once with the outcome. If msg.Token is empty (the client-request
	// case) the transport generates a fresh one and writes it back into
	// msg.Token before returning; if msg.Token is already set (the
	// server-response case, echoing the request's token per RFC 7252
	// §4.2) it is sent as-is. An error return means the packet was never
	// placed on the wire and onResult will not be called.
	Send(ctx context.Context, msg *Message, onResult SendResultHandler) error

	// Receive blocks for at most one incoming packet. A zero-value
	// deadline on ctx means block forever; the drain-all-pending path
	// passes an already-expired ctx and expects
	// context.DeadlineExceeded once nothing more is buffered.
	Receive(ctx context.Context, buf []byte) (*Message, error)

	// MaxOutgoingPayloadSize / MaxIncomingPayloadSize report the largest
	// payload that can be fit into one packet for the given token length,
	// option set, and code.
	MaxOutgoingPayloadSize(tokenLen int, opts *OptionSet, code codes.Code) int
	MaxIncomingPayloadSize(tokenLen int, opts *OptionSet, code codes.Code) int

	// AbortDelivery asks the transport to stop trying to deliver/retransmit
	// whatever is associated with token, used by Cancel.
	AbortDelivery(direction Direction, token Token, result ResultState, err error)

	// OnTimeout drives transport-level retransmission/timeout bookkeeping
	// and returns the next time it would like to be called again.
	OnTimeout(ctx context.Context) (next time.Time, ok bool)
}
