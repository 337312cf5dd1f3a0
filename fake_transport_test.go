package coapasync

import (
	"context"
	"time"

	"github.com/plgd-dev/go-coap/v2/message/codes"
)

// fakeTransport is an in-memory Transport pairing two endpoints directly:
// hand-constructed messages, no real socket, no wire bytes. Send on one
// side enqueues straight onto its peer's inbox;
// Receive drains its own inbox, consuming token-matched replies the
// same way transport/udp.go does.
type fakeTransport struct {
	peer     *fakeTransport
	inbox    []*Message
	pending  map[string]SendResultHandler
	tokenGen TokenGenerator
	maxSize  int
}

func newFakeTransportPair(maxSize int) (a, b *fakeTransport) {
	a = &fakeTransport{pending: make(map[string]SendResultHandler), tokenGen: SequentialTokenGenerator(), maxSize: maxSize}
	b = &fakeTransport{pending: make(map[string]SendResultHandler), tokenGen: SequentialTokenGenerator(), maxSize: maxSize}
	a.peer, b.peer = b, a
	return a, b
}

func (t *fakeTransport) Send(ctx context.Context, msg *Message, onResult SendResultHandler) error {
	if len(msg.Token) == 0 {
		msg.Token = t.tokenGen()
	}
	clone := *msg
	clone.Payload = append([]byte(nil), msg.Payload...)
	t.peer.inbox = append(t.peer.inbox, &clone)
	if onResult != nil {
		t.pending[string(msg.Token)] = onResult
	}
	return nil
}

func (t *fakeTransport) Receive(ctx context.Context, _ []byte) (*Message, error) {
	if len(t.inbox) == 0 {
		return nil, context.DeadlineExceeded
	}
	msg := t.inbox[0]
	t.inbox = t.inbox[1:]

	key := string(msg.Token)
	if h, ok := t.pending[key]; ok && isReplyCode(msg.Code) {
		delete(t.pending, key)
		h(ResultOK, nil, msg)
		return nil, nil
	}
	return msg, nil
}

func isReplyCode(code codes.Code) bool {
	return code != 0 && code>>5 != 0
}

func (t *fakeTransport) MaxOutgoingPayloadSize(tokenLen int, _ *OptionSet, _ codes.Code) int {
	budget := t.maxSize - (4 + tokenLen + 8)
	if budget < 0 {
		return 0
	}
	return budget
}

func (t *fakeTransport) MaxIncomingPayloadSize(tokenLen int, opts *OptionSet, code codes.Code) int {
	return t.MaxOutgoingPayloadSize(tokenLen, opts, code)
}

func (t *fakeTransport) AbortDelivery(_ Direction, token Token, _ ResultState, _ error) {
	delete(t.pending, string(token))
}

func (t *fakeTransport) OnTimeout(_ context.Context) (time.Time, bool) {
	return time.Time{}, false
}

var _ Transport = (*fakeTransport)(nil)
