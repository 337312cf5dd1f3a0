package coapasync

import (
	"context"
	"errors"

	"github.com/plgd-dev/go-coap/v2/message/codes"
)

// ClientExchange is the client role of an exchange: an outgoing request
// whose response (possibly delivered across several BLOCK2 packets) is
// being tracked. It embeds exchange rather than
// sharing a tagged union with ServerExchange, see exchange.go.
type ClientExchange struct {
	exchange

	responseHandler ResponseHandler
	fireAndForget   bool

	// nextResponsePayloadOffset is the absolute offset the next delivered
	// response chunk is expected to start at; SetNextResponsePayloadOffset
	// lets the handler move it forward.
	nextResponsePayloadOffset uint64

	etag       []byte
	etagStored bool
}

func isRequestCode(code codes.Code) bool {
	return code != 0 && code>>5 == 0
}

// SendAsyncRequest starts a new client exchange. If handler is nil the
// request is fire-and-forget: every chunk is transmitted back to back
// before this call returns and no response is awaited at all.
// Otherwise only the bookkeeping happens here; the first chunk goes out
// on the next RunPeriodicJob tick.
func (c *Context) SendAsyncRequest(ctx context.Context, code codes.Code, opts OptionSet, payload PayloadWriter, handler ResponseHandler) (ExchangeID, error) {
	if !isRequestCode(code) {
		return InvalidExchangeID, newErr(KindInvalidArgument, "code %s is not a request code", code)
	}

	ex := &ClientExchange{}
	ex.id = c.mintID()
	ex.code = code
	ex.options = NewOptionSet(opts.All(), clientOptionReserve)
	ex.writePayload = payload
	ex.responseHandler = handler
	ex.fireAndForget = handler == nil

	if _, _, err := ex.options.GetBlock1(); err != nil {
		return InvalidExchangeID, newErr(KindInvalidArgument, "malformed block1 option: %s", err)
	}
	b, ok, err := ex.options.GetBlock2()
	if err != nil {
		return InvalidExchangeID, newErr(KindInvalidArgument, "malformed block2 option: %s", err)
	}
	if ok {
		ex.nextResponsePayloadOffset = uint64(b.SeqNum) * uint64(b.Size)
	}

	if ex.fireAndForget {
		err := c.drainFireAndForget(ctx, &ex.exchange, ex.code)
		if err != nil {
			return InvalidExchangeID, err
		}
		return ex.id, nil
	}

	c.insertClientExchange(ex)
	return ex.id, nil
}

// drainFireAndForget sends every chunk of a fire-and-forget request
// immediately: with no response handler there is nothing to drive
// continuation off a 2.31 Continue, so the payload is pumped out until
// EOF and the exchange is discarded on the spot.
func (c *Context) drainFireAndForget(ctx context.Context, ex *exchange, code codes.Code) error {
	for {
		payload, hasMore, err := ex.nextChunk(c.transport, Block1)
		if err != nil {
			return err
		}
		msg := &Message{Code: code, Options: ex.options, Payload: payload}
		if err := c.transport.Send(ctx, msg, nil); err != nil {
			return err
		}
		ex.token = msg.Token
		if !hasMore {
			return nil
		}
		if err := ex.advanceBlockSeqNum(Block1); err != nil {
			return err
		}
	}
}

// sendFirstRequestChunk is called from RunPeriodicJob for every exchange
// still at the head of the client list (token not yet set).
func (c *Context) sendFirstRequestChunk(ctx context.Context, ex *ClientExchange) error {
	return c.sendClientChunk(ctx, ex)
}

// sendClientChunk transmits the next outgoing chunk of ex's request body
// and installs the bridge that routes the eventual result back through
// handleClientSendResult, re-resolving ex by id rather than closing over
// the pointer directly so a Cancel that races the callback is safe.
func (c *Context) sendClientChunk(ctx context.Context, ex *ClientExchange) error {
	payload, _, err := ex.nextChunk(c.transport, Block1)
	if err != nil {
		return err
	}

	// Token left empty so the transport mints a fresh one for this chunk.
	// The transports in this module mint them with
	// SequentialTokenGenerator, so they are unique but not random. ex.token
	// is only overwritten after a successful send, so a failed transport
	// call leaves the previous token - and with it the client-list
	// ordering guarantees - intact.
	msg := &Message{Code: ex.code, Options: ex.options, Payload: payload}
	id := ex.id
	bridge := func(result ResultState, rerr error, resp *Message) {
		c.handleClientSendResult(ctx, id, result, rerr, resp)
	}

	if err := c.transport.Send(ctx, msg, bridge); err != nil {
		return err
	}
	ex.token = msg.Token
	c.markClientSent(ex)
	return nil
}

// handleClientSendResult is the result bridge registered with the
// transport for every outgoing client packet.
func (c *Context) handleClientSendResult(ctx context.Context, id ExchangeID, result ResultState, err error, resp *Message) {
	ex, ok := c.findClientExchange(id)
	if !ok {
		return // cancelled or already completed
	}

	switch result {
	case ResultPartialContent:
		c.deliverClientTCPPartial(ex, resp)
	case ResultOK:
		c.handleClientResponse(ctx, ex, resp)
	case ResultCancel:
		c.completeClientExchange(ex, ResultCancel, nil, nil, 0)
	default:
		c.handleClientSendFail(ctx, ex, err, resp)
	}
}

// deliverClientTCPPartial handles the TCP framing case, distinct from
// BLOCK2 chunking: the whole response is one logical message split
// across several stream reads by the transport.
func (c *Context) deliverClientTCPPartial(ex *ClientExchange, resp *Message) {
	offset := ex.nextResponsePayloadOffset
	ex.nextResponsePayloadOffset += uint64(len(resp.Payload))
	if ex.responseHandler != nil {
		ex.responseHandler(ResultPartialContent, nil, resp, offset)
	}
}

// handleClientSendFail implements block-too-big recovery: a
// TRUNCATED_MESSAGE_RECEIVED failure that still carries a usable
// response fragment triggers a BLOCK2 shrink-and-retry instead of an
// immediate failure.
func (c *Context) handleClientSendFail(ctx context.Context, ex *ClientExchange, err error, resp *Message) {
	var ce *CoapError
	if errors.As(err, &ce) && ce.Kind == KindTruncatedMessageReceived && resp != nil {
		if c.recoverBlockTooBig(ctx, ex, resp) {
			return
		}
	}
	c.failClientExchange(ex, err)
}

func (c *Context) recoverBlockTooBig(ctx context.Context, ex *ClientExchange, resp *Message) bool {
	existing, hasBlock2, _ := resp.Options.GetBlock2()
	reserve := 0
	if !hasBlock2 {
		reserve = optBlockMaxSize
	}
	maxIn := c.transport.MaxIncomingPayloadSize(MaxTokenLength, &ex.options, ex.code)
	newSize := largestPowerOfTwoLE(maxIn - reserve)
	if newSize == 0 || (hasBlock2 && newSize >= existing.Size) {
		return false
	}

	seq := uint32(ex.nextResponsePayloadOffset / uint64(newSize))
	ex.options.SetBlock(BlockOpt{Kind: Block2, SeqNum: seq, HasMore: false, Size: newSize})
	ex.options.ClearBlock1()
	if err := c.sendClientChunk(ctx, ex); err != nil {
		c.failClientExchange(ex, err)
	}
	return true
}

// handleClientResponse classifies an actually-delivered response.
func (c *Context) handleClientResponse(ctx context.Context, ex *ClientExchange, resp *Message) {
	switch resp.Code {
	case codes.Continue:
		c.handleClientContinue(ctx, ex, resp)
	case codes.RequestEntityTooLarge:
		c.handleClientRequestTooLarge(ctx, ex, resp)
	default:
		c.handleClientFinalResponse(ctx, ex, resp)
	}
}

// handleClientRequestTooLarge handles 4.13 Request Entity Too Large by
// shrinking BLOCK1 the same way handleClientSendFail's block-too-big
// recovery shrinks BLOCK2, resending from the last acknowledged request
// offset.
// The server may echo its preferred size in the 4.13 response's own
// BLOCK1 option; lacking that, we just halve the size we last tried.
func (c *Context) handleClientRequestTooLarge(ctx context.Context, ex *ClientExchange, resp *Message) {
	sentBlock1, hasSent, _ := ex.options.GetBlock1()
	var oldSize uint16 = BlockMaxSize
	if hasSent {
		oldSize = sentBlock1.Size
	}

	newSize := oldSize / 2
	if respBlock1, ok, err := resp.Options.GetBlock1(); err == nil && ok && respBlock1.Size < oldSize {
		newSize = respBlock1.Size
	}
	if newSize < BlockMinSize {
		c.failClientExchange(ex, newErr(KindNotImplemented, "4.13 response left no usable block1 size"))
		return
	}

	// nextChunk already advanced writeOffset past the refused chunk;
	// rewind to where that chunk started (seq_num*size, or zero when the
	// whole body went out in one un-BLOCKed packet) and re-read from the
	// payload source.
	var acked uint64
	if hasSent {
		acked = uint64(sentBlock1.SeqNum) * uint64(oldSize)
	}
	ex.writeOffset = acked
	ex.eofHas = false

	ex.options.SetBlock(BlockOpt{Kind: Block1, SeqNum: uint32(acked / uint64(newSize)), HasMore: true, Size: newSize})
	if err := c.sendClientChunk(ctx, ex); err != nil {
		c.failClientExchange(ex, err)
	}
}

// handleClientContinue handles a 2.31 Continue to an in-flight BLOCK1
// request upload.
func (c *Context) handleClientContinue(ctx context.Context, ex *ClientExchange, resp *Message) {
	sentBlock1, hasSent, _ := ex.options.GetBlock1()
	if !hasSent || !sentBlock1.HasMore {
		c.failClientExchange(ex, ErrUnexpectedContinue)
		return
	}

	respBlock1, ok, err := resp.Options.GetBlock1()
	if err != nil || !ok {
		c.failClientExchange(ex, ErrMalformedOptions)
		return
	}

	switch {
	case respBlock1.Size > sentBlock1.Size:
		c.failClientExchange(ex, ErrBlockRenegotiationInvalid)
		return
	case respBlock1.Size < sentBlock1.Size:
		renego, rerr := renegotiateBlockSize(sentBlock1, respBlock1.Size)
		if rerr != nil {
			c.logf("client exchange %d: block1 renegotiation refused, keeping old size: %v", ex.id, rerr)
		} else {
			ex.options.SetBlock(renego)
		}
	}

	if err := ex.advanceBlockSeqNum(Block1); err != nil {
		c.failClientExchange(ex, err)
		return
	}

	if len(resp.Payload) > 0 && ex.responseHandler != nil {
		ex.responseHandler(ResultPartialContent, nil, resp, 0)
	}

	if err := c.sendClientChunk(ctx, ex); err != nil {
		c.failClientExchange(ex, err)
	}
}

// handleClientFinalResponse handles a non-Continue response: ETag
// consistency, BLOCK2 offset matching, either another partial delivery
// plus the next chunk request, or completion.
func (c *Context) handleClientFinalResponse(ctx context.Context, ex *ClientExchange, resp *Message) {
	ex.writePayload = nil

	if respETag, hasETag := resp.Options.ETag(); ex.etagStored {
		if !bytesEqual(respETag, ex.etag) {
			c.failClientExchange(ex, ErrETagMismatch)
			return
		}
	} else if hasETag {
		ex.etag = append([]byte(nil), respETag...)
		ex.etagStored = true
	}

	respBlock2, hasRespBlock2, err := resp.Options.GetBlock2()
	if err != nil {
		c.failClientExchange(ex, ErrMalformedOptions)
		return
	}
	_, hasReqBlock2, _ := ex.options.GetBlock2()

	if !hasRespBlock2 {
		if hasReqBlock2 {
			c.failClientExchange(ex, ErrMalformedOptions)
			return
		}
		c.completeClientExchange(ex, ResultOK, nil, resp, ex.nextResponsePayloadOffset)
		return
	}

	expected := ex.nextResponsePayloadOffset
	got := uint64(respBlock2.SeqNum) * uint64(respBlock2.Size)
	if got != expected {
		c.failClientExchange(ex, ErrMalformedOptions)
		return
	}

	if !respBlock2.HasMore {
		c.completeClientExchange(ex, ResultOK, nil, resp, expected)
		return
	}

	nextBlock := respBlock2
	if existing, has, _ := ex.options.GetBlock2(); has && respBlock2.Size < existing.Size {
		if renego, rerr := renegotiateBlockSize(existing, respBlock2.Size); rerr == nil {
			nextBlock = renego
		}
	} else if has && respBlock2.Size > existing.Size {
		c.failClientExchange(ex, ErrBlockRenegotiationInvalid)
		return
	}

	next, ok := c.deliverBufferedPartialContent(ex, resp, expected)
	if !ok {
		return
	}
	ex = next

	nextSeq := ex.nextResponsePayloadOffset / uint64(nextBlock.Size)
	if nextSeq > maxSeqNum {
		c.failClientExchange(ex, ErrBlockSeqNumOverflow)
		return
	}
	nextBlock.SeqNum = uint32(nextSeq)
	nextBlock.HasMore = false
	ex.options.SetBlock(nextBlock)
	ex.options.ClearBlock1()

	if err := c.sendClientChunk(ctx, ex); err != nil {
		c.failClientExchange(ex, err)
	}
}

// deliverBufferedPartialContent delivers resp's buffered payload (which
// starts at payloadOffset) to ex.responseHandler as one or more
// PARTIAL_CONTENT calls, re-resolving the exchange by id after every
// call since the handler may cancel it or call
// SetNextResponsePayloadOffset. If the handler advances
// nextResponsePayloadOffset itself, the remaining buffered bytes (if
// any) are re-delivered starting at the new offset rather than skipped
// outright; the offset is only auto-advanced to full consumption of
// resp.Payload when the handler left it untouched. Returns ok=false if
// the exchange was cancelled/completed from within the handler, in
// which case the caller must not touch ex further.
func (c *Context) deliverBufferedPartialContent(ex *ClientExchange, resp *Message, payloadOffset uint64) (*ClientExchange, bool) {
	if len(resp.Payload) == 0 || ex.responseHandler == nil {
		return ex, true
	}

	id := ex.id
	end := payloadOffset + uint64(len(resp.Payload))
	for ex.nextResponsePayloadOffset < end {
		expected := ex.nextResponsePayloadOffset
		assertf(expected >= payloadOffset, "response offset %d ran behind buffer start %d", expected, payloadOffset)
		chunk := *resp
		chunk.Payload = resp.Payload[expected-payloadOffset:]
		ex.responseHandler(ResultPartialContent, nil, &chunk, expected)

		next, found := c.findClientExchange(id)
		if !found {
			return nil, false
		}
		ex = next
		if ex.nextResponsePayloadOffset == expected {
			ex.nextResponsePayloadOffset = end
		}
	}
	return ex, true
}

// completeClientExchange delivers the terminal callback, if any, and
// removes ex from the client list. Re-resolution by id elsewhere in this
// file means this is always safe to call even from deep inside a chain
// of synchronous sends.
func (c *Context) completeClientExchange(ex *ClientExchange, result ResultState, err error, resp *Message, offset uint64) {
	c.removeClientExchange(ex.id)
	if ex.responseHandler != nil {
		ex.responseHandler(result, err, resp, offset)
	}
}

func (c *Context) failClientExchange(ex *ClientExchange, err error) {
	c.completeClientExchange(ex, ResultFail, err, nil, 0)
}

// SetNextResponsePayloadOffset lets a response handler redirect where
// the next delivered chunk should start. Moving it backward or leaving
// it where it is is rejected as a caller bug, except that 0 is always
// accepted before the first request packet has been sent.
func (c *Context) SetNextResponsePayloadOffset(id ExchangeID, offset uint64) error {
	ex, ok := c.findClientExchange(id)
	if !ok {
		return ErrUnknownExchange
	}
	if offset == 0 && !tokenSet(ex.token) {
		ex.nextResponsePayloadOffset = 0
		return nil
	}
	if offset <= ex.nextResponsePayloadOffset {
		return ErrInvalidArgument
	}
	ex.nextResponsePayloadOffset = offset
	return nil
}

// Cancel abandons a client or server exchange. It is idempotent:
// cancelling an id that is already gone is a no-op, since
// terminal delivery and the dispatch shell may race a caller's own
// Cancel call by design.
func (c *Context) Cancel(id ExchangeID) {
	if ex, ok := c.findClientExchange(id); ok {
		c.logf("cancelling client exchange %d (token %s)", id, tokenString(ex.token))
		c.removeClientExchange(id)
		if tokenSet(ex.token) {
			c.transport.AbortDelivery(DirectionOutgoing, ex.token, ResultCancel, nil)
		}
		if ex.responseHandler != nil {
			ex.responseHandler(ResultCancel, nil, nil, 0)
		}
		return
	}
	if ex, ok := c.findServerExchange(id); ok {
		c.cancelServerExchange(ex)
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
