package coapasync

import (
	"context"
	"time"

	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
)

// ServerRequestHandler is invoked for every chunk of an accepted
// request's payload as it arrives. req is nil and rc is nil exactly when
// result is terminal without a packet: ResultFail (the exchange failed:
// a transport error, a malformed option or a refused block-size change),
// ResultCancel (explicit cancellation), or ResultCleanup (the exchange
// deadline expired with the peer silent). A ResultOK call
// marks the final chunk of the request body; the handler is expected to
// call rc.SetupAsyncResponse at that point (or earlier, once it knows
// the response doesn't depend on payload not yet seen).
type ServerRequestHandler func(rc *ServerRequestContext, result ResultState, err error, req *Message, offset uint64)

// ServerExchange is the server role of an exchange: an
// accepted request, possibly still receiving BLOCK1 payload chunks, and
// the response being produced for it. It embeds exchange for the same
// reason ClientExchange does, see exchange.go.
type ServerExchange struct {
	exchange

	requestHandler  ServerRequestHandler
	deliveryHandler DeliveryHandler
	reliabilityHint ReliabilityHint

	exchangeDeadline time.Time

	// requestKeyOptions is the incoming request's option set with BLOCK1,
	// BLOCK2 and Observe stripped out: the stable identity used to match
	// a later packet as "more of this same logical exchange" rather than
	// a brand new request.
	requestKeyOptions OptionSet

	// expectedRequestPayloadOffset is the BLOCK1 byte offset the next
	// inbound request chunk must start at.
	expectedRequestPayloadOffset uint64

	// requestCode is the code of the last matched request packet.
	requestCode codes.Code

	// lastBlock1 is the BLOCK1 option of the most recent matched request
	// chunk, echoed (with has_more cleared) on the response once it is
	// set up, RFC 7959 §2.5.
	lastBlock1    BlockOpt
	hasLastBlock1 bool

	// initialBlock2 is the BLOCK2 option the request itself carried, if
	// any: the client resuming a partial download, RFC 7959 §2.4. The
	// response starts at its seq_num*size rather than at zero.
	initialBlock2    BlockOpt
	hasInitialBlock2 bool

	// observeID is set by ServerRequestContext.MarkObserved; "" means
	// this exchange isn't an active RFC 7641 observation.
	observeID string
}

// ServerRequestContext is the transient handle passed to a
// NewRequestHandler and to every ServerRequestHandler invocation.
type ServerRequestContext struct {
	ctx      *Context
	outerCtx context.Context
	req      *Message

	// exchangeID is InvalidExchangeID until AcceptAsyncRequest has been
	// called on this context.
	exchangeID ExchangeID
}

// Request returns the inbound request (or chunk of one) this context was
// created for.
func (rc *ServerRequestContext) Request() *Message { return rc.req }

// keyOptionsOf strips the options that vary across an exchange's
// lifetime (the two BLOCK options and Observe) leaving the stable
// identity of "which logical request is this".
func keyOptionsOf(o OptionSet) OptionSet {
	var kept message.Options
	for _, opt := range o.All() {
		if opt.ID == optionBlock1 || opt.ID == optionBlock2 || opt.ID == optionObserve {
			continue
		}
		kept = append(kept, opt)
	}
	return NewOptionSet(kept, 0)
}

func isResponseCode(code codes.Code) bool {
	class := code >> 5
	return class >= 2 && class <= 5
}

func optionsEqual(a, b OptionSet) bool {
	ao, bo := a.All(), b.All()
	if len(ao) != len(bo) {
		return false
	}
	for i := range ao {
		if ao[i].ID != bo[i].ID || !bytesEqual(ao[i].Value, bo[i].Value) {
			return false
		}
	}
	return true
}

// matchServerExchange implements the continuation match rules:
// a BLOCK1 request chunk matches by key options plus sequential byte
// offset, a BLOCK2 re-request (the client asking for the next response
// chunk) matches by key options plus the offset already sent, and a
// plain TCP continuation (no BLOCK option at all) matches by token.
func (c *Context) matchServerExchange(msg *Message) (*ServerExchange, bool) {
	key := keyOptionsOf(msg.Options)
	reqBlock1, hasBlock1, _ := msg.Options.GetBlock1()
	reqBlock2, hasBlock2, _ := msg.Options.GetBlock2()

	for _, ex := range c.serverExchanges {
		if !optionsEqual(key, ex.requestKeyOptions) {
			continue
		}
		switch {
		case hasBlock1:
			if uint64(reqBlock1.SeqNum)*uint64(reqBlock1.Size) == ex.expectedRequestPayloadOffset {
				return ex, true
			}
		case hasBlock2:
			if uint64(reqBlock2.SeqNum)*uint64(reqBlock2.Size) == ex.writeOffset {
				return ex, true
			}
		case tokensEqual(msg.Token, ex.token):
			return ex, true
		}
	}
	return nil, false
}

// acceptNewRequest is the dispatch shell's fallback for a packet that
// matched no existing exchange. The registered
// NewRequestHandler either calls rc.AcceptAsyncRequest (leaving
// rc.exchangeID set) or returns a response code for an immediate empty
// reply.
func (c *Context) acceptNewRequest(ctx context.Context, msg *Message) error {
	if c.onNewRequest == nil {
		// client-only context; nothing can accept this request
		resp := &Message{Code: codes.InternalServerError, Token: msg.Token}
		return c.transport.Send(ctx, resp, nil)
	}
	rc := &ServerRequestContext{ctx: c, outerCtx: ctx, req: msg}
	code := c.onNewRequest(rc, msg)
	if rc.exchangeID != InvalidExchangeID {
		return nil
	}
	if code == codes.Code(0) {
		code = codes.InternalServerError
	}
	resp := &Message{Code: code, Token: msg.Token}
	return c.transport.Send(ctx, resp, nil)
}

// AcceptAsyncRequest registers a new server exchange for rc's triggering
// request. handler is called once synchronously with the
// request's already-received payload (ResultOK if the whole body fit in
// this one packet, ResultPartialContent if more BLOCK1 chunks are
// expected), and again for every subsequent chunk as it arrives.
func (rc *ServerRequestContext) AcceptAsyncRequest(handler ServerRequestHandler) ExchangeID {
	c := rc.ctx
	msg := rc.req

	ex := &ServerExchange{}
	ex.id = c.mintID()
	ex.token = msg.Token
	ex.requestHandler = handler
	ex.requestKeyOptions = keyOptionsOf(msg.Options)
	ex.requestCode = msg.Code
	ex.exchangeDeadline = time.Now().Add(c.serverDeadline)

	block1, hasBlock1, _ := msg.Options.GetBlock1()
	ex.lastBlock1, ex.hasLastBlock1 = block1, hasBlock1
	block2, hasBlock2, _ := msg.Options.GetBlock2()
	ex.initialBlock2, ex.hasInitialBlock2 = block2, hasBlock2
	ex.expectedRequestPayloadOffset = uint64(len(msg.Payload))
	if hasBlock1 {
		ex.expectedRequestPayloadOffset = uint64(block1.SeqNum)*uint64(block1.Size) + uint64(len(msg.Payload))
	}

	c.insertServerExchange(ex)
	rc.exchangeID = ex.id

	id := ex.id
	if handler != nil {
		result := ResultOK
		if hasBlock1 && block1.HasMore {
			result = ResultPartialContent
		}
		handler(rc, result, nil, msg, 0)
	}

	if hasBlock1 && block1.HasMore {
		// re-resolve: the handler may have cancelled the exchange or set
		// up the response already, in which case no Continue is owed
		if cur, ok := c.findServerExchange(id); ok && cur.code == 0 {
			c.sendServerContinue(rc.outerCtx, cur, block1)
		}
	}
	return id
}

// sendServerContinue acks receipt of a non-final BLOCK1 request chunk
// with a bare 2.31 Continue.
func (c *Context) sendServerContinue(ctx context.Context, ex *ServerExchange, block1 BlockOpt) error {
	resp := &Message{Code: codes.Continue, Token: ex.token}
	echo := block1
	echo.HasMore = false
	resp.Options.SetBlock(echo)
	return c.transport.Send(ctx, resp, nil)
}

// continueServerExchange handles every packet matched to an existing
// server exchange: either the client's next BLOCK1 request
// chunk, a re-request for the next BLOCK2 response chunk, or (TCP) a
// further stream fragment of the current message.
func (c *Context) continueServerExchange(ctx context.Context, ex *ServerExchange, msg *Message) error {
	ex.exchangeDeadline = time.Now().Add(c.serverDeadline)
	c.reinsertServerExchange(ex)
	ex.requestCode = msg.Code

	if reqBlock2, hasBlock2, _ := msg.Options.GetBlock2(); hasBlock2 {
		ex.token = msg.Token
		if stored, has, _ := ex.options.GetBlock2(); has && reqBlock2.Size > stored.Size {
			// growing the block size mid-transfer is refused, same rule as
			// the client side's renegotiation
			return c.failServerExchange(ex, ErrBlockRenegotiationInvalid)
		}
		// Adopt the requested block descriptor: matchServerExchange already
		// verified seq_num*size lines up with the bytes sent so far, so
		// this both advances seq_num for the next chunk and applies any
		// size reduction the client asked for.
		next := reqBlock2
		next.HasMore = false
		ex.options.SetBlock(next)
		return c.sendServerResponseChunk(ctx, ex)
	}

	block1, hasBlock1, err := msg.Options.GetBlock1()
	if err != nil {
		return c.failServerExchange(ex, ErrMalformedOptions)
	}
	if hasBlock1 {
		ex.lastBlock1, ex.hasLastBlock1 = block1, true
		// each BLOCK1 chunk arrives under a fresh token; the Continue and
		// the eventual response answer the latest one
		ex.token = msg.Token
	}
	if !hasBlock1 {
		offset := ex.expectedRequestPayloadOffset
		ex.expectedRequestPayloadOffset += uint64(len(msg.Payload))
		if ex.requestHandler != nil {
			rc := &ServerRequestContext{ctx: c, outerCtx: ctx, req: msg, exchangeID: ex.id}
			ex.requestHandler(rc, ResultOK, nil, msg, offset)
		}
		return nil
	}

	offset := ex.expectedRequestPayloadOffset
	ex.expectedRequestPayloadOffset += uint64(len(msg.Payload))

	id := ex.id
	rc := &ServerRequestContext{ctx: c, outerCtx: ctx, req: msg, exchangeID: id}
	if ex.requestHandler != nil {
		result := ResultPartialContent
		if !block1.HasMore {
			result = ResultOK
		}
		ex.requestHandler(rc, result, nil, msg, offset)
	}

	if block1.HasMore {
		// re-resolve after the handler: it may have cancelled the
		// exchange or set up the response, superseding the Continue
		if cur, ok := c.findServerExchange(id); ok && cur.code == 0 {
			return c.sendServerContinue(ctx, cur, block1)
		}
	}
	return nil
}

func (c *Context) failServerExchange(ex *ServerExchange, err error) error {
	c.removeServerExchange(ex.id)
	if ex.observeID != "" {
		c.observeTable.cancel(ex.observeID)
	}
	if ex.requestHandler != nil {
		ex.requestHandler(nil, ResultFail, err, nil, 0)
	}
	return err
}

func (c *Context) cancelServerExchange(ex *ServerExchange) {
	c.removeServerExchange(ex.id)
	if ex.observeID != "" {
		c.observeTable.cancel(ex.observeID)
	}
	if tokenSet(ex.token) {
		c.transport.AbortDelivery(DirectionOutgoing, ex.token, ResultCancel, nil)
	}
	if ex.deliveryHandler != nil {
		ex.deliveryHandler(ResultCancel, nil)
	}
	if ex.requestHandler != nil {
		ex.requestHandler(nil, ResultCancel, nil, nil, 0)
	}
}

// SetupAsyncResponse installs the response to produce for rc's exchange
// and sends its first chunk immediately. It may be called
// from within AcceptAsyncRequest's initial handler invocation (a
// same-packet reply) or from any later ServerRequestHandler callback
// once the full request body has been seen.
func (rc *ServerRequestContext) SetupAsyncResponse(code codes.Code, opts OptionSet, writer PayloadWriter, hint ReliabilityHint, deliveryHandler DeliveryHandler) error {
	c := rc.ctx
	ex, ok := c.findServerExchange(rc.exchangeID)
	if !ok {
		return ErrUnknownExchange
	}
	if !isResponseCode(code) || code == codes.Continue {
		return newErr(KindInvalidArgument, "code %v is not a valid final response code", code)
	}
	ex.code = code
	ex.options = NewOptionSet(opts.All(), serverOptionReserve)
	if ex.hasInitialBlock2 {
		// resume a partial download where the request's BLOCK2 asked
		resume := ex.initialBlock2
		resume.HasMore = false
		ex.options.SetBlock(resume)
		ex.writeOffset = uint64(resume.SeqNum) * uint64(resume.Size)
	}
	if ex.hasLastBlock1 {
		// RFC 7959 §2.5: the final response to a block-wise request echoes
		// the last request's BLOCK1, with the more-blocks flag cleared.
		echo := ex.lastBlock1
		echo.HasMore = false
		ex.options.SetBlock(echo)
	}
	if ex.observeID != "" {
		// MarkObserved may have already been called on this exchange
		// (the natural order: decide to observe, then compose the
		// initial response); don't let the fresh option set above
		// discard that Observe option.
		ex.options.Add(optionObserve, encodeObserveSeq(0))
	}
	ex.writePayload = writer
	ex.reliabilityHint = hint
	ex.deliveryHandler = deliveryHandler
	return c.sendServerResponseChunk(rc.outerCtx, ex)
}

// MarkObserved registers rc's exchange as an RFC 7641 observation under
// id: future notifications are addressed via NotifyAsync(id, ...) rather
// than tied to any further incoming packet.
func (rc *ServerRequestContext) MarkObserved(id string) error {
	c := rc.ctx
	ex, ok := c.findServerExchange(rc.exchangeID)
	if !ok {
		return ErrUnknownExchange
	}
	ex.observeID = id
	if !ex.options.has(optionObserve) {
		ex.options.Add(optionObserve, encodeObserveSeq(0))
	}
	c.observeTable.register(id, ex.token, ex.requestKeyOptions)
	return nil
}

// sendServerResponseChunk sends the next chunk of ex's response body.
// When the response isn't fully sent yet, ex is left registered so a
// further BLOCK2 re-request can be matched to it by matchServerExchange;
// once the last chunk goes out the exchange is removed, but the delivery
// outcome (and any observe cancellation it implies) is still reported.
func (c *Context) sendServerResponseChunk(ctx context.Context, ex *ServerExchange) error {
	payload, hasMore, err := ex.nextChunk(c.transport, Block2)
	if err != nil {
		return c.failServerExchange(ex, err)
	}

	resp := &Message{
		Code:          ex.code,
		Token:         ex.token,
		Options:       ex.options,
		Payload:       payload,
		IsConfirmable: ex.reliabilityHint == PreferCON,
	}

	dh := ex.deliveryHandler
	obsID := ex.observeID
	bridge := func(result ResultState, rerr error, _ *Message) {
		if result != ResultOK && obsID != "" {
			c.observeTable.cancel(obsID)
		}
		if dh != nil {
			dh(result, rerr)
		}
	}

	if err := c.transport.Send(ctx, resp, bridge); err != nil {
		return c.failServerExchange(ex, err)
	}
	ex.token = resp.Token

	if !hasMore {
		c.removeServerExchange(ex.id)
	}
	return nil
}

// NotifyAsync pushes a new RFC 7641 notification for a previously
// MarkObserved exchange. It
// reuses the original request's token and key options. It returns
// ErrUnknownExchange when observeID was never registered or has since
// been cancelled (a Reset, a failed delivery, or an explicit Cancel all
// cancel it, per observeTable.cancel's callers).
func (c *Context) NotifyAsync(ctx context.Context, observeID string, code codes.Code, opts OptionSet, hint ReliabilityHint, writer PayloadWriter, deliveryHandler DeliveryHandler) (ExchangeID, error) {
	entry, ok := c.observeTable.lookup(observeID)
	if !ok {
		return InvalidExchangeID, ErrUnknownExchange
	}
	if hint == PreferCON && deliveryHandler == nil {
		return InvalidExchangeID, newErr(KindInvalidArgument, "confirmable notifications require a delivery handler")
	}

	ex := &ServerExchange{}
	ex.id = c.mintID()
	ex.token = entry.token
	ex.code = code
	ex.options = NewOptionSet(opts.All(), serverOptionReserve)
	if code>>5 == 2 {
		seq, _ := c.observeTable.nextSeq(observeID)
		ex.options.Add(optionObserve, encodeObserveSeq(seq))
	} else {
		// A non-2.xx notification carries no Observe option and ends the
		// observation, RFC 7641 §4.2.
		c.observeTable.cancel(observeID)
	}
	ex.writePayload = writer
	ex.reliabilityHint = hint
	ex.deliveryHandler = deliveryHandler
	ex.requestKeyOptions = entry.keyOptions
	ex.observeID = observeID
	ex.exchangeDeadline = time.Now().Add(c.serverDeadline)

	c.insertServerExchange(ex)
	if err := c.sendServerResponseChunk(ctx, ex); err != nil {
		return InvalidExchangeID, err
	}
	return ex.id, nil
}
