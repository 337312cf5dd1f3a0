package coapasync

import (
	"context"
	"fmt"
	"time"

	"github.com/plgd-dev/go-coap/v2/message/codes"
)

// DefaultServerExchangeDeadline is how long a server exchange may go
// without a matching request packet before the periodic job cleans it
// up.
const DefaultServerExchangeDeadline = 5 * time.Minute

// Option configures a Context at construction time.
type Option func(*Context)

// WithLogger installs a debug logger.
func WithLogger(l Logger) Option {
	return func(c *Context) { c.log = l }
}

// WithServerExchangeDeadline overrides DefaultServerExchangeDeadline.
func WithServerExchangeDeadline(d time.Duration) Option {
	return func(c *Context) { c.serverDeadline = d }
}

// Context is the engine's single per-socket instance: it owns the two
// exchange lists and the dispatch shell. It is not safe for concurrent
// use by multiple goroutines; a single owning goroutine is expected to
// drive sends, incoming packets, and the periodic job.
type Context struct {
	transport Transport
	log       Logger

	nextID uint64

	// clientExchanges is ordered with not-yet-sent exchanges first.
	clientExchanges []*ClientExchange
	clientIndex     map[ExchangeID]int

	// serverExchanges is kept sorted by exchangeDeadline ascending so the
	// periodic sweep is O(k) in expired exchanges.
	serverExchanges []*ServerExchange
	serverIndex     map[ExchangeID]int

	serverDeadline time.Duration

	// bufferHeld is the reentrancy guard on the shared input buffer.
	bufferHeld bool

	onNewRequest NewRequestHandler
	observeTable observeTable
}

// NewRequestHandler is invoked synchronously for every inbound request
// that doesn't match an existing server exchange. Returning a non-zero
// CoAP response code forces an empty error response of that code;
// returning codes.Empty (0) with no call to AcceptAsyncRequest
// causes a 5.00 Internal Server Error; calling AcceptAsyncRequest
// registers a request handler for the new exchange.
type NewRequestHandler func(rc *ServerRequestContext, req *Message) codes.Code

// NewContext constructs a Context driving the given transport.
func NewContext(t Transport, onNewRequest NewRequestHandler, opts ...Option) *Context {
	c := &Context{
		transport:      t,
		log:            nopLogger{},
		clientIndex:    make(map[ExchangeID]int),
		serverIndex:    make(map[ExchangeID]int),
		serverDeadline: DefaultServerExchangeDeadline,
		onNewRequest:   onNewRequest,
		observeTable:   newObserveTable(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Context) mintID() ExchangeID {
	c.nextID++
	return ExchangeID(c.nextID)
}

func (c *Context) logf(format string, v ...interface{}) {
	c.log.Printf(format, v...)
}

// --- client exchange list maintenance --------------------------------

// insertClientExchange adds ex to the head of the client list (unsent
// exchanges are grouped at the head), then fixes the index.
func (c *Context) insertClientExchange(ex *ClientExchange) {
	c.clientExchanges = append([]*ClientExchange{ex}, c.clientExchanges...)
	c.reindexClients()
}

// markClientSent moves ex to the tail of the client list after each
// packet it sends, so every unsent exchange stays ahead of it and the
// "unsent first" ordering invariant holds.
func (c *Context) markClientSent(ex *ClientExchange) {
	idx, ok := c.clientIndex[ex.id]
	if !ok {
		return
	}
	c.clientExchanges = append(c.clientExchanges[:idx], c.clientExchanges[idx+1:]...)
	c.clientExchanges = append(c.clientExchanges, ex)
	c.reindexClients()
}

func (c *Context) reindexClients() {
	for i, e := range c.clientExchanges {
		c.clientIndex[e.id] = i
	}
}

func (c *Context) findClientExchange(id ExchangeID) (*ClientExchange, bool) {
	idx, ok := c.clientIndex[id]
	if !ok || idx >= len(c.clientExchanges) {
		return nil, false
	}
	ex := c.clientExchanges[idx]
	if ex.id != id {
		return nil, false
	}
	return ex, true
}

func (c *Context) removeClientExchange(id ExchangeID) {
	idx, ok := c.clientIndex[id]
	if !ok {
		return
	}
	c.clientExchanges = append(c.clientExchanges[:idx], c.clientExchanges[idx+1:]...)
	delete(c.clientIndex, id)
	c.reindexClients()
}

// unsentClientExchanges returns every client exchange that hasn't sent
// its first packet yet, for the periodic job.
func (c *Context) unsentClientExchanges() []*ClientExchange {
	var out []*ClientExchange
	for _, ex := range c.clientExchanges {
		if !tokenSet(ex.token) {
			out = append(out, ex)
		}
	}
	return out
}

// --- server exchange list maintenance ---------------------------------

func (c *Context) insertServerExchange(ex *ServerExchange) {
	pos := len(c.serverExchanges)
	for i, e := range c.serverExchanges {
		if ex.exchangeDeadline.Before(e.exchangeDeadline) {
			pos = i
			break
		}
	}
	c.serverExchanges = append(c.serverExchanges, nil)
	copy(c.serverExchanges[pos+1:], c.serverExchanges[pos:])
	c.serverExchanges[pos] = ex
	c.reindexServers()
}

// reinsertServerExchange removes and reinserts ex, used whenever its
// deadline is refreshed on a matched request packet, so sorted order is
// maintained.
func (c *Context) reinsertServerExchange(ex *ServerExchange) {
	c.removeServerExchange(ex.id)
	c.insertServerExchange(ex)
}

func (c *Context) reindexServers() {
	for i, e := range c.serverExchanges {
		c.serverIndex[e.id] = i
	}
}

func (c *Context) findServerExchange(id ExchangeID) (*ServerExchange, bool) {
	idx, ok := c.serverIndex[id]
	if !ok || idx >= len(c.serverExchanges) {
		return nil, false
	}
	ex := c.serverExchanges[idx]
	if ex.id != id {
		return nil, false
	}
	return ex, true
}

func (c *Context) removeServerExchange(id ExchangeID) {
	idx, ok := c.serverIndex[id]
	if !ok {
		return
	}
	c.serverExchanges = append(c.serverExchanges[:idx], c.serverExchanges[idx+1:]...)
	delete(c.serverIndex, id)
	c.reindexServers()
}

// --- dispatch shell ----------------------------------------------------

// HandleIncomingPacket drives one packet through the transport and
// dispatches it: a response to a known client exchange, a continuation of
// a known server exchange, or a brand new request. It acquires the shared
// input buffer for its entire duration, including every synchronous user
// callback triggered along the way, and fails with ErrSharedBufferInUse
// if called reentrantly from within a handler.
func (c *Context) HandleIncomingPacket(ctx context.Context, buf []byte) error {
	if c.bufferHeld {
		return ErrSharedBufferInUse
	}
	c.bufferHeld = true
	defer func() { c.bufferHeld = false }()

	msg, err := c.transport.Receive(ctx, buf)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}
	return c.dispatchIncoming(ctx, msg)
}

// dispatchIncoming handles request packets: a response to an
// outstanding client request is matched by token and delivered to that
// exchange's result bridge entirely inside c.transport.Receive. A
// response that matches no outstanding request is passed up by the
// transport and dropped here.
func (c *Context) dispatchIncoming(ctx context.Context, msg *Message) error {
	if !isRequestCode(msg.Code) {
		c.logf("dropping unmatched non-request packet, code %v", msg.Code)
		return nil
	}
	if ex, ok := c.matchServerExchange(msg); ok {
		return c.continueServerExchange(ctx, ex, msg)
	}
	return c.acceptNewRequest(ctx, msg)
}

// HandleAllPending drains the transport's input queue without blocking:
// it handles packets under an already-expired deadline until the
// transport's Receive reports context.DeadlineExceeded. The streaming
// façade does not call it.
func (c *Context) HandleAllPending(parent context.Context, buf []byte) error {
	expired, cancel := context.WithDeadline(parent, time.Now())
	defer cancel()
	for {
		err := c.HandleIncomingPacket(expired, buf)
		if err == context.DeadlineExceeded {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// RunPeriodicJob is the engine's single scheduler slot. Callers
// (typically a ticker goroutine, or the blocking streaming façade
// between reads) invoke this whenever the previously returned deadline
// elapses.
func (c *Context) RunPeriodicJob(ctx context.Context) (next time.Time, ok bool) {
	for _, ex := range c.unsentClientExchanges() {
		if err := c.sendFirstRequestChunk(ctx, ex); err != nil {
			c.failClientExchange(ex, err)
		}
	}

	now := time.Now()
	for _, ex := range c.expiredServerExchanges(now) {
		c.expireServerExchange(ex)
	}

	transportNext, transportOK := c.transport.OnTimeout(ctx)

	next, ok = transportNext, transportOK
	if len(c.serverExchanges) > 0 {
		deadline := c.serverExchanges[0].exchangeDeadline
		if !ok || deadline.Before(next) {
			next, ok = deadline, true
		}
	}
	return next, ok
}

func (c *Context) expiredServerExchanges(now time.Time) []*ServerExchange {
	var out []*ServerExchange
	for _, ex := range c.serverExchanges {
		if !ex.exchangeDeadline.After(now) {
			out = append(out, ex)
		} else {
			break // sorted by deadline: nothing further has expired
		}
	}
	return out
}

func (c *Context) expireServerExchange(ex *ServerExchange) {
	c.logf("expiring server exchange %d (last request %v)", ex.id, ex.requestCode)
	c.removeServerExchange(ex.id)
	if ex.observeID != "" {
		c.observeTable.cancel(ex.observeID)
	}
	if ex.deliveryHandler != nil {
		ex.deliveryHandler(ResultFail, newErr(KindTimeout, "server exchange %d expired", ex.id))
	}
	if ex.requestHandler != nil {
		ex.requestHandler(nil, ResultCleanup, nil, nil, 0)
	}
}

func assertf(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf("coapasync: assertion failed: "+format, args...))
	}
}
