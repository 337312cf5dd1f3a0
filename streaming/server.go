package streaming

import (
	"bytes"
	"context"
	"time"

	coapasync "github.com/avsystem/coap-async-go"
	"github.com/plgd-dev/go-coap/v2/message/codes"
)

// Request is the fully reassembled view of an inbound request a
// RequestHandler sees - BLOCK1 chunking already collapsed into one
// buffer.
type Request struct {
	Code    codes.Code
	Options coapasync.OptionSet
	Body    []byte
}

// Response is what a RequestHandler returns; Server chunks Body across
// as many BLOCK2 packets as needed.
type Response struct {
	Code    codes.Code
	Options coapasync.OptionSet
	Body    []byte
	Hint    coapasync.ReliabilityHint
}

// RequestHandler answers one fully-reassembled Request.
type RequestHandler func(req *Request) Response

// Server drives a coapasync.Context in the server role, reassembling
// each request's payload before calling the caller's RequestHandler and
// dispatching its Response back through SetupAsyncResponse: one request
// handled start to finish without the caller seeing chunk boundaries.
type Server struct {
	ctx *coapasync.Context
	buf []byte
}

// NewServer builds a Context in the server role, wiring handler as the
// NewRequestHandler passed to coapasync.NewContext, and returns the
// Server wrapping it.
func NewServer(t coapasync.Transport, handler RequestHandler, opts ...coapasync.Option) *Server {
	s := &Server{buf: make([]byte, recvBufferSize)}
	onNewRequest := func(rc *coapasync.ServerRequestContext, req *coapasync.Message) codes.Code {
		var body bytes.Buffer

		accept := func(rc *coapasync.ServerRequestContext, result coapasync.ResultState, err error, req *coapasync.Message, offset uint64) {
			switch result {
			case coapasync.ResultPartialContent:
				body.Write(req.Payload)
			case coapasync.ResultOK:
				if req != nil {
					body.Write(req.Payload)
				}
				s.dispatch(rc, handler, req, body.Bytes())
			case coapasync.ResultFail, coapasync.ResultCancel, coapasync.ResultCleanup:
				// nothing to deliver; the exchange is already gone.
			}
		}
		rc.AcceptAsyncRequest(accept)
		return codes.Code(0)
	}
	s.ctx = coapasync.NewContext(t, onNewRequest, opts...)
	return s
}

// dispatch invokes handler with the reassembled request and installs its
// Response. firstReq is the request packet that completed reassembly
// (used for its Code/Options identity); it may be the very first packet
// when the whole body fit in one chunk.
func (s *Server) dispatch(rc *coapasync.ServerRequestContext, handler RequestHandler, firstReq *coapasync.Message, body []byte) {
	req := &Request{Body: append([]byte(nil), body...)}
	if firstReq != nil {
		req.Code = firstReq.Code
		req.Options = firstReq.Options
	} else {
		orig := rc.Request()
		req.Code = orig.Code
		req.Options = orig.Options
	}

	resp := handler(req)
	writer := bytesPayloadWriter(resp.Body)
	_ = rc.SetupAsyncResponse(resp.Code, resp.Options, writer, resp.Hint, nil)
}

// Serve pumps incoming packets and the periodic job until outerCtx is
// cancelled, the same loop shape as Client.Request but run indefinitely
// rather than until one exchange completes.
func (s *Server) Serve(outerCtx context.Context) error {
	for {
		select {
		case <-outerCtx.Done():
			return outerCtx.Err()
		default:
		}

		next, hasNext := s.ctx.RunPeriodicJob(outerCtx)
		waitCtx, cancel := deadlineOrTimeout(outerCtx, next, hasNext)
		err := s.ctx.HandleIncomingPacket(waitCtx, s.buf)
		cancel()
		if err != nil && err != context.DeadlineExceeded {
			return err
		}
	}
}

// Notify pushes an RFC 7641 notification for a previously MarkObserved
// exchange.
func (s *Server) Notify(ctx context.Context, observeID string, code codes.Code, opts coapasync.OptionSet, hint coapasync.ReliabilityHint, body []byte) (coapasync.ExchangeID, error) {
	return s.ctx.NotifyAsync(ctx, observeID, code, opts, hint, bytesPayloadWriter(body), nil)
}

func deadlineOrTimeout(outerCtx context.Context, next time.Time, hasNext bool) (context.Context, context.CancelFunc) {
	if !hasNext {
		return context.WithTimeout(outerCtx, time.Second)
	}
	return context.WithDeadline(outerCtx, next)
}
