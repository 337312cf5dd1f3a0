package streaming

import (
	"bytes"
	"context"
	"io"
	"time"

	coapasync "github.com/avsystem/coap-async-go"
	"github.com/plgd-dev/go-coap/v2/message/codes"
)

// recvBufferSize mirrors the transport package's own udpMTU budget; the
// streaming façade owns a single scratch buffer per Client, reused
// across every blocking call.
const recvBufferSize = 1152

// Client is a blocking, synchronous-looking façade over a
// coapasync.Context driven in the client role: a caller that doesn't
// need to interleave other work can call Request and get a complete response back without
// touching ResponseHandler, RunPeriodicJob, or HandleIncomingPacket
// directly.
type Client struct {
	ctx *coapasync.Context
	buf []byte
}

// NewClient wraps an already-constructed Context. The Context's
// transport must already be connected/peered to the server this Client
// talks to.
func NewClient(ctx *coapasync.Context) *Client {
	return &Client{ctx: ctx, buf: make([]byte, recvBufferSize)}
}

// Request sends one request and blocks until its response is fully
// reassembled (across as many BLOCK2 chunks as the server sends), or
// until outerCtx is cancelled. It is not safe to call concurrently with
// another blocking call on the same Client, since both would drive the
// same single-threaded Context - one Client per logical connection.
func (cl *Client) Request(outerCtx context.Context, code codes.Code, opts coapasync.OptionSet, body io.Reader) (codes.Code, []byte, error) {
	var payload []byte
	var writer coapasync.PayloadWriter
	if body != nil {
		var err error
		payload, err = io.ReadAll(body)
		if err != nil {
			return 0, nil, err
		}
		writer = bytesPayloadWriter(payload)
	}

	type outcome struct {
		code codes.Code
		resp []byte
		err  error
	}
	done := make(chan outcome, 1)

	var respBody bytes.Buffer
	var respCode codes.Code

	handler := func(result coapasync.ResultState, err error, resp *coapasync.Message, offset uint64) {
		switch result {
		case coapasync.ResultPartialContent:
			respBody.Write(resp.Payload)
		case coapasync.ResultOK:
			respCode = resp.Code
			respBody.Write(resp.Payload)
			done <- outcome{code: respCode, resp: append([]byte(nil), respBody.Bytes()...)}
		case coapasync.ResultFail, coapasync.ResultCancel:
			done <- outcome{err: err}
		}
	}

	id, err := cl.ctx.SendAsyncRequest(outerCtx, code, opts, writer, handler)
	if err != nil {
		return 0, nil, err
	}

	for {
		select {
		case o := <-done:
			return o.code, o.resp, o.err
		case <-outerCtx.Done():
			cl.ctx.Cancel(id)
			return 0, nil, outerCtx.Err()
		default:
		}

		next, hasNext := cl.ctx.RunPeriodicJob(outerCtx)
		waitCtx, cancel := cl.deadlineContext(outerCtx, next, hasNext)
		err := cl.ctx.HandleIncomingPacket(waitCtx, cl.buf)
		cancel()
		if err != nil && err != context.DeadlineExceeded {
			return 0, nil, err
		}
	}
}

func (cl *Client) deadlineContext(outerCtx context.Context, next time.Time, hasNext bool) (context.Context, context.CancelFunc) {
	if !hasNext {
		return context.WithTimeout(outerCtx, time.Second)
	}
	return context.WithDeadline(outerCtx, next)
}

// bytesPayloadWriter adapts a fixed byte slice into a PayloadWriter.
func bytesPayloadWriter(payload []byte) coapasync.PayloadWriter {
	return func(offset uint64, buf []byte) (int, error) {
		if offset >= uint64(len(payload)) {
			return 0, nil
		}
		return copy(buf, payload[offset:]), nil
	}
}
