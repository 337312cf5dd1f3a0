package coapasync

import (
	"bytes"
	"context"
	"testing"

	"github.com/plgd-dev/go-coap/v2/message/codes"
)

// pump drives both contexts' dispatch shells and periodic jobs until
// done reports true or the iteration budget is exhausted, simulating
// the caller-owned event loop the engine assumes.
func pump(t *testing.T, a, b *Context, done func() bool) {
	t.Helper()
	buf := make([]byte, 2048)
	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		if done() {
			return
		}
		a.RunPeriodicJob(ctx)
		b.RunPeriodicJob(ctx)
		_ = a.HandleIncomingPacket(ctx, buf)
		_ = b.HandleIncomingPacket(ctx, buf)
	}
	t.Fatal("pump: exceeded iteration budget without completing")
}

func bytesWriter(b []byte) PayloadWriter {
	return func(offset uint64, buf []byte) (int, error) {
		if offset >= uint64(len(b)) {
			return 0, nil
		}
		return copy(buf, b[offset:]), nil
	}
}

func TestClientServerPlainGET(t *testing.T) {
	clientT, serverT := newFakeTransportPair(1152)

	onNewRequest := func(rc *ServerRequestContext, req *Message) codes.Code {
		rc.AcceptAsyncRequest(func(rc *ServerRequestContext, result ResultState, err error, req *Message, offset uint64) {
			if result != ResultOK {
				return
			}
			_ = rc.SetupAsyncResponse(codes.Content, OptionSet{}, bytesWriter([]byte("hello")), PreferNON, nil)
		})
		return 0
	}
	server := NewContext(serverT, onNewRequest)
	client := NewContext(clientT, nil)

	var gotCode codes.Code
	var gotBody []byte
	var done bool
	_, err := client.SendAsyncRequest(context.Background(), codes.GET, OptionSet{}, nil, func(result ResultState, err error, resp *Message, offset uint64) {
		if result == ResultOK {
			gotCode = resp.Code
			gotBody = resp.Payload
		}
		done = true
	})
	if err != nil {
		t.Fatalf("SendAsyncRequest: %v", err)
	}

	pump(t, client, server, func() bool { return done })

	if gotCode != codes.Content {
		t.Errorf("code = %v, want %v", gotCode, codes.Content)
	}
	if !bytes.Equal(gotBody, []byte("hello")) {
		t.Errorf("body = %q, want %q", gotBody, "hello")
	}
}

func TestClientServerBlock2Download(t *testing.T) {
	clientT, serverT := newFakeTransportPair(64) // small MTU forces multiple BLOCK2 chunks

	payload := bytes.Repeat([]byte("x"), 300)

	onNewRequest := func(rc *ServerRequestContext, req *Message) codes.Code {
		rc.AcceptAsyncRequest(func(rc *ServerRequestContext, result ResultState, err error, req *Message, offset uint64) {
			if result != ResultOK {
				return
			}
			_ = rc.SetupAsyncResponse(codes.Content, OptionSet{}, bytesWriter(payload), PreferNON, nil)
		})
		return 0
	}
	server := NewContext(serverT, onNewRequest)
	client := NewContext(clientT, nil)

	var got bytes.Buffer
	var done bool
	_, err := client.SendAsyncRequest(context.Background(), codes.GET, OptionSet{}, nil, func(result ResultState, err error, resp *Message, offset uint64) {
		switch result {
		case ResultPartialContent, ResultOK:
			got.Write(resp.Payload)
		}
		if result == ResultOK {
			done = true
		}
		if result == ResultFail {
			t.Fatalf("unexpected failure: %v", err)
		}
	})
	if err != nil {
		t.Fatalf("SendAsyncRequest: %v", err)
	}

	pump(t, client, server, func() bool { return done })

	if !bytes.Equal(got.Bytes(), payload) {
		t.Errorf("reassembled body length = %d, want %d", got.Len(), len(payload))
	}
}

// TestClientServerBlock2ResumeFromOffset: a request carrying BLOCK2 up
// front resumes a partial download, so the first delivered chunk starts
// at seq_num*size and nothing below that offset is ever handed to the
// handler.
func TestClientServerBlock2ResumeFromOffset(t *testing.T) {
	clientT, serverT := newFakeTransportPair(64)

	payload := bytes.Repeat([]byte("r"), 96)
	server := NewContext(serverT, func(rc *ServerRequestContext, req *Message) codes.Code {
		rc.AcceptAsyncRequest(func(rc *ServerRequestContext, result ResultState, err error, req *Message, offset uint64) {
			if result == ResultOK {
				_ = rc.SetupAsyncResponse(codes.Content, OptionSet{}, bytesWriter(payload), PreferNON, nil)
			}
		})
		return 0
	})
	client := NewContext(clientT, nil)

	reqOpts := OptionSet{}
	reqOpts.SetBlock(BlockOpt{Kind: Block2, SeqNum: 1, HasMore: false, Size: 32})

	var offsets []uint64
	var total int
	var done bool
	_, err := client.SendAsyncRequest(context.Background(), codes.GET, reqOpts, nil, func(result ResultState, err error, resp *Message, offset uint64) {
		switch result {
		case ResultPartialContent, ResultOK:
			offsets = append(offsets, offset)
			total += len(resp.Payload)
		case ResultFail:
			t.Fatalf("unexpected failure: %v", err)
		}
		if result == ResultOK {
			done = true
		}
	})
	if err != nil {
		t.Fatalf("SendAsyncRequest: %v", err)
	}

	pump(t, client, server, func() bool { return done })

	if total != len(payload)-32 {
		t.Errorf("delivered %d bytes, want %d (resume skips the first block)", total, len(payload)-32)
	}
	for _, off := range offsets {
		if off < 32 {
			t.Errorf("delivered offset %d below the resume point", off)
		}
	}
}

func TestServerBlock1Reassembly(t *testing.T) {
	clientT, serverT := newFakeTransportPair(64)

	uploaded := bytes.Repeat([]byte("y"), 250)

	var gotBody bytes.Buffer
	var reqDone bool
	onNewRequest := func(rc *ServerRequestContext, req *Message) codes.Code {
		rc.AcceptAsyncRequest(func(rc *ServerRequestContext, result ResultState, err error, req *Message, offset uint64) {
			if req != nil {
				gotBody.Write(req.Payload)
			}
			if result == ResultOK {
				reqDone = true
				_ = rc.SetupAsyncResponse(codes.Changed, OptionSet{}, bytesWriter(nil), PreferNON, nil)
			}
		})
		return 0
	}
	server := NewContext(serverT, onNewRequest)
	client := NewContext(clientT, nil)

	var clientDone bool
	_, err := client.SendAsyncRequest(context.Background(), codes.PUT, OptionSet{}, bytesWriter(uploaded), func(result ResultState, err error, resp *Message, offset uint64) {
		if result == ResultOK || result == ResultFail {
			clientDone = true
		}
		if result == ResultFail {
			t.Fatalf("unexpected failure: %v", err)
		}
	})
	if err != nil {
		t.Fatalf("SendAsyncRequest: %v", err)
	}

	pump(t, client, server, func() bool { return clientDone && reqDone })

	if !bytes.Equal(gotBody.Bytes(), uploaded) {
		t.Errorf("server reassembled body length = %d, want %d", gotBody.Len(), len(uploaded))
	}
}

func TestCancelMidTransfer(t *testing.T) {
	clientT, serverT := newFakeTransportPair(64)

	onNewRequest := func(rc *ServerRequestContext, req *Message) codes.Code {
		rc.AcceptAsyncRequest(func(rc *ServerRequestContext, result ResultState, err error, req *Message, offset uint64) {
			if result == ResultOK {
				_ = rc.SetupAsyncResponse(codes.Content, OptionSet{}, bytesWriter(bytes.Repeat([]byte("z"), 500)), PreferNON, nil)
			}
		})
		return 0
	}
	server := NewContext(serverT, onNewRequest)
	client := NewContext(clientT, nil)

	var cancelled bool
	var id ExchangeID
	id, err := client.SendAsyncRequest(context.Background(), codes.GET, OptionSet{}, nil, func(result ResultState, err error, resp *Message, offset uint64) {
		if result == ResultPartialContent {
			client.Cancel(id)
		}
		if result == ResultCancel {
			cancelled = true
		}
	})
	if err != nil {
		t.Fatalf("SendAsyncRequest: %v", err)
	}

	pump(t, client, server, func() bool { return cancelled })
}

func TestFireAndForgetRequestNeverBlocks(t *testing.T) {
	clientT, serverT := newFakeTransportPair(1152)
	requestSeen := false
	onNewRequest := func(rc *ServerRequestContext, req *Message) codes.Code {
		requestSeen = true
		return 0
	}
	server := NewContext(serverT, onNewRequest)
	client := NewContext(clientT, nil)

	id, err := client.SendAsyncRequest(context.Background(), codes.POST, OptionSet{}, bytesWriter([]byte("fire")), nil)
	if err != nil {
		t.Fatalf("SendAsyncRequest: %v", err)
	}
	if id == InvalidExchangeID {
		t.Fatal("expected a valid exchange id even for fire-and-forget")
	}

	_ = server.HandleIncomingPacket(context.Background(), make([]byte, 2048))
	if !requestSeen {
		t.Fatal("server never saw the fire-and-forget request")
	}
}
