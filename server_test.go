package coapasync

import (
	"bytes"
	"context"
	"testing"

	"github.com/plgd-dev/go-coap/v2/message/codes"
)

// acceptAndRespond is the minimal server wiring most tests here share:
// accept every request and answer it with the given code and body once
// the final chunk has arrived.
func acceptAndRespond(code codes.Code, body []byte) NewRequestHandler {
	return func(rc *ServerRequestContext, req *Message) codes.Code {
		rc.AcceptAsyncRequest(func(rc *ServerRequestContext, result ResultState, err error, req *Message, offset uint64) {
			if result == ResultOK {
				_ = rc.SetupAsyncResponse(code, OptionSet{}, bytesWriter(body), PreferNON, nil)
			}
		})
		return 0
	}
}

func TestSetupAsyncResponseRejectsInvalidCodes(t *testing.T) {
	_, serverT := newFakeTransportPair(1152)

	var gotErrs []error
	server := NewContext(serverT, func(rc *ServerRequestContext, req *Message) codes.Code {
		rc.AcceptAsyncRequest(func(rc *ServerRequestContext, result ResultState, err error, req *Message, offset uint64) {
			if result != ResultOK {
				return
			}
			// 2.31 Continue is reserved for the engine's own block
			// acknowledgements, and a request code is no response at all.
			gotErrs = append(gotErrs,
				rc.SetupAsyncResponse(codes.Continue, OptionSet{}, nil, PreferNON, nil),
				rc.SetupAsyncResponse(codes.GET, OptionSet{}, nil, PreferNON, nil),
				rc.SetupAsyncResponse(codes.Content, OptionSet{}, bytesWriter([]byte("ok")), PreferNON, nil))
		})
		return 0
	})

	serverT.inbox = append(serverT.inbox, &Message{Code: codes.GET, Token: Token{1}})
	if err := server.HandleIncomingPacket(context.Background(), make([]byte, 2048)); err != nil {
		t.Fatalf("HandleIncomingPacket: %v", err)
	}

	if len(gotErrs) != 3 {
		t.Fatalf("expected 3 SetupAsyncResponse results, got %d", len(gotErrs))
	}
	for i, want := range []bool{true, true, false} {
		if (gotErrs[i] != nil) != want {
			t.Errorf("SetupAsyncResponse call %d: err=%v, want error=%v", i, gotErrs[i], want)
		}
	}
}

func TestFinalResponseEchoesBlock1(t *testing.T) {
	_, serverT := newFakeTransportPair(1152)
	clientSide := serverT.peer

	server := NewContext(serverT, acceptAndRespond(codes.Changed, nil))

	opts := OptionSet{}
	opts.SetBlock(BlockOpt{Kind: Block1, SeqNum: 3, HasMore: false, Size: 64})
	msg := &Message{Code: codes.PUT, Token: Token{1}, Options: opts, Payload: bytes.Repeat([]byte("a"), 10)}
	serverT.inbox = append(serverT.inbox, msg)

	if err := server.HandleIncomingPacket(context.Background(), make([]byte, 2048)); err != nil {
		t.Fatalf("HandleIncomingPacket: %v", err)
	}

	if len(clientSide.inbox) != 1 {
		t.Fatalf("expected 1 response, got %d", len(clientSide.inbox))
	}
	resp := clientSide.inbox[0]
	b1, has, err := resp.Options.GetBlock1()
	if err != nil || !has {
		t.Fatalf("response missing BLOCK1 echo, err=%v", err)
	}
	if b1.SeqNum != 3 || b1.Size != 64 || b1.HasMore {
		t.Errorf("BLOCK1 echo = %+v, want seq=3 size=64 more=false", b1)
	}
}

// TestServerBlock2AdvancesWithRequests drives a chunked download at the
// packet level: each BLOCK2 re-request from the client must be answered
// with the chunk it names, seq_num included.
func TestServerBlock2AdvancesWithRequests(t *testing.T) {
	_, serverT := newFakeTransportPair(64)
	clientSide := serverT.peer

	payload := bytes.Repeat([]byte("p"), 100)
	server := NewContext(serverT, acceptAndRespond(codes.Content, payload))

	serverT.inbox = append(serverT.inbox, &Message{Code: codes.GET, Token: Token{1}})
	if err := server.HandleIncomingPacket(context.Background(), make([]byte, 2048)); err != nil {
		t.Fatalf("HandleIncomingPacket: %v", err)
	}

	if len(clientSide.inbox) != 1 {
		t.Fatalf("expected 1 chunk so far, got %d", len(clientSide.inbox))
	}
	first := clientSide.inbox[0]
	b2, has, _ := first.Options.GetBlock2()
	if !has || b2.SeqNum != 0 || !b2.HasMore {
		t.Fatalf("first chunk BLOCK2 = %+v (present=%v), want seq=0 more=true", b2, has)
	}
	size := b2.Size

	reReq := OptionSet{}
	reReq.SetBlock(BlockOpt{Kind: Block2, SeqNum: 1, HasMore: false, Size: size})
	serverT.inbox = append(serverT.inbox, &Message{Code: codes.GET, Token: Token{2}, Options: reReq})
	if err := server.HandleIncomingPacket(context.Background(), make([]byte, 2048)); err != nil {
		t.Fatalf("HandleIncomingPacket: %v", err)
	}

	if len(clientSide.inbox) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(clientSide.inbox))
	}
	second := clientSide.inbox[1]
	b2, has, _ = second.Options.GetBlock2()
	if !has || b2.SeqNum != 1 {
		t.Fatalf("second chunk BLOCK2 = %+v (present=%v), want seq=1", b2, has)
	}
	if !bytes.Equal(second.Payload, payload[size:2*int(size)]) {
		t.Errorf("second chunk carries wrong bytes (len=%d)", len(second.Payload))
	}
}

// TestServerBlock2ResumeStartsAtRequestedOffset: a request arriving with
// BLOCK2 already set starts the response at seq_num*size, not at zero.
func TestServerBlock2ResumeStartsAtRequestedOffset(t *testing.T) {
	_, serverT := newFakeTransportPair(1152)
	clientSide := serverT.peer

	payload := bytes.Repeat([]byte("q"), 96)
	server := NewContext(serverT, acceptAndRespond(codes.Content, payload))

	opts := OptionSet{}
	opts.SetBlock(BlockOpt{Kind: Block2, SeqNum: 2, HasMore: false, Size: 32})
	serverT.inbox = append(serverT.inbox, &Message{Code: codes.GET, Token: Token{1}, Options: opts})
	if err := server.HandleIncomingPacket(context.Background(), make([]byte, 2048)); err != nil {
		t.Fatalf("HandleIncomingPacket: %v", err)
	}

	if len(clientSide.inbox) != 1 {
		t.Fatalf("expected 1 response chunk, got %d", len(clientSide.inbox))
	}
	resp := clientSide.inbox[0]
	b2, has, _ := resp.Options.GetBlock2()
	if !has || b2.SeqNum != 2 || b2.Size != 32 {
		t.Fatalf("resumed BLOCK2 = %+v (present=%v), want seq=2 size=32", b2, has)
	}
	if !bytes.Equal(resp.Payload, payload[64:96]) {
		t.Errorf("resumed chunk carries wrong bytes (len=%d)", len(resp.Payload))
	}
}

func TestServerRefusesBlock2SizeGrowth(t *testing.T) {
	// maxSize 600 makes the server pick 512-byte chunks, so that after two
	// chunks the transfer sits at a 1024-aligned offset where a re-request
	// with a grown 1024-byte block can still match the exchange.
	_, serverT := newFakeTransportPair(600)

	var failed error
	server := NewContext(serverT, func(rc *ServerRequestContext, req *Message) codes.Code {
		rc.AcceptAsyncRequest(func(rc *ServerRequestContext, result ResultState, err error, req *Message, offset uint64) {
			switch result {
			case ResultOK:
				_ = rc.SetupAsyncResponse(codes.Content, OptionSet{}, bytesWriter(bytes.Repeat([]byte("g"), 2048)), PreferNON, nil)
			case ResultFail:
				failed = err
			}
		})
		return 0
	})

	serverT.inbox = append(serverT.inbox, &Message{Code: codes.GET, Token: Token{1}})
	if err := server.HandleIncomingPacket(context.Background(), make([]byte, 4096)); err != nil {
		t.Fatalf("HandleIncomingPacket: %v", err)
	}

	reReq := OptionSet{}
	reReq.SetBlock(BlockOpt{Kind: Block2, SeqNum: 1, HasMore: false, Size: 512})
	serverT.inbox = append(serverT.inbox, &Message{Code: codes.GET, Token: Token{2}, Options: reReq})
	if err := server.HandleIncomingPacket(context.Background(), make([]byte, 4096)); err != nil {
		t.Fatalf("HandleIncomingPacket: %v", err)
	}

	grown := OptionSet{}
	grown.SetBlock(BlockOpt{Kind: Block2, SeqNum: 1, HasMore: false, Size: 1024})
	serverT.inbox = append(serverT.inbox, &Message{Code: codes.GET, Token: Token{3}, Options: grown})
	_ = server.HandleIncomingPacket(context.Background(), make([]byte, 4096))

	if failed == nil {
		t.Fatal("expected the exchange to fail when the peer grows the block size")
	}
	ce, ok := failed.(*CoapError)
	if !ok || ce.Kind != KindBlockSizeRenegotiationInvalid {
		t.Errorf("got %v, want KindBlockSizeRenegotiationInvalid", failed)
	}
}

func TestNonSuccessNotificationOmitsObserveAndCancels(t *testing.T) {
	_, serverT := newFakeTransportPair(1152)
	clientSide := serverT.peer

	server := NewContext(serverT, func(rc *ServerRequestContext, req *Message) codes.Code {
		rc.AcceptAsyncRequest(func(rc *ServerRequestContext, result ResultState, err error, req *Message, offset uint64) {
			if result != ResultOK {
				return
			}
			_ = rc.MarkObserved("gone")
			_ = rc.SetupAsyncResponse(codes.Content, OptionSet{}, bytesWriter([]byte("v0")), PreferNON, nil)
		})
		return 0
	})

	serverT.inbox = append(serverT.inbox, &Message{Code: codes.GET, Token: Token{1}})
	if err := server.HandleIncomingPacket(context.Background(), make([]byte, 2048)); err != nil {
		t.Fatalf("HandleIncomingPacket: %v", err)
	}
	clientSide.inbox = nil

	if _, err := server.NotifyAsync(context.Background(), "gone", codes.NotFound, OptionSet{}, PreferNON, bytesWriter(nil), nil); err != nil {
		t.Fatalf("NotifyAsync: %v", err)
	}
	if len(clientSide.inbox) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(clientSide.inbox))
	}
	if _, has := clientSide.inbox[0].Options.First(optionObserve); has {
		t.Error("non-2.xx notification must not carry an Observe option")
	}

	// the observation is gone: further notifications must fail
	if _, err := server.NotifyAsync(context.Background(), "gone", codes.Content, OptionSet{}, PreferNON, bytesWriter(nil), nil); err != ErrUnknownExchange {
		t.Errorf("after cancellation: got %v, want ErrUnknownExchange", err)
	}
}

func TestConfirmableNotificationRequiresDeliveryHandler(t *testing.T) {
	_, serverT := newFakeTransportPair(1152)
	server := NewContext(serverT, func(rc *ServerRequestContext, req *Message) codes.Code {
		rc.AcceptAsyncRequest(func(rc *ServerRequestContext, result ResultState, err error, req *Message, offset uint64) {
			if result == ResultOK {
				_ = rc.MarkObserved("res")
				_ = rc.SetupAsyncResponse(codes.Content, OptionSet{}, bytesWriter(nil), PreferNON, nil)
			}
		})
		return 0
	})
	serverT.inbox = append(serverT.inbox, &Message{Code: codes.GET, Token: Token{1}})
	if err := server.HandleIncomingPacket(context.Background(), make([]byte, 2048)); err != nil {
		t.Fatalf("HandleIncomingPacket: %v", err)
	}

	if _, err := server.NotifyAsync(context.Background(), "res", codes.Content, OptionSet{}, PreferCON, bytesWriter(nil), nil); err == nil {
		t.Fatal("expected an error for a CON notification with no delivery handler")
	}
}
