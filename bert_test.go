package coapasync

import (
	"bytes"
	"context"
	"testing"

	"github.com/plgd-dev/go-coap/v2/message/codes"
)

// bertTransport is a recordingTransport variant that also advertises RFC
// 8323 §4.1 BERT support, the way transport.TCP does once its peer's CSM
// echoes Block-wise-Transfer-Capability.
type bertTransport struct {
	recordingTransport
}

func (b *bertTransport) SupportsBERT() bool { return true }

var _ Transport = (*bertTransport)(nil)
var _ bertCapableTransport = (*bertTransport)(nil)

// TestBERTPacksMultipleBlocksAndAdvancesSeqNum covers BERT (RFC 8323
// §4.1) accounting: once the transport advertises BERT support and the
// message budget allows more than one 1024-byte block, nextChunk packs
// several 1024-byte sub-blocks into a single BLOCK1 chunk, and
// advanceBlockSeqNum steps seq_num by however many sub-blocks that
// chunk actually carried rather than by one.
func TestBERTPacksMultipleBlocksAndAdvancesSeqNum(t *testing.T) {
	rt := &bertTransport{recordingTransport{maxSize: 4096}}
	client := NewContext(rt, nil)

	payload := bytes.Repeat([]byte("x"), 3*BlockMaxSize+100)
	id, err := client.SendAsyncRequest(context.Background(), codes.PUT, OptionSet{}, bytesWriter(payload), func(ResultState, error, *Message, uint64) {})
	if err != nil {
		t.Fatalf("SendAsyncRequest: %v", err)
	}

	ex, ok := client.findClientExchange(id)
	if !ok {
		t.Fatal("exchange not found")
	}

	if err := client.sendClientChunk(context.Background(), ex); err != nil {
		t.Fatalf("sendClientChunk: %v", err)
	}

	b1, hasBlock1, derr := ex.options.GetBlock1()
	if derr != nil || !hasBlock1 {
		t.Fatalf("expected BLOCK1 after first chunk, err=%v", derr)
	}
	if !b1.IsBert {
		t.Fatal("expected IsBert once the transport advertises BERT support")
	}
	if b1.Size != BlockMaxSize {
		t.Errorf("BERT block Size = %d, want %d", b1.Size, BlockMaxSize)
	}
	if len(rt.sent[0].Payload) != 3*BlockMaxSize {
		t.Fatalf("first chunk payload = %d bytes, want %d (3 whole 1024-byte sub-blocks)", len(rt.sent[0].Payload), 3*BlockMaxSize)
	}
	if ex.lastBlockCount != 3 {
		t.Fatalf("lastBlockCount = %d, want 3", ex.lastBlockCount)
	}

	if err := ex.advanceBlockSeqNum(Block1); err != nil {
		t.Fatalf("advanceBlockSeqNum: %v", err)
	}
	b1, _, _ = ex.options.GetBlock1()
	if b1.SeqNum != 3 {
		t.Errorf("seq_num after advancing past a 3-sub-block BERT chunk = %d, want 3", b1.SeqNum)
	}
}
