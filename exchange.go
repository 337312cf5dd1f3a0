package coapasync

import (
	"github.com/plgd-dev/go-coap/v2/message/codes"
)

// ExchangeID uniquely identifies an exchange within the lifetime of a
// Context. InvalidExchangeID is never returned for a successfully
// created exchange.
type ExchangeID uint64

const InvalidExchangeID ExchangeID = 0

// PayloadWriter supplies outgoing payload bytes on demand. It must fill as
// much of buf as it can starting at offset and return the number of bytes
// written; returning fewer bytes than len(buf) signals end of stream. This
// is the user-supplied half of the EOF probe: the engine always calls it
// with one byte more than it strictly needs, so a short read is
// distinguishable from "exactly fits".
type PayloadWriter func(offset uint64, buf []byte) (int, error)

// ResponseHandler receives every state transition of a client exchange.
// resp is nil exactly when result is ResultFail or ResultCancel. offset
// is the absolute payload offset of resp's payload within the logical
// response body; PARTIAL_CONTENT deliveries are never
// terminal, so a handler sees at most one of {OK, FAIL, CANCEL}.
type ResponseHandler func(result ResultState, err error, resp *Message, offset uint64)

// DeliveryHandler reports whether a server's response (in particular, a
// CON notification) was actually acknowledged by the peer.
type DeliveryHandler func(result ResultState, err error)

// ReliabilityHint expresses a server exchange's preference for
// Confirmable vs Non-confirmable delivery, used for notifications.
type ReliabilityHint int

const (
	PreferCON ReliabilityHint = iota
	PreferNON
)

// exchange is the shared part of a client or server exchange;
// ClientExchange and ServerExchange embed it.
type exchange struct {
	id      ExchangeID
	code    codes.Code
	token   Token
	options OptionSet

	writePayload PayloadWriter

	eofHas      bool
	eofByte     byte
	writeOffset uint64 // cumulative bytes consumed from writePayload so far

	// lastBlockCount is how many 1024-byte BERT sub-blocks the most
	// recently produced chunk actually carried; 1 for a non-BERT
	// transfer. advanceBlockSeqNum uses it to step seq_num by the right
	// amount, RFC 8323 §4.1.
	lastBlockCount uint32
}

// bertCapableTransport is the optional Transport capability a transport
// implements to advertise that its peer negotiated RFC 8323 §4.1 BERT
// (Block-Extended, CoAP/TCP only - RFC 7959's szx can't express it, so
// this can't just live on the Transport interface every transport must
// satisfy). transport.TCP is the only implementation in this tree.
type bertCapableTransport interface {
	SupportsBERT() bool
}

func transportSupportsBERT(t Transport) bool {
	bc, ok := t.(bertCapableTransport)
	return ok && bc.SupportsBERT()
}

// nextChunk implements the shared send-in-chunks algorithm used both
// for outgoing requests and outgoing responses. kind selects which
// BLOCK option (BLOCK1 for outgoing requests, BLOCK2 for outgoing
// responses) this exchange is disassembling payload for.
func (ex *exchange) nextChunk(t Transport, kind BlockKind) (payload []byte, hasMore bool, err error) {
	if ex.writePayload == nil {
		return nil, false, nil
	}

	maxOut := t.MaxOutgoingPayloadSize(MaxTokenLength, &ex.options, ex.code)
	existing, hasBlock, derr := ex.options.getBlock(kind)
	if derr != nil {
		return nil, false, derr
	}

	isBert := hasBlock && existing.IsBert
	var size uint16
	var capacity int
	if hasBlock {
		size = existing.Size
		capacity = int(size)
		if isBert {
			capacity = bertCapacity(maxOut)
		}
	} else {
		if transportSupportsBERT(t) && bertCapacity(maxOut) > BlockMaxSize {
			isBert = true
			size = BlockMaxSize
			capacity = bertCapacity(maxOut)
		} else {
			size = largestPowerOfTwoLE(maxOut - optBlockMaxSize)
			if size == 0 {
				return nil, false, ErrMessageTooBig
			}
			capacity = int(size)
		}
	}

	buf := make([]byte, capacity+1)
	pos := 0
	readOffset := ex.writeOffset
	if ex.eofHas {
		buf[0] = ex.eofByte
		pos = 1
		ex.eofHas = false
	}

	n, werr := ex.writePayload(readOffset+uint64(pos), buf[pos:])
	if werr != nil {
		return nil, false, newErr(KindPayloadWriterFailed, "%s", werr)
	}
	total := pos + n
	if total > len(buf) {
		total = len(buf)
	}

	if total <= capacity {
		payload = buf[:total]
		ex.writeOffset += uint64(total)
		hasMore = false
	} else {
		ex.eofByte = buf[capacity]
		ex.eofHas = true
		payload = buf[:capacity]
		ex.writeOffset += uint64(capacity)
		hasMore = true
	}

	ex.lastBlockCount = 1
	if isBert {
		// RFC 8323 §4.1: a BERT block's payload is a whole multiple of
		// 1024 bytes; the trailing partial chunk (total < capacity)
		// still counts as one more 1024-byte block on the wire.
		ex.lastBlockCount = uint32((len(payload) + BlockMaxSize - 1) / BlockMaxSize)
		if ex.lastBlockCount == 0 {
			ex.lastBlockCount = 1
		}
	}

	seqNum := uint32(0)
	if hasBlock {
		seqNum = existing.SeqNum
	}
	if hasMore || hasBlock {
		ex.options.SetBlock(BlockOpt{Kind: kind, SeqNum: seqNum, HasMore: hasMore, Size: size, IsBert: isBert})
	}
	return payload, hasMore, nil
}

// bertCapacity returns the largest whole multiple of 1024 bytes that
// fits in maxOut (after the BLOCK option's own reserved space), RFC
// 8323 §4.1's "payload size MUST be a multiple of 1024 bytes unless it
// is the last block". Returns 0 if even one 1024-byte block doesn't fit.
func bertCapacity(maxOut int) int {
	n := (maxOut - optBlockMaxSize) / BlockMaxSize
	if n < 0 {
		return 0
	}
	return n * BlockMaxSize
}

// advanceBlockSeqNum increments the stored BLOCK option's seq_num,
// failing with ErrBlockSeqNumOverflow past 2^20-1. For a BERT block
// (RFC 8323 §4.1) the wire message just sent packed ex.lastBlockCount
// 1024-byte sub-blocks, so seq_num must step by that many rather than
// by one.
func (ex *exchange) advanceBlockSeqNum(kind BlockKind) error {
	b, ok, err := ex.options.getBlock(kind)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	step := uint32(1)
	if b.IsBert && ex.lastBlockCount > 0 {
		step = ex.lastBlockCount
	}
	if uint64(b.SeqNum)+uint64(step) > maxSeqNum {
		return ErrBlockSeqNumOverflow
	}
	b.SeqNum += step
	ex.options.SetBlock(b)
	return nil
}
