package coapasync

import "github.com/plgd-dev/go-coap/v2/message"

// BlockKind distinguishes BLOCK1 (request payload) from BLOCK2 (response
// payload), RFC 7959 §2.
type BlockKind int

const (
	Block1 BlockKind = iota
	Block2
)

func (k BlockKind) optionID() message.OptionID {
	if k == Block1 {
		return optionBlock1
	}
	return optionBlock2
}

const (
	// BlockMinSize and BlockMaxSize bound the negotiable block size, RFC
	// 7959 §2.2 (szx 0..6, size = 2^(szx+4)).
	BlockMinSize = 16
	BlockMaxSize = 1024

	// maxSeqNum is the largest value the 20-bit BLOCK seq_num field can
	// hold, RFC 7959 §2.1.
	maxSeqNum = 1<<20 - 1
)

// BlockOpt is the decoded form of a BLOCK1/BLOCK2 option value, RFC 7959
// §2.1: a 20-bit seq_num, a more-blocks-follow bit, and a 3-bit SZX size
// exponent (SZX 7 reserved for BERT on CoAP/TCP, RFC 8323 §4.1).
type BlockOpt struct {
	Kind    BlockKind
	SeqNum  uint32
	HasMore bool
	Size    uint16
	IsBert  bool
}

// szxForSize converts a block size (power of two, 16..1024) to its 3-bit
// SZX encoding. IsBert blocks always encode as szx 7 with Size==1024.
func szxForSize(size uint16, isBert bool) uint8 {
	if isBert {
		return 7
	}
	szx := uint8(0)
	for s := uint16(16); s < size; s <<= 1 {
		szx++
	}
	return szx
}

func sizeForSZX(szx uint8) (size uint16, isBert bool) {
	if szx == 7 {
		return BlockMaxSize, true
	}
	return 16 << szx, false
}

// EncodeBlockValue packs a BlockOpt into its RFC 7959 §2.1 wire form: a
// big-endian integer of minimal length,
//
//	bits: [ seq_num:20 ][ M:1 ][ SZX:3 ]
//
// Generic option encoding is delegated to message.Options; the
// BLOCK-specific bit-packing is done directly here since it is a fixed,
// fully specified 20/1/3-bit layout.
func EncodeBlockValue(b BlockOpt) []byte {
	szx := szxForSize(b.Size, b.IsBert)
	v := (b.SeqNum << 4) | uint32(szx)
	if b.HasMore {
		v |= 1 << 3
	}
	switch {
	case v == 0:
		return nil
	case v < 1<<8:
		return []byte{byte(v)}
	case v < 1<<16:
		return []byte{byte(v >> 8), byte(v)}
	case v < 1<<24:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// DecodeBlockValue unpacks the wire form produced by EncodeBlockValue.
func DecodeBlockValue(kind BlockKind, raw []byte) (BlockOpt, error) {
	if len(raw) > 4 {
		return BlockOpt{}, newErr(KindMalformedOptions, "block option value too long (%d bytes)", len(raw))
	}
	var v uint32
	for _, b := range raw {
		v = (v << 8) | uint32(b)
	}
	szx := uint8(v & 0x7)
	hasMore := v&(1<<3) != 0
	seqNum := v >> 4
	size, isBert := sizeForSZX(szx)
	return BlockOpt{
		Kind:    kind,
		SeqNum:  seqNum,
		HasMore: hasMore,
		Size:    size,
		IsBert:  isBert,
	}, nil
}

// GetBlock1 / GetBlock2 look up and decode the corresponding option, if
// present.
func (s *OptionSet) GetBlock1() (BlockOpt, bool, error) {
	return s.getBlock(Block1)
}

func (s *OptionSet) GetBlock2() (BlockOpt, bool, error) {
	return s.getBlock(Block2)
}

func (s *OptionSet) getBlock(kind BlockKind) (BlockOpt, bool, error) {
	o, ok := s.First(kind.optionID())
	if !ok {
		return BlockOpt{}, false, nil
	}
	b, err := DecodeBlockValue(kind, o.Value)
	return b, true, err
}

// SetBlock replaces any existing BLOCK option of the same kind with b
// by removing then re-adding it, since the option container has no
// in-place mutation.
func (s *OptionSet) SetBlock(b BlockOpt) {
	s.Remove(b.Kind.optionID())
	s.Add(b.Kind.optionID(), EncodeBlockValue(b))
}

// ClearBlock1 / ClearBlock2 drop the corresponding option entirely.
func (s *OptionSet) ClearBlock1() { s.Remove(optionBlock1) }
func (s *OptionSet) ClearBlock2() { s.Remove(optionBlock2) }

// largestPowerOfTwoLE returns the largest power of two <= n, capped at
// BlockMaxSize; it returns 0 when n is below BlockMinSize. Used by the
// max-block-size computation
// for outgoing chunks.
func largestPowerOfTwoLE(n int) uint16 {
	if n < BlockMinSize {
		return 0
	}
	size := uint16(BlockMaxSize)
	for int(size) > n {
		size >>= 1
	}
	if size < BlockMinSize {
		return 0
	}
	return size
}

// renegotiateBlockSize implements the client's block-size renegotiation
// rule, applied to the BLOCK1 echoed in a 2.31 Continue and to a
// response's BLOCK2 (the server side adopts a requested BLOCK2
// directly in continueServerExchange): the peer may only shrink
// the block size, never grow it, and the seq_num is rescaled by the exact
// multiplier between old and new sizes.
func renegotiateBlockSize(old BlockOpt, newSize uint16) (BlockOpt, error) {
	if newSize > old.Size {
		return BlockOpt{}, newErr(KindBlockSizeRenegotiationInvalid,
			"peer requested a larger block size (%d > %d)", newSize, old.Size)
	}
	if newSize == old.Size {
		return old, nil
	}
	if old.Size%newSize != 0 {
		return BlockOpt{}, newErr(KindBlockSizeRenegotiationInvalid,
			"block size %d does not evenly divide %d", newSize, old.Size)
	}
	multiplier := old.Size / newSize
	newSeqNum := uint64(old.SeqNum) * uint64(multiplier)
	if newSeqNum > maxSeqNum {
		// renegotiation is refused but the transfer continues with the
		// old size - the caller is expected to keep `old` here.
		return old, newErr(KindBlockSeqNumOverflow,
			"renegotiated seq_num %d would overflow 2^20-1", newSeqNum)
	}
	out := old
	out.Size = newSize
	out.SeqNum = uint32(newSeqNum)
	// BERT (SZX 7) only ever means Size==BlockMaxSize; shrinking below
	// it always drops back to a plain SZX, RFC 8323 §4.1.
	out.IsBert = old.IsBert && newSize == BlockMaxSize
	return out, nil
}
