package coapasync

import "testing"

func TestBlockValueRoundTrip(t *testing.T) {
	for _, b := range []BlockOpt{
		{Kind: Block1, SeqNum: 0, HasMore: false, Size: 16},
		{Kind: Block2, SeqNum: 5, HasMore: true, Size: 64},
		{Kind: Block1, SeqNum: maxSeqNum, HasMore: true, Size: 1024},
		{Kind: Block2, SeqNum: 1, HasMore: false, Size: 1024, IsBert: true},
	} {
		raw := EncodeBlockValue(b)
		got, err := DecodeBlockValue(b.Kind, raw)
		if err != nil {
			t.Fatalf("DecodeBlockValue(%+v): %v", b, err)
		}
		if got != b {
			t.Errorf("round trip %+v -> %+v", b, got)
		}
	}
}

func TestRenegotiateBlockSizeShrinks(t *testing.T) {
	old := BlockOpt{Kind: Block1, SeqNum: 2, HasMore: true, Size: 128}
	got, err := renegotiateBlockSize(old, 64)
	if err != nil {
		t.Fatalf("renegotiateBlockSize: %v", err)
	}
	if got.Size != 64 || got.SeqNum != 4 {
		t.Errorf("got %+v, want size=64 seqNum=4", got)
	}
}

func TestRenegotiateBlockSizeRefusesGrowth(t *testing.T) {
	old := BlockOpt{Kind: Block1, SeqNum: 2, HasMore: true, Size: 64}
	_, err := renegotiateBlockSize(old, 128)
	if err == nil {
		t.Fatal("expected an error when the peer requests a larger block size")
	}
	var ce *CoapError
	if !isCoapErrorKind(err, KindBlockSizeRenegotiationInvalid, &ce) {
		t.Errorf("got %v, want KindBlockSizeRenegotiationInvalid", err)
	}
}

func TestRenegotiateBlockSizeRequiresEvenDivision(t *testing.T) {
	old := BlockOpt{Kind: Block1, SeqNum: 1, HasMore: true, Size: 48}
	_, err := renegotiateBlockSize(old, 32)
	if err == nil {
		t.Fatal("expected an error when the new size doesn't evenly divide the old one")
	}
}

func TestLargestPowerOfTwoLE(t *testing.T) {
	cases := []struct {
		in   int
		want uint16
	}{
		{10, 0},
		{16, 16},
		{17, 16},
		{1000, 512},
		{1024, 1024},
		{5000, 1024},
	}
	for _, c := range cases {
		if got := largestPowerOfTwoLE(c.in); got != c.want {
			t.Errorf("largestPowerOfTwoLE(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func isCoapErrorKind(err error, kind Kind, out **CoapError) bool {
	ce, ok := err.(*CoapError)
	if !ok {
		return false
	}
	*out = ce
	return ce.Kind == kind
}
