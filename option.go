package coapasync

import (
	"sort"

	"github.com/plgd-dev/go-coap/v2/message"
)

// CoAP option numbers used directly by the exchange layer. RFC 7252 §12.2
// and RFC 7959 §2.1 fix these numbers; plgd-dev/go-coap/v2's message
// package owns the generic option container (message.Option,
// message.Options) but doesn't export every option number as a symbol, so
// the handful the engine must recognize by number are named here.
const (
	optionIfMatch       message.OptionID = 1
	optionETag          message.OptionID = 4
	optionIfNoneMatch   message.OptionID = 5
	optionObserve       message.OptionID = 6
	optionURIPath       message.OptionID = 11
	optionContentFormat message.OptionID = 12
	optionURIQuery      message.OptionID = 15
	optionBlock2        message.OptionID = 23
	optionBlock1        message.OptionID = 27
	optionSize2         message.OptionID = 28
	optionSize1         message.OptionID = 60
)

// Reserve sizes, in bytes, that an exchange's option buffer must keep
// spare beyond the user-supplied options. A Go slice grows on its own,
// so these aren't hard allocation limits; they exist so
// OptionSet.checkReserve can report whether the reservation was
// exceeded. Nothing in the engine calls it, so a reallocation
// mid-exchange is not caught at run time.
const (
	optBlockMaxSize   = 6 // 1 (opt header) + up to 4 (value) + 1 (ext length)
	optObserveMaxSize = 5 // 1 (opt header) + up to 3 (value) + 1 (ext length)

	// Per-role reserves: a client exchange may need to grow one BLOCK
	// option; a server exchange may need BLOCK1 (echo), BLOCK2, and
	// Observe all at once.
	clientOptionReserve = optBlockMaxSize
	serverOptionReserve = 2*optBlockMaxSize + optObserveMaxSize
)

// OptionSet is an ordered multiset of CoAP options. It wraps
// message.Options (a []message.Option) rather than reimplementing option
// iteration; wire-level option encoding belongs to the transport.
type OptionSet struct {
	opts     message.Options
	capacity int // spare capacity reserved at construction, for checkReserve
}

// NewOptionSet copies the given options into a fresh set with spare
// capacity for `reserve` additional bytes worth of BLOCK/Observe options
// (approximated as additional option slots, since message.Option slice
// growth - not byte-buffer growth - is what this implementation cares
// about).
func NewOptionSet(initial message.Options, reserveSlots int) OptionSet {
	opts := make(message.Options, len(initial), len(initial)+reserveSlots)
	copy(opts, initial)
	// normalize to ascending option-number order; repeated options keep
	// their relative order
	sort.SliceStable(opts, func(i, j int) bool { return opts[i].ID < opts[j].ID })
	return OptionSet{opts: opts, capacity: len(initial) + reserveSlots}
}

// All returns every option in wire order.
func (s *OptionSet) All() message.Options {
	return s.opts
}

// First returns the first option with the given number, if any.
func (s *OptionSet) First(id message.OptionID) (message.Option, bool) {
	for _, o := range s.opts {
		if o.ID == id {
			return o, true
		}
	}
	return message.Option{}, false
}

// Add inserts a new option at its position in ascending option-number
// order. Wire encoding delta-encodes option numbers (RFC 7252 §3.1), so
// the order of the backing slice is load-bearing; an option added after
// a higher-numbered one must still land before it. Options with equal
// numbers keep insertion order. In-place mutation isn't supported -
// callers needing "update" semantics should call Remove then Add.
func (s *OptionSet) Add(id message.OptionID, value []byte) {
	pos := len(s.opts)
	for i, o := range s.opts {
		if o.ID > id {
			pos = i
			break
		}
	}
	s.opts = append(s.opts, message.Option{})
	copy(s.opts[pos+1:], s.opts[pos:])
	s.opts[pos] = message.Option{ID: id, Value: value}
}

// Remove deletes every option with the given number.
func (s *OptionSet) Remove(id message.OptionID) {
	out := s.opts[:0]
	for _, o := range s.opts {
		if o.ID != id {
			out = append(out, o)
		}
	}
	s.opts = out
}

func (s *OptionSet) has(id message.OptionID) bool {
	_, ok := s.First(id)
	return ok
}

// ETag returns the ETag option value, if present.
func (s *OptionSet) ETag() ([]byte, bool) {
	o, ok := s.First(optionETag)
	if !ok {
		return nil, false
	}
	return o.Value, true
}

func (s *OptionSet) SetETag(v []byte) {
	s.Remove(optionETag)
	s.Add(optionETag, v)
}

// clone deep-copies the option set, used when a server exchange's
// options outlive the exchange itself (observe registrations).
func (s OptionSet) clone(extraSlots int) OptionSet {
	return NewOptionSet(s.opts, extraSlots)
}

// checkReserve is a property-test hook asserting that the option buffer
// never needed to grow beyond its initial
// reservation. It is not called from production code paths; a Go slice
// would simply reallocate rather than corrupt memory, but a silent
// reallocation here would mean our block-size accounting under-reserved,
// which is the bug this guards against.
func (s *OptionSet) checkReserve() bool {
	return cap(s.opts) == s.capacity
}
