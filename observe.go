package coapasync

// observeEntry records the state needed to push further RFC 7641
// notifications for one active observation after the ServerExchange that
// registered it has been cleaned up from the server list: the token
// notifications must echo, the key options that identified the observed
// resource, and the running 24-bit sequence number (RFC 7641 §3.4).
type observeEntry struct {
	token      Token
	keyOptions OptionSet
	seq        uint32
}

// observeTable is the supplemented Observe (RFC 7641) bookkeeping this
// engine keeps alongside the request/response exchange model:
// registrations outlive the ServerExchange that created them,
// since a notification isn't a reply to any particular incoming packet.
type observeTable struct {
	entries map[string]*observeEntry
}

func newObserveTable() observeTable {
	return observeTable{entries: make(map[string]*observeEntry)}
}

func (t *observeTable) register(id string, token Token, keyOptions OptionSet) {
	t.entries[id] = &observeEntry{token: token, keyOptions: keyOptions.clone(0)}
}

// cancel drops a registration. Called on exchange expiry/cancellation and
// whenever a notification delivery fails or is Reset by the peer -
// RFC 7641 §3.6's "any action ... that directly causes the client not to
// observe the resource anymore".
func (t *observeTable) cancel(id string) {
	delete(t.entries, id)
}

func (t *observeTable) lookup(id string) (*observeEntry, bool) {
	e, ok := t.entries[id]
	return e, ok
}

// nextSeq advances and returns id's observe sequence number, wrapping
// modulo 2^24 per RFC 7641 §3.4.
func (t *observeTable) nextSeq(id string) (uint32, bool) {
	e, ok := t.entries[id]
	if !ok {
		return 0, false
	}
	e.seq = (e.seq + 1) & 0xFFFFFF
	return e.seq, true
}

// encodeObserveSeq packs a sequence number into its minimal big-endian
// wire form, RFC 7641 §3.4 (same variable-length-integer convention as
// every other CoAP option value).
func encodeObserveSeq(seq uint32) []byte {
	switch {
	case seq == 0:
		return nil
	case seq < 1<<8:
		return []byte{byte(seq)}
	case seq < 1<<16:
		return []byte{byte(seq >> 8), byte(seq)}
	default:
		return []byte{byte(seq >> 16), byte(seq >> 8), byte(seq)}
	}
}
