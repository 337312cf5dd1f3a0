// Package transport provides concrete coapasync.Transport implementations
// for UDP, DTLS-secured UDP, and TCP.
package transport

import (
	"encoding/binary"

	"github.com/avsystem/coap-async-go"
	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
)

// CoAP-over-UDP wire framing, RFC 7252 §3. message.Option/message.OptionID
// is reused for the per-option model; the fixed 4-byte header and TLV
// option layout are encoded directly.
const (
	udpVersion = 1

	typeConfirmable     = 0
	typeNonConfirmable  = 1
	typeAcknowledgement = 2
	typeReset           = 3
)

// encodeUDP serializes msg into a single CoAP-over-UDP datagram. mid is
// the 16-bit message ID RFC 7252 §3 requires alongside the token; the
// exchange layer above doesn't track it (message-layer reliability is a
// transport concern), so transports generate and track their own.
func encodeUDP(msg *coapasync.Message, mid uint16) ([]byte, error) {
	typ := byte(typeNonConfirmable)
	if msg.IsConfirmable {
		typ = typeConfirmable
	}

	buf := make([]byte, 0, 4+len(msg.Token)+len(msg.Payload)+32)
	buf = append(buf, byte(udpVersion<<6)|byte(typ<<4)|byte(len(msg.Token)))
	buf = append(buf, byte(msg.Code))
	var midBuf [2]byte
	binary.BigEndian.PutUint16(midBuf[:], mid)
	buf = append(buf, midBuf[:]...)
	buf = append(buf, msg.Token...)

	buf = appendOptions(buf, msg.Options.All())

	if len(msg.Payload) > 0 {
		buf = append(buf, 0xFF)
		buf = append(buf, msg.Payload...)
	}
	return buf, nil
}

// decodeUDP is encodeUDP's inverse.
func decodeUDP(raw []byte) (msg *coapasync.Message, mid uint16, isAck bool, isReset bool, err error) {
	if len(raw) < 4 {
		return nil, 0, false, false, coapasync.ErrMalformedOptions
	}
	version := raw[0] >> 6
	typ := (raw[0] >> 4) & 0x3
	tokenLen := int(raw[0] & 0xF)
	if version != udpVersion || tokenLen > coapasync.MaxTokenLength || len(raw) < 4+tokenLen {
		return nil, 0, false, false, coapasync.ErrMalformedOptions
	}
	code := codes.Code(raw[1])
	mid = binary.BigEndian.Uint16(raw[2:4])
	token := append([]byte(nil), raw[4:4+tokenLen]...)

	opts, payload, err := parseOptions(raw[4+tokenLen:])
	if err != nil {
		return nil, 0, false, false, err
	}

	m := &coapasync.Message{
		Code:          code,
		Token:         token,
		Options:       coapasync.NewOptionSet(opts, 0),
		Payload:       payload,
		IsConfirmable: typ == typeConfirmable,
	}
	return m, mid, typ == typeAcknowledgement, typ == typeReset, nil
}

// appendOptions writes opts in RFC 7252 §3.1's delta-encoded TLV form.
// Options must already be in ascending numeric order, which OptionSet
// guarantees: its Add inserts at the option's sorted position.
func appendOptions(buf []byte, opts message.Options) []byte {
	var prev message.OptionID
	for _, o := range opts {
		delta := int(o.ID) - int(prev)
		prev = o.ID
		length := len(o.Value)

		deltaNibble, deltaExt := splitOptionField(delta)
		lengthNibble, lengthExt := splitOptionField(length)

		buf = append(buf, byte(deltaNibble<<4)|byte(lengthNibble))
		buf = append(buf, deltaExt...)
		buf = append(buf, lengthExt...)
		buf = append(buf, o.Value...)
	}
	return buf
}

// splitOptionField implements RFC 7252 §3.1's 4-bit nibble + extended
// byte(s) encoding shared by both the option delta and option length
// fields.
func splitOptionField(v int) (nibble int, ext []byte) {
	switch {
	case v < 13:
		return v, nil
	case v < 269:
		return 13, []byte{byte(v - 13)}
	default:
		v -= 269
		return 14, []byte{byte(v >> 8), byte(v)}
	}
}

func parseOptions(raw []byte) (message.Options, []byte, error) {
	var opts message.Options
	var prev message.OptionID
	i := 0
	for i < len(raw) {
		if raw[i] == 0xFF {
			return opts, raw[i+1:], nil
		}
		deltaNibble := int(raw[i] >> 4)
		lengthNibble := int(raw[i] & 0xF)
		i++

		delta, n, err := readOptionField(deltaNibble, raw[i:])
		if err != nil {
			return nil, nil, err
		}
		i += n
		length, n, err := readOptionField(lengthNibble, raw[i:])
		if err != nil {
			return nil, nil, err
		}
		i += n

		if i+length > len(raw) {
			return nil, nil, coapasync.ErrMalformedOptions
		}
		id := prev + message.OptionID(delta)
		prev = id
		opts = append(opts, message.Option{ID: id, Value: append([]byte(nil), raw[i:i+length]...)})
		i += length
	}
	return opts, nil, nil
}

func readOptionField(nibble int, raw []byte) (value int, consumed int, err error) {
	switch nibble {
	case 13:
		if len(raw) < 1 {
			return 0, 0, coapasync.ErrMalformedOptions
		}
		return int(raw[0]) + 13, 1, nil
	case 14:
		if len(raw) < 2 {
			return 0, 0, coapasync.ErrMalformedOptions
		}
		return int(binary.BigEndian.Uint16(raw[:2])) + 269, 2, nil
	case 15:
		return 0, 0, coapasync.ErrMalformedOptions
	default:
		return nibble, 0, nil
	}
}
