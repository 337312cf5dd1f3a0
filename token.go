package coapasync

import (
	"encoding/hex"

	"github.com/plgd-dev/go-coap/v2/message"
)

// MaxTokenLength is the largest legal CoAP token, per RFC 7252 §3.
const MaxTokenLength = 8

// Token is a CoAP token: 0-8 opaque bytes used to match responses to
// requests. A zero-length Token on a client exchange is the sentinel
// meaning "no request packet has been sent yet"; it is never
// a valid token for a request that has actually gone out on the wire,
// since the transport always generates a fresh, non-empty token before
// every outbound packet that expects a reply.
type Token = message.Token

// tokenSet reports whether t is a "real" token, i.e. not the
// not-yet-sent sentinel.
func tokenSet(t Token) bool {
	return len(t) > 0
}

func tokenString(t Token) string {
	if !tokenSet(t) {
		return "<none>"
	}
	return hex.EncodeToString(t)
}

func tokensEqual(a, b Token) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TokenGenerator mints fresh tokens for outgoing packets. Token
// generation is owned by the transports, which all use
// SequentialTokenGenerator; none of them accepts another generator.
type TokenGenerator func() Token

// SequentialTokenGenerator hands out monotonically increasing tokens,
// the simplest token source that still satisfies uniqueness within a
// transport's lifetime. The tokens are predictable, not randomized in
// the way RFC 7252 §5.3.1 recommends.
func SequentialTokenGenerator() TokenGenerator {
	var n uint64
	return func() Token {
		n++
		buf := make([]byte, 8)
		i := 8
		v := n
		for v > 0 && i > 0 {
			i--
			buf[i] = byte(v)
			v >>= 8
		}
		return Token(buf[i:])
	}
}
