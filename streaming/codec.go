// Package streaming provides a blocking, synchronous-looking façade over
// the asynchronous coapasync.Context exchange engine, plus a JSON<->CBOR
// codec for resource payloads.
package streaming

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/fxamacker/cbor/v2"
	jsoniter "github.com/json-iterator/go"
)

// json uses jsoniter.ConfigCompatibleWithStandardLibrary in place of
// encoding/json.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ResourceCodec converts between plain JSON (convenient for callers and
// for logging/debugging) and the compact CBOR encoding LwM2M resource
// payloads travel the wire as, collapsing well-known resource-path keys
// down to small integers. Canonical CBOR output
// (cbor.CanonicalEncOptions, RFC 8949 §4.2.1) is optional.
type ResourceCodec struct {
	keys      map[string]int
	enumKeys  map[int]string
	canonical bool
}

// NewResourceCodec builds a codec mapping the given resource-path key
// names to small integers for compact CBOR encoding. canonical selects
// RFC 8949 §4.2.1 deterministic CBOR output on JSONToCBOR.
func NewResourceCodec(keys map[string]int, canonical bool) (*ResourceCodec, error) {
	enumKeys := make(map[int]string, len(keys))
	for k, v := range keys {
		if existing, ok := enumKeys[v]; ok {
			return nil, fmt.Errorf("streaming: duplicate CBOR key %d for %q and %q", v, existing, k)
		}
		enumKeys[v] = k
	}
	return &ResourceCodec{keys: keys, enumKeys: enumKeys, canonical: canonical}, nil
}

// CBORToJSON decodes a CBOR resource payload and re-encodes it as JSON,
// expanding integer-enum keys back to their string names.
func (c *ResourceCodec) CBORToJSON(input io.Reader) ([]byte, error) {
	var intermediate interface{}
	if err := cbor.NewDecoder(input).Decode(&intermediate); err != nil {
		return nil, fmt.Errorf("streaming: decoding CBOR: %w", err)
	}
	converted := cborInterfaceToJSONInterface(intermediate, c.enumKeys)
	return json.Marshal(converted)
}

// JSONToCBOR decodes a JSON resource payload and re-encodes it as CBOR,
// collapsing string keys known to the codec down to their integer enum
// values.
func (c *ResourceCodec) JSONToCBOR(input io.Reader) ([]byte, error) {
	var intermediate interface{}
	if err := json.NewDecoder(input).Decode(&intermediate); err != nil {
		return nil, fmt.Errorf("streaming: decoding JSON: %w", err)
	}
	converted := jsonInterfaceToCBORInterface(intermediate, c.keys)

	if c.canonical {
		mode, err := cbor.CanonicalEncOptions().EncMode()
		if err != nil {
			return nil, err
		}
		return mode.Marshal(converted)
	}
	return cbor.Marshal(converted)
}

// jsonInterfaceToCBORInterface recursively rewrites a decoded-JSON value
// tree into one suitable for CBOR re-encoding, replacing any object key
// present in lookup with its integer enum value. Keys absent from lookup
// pass through unchanged as strings.
func jsonInterfaceToCBORInterface(jsonInt interface{}, lookup map[string]int) interface{} {
	switch v := jsonInt.(type) {
	case map[string]interface{}:
		out := make(map[interface{}]interface{}, len(v))
		for k, val := range v {
			converted := jsonInterfaceToCBORInterface(val, lookup)
			if enum, ok := lookup[k]; ok {
				out[enum] = converted
			} else {
				out[k] = converted
			}
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			out[i] = jsonInterfaceToCBORInterface(elem, lookup)
		}
		return out
	default:
		return v
	}
}

// cborInterfaceToJSONInterface is jsonInterfaceToCBORInterface's inverse.
// CBOR decoding yields map[interface{}]interface{} with a mix of int and
// string keys; this rewrites such maps into map[string]interface{},
// expanding any integer key found in lookup back to its name, writing
// any other integer key as its decimal string, keeping string keys, and
// dropping keys of any other type. Integer keys are visited in sorted
// order before string keys, so when an expanded name collides with a
// string key the string key's value wins; the key order of the JSON a
// caller sees comes from the JSON marshaller, not from this sorting.
func cborInterfaceToJSONInterface(cborInt interface{}, lookup map[int]string) interface{} {
	switch v := cborInt.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		ints := make([]int, 0, len(v))
		strs := make([]string, 0, len(v))
		// values keyed by normalized int: indexing v[n] with a plain int
		// would miss entries whose original CBOR key decoded as int64 or
		// uint64.
		intVals := make(map[int]interface{}, len(v))
		for k, val := range v {
			if n, ok := num(k); ok {
				ints = append(ints, n)
				intVals[n] = val
			} else if s, ok := k.(string); ok {
				strs = append(strs, s)
			}
		}
		sort.Ints(ints)
		sort.Strings(strs)
		for _, n := range ints {
			name, ok := lookup[n]
			if !ok {
				name = fmt.Sprintf("%d", n)
			}
			out[name] = cborInterfaceToJSONInterface(intVals[n], lookup)
		}
		for _, s := range strs {
			out[s] = cborInterfaceToJSONInterface(v[s], lookup)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			out[i] = cborInterfaceToJSONInterface(elem, lookup)
		}
		return out
	case []byte:
		return bytes.Clone(v)
	default:
		return v
	}
}

// num normalizes the assorted integer types CBOR decoding can produce
// for a map key (int64, uint64, int) down to a plain int.
func num(k interface{}) (int, bool) {
	switch n := k.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	default:
		return 0, false
	}
}
