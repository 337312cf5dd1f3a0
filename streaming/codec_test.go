package streaming

import (
	"bytes"
	stdjson "encoding/json"
	"testing"
)

func testCodec(t *testing.T) *ResourceCodec {
	t.Helper()
	c, err := NewResourceCodec(map[string]int{"name": 0, "value": 1, "children": 2}, true)
	if err != nil {
		t.Fatalf("NewResourceCodec: %v", err)
	}
	return c
}

func TestResourceCodecRoundTrip(t *testing.T) {
	c := testCodec(t)

	in := `{"name":"temperature","value":21.5,"children":[{"name":"unit","value":"C"}]}`

	cborBytes, err := c.JSONToCBOR(bytes.NewBufferString(in))
	if err != nil {
		t.Fatalf("JSONToCBOR: %v", err)
	}

	out, err := c.CBORToJSON(bytes.NewReader(cborBytes))
	if err != nil {
		t.Fatalf("CBORToJSON: %v", err)
	}

	var gotObj, wantObj map[string]interface{}
	if err := stdjson.Unmarshal(out, &gotObj); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if err := stdjson.Unmarshal([]byte(in), &wantObj); err != nil {
		t.Fatalf("unmarshal expectation: %v", err)
	}

	if gotObj["name"] != wantObj["name"] {
		t.Errorf("name = %v, want %v", gotObj["name"], wantObj["name"])
	}
	if gotObj["value"] != wantObj["value"] {
		t.Errorf("value = %v, want %v", gotObj["value"], wantObj["value"])
	}
}

func TestResourceCodecUnknownKeyPassesThrough(t *testing.T) {
	c := testCodec(t)

	in := `{"name":"x","unknownField":42}`
	cborBytes, err := c.JSONToCBOR(bytes.NewBufferString(in))
	if err != nil {
		t.Fatalf("JSONToCBOR: %v", err)
	}
	out, err := c.CBORToJSON(bytes.NewReader(cborBytes))
	if err != nil {
		t.Fatalf("CBORToJSON: %v", err)
	}

	var got map[string]interface{}
	if err := stdjson.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["unknownField"] != float64(42) {
		t.Errorf("unknownField = %v, want 42", got["unknownField"])
	}
}

func TestNewResourceCodecRejectsDuplicateKeys(t *testing.T) {
	_, err := NewResourceCodec(map[string]int{"a": 0, "b": 0}, false)
	if err == nil {
		t.Fatal("expected an error for duplicate CBOR enum values")
	}
}
