package bacnet

import (
	"bytes"
	"testing"
)

func buildACKPayload(values ...[]byte) []byte {
	payload := EncodeContextObjectID(0, NewObjectIdentifier(ObjectTypeBinaryValue, 1))
	payload = append(payload, EncodeContextUnsigned(1, uint32(PropertyPresentValue))...)
	payload = append(payload, EncodeOpeningTag(3)...)
	for _, v := range values {
		payload = append(payload, v...)
	}
	return append(payload, EncodeClosingTag(3)...)
}

func TestParseReadPropertyACKBooleanValue(t *testing.T) {
	enc, err := EncodeApplicationValue(true)
	if err != nil {
		t.Fatal(err)
	}

	v, err := parseReadPropertyACK(buildACKPayload(enc))
	if err != nil {
		t.Fatalf("parseReadPropertyACK: %v", err)
	}
	if b, ok := v.(bool); !ok || !b {
		t.Errorf("value = %#v, want true", v)
	}
}

func TestParseReadPropertyACKConstructedBoolean(t *testing.T) {
	// A boolean inside constructed content has no body bytes; the skip
	// over the construct must not swallow the octet after it.
	inner := append(EncodeOpeningTag(1), 0x11)
	inner = append(inner, EncodeClosingTag(1)...)

	v, err := parseReadPropertyACK(buildACKPayload(inner))
	if err != nil {
		t.Fatalf("parseReadPropertyACK: %v", err)
	}
	cv, ok := v.(ConstructedValue)
	if !ok {
		t.Fatalf("value = %#v, want ConstructedValue", v)
	}
	if !bytes.Equal([]byte(cv), inner) {
		t.Errorf("constructed bytes = %x, want %x", []byte(cv), inner)
	}
}
