package bacnet

import (
	"errors"
	"reflect"
	"testing"
)

func TestApplicationValueRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
	}{
		{"null", nil},
		{"boolean true", true},
		{"boolean false", false},
		{"unsigned small", uint32(42)},
		{"unsigned large", uint32(70000)},
		{"signed negative", int32(-5)},
		{"signed positive", int32(1000)},
		{"real", float32(72.5)},
		{"double", float64(-273.15)},
		{"octet string", OctetString{0xDE, 0xAD, 0xBE, 0xEF}},
		{"character string", "Temperature Setpoint"},
		{"character string empty", ""},
		{"bit string", BitString{Unused: 4, Data: []byte{0xF0}}},
		{"enumerated", Enumerated(3)},
		{"date", Date{Year: 124, Month: 6, Day: 15, DayOfWeek: 6}},
		{"date wildcard", Date{Year: 0xFF, Month: 0xFF, Day: 0xFF, DayOfWeek: 0xFF}},
		{"time", Time{Hour: 13, Minute: 30, Second: 15, Hundredths: 50}},
		{"object identifier", NewObjectIdentifier(ObjectTypeBinaryOutput, 7)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := EncodeApplicationValue(tt.value)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			decoded, consumed, err := DecodeApplicationValue(encoded)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if consumed != len(encoded) {
				t.Errorf("consumed %d of %d bytes", consumed, len(encoded))
			}
			if !reflect.DeepEqual(decoded, tt.value) {
				t.Errorf("round trip %#v -> %#v", tt.value, decoded)
			}
		})
	}
}

func TestBooleanValueInLengthField(t *testing.T) {
	// Boolean has no content bytes: the value rides in the length field.
	encTrue, err := EncodeApplicationValue(true)
	if err != nil {
		t.Fatal(err)
	}
	if len(encTrue) != 1 || encTrue[0] != 0x11 {
		t.Errorf("true = %x, want 11", encTrue)
	}

	encFalse, err := EncodeApplicationValue(false)
	if err != nil {
		t.Fatal(err)
	}
	if len(encFalse) != 1 || encFalse[0] != 0x10 {
		t.Errorf("false = %x, want 10", encFalse)
	}
}

func TestNullEncodesToNil(t *testing.T) {
	encoded, err := EncodeApplicationValue(Null{})
	if err != nil {
		t.Fatal(err)
	}
	if len(encoded) != 1 || encoded[0] != 0x00 {
		t.Errorf("null = %x, want 00", encoded)
	}
	decoded, _, err := DecodeApplicationValue(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if decoded != nil {
		t.Errorf("null decoded to %#v, want nil", decoded)
	}
}

func TestCharacterStringCharset(t *testing.T) {
	encoded, err := EncodeApplicationValue("abc")
	if err != nil {
		t.Fatal(err)
	}
	// 0x74: tag 7, length 4 (charset byte + 3 chars); charset 0 = UTF-8
	if encoded[0] != 0x74 || encoded[1] != 0x00 {
		t.Errorf("header = %x", encoded[:2])
	}
}

func TestDecodeApplicationValueErrors(t *testing.T) {
	// Unknown application tag where a value is required.
	if _, _, err := DecodeApplicationValue([]byte{0xD0}); !errors.Is(err, ErrUnsupportedTag) {
		t.Errorf("unknown tag err = %v, want ErrUnsupportedTag", err)
	}
	// A context tag is not an application value.
	if _, _, err := DecodeApplicationValue(EncodeContextUnsigned(1, 5)); !errors.Is(err, ErrUnsupportedTag) {
		t.Errorf("context tag err = %v, want ErrUnsupportedTag", err)
	}
	// Real must be exactly 4 bytes.
	if _, _, err := DecodeApplicationValue([]byte{0x42, 0x01, 0x02}); !errors.Is(err, ErrMalformedTag) {
		t.Errorf("short real err = %v, want ErrMalformedTag", err)
	}
}

func TestBitStringBit(t *testing.T) {
	bs := BitString{Unused: 4, Data: []byte{0xA0}} // bits 1010----
	want := []bool{true, false, true, false}
	for i, w := range want {
		if bs.Bit(i) != w {
			t.Errorf("bit %d = %v, want %v", i, bs.Bit(i), w)
		}
	}
	if bs.Bit(4) || bs.Bit(-1) || bs.Bit(100) {
		t.Error("out-of-range bits must read false")
	}
}
