package bacnet

import (
	"bytes"
	"errors"
	"testing"
)

func TestTagRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		tagNumber uint8
		context   bool
		length    uint32
		headerLen int
	}{
		{"inline length 0", 0, false, 0, 1},
		{"inline length 4", 2, false, 4, 1},
		{"extended length 5", 2, false, 5, 2},
		{"extended length 253", 1, true, 253, 2},
		{"uint16 length 254", 1, false, 254, 4},
		{"uint16 length 65535", 3, false, 65535, 4},
		{"uint32 length 70000", 3, false, 70000, 6},
		{"extended tag number 15", 15, true, 2, 2},
		{"extended tag number 200", 200, true, 3, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := EncodeTag(tt.tagNumber, tt.context, tt.length)
			buf := append(header, make([]byte, tt.length)...)

			tagNumber, context, length, headerLen, err := DecodeTagNumber(buf)
			if err != nil {
				t.Fatalf("DecodeTagNumber: %v", err)
			}
			if tagNumber != tt.tagNumber {
				t.Errorf("tag number = %d, want %d", tagNumber, tt.tagNumber)
			}
			if context != tt.context {
				t.Errorf("context = %v, want %v", context, tt.context)
			}
			if length != int(tt.length) {
				t.Errorf("length = %d, want %d", length, tt.length)
			}
			if headerLen != tt.headerLen {
				t.Errorf("header length = %d, want %d", headerLen, tt.headerLen)
			}
		})
	}
}

func TestTagLengthBoundary(t *testing.T) {
	// Length 4 stays inline, length 5 switches to an extension byte.
	four := EncodeTag(0, false, 4)
	if len(four) != 1 {
		t.Errorf("length-4 header is %d bytes, want 1", len(four))
	}
	five := EncodeTag(0, false, 5)
	if len(five) != 2 {
		t.Errorf("length-5 header is %d bytes, want 2", len(five))
	}
	if five[1] != 5 {
		t.Errorf("extension byte = %d, want 5", five[1])
	}
}

func TestOpeningClosingTags(t *testing.T) {
	open := EncodeOpeningTag(3)
	tagNum, ctx, length, _, err := DecodeTagNumber(open)
	if err != nil {
		t.Fatalf("decode opening: %v", err)
	}
	if !ctx || tagNum != 3 || length != TagLengthOpening {
		t.Errorf("opening tag decoded as (%d, %v, %d)", tagNum, ctx, length)
	}

	closing := EncodeClosingTag(3)
	tagNum, ctx, length, _, err = DecodeTagNumber(closing)
	if err != nil {
		t.Fatalf("decode closing: %v", err)
	}
	if !ctx || tagNum != 3 || length != TagLengthClosing {
		t.Errorf("closing tag decoded as (%d, %v, %d)", tagNum, ctx, length)
	}
}

func TestDecodeBooleanTagAtBufferEnd(t *testing.T) {
	// Boolean carries its value in the length field with no content
	// octets, so a lone 0x11 or 0x10 is a complete encoding and must not
	// read as a length overrun.
	tests := []struct {
		name   string
		data   []byte
		length int
	}{
		{"true", []byte{0x11}, 1},
		{"false", []byte{0x10}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tagNum, ctx, length, headerLen, err := DecodeTagNumber(tt.data)
			if err != nil {
				t.Fatalf("DecodeTagNumber: %v", err)
			}
			if ctx || tagNum != 1 {
				t.Errorf("decoded as tag %d (context %v), want application tag 1", tagNum, ctx)
			}
			if length != tt.length {
				t.Errorf("length = %d, want %d", length, tt.length)
			}
			if headerLen != 1 {
				t.Errorf("header length = %d, want 1", headerLen)
			}
		})
	}
}

func TestDecodeTagMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"declared length overruns", []byte{0x24, 0x01, 0x02}},       // length 4, only 2 bytes
		{"truncated extended length", []byte{0x25}},                  // length 5 marker, no ext byte
		{"truncated uint16 length", []byte{0x25, 254, 0x01}},         // 254 needs 2 more
		{"truncated uint32 length", []byte{0x25, 255, 0x00, 0x01}},   // 255 needs 4 more
		{"truncated extended tag", []byte{0xF4}},                     // tag 15 marker, no tag byte
		{"extended declared overrun", []byte{0x25, 10, 0x00, 0x01}},  // length 10, 2 bytes follow
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, _, err := DecodeTagNumber(tt.data)
			if !errors.Is(err, ErrMalformedTag) {
				t.Errorf("err = %v, want ErrMalformedTag", err)
			}
		})
	}
}

func TestBVLCRoundTrip(t *testing.T) {
	npdu := []byte{0x01, 0x00, 0x10, 0x08}
	msg := append(EncodeBVLC(BVLCOriginalBroadcastNPDU, len(npdu)), npdu...)

	function, payload, err := DecodeBVLC(msg)
	if err != nil {
		t.Fatalf("DecodeBVLC: %v", err)
	}
	if function != BVLCOriginalBroadcastNPDU {
		t.Errorf("function = 0x%02x", uint8(function))
	}
	if !bytes.Equal(payload, npdu) {
		t.Errorf("payload = %x, want %x", payload, npdu)
	}
}

func TestDecodeBVLCErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"short", []byte{0x81, 0x0B}},
		{"wrong type", []byte{0x82, 0x0B, 0x00, 0x04}},
		{"length overruns", []byte{0x81, 0x0B, 0x00, 0x10, 0x01}},
		{"length below header", []byte{0x81, 0x0B, 0x00, 0x02}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := DecodeBVLC(tt.data); !errors.Is(err, ErrInvalidBVLC) {
				t.Errorf("err = %v, want ErrInvalidBVLC", err)
			}
		})
	}
}

func TestRegisterForeignDeviceMessage(t *testing.T) {
	msg := EncodeRegisterForeignDevice(300)
	want := []byte{0x81, 0x05, 0x00, 0x06, 0x01, 0x2C}
	if !bytes.Equal(msg, want) {
		t.Errorf("message = %x, want %x", msg, want)
	}

	// TTL 0 deregisters
	msg = EncodeRegisterForeignDevice(0)
	if msg[4] != 0 || msg[5] != 0 {
		t.Errorf("TTL bytes = %x %x, want zero", msg[4], msg[5])
	}
}

func TestNPDURoundTrip(t *testing.T) {
	dest := Address{Net: 200, Addr: []byte{0x07}}
	src := Address{Net: 100, Addr: []byte{0xC0, 0xA8, 0x01, 0x05, 0xBA, 0xC0}}

	encoded := EncodeNPDU(&NPDU{
		Control:     NPDUControlExpectingReply,
		Destination: &dest,
		Source:      &src,
		HopCount:    255,
	})

	decoded, consumed, err := DecodeNPDU(encoded)
	if err != nil {
		t.Fatalf("DecodeNPDU: %v", err)
	}
	if consumed != len(encoded) {
		t.Errorf("consumed %d of %d bytes", consumed, len(encoded))
	}
	if decoded.Control&NPDUControlExpectingReply == 0 {
		t.Error("expecting-reply bit lost")
	}
	if decoded.Destination == nil || !decoded.Destination.Equal(dest) {
		t.Errorf("destination = %v, want %v", decoded.Destination, dest)
	}
	if decoded.Source == nil || !decoded.Source.Equal(src) {
		t.Errorf("source = %v, want %v", decoded.Source, src)
	}
	if decoded.HopCount != 255 {
		t.Errorf("hop count = %d, want 255", decoded.HopCount)
	}
}

func TestNPDUPlain(t *testing.T) {
	encoded := EncodeNPDU(&NPDU{})
	if !bytes.Equal(encoded, []byte{0x01, 0x00}) {
		t.Errorf("plain NPDU = %x", encoded)
	}
	decoded, consumed, err := DecodeNPDU(encoded)
	if err != nil {
		t.Fatalf("DecodeNPDU: %v", err)
	}
	if consumed != 2 || decoded.Destination != nil || decoded.Source != nil {
		t.Errorf("plain NPDU decoded as %+v (consumed %d)", decoded, consumed)
	}
}

func TestDecodeNPDUTruncated(t *testing.T) {
	tests := [][]byte{
		{0x01},
		{0x02, 0x00},             // wrong version
		{0x01, 0x20, 0x00},       // dest specifier, truncated DNET
		{0x01, 0x20, 0x00, 0x05, 0x02, 0x07}, // DLEN 2, one DADR byte, no hop
		{0x01, 0x08, 0x00},       // source specifier, truncated
	}
	for _, data := range tests {
		if _, _, err := DecodeNPDU(data); !errors.Is(err, ErrInvalidNPDU) {
			t.Errorf("DecodeNPDU(%x) err = %v, want ErrInvalidNPDU", data, err)
		}
	}
}

func TestAPDURoundTrip(t *testing.T) {
	payload := buildReadProperty(NewObjectIdentifier(ObjectTypeAnalogInput, 1), PropertyPresentValue, nil)
	encoded := EncodeConfirmedRequest(42, ServiceReadProperty, payload)

	apdu, err := DecodeAPDU(encoded)
	if err != nil {
		t.Fatalf("DecodeAPDU: %v", err)
	}
	if apdu.Type != PDUTypeConfirmedRequest {
		t.Errorf("type = 0x%02x", uint8(apdu.Type))
	}
	if apdu.InvokeID != 42 {
		t.Errorf("invoke id = %d, want 42", apdu.InvokeID)
	}
	if ConfirmedServiceChoice(apdu.Service) != ServiceReadProperty {
		t.Errorf("service = %d", apdu.Service)
	}
	if !bytes.Equal(apdu.Payload, payload) {
		t.Errorf("payload mismatch")
	}
}

func TestDecodeAPDUTypes(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		pduType  PDUType
		invokeID uint8
	}{
		{"simple ack", []byte{0x20, 0x07, 0x0F}, PDUTypeSimpleAck, 7},
		{"complex ack", []byte{0x30, 0x09, 0x0C, 0x00}, PDUTypeComplexAck, 9},
		{"error", []byte{0x50, 0x03, 0x0C, 0x91, 0x01, 0x91, 0x1F}, PDUTypeError, 3},
		{"reject", []byte{0x60, 0x04, 0x09}, PDUTypeReject, 4},
		{"abort", []byte{0x70, 0x05, 0x04}, PDUTypeAbort, 5},
		{"segment ack", []byte{0x40, 0x06, 0x01, 0x10}, PDUTypeSegmentAck, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apdu, err := DecodeAPDU(tt.data)
			if err != nil {
				t.Fatalf("DecodeAPDU: %v", err)
			}
			if apdu.Type != tt.pduType {
				t.Errorf("type = 0x%02x, want 0x%02x", uint8(apdu.Type), uint8(tt.pduType))
			}
			if apdu.InvokeID != tt.invokeID {
				t.Errorf("invoke id = %d, want %d", apdu.InvokeID, tt.invokeID)
			}
		})
	}
}

func TestUnsignedMinimalEncoding(t *testing.T) {
	tests := []struct {
		value uint32
		size  int
	}{
		{0, 1}, {255, 1}, {256, 2}, {65535, 2}, {65536, 3}, {1 << 24, 4}, {MaxInstance, 3},
	}
	for _, tt := range tests {
		enc := EncodeUnsigned(tt.value)
		if len(enc) != tt.size {
			t.Errorf("EncodeUnsigned(%d) = %d bytes, want %d", tt.value, len(enc), tt.size)
		}
		dec, err := DecodeUnsigned(enc)
		if err != nil {
			t.Fatalf("DecodeUnsigned(%x): %v", enc, err)
		}
		if dec != tt.value {
			t.Errorf("round trip %d -> %d", tt.value, dec)
		}
	}
}

func TestSignedRoundTrip(t *testing.T) {
	for _, v := range []int32{0, 1, -1, 127, -128, 128, -129, 32767, -32768, 1 << 20, -(1 << 20), 1<<31 - 1, -(1 << 31)} {
		enc := EncodeSigned(v)
		dec, err := DecodeSigned(enc)
		if err != nil {
			t.Fatalf("DecodeSigned(%x): %v", enc, err)
		}
		if dec != v {
			t.Errorf("round trip %d -> %d (wire %x)", v, dec, enc)
		}
	}
}

func TestObjectIdentifierPacking(t *testing.T) {
	oid := NewObjectIdentifier(ObjectTypeAnalogInput, 42)
	if oid.Encode() != 42 {
		t.Errorf("analog-input:42 = 0x%08x", oid.Encode())
	}

	oid = NewObjectIdentifier(ObjectTypeDevice, MaxInstance)
	decoded := DecodeObjectIdentifier(oid.Encode())
	if decoded != oid {
		t.Errorf("round trip %v -> %v", oid, decoded)
	}

	if err := NewObjectIdentifier(ObjectTypeDevice, MaxInstance+1).Valid(); !errors.Is(err, ErrInvalidObjectID) {
		t.Errorf("instance beyond 22 bits accepted: %v", err)
	}
	if err := NewObjectIdentifier(ObjectType(MaxObjectType+1), 1).Valid(); !errors.Is(err, ErrInvalidObjectID) {
		t.Errorf("type beyond 10 bits accepted: %v", err)
	}
}
