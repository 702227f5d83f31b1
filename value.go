// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bacnet

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Application tag numbers
type ApplicationTag uint8

const (
	TagNull            ApplicationTag = 0
	TagBoolean         ApplicationTag = 1
	TagUnsignedInt     ApplicationTag = 2
	TagSignedInt       ApplicationTag = 3
	TagReal            ApplicationTag = 4
	TagDouble          ApplicationTag = 5
	TagOctetString     ApplicationTag = 6
	TagCharacterString ApplicationTag = 7
	TagBitString       ApplicationTag = 8
	TagEnumerated      ApplicationTag = 9
	TagDate            ApplicationTag = 10
	TagTime            ApplicationTag = 11
	TagObjectID        ApplicationTag = 12
)

func (t ApplicationTag) String() string {
	names := map[ApplicationTag]string{
		TagNull:            "null",
		TagBoolean:         "boolean",
		TagUnsignedInt:     "unsigned",
		TagSignedInt:       "signed",
		TagReal:            "real",
		TagDouble:          "double",
		TagOctetString:     "octet-string",
		TagCharacterString: "character-string",
		TagBitString:       "bit-string",
		TagEnumerated:      "enumerated",
		TagDate:            "date",
		TagTime:            "time",
		TagObjectID:        "object-identifier",
	}
	if name, ok := names[t]; ok {
		return name
	}
	return fmt.Sprintf("tag(%d)", uint8(t))
}

// ParseApplicationTag parses a tag name as accepted by the write command.
func ParseApplicationTag(s string) (ApplicationTag, bool) {
	tags := map[string]ApplicationTag{
		"null":             TagNull,
		"boolean":          TagBoolean,
		"bool":             TagBoolean,
		"unsigned":         TagUnsignedInt,
		"uint":             TagUnsignedInt,
		"signed":           TagSignedInt,
		"int":              TagSignedInt,
		"real":             TagReal,
		"float":            TagReal,
		"double":           TagDouble,
		"octet-string":     TagOctetString,
		"character-string": TagCharacterString,
		"string":           TagCharacterString,
		"bit-string":       TagBitString,
		"enumerated":       TagEnumerated,
		"enum":             TagEnumerated,
		"date":             TagDate,
		"time":             TagTime,
		"object-id":        TagObjectID,
	}
	if t, ok := tags[s]; ok {
		return t, true
	}
	return 0, false
}

// Null is the BACnet Null application value.
type Null struct{}

// OctetString is a raw byte string value.
type OctetString []byte

// Enumerated is a BACnet enumerated value.
type Enumerated uint32

// BitString is a BACnet bit string: Unused counts the padding bits at the
// end of the last byte.
type BitString struct {
	Unused uint8
	Data   []byte
}

// Bit reports the value of bit i, most significant bit of Data[0] first.
func (b BitString) Bit(i int) bool {
	if i < 0 || i >= len(b.Data)*8-int(b.Unused) {
		return false
	}
	return b.Data[i/8]&(0x80>>uint(i%8)) != 0
}

// Date is a BACnet date. Year counts from 1900; 0xFF in any field is the
// "any" wildcard. DayOfWeek runs Monday=1 to Sunday=7.
type Date struct {
	Year      uint8
	Month     uint8
	Day       uint8
	DayOfWeek uint8
}

func (d Date) String() string {
	if d.Year == 0xFF || d.Month == 0xFF || d.Day == 0xFF {
		return "date(*)"
	}
	return fmt.Sprintf("%04d-%02d-%02d", int(d.Year)+1900, d.Month, d.Day)
}

// Time is a BACnet time; 0xFF in any field is the "any" wildcard.
type Time struct {
	Hour       uint8
	Minute     uint8
	Second     uint8
	Hundredths uint8
}

func (t Time) String() string {
	if t.Hour == 0xFF || t.Minute == 0xFF {
		return "time(*)"
	}
	return fmt.Sprintf("%02d:%02d:%02d.%02d", t.Hour, t.Minute, t.Second, t.Hundredths)
}

// ConstructedValue carries a constructed (context-tagged) value that the
// decoder passes through as raw bytes.
type ConstructedValue []byte

// EncodeApplicationValue encodes a Go value as an application-tagged BACnet
// value. Accepted types: nil / Null, bool, uint32, int32, float32, float64,
// OctetString, string, BitString, Enumerated, Date, Time, ObjectIdentifier.
func EncodeApplicationValue(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return EncodeTag(uint8(TagNull), false, 0), nil
	case Null:
		return EncodeTag(uint8(TagNull), false, 0), nil

	case bool:
		// Boolean carries its value in the length field.
		length := uint32(0)
		if v {
			length = 1
		}
		return EncodeTag(uint8(TagBoolean), false, length), nil

	case uint32:
		body := EncodeUnsigned(v)
		return append(EncodeTag(uint8(TagUnsignedInt), false, uint32(len(body))), body...), nil

	case int32:
		body := EncodeSigned(v)
		return append(EncodeTag(uint8(TagSignedInt), false, uint32(len(body))), body...), nil

	case float32:
		body := make([]byte, 4)
		binary.BigEndian.PutUint32(body, math.Float32bits(v))
		return append(EncodeTag(uint8(TagReal), false, 4), body...), nil

	case float64:
		body := make([]byte, 8)
		binary.BigEndian.PutUint64(body, math.Float64bits(v))
		return append(EncodeTag(uint8(TagDouble), false, 8), body...), nil

	case OctetString:
		return append(EncodeTag(uint8(TagOctetString), false, uint32(len(v))), v...), nil

	case string:
		// charset byte 0 = UTF-8 (ANSI X3.4)
		body := append([]byte{0}, []byte(v)...)
		return append(EncodeTag(uint8(TagCharacterString), false, uint32(len(body))), body...), nil

	case BitString:
		body := append([]byte{v.Unused}, v.Data...)
		return append(EncodeTag(uint8(TagBitString), false, uint32(len(body))), body...), nil

	case Enumerated:
		body := EncodeUnsigned(uint32(v))
		return append(EncodeTag(uint8(TagEnumerated), false, uint32(len(body))), body...), nil

	case Date:
		body := []byte{v.Year, v.Month, v.Day, v.DayOfWeek}
		return append(EncodeTag(uint8(TagDate), false, 4), body...), nil

	case Time:
		body := []byte{v.Hour, v.Minute, v.Second, v.Hundredths}
		return append(EncodeTag(uint8(TagTime), false, 4), body...), nil

	case ObjectIdentifier:
		if err := v.Valid(); err != nil {
			return nil, err
		}
		body := make([]byte, 4)
		binary.BigEndian.PutUint32(body, v.Encode())
		return append(EncodeTag(uint8(TagObjectID), false, 4), body...), nil
	}

	return nil, fmt.Errorf("%w: cannot encode %T", ErrUnsupportedTag, value)
}

// DecodeApplicationValue decodes one application-tagged value and returns
// it with the number of bytes consumed. Null decodes to nil.
func DecodeApplicationValue(data []byte) (interface{}, int, error) {
	tagNumber, contextSpecific, length, headerLen, err := DecodeTagNumber(data)
	if err != nil {
		return nil, 0, err
	}
	if contextSpecific {
		return nil, 0, fmt.Errorf("%w: context tag %d where application value expected",
			ErrUnsupportedTag, tagNumber)
	}
	if length < 0 {
		return nil, 0, fmt.Errorf("%w: paired tag where application value expected", ErrMalformedTag)
	}

	// Boolean first: its value lives in the length field, not in data bytes.
	if ApplicationTag(tagNumber) == TagBoolean {
		return length == 1, headerLen, nil
	}

	body := data[headerLen : headerLen+length]
	consumed := headerLen + length

	switch ApplicationTag(tagNumber) {
	case TagNull:
		return nil, consumed, nil

	case TagUnsignedInt:
		v, err := DecodeUnsigned(body)
		if err != nil {
			return nil, 0, err
		}
		return v, consumed, nil

	case TagSignedInt:
		v, err := DecodeSigned(body)
		if err != nil {
			return nil, 0, err
		}
		return v, consumed, nil

	case TagReal:
		if len(body) != 4 {
			return nil, 0, fmt.Errorf("%w: real of %d bytes", ErrMalformedTag, len(body))
		}
		return math.Float32frombits(binary.BigEndian.Uint32(body)), consumed, nil

	case TagDouble:
		if len(body) != 8 {
			return nil, 0, fmt.Errorf("%w: double of %d bytes", ErrMalformedTag, len(body))
		}
		return math.Float64frombits(binary.BigEndian.Uint64(body)), consumed, nil

	case TagOctetString:
		return OctetString(append([]byte(nil), body...)), consumed, nil

	case TagCharacterString:
		if len(body) < 1 {
			return nil, 0, fmt.Errorf("%w: empty character string body", ErrMalformedTag)
		}
		// Only the UTF-8 charset is decoded to a Go string; others are
		// returned verbatim so nothing is lost.
		if body[0] != 0 {
			return OctetString(append([]byte(nil), body...)), consumed, nil
		}
		return string(body[1:]), consumed, nil

	case TagBitString:
		if len(body) < 1 {
			return nil, 0, fmt.Errorf("%w: empty bit string body", ErrMalformedTag)
		}
		return BitString{Unused: body[0], Data: append([]byte(nil), body[1:]...)}, consumed, nil

	case TagEnumerated:
		v, err := DecodeUnsigned(body)
		if err != nil {
			return nil, 0, err
		}
		return Enumerated(v), consumed, nil

	case TagDate:
		if len(body) != 4 {
			return nil, 0, fmt.Errorf("%w: date of %d bytes", ErrMalformedTag, len(body))
		}
		return Date{Year: body[0], Month: body[1], Day: body[2], DayOfWeek: body[3]}, consumed, nil

	case TagTime:
		if len(body) != 4 {
			return nil, 0, fmt.Errorf("%w: time of %d bytes", ErrMalformedTag, len(body))
		}
		return Time{Hour: body[0], Minute: body[1], Second: body[2], Hundredths: body[3]}, consumed, nil

	case TagObjectID:
		if len(body) != 4 {
			return nil, 0, fmt.Errorf("%w: object id of %d bytes", ErrMalformedTag, len(body))
		}
		return DecodeObjectIdentifier(binary.BigEndian.Uint32(body)), consumed, nil
	}

	return nil, 0, fmt.Errorf("%w: application tag %d", ErrUnsupportedTag, tagNumber)
}
