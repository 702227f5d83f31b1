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
)

// Tag length values returned by DecodeTagNumber for paired tags.
const (
	TagLengthOpening = -1
	TagLengthClosing = -2
)

// EncodeBVLC encodes a BVLC header for BACnet/IP. The length field counts
// the 4-byte header plus the payload that follows.
func EncodeBVLC(function BVLCFunction, payloadLength int) []byte {
	bvlc := make([]byte, 4)
	bvlc[0] = byte(BVLCTypeBACnetIP)
	bvlc[1] = byte(function)
	binary.BigEndian.PutUint16(bvlc[2:], uint16(4+payloadLength))
	return bvlc
}

// DecodeBVLC decodes a BVLC header and returns the function and the
// payload bytes after the 4-byte header.
func DecodeBVLC(data []byte) (BVLCFunction, []byte, error) {
	if len(data) < 4 {
		return 0, nil, fmt.Errorf("%w: need 4 bytes, got %d", ErrInvalidBVLC, len(data))
	}
	if data[0] != byte(BVLCTypeBACnetIP) {
		return 0, nil, fmt.Errorf("%w: type 0x%02x", ErrInvalidBVLC, data[0])
	}
	length := int(binary.BigEndian.Uint16(data[2:]))
	if length < 4 || length > len(data) {
		return 0, nil, fmt.Errorf("%w: length %d of %d", ErrInvalidBVLC, length, len(data))
	}
	return BVLCFunction(data[1]), data[4:length], nil
}

// EncodeRegisterForeignDevice builds a complete Register-Foreign-Device
// message. A TTL of zero deregisters.
func EncodeRegisterForeignDevice(ttlSeconds uint16) []byte {
	msg := EncodeBVLC(BVLCRegisterForeignDevice, 2)
	ttl := make([]byte, 2)
	binary.BigEndian.PutUint16(ttl, ttlSeconds)
	return append(msg, ttl...)
}

// DecodeBVLCResult extracts the result code from a BVLC-Result payload.
func DecodeBVLCResult(payload []byte) (uint16, error) {
	if len(payload) < 2 {
		return 0, fmt.Errorf("%w: result payload %d bytes", ErrInvalidBVLC, len(payload))
	}
	return binary.BigEndian.Uint16(payload), nil
}

// DecodeForwardedNPDU splits a Forwarded-NPDU payload into the 6-byte
// originating B/IP address and the NPDU that follows.
func DecodeForwardedNPDU(payload []byte) (Address, []byte, error) {
	if len(payload) < 6 {
		return Address{}, nil, fmt.Errorf("%w: forwarded payload %d bytes", ErrInvalidBVLC, len(payload))
	}
	origin := Address{Addr: append([]byte(nil), payload[:6]...)}
	return origin, payload[6:], nil
}

// NPDU represents the network layer header.
type NPDU struct {
	Control     NPDUControl
	Destination *Address
	Source      *Address
	HopCount    uint8

	// Set only when Control has the network-layer-message bit.
	MessageType uint8
	VendorID    uint16
}

// EncodeNPDU encodes an NPDU header. Destination and Source are optional;
// a hop count of 255 is written whenever a destination is present.
func EncodeNPDU(n *NPDU) []byte {
	control := n.Control
	if n.Destination != nil {
		control |= NPDUControlDestSpecifier
	}
	if n.Source != nil {
		control |= NPDUControlSourceSpecifier
	}

	buf := []byte{1, byte(control)} // protocol version 1

	if n.Destination != nil {
		dnet := make([]byte, 2)
		binary.BigEndian.PutUint16(dnet, n.Destination.Net)
		buf = append(buf, dnet...)
		buf = append(buf, byte(len(n.Destination.Addr)))
		buf = append(buf, n.Destination.Addr...)
	}
	if n.Source != nil {
		snet := make([]byte, 2)
		binary.BigEndian.PutUint16(snet, n.Source.Net)
		buf = append(buf, snet...)
		buf = append(buf, byte(len(n.Source.Addr)))
		buf = append(buf, n.Source.Addr...)
	}
	if n.Destination != nil {
		hop := n.HopCount
		if hop == 0 {
			hop = 255
		}
		buf = append(buf, hop)
	}
	return buf
}

// DecodeNPDU decodes the network layer header and returns it together
// with the number of bytes consumed.
func DecodeNPDU(data []byte) (*NPDU, int, error) {
	if len(data) < 2 {
		return nil, 0, fmt.Errorf("%w: need 2 bytes, got %d", ErrInvalidNPDU, len(data))
	}
	if data[0] != 1 {
		return nil, 0, fmt.Errorf("%w: protocol version %d", ErrInvalidNPDU, data[0])
	}

	n := &NPDU{Control: NPDUControl(data[1])}
	pos := 2

	if n.Control&NPDUControlDestSpecifier != 0 {
		if len(data) < pos+3 {
			return nil, 0, fmt.Errorf("%w: truncated destination", ErrInvalidNPDU)
		}
		dest := Address{Net: binary.BigEndian.Uint16(data[pos:])}
		dlen := int(data[pos+2])
		pos += 3
		if len(data) < pos+dlen {
			return nil, 0, fmt.Errorf("%w: truncated DADR", ErrInvalidNPDU)
		}
		dest.Addr = append([]byte(nil), data[pos:pos+dlen]...)
		pos += dlen
		n.Destination = &dest
	}

	if n.Control&NPDUControlSourceSpecifier != 0 {
		if len(data) < pos+3 {
			return nil, 0, fmt.Errorf("%w: truncated source", ErrInvalidNPDU)
		}
		src := Address{Net: binary.BigEndian.Uint16(data[pos:])}
		slen := int(data[pos+2])
		pos += 3
		if len(data) < pos+slen {
			return nil, 0, fmt.Errorf("%w: truncated SADR", ErrInvalidNPDU)
		}
		src.Addr = append([]byte(nil), data[pos:pos+slen]...)
		pos += slen
		n.Source = &src
	}

	if n.Control&NPDUControlDestSpecifier != 0 {
		if len(data) < pos+1 {
			return nil, 0, fmt.Errorf("%w: missing hop count", ErrInvalidNPDU)
		}
		n.HopCount = data[pos]
		pos++
	}

	if n.Control&NPDUControlNetworkLayerMessage != 0 {
		if len(data) < pos+1 {
			return nil, 0, fmt.Errorf("%w: missing message type", ErrInvalidNPDU)
		}
		n.MessageType = data[pos]
		pos++
		if n.MessageType >= 0x80 {
			if len(data) < pos+2 {
				return nil, 0, fmt.Errorf("%w: missing vendor id", ErrInvalidNPDU)
			}
			n.VendorID = binary.BigEndian.Uint16(data[pos:])
			pos += 2
		}
	}

	return n, pos, nil
}

// APDU represents a decoded application layer unit.
type APDU struct {
	Type          PDUType
	Service       uint8
	InvokeID      uint8
	SegmentNumber uint8
	WindowSize    uint8
	Payload       []byte
}

// EncodeConfirmedRequest encodes a confirmed service request header plus
// payload. Segmentation is never requested; maxAPDU encoding 5 announces
// acceptance of up to 1476 octets.
func EncodeConfirmedRequest(invokeID uint8, service ConfirmedServiceChoice, payload []byte) []byte {
	buf := make([]byte, 4, 4+len(payload))
	buf[0] = byte(PDUTypeConfirmedRequest) // no SEG, no MOR, no SA
	buf[1] = 0x05                          // max-segments unspecified, max-APDU 1476
	buf[2] = invokeID
	buf[3] = byte(service)
	return append(buf, payload...)
}

// EncodeUnconfirmedRequest encodes an unconfirmed service request.
func EncodeUnconfirmedRequest(service UnconfirmedServiceChoice, payload []byte) []byte {
	buf := make([]byte, 2, 2+len(payload))
	buf[0] = byte(PDUTypeUnconfirmedRequest)
	buf[1] = byte(service)
	return append(buf, payload...)
}

// DecodeAPDU decodes an application layer unit. Segmented requests and
// responses are recognized but their bodies are not reassembled.
func DecodeAPDU(data []byte) (*APDU, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidAPDU, len(data))
	}

	apdu := &APDU{Type: PDUType(data[0] & 0xF0)}
	segmented := data[0]&0x08 != 0

	switch apdu.Type {
	case PDUTypeConfirmedRequest:
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: short confirmed request", ErrInvalidAPDU)
		}
		apdu.InvokeID = data[2]
		if segmented {
			if len(data) < 6 {
				return nil, fmt.Errorf("%w: short segmented request", ErrInvalidAPDU)
			}
			apdu.SegmentNumber = data[3]
			apdu.WindowSize = data[4]
			apdu.Service = data[5]
			apdu.Payload = data[6:]
		} else {
			apdu.Service = data[3]
			apdu.Payload = data[4:]
		}

	case PDUTypeUnconfirmedRequest:
		apdu.Service = data[1]
		apdu.Payload = data[2:]

	case PDUTypeSimpleAck:
		if len(data) < 3 {
			return nil, fmt.Errorf("%w: short simple ack", ErrInvalidAPDU)
		}
		apdu.InvokeID = data[1]
		apdu.Service = data[2]

	case PDUTypeComplexAck:
		if len(data) < 3 {
			return nil, fmt.Errorf("%w: short complex ack", ErrInvalidAPDU)
		}
		apdu.InvokeID = data[1]
		if segmented {
			if len(data) < 5 {
				return nil, fmt.Errorf("%w: short segmented ack", ErrInvalidAPDU)
			}
			apdu.SegmentNumber = data[2]
			apdu.WindowSize = data[3]
			apdu.Service = data[4]
			apdu.Payload = data[5:]
		} else {
			apdu.Service = data[2]
			apdu.Payload = data[3:]
		}

	case PDUTypeSegmentAck:
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: short segment ack", ErrInvalidAPDU)
		}
		apdu.InvokeID = data[1]
		apdu.SegmentNumber = data[2]
		apdu.WindowSize = data[3]

	case PDUTypeError:
		if len(data) < 3 {
			return nil, fmt.Errorf("%w: short error", ErrInvalidAPDU)
		}
		apdu.InvokeID = data[1]
		apdu.Service = data[2]
		apdu.Payload = data[3:]

	case PDUTypeReject, PDUTypeAbort:
		if len(data) < 3 {
			return nil, fmt.Errorf("%w: short reject/abort", ErrInvalidAPDU)
		}
		apdu.InvokeID = data[1]
		apdu.Payload = data[2:]

	default:
		return nil, fmt.Errorf("%w: pdu type 0x%02x", ErrInvalidAPDU, data[0])
	}

	return apdu, nil
}

// EncodeTag encodes a tag header. tagNumber 0-14 is encoded inline, 15 and
// above in an extension byte. length 0-4 is encoded inline; 5 and above
// switches to the extended length forms (one byte below 254, 254 + uint16,
// 255 + uint32).
func EncodeTag(tagNumber uint8, contextSpecific bool, length uint32) []byte {
	var buf []byte

	var first byte
	if contextSpecific {
		first = 0x08
	}

	if tagNumber < 15 {
		first |= tagNumber << 4
		buf = append(buf, first)
	} else {
		first |= 0xF0
		buf = append(buf, first, tagNumber)
	}

	switch {
	case length < 5:
		buf[0] |= byte(length)
	case length < 254:
		buf[0] |= 5
		buf = append(buf, byte(length))
	case length <= 0xFFFF:
		buf[0] |= 5
		ext := make([]byte, 3)
		ext[0] = 254
		binary.BigEndian.PutUint16(ext[1:], uint16(length))
		buf = append(buf, ext...)
	default:
		buf[0] |= 5
		ext := make([]byte, 5)
		ext[0] = 255
		binary.BigEndian.PutUint32(ext[1:], length)
		buf = append(buf, ext...)
	}

	return buf
}

// EncodeOpeningTag encodes a context opening tag.
func EncodeOpeningTag(tagNumber uint8) []byte {
	if tagNumber < 15 {
		return []byte{tagNumber<<4 | 0x0E}
	}
	return []byte{0xFE, tagNumber}
}

// EncodeClosingTag encodes a context closing tag.
func EncodeClosingTag(tagNumber uint8) []byte {
	if tagNumber < 15 {
		return []byte{tagNumber<<4 | 0x0F}
	}
	return []byte{0xFF, tagNumber}
}

// DecodeTagNumber decodes a tag header. It returns the tag number, whether
// the tag is context specific, the value length (TagLengthOpening or
// TagLengthClosing for paired tags), and the header size in bytes.
func DecodeTagNumber(data []byte) (tagNumber uint8, contextSpecific bool, length int, headerLen int, err error) {
	if len(data) < 1 {
		return 0, false, 0, 0, fmt.Errorf("%w: empty buffer", ErrMalformedTag)
	}

	first := data[0]
	contextSpecific = first&0x08 != 0
	headerLen = 1

	tagNumber = first >> 4
	if tagNumber == 15 {
		if len(data) < 2 {
			return 0, false, 0, 0, fmt.Errorf("%w: truncated extended tag number", ErrMalformedTag)
		}
		tagNumber = data[1]
		headerLen = 2
	}

	lvt := first & 0x07
	switch {
	case contextSpecific && lvt == 6:
		length = TagLengthOpening
	case contextSpecific && lvt == 7:
		length = TagLengthClosing
	case lvt < 5:
		length = int(lvt)
	default:
		if len(data) < headerLen+1 {
			return 0, false, 0, 0, fmt.Errorf("%w: truncated extended length", ErrMalformedTag)
		}
		ext := data[headerLen]
		headerLen++
		switch ext {
		case 254:
			if len(data) < headerLen+2 {
				return 0, false, 0, 0, fmt.Errorf("%w: truncated uint16 length", ErrMalformedTag)
			}
			length = int(binary.BigEndian.Uint16(data[headerLen:]))
			headerLen += 2
		case 255:
			if len(data) < headerLen+4 {
				return 0, false, 0, 0, fmt.Errorf("%w: truncated uint32 length", ErrMalformedTag)
			}
			length = int(binary.BigEndian.Uint32(data[headerLen:]))
			headerLen += 4
		default:
			length = int(ext)
		}
	}

	// Application tag 1 is Boolean: the length field holds the value and
	// no content octets follow, so the buffer check does not apply.
	isBoolean := !contextSpecific && tagNumber == 1
	if !isBoolean && length > 0 && len(data) < headerLen+length {
		return 0, false, 0, 0, fmt.Errorf("%w: declared length %d overruns buffer (%d after header)",
			ErrMalformedTag, length, len(data)-headerLen)
	}

	return tagNumber, contextSpecific, length, headerLen, nil
}

// EncodeUnsigned encodes an unsigned integer in the minimum number of bytes.
func EncodeUnsigned(value uint32) []byte {
	switch {
	case value < 0x100:
		return []byte{byte(value)}
	case value < 0x10000:
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(value))
		return buf
	case value < 0x1000000:
		return []byte{byte(value >> 16), byte(value >> 8), byte(value)}
	default:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, value)
		return buf
	}
}

// DecodeUnsigned decodes a big-endian unsigned integer of 1 to 4 bytes.
func DecodeUnsigned(data []byte) (uint32, error) {
	if len(data) == 0 || len(data) > 4 {
		return 0, fmt.Errorf("%w: unsigned of %d bytes", ErrMalformedTag, len(data))
	}
	var value uint32
	for _, b := range data {
		value = value<<8 | uint32(b)
	}
	return value, nil
}

// EncodeSigned encodes a signed integer in the minimum number of bytes.
func EncodeSigned(value int32) []byte {
	switch {
	case value >= -0x80 && value < 0x80:
		return []byte{byte(value)}
	case value >= -0x8000 && value < 0x8000:
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(value))
		return buf
	case value >= -0x800000 && value < 0x800000:
		return []byte{byte(value >> 16), byte(value >> 8), byte(value)}
	default:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(value))
		return buf
	}
}

// DecodeSigned decodes a big-endian two's-complement integer of 1 to 4 bytes.
func DecodeSigned(data []byte) (int32, error) {
	if len(data) == 0 || len(data) > 4 {
		return 0, fmt.Errorf("%w: signed of %d bytes", ErrMalformedTag, len(data))
	}
	var value int32
	if data[0]&0x80 != 0 {
		value = -1 // sign extend
	}
	for _, b := range data {
		value = value<<8 | int32(b)
	}
	return value, nil
}

// EncodeContextUnsigned encodes an unsigned value under a context tag.
func EncodeContextUnsigned(tagNumber uint8, value uint32) []byte {
	body := EncodeUnsigned(value)
	return append(EncodeTag(tagNumber, true, uint32(len(body))), body...)
}

// EncodeContextObjectID encodes an object identifier under a context tag.
func EncodeContextObjectID(tagNumber uint8, oid ObjectIdentifier) []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, oid.Encode())
	return append(EncodeTag(tagNumber, true, 4), body...)
}

// EncodeContextEnumerated encodes an enumerated value under a context tag.
func EncodeContextEnumerated(tagNumber uint8, value uint32) []byte {
	return EncodeContextUnsigned(tagNumber, value)
}
