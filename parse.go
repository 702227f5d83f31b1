package bacnet

import (
	"fmt"
)

// buildWhoIs encodes a Who-Is payload. Both limits nil means unlimited;
// when present both are sent as context tags 0 and 1.
func buildWhoIs(low, high *uint32) []byte {
	if low == nil || high == nil {
		return nil
	}
	payload := EncodeContextUnsigned(0, *low)
	return append(payload, EncodeContextUnsigned(1, *high)...)
}

// buildReadProperty encodes a ReadProperty-Request payload:
// context 0 object id, context 1 property id, optional context 2 array index.
func buildReadProperty(oid ObjectIdentifier, prop PropertyIdentifier, arrayIndex *uint32) []byte {
	payload := EncodeContextObjectID(0, oid)
	payload = append(payload, EncodeContextUnsigned(1, uint32(prop))...)
	if arrayIndex != nil {
		payload = append(payload, EncodeContextUnsigned(2, *arrayIndex)...)
	}
	return payload
}

// buildWriteProperty encodes a WriteProperty-Request payload:
// context 0 object id, context 1 property id, optional context 2 array
// index, context 3 opening/closing around the application-tagged value,
// optional context 4 priority.
func buildWriteProperty(oid ObjectIdentifier, prop PropertyIdentifier, value interface{}, arrayIndex *uint32, priority *uint8) ([]byte, error) {
	encoded, err := EncodeApplicationValue(value)
	if err != nil {
		return nil, err
	}

	payload := EncodeContextObjectID(0, oid)
	payload = append(payload, EncodeContextUnsigned(1, uint32(prop))...)
	if arrayIndex != nil {
		payload = append(payload, EncodeContextUnsigned(2, *arrayIndex)...)
	}
	payload = append(payload, EncodeOpeningTag(3)...)
	payload = append(payload, encoded...)
	payload = append(payload, EncodeClosingTag(3)...)
	if priority != nil {
		payload = append(payload, EncodeContextUnsigned(4, uint32(*priority))...)
	}
	return payload, nil
}

// parseIAm decodes an I-Am payload into a DeviceInfo. The fixed sequence
// is object id, max APDU length, segmentation, vendor id, all
// application tagged. The device address comes from the NPDU source when
// the I-Am was routed, otherwise from the datagram origin.
func parseIAm(payload []byte, origin Address, source *Address) (*DeviceInfo, error) {
	pos := 0

	next := func() (interface{}, error) {
		v, n, err := DecodeApplicationValue(payload[pos:])
		if err != nil {
			return nil, err
		}
		pos += n
		return v, nil
	}

	v, err := next()
	if err != nil {
		return nil, fmt.Errorf("i-am object id: %w", err)
	}
	oid, ok := v.(ObjectIdentifier)
	if !ok || oid.Type != ObjectTypeDevice {
		return nil, fmt.Errorf("%w: i-am object id is %T", ErrInvalidAPDU, v)
	}

	v, err = next()
	if err != nil {
		return nil, fmt.Errorf("i-am max apdu: %w", err)
	}
	maxAPDU, ok := v.(uint32)
	if !ok {
		return nil, fmt.Errorf("%w: i-am max apdu is %T", ErrInvalidAPDU, v)
	}

	v, err = next()
	if err != nil {
		return nil, fmt.Errorf("i-am segmentation: %w", err)
	}
	seg, ok := v.(Enumerated)
	if !ok {
		return nil, fmt.Errorf("%w: i-am segmentation is %T", ErrInvalidAPDU, v)
	}

	v, err = next()
	if err != nil {
		return nil, fmt.Errorf("i-am vendor id: %w", err)
	}
	vendor, ok := v.(uint32)
	if !ok {
		return nil, fmt.Errorf("%w: i-am vendor id is %T", ErrInvalidAPDU, v)
	}

	addr := origin
	if source != nil {
		addr = *source
	}

	return &DeviceInfo{
		ObjectID:      oid,
		Address:       addr,
		MaxAPDULength: uint16(maxAPDU),
		Segmentation:  Segmentation(seg),
		VendorID:      uint16(vendor),
	}, nil
}

// parseReadPropertyACK decodes a ReadProperty-ACK payload and returns the
// property value. A value list with multiple elements (an un-indexed array
// read) comes back as []interface{}.
func parseReadPropertyACK(payload []byte) (interface{}, error) {
	pos := 0

	// context 0: object identifier
	tagNum, ctx, length, headerLen, err := DecodeTagNumber(payload[pos:])
	if err != nil {
		return nil, err
	}
	if !ctx || tagNum != 0 {
		return nil, fmt.Errorf("%w: expected context tag 0", ErrInvalidAPDU)
	}
	pos += headerLen + length

	// context 1: property identifier
	tagNum, ctx, length, headerLen, err = DecodeTagNumber(payload[pos:])
	if err != nil {
		return nil, err
	}
	if !ctx || tagNum != 1 {
		return nil, fmt.Errorf("%w: expected context tag 1", ErrInvalidAPDU)
	}
	pos += headerLen + length

	// context 2: optional array index
	tagNum, ctx, length, headerLen, err = DecodeTagNumber(payload[pos:])
	if err != nil {
		return nil, err
	}
	if ctx && tagNum == 2 {
		pos += headerLen + length
		tagNum, ctx, length, headerLen, err = DecodeTagNumber(payload[pos:])
		if err != nil {
			return nil, err
		}
	}

	// context 3 opening: the value
	if !ctx || tagNum != 3 || length != TagLengthOpening {
		return nil, fmt.Errorf("%w: expected opening tag 3", ErrInvalidAPDU)
	}
	pos += headerLen

	var values []interface{}
	for {
		tagNum, ctx, length, headerLen, err = DecodeTagNumber(payload[pos:])
		if err != nil {
			return nil, err
		}
		if ctx && tagNum == 3 && length == TagLengthClosing {
			break
		}
		if ctx {
			// Constructed or context-tagged content passes through raw.
			if length < 0 {
				end, err := skipConstructed(payload, pos, tagNum)
				if err != nil {
					return nil, err
				}
				values = append(values, ConstructedValue(payload[pos:end]))
				pos = end
				continue
			}
			values = append(values, ConstructedValue(payload[pos:pos+headerLen+length]))
			pos += headerLen + length
			continue
		}
		v, n, err := DecodeApplicationValue(payload[pos:])
		if err != nil {
			return nil, err
		}
		values = append(values, v)
		pos += n
	}

	switch len(values) {
	case 0:
		return nil, nil
	case 1:
		return values[0], nil
	default:
		return values, nil
	}
}

// skipConstructed advances past a constructed value opened at pos and
// returns the offset just after its closing tag. Nesting is honored.
func skipConstructed(payload []byte, pos int, openTag uint8) (int, error) {
	depth := 0
	for {
		tagNum, ctx, length, headerLen, err := DecodeTagNumber(payload[pos:])
		if err != nil {
			return 0, err
		}
		switch {
		case ctx && tagNum == openTag && length == TagLengthOpening:
			depth++
			pos += headerLen
		case ctx && tagNum == openTag && length == TagLengthClosing:
			depth--
			pos += headerLen
			if depth == 0 {
				return pos, nil
			}
		case length < 0:
			pos += headerLen
		default:
			if !ctx && ApplicationTag(tagNum) == TagBoolean {
				length = 0 // the value rides in the length field
			}
			pos += headerLen + length
		}
	}
}

// parseErrorPayload decodes an Error APDU payload into a typed error.
// Class and code are application-tagged enumerations.
func parseErrorPayload(payload []byte) error {
	v, n, err := DecodeApplicationValue(payload)
	if err != nil {
		return fmt.Errorf("error class: %w", err)
	}
	class, ok := v.(Enumerated)
	if !ok {
		return fmt.Errorf("%w: error class is %T", ErrInvalidAPDU, v)
	}

	v, _, err = DecodeApplicationValue(payload[n:])
	if err != nil {
		return fmt.Errorf("error code: %w", err)
	}
	code, ok := v.(Enumerated)
	if !ok {
		return fmt.Errorf("%w: error code is %T", ErrInvalidAPDU, v)
	}

	return &BACnetError{Class: ErrorClass(class), Code: ErrorCode(code)}
}

// apduToError converts a non-success response APDU into its Go error form.
func apduToError(apdu *APDU) error {
	switch apdu.Type {
	case PDUTypeError:
		return parseErrorPayload(apdu.Payload)
	case PDUTypeReject:
		if len(apdu.Payload) < 1 {
			return fmt.Errorf("%w: empty reject", ErrInvalidAPDU)
		}
		return &RejectError{Reason: RejectReason(apdu.Payload[0])}
	case PDUTypeAbort:
		if len(apdu.Payload) < 1 {
			return fmt.Errorf("%w: empty abort", ErrInvalidAPDU)
		}
		return &AbortError{Reason: AbortReason(apdu.Payload[0])}
	}
	return nil
}
