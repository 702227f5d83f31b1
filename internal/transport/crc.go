package transport

// MS/TP frame check sequences. The header CRC-8 uses polynomial x^8 + x^7
// + 1 and the data CRC-16 uses x^16 + x^15 + x^2 + 1; both accumulate from
// 0xFF(FF) and go on the wire one's complemented.

// headerCRC folds one octet into the running header CRC-8.
func headerCRC(crc, b uint8) uint8 {
	c := uint16(crc) ^ uint16(b)
	c = c ^ (c << 1) ^ (c << 2) ^ (c << 3) ^ (c << 4) ^ (c << 5) ^ (c << 6) ^ (c << 7)
	return uint8((c & 0xFE) ^ ((c >> 8) & 1))
}

// HeaderCRC computes the transmitted header CRC over the five header
// octets after the preamble.
func HeaderCRC(header []byte) uint8 {
	crc := uint8(0xFF)
	for _, b := range header {
		crc = headerCRC(crc, b)
	}
	return ^crc
}

// dataCRC folds one octet into the running data CRC-16.
func dataCRC(crc uint16, b uint8) uint16 {
	low := uint16(crc&0xFF) ^ uint16(b)
	return (crc >> 8) ^ (low << 8) ^ (low << 3) ^ (low << 12) ^ (low >> 4) ^ (low & 0x0F) ^ ((low & 0x0F) << 7)
}

// DataCRC computes the transmitted data CRC over the frame payload.
// It goes on the wire least significant octet first.
func DataCRC(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = dataCRC(crc, b)
	}
	return ^crc
}
