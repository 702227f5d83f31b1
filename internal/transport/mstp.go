package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"go.bug.st/serial"
)

// MS/TP frame types. Only the data frames reach the application; token
// management frames belong to the bus master logic and are skipped.
const (
	FrameToken                 = 0x00
	FramePollForMaster         = 0x01
	FrameReplyToPollForMaster  = 0x02
	FrameTestRequest           = 0x03
	FrameTestResponse          = 0x04
	FrameDataExpectingReply    = 0x05
	FrameDataNotExpectingReply = 0x06
	FrameReplyPostponed        = 0x07
)

// MSTPBroadcast is the MS/TP broadcast MAC.
const MSTPBroadcast = 0xFF

const (
	mstpPreamble1 = 0x55
	mstpPreamble2 = 0xFF
	mstpMaxData   = 501
)

// MSTPFrame is one decoded MS/TP frame.
type MSTPFrame struct {
	Type        uint8
	Destination uint8
	Source      uint8
	Data        []byte
}

// MSTPTransport moves NPDUs over an MS/TP serial line. It frames and
// validates; it takes no part in token passing, which stays with the
// attached bus interface.
type MSTPTransport struct {
	stream   io.ReadWriteCloser
	reader   *bufio.Reader
	localMAC uint8

	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool
}

// NewMSTPTransport opens the named serial port at the given baud rate
// (8 data bits, no parity, one stop bit per the MS/TP physical layer).
func NewMSTPTransport(portName string, baud int, localMAC uint8) (*MSTPTransport, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, &TransportError{
			Kind: TransportErrorIO,
			Op:   "open",
			Err:  fmt.Errorf("serial port %s: %w", portName, err),
		}
	}
	return NewMSTPTransportWithStream(port, localMAC), nil
}

// NewMSTPTransportWithStream wraps an existing byte stream, used on the
// bench with an in-memory pipe.
func NewMSTPTransportWithStream(stream io.ReadWriteCloser, localMAC uint8) *MSTPTransport {
	return &MSTPTransport{
		stream:   stream,
		reader:   bufio.NewReaderSize(stream, 2048),
		localMAC: localMAC,
	}
}

// LocalMAC returns this station's MAC address.
func (t *MSTPTransport) LocalMAC() uint8 {
	return t.localMAC
}

// Send writes one data frame. An empty destination broadcast is MAC 0xFF.
func (t *MSTPTransport) Send(dst uint8, expectingReply bool, npdu []byte) error {
	if t.IsClosed() {
		return &TransportError{Kind: TransportErrorClosed, Op: "send"}
	}
	if len(npdu) > mstpMaxData {
		return &TransportError{
			Kind: TransportErrorIO,
			Op:   "send",
			Err:  fmt.Errorf("frame data %d exceeds %d octets", len(npdu), mstpMaxData),
		}
	}

	frameType := uint8(FrameDataNotExpectingReply)
	if expectingReply {
		frameType = FrameDataExpectingReply
	}

	frame := make([]byte, 0, 8+len(npdu)+2)
	frame = append(frame, mstpPreamble1, mstpPreamble2)
	header := []byte{
		frameType,
		dst,
		t.localMAC,
		byte(len(npdu) >> 8),
		byte(len(npdu)),
	}
	frame = append(frame, header...)
	frame = append(frame, HeaderCRC(header))
	if len(npdu) > 0 {
		frame = append(frame, npdu...)
		crc := DataCRC(npdu)
		frame = append(frame, byte(crc), byte(crc>>8)) // LSB first
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stream.Write(frame); err != nil {
		return &TransportError{Kind: TransportErrorIO, Op: "send", Err: err}
	}
	return nil
}

// Receive blocks until a valid data frame addressed to this station (or
// broadcast) arrives. Tokens, poll frames, frames for other stations and
// frames failing a CRC are skipped silently; the bus carries them
// constantly and they are not errors.
func (t *MSTPTransport) Receive(ctx context.Context) (*MSTPFrame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		frame, err := t.readFrame()
		if err != nil {
			if t.IsClosed() {
				return nil, &TransportError{Kind: TransportErrorClosed, Op: "receive"}
			}
			return nil, err
		}
		if frame == nil {
			continue // skipped frame
		}
		if frame.Type != FrameDataExpectingReply && frame.Type != FrameDataNotExpectingReply {
			continue
		}
		if frame.Destination != t.localMAC && frame.Destination != MSTPBroadcast {
			continue
		}
		return frame, nil
	}
}

// readFrame scans to the next preamble and decodes one frame. It returns
// (nil, nil) when the frame must be skipped (bad CRC) so the caller keeps
// scanning without treating line noise as an error.
func (t *MSTPTransport) readFrame() (*MSTPFrame, error) {
	// Hunt for the two-octet preamble.
	for {
		b, err := t.reader.ReadByte()
		if err != nil {
			return nil, &TransportError{Kind: TransportErrorIO, Op: "receive", Err: err}
		}
		if b != mstpPreamble1 {
			continue
		}
		b, err = t.reader.ReadByte()
		if err != nil {
			return nil, &TransportError{Kind: TransportErrorIO, Op: "receive", Err: err}
		}
		if b == mstpPreamble2 {
			break
		}
		if b == mstpPreamble1 {
			// 55 55 FF: stay in hunt with the second 55 as a candidate.
			if err := t.reader.UnreadByte(); err != nil {
				return nil, &TransportError{Kind: TransportErrorIO, Op: "receive", Err: err}
			}
		}
	}

	header := make([]byte, 6) // type, dst, src, len hi, len lo, header crc
	if _, err := io.ReadFull(t.reader, header); err != nil {
		return nil, &TransportError{Kind: TransportErrorIO, Op: "receive", Err: err}
	}
	if HeaderCRC(header[:5]) != header[5] {
		return nil, nil
	}

	frame := &MSTPFrame{
		Type:        header[0],
		Destination: header[1],
		Source:      header[2],
	}
	dataLen := int(header[3])<<8 | int(header[4])
	if dataLen == 0 {
		return frame, nil
	}
	if dataLen > mstpMaxData {
		return nil, nil
	}

	body := make([]byte, dataLen+2)
	if _, err := io.ReadFull(t.reader, body); err != nil {
		return nil, &TransportError{Kind: TransportErrorIO, Op: "receive", Err: err}
	}
	wireCRC := uint16(body[dataLen]) | uint16(body[dataLen+1])<<8
	if DataCRC(body[:dataLen]) != wireCRC {
		return nil, nil
	}
	frame.Data = body[:dataLen]
	return frame, nil
}

// Close shuts the serial stream. Pending reads fail with a closed error.
func (t *MSTPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.stream.Close()
}

// IsClosed reports whether the transport has been closed.
func (t *MSTPTransport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
