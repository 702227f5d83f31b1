// Package transport moves raw BACnet datagrams and frames; it knows
// nothing about BVLC, NPDU or APDU contents.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// maxDatagramSize covers the largest BACnet/IP datagram on an
// ethernet-sized MTU.
const maxDatagramSize = 1500

// UDPTransport is a single UDP socket for BACnet/IP. One per session.
type UDPTransport struct {
	localAddr *net.UDPAddr

	mu     sync.Mutex
	conn   *net.UDPConn
	closed bool
}

// NewUDPTransport creates a transport bound to the given local address,
// e.g. "0.0.0.0:47808". An empty string binds the default port on all
// interfaces.
func NewUDPTransport(localAddr string) (*UDPTransport, error) {
	if localAddr == "" {
		localAddr = ":47808"
	}
	addr, err := net.ResolveUDPAddr("udp4", localAddr)
	if err != nil {
		return nil, &TransportError{Kind: TransportErrorUnreachable, Op: "resolve", Err: err}
	}
	return &UDPTransport{localAddr: addr}, nil
}

// Open binds the socket.
func (t *UDPTransport) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}
	conn, err := net.ListenUDP("udp4", t.localAddr)
	if err != nil {
		return &TransportError{Kind: TransportErrorIO, Op: "open", Err: err}
	}
	t.conn = conn
	t.closed = false
	return nil
}

// Reopen rebinds the socket after a receive failure so a session can
// carry on over a fresh descriptor.
func (t *UDPTransport) Reopen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return &TransportError{Kind: TransportErrorClosed, Op: "reopen"}
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	conn, err := net.ListenUDP("udp4", t.localAddr)
	if err != nil {
		return &TransportError{Kind: TransportErrorIO, Op: "reopen", Err: err}
	}
	t.conn = conn
	return nil
}

// LocalAddr returns the bound local address.
func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return t.conn.LocalAddr().(*net.UDPAddr)
	}
	return t.localAddr
}

// Send transmits a datagram to addr.
func (t *UDPTransport) Send(ctx context.Context, addr *net.UDPAddr, data []byte) error {
	conn, err := t.connection()
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	} else {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	}
	if _, err := conn.WriteToUDP(data, addr); err != nil {
		return &TransportError{Kind: TransportErrorUnreachable, Op: "send", Err: err}
	}
	return nil
}

// Broadcast transmits a datagram to the limited broadcast address on the
// given port.
func (t *UDPTransport) Broadcast(ctx context.Context, port int, data []byte) error {
	return t.Send(ctx, &net.UDPAddr{IP: net.IPv4bcast, Port: port}, data)
}

// Receive blocks for the next datagram and returns it with its source.
// The read is bounded by short deadlines so ctx cancellation is honored.
func (t *UDPTransport) Receive(ctx context.Context) ([]byte, *net.UDPAddr, error) {
	buf := make([]byte, maxDatagramSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		conn, err := t.connection()
		if err != nil {
			return nil, nil, err
		}
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if t.IsClosed() {
				return nil, nil, &TransportError{Kind: TransportErrorClosed, Op: "receive"}
			}
			return nil, nil, &TransportError{Kind: TransportErrorIO, Op: "receive", Err: err}
		}
		out := make([]byte, n)
		copy(out, buf[:n])
		return out, src, nil
	}
}

// Close shuts the socket down. Safe to call twice.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	if err != nil {
		return &TransportError{Kind: TransportErrorIO, Op: "close", Err: err}
	}
	return nil
}

// IsClosed reports whether Close has been called.
func (t *UDPTransport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *UDPTransport) connection() (*net.UDPConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, &TransportError{Kind: TransportErrorClosed, Op: "socket"}
	}
	if t.conn == nil {
		return nil, fmt.Errorf("transport not opened")
	}
	return t.conn, nil
}
