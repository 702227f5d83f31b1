package transport

import "fmt"

// TransportErrorKind classifies transport failures.
type TransportErrorKind int

const (
	TransportErrorClosed TransportErrorKind = iota
	TransportErrorUnreachable
	TransportErrorIO
)

func (k TransportErrorKind) String() string {
	switch k {
	case TransportErrorClosed:
		return "socket-closed"
	case TransportErrorUnreachable:
		return "address-unreachable"
	case TransportErrorIO:
		return "io-error"
	}
	return fmt.Sprintf("transport-error(%d)", int(k))
}

// TransportError wraps a datalink failure. It is fatal to the operation
// that hit it but never to the session.
type TransportError struct {
	Kind TransportErrorKind
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("transport %s: %s", e.Op, e.Kind)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
