package bacnet

import (
	"sync"
	"time"
)

// pendingRequest tracks one outstanding confirmed request. The response
// channel is buffered so the receiver never blocks on a slow caller, and
// so a request resolves at most once.
type pendingRequest struct {
	invokeID uint8
	peer     Address
	service  ConfirmedServiceChoice
	sentAt   time.Time
	resp     chan *APDU
}

// correlator owns the invoke-ID space and the pending table. One instance
// per session; allocation is global across destinations, which is stricter
// than per-peer uniqueness but keeps the table keyed by a single byte.
type correlator struct {
	mu      sync.Mutex
	nextID  uint8
	pending map[uint8]*pendingRequest
}

func newCorrelator() *correlator {
	return &correlator{
		pending: make(map[uint8]*pendingRequest),
	}
}

// allocate reserves the next free invoke ID for a request to peer.
// IDs still pending are skipped; a full table returns ErrNoFreeInvokeID.
func (c *correlator) allocate(peer Address, service ConfirmedServiceChoice) (*pendingRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < 256; i++ {
		id := c.nextID
		c.nextID++
		if _, busy := c.pending[id]; busy {
			continue
		}
		req := &pendingRequest{
			invokeID: id,
			peer:     peer,
			service:  service,
			sentAt:   time.Now(),
			resp:     make(chan *APDU, 1),
		}
		c.pending[id] = req
		return req, nil
	}
	return nil, ErrNoFreeInvokeID
}

// release removes a request from the pending table, recycling its ID.
func (c *correlator) release(req *pendingRequest) {
	c.mu.Lock()
	delete(c.pending, req.invokeID)
	c.mu.Unlock()
}

// resolve matches an inbound response APDU against the pending table by
// invoke ID and source address. Responses with no pending entry (late
// arrivals) or a mismatched source (stale or spoofed) are dropped; the
// return value reports whether the APDU was delivered.
func (c *correlator) resolve(src Address, apdu *APDU) bool {
	c.mu.Lock()
	req, ok := c.pending[apdu.InvokeID]
	if ok && !req.peer.Equal(src) {
		ok = false
	}
	if ok {
		delete(c.pending, apdu.InvokeID)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	req.resp <- apdu
	return true
}

// outstanding reports the number of requests awaiting a response.
func (c *correlator) outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
