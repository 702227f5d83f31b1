package bacnet

import (
	"errors"
	"net"
	"testing"
)

func testPeer(lastOctet byte) Address {
	return NewIPAddress(net.IPv4(192, 168, 1, lastOctet), DefaultPort)
}

func TestCorrelatorAllocationSkipsPending(t *testing.T) {
	c := newCorrelator()
	peer := testPeer(10)

	first, err := c.allocate(peer, ServiceReadProperty)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.allocate(peer, ServiceReadProperty)
	if err != nil {
		t.Fatal(err)
	}
	if first.invokeID == second.invokeID {
		t.Errorf("both requests got invoke id %d", first.invokeID)
	}

	// Releasing recycles the ID eventually; a full wrap must find it again.
	c.release(first)
	ids := map[uint8]bool{second.invokeID: true}
	for i := 0; i < 255; i++ {
		req, err := c.allocate(peer, ServiceReadProperty)
		if err != nil {
			t.Fatalf("allocation %d: %v", i, err)
		}
		if ids[req.invokeID] {
			t.Fatalf("invoke id %d handed out twice while pending", req.invokeID)
		}
		ids[req.invokeID] = true
	}
	if len(ids) != 256 {
		t.Errorf("allocated %d distinct ids, want 256", len(ids))
	}

	// Table is now full.
	if _, err := c.allocate(peer, ServiceReadProperty); !errors.Is(err, ErrNoFreeInvokeID) {
		t.Errorf("err = %v, want ErrNoFreeInvokeID", err)
	}
}

func TestCorrelatorResolve(t *testing.T) {
	c := newCorrelator()
	peer := testPeer(10)

	req, err := c.allocate(peer, ServiceReadProperty)
	if err != nil {
		t.Fatal(err)
	}

	apdu := &APDU{Type: PDUTypeComplexAck, InvokeID: req.invokeID}
	if !c.resolve(peer, apdu) {
		t.Fatal("matching response not delivered")
	}
	select {
	case got := <-req.resp:
		if got != apdu {
			t.Error("wrong APDU delivered")
		}
	default:
		t.Fatal("nothing on the response channel")
	}

	// Second resolution of the same ID is a late duplicate: dropped.
	if c.resolve(peer, apdu) {
		t.Error("late duplicate was delivered")
	}
	if c.outstanding() != 0 {
		t.Errorf("outstanding = %d, want 0", c.outstanding())
	}
}

func TestCorrelatorRejectsWrongSource(t *testing.T) {
	c := newCorrelator()
	peer := testPeer(10)
	stranger := testPeer(66)

	req, err := c.allocate(peer, ServiceReadProperty)
	if err != nil {
		t.Fatal(err)
	}

	apdu := &APDU{Type: PDUTypeComplexAck, InvokeID: req.invokeID}
	if c.resolve(stranger, apdu) {
		t.Fatal("response from the wrong source was delivered")
	}
	if c.outstanding() != 1 {
		t.Error("stale response removed the pending entry")
	}

	// The real peer still resolves.
	if !c.resolve(peer, apdu) {
		t.Error("real response not delivered after stale one")
	}
}

func TestCorrelatorUnknownInvokeID(t *testing.T) {
	c := newCorrelator()
	if c.resolve(testPeer(10), &APDU{Type: PDUTypeSimpleAck, InvokeID: 200}) {
		t.Error("response with no pending entry was delivered")
	}
}
