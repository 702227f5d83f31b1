package bacnet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeLink records outbound NPDUs and lets a test script inbound traffic.
type fakeLink struct {
	mu     sync.Mutex
	sent   [][]byte
	onSend func(dst Address, npdu []byte)
}

func (l *fakeLink) Open() error  { return nil }
func (l *fakeLink) Close() error { return nil }

func (l *fakeLink) Send(ctx context.Context, dst Address, expectingReply bool, npdu []byte) error {
	l.mu.Lock()
	l.sent = append(l.sent, append([]byte(nil), npdu...))
	hook := l.onSend
	l.mu.Unlock()
	if hook != nil {
		go hook(dst, npdu)
	}
	return nil
}

func (l *fakeLink) Receive(ctx context.Context) ([]byte, Address, error) {
	<-ctx.Done()
	return nil, Address{}, ctx.Err()
}

func (l *fakeLink) sendCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

func newTestClient(link link, configure ...Option) *Client {
	opts := defaultOptions()
	opts.apduTimeout = 50 * time.Millisecond
	opts.whoIsWindow = 50 * time.Millisecond
	for _, o := range configure {
		o(&opts)
	}
	return &Client{
		opts:   opts,
		logger: opts.logger,
		link:   link,
		corr:   newCorrelator(),
		routes: make(map[uint16]Address),
		subs:   make(map[int]func(DeviceInfo)),
		state:  stateConnected,
	}
}

// invokeIDOf extracts the invoke ID from an outbound plain-NPDU
// confirmed request.
func invokeIDOf(npdu []byte) uint8 {
	return npdu[4] // 2-byte NPDU header, then PDU type, max-APDU, invoke id
}

// buildIAmPacket assembles a complete NPDU+APDU I-Am indication.
func buildIAmPacket(t *testing.T, instance uint32, source *Address) []byte {
	t.Helper()
	var payload []byte
	for _, v := range []interface{}{
		NewObjectIdentifier(ObjectTypeDevice, instance),
		uint32(1476),
		Enumerated(SegmentationNone),
		uint32(260),
	} {
		enc, err := EncodeApplicationValue(v)
		if err != nil {
			t.Fatalf("encode i-am field: %v", err)
		}
		payload = append(payload, enc...)
	}
	npdu := EncodeNPDU(&NPDU{Source: source})
	return append(npdu, EncodeUnconfirmedRequest(ServiceIAm, payload)...)
}

// buildReadACKPacket assembles an NPDU+ComplexAck carrying one value.
func buildReadACKPacket(t *testing.T, invokeID uint8, oid ObjectIdentifier, prop PropertyIdentifier, value interface{}) []byte {
	t.Helper()
	enc, err := EncodeApplicationValue(value)
	if err != nil {
		t.Fatalf("encode value: %v", err)
	}
	payload := EncodeContextObjectID(0, oid)
	payload = append(payload, EncodeContextUnsigned(1, uint32(prop))...)
	payload = append(payload, EncodeOpeningTag(3)...)
	payload = append(payload, enc...)
	payload = append(payload, EncodeClosingTag(3)...)

	apdu := []byte{byte(PDUTypeComplexAck), invokeID, byte(ServiceReadProperty)}
	apdu = append(apdu, payload...)
	return append(EncodeNPDU(&NPDU{}), apdu...)
}

func TestWhoIsRangeAndDedup(t *testing.T) {
	fl := &fakeLink{}
	c := newTestClient(fl)

	peer1 := testPeer(50)
	peer2 := testPeer(51)
	fl.onSend = func(dst Address, npdu []byte) {
		// Two devices in range, one out of range, one duplicate.
		c.handlePacket(buildIAmPacket(t, 150, nil), peer1)
		c.handlePacket(buildIAmPacket(t, 199, nil), peer2)
		c.handlePacket(buildIAmPacket(t, 250, nil), testPeer(52))
		c.handlePacket(buildIAmPacket(t, 150, nil), peer1)
	}

	devices, err := c.WhoIs(context.Background(), WithDeviceRange(100, 200))
	if err != nil {
		t.Fatalf("WhoIs: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("found %d devices, want 2", len(devices))
	}
	instances := map[uint32]bool{}
	for _, d := range devices {
		instances[d.ObjectID.Instance] = true
	}
	if !instances[150] || !instances[199] {
		t.Errorf("wrong instances discovered: %v", instances)
	}
}

func TestReadPropertySuccess(t *testing.T) {
	fl := &fakeLink{}
	c := newTestClient(fl)

	peer := testPeer(50)
	oid := NewObjectIdentifier(ObjectTypeAnalogInput, 1)
	fl.onSend = func(dst Address, npdu []byte) {
		c.handlePacket(buildReadACKPacket(t, invokeIDOf(npdu), oid, PropertyPresentValue, float32(72.5)), peer)
	}

	device := &DeviceInfo{ObjectID: NewObjectIdentifier(ObjectTypeDevice, 1234), Address: peer}
	value, err := c.ReadProperty(context.Background(), device, oid, PropertyPresentValue)
	if err != nil {
		t.Fatalf("ReadProperty: %v", err)
	}
	if v, ok := value.(float32); !ok || v != 72.5 {
		t.Errorf("value = %#v, want float32 72.5", value)
	}
}

func TestReadPropertyDeviceError(t *testing.T) {
	fl := &fakeLink{}
	c := newTestClient(fl)

	peer := testPeer(50)
	fl.onSend = func(dst Address, npdu []byte) {
		apdu := []byte{byte(PDUTypeError), invokeIDOf(npdu), byte(ServiceReadProperty)}
		classEnc, _ := EncodeApplicationValue(Enumerated(ErrorClassObject))
		codeEnc, _ := EncodeApplicationValue(Enumerated(ErrorCodeUnknownObject))
		apdu = append(apdu, classEnc...)
		apdu = append(apdu, codeEnc...)
		c.handlePacket(append(EncodeNPDU(&NPDU{}), apdu...), peer)
	}

	device := &DeviceInfo{ObjectID: NewObjectIdentifier(ObjectTypeDevice, 1234), Address: peer}
	_, err := c.ReadProperty(context.Background(), device,
		NewObjectIdentifier(ObjectTypeAnalogInput, 99), PropertyPresentValue)
	if err == nil {
		t.Fatal("expected an error")
	}

	var be *BACnetError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want *BACnetError", err)
	}
	if be.Class != ErrorClassObject || be.Code != ErrorCodeUnknownObject {
		t.Errorf("error = class %s code %s", be.Class, be.Code)
	}
	if !IsUnknownObject(err) {
		t.Error("IsUnknownObject = false")
	}
}

func TestWritePriority6RejectedBeforeSend(t *testing.T) {
	fl := &fakeLink{}
	c := newTestClient(fl)

	device := &DeviceInfo{ObjectID: NewObjectIdentifier(ObjectTypeDevice, 1234), Address: testPeer(50)}
	err := c.WriteProperty(context.Background(), device,
		NewObjectIdentifier(ObjectTypeAnalogOutput, 1), PropertyPresentValue,
		float32(50), WithPriority(6))
	if !errors.Is(err, ErrInvalidPriority) {
		t.Fatalf("err = %v, want ErrInvalidPriority", err)
	}
	if fl.sendCount() != 0 {
		t.Errorf("%d datagrams sent for a reserved priority", fl.sendCount())
	}

	for _, p := range []uint8{0, 17} {
		err := c.WriteProperty(context.Background(), device,
			NewObjectIdentifier(ObjectTypeAnalogOutput, 1), PropertyPresentValue,
			float32(50), WithPriority(p))
		if !errors.Is(err, ErrInvalidPriority) {
			t.Errorf("priority %d: err = %v, want ErrInvalidPriority", p, err)
		}
	}
	if fl.sendCount() != 0 {
		t.Errorf("%d datagrams sent for out-of-range priorities", fl.sendCount())
	}
}

func TestRequestRetriesThenTimeout(t *testing.T) {
	fl := &fakeLink{} // never answers
	c := newTestClient(fl, WithRetries(3), WithTimeout(20*time.Millisecond))

	device := &DeviceInfo{ObjectID: NewObjectIdentifier(ObjectTypeDevice, 1234), Address: testPeer(50)}
	_, err := c.ReadProperty(context.Background(), device,
		NewObjectIdentifier(ObjectTypeAnalogInput, 1), PropertyPresentValue)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if fl.sendCount() != 4 {
		t.Errorf("sent %d datagrams, want 4 (1 + 3 retries)", fl.sendCount())
	}
	if got := c.metrics.RequestsTimedOut.Value(); got != 1 {
		t.Errorf("RequestsTimedOut = %d, want 1", got)
	}
	if got := c.metrics.RequestsRetried.Value(); got != 3 {
		t.Errorf("RequestsRetried = %d, want 3", got)
	}
}

func TestResponseFromWrongSourceIgnored(t *testing.T) {
	fl := &fakeLink{}
	c := newTestClient(fl, WithRetries(0), WithTimeout(30*time.Millisecond))

	peer := testPeer(50)
	stranger := testPeer(66)
	oid := NewObjectIdentifier(ObjectTypeAnalogInput, 1)
	fl.onSend = func(dst Address, npdu []byte) {
		c.handlePacket(buildReadACKPacket(t, invokeIDOf(npdu), oid, PropertyPresentValue, float32(1)), stranger)
	}

	device := &DeviceInfo{ObjectID: NewObjectIdentifier(ObjectTypeDevice, 1234), Address: peer}
	_, err := c.ReadProperty(context.Background(), device, oid, PropertyPresentValue)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout (stale response must not match)", err)
	}
}

func TestRequestContextCancellation(t *testing.T) {
	fl := &fakeLink{} // never answers
	c := newTestClient(fl, WithRetries(5), WithTimeout(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	device := &DeviceInfo{ObjectID: NewObjectIdentifier(ObjectTypeDevice, 1234), Address: testPeer(50)}
	_, err := c.ReadProperty(ctx, device,
		NewObjectIdentifier(ObjectTypeAnalogInput, 1), PropertyPresentValue)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
	if c.corr.outstanding() != 0 {
		t.Error("pending entry not released after cancellation")
	}
}

func TestOnIAmSubscription(t *testing.T) {
	fl := &fakeLink{}
	c := newTestClient(fl)

	var (
		mu   sync.Mutex
		seen []uint32
	)
	unsubscribe := c.OnIAm(func(info DeviceInfo) {
		mu.Lock()
		seen = append(seen, info.ObjectID.Instance)
		mu.Unlock()
	})

	c.handlePacket(buildIAmPacket(t, 77, nil), testPeer(50))
	unsubscribe()
	c.handlePacket(buildIAmPacket(t, 88, nil), testPeer(50))

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != 77 {
		t.Errorf("handler saw %v, want [77]", seen)
	}
}

func TestRoutedIAmUsesNPDUSource(t *testing.T) {
	fl := &fakeLink{}
	c := newTestClient(fl)

	var (
		mu  sync.Mutex
		got *DeviceInfo
	)
	c.OnIAm(func(info DeviceInfo) {
		mu.Lock()
		got = &info
		mu.Unlock()
	})

	routed := Address{Net: 200, Addr: []byte{0x07}}
	router := testPeer(1)
	c.handlePacket(buildIAmPacket(t, 99, &routed), router)

	mu.Lock()
	defer mu.Unlock()
	if got == nil {
		t.Fatal("routed I-Am not delivered")
	}
	if !got.Address.Equal(routed) {
		t.Errorf("device address = %v, want %v", got.Address, routed)
	}

	// The router endpoint is remembered for sending back into net 200.
	if r, ok := c.routeFor(200); !ok || !r.Equal(router) {
		t.Errorf("route for net 200 = %v (%v)", r, ok)
	}
}

func TestDiscoverObjectsStreamsByIndex(t *testing.T) {
	fl := &fakeLink{}
	c := newTestClient(fl)

	peer := testPeer(50)
	deviceOID := NewObjectIdentifier(ObjectTypeDevice, 1234)
	objects := []ObjectIdentifier{
		NewObjectIdentifier(ObjectTypeAnalogInput, 1),
		NewObjectIdentifier(ObjectTypeAnalogOutput, 2),
		NewObjectIdentifier(ObjectTypeBinaryValue, 3),
	}

	fl.onSend = func(dst Address, npdu []byte) {
		apdu, err := DecodeAPDU(npdu[2:])
		if err != nil {
			t.Errorf("outbound APDU: %v", err)
			return
		}
		// Pull the array index out of the request (context tag 2).
		idx := arrayIndexOf(t, apdu.Payload)
		var value interface{}
		if idx == 0 {
			value = uint32(len(objects))
		} else {
			value = objects[idx-1]
		}
		c.handlePacket(buildReadACKPacket(t, apdu.InvokeID, deviceOID, PropertyObjectList, value), peer)
	}

	device := &DeviceInfo{ObjectID: deviceOID, Address: peer}
	list, err := c.ObjectList(context.Background(), device)
	if err != nil {
		t.Fatalf("ObjectList: %v", err)
	}
	if len(list) != len(objects) {
		t.Fatalf("listed %d objects, want %d", len(list), len(objects))
	}
	for i := range objects {
		if list[i] != objects[i] {
			t.Errorf("object %d = %v, want %v", i, list[i], objects[i])
		}
	}
}

// arrayIndexOf walks a ReadProperty request payload and returns the
// context-2 array index.
func arrayIndexOf(t *testing.T, payload []byte) uint32 {
	t.Helper()
	pos := 0
	for i := 0; i < 3 && pos < len(payload); i++ {
		tagNum, ctx, length, headerLen, err := DecodeTagNumber(payload[pos:])
		if err != nil {
			t.Fatalf("request payload: %v", err)
		}
		if ctx && tagNum == 2 {
			v, err := DecodeUnsigned(payload[pos+headerLen : pos+headerLen+length])
			if err != nil {
				t.Fatalf("array index: %v", err)
			}
			return v
		}
		pos += headerLen + length
	}
	t.Fatal("request has no array index")
	return 0
}
