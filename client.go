package bacnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeo-scada/bacnet/internal/transport"
)

// link is the datalink seen by the session: it moves whole NPDUs and
// hides BVLC (for BACnet/IP) or MS/TP framing.
type link interface {
	Open() error
	Close() error
	Send(ctx context.Context, dst Address, expectingReply bool, npdu []byte) error
	Receive(ctx context.Context) (npdu []byte, src Address, err error)
}

// Client is a BACnet client session over one datalink.
type Client struct {
	opts    clientOptions
	logger  *slog.Logger
	link    link
	reg     *registrar
	corr    *correlator
	metrics Metrics

	state  int32 // 0 new, 1 connected, 2 closed
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Router endpoints learned from routed I-Ams, keyed by network number.
	routeMu sync.Mutex
	routes  map[uint16]Address

	subMu   sync.Mutex
	subs    map[int]func(DeviceInfo)
	nextSub int
}

const (
	stateNew = iota
	stateConnected
	stateClosed
)

// NewClient creates a client. The datalink is BACnet/IP unless WithMSTP
// selects a serial port.
func NewClient(options ...Option) (*Client, error) {
	opts := defaultOptions()
	for _, opt := range options {
		opt(&opts)
	}

	c := &Client{
		opts:   opts,
		logger: opts.logger,
		corr:   newCorrelator(),
		routes: make(map[uint16]Address),
		subs:   make(map[int]func(DeviceInfo)),
	}

	if opts.mstpPort != "" {
		mstp, err := transport.NewMSTPTransport(opts.mstpPort, opts.mstpBaud, opts.mstpMAC)
		if err != nil {
			return nil, fmt.Errorf("mstp datalink: %w", err)
		}
		c.link = &mstpLink{transport: mstp}
		return c, nil
	}

	udp, err := transport.NewUDPTransport(opts.localAddress)
	if err != nil {
		return nil, fmt.Errorf("udp datalink: %w", err)
	}
	ip := &ipLink{transport: udp}
	c.link = ip

	if opts.bbmd != nil {
		if opts.bbmd.Address.IsBroadcast() {
			return nil, fmt.Errorf("%w: BBMD address did not parse", ErrNotRegistered)
		}
		c.reg = newRegistrar(*opts.bbmd, ip.sendRaw, c.logger)
		ip.registrar = c.reg
	}

	return c, nil
}

// Connect opens the datalink, starts the receiver, and when a BBMD is
// configured registers as a foreign device.
func (c *Client) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.state, stateNew, stateConnected) {
		if atomic.LoadInt32(&c.state) == stateClosed {
			return ErrAlreadyClosed
		}
		return nil
	}

	if err := c.link.Open(); err != nil {
		atomic.StoreInt32(&c.state, stateNew)
		return err
	}

	recvCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.receiver(recvCtx)

	if c.reg != nil {
		if err := c.reg.Register(ctx); err != nil {
			c.metrics.RegistrationErrors.Inc()
			c.Close()
			return err
		}
		c.metrics.Registrations.Inc()
	}

	return nil
}

// Close unregisters from the BBMD when registered, stops the receiver,
// and closes the datalink. Safe to call twice.
func (c *Client) Close() error {
	prev := atomic.SwapInt32(&c.state, stateClosed)
	if prev == stateClosed {
		return nil
	}

	if c.reg != nil && prev == stateConnected {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := c.reg.Unregister(ctx); err != nil {
			c.logger.Warn("unregister on close failed", "error", err)
		}
		cancel()
	}
	if c.cancel != nil {
		c.cancel()
	}
	err := c.link.Close()
	c.wg.Wait()
	return err
}

// Metrics returns the client's metrics for inspection.
func (c *Client) Metrics() *Metrics {
	return &c.metrics
}

// RegistrationState reports the foreign-device state, or Unregistered
// when no BBMD is configured.
func (c *Client) RegistrationState() RegistrationState {
	if c.reg == nil {
		return RegistrationUnregistered
	}
	return c.reg.State()
}

// receiver is the single inbound loop. It never blocks on callers:
// each datagram is handled on its own goroutine.
func (c *Client) receiver(ctx context.Context) {
	defer c.wg.Done()
	for {
		npdu, src, err := c.link.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || atomic.LoadInt32(&c.state) == stateClosed {
				return
			}
			var te *transport.TransportError
			if errors.As(err, &te) && te.Kind == transport.TransportErrorClosed {
				return
			}
			c.metrics.DecodeErrors.Inc()
			c.logger.Debug("receive error", "error", err)
			continue
		}
		c.metrics.BytesReceived.Add(int64(len(npdu)))
		go c.handlePacket(npdu, src)
	}
}

// handlePacket decodes one inbound NPDU+APDU and dispatches it. Decode
// failures are counted and logged, never fatal.
func (c *Client) handlePacket(data []byte, origin Address) {
	npdu, headerLen, err := DecodeNPDU(data)
	if err != nil {
		c.metrics.DecodeErrors.Inc()
		c.logger.Debug("bad NPDU", "error", err, "from", origin.String())
		return
	}
	if npdu.Control&NPDUControlNetworkLayerMessage != 0 {
		// Router housekeeping traffic; nothing for the application layer.
		return
	}

	src := origin
	if npdu.Source != nil {
		src = *npdu.Source
		c.learnRoute(npdu.Source.Net, origin)
	}

	apdu, err := DecodeAPDU(data[headerLen:])
	if err != nil {
		c.metrics.DecodeErrors.Inc()
		c.logger.Debug("bad APDU", "error", err, "from", src.String())
		return
	}

	switch apdu.Type {
	case PDUTypeUnconfirmedRequest:
		if UnconfirmedServiceChoice(apdu.Service) == ServiceIAm {
			c.handleIAm(apdu.Payload, origin, npdu.Source)
		}

	case PDUTypeSimpleAck, PDUTypeComplexAck, PDUTypeSegmentAck,
		PDUTypeError, PDUTypeReject, PDUTypeAbort:
		if !c.corr.resolve(src, apdu) {
			c.logger.Debug("unmatched response dropped",
				"invoke_id", apdu.InvokeID,
				"pdu_type", fmt.Sprintf("0x%02x", uint8(apdu.Type)),
				"from", src.String())
		}
	}
}

func (c *Client) handleIAm(payload []byte, origin Address, source *Address) {
	info, err := parseIAm(payload, origin, source)
	if err != nil {
		c.metrics.DecodeErrors.Inc()
		c.logger.Debug("bad I-Am", "error", err, "from", origin.String())
		return
	}
	c.metrics.IAmReceived.Inc()

	c.subMu.Lock()
	handlers := make([]func(DeviceInfo), 0, len(c.subs))
	for _, h := range c.subs {
		handlers = append(handlers, h)
	}
	c.subMu.Unlock()
	for _, h := range handlers {
		h(*info)
	}
}

func (c *Client) learnRoute(network uint16, router Address) {
	if network == 0 || network == GlobalBroadcastNetwork {
		return
	}
	c.routeMu.Lock()
	c.routes[network] = router
	c.routeMu.Unlock()
}

func (c *Client) routeFor(network uint16) (Address, bool) {
	c.routeMu.Lock()
	defer c.routeMu.Unlock()
	r, ok := c.routes[network]
	return r, ok
}

// OnIAm registers a handler for unsolicited I-Am indications and returns
// a function that removes it.
func (c *Client) OnIAm(handler func(DeviceInfo)) func() {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = handler
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

// sendNPDU wraps an APDU in an NPDU for dst and hands it to the link.
// Routed destinations go via a learned router endpoint when one exists,
// otherwise onto the local broadcast with DNET set for any router to
// pick up.
func (c *Client) sendNPDU(ctx context.Context, dst Address, expectingReply bool, apdu []byte) error {
	n := &NPDU{}
	if expectingReply {
		n.Control |= NPDUControlExpectingReply
	}

	wire := dst
	if dst.Net != 0 {
		d := dst
		n.Destination = &d
		n.HopCount = 255
		if dst.Remote() {
			if router, ok := c.routeFor(dst.Net); ok {
				wire = router
			} else {
				wire = LocalBroadcast()
			}
		} else {
			wire = LocalBroadcast()
		}
	}

	msg := append(EncodeNPDU(n), apdu...)
	if err := c.link.Send(ctx, wire, expectingReply, msg); err != nil {
		return err
	}
	c.metrics.BytesSent.Add(int64(len(msg)))
	return nil
}

// request sends one confirmed request and blocks until a response,
// timeout after all retries, or ctx cancellation. Retransmissions reuse
// the same invoke ID.
func (c *Client) request(ctx context.Context, dst Address, service ConfirmedServiceChoice, payload []byte) (*APDU, error) {
	if atomic.LoadInt32(&c.state) != stateConnected {
		return nil, ErrNotConnected
	}

	req, err := c.corr.allocate(dst, service)
	if err != nil {
		return nil, err
	}
	defer func() {
		c.corr.release(req)
		c.metrics.PendingRequests.Set(int64(c.corr.outstanding()))
	}()
	c.metrics.PendingRequests.Set(int64(c.corr.outstanding()))

	apdu := EncodeConfirmedRequest(req.invokeID, service, payload)
	start := time.Now()

	attempts := 1 + c.opts.retries
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			c.metrics.RequestsRetried.Inc()
			c.logger.Debug("retransmitting request",
				"service", service.String(),
				"invoke_id", req.invokeID,
				"attempt", attempt+1)
		}
		if err := c.sendNPDU(ctx, dst, true, apdu); err != nil {
			c.metrics.RequestsFailed.Inc()
			return nil, err
		}
		c.metrics.RequestsSent.Inc()

		timer := time.NewTimer(c.opts.apduTimeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case resp := <-req.resp:
			timer.Stop()
			c.metrics.RequestLatency.Observe(time.Since(start))
			return c.checkResponse(resp)
		case <-timer.C:
		}
	}

	c.metrics.RequestsTimedOut.Inc()
	return nil, fmt.Errorf("%s to %s after %d attempts: %w",
		service, dst, attempts, ErrTimeout)
}

// checkResponse converts error-class APDUs into Go errors.
func (c *Client) checkResponse(apdu *APDU) (*APDU, error) {
	switch apdu.Type {
	case PDUTypeSimpleAck, PDUTypeComplexAck:
		c.metrics.RequestsSucceeded.Inc()
		return apdu, nil
	case PDUTypeSegmentAck:
		c.metrics.RequestsFailed.Inc()
		return nil, fmt.Errorf("%w: segmented responses not supported", ErrInvalidAPDU)
	default:
		c.metrics.RequestsFailed.Inc()
		if err := apduToError(apdu); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: unexpected pdu type 0x%02x", ErrInvalidAPDU, uint8(apdu.Type))
	}
}

// WhoIs broadcasts a Who-Is and collects I-Am responses for the listen
// window. Duplicates (same instance and address) are suppressed;
// responses outside the requested range are discarded.
func (c *Client) WhoIs(ctx context.Context, options ...DiscoverOption) ([]*DeviceInfo, error) {
	if atomic.LoadInt32(&c.state) != stateConnected {
		return nil, ErrNotConnected
	}

	opts := DiscoverOptions{Window: c.opts.whoIsWindow, Network: c.opts.networkNumber}
	for _, opt := range options {
		opt(&opts)
	}

	type key struct {
		instance uint32
		addr     string
	}
	var (
		mu      sync.Mutex
		seen    = make(map[key]bool)
		devices []*DeviceInfo
	)
	unsubscribe := c.OnIAm(func(info DeviceInfo) {
		if opts.LowLimit != nil && info.ObjectID.Instance < *opts.LowLimit {
			return
		}
		if opts.HighLimit != nil && info.ObjectID.Instance > *opts.HighLimit {
			return
		}
		k := key{info.ObjectID.Instance, info.Address.String()}
		mu.Lock()
		defer mu.Unlock()
		if seen[k] {
			return
		}
		seen[k] = true
		d := info
		devices = append(devices, &d)
		c.metrics.DevicesDiscovered.Inc()
	})
	defer unsubscribe()

	dst := GlobalBroadcast()
	if opts.Network != 0 {
		dst = Address{Net: opts.Network}
	}
	apdu := EncodeUnconfirmedRequest(ServiceWhoIs, buildWhoIs(opts.LowLimit, opts.HighLimit))
	if err := c.sendNPDU(ctx, dst, false, apdu); err != nil {
		return nil, fmt.Errorf("who-is: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(opts.Window):
	}

	mu.Lock()
	defer mu.Unlock()
	return devices, nil
}

// ResolveDevice finds one device by instance number with a targeted
// Who-Is. It returns as soon as the device answers.
func (c *Client) ResolveDevice(ctx context.Context, instance uint32) (*DeviceInfo, error) {
	if instance > MaxInstance {
		return nil, fmt.Errorf("%w: device instance %d", ErrInvalidObjectID, instance)
	}

	found := make(chan DeviceInfo, 1)
	unsubscribe := c.OnIAm(func(info DeviceInfo) {
		if info.ObjectID.Instance == instance {
			select {
			case found <- info:
			default:
			}
		}
	})
	defer unsubscribe()

	dst := GlobalBroadcast()
	if c.opts.networkNumber != 0 {
		dst = Address{Net: c.opts.networkNumber}
	}
	apdu := EncodeUnconfirmedRequest(ServiceWhoIs, buildWhoIs(&instance, &instance))
	if err := c.sendNPDU(ctx, dst, false, apdu); err != nil {
		return nil, fmt.Errorf("who-is: %w", err)
	}

	timer := time.NewTimer(c.opts.apduTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case info := <-found:
		return &info, nil
	case <-timer.C:
		return nil, fmt.Errorf("device %d did not answer who-is: %w", instance, ErrTimeout)
	}
}

// ReadProperty reads one property (optionally one array element) and
// returns the decoded value.
func (c *Client) ReadProperty(ctx context.Context, device *DeviceInfo, oid ObjectIdentifier, prop PropertyIdentifier, options ...ReadOption) (interface{}, error) {
	if err := oid.Valid(); err != nil {
		return nil, err
	}
	opts := ReadOptions{}
	for _, opt := range options {
		opt(&opts)
	}

	payload := buildReadProperty(oid, prop, opts.ArrayIndex)
	resp, err := c.request(ctx, device.Address, ServiceReadProperty, payload)
	if err != nil {
		return nil, fmt.Errorf("read %s %s from device %d: %w",
			oid, prop, device.ObjectID.Instance, err)
	}
	value, err := parseReadPropertyACK(resp.Payload)
	if err != nil {
		return nil, fmt.Errorf("read %s %s from device %d: %w",
			oid, prop, device.ObjectID.Instance, err)
	}
	return value, nil
}

// WriteProperty writes one property value. A nil priority writes at the
// relinquish default; priority 6 is reserved and refused locally, as is
// anything outside 1-16.
func (c *Client) WriteProperty(ctx context.Context, device *DeviceInfo, oid ObjectIdentifier, prop PropertyIdentifier, value interface{}, options ...WriteOption) error {
	if err := oid.Valid(); err != nil {
		return err
	}
	opts := WriteOptions{}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.Priority != nil {
		p := *opts.Priority
		if p < 1 || p > 16 || p == 6 {
			return fmt.Errorf("%w: %d", ErrInvalidPriority, p)
		}
	}

	payload, err := buildWriteProperty(oid, prop, value, opts.ArrayIndex, opts.Priority)
	if err != nil {
		return err
	}
	_, err = c.request(ctx, device.Address, ServiceWriteProperty, payload)
	if err != nil {
		return fmt.Errorf("write %s %s on device %d: %w",
			oid, prop, device.ObjectID.Instance, err)
	}
	return nil
}

// DiscoverObjects streams the device's object list. It reads
// object-list[0] for the count and then each index lazily, so memory
// stays flat however many objects the device holds. Devices that reject
// array indexing get one whole-list read instead. The error channel
// delivers at most one error and both channels close when done.
func (c *Client) DiscoverObjects(ctx context.Context, device *DeviceInfo) (<-chan ObjectIdentifier, <-chan error) {
	out := make(chan ObjectIdentifier)
	errc := make(chan error, 1)

	deviceOID := NewObjectIdentifier(ObjectTypeDevice, device.ObjectID.Instance)

	go func() {
		defer close(out)
		defer close(errc)

		countVal, err := c.ReadProperty(ctx, device, deviceOID, PropertyObjectList, WithArrayIndex(0))
		if err != nil && indexingUnsupported(err) {
			c.streamWholeList(ctx, device, deviceOID, out, errc)
			return
		}
		if err != nil {
			errc <- err
			return
		}
		count, ok := countVal.(uint32)
		if !ok {
			errc <- fmt.Errorf("%w: object-list count is %T", ErrInvalidAPDU, countVal)
			return
		}

		for i := uint32(1); i <= count; i++ {
			v, err := c.ReadProperty(ctx, device, deviceOID, PropertyObjectList, WithArrayIndex(i))
			if err != nil {
				errc <- err
				return
			}
			oid, ok := v.(ObjectIdentifier)
			if !ok {
				errc <- fmt.Errorf("%w: object-list[%d] is %T", ErrInvalidAPDU, i, v)
				return
			}
			select {
			case out <- oid:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	return out, errc
}

// streamWholeList reads object-list without an index and streams every
// element, for devices that answer indexed reads with an error.
func (c *Client) streamWholeList(ctx context.Context, device *DeviceInfo, deviceOID ObjectIdentifier, out chan<- ObjectIdentifier, errc chan<- error) {
	v, err := c.ReadProperty(ctx, device, deviceOID, PropertyObjectList)
	if err != nil {
		errc <- err
		return
	}

	var items []interface{}
	switch list := v.(type) {
	case []interface{}:
		items = list
	case ObjectIdentifier:
		items = []interface{}{list}
	case nil:
		return
	default:
		errc <- fmt.Errorf("%w: object-list is %T", ErrInvalidAPDU, v)
		return
	}

	for i, item := range items {
		oid, ok := item.(ObjectIdentifier)
		if !ok {
			errc <- fmt.Errorf("%w: object-list[%d] is %T", ErrInvalidAPDU, i+1, item)
			return
		}
		select {
		case out <- oid:
		case <-ctx.Done():
			errc <- ctx.Err()
			return
		}
	}
}

// indexingUnsupported reports whether err says the device cannot serve
// indexed reads of an array property.
func indexingUnsupported(err error) bool {
	var be *BACnetError
	if errors.As(err, &be) {
		return be.Code == ErrorCodeInvalidArrayIndex || be.Code == ErrorCodePropertyIsNotAnArray
	}
	var re *RejectError
	return errors.As(err, &re)
}

// ObjectList collects the full object list of a device.
func (c *Client) ObjectList(ctx context.Context, device *DeviceInfo) ([]ObjectIdentifier, error) {
	objects, errc := c.DiscoverObjects(ctx, device)
	var list []ObjectIdentifier
	for oid := range objects {
		list = append(list, oid)
	}
	if err := <-errc; err != nil {
		return list, err
	}
	return list, nil
}

// ipLink adapts the UDP transport to the link interface: it wraps NPDUs
// in BVLC on the way out and strips BVLC on the way in, handing BVLC
// results to the registrar.
type ipLink struct {
	transport *transport.UDPTransport
	registrar *registrar
}

func (l *ipLink) Open() error {
	return l.transport.Open()
}

func (l *ipLink) Close() error {
	return l.transport.Close()
}

// sendRaw transmits an already-framed BVLC message, used by the
// registrar for Register-Foreign-Device.
func (l *ipLink) sendRaw(ctx context.Context, dst Address, msg []byte) error {
	udpAddr, err := dst.UDPAddr()
	if err != nil {
		return err
	}
	return l.transport.Send(ctx, udpAddr, msg)
}

func (l *ipLink) Send(ctx context.Context, dst Address, expectingReply bool, npdu []byte) error {
	if dst.IsBroadcast() {
		// A registered foreign device may not use the local broadcast;
		// the BBMD redistributes for it.
		if l.registrar != nil && l.registrar.Registered() {
			msg := append(EncodeBVLC(BVLCDistributeBroadcastToNetwork, len(npdu)), npdu...)
			return l.sendRaw(ctx, l.registrar.cfg.Address, msg)
		}
		msg := append(EncodeBVLC(BVLCOriginalBroadcastNPDU, len(npdu)), npdu...)
		return l.transport.Broadcast(ctx, DefaultPort, msg)
	}

	udpAddr, err := dst.UDPAddr()
	if err != nil {
		return err
	}
	msg := append(EncodeBVLC(BVLCOriginalUnicastNPDU, len(npdu)), npdu...)
	return l.transport.Send(ctx, udpAddr, msg)
}

func (l *ipLink) Receive(ctx context.Context) ([]byte, Address, error) {
	for {
		data, src, err := l.transport.Receive(ctx)
		if err != nil {
			return nil, Address{}, err
		}

		function, payload, err := DecodeBVLC(data)
		if err != nil {
			return nil, Address{}, err
		}

		switch function {
		case BVLCOriginalUnicastNPDU, BVLCOriginalBroadcastNPDU:
			return payload, NewIPAddress(src.IP, src.Port), nil

		case BVLCForwardedNPDU:
			origin, npdu, err := DecodeForwardedNPDU(payload)
			if err != nil {
				return nil, Address{}, err
			}
			return npdu, origin, nil

		case BVLCResult:
			if l.registrar != nil {
				if code, err := DecodeBVLCResult(payload); err == nil {
					l.registrar.HandleResult(code)
				}
			}
			// Not an NPDU; keep receiving.

		default:
			// BDT/FDT management traffic is not ours to answer.
		}
	}
}

// mstpLink adapts the MS/TP transport to the link interface.
type mstpLink struct {
	transport *transport.MSTPTransport
}

func (l *mstpLink) Open() error {
	return nil // the serial port opens with the transport
}

func (l *mstpLink) Close() error {
	return l.transport.Close()
}

func (l *mstpLink) Send(ctx context.Context, dst Address, expectingReply bool, npdu []byte) error {
	mac := uint8(transport.MSTPBroadcast)
	if !dst.IsBroadcast() && len(dst.Addr) == 1 {
		mac = dst.Addr[0]
	}
	return l.transport.Send(mac, expectingReply, npdu)
}

func (l *mstpLink) Receive(ctx context.Context) ([]byte, Address, error) {
	frame, err := l.transport.Receive(ctx)
	if err != nil {
		return nil, Address{}, err
	}
	return frame.Data, NewMSTPAddress(frame.Source, 0), nil
}
