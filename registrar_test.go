package bacnet

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

type sendRecorder struct {
	mu   sync.Mutex
	sent [][]byte
	err  error
}

func (r *sendRecorder) send(ctx context.Context, dst Address, msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, append([]byte(nil), msg...))
	return nil
}

func (r *sendRecorder) messages() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.sent))
	copy(out, r.sent)
	return out
}

func testBBMD(ttl uint16) BBMDConfig {
	return BBMDConfig{
		Address: NewIPAddress(net.IPv4(10, 0, 0, 5), DefaultPort),
		TTL:     ttl,
	}
}

func TestRenewalInterval(t *testing.T) {
	if got := renewalInterval(60); got != 48*time.Second {
		t.Errorf("renewalInterval(60) = %v, want 48s", got)
	}
	if got := renewalInterval(300); got != 240*time.Second {
		t.Errorf("renewalInterval(300) = %v, want 240s", got)
	}
}

func TestRegistrarRegister(t *testing.T) {
	rec := &sendRecorder{}
	r := newRegistrar(testBBMD(60), rec.send, nil)

	if err := r.Register(context.Background()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if r.State() != RegistrationRegistered {
		t.Errorf("state = %v, want registered", r.State())
	}
	if !r.Registered() {
		t.Error("Registered() = false after Register")
	}

	msgs := rec.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	if BVLCFunction(msgs[0][1]) != BVLCRegisterForeignDevice {
		t.Errorf("function = 0x%02x", msgs[0][1])
	}
	if ttl := binary.BigEndian.Uint16(msgs[0][4:]); ttl != 60 {
		t.Errorf("TTL on the wire = %d, want 60", ttl)
	}

	r.mu.Lock()
	armed := r.timer != nil
	r.mu.Unlock()
	if !armed {
		t.Error("renewal timer not armed after Register")
	}
}

func TestRegistrarUnregisterSendsZeroTTL(t *testing.T) {
	rec := &sendRecorder{}
	r := newRegistrar(testBBMD(60), rec.send, nil)
	if err := r.Register(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := r.Unregister(context.Background()); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if r.State() != RegistrationUnregistered {
		t.Errorf("state = %v, want unregistered", r.State())
	}

	msgs := rec.messages()
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages, want 2", len(msgs))
	}
	if ttl := binary.BigEndian.Uint16(msgs[1][4:]); ttl != 0 {
		t.Errorf("unregister TTL = %d, want 0", ttl)
	}

	r.mu.Lock()
	armed := r.timer != nil
	r.mu.Unlock()
	if armed {
		t.Error("renewal timer still armed after Unregister")
	}

	// The registrar is done; further calls refuse.
	if err := r.Unregister(context.Background()); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("second Unregister err = %v, want ErrAlreadyClosed", err)
	}
}

func TestRegistrarNAKExpires(t *testing.T) {
	rec := &sendRecorder{}
	r := newRegistrar(testBBMD(60), rec.send, nil)
	if err := r.Register(context.Background()); err != nil {
		t.Fatal(err)
	}

	r.HandleResult(BVLCResultRegisterForeignDeviceNAK)
	if r.State() != RegistrationExpired {
		t.Errorf("state after NAK = %v, want expired", r.State())
	}
	if r.Registered() {
		t.Error("Registered() = true after NAK")
	}
}

func TestRegistrarSuccessResultConfirms(t *testing.T) {
	rec := &sendRecorder{}
	r := newRegistrar(testBBMD(60), rec.send, nil)

	r.mu.Lock()
	r.state = RegistrationRenewing
	r.mu.Unlock()

	r.HandleResult(BVLCResultSuccess)
	if r.State() != RegistrationRegistered {
		t.Errorf("state = %v, want registered", r.State())
	}
}

func TestRegistrarSendFailureExpires(t *testing.T) {
	rec := &sendRecorder{err: errors.New("network unreachable")}
	r := newRegistrar(testBBMD(60), rec.send, nil)

	if err := r.Register(context.Background()); err == nil {
		t.Fatal("Register succeeded with a failing send")
	}
	if r.State() != RegistrationExpired {
		t.Errorf("state = %v, want expired", r.State())
	}
}

func TestRegistrarRenewalRearms(t *testing.T) {
	rec := &sendRecorder{}
	r := newRegistrar(testBBMD(60), rec.send, nil)
	if err := r.Register(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Drive a renewal directly instead of waiting 48 seconds.
	r.renew()

	if r.State() != RegistrationRegistered {
		t.Errorf("state after renewal = %v, want registered", r.State())
	}
	if len(rec.messages()) != 2 {
		t.Errorf("sent %d messages, want 2 (register + renewal)", len(rec.messages()))
	}
}
