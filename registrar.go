package bacnet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RegistrationState tracks the foreign-device lifecycle against a BBMD.
type RegistrationState int32

const (
	RegistrationUnregistered RegistrationState = iota
	RegistrationRegistering
	RegistrationRegistered
	RegistrationRenewing
	RegistrationExpired
)

func (s RegistrationState) String() string {
	switch s {
	case RegistrationUnregistered:
		return "unregistered"
	case RegistrationRegistering:
		return "registering"
	case RegistrationRegistered:
		return "registered"
	case RegistrationRenewing:
		return "renewing"
	case RegistrationExpired:
		return "expired"
	}
	return fmt.Sprintf("registration-state(%d)", int32(s))
}

// BBMDConfig configures foreign-device registration.
type BBMDConfig struct {
	Address Address
	TTL     uint16
}

// maxRenewalFailures is the number of consecutive failed renewals
// tolerated before the registration is considered expired.
const maxRenewalFailures = 2

// registrar drives Register-Foreign-Device against one BBMD: initial
// registration, renewal at 80% of the TTL, and TTL=0 deregistration.
// The send function is injected so the state machine stays testable
// without a socket.
type registrar struct {
	cfg    BBMDConfig
	send   func(ctx context.Context, dst Address, msg []byte) error
	logger *slog.Logger

	mu       sync.Mutex
	state    RegistrationState
	timer    *time.Timer
	failures int
	closed   bool
}

func newRegistrar(cfg BBMDConfig, send func(ctx context.Context, dst Address, msg []byte) error, logger *slog.Logger) *registrar {
	if logger == nil {
		logger = slog.Default()
	}
	return &registrar{
		cfg:    cfg,
		send:   send,
		logger: logger,
		state:  RegistrationUnregistered,
	}
}

// renewalInterval returns when the next registration refresh is due.
func renewalInterval(ttl uint16) time.Duration {
	return time.Duration(ttl) * time.Second * 8 / 10
}

// Register sends the initial Register-Foreign-Device and arms the renewal
// timer. The BBMD may answer with a BVLC-Result; silence is treated as
// success, a NAK expires the registration.
func (r *registrar) Register(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrAlreadyClosed
	}
	r.state = RegistrationRegistering
	r.mu.Unlock()

	msg := EncodeRegisterForeignDevice(r.cfg.TTL)
	if err := r.send(ctx, r.cfg.Address, msg); err != nil {
		r.mu.Lock()
		r.state = RegistrationExpired
		r.mu.Unlock()
		return fmt.Errorf("register with BBMD %s: %w", r.cfg.Address, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrAlreadyClosed
	}
	r.state = RegistrationRegistered
	r.failures = 0
	r.armRenewalLocked()
	r.logger.Info("registered as foreign device",
		"bbmd", r.cfg.Address.String(),
		"ttl_seconds", r.cfg.TTL)
	return nil
}

// armRenewalLocked (re)arms the renewal timer. Caller holds mu.
func (r *registrar) armRenewalLocked() {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(renewalInterval(r.cfg.TTL), r.renew)
}

// renew refreshes the registration before the BBMD's TTL lapses.
func (r *registrar) renew() {
	r.mu.Lock()
	if r.closed || (r.state != RegistrationRegistered && r.state != RegistrationRenewing) {
		r.mu.Unlock()
		return
	}
	r.state = RegistrationRenewing
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg := EncodeRegisterForeignDevice(r.cfg.TTL)
	err := r.send(ctx, r.cfg.Address, msg)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if err != nil {
		r.failures++
		r.logger.Warn("foreign device renewal failed",
			"bbmd", r.cfg.Address.String(),
			"consecutive_failures", r.failures,
			"error", err)
		if r.failures >= maxRenewalFailures {
			r.state = RegistrationExpired
			return
		}
		// Retry on the next renewal tick rather than giving up.
		r.state = RegistrationRegistered
		r.armRenewalLocked()
		return
	}
	r.failures = 0
	r.state = RegistrationRegistered
	r.armRenewalLocked()
	r.logger.Debug("foreign device registration renewed", "bbmd", r.cfg.Address.String())
}

// HandleResult feeds a BVLC-Result code from the BBMD into the state
// machine. Success confirms the current registration; a NAK expires it.
func (r *registrar) HandleResult(code uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	switch code {
	case BVLCResultSuccess:
		if r.state == RegistrationRegistering || r.state == RegistrationRenewing {
			r.state = RegistrationRegistered
			r.failures = 0
		}
	case BVLCResultRegisterForeignDeviceNAK:
		r.logger.Warn("BBMD rejected foreign device registration",
			"bbmd", r.cfg.Address.String())
		if r.timer != nil {
			r.timer.Stop()
		}
		r.state = RegistrationExpired
	default:
		r.logger.Debug("BVLC result from BBMD",
			"bbmd", r.cfg.Address.String(),
			"code", fmt.Sprintf("0x%04x", code))
	}
}

// Unregister cancels the renewal timer and tells the BBMD to drop the
// entry with a TTL of zero. Timer cancellation and the state change are
// atomic so a concurrent renewal cannot re-register afterwards.
func (r *registrar) Unregister(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrAlreadyClosed
	}
	wasRegistered := r.state == RegistrationRegistered || r.state == RegistrationRenewing
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.state = RegistrationUnregistered
	r.closed = true
	r.mu.Unlock()

	if !wasRegistered {
		return nil
	}
	msg := EncodeRegisterForeignDevice(0)
	if err := r.send(ctx, r.cfg.Address, msg); err != nil {
		return fmt.Errorf("unregister from BBMD %s: %w", r.cfg.Address, err)
	}
	r.logger.Info("unregistered foreign device", "bbmd", r.cfg.Address.String())
	return nil
}

// State returns the current registration state.
func (r *registrar) State() RegistrationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Registered reports whether broadcasts should be distributed through
// the BBMD.
func (r *registrar) Registered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == RegistrationRegistered || r.state == RegistrationRenewing
}
