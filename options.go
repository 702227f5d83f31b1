// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bacnet

import (
	"log/slog"
	"net"
	"time"
)

// clientOptions holds configuration for a Client.
type clientOptions struct {
	localAddress  string
	bbmd          *BBMDConfig
	apduTimeout   time.Duration
	retries       int
	whoIsWindow   time.Duration
	networkNumber uint16
	logger        *slog.Logger

	mstpPort string
	mstpBaud int
	mstpMAC  uint8
}

func defaultOptions() clientOptions {
	return clientOptions{
		localAddress: "",
		apduTimeout:  5 * time.Second,
		retries:      3,
		whoIsWindow:  5 * time.Second,
		mstpBaud:     38400,
		logger:       slog.Default(),
	}
}

// Option configures a Client.
type Option func(*clientOptions)

// WithLocalAddress sets the local UDP bind address, e.g. "0.0.0.0:47808".
func WithLocalAddress(addr string) Option {
	return func(o *clientOptions) {
		o.localAddress = addr
	}
}

// WithBBMD registers the client as a foreign device with a BBMD. TTL is
// in seconds; renewal happens automatically at 80% of it.
func WithBBMD(address string, port int, ttlSeconds uint16) Option {
	return func(o *clientOptions) {
		if port == 0 {
			port = DefaultPort
		}
		ip := net.ParseIP(address)
		if ip == nil {
			// Leave bbmd unset; Connect reports the bad address.
			o.bbmd = &BBMDConfig{TTL: ttlSeconds}
			return
		}
		o.bbmd = &BBMDConfig{
			Address: NewIPAddress(ip, port),
			TTL:     ttlSeconds,
		}
	}
}

// WithTimeout sets the per-attempt APDU timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		if d > 0 {
			o.apduTimeout = d
		}
	}
}

// WithRetries sets the retransmit count after the first attempt.
func WithRetries(n int) Option {
	return func(o *clientOptions) {
		if n >= 0 {
			o.retries = n
		}
	}
}

// WithWhoIsWindow sets the default Who-Is listen window (clamped 3s-15s).
func WithWhoIsWindow(d time.Duration) Option {
	return func(o *clientOptions) {
		o.whoIsWindow = clampWindow(d)
	}
}

// WithNetworkNumber sets the destination network for routed targets.
func WithNetworkNumber(net uint16) Option {
	return func(o *clientOptions) {
		o.networkNumber = net
	}
}

// WithMSTP selects the MS/TP datalink instead of BACnet/IP: serial port
// name, baud rate, and this station's MAC.
func WithMSTP(port string, baud int, mac uint8) Option {
	return func(o *clientOptions) {
		o.mstpPort = port
		if baud > 0 {
			o.mstpBaud = baud
		}
		o.mstpMAC = mac
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func clampWindow(d time.Duration) time.Duration {
	if d < 3*time.Second {
		return 3 * time.Second
	}
	if d > 15*time.Second {
		return 15 * time.Second
	}
	return d
}

// DiscoverOptions holds options for WhoIs discovery.
type DiscoverOptions struct {
	LowLimit  *uint32
	HighLimit *uint32
	Window    time.Duration
	Network   uint16
}

// DiscoverOption configures a WhoIs call.
type DiscoverOption func(*DiscoverOptions)

// WithDeviceRange limits discovery to instances in [low, high].
func WithDeviceRange(low, high uint32) DiscoverOption {
	return func(o *DiscoverOptions) {
		o.LowLimit = &low
		o.HighLimit = &high
	}
}

// WithDiscoveryWindow sets the listen window for this call.
func WithDiscoveryWindow(d time.Duration) DiscoverOption {
	return func(o *DiscoverOptions) {
		o.Window = clampWindow(d)
	}
}

// WithTargetNetwork directs the Who-Is at a specific remote network.
func WithTargetNetwork(net uint16) DiscoverOption {
	return func(o *DiscoverOptions) {
		o.Network = net
	}
}

// ReadOptions holds options for ReadProperty.
type ReadOptions struct {
	ArrayIndex *uint32
}

// ReadOption configures a ReadProperty call.
type ReadOption func(*ReadOptions)

// WithArrayIndex reads a single element of an array property.
func WithArrayIndex(index uint32) ReadOption {
	return func(o *ReadOptions) {
		o.ArrayIndex = &index
	}
}

// WriteOptions holds options for WriteProperty.
type WriteOptions struct {
	ArrayIndex *uint32
	Priority   *uint8
}

// WriteOption configures a WriteProperty call.
type WriteOption func(*WriteOptions)

// WithWriteArrayIndex writes a single element of an array property.
func WithWriteArrayIndex(index uint32) WriteOption {
	return func(o *WriteOptions) {
		o.ArrayIndex = &index
	}
}

// WithPriority writes at a command priority 1-16. Priority 6 is reserved
// for minimum on/off and is refused before anything goes on the wire.
func WithPriority(priority uint8) WriteOption {
	return func(o *WriteOptions) {
		o.Priority = &priority
	}
}
