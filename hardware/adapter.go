// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package hardware defines the vendor agnostic contract for hardware signing
// devices, along with the shared infrastructure every vendor adapter builds
// on: the structured error taxonomy, script type translation tables, firmware
// capability gating and the in-flight operation manager.
package hardware

import (
	"context"
	"time"
)

// Vendor identifies a hardware wallet vendor.
type Vendor string

const (
	// VendorTrezor is the Trezor family of devices.
	VendorTrezor Vendor = "trezor"

	// VendorLedger is the Ledger family of devices.
	VendorLedger Vendor = "ledger"
)

// ConnectionStatus describes the adapter's view of the device link.
type ConnectionStatus uint8

const (
	// StatusDisconnected indicates no device session exists.
	StatusDisconnected ConnectionStatus = iota

	// StatusConnecting indicates a device session is being established.
	StatusConnecting

	// StatusConnected indicates the device is ready for operations.
	StatusConnected

	// StatusError indicates the last connection attempt failed.
	StatusError
)

// String returns the string representation of a connection status.
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"

	case StatusConnecting:
		return "connecting"

	case StatusConnected:
		return "connected"

	case StatusError:
		return "error"

	default:
		return "unknown"
	}
}

// DeviceInfo is the normalized description of a connected device.
type DeviceInfo struct {
	// Vendor identifies the device family.
	Vendor Vendor

	// Label is the user assigned device name, if any.
	Label string

	// Model is the vendor model identifier.
	Model string

	// FirmwareVersion is the dotted firmware version string. Empty when
	// the version has not been queried yet.
	FirmwareVersion string

	// Initialized reports whether the device holds a seed.
	Initialized bool
}

// InitOptions configures adapter initialization.
type InitOptions struct {
	// Testnet selects the testnet coin type for all derivations.
	Testnet bool

	// DefaultTimeout overrides the standard per-operation timeout. Zero
	// keeps the default.
	DefaultTimeout time.Duration
}

// Adapter is the common contract implemented by every vendor specific
// hardware wallet adapter. Implementations serialize device access
// internally: the underlying physical device cannot process concurrent
// requests, so overlapping calls against the same adapter block until the
// in-flight operation finishes.
type Adapter interface {
	// Init prepares the adapter and establishes the device session. It
	// must be called before any other operation.
	Init(ctx context.Context, opts InitOptions) error

	// IsInitialized reports whether Init completed successfully.
	IsInitialized() bool

	// ConnectionStatus returns the current device link state.
	ConnectionStatus() ConnectionStatus

	// DeviceInfo returns the normalized device description, including the
	// firmware version if it has been queried.
	DeviceInfo(ctx context.Context) (*DeviceInfo, error)

	// GetAddress derives and returns a single address. When showOnDevice
	// is set the device displays the address for visual confirmation,
	// which uses the extended confirmation timeout.
	GetAddress(ctx context.Context, req AddressRequest) (string, error)

	// GetAddresses derives count consecutive external chain addresses
	// starting at req.Index.
	GetAddresses(ctx context.Context, req AddressRequest,
		count uint32) ([]string, error)

	// GetXpub returns the account level extended public key for the given
	// format and account.
	GetXpub(ctx context.Context, req XpubRequest) (string, error)

	// SignTransaction signs a transaction natively. Vendors that only
	// support PSBT based signing fail with CodeNotSupported and direct
	// the caller to SignPsbt.
	SignTransaction(ctx context.Context, req SignTxRequest) (string, error)

	// SignMessage signs a message with the key at the given path and
	// returns the compact signature encoded in base64.
	SignMessage(ctx context.Context, req SignMessageRequest) (string, error)

	// SignPsbt signs the provided PSBT.
	//
	// NOTE: unlike incremental PSBT workflows, hardware vendors finalize
	// during signing: the return value is the fully signed raw
	// transaction in hex, not an updated PSBT.
	SignPsbt(ctx context.Context, req SignPsbtRequest) (string, error)

	// Dispose aborts all pending operations for the vendor, releases the
	// device session and returns the adapter to its uninitialized state.
	Dispose(ctx context.Context) error
}

// AwaitTerminal drains a vendor event channel until an event satisfies the
// terminal predicate, returning that event. It resolves to exactly one of
// three outcomes: the terminal event, a timeout, or cancellation through the
// context. A closed channel before any terminal event is reported as an
// error from the predicate never having matched.
func AwaitTerminal[E any](ctx context.Context, events <-chan E,
	terminal func(E) (bool, error), timeout time.Duration) (E, error) {

	var zero E

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return zero, context.Canceled
			}

			done, err := terminal(ev)
			if err != nil {
				return zero, err
			}
			if done {
				return ev, nil
			}

		case <-timer.C:
			return zero, context.DeadlineExceeded

		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}
