// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package trezor implements the hardware.Adapter contract for Trezor
// devices. The vendor SDK is consumed through the narrow Device interface;
// everything device specific (transports, protobuf messages, session
// handling) lives behind it.
package trezor

import (
	"context"

	"github.com/keysuite/keyvault/hardware"
)

// Features is the subset of the device feature report the adapter consumes.
type Features struct {
	// Label is the user assigned device name.
	Label string

	// Model is the device model identifier.
	Model string

	// MajorVersion, MinorVersion and PatchVersion form the firmware
	// version.
	MajorVersion uint32
	MinorVersion uint32
	PatchVersion uint32

	// Initialized reports whether the device holds a seed.
	Initialized bool
}

// SignRequest is the vendor native transaction signing request.
type SignRequest struct {
	// Inputs describe the outpoints to spend. Each carries its derivation
	// path and input script type.
	Inputs []SignInput

	// Outputs describe the payees, change and data carrier outputs.
	Outputs []SignOutput

	// LockTime is the transaction lock time.
	LockTime uint32

	// UsePassphrase enables the hidden-wallet prompt.
	UsePassphrase bool
}

// SignInput is one input of a vendor native sign request.
type SignInput struct {
	PrevHash   string
	PrevIndex  uint32
	Amount     int64
	Path       []uint32
	ScriptType hardware.InputScriptType
}

// SignOutput is one output of a vendor native sign request.
type SignOutput struct {
	Address      string
	Amount       int64
	ScriptType   hardware.OutputScriptType
	Path         []uint32
	OpReturnData []byte
}

// Event is a device lifecycle notification emitted by the SDK.
type Event struct {
	// Connected reports the new link state.
	Connected bool
}

// Device is the boundary to the vendor SDK. Implementations are expected to
// be safe for use by a single goroutine at a time; the adapter serializes
// access on top.
type Device interface {
	// Connect establishes the device session.
	Connect(ctx context.Context) error

	// Features returns the device feature report, including the firmware
	// version.
	Features(ctx context.Context) (*Features, error)

	// GetPublicKey returns the extended public key at the given path.
	GetPublicKey(ctx context.Context, path []uint32,
		scriptType hardware.InputScriptType,
		usePassphrase bool) (string, error)

	// GetAddress returns the address at the given path, optionally
	// displaying it on the device for confirmation.
	GetAddress(ctx context.Context, path []uint32,
		scriptType hardware.InputScriptType, showDisplay bool,
		usePassphrase bool) (string, error)

	// SignTx signs a transaction and returns the fully serialized signed
	// transaction bytes. Trezor finalizes during signing.
	SignTx(ctx context.Context, req *SignRequest) ([]byte, error)

	// SignMessage signs a message and returns the compact signature.
	SignMessage(ctx context.Context, path []uint32,
		scriptType hardware.InputScriptType, message []byte,
		usePassphrase bool) ([]byte, error)

	// Events exposes device connect/disconnect notifications.
	Events() <-chan Event

	// Close releases the device session.
	Close() error
}
