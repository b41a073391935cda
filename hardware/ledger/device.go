// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ledger implements the hardware.Adapter contract for Ledger
// devices running the Bitcoin app. The vendor SDK (APDU transport, app
// protocol) is consumed through the narrow Device interface.
package ledger

import (
	"context"

	"github.com/keysuite/keyvault/hardware"
)

// AppInfo describes the Bitcoin app running on the device.
type AppInfo struct {
	// Name is the app name as reported by the device.
	Name string

	// Version is the dotted app version.
	Version string

	// Model is the device model identifier.
	Model string
}

// SignInput is one input of a native sign request.
type SignInput struct {
	PrevHash   string
	PrevIndex  uint32
	Amount     int64
	Path       []uint32
	ScriptType hardware.InputScriptType
}

// SignOutput is one output of a native sign request.
type SignOutput struct {
	Address      string
	Amount       int64
	ScriptType   hardware.OutputScriptType
	Path         []uint32
	OpReturnData []byte
}

// SignRequest is the vendor native transaction signing request.
type SignRequest struct {
	Inputs   []SignInput
	Outputs  []SignOutput
	LockTime uint32
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
	// Open establishes the device session and selects the Bitcoin app.
	Open(ctx context.Context) error

	// AppInfo returns the running app's name and version.
	AppInfo(ctx context.Context) (*AppInfo, error)

	// GetXpub returns the extended public key at the given account path.
	GetXpub(ctx context.Context, path []uint32) (string, error)

	// GetAddress returns the address at the given path, optionally
	// displaying it on the device for confirmation.
	GetAddress(ctx context.Context, path []uint32,
		scriptType hardware.InputScriptType,
		showDisplay bool) (string, error)

	// SignTransaction signs a transaction and returns the fully
	// serialized signed transaction bytes.
	SignTransaction(ctx context.Context, req *SignRequest) ([]byte, error)

	// SignMessage signs a message and returns the compact signature.
	SignMessage(ctx context.Context, path []uint32,
		message []byte) ([]byte, error)

	// Events exposes device connect/disconnect notifications.
	Events() <-chan Event

	// Close releases the device session.
	Close() error
}
