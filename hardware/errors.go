// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package hardware

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorCode classifies a hardware wallet failure into a stable, vendor
// independent code that callers can branch on.
type ErrorCode string

const (
	// CodeNotInitialized indicates an operation was attempted before the
	// adapter was initialized.
	CodeNotInitialized ErrorCode = "NOT_INITIALIZED"

	// CodeInitFailed indicates adapter initialization failed.
	CodeInitFailed ErrorCode = "INIT_FAILED"

	// CodeDiscoveryFailed indicates device discovery failed.
	CodeDiscoveryFailed ErrorCode = "DISCOVERY_FAILED"

	// CodeConnectFailed indicates the device connection could not be
	// established.
	CodeConnectFailed ErrorCode = "CONNECT_FAILED"

	// CodeGetAddressFailed indicates an address request failed on the
	// device.
	CodeGetAddressFailed ErrorCode = "GET_ADDRESS_FAILED"

	// CodeGetXpubFailed indicates an extended public key request failed.
	CodeGetXpubFailed ErrorCode = "GET_XPUB_FAILED"

	// CodeSignTxFailed indicates transaction signing failed on the device.
	CodeSignTxFailed ErrorCode = "SIGN_TX_FAILED"

	// CodeSignMessageFailed indicates message signing failed.
	CodeSignMessageFailed ErrorCode = "SIGN_MESSAGE_FAILED"

	// CodeSignPsbtFailed indicates PSBT signing failed.
	CodeSignPsbtFailed ErrorCode = "SIGN_PSBT_FAILED"

	// CodeUserCancelled indicates the user rejected the operation on the
	// device.
	CodeUserCancelled ErrorCode = "USER_CANCELLED"

	// CodeOperationTimeout indicates the operation did not complete within
	// its deadline.
	CodeOperationTimeout ErrorCode = "OPERATION_TIMEOUT"

	// CodeOperationAborted indicates the operation was cancelled by the
	// caller before completion.
	CodeOperationAborted ErrorCode = "OPERATION_ABORTED"

	// CodeFirmwareUpdateRequired indicates the device firmware does not
	// support the requested feature.
	CodeFirmwareUpdateRequired ErrorCode = "FIRMWARE_UPDATE_REQUIRED"

	// CodeNoInputPaths indicates a PSBT sign request carried no input
	// derivation paths.
	CodeNoInputPaths ErrorCode = "NO_INPUT_PATHS"

	// CodeMissingPath indicates a specific PSBT input lacked a derivation
	// path.
	CodeMissingPath ErrorCode = "MISSING_PATH"

	// CodeNotSupported indicates the vendor does not support the requested
	// operation.
	CodeNotSupported ErrorCode = "NOT_SUPPORTED"

	// CodeUnknownVendor indicates no adapter is registered for the
	// requested vendor.
	CodeUnknownVendor ErrorCode = "UNKNOWN_VENDOR"
)

// Error is the single structured error type used for all hardware wallet
// operations. Adapters wrap vendor SDK failures into this type exactly once,
// at the SDK boundary.
type Error struct {
	// Code is the stable classification of the failure.
	Code ErrorCode

	// Vendor identifies the adapter that produced the error.
	Vendor Vendor

	// Msg is the internal error detail, suitable for logs.
	Msg string

	// UserMsg, when set, is a vendor specific message suitable for direct
	// display to the user.
	UserMsg string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Vendor, e.Code, e.Msg,
			e.Err)
	}

	return fmt.Sprintf("%s: %s: %s", e.Vendor, e.Code, e.Msg)
}

// Unwrap returns the underlying cause so callers can use errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError constructs a structured hardware error.
func NewError(vendor Vendor, code ErrorCode, msg string) *Error {
	return &Error{
		Code:   code,
		Vendor: vendor,
		Msg:    msg,
	}
}

// IsCode reports whether err is a hardware Error carrying the given code.
func IsCode(err error, code ErrorCode) bool {
	var hwErr *Error
	if !errors.As(err, &hwErr) {
		return false
	}

	return hwErr.Code == code
}

// cancellationMarkers are the substrings vendor SDKs use to report that the
// user declined the operation on the device.
var cancellationMarkers = []string{"denied", "rejected", "cancel"}

// ClassifyErr maps an arbitrary failure from a vendor SDK into a structured
// Error. Each adapter funnels every SDK failure through a single call site
// of this function, so individual adapter methods never duplicate the
// string matching:
//
//   - an error that is already a structured Error passes through untouched
//     (no double wrapping),
//   - context deadline expiry becomes CodeOperationTimeout,
//   - context cancellation becomes CodeOperationAborted,
//   - messages mentioning a user denial become CodeUserCancelled,
//   - anything else receives the fallback vendor specific code.
func ClassifyErr(vendor Vendor, fallback ErrorCode, userMsg string,
	err error) *Error {

	var hwErr *Error
	if errors.As(err, &hwErr) {
		return hwErr
	}

	code := fallback
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = CodeOperationTimeout

	case errors.Is(err, context.Canceled):
		code = CodeOperationAborted

	default:
		msg := strings.ToLower(err.Error())
		for _, marker := range cancellationMarkers {
			if strings.Contains(msg, marker) {
				code = CodeUserCancelled
				break
			}
		}
	}

	return &Error{
		Code:    code,
		Vendor:  vendor,
		Msg:     err.Error(),
		UserMsg: userMsg,
		Err:     err,
	}
}
