// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package hardware

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestClassifyErr verifies the single classification point maps SDK failures
// onto the right stable codes.
func TestClassifyErr(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		err      error
		wantCode ErrorCode
	}{
		{
			name:     "user denied on device",
			err:      errors.New("Action denied by user"),
			wantCode: CodeUserCancelled,
		},
		{
			name:     "user rejected prompt",
			err:      errors.New("signing rejected"),
			wantCode: CodeUserCancelled,
		},
		{
			name:     "sdk reports cancel",
			err:      errors.New("operation cancelled on device"),
			wantCode: CodeUserCancelled,
		},
		{
			name:     "deadline exceeded",
			err:      fmt.Errorf("op: %w", context.DeadlineExceeded),
			wantCode: CodeOperationTimeout,
		},
		{
			name:     "context canceled",
			err:      fmt.Errorf("op: %w", context.Canceled),
			wantCode: CodeOperationAborted,
		},
		{
			name:     "unrecognized failure uses fallback",
			err:      errors.New("usb transport stall"),
			wantCode: CodeSignTxFailed,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			hwErr := ClassifyErr(
				VendorTrezor, CodeSignTxFailed, "check device",
				tc.err,
			)
			require.Equal(t, tc.wantCode, hwErr.Code)
			require.Equal(t, VendorTrezor, hwErr.Vendor)
			require.ErrorIs(t, hwErr, tc.err)
		})
	}
}

// TestClassifyErrPassthrough verifies an already classified error is never
// wrapped a second time.
func TestClassifyErrPassthrough(t *testing.T) {
	t.Parallel()

	orig := NewError(VendorLedger, CodeFirmwareUpdateRequired, "too old")
	wrapped := fmt.Errorf("sign: %w", orig)

	hwErr := ClassifyErr(VendorLedger, CodeSignTxFailed, "", wrapped)
	require.Same(t, orig, hwErr)
}

// TestIsCode verifies code matching through wrapped error chains.
func TestIsCode(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("outer: %w",
		NewError(VendorTrezor, CodeUserCancelled, "denied"))

	require.True(t, IsCode(err, CodeUserCancelled))
	require.False(t, IsCode(err, CodeOperationTimeout))
	require.False(t, IsCode(errors.New("plain"), CodeUserCancelled))
}
