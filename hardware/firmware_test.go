// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package hardware

import (
	"testing"

	"github.com/keysuite/keyvault/derivation"
	"github.com/stretchr/testify/require"
)

// TestValidateFirmwareForFeature verifies the taproot capability gate for
// both vendors.
func TestValidateFirmwareForFeature(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		vendor   Vendor
		version  string
		wantCode ErrorCode
	}{
		{
			name:    "trezor at minimum",
			vendor:  VendorTrezor,
			version: "2.4.3",
		},
		{
			name:    "trezor above minimum",
			vendor:  VendorTrezor,
			version: "2.5.1",
		},
		{
			name:    "trezor major bump",
			vendor:  VendorTrezor,
			version: "3.0.0",
		},
		{
			name:     "trezor below minimum",
			vendor:   VendorTrezor,
			version:  "2.4.2",
			wantCode: CodeFirmwareUpdateRequired,
		},
		{
			name:    "ledger at minimum",
			vendor:  VendorLedger,
			version: "2.1.0",
		},
		{
			name:     "ledger below minimum",
			vendor:   VendorLedger,
			version:  "2.0.9",
			wantCode: CodeFirmwareUpdateRequired,
		},
		{
			name:    "short version padded with zeros",
			vendor:  VendorLedger,
			version: "2.1",
		},
		{
			name:     "unknown version rejected not allowed",
			vendor:   VendorTrezor,
			version:  "",
			wantCode: CodeFirmwareUpdateRequired,
		},
		{
			name:     "garbage version",
			vendor:   VendorTrezor,
			version:  "2.x.1",
			wantCode: CodeFirmwareUpdateRequired,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := ValidateFirmwareForFeature(
				tc.vendor, FeatureTaproot, tc.version,
			)
			if tc.wantCode == "" {
				require.NoError(t, err)
				return
			}

			require.True(t, IsCode(err, tc.wantCode),
				"got %v", err)
		})
	}
}

// TestRequiredFeatures verifies only taproot addresses carry a firmware gate.
func TestRequiredFeatures(t *testing.T) {
	t.Parallel()

	require.Equal(t, []Feature{FeatureTaproot},
		RequiredFeatures(derivation.FormatTaproot))

	require.Nil(t, RequiredFeatures(derivation.FormatLegacy))
	require.Nil(t, RequiredFeatures(derivation.FormatNestedSegWit))
	require.Nil(t, RequiredFeatures(derivation.FormatNativeSegWit))
}

// TestVersionAtLeast verifies the dotted field comparison.
func TestVersionAtLeast(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		got  string
		want string
		ok   bool
	}{
		{got: "2.4.3", want: "2.4.3", ok: true},
		{got: "2.4.4", want: "2.4.3", ok: true},
		{got: "2.10.0", want: "2.9.9", ok: true},
		{got: "2.4.2", want: "2.4.3", ok: false},
		{got: "1.9.9", want: "2.0.0", ok: false},
		{got: "2.4", want: "2.4.0", ok: true},
		{got: "2.4", want: "2.4.1", ok: false},
	}

	for _, tc := range testCases {
		got, err := versionAtLeast(tc.got, tc.want)
		require.NoError(t, err)
		require.Equalf(t, tc.ok, got, "%s >= %s", tc.got, tc.want)
	}

	_, err := versionAtLeast("2.beta.1", "2.0.0")
	require.Error(t, err)
}
