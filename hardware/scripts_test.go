// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package hardware

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/keysuite/keyvault/derivation"
	"github.com/stretchr/testify/require"
)

// TestScriptTypeLookups verifies the two directions translate independently:
// inputs use SPEND* encodings and change outputs use PAYTO* encodings.
func TestScriptTypeLookups(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		format     derivation.AddressFormat
		wantInput  InputScriptType
		wantChange OutputScriptType
	}{
		{
			format:     derivation.FormatLegacy,
			wantInput:  InputAddress,
			wantChange: OutputAddress,
		},
		{
			format:     derivation.FormatNestedSegWit,
			wantInput:  InputP2SHWitness,
			wantChange: OutputP2SHWitness,
		},
		{
			format:     derivation.FormatNativeSegWit,
			wantInput:  InputWitness,
			wantChange: OutputWitness,
		},
		{
			format:     derivation.FormatTaproot,
			wantInput:  InputTaproot,
			wantChange: OutputTaproot,
		},
	}

	for _, tc := range testCases {
		input, err := InputScriptForFormat(tc.format)
		require.NoError(t, err)
		require.Equal(t, tc.wantInput, input)

		change, err := ChangeScriptForFormat(tc.format)
		require.NoError(t, err)
		require.Equal(t, tc.wantChange, change)
	}

	_, err := InputScriptForFormat(derivation.AddressFormat(0xff))
	require.ErrorIs(t, err, derivation.ErrUnknownFormat)

	_, err = ChangeScriptForFormat(derivation.AddressFormat(0xff))
	require.ErrorIs(t, err, derivation.ErrUnknownFormat)
}

// TestAddressFromScript verifies round tripping an address through its output
// script.
func TestAddressFromScript(t *testing.T) {
	t.Parallel()

	const addrStr = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"

	addr, err := btcutil.DecodeAddress(addrStr, &chaincfg.MainNetParams)
	require.NoError(t, err)

	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	got, err := AddressFromScript(script, false)
	require.NoError(t, err)
	require.Equal(t, addrStr, got)

	// An OP_RETURN script has no address.
	nullData, err := txscript.NullDataScript([]byte("hello"))
	require.NoError(t, err)

	_, err = AddressFromScript(nullData, false)
	require.Error(t, err)
}
