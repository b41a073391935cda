// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package hardware

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/keysuite/keyvault/derivation"
)

// InputScriptType is the vendor facing script type used when describing an
// input the device is asked to sign. It is deliberately a distinct type from
// OutputScriptType: vendors reject requests that use an output encoding in
// the input position and vice versa, so the two directions get separate
// lookup functions rather than a shared table.
type InputScriptType string

const (
	// InputAddress is the legacy P2PKH spend type.
	InputAddress InputScriptType = "SPENDADDRESS"

	// InputP2SHWitness is the nested SegWit spend type.
	InputP2SHWitness InputScriptType = "SPENDP2SHWITNESS"

	// InputWitness is the native SegWit v0 spend type.
	InputWitness InputScriptType = "SPENDWITNESS"

	// InputTaproot is the SegWit v1 key path spend type.
	InputTaproot InputScriptType = "SPENDTAPROOT"
)

// OutputScriptType is the vendor facing script type used when describing a
// transaction output (a payee).
type OutputScriptType string

const (
	// OutputAddress pays to an address of any standard type.
	OutputAddress OutputScriptType = "PAYTOADDRESS"

	// OutputP2SHWitness pays to a nested SegWit address of the signer.
	OutputP2SHWitness OutputScriptType = "PAYTOP2SHWITNESS"

	// OutputWitness pays to a native SegWit address of the signer.
	OutputWitness OutputScriptType = "PAYTOWITNESS"

	// OutputTaproot pays to a taproot address of the signer.
	OutputTaproot OutputScriptType = "PAYTOTAPROOT"

	// OutputOpReturn is a data carrier output.
	OutputOpReturn OutputScriptType = "PAYTOOPRETURN"
)

// InputScriptForFormat translates an address format into the script type
// used for inputs being signed.
func InputScriptForFormat(
	format derivation.AddressFormat) (InputScriptType, error) {

	switch format {
	case derivation.FormatLegacy:
		return InputAddress, nil

	case derivation.FormatNestedSegWit:
		return InputP2SHWitness, nil

	case derivation.FormatNativeSegWit:
		return InputWitness, nil

	case derivation.FormatTaproot:
		return InputTaproot, nil

	default:
		return "", fmt.Errorf("%w: %v", derivation.ErrUnknownFormat,
			format)
	}
}

// AddressFromScript extracts the standard address encoded by an output
// script. Scripts that do not resolve to a single standard address are
// rejected; adapters only ever pass payee outputs here.
func AddressFromScript(script []byte, testnet bool) (string, error) {
	params := &chaincfg.MainNetParams
	if testnet {
		params = &chaincfg.TestNet3Params
	}

	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, params)
	if err != nil {
		return "", fmt.Errorf("unable to parse output script: %w", err)
	}

	if len(addrs) != 1 {
		return "", errors.New("output script does not encode a " +
			"single standard address")
	}

	return addrs[0].EncodeAddress(), nil
}

// ChangeScriptForFormat translates an address format into the script type
// used for change outputs returning to the signer.
func ChangeScriptForFormat(
	format derivation.AddressFormat) (OutputScriptType, error) {

	switch format {
	case derivation.FormatLegacy:
		return OutputAddress, nil

	case derivation.FormatNestedSegWit:
		return OutputP2SHWitness, nil

	case derivation.FormatNativeSegWit:
		return OutputWitness, nil

	case derivation.FormatTaproot:
		return OutputTaproot, nil

	default:
		return "", fmt.Errorf("%w: %v", derivation.ErrUnknownFormat,
			format)
	}
}
