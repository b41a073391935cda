// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package hardware

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
)

// PsbtInput is one input of a decoded PSBT, reduced to the fields vendor
// sign requests need.
type PsbtInput struct {
	// TxID is the hex encoded txid of the outpoint being spent.
	TxID string

	// Vout is the output index of the outpoint being spent.
	Vout uint32

	// Value is the value of the spent output in satoshis, taken from the
	// witness or non-witness UTXO attached to the input.
	Value int64
}

// PsbtOutput is one output of a decoded PSBT.
type PsbtOutput struct {
	// Script is the raw output script.
	Script []byte

	// Value is the output value in satoshis.
	Value int64

	// OpReturnData holds the data payload when the output is a data
	// carrier, nil otherwise.
	OpReturnData []byte
}

// PsbtDetails is the normalized content of a PSBT as consumed by hardware
// adapters when translating into vendor native sign requests.
type PsbtDetails struct {
	Inputs   []PsbtInput
	Outputs  []PsbtOutput
	LockTime uint32

	// Fee is the difference between input and output values. Zero when
	// any input value is unknown.
	Fee int64
}

// PsbtDecoder is the narrow boundary to the PSBT codec. The byte level
// parsing lives in the external psbt package; adapters only ever see the
// decoded details.
type PsbtDecoder interface {
	// ExtractDetails parses a hex serialized PSBT into its normalized
	// details.
	ExtractDetails(psbtHex string) (*PsbtDetails, error)
}

// psbtDecoder is the default PsbtDecoder backed by btcd's psbt package.
type psbtDecoder struct{}

// NewPsbtDecoder returns the default PSBT decoder.
func NewPsbtDecoder() PsbtDecoder {
	return psbtDecoder{}
}

// ExtractDetails parses a hex serialized PSBT into its normalized details.
func (psbtDecoder) ExtractDetails(psbtHex string) (*PsbtDetails, error) {
	raw, err := hex.DecodeString(psbtHex)
	if err != nil {
		return nil, fmt.Errorf("invalid psbt hex: %w", err)
	}

	packet, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	if err != nil {
		return nil, fmt.Errorf("unable to parse psbt: %w", err)
	}

	details := &PsbtDetails{
		LockTime: packet.UnsignedTx.LockTime,
	}

	var (
		totalIn      int64
		valueUnknown bool
	)
	for i, txIn := range packet.UnsignedTx.TxIn {
		input := PsbtInput{
			TxID: txIn.PreviousOutPoint.Hash.String(),
			Vout: txIn.PreviousOutPoint.Index,
		}

		pInput := packet.Inputs[i]
		switch {
		case pInput.WitnessUtxo != nil:
			input.Value = pInput.WitnessUtxo.Value

		case pInput.NonWitnessUtxo != nil:
			prevOuts := pInput.NonWitnessUtxo.TxOut
			vout := txIn.PreviousOutPoint.Index
			if int(vout) >= len(prevOuts) {
				return nil, fmt.Errorf("input %d references "+
					"missing output %d", i, vout)
			}
			input.Value = prevOuts[vout].Value

		default:
			valueUnknown = true
		}

		totalIn += input.Value
		details.Inputs = append(details.Inputs, input)
	}

	var totalOut int64
	for _, txOut := range packet.UnsignedTx.TxOut {
		output := PsbtOutput{
			Script: txOut.PkScript,
			Value:  txOut.Value,
		}

		// Surface data carrier payloads so adapters can emit the
		// vendor's OP_RETURN output type.
		if len(txOut.PkScript) > 0 &&
			txOut.PkScript[0] == txscript.OP_RETURN {

			output.OpReturnData = parseOpReturnData(txOut.PkScript)
		}

		totalOut += txOut.Value
		details.Outputs = append(details.Outputs, output)
	}

	if !valueUnknown {
		details.Fee = totalIn - totalOut
	}

	return details, nil
}

// parseOpReturnData extracts the pushed payload from an OP_RETURN script,
// returning nil if the script carries no push.
func parseOpReturnData(script []byte) []byte {
	tokenizer := txscript.MakeScriptTokenizer(0, script)

	// Skip the OP_RETURN opcode itself.
	if !tokenizer.Next() {
		return nil
	}

	if tokenizer.Next() && len(tokenizer.Data()) > 0 {
		return tokenizer.Data()
	}

	return nil
}
