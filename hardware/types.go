// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package hardware

import (
	"github.com/keysuite/keyvault/derivation"
)

// AddressRequest describes a single address derivation on the device.
type AddressRequest struct {
	// Format selects the script encoding of the address.
	Format derivation.AddressFormat

	// Account is the BIP-44 account number (un-hardened).
	Account uint32

	// Index is the external chain address index.
	Index uint32

	// ShowOnDevice requests on-device display, which requires user
	// interaction and uses the extended confirmation timeout.
	ShowOnDevice bool

	// UsePassphrase enables the hidden-wallet passphrase prompt on
	// devices that support it.
	UsePassphrase bool
}

// XpubRequest describes an account level extended public key query.
type XpubRequest struct {
	// Format selects the purpose of the derived account path.
	Format derivation.AddressFormat

	// Account is the BIP-44 account number (un-hardened).
	Account uint32

	// UsePassphrase enables the hidden-wallet passphrase prompt.
	UsePassphrase bool
}

// TxInput is a normalized transaction input for native device signing.
type TxInput struct {
	// TxID is the hex encoded txid of the outpoint being spent.
	TxID string

	// Vout is the output index of the outpoint being spent.
	Vout uint32

	// Value is the value of the spent output in satoshis.
	Value int64

	// Path is the derivation path of the key controlling the input.
	Path derivation.Path
}

// TxOutput is a normalized transaction output for native device signing.
type TxOutput struct {
	// Address is the payee address. Empty for data carrier outputs.
	Address string

	// Value is the output value in satoshis.
	Value int64

	// OpReturnData carries the payload for data carrier outputs.
	OpReturnData []byte

	// Change marks the output as belonging to the signer, with ChangePath
	// holding its derivation path.
	Change     bool
	ChangePath derivation.Path
}

// SignTxRequest describes a native transaction signing operation.
type SignTxRequest struct {
	// Format selects the input script type used for all inputs.
	Format derivation.AddressFormat

	// Inputs are the transaction inputs. Every input must carry a
	// derivation path.
	Inputs []TxInput

	// Outputs are the transaction outputs.
	Outputs []TxOutput

	// LockTime is the transaction lock time.
	LockTime uint32

	// UsePassphrase enables the hidden-wallet passphrase prompt.
	UsePassphrase bool
}

// SignMessageRequest describes a message signing operation.
type SignMessageRequest struct {
	// Format selects the script type of the signing address.
	Format derivation.AddressFormat

	// Path is the full derivation path of the signing key.
	Path derivation.Path

	// Message is the raw message to sign.
	Message string

	// UsePassphrase enables the hidden-wallet passphrase prompt.
	UsePassphrase bool
}

// SignPsbtRequest describes a PSBT signing operation. The PSBT is handed to
// the adapter as raw hex; the adapter translates it into the vendor's native
// sign request using the PSBT decoder it was constructed with.
type SignPsbtRequest struct {
	// Format selects the input script type used for the wallet's inputs.
	Format derivation.AddressFormat

	// PsbtHex is the hex serialized PSBT.
	PsbtHex string

	// InputPaths maps input indices to the derivation path of the key
	// controlling that input. It must contain an entry for every input
	// the wallet is expected to sign.
	InputPaths map[int]derivation.Path

	// UsePassphrase enables the hidden-wallet passphrase prompt.
	UsePassphrase bool
}
