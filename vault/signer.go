// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/tyler-smith/go-bip39"

	"github.com/keysuite/keyvault/derivation"
	"github.com/keysuite/keyvault/hardware"
)

// messageSignatureHeader is the standard Bitcoin signed message prefix.
const messageSignatureHeader = "Bitcoin Signed Message:\n"

// SignMessage signs a message with the key at the given external address
// index of the selected wallet and returns the compact recoverable ECDSA
// signature in base64. Software wallets sign locally over the double-SHA256
// of the var-string framed message; hardware wallets sign on the device.
func (m *Manager) SignMessage(ctx context.Context, addressIndex uint32,
	message string) (string, error) {

	if err := m.state.canSign(); err != nil {
		return "", err
	}

	record, secret, err := m.signingContext()
	if err != nil {
		return "", err
	}

	if record.Kind == KindHardware {
		adapter, err := m.hardwareAdapter(ctx, record.Hardware)
		if err != nil {
			return "", err
		}

		path, err := derivation.BIP44Path(
			record.AddressFormat, m.coinType(),
			record.Hardware.AccountIndex,
			derivation.ExternalChain, addressIndex,
		)
		if err != nil {
			return "", err
		}

		return adapter.SignMessage(ctx, hardware.SignMessageRequest{
			Format:        record.AddressFormat,
			Path:          path,
			Message:       message,
			UsePassphrase: record.Hardware.UsePassphrase,
		})
	}

	privKey, err := m.privKeyAtIndex(record, secret, addressIndex)
	if err != nil {
		return "", err
	}
	defer privKey.Zero()

	var buf bytes.Buffer
	if err := wire.WriteVarString(&buf, 0,
		messageSignatureHeader); err != nil {

		return "", err
	}
	if err := wire.WriteVarString(&buf, 0, message); err != nil {
		return "", err
	}

	digest := chainhash.DoubleHashB(buf.Bytes())
	sig := ecdsa.SignCompact(privKey, digest, true)

	m.touchActivity()

	return encodeBase64(sig), nil
}

// SignTransaction signs a transaction described by the normalized request.
// Software wallets build and sign the transaction locally; hardware wallets
// dispatch to the vendor adapter, which may direct the caller to SignPsbt
// instead. The return value is the fully signed raw transaction in hex.
func (m *Manager) SignTransaction(ctx context.Context,
	req hardware.SignTxRequest) (string, error) {

	if err := m.state.canSign(); err != nil {
		return "", err
	}

	record, secret, err := m.signingContext()
	if err != nil {
		return "", err
	}

	if record.Kind == KindHardware {
		req.UsePassphrase = record.Hardware.UsePassphrase

		adapter, err := m.hardwareAdapter(ctx, record.Hardware)
		if err != nil {
			return "", err
		}

		return adapter.SignTransaction(ctx, req)
	}

	rawTx, err := m.signSoftwareTx(record, secret, req)
	if err != nil {
		return "", err
	}

	m.touchActivity()

	return rawTx, nil
}

// SignPsbt signs the inputs of a hex serialized PSBT controlled by the
// selected wallet. inputPaths maps input indices to the derivation paths of
// the controlling keys.
//
// NOTE: unlike incremental PSBT workflows, signing finalizes: the return
// value is the fully signed raw transaction in hex, not an updated PSBT.
func (m *Manager) SignPsbt(ctx context.Context, psbtHex string,
	inputPaths map[int]derivation.Path) (string, error) {

	if err := m.state.canSign(); err != nil {
		return "", err
	}

	record, secret, err := m.signingContext()
	if err != nil {
		return "", err
	}

	if record.Kind == KindHardware {
		adapter, err := m.hardwareAdapter(ctx, record.Hardware)
		if err != nil {
			return "", err
		}

		return adapter.SignPsbt(ctx, hardware.SignPsbtRequest{
			Format:        record.AddressFormat,
			PsbtHex:       psbtHex,
			InputPaths:    inputPaths,
			UsePassphrase: record.Hardware.UsePassphrase,
		})
	}

	rawTx, err := m.signSoftwarePsbt(record, secret, psbtHex, inputPaths)
	if err != nil {
		return "", err
	}

	m.touchActivity()

	return rawTx, nil
}

// signingContext snapshots the selected wallet record and its decrypted
// secret under the keychain mutex, so signing itself runs without holding
// it.
func (m *Manager) signingContext() (*WalletRecord, *walletSecret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, _, err := m.selectedWalletLocked()
	if err != nil {
		return nil, nil, err
	}

	secret, err := m.walletSecretLocked(record)
	if err != nil {
		return nil, nil, err
	}

	snapshot := *record

	return &snapshot, secret, nil
}

// privKeyAtIndex derives the private key at the external address index of a
// software wallet.
func (m *Manager) privKeyAtIndex(record *WalletRecord, secret *walletSecret,
	index uint32) (*btcec.PrivateKey, error) {

	switch record.Kind {
	case KindMnemonic:
		path, err := derivation.BIP44Path(
			record.AddressFormat, m.coinType(), 0,
			derivation.ExternalChain, index,
		)
		if err != nil {
			return nil, err
		}

		seed := bip39.NewSeed(secret.Mnemonic, "")
		defer zero(seed)

		return privKeyAtPath(seed, path, m.chainParams())

	case KindPrivateKey:
		if index != 0 {
			return nil, fmt.Errorf("%w: single key wallets have "+
				"one address", ErrAddressNotFound)
		}

		return parsePrivateKey(secret.PrivateKey, m.chainParams())

	default:
		return nil, ErrHardwareWallet
	}
}

// privKeyAtPath derives the private key at an absolute derivation path from
// a BIP-39 seed.
func privKeyAtPath(seed []byte, path derivation.Path,
	params *chaincfg.Params) (*btcec.PrivateKey, error) {

	key, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("unable to derive master key: %w", err)
	}
	defer key.Zero()

	for _, component := range path {
		key, err = key.Derive(component)
		if err != nil {
			return nil, fmt.Errorf("unable to derive key at "+
				"%s: %w", path.String(), err)
		}
	}

	return key.ECPrivKey()
}

// signSoftwareTx builds and signs a transaction from the normalized request
// with locally derived keys, returning the serialized raw transaction hex.
func (m *Manager) signSoftwareTx(record *WalletRecord, secret *walletSecret,
	req hardware.SignTxRequest) (string, error) {

	if len(req.Inputs) == 0 {
		return "", fmt.Errorf("transaction has no inputs")
	}

	params := m.chainParams()
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.LockTime = req.LockTime

	// Assemble inputs, the per-input keys and the previous output
	// scripts the signature hashes commit to.
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(req.Inputs))
	keys := make([]*btcec.PrivateKey, 0, len(req.Inputs))
	defer func() {
		for _, key := range keys {
			key.Zero()
		}
	}()

	for i, input := range req.Inputs {
		if len(input.Path) == 0 {
			return "", fmt.Errorf("input %d has no derivation "+
				"path", i)
		}

		txid, err := chainhash.NewHashFromStr(input.TxID)
		if err != nil {
			return "", fmt.Errorf("input %d: invalid txid: %w",
				i, err)
		}

		privKey, err := m.inputPrivKey(record, secret, input.Path)
		if err != nil {
			return "", err
		}
		keys = append(keys, privKey)

		addr, err := addressForPubKey(
			privKey.PubKey(), req.Format, params,
		)
		if err != nil {
			return "", err
		}

		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return "", err
		}

		outpoint := wire.NewOutPoint(txid, input.Vout)
		prevOuts[*outpoint] = wire.NewTxOut(input.Value, pkScript)
		tx.AddTxIn(wire.NewTxIn(outpoint, nil, nil))
	}

	for i, output := range req.Outputs {
		script, err := m.outputScript(output, record, secret, params)
		if err != nil {
			return "", fmt.Errorf("output %d: %w", i, err)
		}

		tx.AddTxOut(wire.NewTxOut(output.Value, script))
	}

	if err := m.signInputs(tx, prevOuts, keys, req.Format); err != nil {
		return "", err
	}

	log.Tracef("Signed transaction %v: %v", tx.TxHash(),
		spew.Sdump(tx))

	return serializeTx(tx)
}

// inputPrivKey derives the key controlling one input from its full path.
func (m *Manager) inputPrivKey(record *WalletRecord, secret *walletSecret,
	path derivation.Path) (*btcec.PrivateKey, error) {

	switch record.Kind {
	case KindMnemonic:
		seed := bip39.NewSeed(secret.Mnemonic, "")
		defer zero(seed)

		return privKeyAtPath(seed, path, m.chainParams())

	case KindPrivateKey:
		return parsePrivateKey(secret.PrivateKey, m.chainParams())

	default:
		return nil, ErrHardwareWallet
	}
}

// outputScript builds the output script for a normalized output: a payee
// address, a locally derived change address or an OP_RETURN data carrier.
func (m *Manager) outputScript(output hardware.TxOutput,
	record *WalletRecord, secret *walletSecret,
	params *chaincfg.Params) ([]byte, error) {

	switch {
	case output.OpReturnData != nil:
		return txscript.NullDataScript(output.OpReturnData)

	case output.Change:
		privKey, err := m.inputPrivKey(
			record, secret, output.ChangePath,
		)
		if err != nil {
			return nil, err
		}
		defer privKey.Zero()

		addr, err := addressForPubKey(
			privKey.PubKey(), record.AddressFormat, params,
		)
		if err != nil {
			return nil, err
		}

		return txscript.PayToAddrScript(addr)

	default:
		addr, err := btcutil.DecodeAddress(output.Address, params)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w",
				output.Address, err)
		}

		return txscript.PayToAddrScript(addr)
	}
}

// signInputs signs every input of the transaction in place. prevOuts must
// hold the previous output for every input.
func (m *Manager) signInputs(tx *wire.MsgTx,
	prevOuts map[wire.OutPoint]*wire.TxOut, keys []*btcec.PrivateKey,
	format derivation.AddressFormat) error {

	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	params := m.chainParams()

	for i, txIn := range tx.TxIn {
		prevOut, ok := prevOuts[txIn.PreviousOutPoint]
		if !ok {
			return fmt.Errorf("input %d has no previous output", i)
		}

		privKey := keys[i]

		switch format {
		case derivation.FormatLegacy:
			sigScript, err := txscript.SignatureScript(
				tx, i, prevOut.PkScript, txscript.SigHashAll,
				privKey, true,
			)
			if err != nil {
				return fmt.Errorf("unable to sign input "+
					"%d: %w", i, err)
			}
			txIn.SignatureScript = sigScript

		case derivation.FormatNativeSegWit:
			witness, err := txscript.WitnessSignature(
				tx, sigHashes, i, prevOut.Value,
				prevOut.PkScript, txscript.SigHashAll,
				privKey, true,
			)
			if err != nil {
				return fmt.Errorf("unable to sign input "+
					"%d: %w", i, err)
			}
			txIn.Witness = witness

		case derivation.FormatNestedSegWit:
			// The witness commits to the embedded P2WPKH redeem
			// script; the signature script pushes that script to
			// satisfy the outer P2SH.
			pubKeyHash := btcutil.Hash160(
				privKey.PubKey().SerializeCompressed(),
			)
			witnessAddr, err := btcutil.NewAddressWitnessPubKeyHash(
				pubKeyHash, params,
			)
			if err != nil {
				return err
			}

			redeemScript, err := txscript.PayToAddrScript(
				witnessAddr,
			)
			if err != nil {
				return err
			}

			witness, err := txscript.WitnessSignature(
				tx, sigHashes, i, prevOut.Value, redeemScript,
				txscript.SigHashAll, privKey, true,
			)
			if err != nil {
				return fmt.Errorf("unable to sign input "+
					"%d: %w", i, err)
			}
			txIn.Witness = witness

			builder := txscript.NewScriptBuilder()
			builder.AddData(redeemScript)
			sigScript, err := builder.Script()
			if err != nil {
				return err
			}
			txIn.SignatureScript = sigScript

		case derivation.FormatTaproot:
			witness, err := txscript.TaprootWitnessSignature(
				tx, sigHashes, i, prevOut.Value,
				prevOut.PkScript, txscript.SigHashDefault,
				privKey,
			)
			if err != nil {
				return fmt.Errorf("unable to sign input "+
					"%d: %w", i, err)
			}
			txIn.Witness = witness

		default:
			return fmt.Errorf("%w: %v",
				derivation.ErrUnknownFormat, format)
		}
	}

	return nil
}

// signSoftwarePsbt signs and finalizes a PSBT with locally derived keys,
// returning the extracted raw transaction hex.
func (m *Manager) signSoftwarePsbt(record *WalletRecord,
	secret *walletSecret, psbtHex string,
	inputPaths map[int]derivation.Path) (string, error) {

	raw, err := hex.DecodeString(psbtHex)
	if err != nil {
		return "", fmt.Errorf("invalid psbt hex: %w", err)
	}

	packet, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	if err != nil {
		return "", fmt.Errorf("unable to parse psbt: %w", err)
	}

	if len(inputPaths) == 0 {
		return "", fmt.Errorf("no input paths provided")
	}

	tx := packet.UnsignedTx.Copy()

	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(tx.TxIn))
	keys := make([]*btcec.PrivateKey, 0, len(tx.TxIn))
	defer func() {
		for _, key := range keys {
			key.Zero()
		}
	}()

	for i, txIn := range tx.TxIn {
		path, ok := inputPaths[i]
		if !ok {
			return "", fmt.Errorf("input %d has no derivation "+
				"path", i)
		}

		privKey, err := m.inputPrivKey(record, secret, path)
		if err != nil {
			return "", err
		}
		keys = append(keys, privKey)

		prevOut, err := psbtPrevOut(packet, i)
		if err != nil {
			return "", err
		}

		prevOuts[txIn.PreviousOutPoint] = prevOut
	}

	err = m.signInputs(tx, prevOuts, keys, record.AddressFormat)
	if err != nil {
		return "", err
	}

	return serializeTx(tx)
}

// psbtPrevOut resolves the previous output of one PSBT input from its
// attached witness or non-witness UTXO.
func psbtPrevOut(packet *psbt.Packet, idx int) (*wire.TxOut, error) {
	pInput := packet.Inputs[idx]

	switch {
	case pInput.WitnessUtxo != nil:
		return pInput.WitnessUtxo, nil

	case pInput.NonWitnessUtxo != nil:
		vout := packet.UnsignedTx.TxIn[idx].PreviousOutPoint.Index
		prevOuts := pInput.NonWitnessUtxo.TxOut
		if int(vout) >= len(prevOuts) {
			return nil, fmt.Errorf("input %d references missing "+
				"output %d", idx, vout)
		}

		return prevOuts[vout], nil

	default:
		return nil, fmt.Errorf("input %d carries no utxo", idx)
	}
}

// serializeTx serializes a signed transaction to hex.
func serializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("unable to serialize transaction: %w",
			err)
	}

	return hex.EncodeToString(buf.Bytes()), nil
}
