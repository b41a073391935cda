// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"bytes"
	"context"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/keysuite/keyvault/derivation"
	"github.com/keysuite/keyvault/hardware"
)

func TestSignMessage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := unlockedEnv(t)
	m := env.manager

	w, err := m.CreateMnemonicWallet(
		ctx, "", testMnemonic, derivation.FormatNativeSegWit,
	)
	require.NoError(t, err)

	const message = "keyvault ownership proof"

	sigB64, err := m.SignMessage(ctx, 0, message)
	require.NoError(t, err)

	sig, err := decodeBase64(sigB64)
	require.NoError(t, err)

	// The compact signature must recover to the public key behind the
	// wallet's first address.
	var buf bytes.Buffer
	require.NoError(t, wire.WriteVarString(
		&buf, 0, messageSignatureHeader,
	))
	require.NoError(t, wire.WriteVarString(&buf, 0, message))
	digest := chainhash.DoubleHashB(buf.Bytes())

	pubKey, compressed, err := ecdsa.RecoverCompact(sig, digest)
	require.NoError(t, err)
	require.True(t, compressed)

	require.Equal(
		t, w.Addresses[0].PubKeyHex,
		hex.EncodeToString(pubKey.SerializeCompressed()),
	)
}

func TestSignMessageUnknownIndex(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := unlockedEnv(t)
	m := env.manager

	keyHex := hex.EncodeToString(bytes.Repeat([]byte{0x42}, 32))
	_, err := m.CreatePrivateKeyWallet(
		ctx, "", keyHex, derivation.FormatNativeSegWit,
	)
	require.NoError(t, err)

	// A single key wallet only signs at index 0.
	_, err = m.SignMessage(ctx, 1, "msg")
	require.ErrorIs(t, err, ErrAddressNotFound)
}

func TestSignTransaction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := unlockedEnv(t)
	m := env.manager

	w, err := m.CreateMnemonicWallet(
		ctx, "", testMnemonic, derivation.FormatNativeSegWit,
	)
	require.NoError(t, err)

	inputPath, err := derivation.ParsePath("m/84'/0'/0'/0/0")
	require.NoError(t, err)
	changePath, err := derivation.ParsePath("m/84'/0'/0'/1/0")
	require.NoError(t, err)

	const inputValue = 100_000_000

	rawHex, err := m.SignTransaction(ctx, hardware.SignTxRequest{
		Format: derivation.FormatNativeSegWit,
		Inputs: []hardware.TxInput{{
			TxID: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" +
				"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			Vout:  1,
			Value: inputValue,
			Path:  inputPath,
		}},
		Outputs: []hardware.TxOutput{
			{
				Address: firstBIP44Address,
				Value:   50_000_000,
			},
			{
				Value:      49_990_000,
				Change:     true,
				ChangePath: changePath,
			},
			{
				Value:        0,
				OpReturnData: []byte("keyvault"),
			},
		},
		LockTime: 850_000,
	})
	require.NoError(t, err)

	raw, err := hex.DecodeString(rawHex)
	require.NoError(t, err)

	var tx wire.MsgTx
	require.NoError(t, tx.Deserialize(bytes.NewReader(raw)))

	require.Len(t, tx.TxIn, 1)
	require.Len(t, tx.TxOut, 3)
	require.EqualValues(t, 850_000, tx.LockTime)
	require.NotEmpty(t, tx.TxIn[0].Witness)

	// The input must satisfy the previous output script it spends.
	requireValidSpend(
		t, &tx, 0, w.Addresses[0].Address, inputValue,
	)
}

// requireValidSpend executes the script engine over one input against the
// previous output paying to the given address.
func requireValidSpend(t *testing.T, tx *wire.MsgTx, idx int, prevAddr string,
	prevValue int64) {

	t.Helper()

	addr, err := btcutil.DecodeAddress(
		prevAddr, &chaincfg.MainNetParams,
	)
	require.NoError(t, err)

	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	prevOut := wire.NewTxOut(prevValue, pkScript)
	fetcher := txscript.NewCannedPrevOutputFetcher(
		pkScript, prevValue,
	)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	vm, err := txscript.NewEngine(
		prevOut.PkScript, tx, idx, txscript.StandardVerifyFlags,
		nil, sigHashes, prevValue, fetcher,
	)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())
}

func TestSignPsbt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := unlockedEnv(t)
	m := env.manager

	w, err := m.CreateMnemonicWallet(
		ctx, "", testMnemonic, derivation.FormatNativeSegWit,
	)
	require.NoError(t, err)

	inputPath, err := derivation.ParsePath("m/84'/0'/0'/0/0")
	require.NoError(t, err)

	// Build an unsigned spend of the wallet's first address.
	addr, err := btcutil.DecodeAddress(
		w.Addresses[0].Address, &chaincfg.MainNetParams,
	)
	require.NoError(t, err)
	prevPkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	const inputValue = 25_000_000

	var prevTxID chainhash.Hash
	prevTxID[0] = 0xbb

	unsigned := wire.NewMsgTx(wire.TxVersion)
	unsigned.AddTxIn(wire.NewTxIn(
		wire.NewOutPoint(&prevTxID, 0), nil, nil,
	))

	payee, err := btcutil.DecodeAddress(
		firstBIP44Address, &chaincfg.MainNetParams,
	)
	require.NoError(t, err)
	payeeScript, err := txscript.PayToAddrScript(payee)
	require.NoError(t, err)
	unsigned.AddTxOut(wire.NewTxOut(24_990_000, payeeScript))

	packet, err := psbt.NewFromUnsignedTx(unsigned)
	require.NoError(t, err)
	packet.Inputs[0].WitnessUtxo = wire.NewTxOut(
		inputValue, prevPkScript,
	)

	var psbtBuf bytes.Buffer
	require.NoError(t, packet.Serialize(&psbtBuf))

	rawHex, err := m.SignPsbt(
		ctx, hex.EncodeToString(psbtBuf.Bytes()),
		map[int]derivation.Path{0: inputPath},
	)
	require.NoError(t, err)

	raw, err := hex.DecodeString(rawHex)
	require.NoError(t, err)

	var tx wire.MsgTx
	require.NoError(t, tx.Deserialize(bytes.NewReader(raw)))

	requireValidSpend(t, &tx, 0, w.Addresses[0].Address, inputValue)
}

func TestSignPsbtMissingPath(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := unlockedEnv(t)
	m := env.manager

	_, err := m.CreateMnemonicWallet(
		ctx, "", testMnemonic, derivation.FormatNativeSegWit,
	)
	require.NoError(t, err)

	_, err = m.SignPsbt(ctx, "deadbeef", nil)
	require.Error(t, err)
}

func TestSignTaprootTransaction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := unlockedEnv(t)
	m := env.manager

	w, err := m.CreateMnemonicWallet(
		ctx, "", testMnemonic, derivation.FormatTaproot,
	)
	require.NoError(t, err)

	inputPath, err := derivation.ParsePath("m/86'/0'/0'/0/0")
	require.NoError(t, err)

	const inputValue = 10_000_000

	rawHex, err := m.SignTransaction(ctx, hardware.SignTxRequest{
		Format: derivation.FormatTaproot,
		Inputs: []hardware.TxInput{{
			TxID: "cccccccccccccccccccccccccccccccc" +
				"cccccccccccccccccccccccccccccccc",
			Vout:  0,
			Value: inputValue,
			Path:  inputPath,
		}},
		Outputs: []hardware.TxOutput{{
			Address: firstBIP44Address,
			Value:   9_990_000,
		}},
	})
	require.NoError(t, err)

	raw, err := hex.DecodeString(rawHex)
	require.NoError(t, err)

	var tx wire.MsgTx
	require.NoError(t, tx.Deserialize(bytes.NewReader(raw)))

	// Taproot key spends carry a single 64 byte schnorr signature.
	require.Len(t, tx.TxIn[0].Witness, 1)
	require.Len(t, tx.TxIn[0].Witness[0], 64)

	requireValidSpend(t, &tx, 0, w.Addresses[0].Address, inputValue)
}
