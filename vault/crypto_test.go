// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCipherRoundTrip(t *testing.T) {
	t.Parallel()

	cipher := NewCipher()
	deriver := NewKeyDeriver()

	salt, err := newSalt()
	require.NoError(t, err)
	require.Len(t, salt, saltSize)

	key := deriver.DeriveKey([]byte("password"), salt, testIterations)
	require.Len(t, key, masterKeySize)

	plaintext := []byte("the keychain payload")
	ciphertext, err := cipher.Encrypt(plaintext, key)
	require.NoError(t, err)

	got, err := cipher.Decrypt(ciphertext, key)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)

	// A wrong key must fail to open.
	otherKey := deriver.DeriveKey([]byte("other"), salt, testIterations)
	_, err = cipher.Decrypt(ciphertext, otherKey)
	require.Error(t, err)

	// So must a tampered ciphertext.
	ciphertext[len(ciphertext)-1] ^= 0x01
	_, err = cipher.Decrypt(ciphertext, key)
	require.Error(t, err)
}

func TestCipherNonceUnique(t *testing.T) {
	t.Parallel()

	cipher := NewCipher()
	key := make([]byte, masterKeySize)

	first, err := cipher.Encrypt([]byte("same input"), key)
	require.NoError(t, err)
	second, err := cipher.Encrypt([]byte("same input"), key)
	require.NoError(t, err)

	// Random nonces: equal plaintexts never seal identically.
	require.NotEqual(t, first, second)
}

func TestKeyDeriverDeterministic(t *testing.T) {
	t.Parallel()

	deriver := NewKeyDeriver()
	salt, err := newSalt()
	require.NoError(t, err)

	first := deriver.DeriveKey([]byte("pw"), salt, testIterations)
	second := deriver.DeriveKey([]byte("pw"), salt, testIterations)
	require.Equal(t, first, second)

	otherSalt, err := newSalt()
	require.NoError(t, err)
	third := deriver.DeriveKey([]byte("pw"), otherSalt, testIterations)
	require.NotEqual(t, first, third)
}

func TestMemSessionStoreClear(t *testing.T) {
	t.Parallel()

	s := NewMemSessionStore()

	s.SetMasterKey([]byte{1, 2, 3})
	s.SetSecret("wallet-a", []byte("secret"))
	s.SetActiveWallet("wallet-a")

	key, ok := s.MasterKey()
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3}, key)

	// Returned slices are copies; mutating them must not reach the
	// store.
	key[0] = 0xff
	key2, _ := s.MasterKey()
	require.Equal(t, []byte{1, 2, 3}, key2)

	s.Clear()

	_, ok = s.MasterKey()
	require.False(t, ok)
	_, ok = s.Secret("wallet-a")
	require.False(t, ok)
	require.Empty(t, s.ActiveWallet())
}

func TestKeychainCodec(t *testing.T) {
	t.Parallel()

	k := &Keychain{
		Version: KeychainVersion,
		Wallets: []*WalletRecord{{
			ID:              "abc123",
			Name:            "Wallet 1",
			Kind:            KindMnemonic,
			EncryptedSecret: "c2VhbGVk",
		}},
		Settings: Settings{AutoLockSeconds: 60},
	}

	raw, err := encodeKeychain(k)
	require.NoError(t, err)

	got, err := decodeKeychain(raw)
	require.NoError(t, err)
	require.Equal(t, k.Settings, got.Settings)
	require.Len(t, got.Wallets, 1)

	// Unsupported schema versions are rejected at the boundary.
	k.Version = KeychainVersion + 1
	raw, err = encodeKeychain(k)
	require.NoError(t, err)
	_, err = decodeKeychain(raw)
	require.ErrorIs(t, err, ErrWrongVersion)
}

func TestWalletRecordValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		record WalletRecord
		valid  bool
	}{{
		name: "software with secret",
		record: WalletRecord{
			ID: "a", Kind: KindMnemonic, EncryptedSecret: "x",
		},
		valid: true,
	}, {
		name: "software without secret",
		record: WalletRecord{
			ID: "a", Kind: KindMnemonic,
		},
		valid: false,
	}, {
		name: "hardware with secret",
		record: WalletRecord{
			ID: "a", Kind: KindHardware, EncryptedSecret: "x",
			Hardware: &HardwareMeta{Xpub: "xpub"},
		},
		valid: false,
	}, {
		name: "hardware with metadata only",
		record: WalletRecord{
			ID: "a", Kind: KindHardware,
			Hardware: &HardwareMeta{Xpub: "xpub"},
		},
		valid: true,
	}, {
		name: "hardware without metadata",
		record: WalletRecord{
			ID: "a", Kind: KindHardware,
		},
		valid: false,
	}, {
		name: "software with hardware metadata",
		record: WalletRecord{
			ID: "a", Kind: KindPrivateKey, EncryptedSecret: "x",
			Hardware: &HardwareMeta{Xpub: "xpub"},
		},
		valid: false,
	}}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := tc.record.validate()
			if tc.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestWalletSecretCodec(t *testing.T) {
	t.Parallel()

	raw, err := encodeWalletSecret(&walletSecret{
		Kind:     KindMnemonic,
		Mnemonic: testMnemonic,
	})
	require.NoError(t, err)

	got, err := decodeWalletSecret(raw, KindMnemonic)
	require.NoError(t, err)
	require.Equal(t, testMnemonic, got.Mnemonic)

	// A kind mismatch is rejected.
	_, err = decodeWalletSecret(raw, KindPrivateKey)
	require.ErrorIs(t, err, ErrMalformedSecret)

	// An empty payload for the declared kind is rejected.
	raw, err = encodeWalletSecret(&walletSecret{Kind: KindMnemonic})
	require.NoError(t, err)
	_, err = decodeWalletSecret(raw, KindMnemonic)
	require.ErrorIs(t, err, ErrMalformedSecret)
}
