// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import "errors"

var (
	// ErrInvalidPassword is returned when keychain decryption fails. The
	// message is deliberately generic: wrong password and corrupt
	// ciphertext are indistinguishable to the caller.
	ErrInvalidPassword = errors.New("invalid password")

	// ErrNoKeychain is returned when no keychain record exists for the
	// profile.
	ErrNoKeychain = errors.New("no keychain exists")

	// ErrKeychainExists is returned when creating a keychain over an
	// existing record.
	ErrKeychainExists = errors.New("keychain already exists")

	// ErrWrongVersion is returned when a keychain record carries an
	// unsupported schema version.
	ErrWrongVersion = errors.New("unsupported keychain version")

	// ErrLocked is returned when an operation requires an unlocked
	// keychain.
	ErrLocked = errors.New("keychain is locked")

	// ErrNoWalletSelected is returned when a signing operation is
	// attempted without an active wallet.
	ErrNoWalletSelected = errors.New("no wallet selected")

	// ErrWalletNotFound is returned when the requested wallet id does not
	// exist in the keychain.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrAddressNotFound is returned when the requested address does not
	// belong to the active wallet.
	ErrAddressNotFound = errors.New("address not found")

	// ErrMaxWallets is returned when creating a wallet beyond MaxWallets.
	ErrMaxWallets = errors.New("maximum number of wallets reached")

	// ErrMaxAddresses is returned when adding an address beyond
	// MaxAddressesPerWallet.
	ErrMaxAddresses = errors.New("maximum number of addresses reached")

	// ErrDuplicateWallet is returned when the same key material and
	// address format is already present in the keychain.
	ErrDuplicateWallet = errors.New("wallet already exists")

	// ErrInvalidMnemonic is returned when a mnemonic fails BIP-39
	// checksum validation.
	ErrInvalidMnemonic = errors.New("invalid mnemonic")

	// ErrInvalidPrivateKey is returned when private key material cannot
	// be parsed.
	ErrInvalidPrivateKey = errors.New("invalid private key")

	// ErrMalformedSecret is returned when a decrypted secret payload does
	// not match its declared wallet kind.
	ErrMalformedSecret = errors.New("malformed wallet secret")

	// ErrHardwareWallet is returned when a software-only operation is
	// attempted on a hardware wallet record.
	ErrHardwareWallet = errors.New("operation requires local key material")

	// ErrStateForbidden is returned when an operation cannot be performed
	// in the manager's current lifecycle state.
	ErrStateForbidden = errors.New("operation forbidden in current state")

	// ErrAlreadyStarted is returned when Start is called on a running
	// manager.
	ErrAlreadyStarted = errors.New("manager already started")

	// ErrShuttingDown is returned when a request races manager shutdown.
	ErrShuttingDown = errors.New("manager shutting down")
)
