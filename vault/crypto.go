// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultKDFIterations is the PBKDF2 iteration count used for newly
	// created keychains. Existing records keep the count they were
	// created with.
	DefaultKDFIterations = 600_000

	// saltSize is the size of the random KDF salt in bytes.
	saltSize = 32

	// masterKeySize is the derived master key size in bytes.
	masterKeySize = chacha20poly1305.KeySize
)

// KeyDeriver turns a password and salt into a symmetric master key. The
// derivation parameters are stored in the keychain record so the same key can
// be re-derived on unlock.
type KeyDeriver interface {
	// DeriveKey derives a master key from the password.
	DeriveKey(password, salt []byte, iterations int) []byte
}

// Cipher is the AEAD boundary used to protect the keychain and per-wallet
// secrets. Decrypt must fail on any tampering or wrong-key input; the caller
// maps that failure to ErrInvalidPassword without inspecting it further.
type Cipher interface {
	// Encrypt seals plaintext under key.
	Encrypt(plaintext, key []byte) ([]byte, error)

	// Decrypt opens ciphertext under key.
	Decrypt(ciphertext, key []byte) ([]byte, error)
}

// pbkdf2Deriver is the default KeyDeriver, PBKDF2-SHA256.
type pbkdf2Deriver struct{}

// NewKeyDeriver returns the default PBKDF2-SHA256 key deriver.
func NewKeyDeriver() KeyDeriver {
	return pbkdf2Deriver{}
}

// DeriveKey derives a master key from the password.
func (pbkdf2Deriver) DeriveKey(password, salt []byte, iterations int) []byte {
	return pbkdf2.Key(password, salt, iterations, masterKeySize, sha256.New)
}

// xchachaCipher is the default Cipher, XChaCha20-Poly1305 with a random
// nonce prepended to the ciphertext.
type xchachaCipher struct{}

// NewCipher returns the default XChaCha20-Poly1305 cipher.
func NewCipher() Cipher {
	return xchachaCipher{}
}

// Encrypt seals plaintext under key.
func (xchachaCipher) Encrypt(plaintext, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("unable to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("unable to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext under key.
func (xchachaCipher) Decrypt(ciphertext, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("unable to create cipher: %w", err)
	}

	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce := ciphertext[:aead.NonceSize()]
	sealed := ciphertext[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to decrypt: %w", err)
	}

	return plaintext, nil
}

// newSalt generates a fresh random KDF salt.
func newSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("unable to generate salt: %w", err)
	}

	return salt, nil
}

// zero overwrites a byte slice with zeros. Best effort key hygiene; Go gives
// no guarantee about copies the runtime may have made.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// encodeBase64 encodes raw bytes to standard base64.
func encodeBase64(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// decodeBase64 decodes standard base64 text.
func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
