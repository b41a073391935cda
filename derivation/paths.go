// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package derivation provides pure, stateless utilities for constructing,
// validating and converting BIP-44 style hierarchical deterministic key
// derivation paths.
package derivation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// HardenedKeyStart is the index at which a hardened key starts. Path
	// components at or above this value require the parent private key to
	// derive.
	HardenedKeyStart uint32 = 0x80000000

	// MaxComponentValue is the largest value a path component may carry
	// before the hardened bit is applied.
	MaxComponentValue uint32 = HardenedKeyStart - 1

	// CoinTypeMainnet is the SLIP-44 coin type for Bitcoin mainnet.
	CoinTypeMainnet uint32 = 0

	// CoinTypeTestnet is the SLIP-44 coin type for Bitcoin testnet.
	CoinTypeTestnet uint32 = 1

	// ExternalChain is the BIP-44 change value for receive addresses.
	ExternalChain uint32 = 0

	// InternalChain is the BIP-44 change value for change addresses.
	InternalChain uint32 = 1
)

var (
	// ErrUnknownFormat is returned when an address format is not one of
	// the supported values.
	ErrUnknownFormat = errors.New("unknown address format")

	// ErrComponentOutOfRange is returned when a path component exceeds
	// the valid non-hardened range.
	ErrComponentOutOfRange = errors.New("path component out of range")

	// ErrInvalidAccountPath is returned by ParseAccountPath when the input
	// string does not conform to the strict account path shape.
	ErrInvalidAccountPath = errors.New("invalid account path")
)

// AddressFormat identifies the script encoding used for addresses derived
// under a wallet.
type AddressFormat uint8

const (
	// FormatLegacy is a pay-to-pubkey-hash (P2PKH) address.
	FormatLegacy AddressFormat = iota

	// FormatNestedSegWit is a P2WPKH output nested in P2SH.
	FormatNestedSegWit

	// FormatNativeSegWit is a native SegWit v0 P2WPKH address.
	FormatNativeSegWit

	// FormatTaproot is a SegWit v1 P2TR address.
	FormatTaproot
)

// String returns the human readable name of the address format.
func (f AddressFormat) String() string {
	switch f {
	case FormatLegacy:
		return "legacy"

	case FormatNestedSegWit:
		return "nested-segwit"

	case FormatNativeSegWit:
		return "native-segwit"

	case FormatTaproot:
		return "taproot"

	default:
		return fmt.Sprintf("unknown<%d>", uint8(f))
	}
}

// Valid returns true if the format is one of the supported values.
func (f AddressFormat) Valid() bool {
	switch f {
	case FormatLegacy, FormatNestedSegWit, FormatNativeSegWit,
		FormatTaproot:

		return true
	default:
		return false
	}
}

// ParseAddressFormat converts the string name of an address format back into
// its typed value.
func ParseAddressFormat(s string) (AddressFormat, error) {
	switch s {
	case "legacy":
		return FormatLegacy, nil

	case "nested-segwit":
		return FormatNestedSegWit, nil

	case "native-segwit":
		return FormatNativeSegWit, nil

	case "taproot":
		return FormatTaproot, nil

	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// Purpose returns the BIP-43 purpose field associated with an address
// format: 44 for legacy, 49 for nested SegWit, 84 for native SegWit and 86
// for taproot.
func Purpose(format AddressFormat) (uint32, error) {
	switch format {
	case FormatLegacy:
		return 44, nil

	case FormatNestedSegWit:
		return 49, nil

	case FormatNativeSegWit:
		return 84, nil

	case FormatTaproot:
		return 86, nil

	default:
		return 0, fmt.Errorf("%w: %v", ErrUnknownFormat, format)
	}
}

// Path is the computer friendly representation of a hierarchical
// deterministic derivation path. Hardened components carry the
// HardenedKeyStart bit.
type Path []uint32

// BIP44Path constructs a full five component BIP-44 derivation path for the
// given address format, account, change branch and address index. The
// purpose, coin type and account components are hardened. Every component is
// validated against the non-hardened range before the hardened bit is
// applied.
func BIP44Path(format AddressFormat, coinType, account, change,
	index uint32) (Path, error) {

	purpose, err := Purpose(format)
	if err != nil {
		return nil, err
	}

	for _, v := range []uint32{coinType, account, change, index} {
		if v > MaxComponentValue {
			return nil, fmt.Errorf("%w: %d", ErrComponentOutOfRange,
				v)
		}
	}

	return Path{
		purpose + HardenedKeyStart,
		coinType + HardenedKeyStart,
		account + HardenedKeyStart,
		change,
		index,
	}, nil
}

// Child returns a copy of the path with the given change and index components
// appended.
func (p Path) Child(change, index uint32) Path {
	child := make(Path, len(p), len(p)+2)
	copy(child, p)

	return append(child, change, index)
}

// String converts the binary derivation path to its canonical textual
// representation, using the apostrophe hardening marker.
func (p Path) String() string {
	var b strings.Builder
	b.WriteString("m")

	for _, component := range p {
		b.WriteString("/")

		if component >= HardenedKeyStart {
			b.WriteString(strconv.FormatUint(
				uint64(component-HardenedKeyStart), 10,
			))
			b.WriteString("'")

			continue
		}

		b.WriteString(strconv.FormatUint(uint64(component), 10))
	}

	return b.String()
}

// ParsePath converts a textual derivation path into its binary
// representation. The path must be absolute (start with "m/") and may use
// either the apostrophe or the "h" suffix to mark hardened components.
// ParsePath and Path.String are exact inverses for any valid path.
func ParsePath(s string) (Path, error) {
	components := strings.Split(s, "/")
	if len(components) < 2 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAccountPath, s)
	}

	if components[0] != "m" {
		return nil, fmt.Errorf("%w: missing m/ prefix in %q",
			ErrInvalidAccountPath, s)
	}

	path := make(Path, 0, len(components)-1)
	for _, component := range components[1:] {
		value, err := parseComponent(component)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v",
				ErrInvalidAccountPath, s, err)
		}

		path = append(path, value)
	}

	return path, nil
}

// parseComponent parses a single path component, applying the hardened bit
// when the component carries an apostrophe or "h" suffix.
func parseComponent(component string) (uint32, error) {
	if component == "" {
		return 0, errors.New("empty component")
	}

	var hardened bool
	switch {
	case strings.HasSuffix(component, "'"):
		hardened = true
		component = strings.TrimSuffix(component, "'")

	case strings.HasSuffix(component, "h"):
		hardened = true
		component = strings.TrimSuffix(component, "h")
	}

	value, err := strconv.ParseUint(component, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid component %q", component)
	}

	if uint32(value) > MaxComponentValue {
		return 0, fmt.Errorf("component %d out of range", value)
	}

	if hardened {
		return uint32(value) + HardenedKeyStart, nil
	}

	return uint32(value), nil
}

// AccountPath is the structured result of parsing a strict BIP-44 account
// path of the shape m/purpose'/coin'/account'[/change/index].
type AccountPath struct {
	// Purpose is the un-hardened BIP-43 purpose (44, 49, 84 or 86).
	Purpose uint32

	// CoinType is the un-hardened SLIP-44 coin type (0 or 1).
	CoinType uint32

	// Account is the un-hardened account number.
	Account uint32

	// Change and Index hold the optional non-hardened tail. They are only
	// meaningful when HasTail is true.
	Change uint32
	Index  uint32

	// HasTail reports whether the change and index components were
	// present.
	HasTail bool
}

// Format returns the address format implied by the purpose field of the
// account path.
func (a *AccountPath) Format() (AddressFormat, error) {
	switch a.Purpose {
	case 44:
		return FormatLegacy, nil

	case 49:
		return FormatNestedSegWit, nil

	case 84:
		return FormatNativeSegWit, nil

	case 86:
		return FormatTaproot, nil

	default:
		return 0, fmt.Errorf("%w: purpose %d", ErrUnknownFormat,
			a.Purpose)
	}
}

// ParseAccountPath validates that the given string is a strict BIP-44
// account path of the shape m/purpose'/coin'/account'[/change/index]. The
// first three components must be hardened, the purpose must be one of 44,
// 49, 84 or 86, and the coin type must be 0 (mainnet) or 1 (testnet). The
// optional change/index tail must be non-hardened. A descriptive error is
// returned for any malformed input; the function never panics.
func ParseAccountPath(s string) (*AccountPath, error) {
	path, err := ParsePath(s)
	if err != nil {
		return nil, err
	}

	if len(path) != 3 && len(path) != 5 {
		return nil, fmt.Errorf("%w: want 3 or 5 components, got %d",
			ErrInvalidAccountPath, len(path))
	}

	// The first three components must carry the hardened bit.
	for i := 0; i < 3; i++ {
		if path[i] < HardenedKeyStart {
			return nil, fmt.Errorf("%w: component %d must be "+
				"hardened", ErrInvalidAccountPath, i)
		}
	}

	result := &AccountPath{
		Purpose:  path[0] - HardenedKeyStart,
		CoinType: path[1] - HardenedKeyStart,
		Account:  path[2] - HardenedKeyStart,
	}

	switch result.Purpose {
	case 44, 49, 84, 86:
	default:
		return nil, fmt.Errorf("%w: unknown purpose %d",
			ErrInvalidAccountPath, result.Purpose)
	}

	switch result.CoinType {
	case CoinTypeMainnet, CoinTypeTestnet:
	default:
		return nil, fmt.Errorf("%w: invalid coin type %d",
			ErrInvalidAccountPath, result.CoinType)
	}

	if len(path) == 5 {
		// The change/index tail must be non-hardened.
		if path[3] >= HardenedKeyStart || path[4] >= HardenedKeyStart {
			return nil, fmt.Errorf("%w: change/index must not be "+
				"hardened", ErrInvalidAccountPath)
		}

		result.Change = path[3]
		result.Index = path[4]
		result.HasTail = true
	}

	return result, nil
}
