// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package hardware

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/keysuite/keyvault/derivation"
)

// Feature names a device capability that is gated on a minimum firmware
// version.
type Feature string

const (
	// FeatureTaproot is SegWit v1 (P2TR) address derivation and signing.
	FeatureTaproot Feature = "taproot"
)

// firmwareMinimums maps vendor and feature to the minimum firmware (or
// vendor app) version supporting it.
var firmwareMinimums = map[Vendor]map[Feature]string{
	VendorTrezor: {
		FeatureTaproot: "2.4.3",
	},
	VendorLedger: {
		FeatureTaproot: "2.1.0",
	},
}

// ValidateFirmwareForFeature checks whether the given firmware version
// supports the feature on the given vendor. Versions are compared field by
// field as dotted integers. An empty firmware version means the device has
// not been queried yet; in that case the feature is rejected rather than
// optimistically allowed.
func ValidateFirmwareForFeature(vendor Vendor, feature Feature,
	firmwareVersion string) error {

	if firmwareVersion == "" {
		return &Error{
			Code:   CodeFirmwareUpdateRequired,
			Vendor: vendor,
			Msg: fmt.Sprintf("unable to determine firmware "+
				"version for %s support", feature),
			UserMsg: "Unable to determine your device's firmware " +
				"version. Reconnect the device and try again.",
		}
	}

	minimums, ok := firmwareMinimums[vendor]
	if !ok {
		return NewError(vendor, CodeUnknownVendor,
			"no firmware requirements registered")
	}

	minimum, ok := minimums[feature]
	if !ok {
		// A feature without a registered minimum has no gate.
		return nil
	}

	newEnough, err := versionAtLeast(firmwareVersion, minimum)
	if err != nil {
		return &Error{
			Code:   CodeFirmwareUpdateRequired,
			Vendor: vendor,
			Msg: fmt.Sprintf("unparsable firmware version %q",
				firmwareVersion),
			Err: err,
		}
	}

	if !newEnough {
		return &Error{
			Code:   CodeFirmwareUpdateRequired,
			Vendor: vendor,
			Msg: fmt.Sprintf("firmware %s does not support %s "+
				"(requires %s)", firmwareVersion, feature,
				minimum),
			UserMsg: fmt.Sprintf("Your device firmware does not "+
				"support %s. Update to version %s or later.",
				feature, minimum),
		}
	}

	return nil
}

// RequiredFeatures returns the capability gates implied by an address
// format.
func RequiredFeatures(format derivation.AddressFormat) []Feature {
	if format == derivation.FormatTaproot {
		return []Feature{FeatureTaproot}
	}

	return nil
}

// versionAtLeast compares two dotted version strings field by field and
// reports whether got >= want. Missing trailing fields compare as zero.
func versionAtLeast(got, want string) (bool, error) {
	gotParts := strings.Split(got, ".")
	wantParts := strings.Split(want, ".")

	n := len(gotParts)
	if len(wantParts) > n {
		n = len(wantParts)
	}

	for i := 0; i < n; i++ {
		g, err := versionField(gotParts, i)
		if err != nil {
			return false, err
		}

		w, err := versionField(wantParts, i)
		if err != nil {
			return false, err
		}

		if g > w {
			return true, nil
		}
		if g < w {
			return false, nil
		}
	}

	return true, nil
}

// versionField parses the i-th field of a split version string, treating
// fields beyond the end as zero.
func versionField(parts []string, i int) (uint64, error) {
	if i >= len(parts) {
		return 0, nil
	}

	v, err := strconv.ParseUint(strings.TrimSpace(parts[i]), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid version field %q", parts[i])
	}

	return v, nil
}
