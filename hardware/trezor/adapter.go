// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package trezor

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/keysuite/keyvault/derivation"
	"github.com/keysuite/keyvault/hardware"
)

// Adapter normalizes a Trezor device to the vendor agnostic
// hardware.Adapter contract.
//
// The adapter moves through the states Uninitialized -> Initialized ->
// Connecting -> Connected, falling to Error on a failed connection attempt.
// Dispose aborts all pending operations and returns to Uninitialized. A
// single mutex serializes device access: the physical device cannot process
// concurrent requests.
type Adapter struct {
	// deviceMu serializes all device round-trips.
	deviceMu sync.Mutex

	// mu guards the adapter state fields below.
	mu          sync.Mutex
	device      Device
	status      hardware.ConnectionStatus
	initialized bool
	testnet     bool
	timeout     time.Duration

	// firmware is the dotted firmware version, empty until the feature
	// report has been queried.
	firmware string
	features *Features

	ops     *hardware.OperationManager
	decoder hardware.PsbtDecoder
}

// A compile time check to ensure Adapter implements the contract.
var _ hardware.Adapter = (*Adapter)(nil)

// NewAdapter creates a Trezor adapter around the given device boundary. The
// operation manager and PSBT decoder are shared with the rest of the
// hardware layer.
func NewAdapter(device Device, ops *hardware.OperationManager,
	decoder hardware.PsbtDecoder) *Adapter {

	return &Adapter{
		device:  device,
		status:  hardware.StatusDisconnected,
		timeout: hardware.DefaultOperationTimeout,
		ops:     ops,
		decoder: decoder,
	}
}

// wrapErr is the single classification point for this adapter. Every device
// failure passes through here exactly once.
func (a *Adapter) wrapErr(fallback hardware.ErrorCode, err error) error {
	return hardware.ClassifyErr(
		hardware.VendorTrezor, fallback,
		"Check your Trezor and try again.", err,
	)
}

// notInitialized returns the canonical not-initialized error.
func notInitialized() error {
	return hardware.NewError(
		hardware.VendorTrezor, hardware.CodeNotInitialized,
		"adapter not initialized",
	)
}

// Init prepares the adapter and establishes the device session.
func (a *Adapter) Init(ctx context.Context, opts hardware.InitOptions) error {
	a.mu.Lock()
	if a.initialized {
		a.mu.Unlock()
		return nil
	}

	a.testnet = opts.Testnet
	if opts.DefaultTimeout > 0 {
		a.timeout = opts.DefaultTimeout
	}
	a.status = hardware.StatusConnecting
	a.mu.Unlock()

	_, err := hardware.Execute(
		ctx, a.ops, hardware.VendorTrezor, "connect", a.timeout,
		func(ctx context.Context) (struct{}, error) {
			a.deviceMu.Lock()
			defer a.deviceMu.Unlock()

			return struct{}{}, a.device.Connect(ctx)
		},
	)
	if err != nil {
		a.mu.Lock()
		a.status = hardware.StatusError
		a.mu.Unlock()

		return a.wrapErr(hardware.CodeConnectFailed, err)
	}

	a.mu.Lock()
	a.status = hardware.StatusConnected
	a.initialized = true
	a.mu.Unlock()

	log.Infof("Trezor adapter initialized (testnet=%v)", opts.Testnet)

	// Watch for device disconnects so pending operations are aborted
	// promptly instead of waiting out their timeouts.
	go a.watchEvents()

	return nil
}

// watchEvents aborts pending operations when the device reports a
// disconnect.
func (a *Adapter) watchEvents() {
	for ev := range a.device.Events() {
		if ev.Connected {
			continue
		}

		a.mu.Lock()
		a.status = hardware.StatusDisconnected
		a.mu.Unlock()

		n := a.ops.AbortAll(
			hardware.VendorTrezor, "device disconnected",
		)

		log.Warnf("Trezor disconnected, aborted %d operations", n)
	}
}

// IsInitialized reports whether Init completed successfully.
func (a *Adapter) IsInitialized() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.initialized
}

// ConnectionStatus returns the current device link state.
func (a *Adapter) ConnectionStatus() hardware.ConnectionStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.status
}

// DeviceInfo returns the normalized device description. The feature report
// is queried on first use and cached; the cached firmware version also
// feeds the capability gate.
func (a *Adapter) DeviceInfo(ctx context.Context) (*hardware.DeviceInfo,
	error) {

	if !a.IsInitialized() {
		return nil, notInitialized()
	}

	features, err := a.cachedFeatures(ctx)
	if err != nil {
		return nil, err
	}

	return &hardware.DeviceInfo{
		Vendor:          hardware.VendorTrezor,
		Label:           features.Label,
		Model:           features.Model,
		FirmwareVersion: a.firmwareVersion(),
		Initialized:     features.Initialized,
	}, nil
}

// cachedFeatures returns the device feature report, querying the device
// only once.
func (a *Adapter) cachedFeatures(ctx context.Context) (*Features, error) {
	a.mu.Lock()
	cached := a.features
	a.mu.Unlock()

	if cached != nil {
		return cached, nil
	}

	features, err := hardware.Execute(
		ctx, a.ops, hardware.VendorTrezor, "features", a.timeout,
		func(ctx context.Context) (*Features, error) {
			a.deviceMu.Lock()
			defer a.deviceMu.Unlock()

			return a.device.Features(ctx)
		},
	)
	if err != nil {
		return nil, a.wrapErr(hardware.CodeDiscoveryFailed, err)
	}

	a.mu.Lock()
	a.features = features
	a.firmware = fmt.Sprintf("%d.%d.%d", features.MajorVersion,
		features.MinorVersion, features.PatchVersion)
	a.mu.Unlock()

	return features, nil
}

// firmwareVersion returns the cached firmware version, empty when the
// feature report has not been queried yet.
func (a *Adapter) firmwareVersion() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.firmware
}

// gateFormat rejects operations whose address format needs a firmware
// capability the device has not proven to have. An unqueried firmware
// version rejects rather than allows.
func (a *Adapter) gateFormat(format derivation.AddressFormat) error {
	for _, feature := range hardware.RequiredFeatures(format) {
		err := hardware.ValidateFirmwareForFeature(
			hardware.VendorTrezor, feature, a.firmwareVersion(),
		)
		if err != nil {
			return err
		}
	}

	return nil
}

// coinType returns the SLIP-44 coin type matching the adapter network.
func (a *Adapter) coinType() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.testnet {
		return derivation.CoinTypeTestnet
	}

	return derivation.CoinTypeMainnet
}

// isTestnet reports the network the adapter was initialized for.
func (a *Adapter) isTestnet() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.testnet
}

// addressPath builds the full derivation path for an address request.
func (a *Adapter) addressPath(req hardware.AddressRequest,
	index uint32) (derivation.Path, error) {

	return derivation.BIP44Path(
		req.Format, a.coinType(), req.Account,
		derivation.ExternalChain, index,
	)
}

// GetAddress derives and returns a single address.
func (a *Adapter) GetAddress(ctx context.Context,
	req hardware.AddressRequest) (string, error) {

	if !a.IsInitialized() {
		return "", notInitialized()
	}

	if err := a.gateFormat(req.Format); err != nil {
		return "", err
	}

	scriptType, err := hardware.InputScriptForFormat(req.Format)
	if err != nil {
		return "", a.wrapErr(hardware.CodeGetAddressFailed, err)
	}

	path, err := a.addressPath(req, req.Index)
	if err != nil {
		return "", a.wrapErr(hardware.CodeGetAddressFailed, err)
	}

	// Showing the address on the device needs user interaction, so the
	// extended confirmation timeout applies.
	timeout := a.timeout
	if req.ShowOnDevice || req.UsePassphrase {
		timeout = hardware.ConfirmOperationTimeout
	}

	addr, err := hardware.Execute(
		ctx, a.ops, hardware.VendorTrezor, "getAddress", timeout,
		func(ctx context.Context) (string, error) {
			a.deviceMu.Lock()
			defer a.deviceMu.Unlock()

			return a.device.GetAddress(
				ctx, path, scriptType, req.ShowOnDevice,
				req.UsePassphrase,
			)
		},
	)
	if err != nil {
		return "", a.wrapErr(hardware.CodeGetAddressFailed, err)
	}

	return addr, nil
}

// GetAddresses derives count consecutive external chain addresses starting
// at req.Index.
func (a *Adapter) GetAddresses(ctx context.Context,
	req hardware.AddressRequest, count uint32) ([]string, error) {

	addrs := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		next := req
		next.Index = req.Index + i
		next.ShowOnDevice = false

		addr, err := a.GetAddress(ctx, next)
		if err != nil {
			return nil, err
		}

		addrs = append(addrs, addr)
	}

	return addrs, nil
}

// GetXpub returns the account level extended public key.
func (a *Adapter) GetXpub(ctx context.Context,
	req hardware.XpubRequest) (string, error) {

	if !a.IsInitialized() {
		return "", notInitialized()
	}

	if err := a.gateFormat(req.Format); err != nil {
		return "", err
	}

	scriptType, err := hardware.InputScriptForFormat(req.Format)
	if err != nil {
		return "", a.wrapErr(hardware.CodeGetXpubFailed, err)
	}

	full, err := derivation.BIP44Path(
		req.Format, a.coinType(), req.Account, 0, 0,
	)
	if err != nil {
		return "", a.wrapErr(hardware.CodeGetXpubFailed, err)
	}
	accountPath := derivation.Path(full[:3])

	timeout := a.timeout
	if req.UsePassphrase {
		timeout = hardware.ConfirmOperationTimeout
	}

	xpub, err := hardware.Execute(
		ctx, a.ops, hardware.VendorTrezor, "getXpub", timeout,
		func(ctx context.Context) (string, error) {
			a.deviceMu.Lock()
			defer a.deviceMu.Unlock()

			return a.device.GetPublicKey(
				ctx, accountPath, scriptType,
				req.UsePassphrase,
			)
		},
	)
	if err != nil {
		return "", a.wrapErr(hardware.CodeGetXpubFailed, err)
	}

	return xpub, nil
}

// SignTransaction is not supported on Trezor: the device finalizes while
// signing, so all transaction signing goes through SignPsbt.
func (a *Adapter) SignTransaction(_ context.Context,
	_ hardware.SignTxRequest) (string, error) {

	return "", hardware.NewError(
		hardware.VendorTrezor, hardware.CodeNotSupported,
		"native transaction signing is not supported, use SignPsbt",
	)
}

// SignMessage signs a message with the key at the given path and returns
// the compact signature encoded in base64.
func (a *Adapter) SignMessage(ctx context.Context,
	req hardware.SignMessageRequest) (string, error) {

	if !a.IsInitialized() {
		return "", notInitialized()
	}

	if err := a.gateFormat(req.Format); err != nil {
		return "", err
	}

	scriptType, err := hardware.InputScriptForFormat(req.Format)
	if err != nil {
		return "", a.wrapErr(hardware.CodeSignMessageFailed, err)
	}

	sig, err := hardware.Execute(
		ctx, a.ops, hardware.VendorTrezor, "signMessage",
		hardware.ConfirmOperationTimeout,
		func(ctx context.Context) ([]byte, error) {
			a.deviceMu.Lock()
			defer a.deviceMu.Unlock()

			return a.device.SignMessage(
				ctx, req.Path, scriptType,
				[]byte(req.Message), req.UsePassphrase,
			)
		},
	)
	if err != nil {
		return "", a.wrapErr(hardware.CodeSignMessageFailed, err)
	}

	return base64.StdEncoding.EncodeToString(sig), nil
}

// SignPsbt signs the provided PSBT.
//
// NOTE: the device finalizes during signing, so the return value is the
// fully signed raw transaction in hex, not an updated PSBT.
func (a *Adapter) SignPsbt(ctx context.Context,
	req hardware.SignPsbtRequest) (string, error) {

	if !a.IsInitialized() {
		return "", notInitialized()
	}

	if err := a.gateFormat(req.Format); err != nil {
		return "", err
	}

	if len(req.InputPaths) == 0 {
		return "", hardware.NewError(
			hardware.VendorTrezor, hardware.CodeNoInputPaths,
			"psbt sign request carries no input paths",
		)
	}

	details, err := a.decoder.ExtractDetails(req.PsbtHex)
	if err != nil {
		return "", a.wrapErr(hardware.CodeSignPsbtFailed, err)
	}

	signReq, err := a.buildSignRequest(req, details)
	if err != nil {
		return "", err
	}

	rawTx, err := hardware.Execute(
		ctx, a.ops, hardware.VendorTrezor, "signPsbt",
		hardware.ConfirmOperationTimeout,
		func(ctx context.Context) ([]byte, error) {
			a.deviceMu.Lock()
			defer a.deviceMu.Unlock()

			return a.device.SignTx(ctx, signReq)
		},
	)
	if err != nil {
		return "", a.wrapErr(hardware.CodeSignPsbtFailed, err)
	}

	return hex.EncodeToString(rawTx), nil
}

// buildSignRequest translates decoded PSBT details into the vendor native
// sign request. Inputs use the input script table, change outputs the
// output script table; the two directions never share a lookup.
func (a *Adapter) buildSignRequest(req hardware.SignPsbtRequest,
	details *hardware.PsbtDetails) (*SignRequest, error) {

	inputScript, err := hardware.InputScriptForFormat(req.Format)
	if err != nil {
		return nil, a.wrapErr(hardware.CodeSignPsbtFailed, err)
	}

	signReq := &SignRequest{
		LockTime:      details.LockTime,
		UsePassphrase: req.UsePassphrase,
	}

	for i, input := range details.Inputs {
		path, ok := req.InputPaths[i]
		if !ok {
			return nil, hardware.NewError(
				hardware.VendorTrezor,
				hardware.CodeMissingPath,
				fmt.Sprintf("input %d has no derivation "+
					"path", i),
			)
		}

		signReq.Inputs = append(signReq.Inputs, SignInput{
			PrevHash:   input.TxID,
			PrevIndex:  input.Vout,
			Amount:     input.Value,
			Path:       path,
			ScriptType: inputScript,
		})
	}

	for _, output := range details.Outputs {
		if output.OpReturnData != nil {
			signReq.Outputs = append(signReq.Outputs, SignOutput{
				Amount:       output.Value,
				ScriptType:   hardware.OutputOpReturn,
				OpReturnData: output.OpReturnData,
			})

			continue
		}

		addr, err := hardware.AddressFromScript(
			output.Script, a.isTestnet(),
		)
		if err != nil {
			return nil, a.wrapErr(hardware.CodeSignPsbtFailed, err)
		}

		signReq.Outputs = append(signReq.Outputs, SignOutput{
			Address:    addr,
			Amount:     output.Value,
			ScriptType: hardware.OutputAddress,
		})
	}

	return signReq, nil
}

// Dispose aborts all pending operations, releases the device session and
// returns the adapter to its uninitialized state.
func (a *Adapter) Dispose(_ context.Context) error {
	aborted := a.ops.AbortAll(hardware.VendorTrezor, "adapter disposed")
	if aborted > 0 {
		log.Infof("Disposed Trezor adapter, aborted %d pending "+
			"operations", aborted)
	}

	a.mu.Lock()
	a.initialized = false
	a.status = hardware.StatusDisconnected
	a.features = nil
	a.firmware = ""
	a.mu.Unlock()

	if err := a.device.Close(); err != nil {
		return a.wrapErr(hardware.CodeInitFailed, err)
	}

	return nil
}
