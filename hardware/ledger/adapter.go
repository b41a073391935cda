// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

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

// Adapter normalizes a Ledger device to the vendor agnostic
// hardware.Adapter contract.
//
// Unlike Trezor, Ledger signs transactions natively; SignPsbt is
// implemented by translating the decoded PSBT into the native sign request.
// The result is still a finalized raw transaction: the app emits complete
// input scripts while signing.
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

	// appVersion is the dotted Bitcoin app version, empty until queried.
	appVersion string
	appInfo    *AppInfo

	ops     *hardware.OperationManager
	decoder hardware.PsbtDecoder
}

// A compile time check to ensure Adapter implements the contract.
var _ hardware.Adapter = (*Adapter)(nil)

// NewAdapter creates a Ledger adapter around the given device boundary.
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

// wrapErr is the single classification point for this adapter.
func (a *Adapter) wrapErr(fallback hardware.ErrorCode, err error) error {
	return hardware.ClassifyErr(
		hardware.VendorLedger, fallback,
		"Check that your Ledger is unlocked with the Bitcoin app "+
			"open, then try again.", err,
	)
}

// notInitialized returns the canonical not-initialized error.
func notInitialized() error {
	return hardware.NewError(
		hardware.VendorLedger, hardware.CodeNotInitialized,
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
		ctx, a.ops, hardware.VendorLedger, "open", a.timeout,
		func(ctx context.Context) (struct{}, error) {
			a.deviceMu.Lock()
			defer a.deviceMu.Unlock()

			return struct{}{}, a.device.Open(ctx)
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

	log.Infof("Ledger adapter initialized (testnet=%v)", opts.Testnet)

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
			hardware.VendorLedger, "device disconnected",
		)

		log.Warnf("Ledger disconnected, aborted %d operations", n)
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

// DeviceInfo returns the normalized device description.
func (a *Adapter) DeviceInfo(ctx context.Context) (*hardware.DeviceInfo,
	error) {

	if !a.IsInitialized() {
		return nil, notInitialized()
	}

	info, err := a.cachedAppInfo(ctx)
	if err != nil {
		return nil, err
	}

	return &hardware.DeviceInfo{
		Vendor:          hardware.VendorLedger,
		Label:           info.Name,
		Model:           info.Model,
		FirmwareVersion: a.firmwareVersion(),
		Initialized:     true,
	}, nil
}

// cachedAppInfo returns the app info, querying the device only once.
func (a *Adapter) cachedAppInfo(ctx context.Context) (*AppInfo, error) {
	a.mu.Lock()
	cached := a.appInfo
	a.mu.Unlock()

	if cached != nil {
		return cached, nil
	}

	info, err := hardware.Execute(
		ctx, a.ops, hardware.VendorLedger, "appInfo", a.timeout,
		func(ctx context.Context) (*AppInfo, error) {
			a.deviceMu.Lock()
			defer a.deviceMu.Unlock()

			return a.device.AppInfo(ctx)
		},
	)
	if err != nil {
		return nil, a.wrapErr(hardware.CodeDiscoveryFailed, err)
	}

	a.mu.Lock()
	a.appInfo = info
	a.appVersion = info.Version
	a.mu.Unlock()

	return info, nil
}

// firmwareVersion returns the cached app version, empty when it has not
// been queried yet.
func (a *Adapter) firmwareVersion() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.appVersion
}

// gateFormat rejects operations whose address format needs an app
// capability the device has not proven to have.
func (a *Adapter) gateFormat(format derivation.AddressFormat) error {
	for _, feature := range hardware.RequiredFeatures(format) {
		err := hardware.ValidateFirmwareForFeature(
			hardware.VendorLedger, feature, a.firmwareVersion(),
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

	path, err := derivation.BIP44Path(
		req.Format, a.coinType(), req.Account,
		derivation.ExternalChain, req.Index,
	)
	if err != nil {
		return "", a.wrapErr(hardware.CodeGetAddressFailed, err)
	}

	timeout := a.timeout
	if req.ShowOnDevice {
		timeout = hardware.ConfirmOperationTimeout
	}

	addr, err := hardware.Execute(
		ctx, a.ops, hardware.VendorLedger, "getAddress", timeout,
		func(ctx context.Context) (string, error) {
			a.deviceMu.Lock()
			defer a.deviceMu.Unlock()

			return a.device.GetAddress(
				ctx, path, scriptType, req.ShowOnDevice,
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

	full, err := derivation.BIP44Path(
		req.Format, a.coinType(), req.Account, 0, 0,
	)
	if err != nil {
		return "", a.wrapErr(hardware.CodeGetXpubFailed, err)
	}
	accountPath := derivation.Path(full[:3])

	xpub, err := hardware.Execute(
		ctx, a.ops, hardware.VendorLedger, "getXpub", a.timeout,
		func(ctx context.Context) (string, error) {
			a.deviceMu.Lock()
			defer a.deviceMu.Unlock()

			return a.device.GetXpub(ctx, accountPath)
		},
	)
	if err != nil {
		return "", a.wrapErr(hardware.CodeGetXpubFailed, err)
	}

	return xpub, nil
}

// SignTransaction signs a transaction natively and returns the raw signed
// transaction in hex.
func (a *Adapter) SignTransaction(ctx context.Context,
	req hardware.SignTxRequest) (string, error) {

	if !a.IsInitialized() {
		return "", notInitialized()
	}

	if err := a.gateFormat(req.Format); err != nil {
		return "", err
	}

	signReq, err := a.buildSignRequest(
		req.Format, req.Inputs, req.Outputs, req.LockTime,
	)
	if err != nil {
		return "", err
	}

	rawTx, err := hardware.Execute(
		ctx, a.ops, hardware.VendorLedger, "signTransaction",
		hardware.ConfirmOperationTimeout,
		func(ctx context.Context) ([]byte, error) {
			a.deviceMu.Lock()
			defer a.deviceMu.Unlock()

			return a.device.SignTransaction(ctx, signReq)
		},
	)
	if err != nil {
		return "", a.wrapErr(hardware.CodeSignTxFailed, err)
	}

	return hex.EncodeToString(rawTx), nil
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

	sig, err := hardware.Execute(
		ctx, a.ops, hardware.VendorLedger, "signMessage",
		hardware.ConfirmOperationTimeout,
		func(ctx context.Context) ([]byte, error) {
			a.deviceMu.Lock()
			defer a.deviceMu.Unlock()

			return a.device.SignMessage(
				ctx, req.Path, []byte(req.Message),
			)
		},
	)
	if err != nil {
		return "", a.wrapErr(hardware.CodeSignMessageFailed, err)
	}

	return base64.StdEncoding.EncodeToString(sig), nil
}

// SignPsbt signs the provided PSBT by translating it into the native sign
// request.
//
// NOTE: the return value is the fully signed raw transaction in hex, not an
// updated PSBT.
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
			hardware.VendorLedger, hardware.CodeNoInputPaths,
			"psbt sign request carries no input paths",
		)
	}

	details, err := a.decoder.ExtractDetails(req.PsbtHex)
	if err != nil {
		return "", a.wrapErr(hardware.CodeSignPsbtFailed, err)
	}

	inputs := make([]hardware.TxInput, 0, len(details.Inputs))
	for i, input := range details.Inputs {
		path, ok := req.InputPaths[i]
		if !ok {
			return "", hardware.NewError(
				hardware.VendorLedger,
				hardware.CodeMissingPath,
				fmt.Sprintf("input %d has no derivation "+
					"path", i),
			)
		}

		inputs = append(inputs, hardware.TxInput{
			TxID:  input.TxID,
			Vout:  input.Vout,
			Value: input.Value,
			Path:  path,
		})
	}

	outputs := make([]hardware.TxOutput, 0, len(details.Outputs))
	for _, output := range details.Outputs {
		if output.OpReturnData != nil {
			outputs = append(outputs, hardware.TxOutput{
				Value:        output.Value,
				OpReturnData: output.OpReturnData,
			})

			continue
		}

		addr, err := hardware.AddressFromScript(
			output.Script, a.isTestnet(),
		)
		if err != nil {
			return "", a.wrapErr(hardware.CodeSignPsbtFailed, err)
		}

		outputs = append(outputs, hardware.TxOutput{
			Address: addr,
			Value:   output.Value,
		})
	}

	return a.SignTransaction(ctx, hardware.SignTxRequest{
		Format:   req.Format,
		Inputs:   inputs,
		Outputs:  outputs,
		LockTime: details.LockTime,
	})
}

// buildSignRequest translates normalized inputs and outputs into the vendor
// native sign request, using the separate input and output script tables.
func (a *Adapter) buildSignRequest(format derivation.AddressFormat,
	inputs []hardware.TxInput, outputs []hardware.TxOutput,
	lockTime uint32) (*SignRequest, error) {

	inputScript, err := hardware.InputScriptForFormat(format)
	if err != nil {
		return nil, a.wrapErr(hardware.CodeSignTxFailed, err)
	}

	signReq := &SignRequest{LockTime: lockTime}

	for i, input := range inputs {
		if len(input.Path) == 0 {
			return nil, hardware.NewError(
				hardware.VendorLedger,
				hardware.CodeMissingPath,
				fmt.Sprintf("input %d has no derivation "+
					"path", i),
			)
		}

		signReq.Inputs = append(signReq.Inputs, SignInput{
			PrevHash:   input.TxID,
			PrevIndex:  input.Vout,
			Amount:     input.Value,
			Path:       input.Path,
			ScriptType: inputScript,
		})
	}

	for _, output := range outputs {
		switch {
		case output.OpReturnData != nil:
			signReq.Outputs = append(signReq.Outputs, SignOutput{
				Amount:       output.Value,
				ScriptType:   hardware.OutputOpReturn,
				OpReturnData: output.OpReturnData,
			})

		case output.Change:
			changeScript, err := hardware.ChangeScriptForFormat(
				format,
			)
			if err != nil {
				return nil, a.wrapErr(
					hardware.CodeSignTxFailed, err,
				)
			}

			signReq.Outputs = append(signReq.Outputs, SignOutput{
				Amount:     output.Value,
				ScriptType: changeScript,
				Path:       output.ChangePath,
			})

		default:
			signReq.Outputs = append(signReq.Outputs, SignOutput{
				Address:    output.Address,
				Amount:     output.Value,
				ScriptType: hardware.OutputAddress,
			})
		}
	}

	return signReq, nil
}

// Dispose aborts all pending operations, releases the device session and
// returns the adapter to its uninitialized state.
func (a *Adapter) Dispose(_ context.Context) error {
	aborted := a.ops.AbortAll(hardware.VendorLedger, "adapter disposed")
	if aborted > 0 {
		log.Infof("Disposed Ledger adapter, aborted %d pending "+
			"operations", aborted)
	}

	a.mu.Lock()
	a.initialized = false
	a.status = hardware.StatusDisconnected
	a.appInfo = nil
	a.appVersion = ""
	a.mu.Unlock()

	if err := a.device.Close(); err != nil {
		return a.wrapErr(hardware.CodeInitFailed, err)
	}

	return nil
}
