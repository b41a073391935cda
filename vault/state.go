// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"fmt"
	"sync/atomic"
)

// lifecycle represents the lifecycle state of the manager's main event loop.
type lifecycle uint32

const (
	// lifecycleStopped indicates the manager is stopped.
	lifecycleStopped lifecycle = iota

	// lifecycleStarting indicates the manager is starting up.
	lifecycleStarting

	// lifecycleStarted indicates the manager is started.
	lifecycleStarted

	// lifecycleStopping indicates the manager is currently stopping.
	lifecycleStopping
)

// String returns the string representation of a lifecycle.
func (l lifecycle) String() string {
	switch l {
	case lifecycleStopped:
		return "stopped"

	case lifecycleStarting:
		return "starting"

	case lifecycleStarted:
		return "started"

	case lifecycleStopping:
		return "stopping"

	default:
		return "unknown lifecycle state"
	}
}

// AuthState is the authentication state of the keychain.
type AuthState uint32

const (
	// StateLocked indicates no keychain is in memory and no master key
	// exists. The zero value, secure by default.
	StateLocked AuthState = iota

	// StateUnlocked indicates the keychain is decrypted and wallet
	// metadata is visible, but no wallet secret is resident.
	StateUnlocked

	// StateWalletSelected indicates a specific wallet's addresses are
	// derived and signing is possible.
	StateWalletSelected
)

// String returns the string representation of an auth state.
func (a AuthState) String() string {
	switch a {
	case StateLocked:
		return "locked"

	case StateUnlocked:
		return "unlocked"

	case StateWalletSelected:
		return "wallet-selected"

	default:
		return "unknown auth state"
	}
}

// vaultState is a thread-safe wrapper managing the manager's state across
// two orthogonal dimensions:
//  1. Lifecycle (System State): whether the main event loop is running.
//  2. Authentication (Security State): Locked, Unlocked or WalletSelected.
//     This dictates the ability to perform sensitive operations like
//     signing.
type vaultState struct {
	// lifecycle tracks the start/stop state of the manager.
	lifecycle atomic.Uint32

	// auth tracks the authentication state. The zero value is Locked,
	// which is secure by default.
	auth atomic.Uint32
}

// String returns a summary of the manager's state.
func (s *vaultState) String() string {
	return fmt.Sprintf("status=%v, auth=%v",
		lifecycle(s.lifecycle.Load()), s.authState())
}

// toStarting transitions the manager from Stopped to Starting and resets the
// authentication state to Locked.
func (s *vaultState) toStarting() error {
	if !s.lifecycle.CompareAndSwap(
		uint32(lifecycleStopped), uint32(lifecycleStarting)) {

		return fmt.Errorf("%w: current state is %v",
			ErrAlreadyStarted, lifecycle(s.lifecycle.Load()))
	}

	// Always start locked.
	s.auth.Store(uint32(StateLocked))

	return nil
}

// toStarted marks the manager as fully started.
func (s *vaultState) toStarted() {
	s.lifecycle.Store(uint32(lifecycleStarted))
}

// toStopping transitions the manager from Started to Stopping. The keychain
// is locked during shutdown so no further signing can take place.
func (s *vaultState) toStopping() error {
	if !s.lifecycle.CompareAndSwap(
		uint32(lifecycleStarted), uint32(lifecycleStopping)) {

		return ErrStateForbidden
	}

	s.auth.Store(uint32(StateLocked))

	return nil
}

// toStopped marks the manager as fully stopped and force locks it.
func (s *vaultState) toStopped() {
	s.lifecycle.Store(uint32(lifecycleStopped))
	s.auth.Store(uint32(StateLocked))
}

// toUnlocked marks the keychain as unlocked with no wallet selected.
func (s *vaultState) toUnlocked() {
	s.auth.Store(uint32(StateUnlocked))
}

// toSelected marks a wallet as selected.
func (s *vaultState) toSelected() {
	s.auth.Store(uint32(StateWalletSelected))
}

// toLocked marks the keychain as locked.
func (s *vaultState) toLocked() {
	s.auth.Store(uint32(StateLocked))
}

// authState returns the current authentication state.
func (s *vaultState) authState() AuthState {
	return AuthState(s.auth.Load())
}

// isUnlocked returns true if the keychain is unlocked, with or without a
// selected wallet.
func (s *vaultState) isUnlocked() bool {
	return s.authState() != StateLocked
}

// isStarted returns true if the manager is in the Started state.
func (s *vaultState) isStarted() bool {
	return lifecycle(s.lifecycle.Load()) == lifecycleStarted
}

// validateStarted checks if the manager is currently running.
func (s *vaultState) validateStarted() error {
	if !s.isStarted() {
		return fmt.Errorf("%w: manager not started", ErrStateForbidden)
	}

	return nil
}

// validateUnlocked checks if the manager is running with an unlocked
// keychain.
func (s *vaultState) validateUnlocked() error {
	if err := s.validateStarted(); err != nil {
		return err
	}

	if !s.isUnlocked() {
		return ErrLocked
	}

	return nil
}

// canSign checks if the manager is in a state allowing signing: started,
// unlocked and with a wallet selected.
func (s *vaultState) canSign() error {
	if err := s.validateUnlocked(); err != nil {
		return err
	}

	if s.authState() != StateWalletSelected {
		return ErrNoWalletSelected
	}

	return nil
}
