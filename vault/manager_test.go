// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keysuite/keyvault/derivation"
	"github.com/keysuite/keyvault/vaultdb"
)

const (
	// testIterations keeps PBKDF2 cheap in tests. Production keychains
	// use DefaultKDFIterations.
	testIterations = 32

	// testMnemonic is the BIP-39 reference mnemonic.
	testMnemonic = "abandon abandon abandon abandon abandon abandon " +
		"abandon abandon abandon abandon abandon about"

	// firstBIP84Address is the first external BIP-84 address of the
	// reference mnemonic.
	firstBIP84Address = "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu"

	// secondBIP84Address is the second external BIP-84 address of the
	// reference mnemonic.
	secondBIP84Address = "bc1qnjg0jd8228aq7egyzacy8cys3knf9xvrerkf9g"

	// firstBIP44Address is the first external BIP-44 legacy address of
	// the reference mnemonic.
	firstBIP44Address = "1LqBGSKuX5yYUonjxT5qGfpUsXKYYWeabA"
)

var testPassword = []byte("correct horse battery staple")

// testEnv bundles a started manager with its backing stores.
type testEnv struct {
	manager *Manager
	store   vaultdb.Store
	session SessionStore
}

// newTestEnv creates and starts a manager over fresh in-memory stores.
func newTestEnv(t *testing.T, opts ...func(*Config)) *testEnv {
	t.Helper()

	cfg := Config{
		Store:         vaultdb.NewMemStore(),
		Session:       NewMemSessionStore(),
		KDFIterations: testIterations,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	m, err := NewManager(cfg)
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		_ = m.Stop(context.Background())
	})

	return &testEnv{
		manager: m,
		store:   cfg.Store,
		session: cfg.Session,
	}
}

// unlockedEnv creates a started manager with a freshly created keychain.
func unlockedEnv(t *testing.T, opts ...func(*Config)) *testEnv {
	t.Helper()

	env := newTestEnv(t, opts...)
	require.NoError(t, env.manager.CreateKeychain(
		context.Background(), testPassword,
	))

	return env
}

func TestCreateKeychain(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)
	m := env.manager

	require.NoError(t, m.CreateKeychain(ctx, testPassword))
	require.Equal(t, StateUnlocked, m.AuthState())

	// A second creation must fail: the record already exists.
	err := m.CreateKeychain(ctx, []byte("other"))
	require.ErrorIs(t, err, ErrKeychainExists)
}

// faultyReadStore wraps a Store and fails every read with a fixed error,
// simulating a transient backend outage.
type faultyReadStore struct {
	vaultdb.Store

	readErr error
}

func (s *faultyReadStore) GetKeychainRecord(ctx context.Context,
	profile string) (vaultdb.KeychainRecord, error) {

	return vaultdb.KeychainRecord{}, s.readErr
}

// TestCreateKeychainReadFailure verifies that a store read failure during
// creation aborts the operation instead of overwriting an existing record
// under a new password.
func TestCreateKeychainReadFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := vaultdb.NewMemStore()

	env := newTestEnv(t, func(cfg *Config) {
		cfg.Store = base
	})
	require.NoError(t, env.manager.CreateKeychain(ctx, testPassword))
	require.NoError(t, env.manager.Stop(ctx))

	before, err := base.GetKeychainRecord(ctx, DefaultProfile)
	require.NoError(t, err)

	readErr := errors.New("backend unavailable")
	env = newTestEnv(t, func(cfg *Config) {
		cfg.Store = &faultyReadStore{Store: base, readErr: readErr}
	})

	err = env.manager.CreateKeychain(ctx, []byte("other"))
	require.ErrorIs(t, err, readErr)
	require.False(t, env.manager.IsUnlocked())

	// The durable record must be untouched.
	after, err := base.GetKeychainRecord(ctx, DefaultProfile)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestUnlockNoKeychain(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	err := env.manager.UnlockKeychain(context.Background(), testPassword)
	require.ErrorIs(t, err, ErrNoKeychain)
}

func TestUnlockWrongPassword(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := unlockedEnv(t)
	m := env.manager

	require.NoError(t, m.LockKeychain(ctx))

	err := m.UnlockKeychain(ctx, []byte("not the password"))
	require.ErrorIs(t, err, ErrInvalidPassword)

	// Nothing may be loaded after a failed unlock.
	require.False(t, m.IsUnlocked())
	_, err = m.Wallets()
	require.ErrorIs(t, err, ErrLocked)

	_, ok := env.session.MasterKey()
	require.False(t, ok)
}

func TestLockClearsState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := unlockedEnv(t)
	m := env.manager

	_, err := m.CreateMnemonicWallet(
		ctx, "", testMnemonic, derivation.FormatNativeSegWit,
	)
	require.NoError(t, err)
	require.Equal(t, StateWalletSelected, m.AuthState())

	require.NoError(t, m.LockKeychain(ctx))
	require.Equal(t, StateLocked, m.AuthState())

	_, err = m.Wallets()
	require.ErrorIs(t, err, ErrLocked)

	_, ok := env.session.MasterKey()
	require.False(t, ok)
	require.Empty(t, env.session.ActiveWallet())

	// Locking again is a no-op success.
	require.NoError(t, m.LockKeychain(ctx))
}

func TestUnlockRestoresWallets(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := unlockedEnv(t)
	m := env.manager

	created, err := m.CreateMnemonicWallet(
		ctx, "hot wallet", testMnemonic, derivation.FormatNativeSegWit,
	)
	require.NoError(t, err)

	require.NoError(t, m.LockKeychain(ctx))
	require.NoError(t, m.UnlockKeychain(ctx, testPassword))

	require.Equal(t, StateWalletSelected, m.AuthState())

	active, err := m.ActiveWallet()
	require.NoError(t, err)
	require.Equal(t, created.Record.ID, active.Record.ID)
	require.Equal(t, "hot wallet", active.Record.Name)
	require.Equal(t, firstBIP84Address, active.Record.PreviewAddress)
	require.Len(t, active.Addresses, 1)
}

func TestUpdatePassword(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := unlockedEnv(t)
	m := env.manager

	_, err := m.CreateMnemonicWallet(
		ctx, "", testMnemonic, derivation.FormatNativeSegWit,
	)
	require.NoError(t, err)

	newPassword := []byte("a different password")
	require.NoError(t, m.UpdatePassword(ctx, testPassword, newPassword))

	// The rotation force locks the vault.
	require.Equal(t, StateLocked, m.AuthState())

	// The old password no longer opens the record.
	err = m.UnlockKeychain(ctx, testPassword)
	require.ErrorIs(t, err, ErrInvalidPassword)

	// The new one does, and the wallet secret is still usable: selection
	// decrypts it and derives the same addresses.
	require.NoError(t, m.UnlockKeychain(ctx, newPassword))

	active, err := m.ActiveWallet()
	require.NoError(t, err)
	require.Equal(t, firstBIP84Address, active.Record.PreviewAddress)
	require.Equal(t, firstBIP84Address, active.Addresses[0].Address)
}

func TestUpdatePasswordWrongOld(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := unlockedEnv(t)
	m := env.manager

	err := m.UpdatePassword(ctx, []byte("wrong"), []byte("new"))
	require.ErrorIs(t, err, ErrInvalidPassword)

	// The failed rotation must not lock or otherwise disturb the vault.
	require.Equal(t, StateUnlocked, m.AuthState())
	require.NoError(t, m.VerifyPassword(ctx, testPassword))
}

func TestVerifyPassword(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := unlockedEnv(t)
	m := env.manager

	require.NoError(t, m.VerifyPassword(ctx, testPassword))
	require.ErrorIs(
		t, m.VerifyPassword(ctx, []byte("wrong")),
		ErrInvalidPassword,
	)

	// Verification never mutates state, in either direction.
	require.Equal(t, StateUnlocked, m.AuthState())
}

func TestAutoSelectLastActive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := unlockedEnv(t)
	m := env.manager

	first, err := m.CreateMnemonicWallet(
		ctx, "", testMnemonic, derivation.FormatNativeSegWit,
	)
	require.NoError(t, err)

	second, err := m.CreateMnemonicWallet(
		ctx, "", testMnemonic, derivation.FormatLegacy,
	)
	require.NoError(t, err)

	// Creation selects the new wallet; switch back explicitly.
	require.NoError(t, m.SelectWallet(ctx, first.Record.ID))

	require.NoError(t, m.LockKeychain(ctx))
	require.NoError(t, m.UnlockKeychain(ctx, testPassword))

	active, err := m.ActiveWallet()
	require.NoError(t, err)
	require.Equal(t, first.Record.ID, active.Record.ID)
	require.NotEqual(t, second.Record.ID, active.Record.ID)
}

func TestUpdateSettings(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := unlockedEnv(t)
	m := env.manager

	first, err := m.CreateMnemonicWallet(
		ctx, "", testMnemonic, derivation.FormatNativeSegWit,
	)
	require.NoError(t, err)

	err = m.UpdateSettings(ctx, Settings{
		AutoLockSeconds: 300,

		// Settings updates must not be able to redirect the implicit
		// selection.
		LastActiveWalletID: "some-other-id",
	})
	require.NoError(t, err)

	require.NoError(t, m.LockKeychain(ctx))
	require.NoError(t, m.UnlockKeychain(ctx, testPassword))

	active, err := m.ActiveWallet()
	require.NoError(t, err)
	require.Equal(t, first.Record.ID, active.Record.ID)

	m.mu.Lock()
	require.EqualValues(t, 300, m.keychain.Settings.AutoLockSeconds)
	m.mu.Unlock()
}

func TestAutoLock(t *testing.T) {
	t.Parallel()

	env := unlockedEnv(t, func(cfg *Config) {
		cfg.AutoLockDuration = 25 * time.Millisecond
	})
	m := env.manager

	require.True(t, m.IsUnlocked())

	require.Eventually(t, func() bool {
		return m.AuthState() == StateLocked
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := env.session.MasterKey()
	require.False(t, ok)
}

func TestRefreshWallets(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := unlockedEnv(t)

	created, err := env.manager.CreateMnemonicWallet(
		ctx, "", testMnemonic, derivation.FormatNativeSegWit,
	)
	require.NoError(t, err)

	// Simulate a frontend restart: a fresh manager sharing the durable
	// store and the still-live session.
	restarted, err := NewManager(Config{
		Store:         env.store,
		Session:       env.session,
		KDFIterations: testIterations,
	})
	require.NoError(t, err)
	require.NoError(t, restarted.Start(ctx))
	defer func() {
		// The session is shared; detach it before stopping so the
		// original manager's cleanup is not wiped twice.
		_ = restarted.Stop(ctx)
	}()

	require.False(t, restarted.IsUnlocked())
	require.NoError(t, restarted.RefreshWallets(ctx))

	active, err := restarted.ActiveWallet()
	require.NoError(t, err)
	require.Equal(t, created.Record.ID, active.Record.ID)
	require.Equal(t, firstBIP84Address, active.Addresses[0].Address)

	// A second refresh is a harmless no-op.
	require.NoError(t, restarted.RefreshWallets(ctx))
}

func TestRefreshWalletsLockedSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)

	// No master key in the session: refresh must leave the vault locked
	// without erroring.
	require.NoError(t, env.manager.RefreshWallets(ctx))
	require.Equal(t, StateLocked, env.manager.AuthState())
}

func TestOperationsRequireUnlock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)
	m := env.manager

	_, err := m.CreateMnemonicWallet(
		ctx, "", testMnemonic, derivation.FormatNativeSegWit,
	)
	require.ErrorIs(t, err, ErrLocked)

	require.ErrorIs(t, m.SelectWallet(ctx, "someid"), ErrLocked)

	_, err = m.SignMessage(ctx, 0, "hello")
	require.ErrorIs(t, err, ErrLocked)

	_, err = m.AddAddress(ctx)
	require.ErrorIs(t, err, ErrLocked)
}
