// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vaultdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// testRecord returns a record with distinguishable field values.
func testRecord(version int) KeychainRecord {
	return KeychainRecord{
		Version:           version,
		KDF:               KDFParams{Iterations: 600_000},
		Salt:              "c2FsdHNhbHRzYWx0c2FsdA==",
		EncryptedKeychain: "Y2lwaGVydGV4dA==",
	}
}

// testStoreSuite exercises the Store contract against a backend.
func testStoreSuite(t *testing.T, store Store) {
	ctx := context.Background()

	// An empty store has no record for any profile.
	_, err := store.GetKeychainRecord(ctx, "default")
	require.ErrorIs(t, err, ErrRecordNotFound)

	// Put then get round trips the record.
	want := testRecord(1)
	require.NoError(t, store.PutKeychainRecord(ctx, "default", want))

	got, err := store.GetKeychainRecord(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, want, got)

	// Put replaces the whole record.
	want2 := testRecord(2)
	want2.EncryptedKeychain = "bmV3Y2lwaGVydGV4dA=="
	require.NoError(t, store.PutKeychainRecord(ctx, "default", want2))

	got, err = store.GetKeychainRecord(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, want2, got)

	// Profiles are independent.
	_, err = store.GetKeychainRecord(ctx, "other")
	require.ErrorIs(t, err, ErrRecordNotFound)

	require.NoError(t, store.PutKeychainRecord(ctx, "other", want))
	got, err = store.GetKeychainRecord(ctx, "other")
	require.NoError(t, err)
	require.Equal(t, want, got)

	// Delete removes the record; deleting again is not an error.
	require.NoError(t, store.DeleteKeychainRecord(ctx, "default"))
	_, err = store.GetKeychainRecord(ctx, "default")
	require.ErrorIs(t, err, ErrRecordNotFound)

	require.NoError(t, store.DeleteKeychainRecord(ctx, "default"))

	// The other profile survives the delete.
	_, err = store.GetKeychainRecord(ctx, "other")
	require.NoError(t, err)
}

// TestMemStore runs the store contract suite against the in-memory backend.
func TestMemStore(t *testing.T) {
	t.Parallel()

	testStoreSuite(t, NewMemStore())
}

// TestBoltStore runs the store contract suite against the bolt backend.
func TestBoltStore(t *testing.T) {
	t.Parallel()

	store, err := OpenBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	testStoreSuite(t, store)
}

// TestSQLiteStore runs the store contract suite against the sqlite backend.
func TestSQLiteStore(t *testing.T) {
	t.Parallel()

	store, err := OpenSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	testStoreSuite(t, store)
}

// TestBoltStoreReopen verifies records survive a close/reopen cycle.
func TestBoltStoreReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()

	store, err := OpenBoltStore(dir)
	require.NoError(t, err)

	want := testRecord(1)
	require.NoError(t, store.PutKeychainRecord(ctx, "default", want))
	require.NoError(t, store.Close())

	store, err = OpenBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	got, err := store.GetKeychainRecord(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, want, got)
}
