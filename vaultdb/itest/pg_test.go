//go:build itest && test_db_postgres

package itest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/keysuite/keyvault/vaultdb"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	// Shared container instance, reused across tests for performance.
	// Each test gets its own database inside it.
	pgContainer *postgres.PostgresContainer

	// Ensure the container is created only once.
	pgContainerOnce sync.Once

	// Error returned by the container creation operation.
	pgContainerErr error

	// Timeout for waiting for the postgres container to start. Needs to
	// consider container image download time.
	pgInitTimeout = 2 * time.Minute

	// Timeout for terminating the postgres container after the test suite.
	pgTerminateTimeout = 1 * time.Minute
)

// TestMain terminates the shared postgres container after the suite runs to
// avoid leaking docker resources.
func TestMain(m *testing.M) {
	code := m.Run()

	if pgContainer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), pgTerminateTimeout,
		)
		defer cancel()

		err := pgContainer.Terminate(ctx)
		if err != nil {
			fmt.Printf("failed to terminate postgres "+
				"container: %v\n", err)
		}
	}

	os.Exit(code)
}

// getPostgresContainer returns the shared PostgreSQL container instance.
func getPostgresContainer(
	ctx context.Context) (*postgres.PostgresContainer, error) {

	pgContainerOnce.Do(func() {
		pgContainer, pgContainerErr = postgres.RunContainer(ctx,
			testcontainers.WithImage("postgres:18-alpine"),
			postgres.WithDatabase("postgres"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("postgres"),
			testcontainers.WithWaitStrategyAndDeadline(
				pgInitTimeout,
				wait.ForListeningPort("5432/tcp"),
			),
		)
	})

	return pgContainer, pgContainerErr
}

// sanitizedPgDBName converts a test name to a valid PostgreSQL database name.
func sanitizedPgDBName(t *testing.T) string {
	dbName := strings.ToLower(t.Name())

	reg := regexp.MustCompile(`[^a-z0-9_]`)
	dbName = reg.ReplaceAllString(dbName, "_")

	// PostgreSQL database names are limited to 63 characters.
	if len(dbName) > 63 {
		dbName = dbName[:63]
	}

	return dbName
}

// newPostgresStore creates a fresh database for the test and returns a store
// connected to it with migrations applied.
func newPostgresStore(t *testing.T) *vaultdb.PostgresStore {
	t.Helper()
	ctx := t.Context()

	container, err := getPostgresContainer(ctx)
	require.NoError(t, err, "failed to get postgres container")

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	adminDB, err := sql.Open("pgx", connStr)
	require.NoError(t, err, "failed to open admin connection")
	t.Cleanup(func() {
		_ = adminDB.Close()
	})

	dbName := sanitizedPgDBName(t)

	createDBStmt := fmt.Sprintf("CREATE DATABASE %s", dbName)
	_, err = adminDB.ExecContext(ctx, createDBStmt)
	require.NoError(t, err, "failed to create test database")

	testConnStr := strings.Replace(connStr, "/postgres?", "/"+dbName+"?", 1)

	store, err := vaultdb.OpenPostgresStore(testConnStr)
	require.NoError(t, err, "failed to open store")
	t.Cleanup(func() {
		_ = store.Close()
	})

	return store
}

// TestPostgresStoreRoundTrip exercises the Store contract against a real
// postgres instance.
func TestPostgresStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)

	_, err := store.GetKeychainRecord(ctx, "default")
	require.ErrorIs(t, err, vaultdb.ErrRecordNotFound)

	want := vaultdb.KeychainRecord{
		Version:           1,
		KDF:               vaultdb.KDFParams{Iterations: 600_000},
		Salt:              "c2FsdHNhbHRzYWx0c2FsdA==",
		EncryptedKeychain: "Y2lwaGVydGV4dA==",
	}
	require.NoError(t, store.PutKeychainRecord(ctx, "default", want))

	got, err := store.GetKeychainRecord(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, want, got)

	// Upsert replaces the record in place.
	want.Version = 2
	want.EncryptedKeychain = "bmV3Y2lwaGVydGV4dA=="
	require.NoError(t, store.PutKeychainRecord(ctx, "default", want))

	got, err = store.GetKeychainRecord(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, want, got)

	require.NoError(t, store.DeleteKeychainRecord(ctx, "default"))
	_, err = store.GetKeychainRecord(ctx, "default")
	require.ErrorIs(t, err, vaultdb.ErrRecordNotFound)
}
