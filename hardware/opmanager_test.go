// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package hardware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

// newTestOpManager creates a started operation manager driven by a forced
// ticker, stopped on test cleanup.
func newTestOpManager(t *testing.T) *OperationManager {
	t.Helper()

	m := NewOperationManager(ticker.NewForce(time.Hour))
	m.Start()
	t.Cleanup(m.Stop)

	return m
}

// TestExecuteSuccess verifies a successful operation returns its result and
// leaves the registry empty.
func TestExecuteSuccess(t *testing.T) {
	t.Parallel()

	m := newTestOpManager(t)

	got, err := Execute(
		context.Background(), m, VendorTrezor, "getAddress",
		DefaultOperationTimeout,
		func(ctx context.Context) (string, error) {
			return "bc1qexample", nil
		},
	)
	require.NoError(t, err)
	require.Equal(t, "bc1qexample", got)
	require.Zero(t, m.PendingCount(VendorTrezor))
}

// TestExecuteTimeout verifies timeout expiry surfaces as
// CodeOperationTimeout and the registry entry is removed.
func TestExecuteTimeout(t *testing.T) {
	t.Parallel()

	m := newTestOpManager(t)

	_, err := Execute(
		context.Background(), m, VendorTrezor, "signTx",
		10*time.Millisecond,
		func(ctx context.Context) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	)
	require.True(t, IsCode(err, CodeOperationTimeout), "got %v", err)
	require.Zero(t, m.PendingCount(VendorTrezor))
}

// TestExecuteCallerCancel verifies caller cancellation surfaces as
// CodeOperationAborted.
func TestExecuteCallerCancel(t *testing.T) {
	t.Parallel()

	m := newTestOpManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := Execute(
		ctx, m, VendorLedger, "signMessage", DefaultOperationTimeout,
		func(ctx context.Context) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	)
	require.True(t, IsCode(err, CodeOperationAborted), "got %v", err)
	require.Zero(t, m.PendingCount(VendorLedger))
}

// TestExecuteErrorPassthrough verifies a device failure unrelated to the
// operation context is passed through unclassified.
func TestExecuteErrorPassthrough(t *testing.T) {
	t.Parallel()

	m := newTestOpManager(t)
	devErr := errors.New("usb transport stall")

	_, err := Execute(
		context.Background(), m, VendorTrezor, "getXpub",
		DefaultOperationTimeout,
		func(ctx context.Context) (string, error) {
			return "", devErr
		},
	)
	require.ErrorIs(t, err, devErr)

	var hwErr *Error
	require.False(t, errors.As(err, &hwErr))
}

// TestAbortAll verifies AbortAll cancels every pending operation for the
// vendor, reports the count and leaves other vendors untouched.
func TestAbortAll(t *testing.T) {
	t.Parallel()

	m := newTestOpManager(t)

	const numOps = 3

	started := make(chan struct{}, numOps+1)
	results := make(chan error, numOps)

	for i := 0; i < numOps; i++ {
		go func() {
			_, err := Execute(
				context.Background(), m, VendorTrezor,
				"getAddress", DefaultOperationTimeout,
				func(ctx context.Context) (string, error) {
					started <- struct{}{}
					<-ctx.Done()
					return "", ctx.Err()
				},
			)
			results <- err
		}()
	}

	// One operation on another vendor must survive the abort.
	ledgerCtx, ledgerCancel := context.WithCancel(context.Background())
	defer ledgerCancel()
	ledgerDone := make(chan error, 1)
	go func() {
		_, err := Execute(
			ledgerCtx, m, VendorLedger, "getAddress",
			DefaultOperationTimeout,
			func(ctx context.Context) (string, error) {
				started <- struct{}{}
				<-ctx.Done()
				return "", ctx.Err()
			},
		)
		ledgerDone <- err
	}()

	for i := 0; i < numOps+1; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("operations did not start")
		}
	}

	require.Equal(t, numOps, m.AbortAll(VendorTrezor, "device removed"))

	for i := 0; i < numOps; i++ {
		select {
		case err := <-results:
			require.True(t, IsCode(err, CodeOperationAborted),
				"got %v", err)

		case <-time.After(5 * time.Second):
			t.Fatal("aborted operations did not finish")
		}
	}

	require.Zero(t, m.PendingCount(VendorTrezor))
	require.Equal(t, 1, m.PendingCount(VendorLedger))

	// A second abort finds nothing left.
	require.Zero(t, m.AbortAll(VendorTrezor, "again"))

	ledgerCancel()
	select {
	case <-ledgerDone:
	case <-time.After(5 * time.Second):
		t.Fatal("ledger operation did not finish")
	}
}

// TestAwaitTerminal verifies the event drain helper's three outcomes.
func TestAwaitTerminal(t *testing.T) {
	t.Parallel()

	type event struct {
		kind string
	}

	isReady := func(ev event) (bool, error) {
		if ev.kind == "failed" {
			return false, errors.New("device failed")
		}
		return ev.kind == "ready", nil
	}

	t.Run("terminal event", func(t *testing.T) {
		t.Parallel()

		events := make(chan event, 3)
		events <- event{kind: "detected"}
		events <- event{kind: "button"}
		events <- event{kind: "ready"}

		ev, err := AwaitTerminal(
			context.Background(), events, isReady, time.Second,
		)
		require.NoError(t, err)
		require.Equal(t, "ready", ev.kind)
	})

	t.Run("predicate error", func(t *testing.T) {
		t.Parallel()

		events := make(chan event, 1)
		events <- event{kind: "failed"}

		_, err := AwaitTerminal(
			context.Background(), events, isReady, time.Second,
		)
		require.EqualError(t, err, "device failed")
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()

		events := make(chan event)

		_, err := AwaitTerminal(
			context.Background(), events, isReady,
			10*time.Millisecond,
		)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("context cancelled", func(t *testing.T) {
		t.Parallel()

		events := make(chan event)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := AwaitTerminal(ctx, events, isReady, time.Second)
		require.ErrorIs(t, err, context.Canceled)
	})

	t.Run("closed channel", func(t *testing.T) {
		t.Parallel()

		events := make(chan event)
		close(events)

		_, err := AwaitTerminal(
			context.Background(), events, isReady, time.Second,
		)
		require.ErrorIs(t, err, context.Canceled)
	})
}
