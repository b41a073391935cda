// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package hardware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultOperationTimeout is the deadline applied to ordinary device
	// operations.
	DefaultOperationTimeout = 60 * time.Second

	// ConfirmOperationTimeout is the extended deadline for operations
	// requiring multiple on-device confirmations, such as showing an
	// address or signing with a passphrase.
	ConfirmOperationTimeout = 120 * time.Second

	// defaultSweepInterval is how often the operation manager logs
	// long-running operations.
	defaultSweepInterval = 30 * time.Second
)

// operation is one registered in-flight device operation.
type operation struct {
	id      uint64
	vendor  Vendor
	name    string
	started time.Time
	cancel  context.CancelCauseFunc
}

// OperationManager tracks in-flight hardware operations and applies timeout
// and cooperative cancellation to them. Every operation is registered with a
// unique id, its owning vendor and a cancellation handle; the registry entry
// is always removed when the operation terminates, regardless of outcome.
type OperationManager struct {
	mu     sync.Mutex
	nextID uint64
	ops    map[uint64]*operation

	// pending tracks the ids currently registered per vendor, used by
	// AbortAll to cancel a whole vendor at once.
	pending map[Vendor]fn.Set[uint64]

	sweeper ticker.Ticker
	quit    chan struct{}
	wg      sync.WaitGroup
	started sync.Once
	stopped sync.Once
}

// NewOperationManager creates an operation manager. The provided ticker
// drives periodic logging of long-running operations; tests pass a
// ticker.Force to control it deterministically.
func NewOperationManager(sweeper ticker.Ticker) *OperationManager {
	if sweeper == nil {
		sweeper = ticker.New(defaultSweepInterval)
	}

	return &OperationManager{
		ops:     make(map[uint64]*operation),
		pending: make(map[Vendor]fn.Set[uint64]),
		sweeper: sweeper,
		quit:    make(chan struct{}),
	}
}

// Start launches the background sweep loop.
func (m *OperationManager) Start() {
	m.started.Do(func() {
		m.sweeper.Resume()

		m.wg.Add(1)
		go m.sweepLoop()
	})
}

// Stop terminates the sweep loop and aborts every registered operation.
func (m *OperationManager) Stop() {
	m.stopped.Do(func() {
		close(m.quit)
		m.sweeper.Stop()
		m.wg.Wait()

		m.mu.Lock()
		for _, op := range m.ops {
			op.cancel(fmt.Errorf("operation manager stopped"))
		}
		m.mu.Unlock()
	})
}

// sweepLoop periodically logs operations that have been running for longer
// than half the default timeout, which usually means the device is waiting
// on user interaction.
func (m *OperationManager) sweepLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.sweeper.Ticks():
			m.logSlowOps()

		case <-m.quit:
			return
		}
	}
}

// logSlowOps emits a warning for each operation older than half the default
// timeout.
func (m *OperationManager) logSlowOps() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, op := range m.ops {
		age := time.Since(op.started)
		if age < DefaultOperationTimeout/2 {
			continue
		}

		log.Warnf("Operation %s(%d) on %s still pending after %v, "+
			"device may be awaiting user confirmation", op.name,
			op.id, op.vendor, age.Round(time.Second))
	}
}

// register adds a new operation to the registry and returns its id together
// with a context carrying the operation deadline.
func (m *OperationManager) register(ctx context.Context, vendor Vendor,
	name string, timeout time.Duration) (uint64, context.Context,
	context.CancelFunc) {

	opCtx, cancelTimeout := context.WithTimeout(ctx, timeout)
	opCtx, cancelCause := context.WithCancelCause(opCtx)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID

	m.ops[id] = &operation{
		id:      id,
		vendor:  vendor,
		name:    name,
		started: time.Now(),
		cancel:  cancelCause,
	}

	if _, ok := m.pending[vendor]; !ok {
		m.pending[vendor] = fn.NewSet[uint64]()
	}
	m.pending[vendor].Add(id)

	return id, opCtx, cancelTimeout
}

// deregister removes an operation from the registry. It is safe to call for
// ids that were already removed by AbortAll.
func (m *OperationManager) deregister(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[id]
	if !ok {
		return
	}

	delete(m.ops, id)
	if pending, ok := m.pending[op.vendor]; ok {
		pending.Remove(id)
	}
}

// PendingCount returns the number of in-flight operations for a vendor.
func (m *OperationManager) PendingCount(vendor Vendor) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending, ok := m.pending[vendor]
	if !ok {
		return 0
	}

	return len(pending.ToSlice())
}

// AbortAll cancels every pending operation for the vendor and returns the
// number of operations aborted. It is used on adapter disposal and device
// disconnect.
func (m *OperationManager) AbortAll(vendor Vendor, reason string) int {
	m.mu.Lock()

	var aborted []*operation
	for id, op := range m.ops {
		if op.vendor != vendor {
			continue
		}

		aborted = append(aborted, op)
		delete(m.ops, id)
	}
	delete(m.pending, vendor)

	m.mu.Unlock()

	cause := &Error{
		Code:   CodeOperationAborted,
		Vendor: vendor,
		Msg:    reason,
	}
	for _, op := range aborted {
		log.Debugf("Aborting operation %s(%d) on %s: %s", op.name,
			op.id, vendor, reason)
		op.cancel(cause)
	}

	return len(aborted)
}

// Execute runs a device operation under the manager: the operation is
// registered, raced against its timeout and any external cancellation, and
// always deregistered on completion. Timeout expiry surfaces as
// CodeOperationTimeout and cancellation (caller context or AbortAll) as
// CodeOperationAborted; any other failure is passed through untouched for
// the adapter to classify.
func Execute[T any](ctx context.Context, m *OperationManager, vendor Vendor,
	name string, timeout time.Duration,
	op func(ctx context.Context) (T, error)) (T, error) {

	var zero T

	id, opCtx, cancel := m.register(ctx, vendor, name, timeout)
	defer func() {
		cancel()
		m.deregister(id)
	}()

	log.Tracef("Starting operation %s(%d) on %s with timeout %v", name,
		id, vendor, timeout)

	result, err := op(opCtx)
	if err == nil {
		return result, nil
	}

	// Distinguish why the operation context died, if it did.
	switch {
	case opCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		return zero, &Error{
			Code:   CodeOperationTimeout,
			Vendor: vendor,
			Msg: fmt.Sprintf("%s timed out after %v", name,
				timeout),
			Err: err,
		}

	case opCtx.Err() != nil:
		// Either the caller cancelled or AbortAll fired. Prefer the
		// abort cause when one was recorded.
		cause := context.Cause(opCtx)
		if hwErr, ok := cause.(*Error); ok {
			return zero, hwErr
		}

		return zero, &Error{
			Code:   CodeOperationAborted,
			Vendor: vendor,
			Msg:    fmt.Sprintf("%s aborted", name),
			Err:    err,
		}

	default:
		return zero, err
	}
}
