// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package hardware

import (
	"context"
	"fmt"
	"sync"
)

// AdapterFactory lazily constructs a vendor adapter. Factories are invoked
// at most once, the first time an operation targets the vendor, so vendor
// SDK side effects are deferred until a hardware operation is actually
// requested.
type AdapterFactory func() (Adapter, error)

// Registry owns the adapter instances for every known vendor. It is
// constructed once at the composition root and injected into callers; there
// are no package level singletons to reset between tests.
type Registry struct {
	mu        sync.Mutex
	factories map[Vendor]AdapterFactory
	adapters  map[Vendor]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[Vendor]AdapterFactory),
		adapters:  make(map[Vendor]Adapter),
	}
}

// Register installs the factory for a vendor. Registering a vendor twice
// replaces the previous factory but leaves an already constructed adapter
// untouched.
func (r *Registry) Register(vendor Vendor, factory AdapterFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[vendor] = factory
}

// ForVendor returns the adapter for the vendor, constructing it through the
// registered factory on first use.
func (r *Registry) ForVendor(vendor Vendor) (Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if adapter, ok := r.adapters[vendor]; ok {
		return adapter, nil
	}

	factory, ok := r.factories[vendor]
	if !ok {
		return nil, NewError(vendor, CodeUnknownVendor,
			fmt.Sprintf("no adapter registered for vendor %q",
				vendor))
	}

	adapter, err := factory()
	if err != nil {
		return nil, &Error{
			Code:   CodeInitFailed,
			Vendor: vendor,
			Msg:    "adapter construction failed",
			Err:    err,
		}
	}

	r.adapters[vendor] = adapter

	log.Infof("Constructed %s hardware adapter", vendor)

	return adapter, nil
}

// DisposeAll disposes every constructed adapter and forgets it, returning
// the first error encountered. Factories stay registered, so a later call
// reconstructs adapters on demand.
func (r *Registry) DisposeAll(ctx context.Context) error {
	r.mu.Lock()
	adapters := make(map[Vendor]Adapter, len(r.adapters))
	for vendor, adapter := range r.adapters {
		adapters[vendor] = adapter
	}
	r.adapters = make(map[Vendor]Adapter)
	r.mu.Unlock()

	var firstErr error
	for vendor, adapter := range adapters {
		if err := adapter.Dispose(ctx); err != nil {
			log.Errorf("Failed to dispose %s adapter: %v", vendor,
				err)

			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}
