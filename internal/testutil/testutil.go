// Package testutil provides adapter fakes shared by engine and audit
// tests. All helpers operate through the adapter.Adapter interface so
// tests stay backend-agnostic.
package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/weftlabs/weft/internal/adapter"
	"github.com/weftlabs/weft/internal/types"
)

// Flaky wraps an adapter and fails the first FailApplies Apply calls.
// Permanent selects the error class; the default is transient.
type Flaky struct {
	adapter.Adapter

	mu          sync.Mutex
	applies     int
	FailApplies int
	Permanent   bool
}

// NewFlaky wraps inner so its first failApplies Apply calls fail.
func NewFlaky(inner adapter.Adapter, failApplies int) *Flaky {
	return &Flaky{Adapter: inner, FailApplies: failApplies}
}

func (f *Flaky) Apply(ctx context.Context, kind types.EventKind, entityType, entityID string, payload types.Payload) error {
	f.mu.Lock()
	f.applies++
	fail := f.applies <= f.FailApplies
	permanent := f.Permanent
	f.mu.Unlock()
	if fail {
		if permanent {
			return adapter.NewPermanent(f.Name(), errors.New("injected permanent failure"))
		}
		return adapter.NewTransient(f.Name(), errors.New("injected transient failure"))
	}
	return f.Adapter.Apply(ctx, kind, entityType, entityID, payload)
}

// Applies returns how many Apply calls the adapter has seen.
func (f *Flaky) Applies() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applies
}

// Hanging is an adapter whose Apply blocks until its context is
// canceled, for deadline tests.
type Hanging struct {
	adapter.Adapter
}

// NewHanging wraps inner so Apply blocks until ctx cancellation.
func NewHanging(inner adapter.Adapter) *Hanging {
	return &Hanging{Adapter: inner}
}

func (h *Hanging) Apply(ctx context.Context, _ types.EventKind, _, _ string, _ types.Payload) error {
	<-ctx.Done()
	return ctx.Err()
}
