// Package adapter defines the target-system interface the sync engine
// fans events out to, plus the built-in adapter kinds: database, cache,
// search index and external API.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/weftlabs/weft/internal/types"
)

// Adapter kinds, matched against config.AdapterRef.Kind.
const (
	KindDatabase    = "database"
	KindCache       = "cache"
	KindSearchIndex = "search-index"
	KindExternalAPI = "external-api"
	KindMemory      = "memory"
)

// ErrAbsent is returned by Read when the target holds no record for the
// entity.
var ErrAbsent = errors.New("record absent")

// ErrorClass separates failures the engine should retry from failures
// it should not.
type ErrorClass string

const (
	// Transient failures (timeouts, connection resets, open breakers)
	// are retried with backoff.
	Transient ErrorClass = "transient"
	// Permanent failures (validation, unknown entity type) fail the
	// event immediately.
	Permanent ErrorClass = "permanent"
)

// Error is an adapter failure carrying its retry classification.
type Error struct {
	Adapter string
	Class   ErrorClass
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("adapter %s: %s (%s)", e.Adapter, e.Err, e.Class)
}

func (e *Error) Unwrap() error { return e.Err }

// NewTransient wraps err as a retryable adapter failure.
func NewTransient(adapter string, err error) *Error {
	return &Error{Adapter: adapter, Class: Transient, Err: err}
}

// NewPermanent wraps err as a non-retryable adapter failure.
func NewPermanent(adapter string, err error) *Error {
	return &Error{Adapter: adapter, Class: Permanent, Err: err}
}

// IsTransient reports whether err is (or wraps) a transient adapter
// failure. Unclassified errors count as transient so unknown failures
// get retried rather than dropped.
func IsTransient(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Class == Transient
	}
	return true
}

// Adapter is one target system receiving synchronized entities.
//
// Apply is idempotent per (event kind, entity, payload): the engine
// re-invokes it on retry without compensating the earlier attempt.
type Adapter interface {
	Name() string
	Kind() string

	// Apply writes one event's outcome to the target.
	Apply(ctx context.Context, kind types.EventKind, entityType, entityID string, payload types.Payload) error

	// Read returns the target's current record or ErrAbsent.
	Read(ctx context.Context, entityType, entityID string) (types.Payload, error)

	// ListIDs returns every entity ID the target holds for a type.
	ListIDs(ctx context.Context, entityType string) ([]string, error)
}

// Registry holds named adapters. Registration happens at startup;
// lookups are concurrent.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: map[string]Adapter{}}
}

// Register adds an adapter under its name. Registering the same name
// twice is an error.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[a.Name()]; ok {
		return fmt.Errorf("adapter %q already registered", a.Name())
	}
	r.adapters[a.Name()] = a
	return nil
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("adapter %q not registered", name)
	}
	return a, nil
}

// Names returns the registered adapter names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
