// Package adapter defines the facade every external system connector
// implements, plus the registry the orchestrator dispatches through.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/statusrelay/relay/internal/mapper"
	"github.com/statusrelay/relay/internal/types"
)

// ErrNotRegistered is returned when no adapter exists for a system.
var ErrNotRegistered = errors.New("adapter: not registered")

// ApplyResult reports a successful apply against an external system.
type ApplyResult struct {
	System   types.SystemName       `json:"system"`
	EntityID string                 `json:"entity_id"`
	Detail   map[string]interface{} `json:"detail,omitempty"`
}

// Health is an adapter's self-reported health.
type Health struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Adapter is the connector facade for one external system. Implementations
// must be safe for concurrent use; Apply is called in parallel across
// systems but never concurrently for the same entity.
type Adapter interface {
	// System returns the system this adapter serves.
	System() types.SystemName

	// Apply pushes a mapped update into the external system.
	Apply(ctx context.Context, update *mapper.MappedUpdate) (*ApplyResult, error)

	// HealthCheck probes connectivity.
	HealthCheck(ctx context.Context) Health

	// Dependencies returns the IDs of entities that block entityID, for
	// dependency conflict detection. Adapters without a dependency notion
	// return an empty slice.
	Dependencies(ctx context.Context, entityID string) ([]string, error)

	// Close releases held resources.
	Close() error
}

// permanentError marks failures that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the queue dead-letters instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked
// permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Registry holds the configured adapters keyed by system name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[types.SystemName]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[types.SystemName]Adapter)}
}

// Register adds an adapter. Registering the same system twice is an error.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("adapter: register nil adapter")
	}
	name := a.System()
	if !name.Valid() {
		return fmt.Errorf("adapter: unknown system %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.adapters[name]; dup {
		return fmt.Errorf("adapter: %s already registered", name)
	}
	r.adapters[name] = a
	return nil
}

// Get returns the adapter for a system.
func (r *Registry) Get(system types.SystemName) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[system]
	if !ok {
		return nil, fmt.Errorf("adapter: %s: %w", system, ErrNotRegistered)
	}
	return a, nil
}

// Systems returns the registered system names in stable order.
func (r *Registry) Systems() []types.SystemName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.SystemName, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CloseAll closes every adapter, returning the first error encountered.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for name, a := range r.adapters {
		if err := a.Close(); err != nil && first == nil {
			first = fmt.Errorf("adapter: close %s: %w", name, err)
		}
		delete(r.adapters, name)
	}
	return first
}
