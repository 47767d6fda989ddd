// Package registry tracks live OS resources (automation server processes,
// booted simulators and emulators) so that nothing a run spawned survives it.
//
// Jobs register every resource they start and unregister it during their own
// cleanup. The orchestrator calls StopAll once at the end of the run as a
// final safety net; on a clean run the table is already empty by then.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ManagedResource is anything holding an OS resource that must be released.
// Stop must be idempotent: stopping an already-stopped resource returns nil.
type ManagedResource interface {
	// ID identifies the underlying resource (port, UDID, serial).
	ID() string

	// Stop releases the resource. Idempotent.
	Stop(ctx context.Context) error
}

// Registry is a keyed table of live resources. Keys are scoped per job
// (see ServerKey, IOSSimKey, AndroidEmuKey) so parallel jobs never collide.
type Registry struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]ManagedResource
	order   []string // insertion order; StopAll releases newest first
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		logger:  logger,
		entries: make(map[string]ManagedResource),
	}
}

// Register stores res under key. Registering over an existing key is an
// error: it means two jobs claimed the same port or device.
func (r *Registry) Register(key string, res ManagedResource) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[key]; exists {
		return fmt.Errorf("resource %q already registered", key)
	}

	r.entries[key] = res
	r.order = append(r.order, key)

	r.logger.Debug("resource_registered",
		"key", key,
		"resource_id", res.ID(),
		"live", len(r.entries),
	)
	return nil
}

// Unregister stops the resource stored under key and removes it from the
// table. Unknown keys are a no-op so cleanup paths can unregister
// unconditionally.
func (r *Registry) Unregister(ctx context.Context, key string) error {
	r.mu.Lock()
	res, exists := r.entries[key]
	if exists {
		delete(r.entries, key)
		r.removeFromOrder(key)
	}
	r.mu.Unlock()

	if !exists {
		return nil
	}

	// Stop outside the lock: stopping an emulator can take seconds and
	// other jobs keep registering meanwhile.
	if err := res.Stop(ctx); err != nil {
		r.logger.Warn("resource_stop_failed",
			"key", key,
			"resource_id", res.ID(),
			"error", err,
		)
		return fmt.Errorf("stopping %q: %w", key, err)
	}

	r.logger.Debug("resource_released", "key", key, "resource_id", res.ID())
	return nil
}

// StopAll stops every registered resource, newest first, and clears the
// table. Stop errors are collected and joined; one failing stop never
// prevents the remaining stops.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	keys := make([]string, len(r.order))
	copy(keys, r.order)
	entries := r.entries
	r.entries = make(map[string]ManagedResource)
	r.order = nil
	r.mu.Unlock()

	if len(keys) == 0 {
		return nil
	}

	r.logger.Info("stopping_leftover_resources", "count", len(keys))

	var errs []error
	for i := len(keys) - 1; i >= 0; i-- {
		key := keys[i]
		res := entries[key]
		if err := res.Stop(ctx); err != nil {
			r.logger.Warn("resource_stop_failed",
				"key", key,
				"resource_id", res.ID(),
				"error", err,
			)
			errs = append(errs, fmt.Errorf("stopping %q: %w", key, err))
		}
	}

	return errors.Join(errs...)
}

// Len returns the number of live resources.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Keys returns the registered keys in insertion order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, len(r.order))
	copy(keys, r.order)
	return keys
}

// removeFromOrder drops key from the insertion-order slice. Caller holds mu.
func (r *Registry) removeFromOrder(key string) {
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// ServerKey returns the registry key for an automation server on port.
func ServerKey(port int) string {
	return fmt.Sprintf("server-%d", port)
}

// IOSSimKey returns the registry key for a booted iOS simulator.
func IOSSimKey(udid string) string {
	return fmt.Sprintf("ios-sim-%s", udid)
}

// AndroidEmuKey returns the registry key for a running Android emulator.
func AndroidEmuKey(serial string) string {
	return fmt.Sprintf("android-emu-%s", serial)
}
