// Package statekv implements the namespaced key/value surface with TTL
// exposed to running steps and to the Ingress API (§4.5), built on top of
// store.Store's raw KV surface.
package statekv

import (
	"context"
	"fmt"
	"strings"
	"time"

	"goa.design/flow/flowerrors"
	"goa.design/flow/store"
)

// Global is the namespace for engine-wide state.
const Global = "global"

// WorkflowNamespace returns the namespace scoping state to one workflow.
func WorkflowNamespace(workflowID string) string {
	return fmt.Sprintf("workflow:%s", workflowID)
}

// RunNamespace returns the namespace scoping state to one run of a workflow.
func RunNamespace(workflowID, runID string) string {
	return fmt.Sprintf("workflow:%s:run:%s", workflowID, runID)
}

// Stats summarizes one namespace's occupancy.
type Stats struct {
	Namespace string
	KeyCount  int
}

// KV is the state key/value facade. All operations are scoped to a
// namespace chosen by the caller (Global, WorkflowNamespace, or
// RunNamespace); the zero value is not usable, use New.
type KV struct {
	backend store.KV
}

// New wraps a store.KV as a StateKV facade.
func New(backend store.KV) *KV {
	return &KV{backend: backend}
}

// Get returns the value stored at key in ns, or found=false if absent or
// expired.
func (k *KV) Get(ctx context.Context, ns, key string) ([]byte, bool, error) {
	val, ok, err := k.backend.Get(ctx, ns, key)
	if err != nil {
		return nil, false, flowerrors.Wrap(flowerrors.Store, "statekv get", err)
	}
	return val, ok, nil
}

// Set stores value at key in ns. ttl of zero means no expiry.
func (k *KV) Set(ctx context.Context, ns, key string, value []byte, ttl time.Duration) error {
	if err := k.backend.Set(ctx, ns, key, value, ttl); err != nil {
		return flowerrors.Wrap(flowerrors.Store, "statekv set", err)
	}
	return nil
}

// Delete removes key from ns. Deleting an absent key is not an error.
func (k *KV) Delete(ctx context.Context, ns, key string) error {
	if err := k.backend.Delete(ctx, ns, key); err != nil {
		return flowerrors.Wrap(flowerrors.Store, "statekv delete", err)
	}
	return nil
}

// Incr atomically adds delta to the numeric value at key (treated as 0 if
// absent) and returns the new value. It fails with flowerrors.TypeMismatch
// if the existing value is not a base-10 integer.
func (k *KV) Incr(ctx context.Context, ns, key string, delta int64) (int64, error) {
	next, err := k.backend.Incr(ctx, ns, key, delta)
	if err != nil {
		if flowerrors.Is(err, flowerrors.TypeMismatch) {
			return 0, err
		}
		return 0, flowerrors.Wrap(flowerrors.Store, "statekv incr", err)
	}
	return next, nil
}

// Exists reports whether key is present and unexpired in ns.
func (k *KV) Exists(ctx context.Context, ns, key string) (bool, error) {
	_, ok, err := k.Get(ctx, ns, key)
	return ok, err
}

// Keys returns all unexpired keys in ns matching pattern. Pattern supports a
// single trailing "*" wildcard; an empty pattern matches all keys. The scan
// is eventually consistent: concurrent writes during the scan may or may not
// be observed, but no key is returned twice.
func (k *KV) Keys(ctx context.Context, ns, pattern string) ([]string, error) {
	keys, err := k.backend.Scan(ctx, ns, pattern)
	if err != nil {
		return nil, flowerrors.Wrap(flowerrors.Store, "statekv keys", err)
	}
	return keys, nil
}

// MGet fetches several keys from ns at once. Missing or expired keys are
// simply absent from the result map.
func (k *KV) MGet(ctx context.Context, ns string, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		val, ok, err := k.Get(ctx, ns, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out[key] = val
		}
	}
	return out, nil
}

// MSet writes several key/value pairs to ns with a shared ttl.
func (k *KV) MSet(ctx context.Context, ns string, entries map[string][]byte, ttl time.Duration) error {
	for key, val := range entries {
		if err := k.Set(ctx, ns, key, val, ttl); err != nil {
			return err
		}
	}
	return nil
}

// Clear deletes every key in ns.
func (k *KV) Clear(ctx context.Context, ns string) error {
	keys, err := k.Keys(ctx, ns, "*")
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := k.Delete(ctx, ns, key); err != nil {
			return err
		}
	}
	return nil
}

// StatsOf reports the number of live keys in ns.
func (k *KV) StatsOf(ctx context.Context, ns string) (Stats, error) {
	keys, err := k.Keys(ctx, ns, "*")
	if err != nil {
		return Stats{}, err
	}
	return Stats{Namespace: ns, KeyCount: len(keys)}, nil
}

// Cleanup deletes every expired entry across all namespaces and returns the
// count removed.
func (k *KV) Cleanup(ctx context.Context) (int, error) {
	n, err := k.backend.ReapExpired(ctx)
	if err != nil {
		return 0, flowerrors.Wrap(flowerrors.Store, "statekv cleanup", err)
	}
	return n, nil
}

// IsRunNamespace reports whether ns was produced by RunNamespace.
func IsRunNamespace(ns string) bool {
	return strings.HasPrefix(ns, "workflow:") && strings.Contains(ns, ":run:")
}
