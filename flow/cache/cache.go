// Package cache implements the engine's cache coordinator: key construction,
// lookup with blob-expiry demotion, and best-effort store, namespaced by
// (action_name, action_version) the same way the runtime namespaces its own
// Redis-backed result-stream keys.
package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flowgraph/engine/flow/blob"
	"github.com/flowgraph/engine/flow/telemetry"
)

// Repository is the external key/value boundary: retrieve, store, close.
// namespace is the colon-joined "(action_name, version)" prefix the
// Coordinator computes; backends are free to use it as a literal key prefix
// or as a separate partition.
type Repository interface {
	Retrieve(ctx context.Context, namespace, key string) ([]byte, bool, error)
	Store(ctx context.Context, namespace, key string, value []byte) error
	Close() error
}

// blobRefKey is the reserved JSON object key used to mark a value as a blob
// reference, so the coordinator's expiry walk can recognize it after a
// generic json.Unmarshal into `any` collapses everything to maps/slices.
const blobRefKey = "$blob"

// BlobRef is the canonical on-the-wire shape of a reference to a blob id
// embedded in an action's output. Actions that return blobs should embed a
// BlobRef (or something that marshals identically) rather than a bare blob
// id string, so the coordinator can find and validate it.
type BlobRef struct {
	ID blob.ID `json:"$blob"`
}

// Namespace builds the colon-joined namespace prefix for an action name and
// version, mirroring the runtime's own Redis key-prefixing convention
// ("registry:result-stream:%s"-style deterministic prefixing).
func Namespace(actionName string, version int) string {
	return fmt.Sprintf("action:%s:v%d", actionName, version)
}

// Coordinator is the cache coordinator described in the component design: it
// owns no state of its own beyond its backing Repository and BlobRepository,
// both of which may be nil (nil Repository disables caching entirely; nil
// BlobRepository disables expiry checking).
type Coordinator struct {
	Repo    Repository
	Blobs   blob.Repository
	Log     telemetry.Logger
	Metrics telemetry.Metrics
}

// New constructs a Coordinator. repo, blobs, or metrics may be nil.
func New(repo Repository, blobs blob.Repository, log telemetry.Logger, metrics telemetry.Metrics) *Coordinator {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Coordinator{Repo: repo, Blobs: blobs, Log: log, Metrics: metrics}
}

// Lookup attempts a cache hit for namespace/key. On hit it JSON-decodes the
// stored bytes into `out` (a pointer) and returns true. If the decoded value
// transitively references a blob id that no longer exists in the blob
// repository, the hit is demoted to a miss (false, nil) so callers never
// serve a stale pointer. Every attempted lookup (repo non-nil, key non-empty)
// increments a flow.cache.hit or flow.cache.miss counter tagged by namespace.
func (c *Coordinator) Lookup(ctx context.Context, namespace, key string, out any) (bool, error) {
	if c.Repo == nil || key == "" {
		return false, nil
	}
	raw, ok, err := c.Repo.Retrieve(ctx, namespace, key)
	if err != nil {
		c.Log.Warn(ctx, "cache retrieve failed", "namespace", namespace, "key", key, "error", err.Error())
		c.Metrics.IncCounter("flow.cache.miss", 1, "namespace", namespace)
		return false, nil
	}
	if !ok {
		c.Metrics.IncCounter("flow.cache.miss", 1, "namespace", namespace)
		return false, nil
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		c.Log.Warn(ctx, "cache hit failed to decode", "namespace", namespace, "key", key, "error", err.Error())
		c.Metrics.IncCounter("flow.cache.miss", 1, "namespace", namespace)
		return false, nil
	}
	if c.Blobs != nil && containsExpiredBlob(ctx, c.Blobs, generic) {
		c.Log.Info(ctx, "cache hit demoted to miss: referenced blob expired", "namespace", namespace, "key", key)
		c.Metrics.IncCounter("flow.cache.miss", 1, "namespace", namespace)
		return false, nil
	}

	if err := json.Unmarshal(raw, out); err != nil {
		c.Log.Warn(ctx, "cache hit failed to decode into target type", "namespace", namespace, "key", key, "error", err.Error())
		c.Metrics.IncCounter("flow.cache.miss", 1, "namespace", namespace)
		return false, nil
	}
	c.Metrics.IncCounter("flow.cache.hit", 1, "namespace", namespace)
	return true, nil
}

// Store serializes value canonically and writes it under namespace/key,
// swallowing both serialization and backend failures as warnings (cache
// writes are always best-effort). A successful write increments a
// flow.cache.store counter tagged by namespace.
func (c *Coordinator) Store(ctx context.Context, namespace, key string, value any) {
	if c.Repo == nil || key == "" {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		c.Log.Warn(ctx, "cache value not serializable, skipping store", "namespace", namespace, "key", key, "error", err.Error())
		return
	}
	if err := c.Repo.Store(ctx, namespace, key, raw); err != nil {
		c.Log.Warn(ctx, "cache store failed", "namespace", namespace, "key", key, "error", err.Error())
		return
	}
	c.Metrics.IncCounter("flow.cache.store", 1, "namespace", namespace)
}

// CanonicalKey returns the deterministic JSON serialization of v, used as
// the cache key when an action invocation carries no explicit cache_key
// expression. encoding/json sorts map keys on marshal, which is what makes
// this serialization round-trip-stable across runs.
func CanonicalKey(v any) (string, bool) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func containsExpiredBlob(ctx context.Context, blobs blob.Repository, v any) bool {
	switch val := v.(type) {
	case map[string]any:
		if idRaw, ok := val[blobRefKey]; ok {
			id, ok := idRaw.(string)
			if !ok {
				return false
			}
			exists, err := blobs.Exists(ctx, blob.ID(id))
			if err != nil {
				return false
			}
			return !exists
		}
		for _, child := range val {
			if containsExpiredBlob(ctx, blobs, child) {
				return true
			}
		}
		return false
	case []any:
		for _, child := range val {
			if containsExpiredBlob(ctx, blobs, child) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
