// Package resources implements the cache-first resource store: reads prefer
// a valid cached row over contacting the remote system, and every local
// mutation synchronously invalidates the cache entries it could have staled.
package resources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/stackpilot/stackpilot/pkg/stores"
	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

// DefaultTTL is the cache lifetime applied to freshly fetched resources.
const DefaultTTL = 300 * time.Second

// ErrInvalidResourceData is returned when a remote fetch yields a malformed
// resource. Nothing is stored in that case.
var ErrInvalidResourceData = errors.New("invalid resource data")

// FetchFunc contacts the remote system for a resource that is not cached.
type FetchFunc func(ctx context.Context, resourceType, name, namespace string) (*stores.Resource, error)

// FillFunc produces a query snapshot for CachedQuery on a cache miss.
type FillFunc func(ctx context.Context) (string, error)

// Store layers cache semantics over the persistence layer.
type Store struct {
	backend stores.Store
	ttl     time.Duration
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides the default cache TTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a resource store backed by the given persistence layer.
func NewStore(backend stores.Store, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		ttl:     DefaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CacheKey builds the canonical cache key for a resource identity.
func CacheKey(resourceType, namespace, name string) string {
	return fmt.Sprintf("%s:%s:%s", resourceType, namespace, name)
}

// Get returns the resource for (type, name, namespace), preferring a valid
// cached row. On a miss the fetch callback is invoked, its result validated
// and upserted with a fresh TTL. A soft-deleted row is reported as not found.
func (s *Store) Get(ctx context.Context, resourceType, name, namespace string, fetch FetchFunc) (*stores.Resource, error) {
	now := s.now().Unix()

	cached, err := s.backend.GetResource(ctx, namespace, resourceType, name)
	switch {
	case err == nil:
		if cached.InvalidatedAt == nil && cached.CacheExpiresAt > now {
			telemetry.CacheHits.Inc()
			log.Debug().
				Str("component", "resources").
				Str("cache_key", cached.CacheKey).
				Msg("cache hit")
			return cached, nil
		}
	case errors.Is(err, stores.ErrNotFound):
		// fall through to fetch
	default:
		return nil, fmt.Errorf("cache lookup failed: %w", err)
	}

	telemetry.CacheMisses.Inc()

	if fetch == nil {
		return nil, fmt.Errorf("resource %s/%s/%s not cached and no fetcher supplied: %w",
			namespace, resourceType, name, stores.ErrNotFound)
	}

	fetched, err := fetch(ctx, resourceType, name, namespace)
	if err != nil {
		return nil, fmt.Errorf("remote fetch failed: %w", err)
	}

	if err := validate(fetched); err != nil {
		return nil, err
	}

	s.prepare(fetched, resourceType, name, namespace, now)
	if err := s.backend.UpsertResource(ctx, fetched); err != nil {
		return nil, fmt.Errorf("failed to store fetched resource: %w", err)
	}

	stored, err := s.backend.GetResource(ctx, namespace, resourceType, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read back fetched resource: %w", err)
	}
	return stored, nil
}

// Put upserts a resource by its uniqueness invariant and synchronously
// invalidates same-type cache entries, so a later cache hit can never read
// state stale relative to this write. Invalidation is retried until durable.
func (s *Store) Put(ctx context.Context, r *stores.Resource) error {
	if err := validate(r); err != nil {
		return err
	}

	now := s.now().Unix()

	changed := true
	existing, err := s.backend.GetResourceAny(ctx, r.Namespace, r.ResourceType, r.Name)
	if err == nil {
		changed = existing.Snapshot != r.Snapshot ||
			existing.ProvisioningState != r.ProvisioningState ||
			existing.Tags != r.Tags
	} else if !errors.Is(err, stores.ErrNotFound) {
		return fmt.Errorf("pre-write lookup failed: %w", err)
	}

	s.prepare(r, r.ResourceType, r.Name, r.Namespace, now)

	if err := s.backend.UpsertResource(ctx, r); err != nil {
		return fmt.Errorf("failed to upsert resource: %w", err)
	}

	if !changed {
		return nil
	}
	return s.invalidateSameType(ctx, r.ResourceType, now)
}

// invalidateSameType marks query snapshots of one resource type stale. It
// must succeed before the surrounding write counts as durable.
func (s *Store) invalidateSameType(ctx context.Context, resourceType string, now int64) error {
	reason := "write to " + resourceType
	err := retry.Do(
		func() error {
			_, err := s.backend.InvalidateCache(ctx, resourceType+":%", reason, now)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(3),
	)
	if err != nil {
		return fmt.Errorf("cache invalidation failed: %w", err)
	}
	return nil
}

// Invalidate immediately marks matching cache keys invalid, both in the
// resources table and in the query snapshot cache.
func (s *Store) Invalidate(ctx context.Context, pattern, reason string) error {
	now := s.now().Unix()

	if _, err := s.backend.InvalidateResourcesByCacheKey(ctx, pattern, reason, now); err != nil {
		return fmt.Errorf("failed to invalidate resources: %w", err)
	}
	if _, err := s.backend.InvalidateCache(ctx, pattern, reason, now); err != nil {
		return fmt.Errorf("failed to invalidate cache metadata: %w", err)
	}

	log.Debug().
		Str("component", "resources").
		Str("pattern", pattern).
		Str("reason", reason).
		Msg("cache invalidated")
	return nil
}

// InvalidateType marks every cached row and query snapshot of one resource
// type stale, forcing the next read of any resource of that type back to the
// remote system.
func (s *Store) InvalidateType(ctx context.Context, resourceType, reason string) error {
	now := s.now().Unix()

	rows, err := s.backend.InvalidateResourcesByType(ctx, resourceType, reason, now)
	if err != nil {
		return fmt.Errorf("failed to invalidate %s resources: %w", resourceType, err)
	}
	if _, err := s.backend.InvalidateCache(ctx, resourceType+":%", reason, now); err != nil {
		return fmt.Errorf("failed to invalidate cache metadata: %w", err)
	}

	log.Debug().
		Str("component", "resources").
		Str("resource_type", resourceType).
		Int64("rows", rows).
		Str("reason", reason).
		Msg("resource type invalidated")
	return nil
}

// SoftDelete marks a resource deleted without cascading its edge history.
// Same-type query snapshots are invalidated synchronously: a deletion
// changes list results just like any other write.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	now := s.now().Unix()

	r, err := s.backend.GetResourceByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to look up resource %s: %w", id, err)
	}
	if err := s.backend.SoftDeleteResource(ctx, id, now); err != nil {
		return err
	}
	return s.invalidateSameType(ctx, r.ResourceType, now)
}

// GetAudit returns the row for an identity including soft-deleted rows.
func (s *Store) GetAudit(ctx context.Context, resourceType, name, namespace string) (*stores.Resource, error) {
	return s.backend.GetResourceAny(ctx, namespace, resourceType, name)
}

// CachedQuery serves a list/aggregate query snapshot from cache_metadata,
// filling it via the supplied function on a miss.
func (s *Store) CachedQuery(ctx context.Context, key string, ttl time.Duration, fill FillFunc) (string, error) {
	now := s.now().Unix()

	entry, err := s.backend.GetCacheEntry(ctx, key, now)
	if err == nil {
		telemetry.CacheHits.Inc()
		if err := s.backend.IncrementCacheHit(ctx, key); err != nil {
			log.Warn().Err(err).Str("cache_key", key).Msg("failed to bump cache hit counter")
		}
		return entry.Payload, nil
	}
	if !errors.Is(err, stores.ErrNotFound) {
		return "", fmt.Errorf("cache lookup failed: %w", err)
	}

	telemetry.CacheMisses.Inc()

	payload, err := fill(ctx)
	if err != nil {
		return "", fmt.Errorf("query fill failed: %w", err)
	}

	if ttl <= 0 {
		ttl = s.ttl
	}
	e := &stores.CacheEntry{
		CacheKey:  key,
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: now + int64(ttl.Seconds()),
	}
	if err := s.backend.UpsertCacheEntry(ctx, e); err != nil {
		return "", fmt.Errorf("failed to store query snapshot: %w", err)
	}

	return payload, nil
}

// prepare normalizes identity, IDs and cache bookkeeping before an upsert.
func (s *Store) prepare(r *stores.Resource, resourceType, name, namespace string, now int64) {
	r.ResourceType = resourceType
	r.Name = name
	r.Namespace = namespace
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.CacheKey = CacheKey(resourceType, namespace, name)
	r.CacheExpiresAt = now + int64(s.ttl.Seconds())
	r.InvalidatedAt = nil
	r.InvalidationReason = nil
	if r.DiscoveredAt == 0 {
		r.DiscoveredAt = now
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
}

// validate rejects malformed resources before they can reach the store.
func validate(r *stores.Resource) error {
	if r == nil {
		return fmt.Errorf("nil resource: %w", ErrInvalidResourceData)
	}
	if r.ResourceType == "" || r.Name == "" || r.Namespace == "" {
		return fmt.Errorf("resource missing type, name or namespace: %w", ErrInvalidResourceData)
	}
	if r.Snapshot == "" {
		return fmt.Errorf("resource %s/%s has empty snapshot: %w", r.ResourceType, r.Name, ErrInvalidResourceData)
	}
	if !json.Valid([]byte(r.Snapshot)) {
		return fmt.Errorf("resource %s/%s snapshot is not valid JSON: %w", r.ResourceType, r.Name, ErrInvalidResourceData)
	}
	if r.Tags != "" && !json.Valid([]byte(r.Tags)) {
		return fmt.Errorf("resource %s/%s tag set is not valid JSON: %w", r.ResourceType, r.Name, ErrInvalidResourceData)
	}
	return nil
}
