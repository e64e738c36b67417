// Package cache implements the PolicyCache: an immutable, indexed
// snapshot of the policy set, refreshed from a store.PolicyStore on a TTL
// with a single-flight refresh guard and a fail-open-to-last-good posture.
package cache

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/latticeauth/abac/pkg/policy"
	"github.com/latticeauth/abac/pkg/store"
)

// DiagnosticFunc receives non-fatal cache events (refresh failures served
// from last-good, redis invalidation errors). Defaults to log.Printf, the
// teacher's convention across cmd/policy and pkg/store.
type DiagnosticFunc func(format string, args ...any)

// snapshot is the immutable, indexed view of the policy set a refresh
// produces. Readers never mutate it; a refresh swaps the pointer.
type snapshot struct {
	policies          []*policy.Policy
	byAction          map[string][]*policy.Policy
	byActorCategory   map[string][]*policy.Policy
	bySubjectCategory map[string][]*policy.Policy
	builtAt           time.Time
}

func buildSnapshot(policies []*policy.Policy) *snapshot {
	s := &snapshot{
		policies:          policies,
		byAction:          map[string][]*policy.Policy{},
		byActorCategory:   map[string][]*policy.Policy{},
		bySubjectCategory: map[string][]*policy.Policy{},
		builtAt:           time.Now(),
	}
	for _, p := range policies {
		indexInto(s.byAction, p.Actions, p)
		indexInto(s.byActorCategory, p.Actors, p)
		indexInto(s.bySubjectCategory, p.Subjects, p)
	}
	return s
}

// indexInto adds p under every key in set; an empty set (meaning "matches
// any") is indexed under the wildcard key so PRP narrowing can still find
// it without special-casing emptiness at lookup time.
const wildcard = "*"

func indexInto(idx map[string][]*policy.Policy, set map[string]struct{}, p *policy.Policy) {
	if len(set) == 0 {
		idx[wildcard] = append(idx[wildcard], p)
		return
	}
	for k := range set {
		idx[k] = append(idx[k], p)
	}
}

// Cache serves an indexed policy snapshot, refreshing from Store on TTL
// expiry. Only the refresher that wins the single-flight guard talks to the
// store; a caller that finds a refresh already in flight is served the
// prior snapshot without waiting. Only a cold cache with no snapshot makes
// callers wait for the first load.
type Cache struct {
	Store      store.PolicyStore
	TTL        time.Duration
	Diagnostic DiagnosticFunc

	mu          sync.RWMutex
	current     *snapshot
	expireAt    time.Time
	lastVersion string

	refreshMu sync.Mutex

	invalidation invalidationSignal
}

// invalidationSignal is satisfied by *redisInvalidation (see redis.go). A
// nil signal means TTL is the only expiry mechanism.
type invalidationSignal interface {
	Bump(ctx context.Context) error
	Version(ctx context.Context) (string, bool)
}

func New(s store.PolicyStore, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Cache{Store: s, TTL: ttl, Diagnostic: log.Printf}
}

// Snapshot returns the current []*policy.Policy, refreshing first if the
// TTL has expired (or a distributed invalidation signal fired). On
// refresh failure it logs via Diagnostic and serves the last-good
// snapshot; a cold cache with no last-good snapshot and a failed initial
// load propagates the error.
func (c *Cache) Snapshot(ctx context.Context) ([]*policy.Policy, error) {
	s, err := c.get(ctx)
	if err != nil {
		return nil, err
	}
	return s.policies, nil
}

// ByAction narrows to policies whose action set matches action (including
// wildcard, "matches any" policies).
func (c *Cache) ByAction(ctx context.Context, action string) ([]*policy.Policy, error) {
	s, err := c.get(ctx)
	if err != nil {
		return nil, err
	}
	return mergeWildcard(s.byAction, action), nil
}

// ByActorCategory narrows to policies whose actor set matches category
// (including wildcard "matches any" policies).
func (c *Cache) ByActorCategory(ctx context.Context, category string) ([]*policy.Policy, error) {
	s, err := c.get(ctx)
	if err != nil {
		return nil, err
	}
	return mergeWildcard(s.byActorCategory, category), nil
}

// BySubjectCategory narrows to policies whose subject set matches
// category (including wildcard "matches any" policies).
func (c *Cache) BySubjectCategory(ctx context.Context, category string) ([]*policy.Policy, error) {
	s, err := c.get(ctx)
	if err != nil {
		return nil, err
	}
	return mergeWildcard(s.bySubjectCategory, category), nil
}

// mergeWildcard returns idx[key] followed by idx[wildcard]. When both are
// non-empty it builds them into a freshly allocated slice: a bare
// append(idx[key], idx[wildcard]...) would risk writing into idx[key]'s
// spare capacity, racing concurrent readers of that same index entry. When
// only one is non-empty, that index entry's own slice is returned, for the
// caller to read only.
func mergeWildcard(idx map[string][]*policy.Policy, key string) []*policy.Policy {
	direct := idx[key]
	wild := idx[wildcard]
	if len(direct) == 0 {
		return wild
	}
	if len(wild) == 0 {
		return direct
	}
	merged := make([]*policy.Policy, 0, len(direct)+len(wild))
	merged = append(merged, direct...)
	merged = append(merged, wild...)
	return merged
}

func (c *Cache) get(ctx context.Context) (*snapshot, error) {
	c.mu.RLock()
	s := c.current
	fresh := s != nil && time.Now().Before(c.expireAt) && !c.invalidated(ctx)
	c.mu.RUnlock()
	if fresh {
		return s, nil
	}
	return c.refresh(ctx, s)
}

func (c *Cache) invalidated(ctx context.Context) bool {
	if c.invalidation == nil {
		return false
	}
	v, ok := c.invalidation.Version(ctx)
	if !ok {
		return false
	}
	c.mu.RLock()
	stale := v != c.lastVersion
	c.mu.RUnlock()
	return stale
}

func (c *Cache) refresh(ctx context.Context, lastGood *snapshot) (*snapshot, error) {
	if !c.refreshMu.TryLock() {
		if lastGood != nil {
			return lastGood, nil
		}
		c.refreshMu.Lock()
	}
	defer c.refreshMu.Unlock()

	// Another goroutine may have refreshed since get's check (or, on a cold
	// cache, while we waited for the lock).
	// Re-checking invalidated(ctx) here matters: without it, a caller that
	// woke us up specifically because a distributed invalidation fired
	// would get served the very snapshot that invalidation just condemned.
	c.mu.RLock()
	s := c.current
	fresh := s != nil && time.Now().Before(c.expireAt)
	c.mu.RUnlock()
	if fresh && !c.invalidated(ctx) {
		return s, nil
	}

	policies, err := c.Store.LoadAll(ctx)
	if err != nil {
		if lastGood != nil {
			c.diag("policy cache: refresh failed, serving last-good snapshot from %s: %v", lastGood.builtAt.Format(time.RFC3339), err)
			c.mu.Lock()
			c.expireAt = time.Now().Add(c.TTL)
			c.mu.Unlock()
			return lastGood, nil
		}
		return nil, fmt.Errorf("policy cache: initial load: %w", err)
	}

	next := buildSnapshot(policies)
	c.mu.Lock()
	c.current = next
	c.expireAt = time.Now().Add(c.TTL)
	if c.invalidation != nil {
		if err := c.invalidation.Bump(ctx); err != nil {
			c.diag("policy cache: invalidation bump failed: %v", err)
		}
		if v, ok := c.invalidation.Version(ctx); ok {
			c.lastVersion = v
		}
	}
	c.mu.Unlock()
	return next, nil
}

func (c *Cache) diag(format string, args ...any) {
	if c.Diagnostic != nil {
		c.Diagnostic(format, args...)
	}
}
