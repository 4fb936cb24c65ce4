/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package cache is the distributed counter engine: it builds per-window
// cache keys, performs batched atomic increments against the backing
// store, classifies each counter as OK / near-limit / over-limit, and
// enforces a process-local negative cache of over-limit keys within the
// current window.
package cache

import (
	"context"
	"math"
	"time"

	"github.com/acronis/go-ratelimit/corelimit/backend"
	"github.com/acronis/go-ratelimit/corelimit/configcompile"
	"github.com/acronis/go-ratelimit/corelimit/resolve"
	"github.com/acronis/go-ratelimit/lrucache"
)

// BatchItem is one descriptor chain to evaluate within a should-rate-limit
// batch, along with the number of hits it represents.
type BatchItem struct {
	Descriptors configcompile.Descriptor
	HitsAddend  uint32
}

// Status is the classification result for one BatchItem.
type Status struct {
	// CurrentLimit is the limit that was resolved for this item: the
	// rate_limit of the deepest matched node that carries one. It is nil
	// only when no matched node along the chain defines a rate_limit.
	CurrentLimit *configcompile.Limit

	// OverLimit is the visible verdict, already masked by shadow mode.
	OverLimit bool

	// NearLimit is reported regardless of shadow mode; it never affects OverLimit.
	NearLimit bool

	LimitRemaining     uint32
	DurationUntilReset time.Duration
}

// Core is the cache core: it owns the process-local over-limit cache and
// drives the backend pool.
type Core struct {
	pool       *backend.Pool
	cfg        Config
	metrics    MetricsHook
	localCache *lrucache.LRUCache[string, struct{}]
	now        func() time.Time
}

// NewCore creates a Core backed by pool, configured by cfg. metrics may be
// nil, in which case events are discarded.
func NewCore(pool *backend.Pool, cfg Config, metrics MetricsHook) (*Core, error) {
	if metrics == nil {
		metrics = NewDisabledMetricsHook()
	}
	localCache, err := lrucache.New[string, struct{}](cfg.LocalCacheCapacity, nil)
	if err != nil {
		return nil, err
	}
	return &Core{
		pool:       pool,
		cfg:        cfg,
		metrics:    metrics,
		localCache: localCache,
		now:        time.Now,
	}, nil
}

// deepestLimit returns the rate_limit of the deepest matched node in limits
// that actually carries one, falling back toward the root past matched
// ancestors whose own node defines no rate_limit. limits[i] is nil both for
// an unmatched position and for a matched node with no rate_limit of its
// own, so a nil tail must not be mistaken for "no limit applies".
func deepestLimit(limits []*configcompile.Limit) *configcompile.Limit {
	for i := len(limits) - 1; i >= 0; i-- {
		if limits[i] != nil {
			return limits[i]
		}
	}
	return nil
}

// pendingOp is the bookkeeping needed to turn a backend.OpResult back into a
// Status once the pipelined batch returns.
type pendingOp struct {
	idx       int
	key       string
	limit     *configcompile.Limit
	unitStart int64
	divisor   int64
}

// ShouldRateLimit evaluates every item in the batch independently against
// domain's compiled configuration, returning one Status per item in input order.
func (c *Core) ShouldRateLimit(
	ctx context.Context, cc *configcompile.CompiledConfig, domain string, items []BatchItem,
) ([]Status, error) {
	statuses := make([]Status, len(items))
	now := c.now()

	var pendings []pendingOp
	var ops []backend.Op

	for i, item := range items {
		limits := resolve.Resolve(cc, domain, item.Descriptors)
		limit := deepestLimit(limits)
		if limit == nil {
			continue // OK, zero-value Status: no limit resolved anywhere along the chain
		}
		if limit.Unlimited {
			statuses[i] = Status{CurrentLimit: limit, LimitRemaining: math.MaxUint32}
			continue
		}

		divisor := limit.Unit.Seconds()
		unitStart := (now.Unix() / divisor) * divisor
		key := buildCounterKey(c.cfg.CounterKeyPrefix, domain, item.Descriptors, unitStart)
		resetIn := time.Duration(unitStart+divisor-now.Unix()) * time.Second

		if _, hit := c.localCache.Get(key); hit {
			c.metrics.IncLocalCacheHit()
			overLimit := true
			if limit.ShadowMode {
				c.metrics.IncShadowed()
				overLimit = false
			}
			statuses[i] = Status{
				CurrentLimit:       limit,
				OverLimit:          overLimit,
				DurationUntilReset: resetIn,
			}
			continue
		}
		c.metrics.IncLocalCacheMiss()

		pendings = append(pendings, pendingOp{idx: i, key: key, limit: limit, unitStart: unitStart, divisor: divisor})
		ops = append(ops, backend.Op{
			Key:       key,
			Addend:    int64(item.HitsAddend),
			TTL:       time.Duration(divisor)*time.Second + localCacheSafetySlack*time.Second,
			PerSecond: limit.Unit == configcompile.UnitSecond,
		})
	}

	if len(pendings) == 0 {
		return statuses, nil
	}

	start := c.now()
	results, err := c.pool.Pipeline(ctx, ops)
	c.metrics.ObserveBackendLatency(c.now().Sub(start))
	if err != nil {
		// The pool itself never returns a top-level error (every failure is
		// carried per-op in results); this branch only guards a caller
		// contract change and is treated the same as per-op fail-open.
		for _, p := range pendings {
			c.applyFailOpen(statuses, p, now)
		}
		return statuses, nil
	}

	for j, p := range pendings {
		res := results[j]
		if res.Err != nil {
			c.metrics.IncBackendError()
			c.applyFailOpen(statuses, p, now)
			continue
		}
		statuses[p.idx] = c.classify(p, res.Value, now)
	}

	return statuses, nil
}

func (c *Core) applyFailOpen(statuses []Status, p pendingOp, now time.Time) {
	statuses[p.idx] = Status{
		CurrentLimit:       p.limit,
		OverLimit:          false,
		LimitRemaining:     p.limit.RequestsPerUnit,
		DurationUntilReset: time.Duration(p.unitStart+p.divisor-now.Unix()) * time.Second,
	}
}

func (c *Core) classify(p pendingOp, n int64, now time.Time) Status {
	resetIn := time.Duration(p.unitStart+p.divisor-now.Unix()) * time.Second

	remaining := int64(p.limit.RequestsPerUnit) - n
	if remaining < 0 {
		remaining = 0
	}

	overLimit := n > int64(p.limit.RequestsPerUnit)
	nearLimitThreshold := int64(math.Ceil(float64(p.limit.RequestsPerUnit) * c.cfg.NearLimitRatio))
	nearLimit := !overLimit && n >= nearLimitThreshold

	visibleOverLimit := overLimit
	switch {
	case overLimit:
		c.localCache.AddWithTTL(p.key, struct{}{}, resetIn)
		c.metrics.IncOverLimit()
		if p.limit.ShadowMode {
			c.metrics.IncShadowed()
			visibleOverLimit = false
		}
	case nearLimit:
		c.metrics.IncNearLimit()
	default:
		c.metrics.IncWithinLimit()
	}

	return Status{
		CurrentLimit:       p.limit,
		OverLimit:          visibleOverLimit,
		NearLimit:          nearLimit,
		LimitRemaining:     uint32(remaining),
		DurationUntilReset: resetIn,
	}
}
