// Package profiles resolves per-portfolio threshold overrides from a
// backing source behind a two level cache (process memory, then redis).
package profiles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/terminal-bench/riskengine/internal/thresholds"
)

// Source is where risk profiles live. Load returns nil overrides and no
// error when a portfolio has no profile.
type Source interface {
	Load(ctx context.Context, portfolioID string) (*thresholds.Overrides, error)
	Save(ctx context.Context, portfolioID string, o thresholds.Overrides) error
}

const keyPrefix = "riskengine:profile:"

// loadTimeout bounds a shared lookup, which outlives the caller that started it
const loadTimeout = 10 * time.Second

type entry struct {
	overrides *thresholds.Overrides
	expires   time.Time
}

// Cache fronts a Source. Concurrent misses for one portfolio share a
// single source lookup; each caller still waits on its own context. A
// lookup that overlaps an Invalidate returns its result to the callers
// already waiting but does not cache it. A nil redis client disables the
// shared layer.
type Cache struct {
	source Source
	redis  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time

	group singleflight.Group
	mu    sync.RWMutex
	local map[string]entry
	// gen is bumped by Invalidate
	gen map[string]uint64
}

func NewCache(source Source, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Cache{
		source: source,
		redis:  rdb,
		ttl:    ttl,
		logger: logger.Named("profiles"),
		now:    time.Now,
		local:  make(map[string]entry),
		gen:    make(map[string]uint64),
	}
}

// Get returns the overrides of a portfolio, nil when it has none
func (c *Cache) Get(ctx context.Context, portfolioID string) (*thresholds.Overrides, error) {
	if o, ok := c.fromLocal(portfolioID); ok {
		return o, nil
	}

	ch := c.group.DoChan(portfolioID, func() (interface{}, error) {
		return c.load(context.WithoutCancel(ctx), portfolioID)
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to load risk profile: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return copyOverrides(res.Val.(*thresholds.Overrides)), nil
	}
}

func (c *Cache) load(ctx context.Context, portfolioID string) (*thresholds.Overrides, error) {
	ctx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()

	gen := c.generation(portfolioID)
	if o, ok := c.fromRedis(ctx, portfolioID); ok {
		c.storeIfCurrent(portfolioID, gen, o)
		return o, nil
	}
	o, err := c.source.Load(ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to load risk profile: %w", err)
	}
	if c.storeIfCurrent(portfolioID, gen, o) {
		c.toRedis(ctx, portfolioID, o)
		// an Invalidate that ran during the write may have deleted the key first
		if c.generation(portfolioID) != gen {
			c.dropRedis(ctx, portfolioID)
		}
	}
	return o, nil
}

// Save writes overrides through to the source and drops cached copies
func (c *Cache) Save(ctx context.Context, portfolioID string, o thresholds.Overrides) error {
	if err := c.source.Save(ctx, portfolioID, o); err != nil {
		return fmt.Errorf("failed to save risk profile: %w", err)
	}
	c.Invalidate(ctx, portfolioID)
	return nil
}

// Invalidate drops the cached overrides of a portfolio
func (c *Cache) Invalidate(ctx context.Context, portfolioID string) {
	c.mu.Lock()
	delete(c.local, portfolioID)
	c.gen[portfolioID]++
	c.mu.Unlock()
	c.group.Forget(portfolioID)
	c.dropRedis(ctx, portfolioID)
}

func (c *Cache) dropRedis(ctx context.Context, id string) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, keyPrefix+id).Err(); err != nil {
		c.logger.Warn("redis delete failed", zap.String("portfolio", id), zap.Error(err))
	}
}

func (c *Cache) generation(id string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen[id]
}

func (c *Cache) fromLocal(id string) (*thresholds.Overrides, bool) {
	c.mu.RLock()
	e, ok := c.local[id]
	c.mu.RUnlock()
	if !ok || c.now().After(e.expires) {
		return nil, false
	}
	return copyOverrides(e.overrides), true
}

// storeIfCurrent caches o unless the portfolio was invalidated after gen
func (c *Cache) storeIfCurrent(id string, gen uint64, o *thresholds.Overrides) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen[id] != gen {
		return false
	}
	c.local[id] = entry{overrides: copyOverrides(o), expires: c.now().Add(c.ttl)}
	return true
}

// redis holds "null" for portfolios known to have no profile
func (c *Cache) fromRedis(ctx context.Context, id string) (*thresholds.Overrides, bool) {
	if c.redis == nil {
		return nil, false
	}
	raw, err := c.redis.Get(ctx, keyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("redis get failed", zap.String("portfolio", id), zap.Error(err))
		return nil, false
	}
	var o *thresholds.Overrides
	if err := json.Unmarshal(raw, &o); err != nil {
		c.logger.Warn("discarding corrupt cached profile", zap.String("portfolio", id), zap.Error(err))
		return nil, false
	}
	return o, true
}

func (c *Cache) toRedis(ctx context.Context, id string, o *thresholds.Overrides) {
	if c.redis == nil {
		return
	}
	raw, err := json.Marshal(o)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, keyPrefix+id, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("redis set failed", zap.String("portfolio", id), zap.Error(err))
	}
}

func copyOverrides(o *thresholds.Overrides) *thresholds.Overrides {
	if o == nil {
		return nil
	}
	cp := thresholds.Overrides{
		VaR95Limit:       copyFloat(o.VaR95Limit),
		VolatilityLimit:  copyFloat(o.VolatilityLimit),
		MaxDrawdownLimit: copyFloat(o.MaxDrawdownLimit),
		SharpeMin:        copyFloat(o.SharpeMin),
		SortinoMin:       copyFloat(o.SortinoMin),
	}
	return &cp
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	f := *v
	return &f
}
