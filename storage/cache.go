package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/james-iacabucci/formedfor-operations-sub001/domain"
	"github.com/james-iacabucci/formedfor-operations-sub001/ordering"
)

// generationTTL bounds the lifetime of an owner's eviction counter. It only
// has to outlive a single backend read.
const generationTTL = 24 * time.Hour

var errStaleListing = errors.New("listing predates an eviction")

// Cache wraps a store with Redis caching of scope listings. Any write by an
// owner evicts every cached scope of that owner and bumps the owner's
// generation; a listing read before such a bump is never cached.
type Cache struct {
	base  ordering.Store
	redis *redis.Client
	ttl   time.Duration
}

var (
	_ ordering.Store      = (*Cache)(nil)
	_ ordering.Transactor = (*Cache)(nil)
	_ ordering.Direct     = (*Cache)(nil)
)

// NewCache creates a caching wrapper around base. A nil client or a zero TTL
// disables caching.
func NewCache(base ordering.Store, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base store is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) GetTask(ctx context.Context, ownerID, id string) (domain.Task, error) {
	return c.base.GetTask(ctx, ownerID, id)
}

// Uncached returns the backing store.
func (c *Cache) Uncached() ordering.Store { return c.base }

func (c *Cache) ListScope(ctx context.Context, ownerID, scopeKey string) ([]domain.Task, error) {
	if tasks, ok := c.load(ctx, ownerID, scopeKey); ok {
		return tasks, nil
	}
	gen, genOK := c.generation(ctx, ownerID)
	tasks, err := c.base.ListScope(ctx, ownerID, scopeKey)
	if err != nil {
		return nil, err
	}
	if genOK {
		c.store(ctx, ownerID, scopeKey, gen, tasks)
	}
	return tasks, nil
}

func (c *Cache) ShiftRange(ctx context.Context, shift domain.RangeShift) (int, error) {
	defer c.evict(ctx, shift.OwnerID)
	return c.base.ShiftRange(ctx, shift)
}

func (c *Cache) UpdatePlacement(ctx context.Context, p domain.Placement) (domain.Task, error) {
	defer c.evict(ctx, p.OwnerID)
	return c.base.UpdatePlacement(ctx, p)
}

func (c *Cache) InsertTask(ctx context.Context, t domain.Task) error {
	defer c.evict(ctx, t.OwnerID)
	return c.base.InsertTask(ctx, t)
}

func (c *Cache) DeleteTask(ctx context.Context, ownerID, id string) error {
	defer c.evict(ctx, ownerID)
	return c.base.DeleteTask(ctx, ownerID, id)
}

// WithinTx delegates to the base store when it supports transactions and
// evicts the owners written inside fn once the transaction ends.
func (c *Cache) WithinTx(ctx context.Context, fn func(ordering.Store) error) error {
	tx, ok := c.base.(ordering.Transactor)
	if !ok {
		return fn(c)
	}
	owners := map[string]struct{}{}
	defer func() {
		for owner := range owners {
			c.evict(ctx, owner)
		}
	}()
	return tx.WithinTx(ctx, func(st ordering.Store) error {
		return fn(&ownerTracker{Store: st, owners: owners})
	})
}

// ownerTracker records the owners whose tasks were written.
type ownerTracker struct {
	ordering.Store
	owners map[string]struct{}
}

func (t *ownerTracker) ShiftRange(ctx context.Context, shift domain.RangeShift) (int, error) {
	t.owners[shift.OwnerID] = struct{}{}
	return t.Store.ShiftRange(ctx, shift)
}

func (t *ownerTracker) UpdatePlacement(ctx context.Context, p domain.Placement) (domain.Task, error) {
	t.owners[p.OwnerID] = struct{}{}
	return t.Store.UpdatePlacement(ctx, p)
}

func (t *ownerTracker) InsertTask(ctx context.Context, task domain.Task) error {
	t.owners[task.OwnerID] = struct{}{}
	return t.Store.InsertTask(ctx, task)
}

func (t *ownerTracker) DeleteTask(ctx context.Context, ownerID, id string) error {
	t.owners[ownerID] = struct{}{}
	return t.Store.DeleteTask(ctx, ownerID, id)
}

func (c *Cache) load(ctx context.Context, ownerID, scopeKey string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	key := scopeCacheKey(ownerID, scopeKey)
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing store without failing.
			log.WithError(err).WithField("key", key).Warn("scope cache read failed")
			_ = c.redis.Del(ctx, key).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return nil, false
	}
	return tasks, true
}

// generation reads the eviction counter of an owner. A missing counter is
// the empty generation.
func (c *Cache) generation(ctx context.Context, ownerID string) (string, bool) {
	if c.redis == nil || c.ttl == 0 {
		return "", false
	}
	gen, err := c.redis.Get(ctx, generationKey(ownerID)).Result()
	if err != nil && err != redis.Nil {
		return "", false
	}
	return gen, true
}

// store caches tasks unless the owner's generation moved past gen. The
// generation key is watched so an eviction racing the write aborts it.
func (c *Cache) store(ctx context.Context, ownerID, scopeKey, gen string, tasks []domain.Task) {
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	key := scopeCacheKey(ownerID, scopeKey)
	idx := ownerIndexKey(ownerID)
	genKey := generationKey(ownerID)
	err = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if current != gen {
			return errStaleListing
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, c.ttl)
			pipe.SAdd(ctx, idx, key)
			pipe.Expire(ctx, idx, c.ttl)
			return nil
		})
		return err
	}, genKey)
	switch {
	case err == nil:
	case errors.Is(err, errStaleListing), errors.Is(err, redis.TxFailedErr):
		log.WithField("key", key).Debug("skipping stale scope listing")
	default:
		log.WithError(err).WithField("key", key).Warn("scope cache write failed")
	}
}

func (c *Cache) evict(ctx context.Context, ownerID string) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	idx := ownerIndexKey(ownerID)
	genKey := generationKey(ownerID)
	keys, err := c.redis.SMembers(ctx, idx).Result()
	if err != nil {
		log.WithError(err).WithField("owner", ownerID).Warn("scope cache index read failed")
	}
	_, err = c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, generationTTL)
		pipe.Del(ctx, append(keys, idx)...)
		return nil
	})
	if err != nil {
		log.WithError(err).WithField("owner", ownerID).Warn("scope cache eviction failed")
	}
}

func scopeCacheKey(ownerID, scopeKey string) string {
	return "tasks:" + ownerID + ":" + scopeKey
}

func ownerIndexKey(ownerID string) string {
	return "scopes:" + ownerID
}

func generationKey(ownerID string) string {
	return "scopes-gen:" + ownerID
}
