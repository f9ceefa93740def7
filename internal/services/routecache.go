package services

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/models"
)

// RouteCache stores optimal routes. Keys embed the graph version, so entries
// of an older graph are never hit again and only age out.
type RouteCache interface {
	Get(ctx context.Context, key string) (models.OptimalRoute, bool)
	Set(ctx context.Context, key string, route models.OptimalRoute)
}

// MemoryRouteCache is an in-process LRU with a TTL.
type MemoryRouteCache struct {
	mu   sync.Mutex
	cap  int
	ttl  time.Duration
	lst  *list.List
	dict map[string]*list.Element
	now  func() time.Time
}

type routeEntry struct {
	k   string
	v   models.OptimalRoute
	exp time.Time
}

func NewMemoryRouteCache(capacity int, ttl time.Duration) *MemoryRouteCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemoryRouteCache{cap: capacity, ttl: ttl, lst: list.New(), dict: make(map[string]*list.Element), now: time.Now}
}

func (c *MemoryRouteCache) Get(_ context.Context, k string) (models.OptimalRoute, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.dict[k]; ok {
		it := e.Value.(routeEntry)
		if c.ttl <= 0 || c.now().Before(it.exp) {
			c.lst.MoveToFront(e)
			return it.v, true
		}
		c.lst.Remove(e)
		delete(c.dict, k)
	}
	return models.OptimalRoute{}, false
}

func (c *MemoryRouteCache) Set(_ context.Context, k string, v models.OptimalRoute) {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp := c.now().Add(c.ttl)
	if e, ok := c.dict[k]; ok {
		e.Value = routeEntry{k: k, v: v, exp: exp}
		c.lst.MoveToFront(e)
		return
	}
	c.dict[k] = c.lst.PushFront(routeEntry{k: k, v: v, exp: exp})
	for c.lst.Len() > c.cap {
		back := c.lst.Back()
		it := back.Value.(routeEntry)
		delete(c.dict, it.k)
		c.lst.Remove(back)
	}
}

func (c *MemoryRouteCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lst.Len()
}

// RedisRouteCache shares routes between instances through Redis.
type RedisRouteCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
	onErr  func(error)
}

// OpenRedis returns nil when addr is empty.
func OpenRedis(addr, pass string, db int) *redis.Client {
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: addr, Password: pass, DB: db})
}

func NewRedisRouteCache(rdb *redis.Client, ttl time.Duration, onErr func(error)) *RedisRouteCache {
	if onErr == nil {
		onErr = func(error) {}
	}
	return &RedisRouteCache{rdb: rdb, ttl: ttl, prefix: "zov:route:", onErr: onErr}
}

func (c *RedisRouteCache) Get(ctx context.Context, k string) (models.OptimalRoute, bool) {
	raw, err := c.rdb.Get(ctx, c.prefix+k).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.onErr(err)
		}
		return models.OptimalRoute{}, false
	}
	var route models.OptimalRoute
	if err := json.Unmarshal(raw, &route); err != nil {
		c.onErr(err)
		return models.OptimalRoute{}, false
	}
	return route, true
}

func (c *RedisRouteCache) Set(ctx context.Context, k string, v models.OptimalRoute) {
	raw, err := json.Marshal(v)
	if err != nil {
		c.onErr(err)
		return
	}
	if err := c.rdb.Set(ctx, c.prefix+k, raw, c.ttl).Err(); err != nil {
		c.onErr(err)
	}
}
