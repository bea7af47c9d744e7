package mutation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/worksite/internal/apperr"
)

const redisKeyPrefix = "worksite:mutation:"

var ErrEmptyKey = errors.New("empty_mutation_key")

// Guard admits at most one in-flight mutation per key. Acquire returns a
// ConflictError when the key is already held.
type Guard interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// LocalGuard serializes mutations inside one process.
type LocalGuard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalGuard() *LocalGuard {
	return &LocalGuard{held: make(map[string]struct{})}
}

func (g *LocalGuard) Acquire(_ context.Context, key string) (func(), error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrEmptyKey
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.held[key]; busy {
		return nil, apperr.Conflict(key, "mutation_in_flight")
	}
	g.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, key)
			g.mu.Unlock()
		})
	}, nil
}

// Held reports whether key is currently locked.
func (g *LocalGuard) Held(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.held[key]
	return ok
}

// RedisGuard serializes mutations across processes sharing a Redis.
type RedisGuard struct {
	locker *redislock.Client
	ttl    time.Duration
}

func NewRedisGuard(client redis.UniversalClient, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisGuard{locker: redislock.New(client), ttl: ttl}
}

func (g *RedisGuard) Acquire(ctx context.Context, key string) (func(), error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrEmptyKey
	}
	lock, err := g.locker.Obtain(ctx, redisKeyPrefix+key, g.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, apperr.Conflict(key, "mutation_in_flight")
	}
	if err != nil {
		return nil, apperr.Network("mutation.lock", err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = lock.Release(context.Background())
		})
	}, nil
}

// ChainGuard acquires every guard in order and releases in reverse.
type ChainGuard []Guard

func (c ChainGuard) Acquire(ctx context.Context, key string) (func(), error) {
	releases := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, guard := range c {
		if guard == nil {
			continue
		}
		release, err := guard.Acquire(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}
