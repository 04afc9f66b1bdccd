package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrNotObtained means another holder owns the lock.
var ErrNotObtained = errors.New("lock held elsewhere")

// Release gives the lock back.
type Release func(ctx context.Context) error

// Locker guards one sync cycle across processes sharing a store.
type Locker interface {
	Obtain(ctx context.Context) (Release, error)
}

// Noop always succeeds. Used when no redis address is configured.
type Noop struct{}

func (Noop) Obtain(context.Context) (Release, error) {
	return func(context.Context) error { return nil }, nil
}

// Redis is a Locker backed by a single redis key.
type Redis struct {
	Key    string
	TTL    time.Duration
	client *redis.Client
	locker *redislock.Client
}

// NewRedis connects lazily; the first Obtain surfaces connection problems.
func NewRedis(addr, key string, ttl time.Duration) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 2 * time.Second,
		MaxRetries:  -1,
	})
	return &Redis{
		Key:    key,
		TTL:    ttl,
		client: rdb,
		locker: redislock.New(rdb),
	}
}

func (r *Redis) Obtain(ctx context.Context) (Release, error) {
	l, err := r.locker.Obtain(ctx, r.Key, r.TTL, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, fmt.Errorf("obtain %s: %w", r.Key, err)
	}
	return func(ctx context.Context) error {
		err := l.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			return nil
		}
		return err
	}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// New picks the redis locker when addr is set.
func New(addr, key string, ttl time.Duration) Locker {
	if addr == "" {
		return Noop{}
	}
	return NewRedis(addr, key, ttl)
}
