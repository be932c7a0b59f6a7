package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// AccountLocker serializes balance-mutating work per account. The reward,
// reconciliation and merge services all lock through the same instance, so
// a merge holding both accounts excludes concurrent awards on them.
type AccountLocker interface {
	// Lock acquires the lock for accountID, blocking up to the configured
	// wait. Returns a release func, or ErrConcurrencyConflict on timeout.
	Lock(ctx context.Context, accountID string) (func(), error)

	// LockMany acquires locks for all accountIDs in a consistent global
	// order to avoid deadlocks between overlapping multi-account holders.
	LockMany(ctx context.Context, accountIDs ...string) (func(), error)
}

// NewAccountLocker returns a Redis-backed locker, or a process-local one
// when Redis is unavailable (single-instance deployments).
func NewAccountLocker(rdb *redis.Client, ttl, wait time.Duration) AccountLocker {
	if rdb == nil {
		return &localLocker{mutexes: make(map[string]*sync.Mutex)}
	}
	return &redisLocker{rdb: rdb, ttl: ttl, wait: wait}
}

// redisLocker implements advisory locks with SET NX PX and a token-checked
// release, so an expired lock is never released by a stale holder.
type redisLocker struct {
	rdb  *redis.Client
	ttl  time.Duration
	wait time.Duration
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func lockKey(accountID string) string {
	return fmt.Sprintf("lock:account:%s", accountID)
}

func (l *redisLocker) Lock(ctx context.Context, accountID string) (func(), error) {
	token := uuid.NewString()
	key := lockKey(accountID)
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: account %s is locked", ErrConcurrencyConflict, accountID)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrConcurrencyConflict, ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}

	release := func() {
		releaseScript.Run(context.Background(), l.rdb, []string{key}, token)
	}
	return release, nil
}

func (l *redisLocker) LockMany(ctx context.Context, accountIDs ...string) (func(), error) {
	return lockInOrder(ctx, l, accountIDs)
}

// localLocker serializes within a single process. Used when Redis is down;
// correctness still holds because balance writes also take FOR UPDATE row
// locks in postgres.
type localLocker struct {
	mu      sync.Mutex
	mutexes map[string]*sync.Mutex
}

func (l *localLocker) Lock(ctx context.Context, accountID string) (func(), error) {
	l.mu.Lock()
	m, ok := l.mutexes[accountID]
	if !ok {
		m = &sync.Mutex{}
		l.mutexes[accountID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock, nil
}

func (l *localLocker) LockMany(ctx context.Context, accountIDs ...string) (func(), error) {
	return lockInOrder(ctx, l, accountIDs)
}

// lockInOrder acquires single-account locks in sorted id order, releasing
// everything already held if a later acquisition fails.
func lockInOrder(ctx context.Context, locker AccountLocker, accountIDs []string) (func(), error) {
	ids := make([]string, len(accountIDs))
	copy(ids, accountIDs)
	sort.Strings(ids)

	releases := make([]func(), 0, len(ids))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for _, id := range ids {
		release, err := locker.Lock(ctx, id)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}

	return releaseAll, nil
}
