package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	applog "memochat/internal/log"
	"memochat/internal/redis"
	"memochat/internal/storage"

	"github.com/google/uuid"
)

const (
	lockKeyPrefix    = "memochat:lock:thread:"
	defaultLockLease = 10 * time.Minute
	lockRetryDelay   = 50 * time.Millisecond

	lockReleaseTimeout = 3 * time.Second
)

type lockEntry struct {
	ch   chan struct{}
	refs int
}

// keyedMutex is a per-key mutex whose entries are freed once nobody holds or
// waits for them.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*lockEntry)}
}

func (k *keyedMutex) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e := k.entries[key]
	if e == nil {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.release(key, e)
		})
	}, nil
}

func (k *keyedMutex) release(key string, e *lockEntry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// redisLock serializes a thread across processes sharing one database.
type redisLock struct {
	client *redis.Client
	lease  time.Duration
}

func (l *redisLock) acquire(ctx context.Context, threadID string) (func(), error) {
	key := lockKeyPrefix + threadID
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.lease)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, fmt.Errorf("acquire thread lock: %w: %w", storage.ErrUnavailable, err)
		}
		if ok {
			break
		}
		timer := time.NewTimer(lockRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	stop := make(chan struct{})
	renewed := make(chan struct{})
	go l.renew(key, token, stop, renewed)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-renewed
			// the caller's ctx may already be done when the turn ends
			rctx, cancel := context.WithTimeout(context.Background(), lockReleaseTimeout)
			defer cancel()
			if _, err := l.client.DelIfEquals(rctx, key, token); err != nil {
				applog.Warn("release thread lock failed", "key", key, "err", err)
			}
		})
	}, nil
}

// renew extends the lease every lease/3 until stop is closed or the key is
// no longer ours.
func (l *redisLock) renew(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.renewInterval())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		rctx, cancel := context.WithTimeout(context.Background(), lockReleaseTimeout)
		ok, err := l.client.ExpireIfEquals(rctx, key, token, l.lease)
		cancel()
		switch {
		case err != nil:
			applog.Warn("renew thread lock failed", "key", key, "err", err)
		case !ok:
			applog.Error("thread lock lost before release", "key", key)
			return
		}
	}
}

func (l *redisLock) renewInterval() time.Duration {
	if d := l.lease / 3; d > 0 {
		return d
	}
	return time.Millisecond
}
