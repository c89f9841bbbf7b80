// Package session keeps the per-user thread directory and display names.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	applog "memochat/internal/log"
	"memochat/internal/models"
	"memochat/internal/redis"
	"memochat/internal/storage"

	"github.com/google/uuid"
)

const (
	UntitledName     = "Untitled Chat"
	defaultNameLimit = 30
	cacheKeyPrefix   = "memochat:threads:"
	cacheTTL         = 30 * time.Minute
)

// Gateway is the thread directory in storage.
type Gateway interface {
	CreateOrRenameThread(ctx context.Context, threadID, name, owner string) error
	GetThread(ctx context.Context, threadID string) (*models.Thread, error)
	ListThreads(ctx context.Context, owner string) ([]models.Thread, error)
}

type Registry struct {
	gw        Gateway
	cache     *redis.Client
	nameLimit int
}

// NewRegistry builds a registry. cache may be nil.
func NewRegistry(gw Gateway, cache *redis.Client, nameLimit int) *Registry {
	if nameLimit <= 0 {
		nameLimit = defaultNameLimit
	}
	return &Registry{gw: gw, cache: cache, nameLimit: nameLimit}
}

// DisplayName is the label shown for a stored name.
func DisplayName(name string) string {
	if strings.TrimSpace(name) == "" {
		return UntitledName
	}
	return name
}

// TruncateName trims name and cuts it to limit runes.
func TruncateName(name string, limit int) string {
	name = strings.TrimSpace(name)
	runes := []rune(name)
	if limit > 0 && len(runes) > limit {
		return strings.TrimSpace(string(runes[:limit]))
	}
	return name
}

// List returns the threads of identity ordered by creation time.
func (r *Registry) List(ctx context.Context, identity string) ([]models.Thread, error) {
	if threads, ok := r.loadCached(ctx, identity); ok {
		return threads, nil
	}
	threads, err := r.gw.ListThreads(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	r.storeCached(ctx, identity, threads)
	return threads, nil
}

// ListForUser maps thread id to display name.
func (r *Registry) ListForUser(ctx context.Context, identity string) (map[string]string, error) {
	threads, err := r.List(ctx, identity)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(threads))
	for _, t := range threads {
		out[t.ID] = DisplayName(t.Name)
	}
	return out, nil
}

// Register creates threadID for identity or renames it.
func (r *Registry) Register(ctx context.Context, threadID, name, identity string) error {
	if strings.TrimSpace(threadID) == "" {
		return errors.New("thread id required")
	}
	name = TruncateName(name, r.nameLimit)
	if err := r.gw.CreateOrRenameThread(ctx, threadID, name, identity); err != nil {
		return fmt.Errorf("register thread: %w", err)
	}
	r.invalidate(ctx, identity)
	return nil
}

// StartNewThread creates an unnamed thread with a fresh random id.
func (r *Registry) StartNewThread(ctx context.Context, identity string) (string, error) {
	threadID := uuid.NewString()
	if err := r.Register(ctx, threadID, "", identity); err != nil {
		return "", err
	}
	return threadID, nil
}

// Owns reports storage.ErrThreadNotFound unless identity owns threadID.
func (r *Registry) Owns(ctx context.Context, identity, threadID string) (*models.Thread, error) {
	t, err := r.gw.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if t.Owner != identity {
		return nil, fmt.Errorf("thread %s: %w", threadID, storage.ErrThreadNotFound)
	}
	return t, nil
}

func (r *Registry) loadCached(ctx context.Context, identity string) ([]models.Thread, bool) {
	if r.cache == nil {
		return nil, false
	}
	var threads []models.Thread
	if err := r.cache.GetJSON(ctx, cacheKeyPrefix+identity, &threads); err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			applog.Warn("load thread list cache failed", "identity", identity, "err", err)
		}
		return nil, false
	}
	return threads, true
}

func (r *Registry) storeCached(ctx context.Context, identity string, threads []models.Thread) {
	if r.cache == nil {
		return
	}
	if err := r.cache.SetJSON(ctx, cacheKeyPrefix+identity, threads, cacheTTL); err != nil {
		applog.Warn("store thread list cache failed", "identity", identity, "err", err)
	}
}

func (r *Registry) invalidate(ctx context.Context, identity string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Del(ctx, cacheKeyPrefix+identity); err != nil {
		applog.Warn("invalidate thread list cache failed", "identity", identity, "err", err)
	}
}
