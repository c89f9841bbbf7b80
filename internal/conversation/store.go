// Package conversation rebuilds and commits the memory state of a thread.
// State is always derived from storage; nothing is cached between calls.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"memochat/internal/models"
	"memochat/internal/redis"
	"memochat/internal/storage"
)

// ErrInvalidFold is returned when a fold count is given without a summary.
var ErrInvalidFold = errors.New("folded count requires an updated summary")

// Gateway is the part of storage the store depends on.
type Gateway interface {
	LoadCheckpoint(ctx context.Context, threadID string) (*storage.Checkpoint, error)
	Commit(ctx context.Context, threadID string, msgs []models.NewMessage, fold *storage.Fold) ([]*models.Message, error)
}

type Store struct {
	gw    Gateway
	locks *keyedMutex
	dist  *redisLock
}

type Option func(*Store)

// WithRedisLock adds a cross-process lock on top of the in-process one. A nil
// client leaves the store process-local.
func WithRedisLock(client *redis.Client, lease time.Duration) Option {
	return func(s *Store) {
		if client == nil {
			return
		}
		if lease <= 0 {
			lease = defaultLockLease
		}
		s.dist = &redisLock{client: client, lease: lease}
	}
}

func NewStore(gw Gateway, opts ...Option) *Store {
	s := &Store{gw: gw, locks: newKeyedMutex()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load returns the current state of threadID. A thread without any commit
// yields an empty state.
func (s *Store) Load(ctx context.Context, threadID string) (*models.ConversationState, error) {
	cp, err := s.gw.LoadCheckpoint(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return &models.ConversationState{
		ThreadID:  threadID,
		Messages:  cp.Active,
		Summary:   cp.Summary,
		FoldedSeq: cp.FoldedSeq,
		Total:     cp.Total,
	}, nil
}

// Lock acquires exclusive access to threadID. The returned func releases it
// and is safe to call more than once.
func (s *Store) Lock(ctx context.Context, threadID string) (func(), error) {
	unlock, err := s.locks.lock(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if s.dist == nil {
		return unlock, nil
	}
	release, err := s.dist.acquire(ctx, threadID)
	if err != nil {
		unlock()
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			release()
			unlock()
		})
	}, nil
}

// CommitTurn durably appends newMessages and, when updatedSummary is set,
// records it and folds the oldest foldedCount active messages. It returns the
// reloaded state.
func (s *Store) CommitTurn(ctx context.Context, threadID string, newMessages []models.NewMessage, updatedSummary *string, foldedCount int) (*models.ConversationState, error) {
	unlock, err := s.Lock(ctx, threadID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.CommitLocked(ctx, threadID, newMessages, updatedSummary, foldedCount)
}

// CommitLocked is CommitTurn for callers that already hold the thread lock.
func (s *Store) CommitLocked(ctx context.Context, threadID string, newMessages []models.NewMessage, updatedSummary *string, foldedCount int) (*models.ConversationState, error) {
	var fold *storage.Fold
	switch {
	case updatedSummary != nil:
		fold = &storage.Fold{Summary: *updatedSummary, Count: foldedCount}
	case foldedCount != 0:
		return nil, ErrInvalidFold
	}
	if foldedCount < 0 {
		return nil, fmt.Errorf("commit turn: negative fold count %d", foldedCount)
	}
	if len(newMessages) == 0 && fold == nil {
		return s.Load(ctx, threadID)
	}
	if _, err := s.gw.Commit(ctx, threadID, newMessages, fold); err != nil {
		return nil, fmt.Errorf("commit turn: %w", err)
	}
	return s.Load(ctx, threadID)
}
