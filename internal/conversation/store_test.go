package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"memochat/internal/compaction"
	"memochat/internal/models"
	"memochat/internal/redis/redistest"
	"memochat/internal/storage"
	"memochat/internal/storage/storagetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, threadID string) (*Store, *storage.Gateway) {
	t.Helper()
	gw := storagetest.NewSQLite(t)
	storagetest.SeedUser(t, gw, "alice", "pw")
	storagetest.SeedThread(t, gw, threadID, "", "alice")
	return NewStore(gw), gw
}

func userMsg(content string) models.NewMessage {
	return models.NewMessage{Role: models.RoleUser, Content: content}
}

func aiMsg(content string) models.NewMessage {
	return models.NewMessage{Role: models.RoleAssistant, Content: content}
}

func contents(msgs []*models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

func TestLoadEmptyAndUnknownThread(t *testing.T) {
	store, _ := newTestStore(t, "t1")
	ctx := context.Background()

	state, err := store.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, state.Messages)
	assert.Empty(t, state.Summary)
	assert.Zero(t, state.Total)

	_, err = store.Load(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrThreadNotFound)
}

func TestLoadIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t, "t1")
	ctx := context.Background()

	_, err := store.CommitTurn(ctx, "t1", []models.NewMessage{userMsg("hi"), aiMsg("hello")}, nil, 0)
	require.NoError(t, err)

	first, err := store.Load(ctx, "t1")
	require.NoError(t, err)
	second, err := store.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCommitTurnSurvivesRestart(t *testing.T) {
	store, gw := newTestStore(t, "t1")
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := store.CommitTurn(ctx, "t1", []models.NewMessage{userMsg(fmt.Sprintf("u%d", i)), aiMsg(fmt.Sprintf("a%d", i))}, nil, 0)
		require.NoError(t, err)
	}
	summary := "summary of u0..a2"
	before, err := store.CommitTurn(ctx, "t1", nil, &summary, 6)
	require.NoError(t, err)
	assert.Equal(t, []string{"u3", "a3"}, contents(before.Messages))
	assert.Equal(t, summary, before.Summary)
	assert.Equal(t, 8, before.Total)

	restarted := NewStore(gw)
	after, err := restarted.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, after.Total-6, after.ActiveCount())
}

// Seven messages appended one at a time with the default policy: the seventh
// triggers a fold of five, leaving two active plus a summary.
func TestSeventhMessageFoldsFive(t *testing.T) {
	store, _ := newTestStore(t, "t1")
	ctx := context.Background()
	policy := compaction.Default()

	var state *models.ConversationState
	for i := 1; i <= 7; i++ {
		msg := userMsg(fmt.Sprintf("m%d", i))
		if i%2 == 0 {
			msg = aiMsg(fmt.Sprintf("m%d", i))
		}
		var err error
		state, err = store.CommitTurn(ctx, "t1", []models.NewMessage{msg}, nil, 0)
		require.NoError(t, err)
		if i < 7 {
			assert.False(t, policy.ShouldSummarize(state.ActiveCount()), "after message %d", i)
		}
	}
	require.True(t, policy.ShouldSummarize(state.ActiveCount()))

	fold := policy.SelectFoldRange(state.Messages)
	require.Len(t, fold, 5)
	summary := "S"
	state, err := store.CommitTurn(ctx, "t1", nil, &summary, len(fold))
	require.NoError(t, err)
	assert.Equal(t, []string{"m6", "m7"}, contents(state.Messages))
	assert.Equal(t, "S", state.Summary)
	assert.Equal(t, 7, state.Total)
}

func TestFailedFoldLeavesStateUntouched(t *testing.T) {
	store, _ := newTestStore(t, "t1")
	ctx := context.Background()

	before, err := store.CommitTurn(ctx, "t1", []models.NewMessage{userMsg("a"), aiMsg("b")}, nil, 0)
	require.NoError(t, err)

	summary := "too much"
	_, err = store.CommitTurn(ctx, "t1", []models.NewMessage{userMsg("c")}, &summary, 5)
	require.ErrorIs(t, err, storage.ErrConflict)

	after, err := store.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = store.CommitTurn(ctx, "t1", nil, nil, 2)
	assert.ErrorIs(t, err, ErrInvalidFold)
}

func TestConcurrentCommitsLoseNoUpdates(t *testing.T) {
	store, gw := newTestStore(t, "t1")
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.CommitTurn(ctx, "t1",
				[]models.NewMessage{userMsg(fmt.Sprintf("u%d", i)), aiMsg(fmt.Sprintf("a%d", i))}, nil, 0)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	state, err := store.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2*writers, state.Total)

	all, err := gw.ListMessages(ctx, "t1")
	require.NoError(t, err)
	// each turn's pair stays adjacent because commits serialize per thread
	for i := 0; i < len(all); i += 2 {
		assert.Equal(t, models.RoleUser, all[i].Role)
		assert.Equal(t, models.RoleAssistant, all[i+1].Role)
		assert.Equal(t, all[i].Content[1:], all[i+1].Content[1:])
	}
	assert.Zero(t, store.locks.size())
}

func TestLockRespectsContext(t *testing.T) {
	store, _ := newTestStore(t, "t1")

	unlock, err := store.Lock(context.Background(), "t1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = store.Lock(ctx, "t1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// other threads are independent
	other, err := store.Lock(context.Background(), "t2")
	require.NoError(t, err)
	other()

	unlock()
	unlock()

	again, err := store.Lock(context.Background(), "t1")
	require.NoError(t, err)
	again()
	assert.Zero(t, store.locks.size())
}

type failingGateway struct {
	Gateway
	err error
}

func (f failingGateway) Commit(context.Context, string, []models.NewMessage, *storage.Fold) ([]*models.Message, error) {
	return nil, f.err
}

func TestCommitSurfacesUnavailable(t *testing.T) {
	_, gw := newTestStore(t, "t1")
	store := NewStore(failingGateway{Gateway: gw, err: fmt.Errorf("commit: %w", storage.ErrUnavailable)})

	_, err := store.CommitTurn(context.Background(), "t1", []models.NewMessage{userMsg("x")}, nil, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrUnavailable))

	state, err := store.Load(context.Background(), "t1")
	require.NoError(t, err)
	assert.Empty(t, state.Messages)
}

func TestRedisLockSerializesStores(t *testing.T) {
	client := redistest.NewClient(t)
	gw := storagetest.NewSQLite(t)
	storagetest.SeedUser(t, gw, "alice", "pw")
	storagetest.SeedThread(t, gw, "t1", "", "alice")

	a := NewStore(gw, WithRedisLock(client, time.Minute))
	b := NewStore(gw, WithRedisLock(client, time.Minute))

	unlock, err := a.Lock(context.Background(), "t1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err = b.Lock(ctx, "t1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlockB, err := b.Lock(context.Background(), "t1")
	require.NoError(t, err)
	unlockB()
}

func TestRedisLockOutlivesItsLease(t *testing.T) {
	client := redistest.NewClient(t)
	gw := storagetest.NewSQLite(t)
	storagetest.SeedUser(t, gw, "alice", "pw")
	storagetest.SeedThread(t, gw, "t1", "", "alice")

	lease := 200 * time.Millisecond
	a := NewStore(gw, WithRedisLock(client, lease))
	b := NewStore(gw, WithRedisLock(client, lease))

	unlock, err := a.Lock(context.Background(), "t1")
	require.NoError(t, err)
	time.Sleep(3 * lease)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = b.Lock(ctx, "t1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	unlockB, err := b.Lock(context.Background(), "t1")
	require.NoError(t, err)
	unlockB()
}
