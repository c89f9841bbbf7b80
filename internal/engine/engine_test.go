package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"memochat/internal/compaction"
	"memochat/internal/conversation"
	"memochat/internal/llm"
	"memochat/internal/models"
	"memochat/internal/session"
	"memochat/internal/storage"
	"memochat/internal/storage/storagetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedReply drives one GenerateStreaming call.
type scriptedReply struct {
	chunks   []string
	setupErr error
	// endErr replaces io.EOF after the chunks.
	endErr error
	// hang blocks after the chunks until the stream context ends.
	hang bool
}

type scriptedModel struct {
	mu             sync.Mutex
	replies        []scriptedReply
	summaries      []error
	prompts        [][]*models.Message
	summaryPrompts [][]*models.Message
	summaryCalls   int
}

func (m *scriptedModel) Generate(_ context.Context, msgs []*models.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaryPrompts = append(m.summaryPrompts, msgs)
	m.summaryCalls++
	if len(m.summaries) > 0 {
		err := m.summaries[0]
		m.summaries = m.summaries[1:]
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("summary #%d", m.summaryCalls), nil
}

func (m *scriptedModel) GenerateStreaming(ctx context.Context, msgs []*models.Message) (llm.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, msgs)
	reply := scriptedReply{chunks: []string{"ok"}}
	if len(m.replies) > 0 {
		reply = m.replies[0]
		m.replies = m.replies[1:]
	}
	if reply.setupErr != nil {
		return nil, reply.setupErr
	}
	return &scriptedStream{ctx: ctx, reply: reply}, nil
}

func (m *scriptedModel) lastPrompt() []*models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prompts[len(m.prompts)-1]
}

type scriptedStream struct {
	ctx   context.Context
	reply scriptedReply
	next  int
}

func (s *scriptedStream) Recv() (string, error) {
	if s.next < len(s.reply.chunks) {
		s.next++
		return s.reply.chunks[s.next-1], nil
	}
	if s.reply.hang {
		<-s.ctx.Done()
		return "", s.ctx.Err()
	}
	if s.reply.endErr != nil {
		return "", s.reply.endErr
	}
	return "", io.EOF
}

func (s *scriptedStream) Close() {}

type fixture struct {
	engine *Engine
	model  *scriptedModel
	gw     *storage.Gateway
	reg    *session.Registry
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	gw := storagetest.NewSQLite(t)
	storagetest.SeedUser(t, gw, "alice", "pw")
	storagetest.SeedThread(t, gw, "t1", "", "alice")

	if cfg.Policy == (compaction.Policy{}) {
		cfg.Policy = compaction.Default()
	}
	model := &scriptedModel{}
	reg := session.NewRegistry(gw, nil, 30)
	eng, err := New(conversation.NewStore(gw), gw, model, reg, cfg)
	require.NoError(t, err)
	return &fixture{engine: eng, model: model, gw: gw, reg: reg}
}

// drain pulls a turn to its end and returns the text and the final error.
func drain(t *testing.T, turn *Turn) (string, error) {
	t.Helper()
	var sb strings.Builder
	for {
		frag, err := turn.Recv()
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(frag)
	}
}

func runTurn(t *testing.T, eng *Engine, threadID, text string) *TurnResult {
	t.Helper()
	turn, err := eng.SubmitTurn(context.Background(), threadID, text)
	require.NoError(t, err)
	_, err = drain(t, turn)
	require.ErrorIs(t, err, io.EOF)
	res := turn.Result()
	require.NotNil(t, res)
	return res
}

func contents(msgs []*models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

func TestSubmitTurnRejectsEmptyInput(t *testing.T) {
	f := newFixture(t, Config{})
	for _, in := range []string{"", "   ", "\n\t"} {
		_, err := f.engine.SubmitTurn(context.Background(), "t1", in)
		assert.ErrorIs(t, err, ErrEmptyInput)
	}
	history, err := f.engine.History(context.Background(), "t1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSubmitTurnUnknownThread(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.engine.SubmitTurn(context.Background(), "missing", "hi")
	assert.ErrorIs(t, err, storage.ErrThreadNotFound)
}

func TestTurnStreamsAndPersists(t *testing.T) {
	f := newFixture(t, Config{})
	f.model.replies = []scriptedReply{{chunks: []string{"Hel", "lo", "!"}}}

	turn, err := f.engine.SubmitTurn(context.Background(), "t1", "Tell me something about the history of Go")
	require.NoError(t, err)
	assert.Equal(t, PhaseResponding, turn.Phase())
	assert.Equal(t, "Tell me something about the history of Go", turn.UserMessage().Content)
	assert.Nil(t, turn.Result())

	text, err := drain(t, turn)
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "Hello!", text)
	assert.Equal(t, PhaseAwaitingInput, turn.Phase())

	// Recv after the end repeats EOF and Close is a no-op
	_, err = turn.Recv()
	assert.ErrorIs(t, err, io.EOF)
	turn.Close()

	res := turn.Result()
	require.NotNil(t, res)
	assert.Equal(t, "Hello!", res.AssistantMessage.Content)
	assert.False(t, res.Summarized)
	assert.False(t, res.Cancelled)

	history, err := f.engine.History(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Tell me something about the history of Go", "Hello!"}, contents(history))

	th, err := f.gw.GetThread(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "Tell me something about the hi", th.Name)
}

func TestFourthTurnFoldsToTwo(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res := runTurn(t, f.engine, "t1", fmt.Sprintf("q%d", i))
		assert.False(t, res.Summarized)
		assert.Equal(t, 2*i, res.State.ActiveCount())
	}

	res := runTurn(t, f.engine, "t1", "q4")
	require.True(t, res.Summarized)
	require.NoError(t, res.SummaryErr)
	assert.Equal(t, []string{"q4", "ok"}, contents(res.State.Messages))
	assert.Equal(t, "summary #1", res.State.Summary)

	require.Len(t, f.model.summaryPrompts, 1)
	prompt := f.model.summaryPrompts[0]
	require.Len(t, prompt, 7)
	assert.Equal(t, "q1", prompt[0].Content)
	assert.Equal(t, createSummaryPrompt, prompt[6].Content)
	assert.Equal(t, models.RoleUser, prompt[6].Role)

	view, err := f.engine.GetState(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, view.SummaryPresent)
	assert.Equal(t, 2, view.ActiveCount)
	assert.Equal(t, 8, view.Total)

	// the next reply sees the summary note first
	runTurn(t, f.engine, "t1", "q5")
	next := f.model.lastPrompt()
	require.Len(t, next, 4)
	assert.Equal(t, models.RoleSystem, next[0].Role)
	assert.Equal(t, "Summary of conversation earlier: summary #1", next[0].Content)
	assert.Equal(t, "q5", next[3].Content)

	// the second fold extends the first summary
	runTurn(t, f.engine, "t1", "q6")
	res = runTurn(t, f.engine, "t1", "q7")
	require.True(t, res.Summarized)
	assert.Equal(t, "summary #2", res.State.Summary)
	extend := f.model.summaryPrompts[1]
	assert.Equal(t, fmt.Sprintf(extendSummaryPrompt, "summary #1"), extend[len(extend)-1].Content)

	history, err := f.engine.History(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, history, 14)
}

func TestModelFailurePersistsPlaceholder(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	runTurn(t, f.engine, "t1", "q1")

	f.model.replies = []scriptedReply{{chunks: []string{"half"}, endErr: errors.New("upstream 500")}}
	turn, err := f.engine.SubmitTurn(ctx, "t1", "q2")
	require.NoError(t, err)
	_, err = drain(t, turn)

	var modelErr *ModelError
	require.ErrorAs(t, err, &modelErr)
	assert.EqualError(t, modelErr.Cause, "upstream 500")

	history, err := f.engine.History(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"q1", "ok", "q2", "Error generating response: upstream 500"}, contents(history))

	view, err := f.engine.GetState(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, view.SummaryPresent)
	assert.Equal(t, 4, view.ActiveCount)
	assert.Zero(t, f.model.summaryCalls)
}

func TestModelSetupFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.model.replies = []scriptedReply{{setupErr: errors.New("bad key")}}

	turn, err := f.engine.SubmitTurn(context.Background(), "t1", "hello")
	require.NoError(t, err)
	_, err = turn.Recv()
	var modelErr *ModelError
	require.ErrorAs(t, err, &modelErr)

	res := turn.Result()
	require.NotNil(t, res)
	assert.Equal(t, "Error generating response: bad key", res.AssistantMessage.Content)

	// the lock was released
	runTurn(t, f.engine, "t1", "again")
}

func TestSummarizationFailureLeavesStateThenRecovers(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		runTurn(t, f.engine, "t1", fmt.Sprintf("q%d", i))
	}

	f.model.summaries = []error{errors.New("rate limited")}
	res := runTurn(t, f.engine, "t1", "q4")
	assert.False(t, res.Summarized)
	require.ErrorIs(t, res.SummaryErr, ErrSummarizationFailed)

	before, err := f.engine.GetState(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 8, before.ActiveCount)
	assert.False(t, before.SummaryPresent)

	again, err := f.engine.GetState(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, before, again)

	after, err := f.engine.Summarize(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, after.ActiveCount)
	assert.True(t, after.SummaryPresent)
	assert.Equal(t, []string{"q4", "ok"}, contents(after.ActiveMessages))
}

func TestEmptySummaryCountsAsFailure(t *testing.T) {
	f := newFixture(t, Config{Policy: compaction.Policy{Threshold: 2, PreserveTail: 0}})
	f.engine.model = &emptySummaryModel{scriptedModel: f.model}

	res := runTurn(t, f.engine, "t1", "q1")
	assert.NoError(t, res.SummaryErr)
	res = runTurn(t, f.engine, "t1", "q2")
	assert.ErrorIs(t, res.SummaryErr, ErrSummarizationFailed)
	assert.Equal(t, 4, res.State.ActiveCount())
}

func TestTwoMessageWindowNeverSummarizes(t *testing.T) {
	f := newFixture(t, Config{Policy: compaction.Policy{Threshold: 1, PreserveTail: 0}})

	res := runTurn(t, f.engine, "t1", "q1")
	assert.False(t, res.Summarized)
	assert.NoError(t, res.SummaryErr)
	assert.Equal(t, 2, res.State.ActiveCount())
	assert.Zero(t, f.model.summaryCalls)
}

type emptySummaryModel struct {
	*scriptedModel
}

func (m *emptySummaryModel) Generate(context.Context, []*models.Message) (string, error) {
	return "  ", nil
}

func TestCloseMidStreamPersistsPartial(t *testing.T) {
	f := newFixture(t, Config{})
	f.model.replies = []scriptedReply{{chunks: []string{"par", "tial"}, hang: true}}

	turn, err := f.engine.SubmitTurn(context.Background(), "t1", "q1")
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := turn.Recv()
		require.NoError(t, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := turn.Recv()
		assert.ErrorIs(t, err, context.Canceled)
	}()
	time.Sleep(20 * time.Millisecond)
	turn.Close()
	<-done
	turn.Close()

	res := turn.Result()
	require.NotNil(t, res)
	assert.True(t, res.Cancelled)
	assert.Equal(t, "partial", res.AssistantMessage.Content)

	history, err := f.engine.History(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"q1", "partial"}, contents(history))
}

func TestResultDoesNotWaitOnBlockedRecv(t *testing.T) {
	f := newFixture(t, Config{})
	f.model.replies = []scriptedReply{{chunks: []string{"par"}, hang: true}}

	turn, err := f.engine.SubmitTurn(context.Background(), "t1", "q1")
	require.NoError(t, err)
	_, err = turn.Recv()
	require.NoError(t, err)

	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		_, _ = turn.Recv()
	}()
	time.Sleep(20 * time.Millisecond)

	got := make(chan *TurnResult, 1)
	go func() { got <- turn.Result() }()
	select {
	case res := <-got:
		assert.Nil(t, res)
	case <-time.After(time.Second):
		t.Fatal("Result blocked while Recv waits on the model")
	}

	turn.Close()
	<-recvDone
	res := turn.Result()
	require.NotNil(t, res)
	assert.True(t, res.Cancelled)
}

func TestCloseBeforeAnyFragmentPersistsNothing(t *testing.T) {
	f := newFixture(t, Config{})
	f.model.replies = []scriptedReply{{hang: true}}

	turn, err := f.engine.SubmitTurn(context.Background(), "t1", "q1")
	require.NoError(t, err)
	turn.Close()

	_, err = turn.Recv()
	assert.ErrorIs(t, err, context.Canceled)
	history, err := f.engine.History(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"q1"}, contents(history))
}

func TestCallerCancellationPersistsPartial(t *testing.T) {
	f := newFixture(t, Config{})
	f.model.replies = []scriptedReply{{chunks: []string{"so far"}, hang: true}}

	ctx, cancel := context.WithCancel(context.Background())
	turn, err := f.engine.SubmitTurn(ctx, "t1", "q1")
	require.NoError(t, err)
	_, err = turn.Recv()
	require.NoError(t, err)

	cancel()
	_, err = turn.Recv()
	assert.ErrorIs(t, err, context.Canceled)

	history, err := f.engine.History(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"q1", "so far"}, contents(history))
}

func TestReplyTimeoutIsModelError(t *testing.T) {
	f := newFixture(t, Config{ReplyTimeout: 50 * time.Millisecond})
	f.model.replies = []scriptedReply{{hang: true}}

	turn, err := f.engine.SubmitTurn(context.Background(), "t1", "q1")
	require.NoError(t, err)
	_, err = turn.Recv()
	var modelErr *ModelError
	require.ErrorAs(t, err, &modelErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	history, err := f.engine.History(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, strings.HasPrefix(history[1].Content, "Error generating response: "))
}

func TestAbandonedTurnReleasesLockOnTimeout(t *testing.T) {
	f := newFixture(t, Config{ReplyTimeout: 50 * time.Millisecond})
	f.model.replies = []scriptedReply{{hang: true}}

	_, err := f.engine.SubmitTurn(context.Background(), "t1", "q1")
	require.NoError(t, err)

	// nobody pulls the first turn; the next one still gets the lock
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	turn, err := f.engine.SubmitTurn(ctx, "t1", "q2")
	require.NoError(t, err)
	_, err = drain(t, turn)
	require.ErrorIs(t, err, io.EOF)
}

func TestTurnsOnSameThreadSerialize(t *testing.T) {
	f := newFixture(t, Config{})
	f.model.replies = []scriptedReply{{chunks: []string{"first"}, hang: true}}

	first, err := f.engine.SubmitTurn(context.Background(), "t1", "q1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.engine.SubmitTurn(ctx, "t1", "q2")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// reads never wait for the lock
	view, err := f.engine.GetState(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, view.ActiveCount)

	first.Close()
	runTurn(t, f.engine, "t1", "q2")
}

func TestTurnsOnDifferentThreadsRunInParallel(t *testing.T) {
	f := newFixture(t, Config{})
	storagetest.SeedThread(t, f.gw, "t2", "", "alice")
	f.model.replies = []scriptedReply{{chunks: []string{"a"}, hang: true}}

	blocked, err := f.engine.SubmitTurn(context.Background(), "t1", "q1")
	require.NoError(t, err)
	defer blocked.Close()

	res := runTurn(t, f.engine, "t2", "other")
	assert.Equal(t, "ok", res.AssistantMessage.Content)
}

func TestListAndStartThreadsDelegate(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	id, err := f.engine.StartNewThread(ctx, "alice")
	require.NoError(t, err)
	threads, err := f.engine.ListThreads(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, threads, 2)
	assert.Equal(t, id, threads[1].ID)
}

func TestNewRejectsInvalidPolicy(t *testing.T) {
	gw := storagetest.NewSQLite(t)
	_, err := New(conversation.NewStore(gw), gw, &scriptedModel{}, session.NewRegistry(gw, nil, 30),
		Config{Policy: compaction.Policy{Threshold: 0}})
	assert.Error(t, err)
}
