package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	applog "memochat/internal/log"
	"memochat/internal/llm"
	"memochat/internal/models"
)

// Phase is where a turn is in its lifecycle.
type Phase int32

const (
	PhaseAwaitingInput Phase = iota
	PhaseResponding
	PhaseSummarizing
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingInput:
		return "awaiting_input"
	case PhaseResponding:
		return "responding"
	case PhaseSummarizing:
		return "summarizing"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// TurnResult is the outcome of a finished turn.
type TurnResult struct {
	UserMessage      *models.Message
	AssistantMessage *models.Message
	Summarized       bool
	// SummaryErr wraps ErrSummarizationFailed when a due fold did not happen.
	SummaryErr error
	Cancelled  bool
	State      *models.ConversationState
}

// Turn is the pull-based reply of one SubmitTurn call. Recv and Close may be
// called from different goroutines.
type Turn struct {
	engine   *Engine
	threadID string
	parent   context.Context
	ctx      context.Context
	cancel   context.CancelFunc
	unlock   func()

	stream    llm.Stream
	stopWatch func() bool

	phase   atomic.Int32
	closing atomic.Bool

	mu     sync.Mutex
	reply  strings.Builder
	done   bool
	err    error
	result *TurnResult

	// final is published once the turn ends so Result never waits on mu.
	final atomic.Pointer[TurnResult]
}

// UserMessage is the persisted user message that opened the turn.
func (t *Turn) UserMessage() *models.Message {
	return t.result.UserMessage
}

func (t *Turn) Phase() Phase {
	return Phase(t.phase.Load())
}

// Recv returns the next reply fragment. It returns io.EOF once the reply is
// committed, a *ModelError when the model failed, or the context error when
// the turn was cancelled. Every call after the end repeats the final error.
func (t *Turn) Recv() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return "", t.err
	}

	frag, err := t.stream.Recv()
	if err == nil {
		if t.closing.Load() {
			t.terminateLocked(context.Canceled)
			return "", t.err
		}
		t.reply.WriteString(frag)
		return frag, nil
	}
	if errors.Is(err, io.EOF) && t.ctx.Err() == nil && !t.closing.Load() {
		t.completeLocked()
		return "", t.err
	}
	t.terminateLocked(err)
	return "", t.err
}

// Close cancels the turn. A partial reply is persisted verbatim if non-empty.
// Closing a finished turn is a no-op.
func (t *Turn) Close() {
	t.closing.Store(true)
	t.cancel()
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.done {
		t.terminateLocked(context.Canceled)
	}
}

// Result returns the outcome, or nil while the turn is still running.
func (t *Turn) Result() *TurnResult {
	res := t.final.Load()
	if res == nil {
		return nil
	}
	out := *res
	return &out
}

// expire runs when the turn context ends while nobody is pulling.
func (t *Turn) expire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.done {
		t.terminateLocked(t.ctx.Err())
	}
}

func (t *Turn) cancelled() bool {
	return t.closing.Load() || errors.Is(t.parent.Err(), context.Canceled)
}

// writeContext outlives the caller so a cancelled turn can still persist.
func (t *Turn) writeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(t.parent), t.engine.writeTTL)
}

// completeLocked commits the reply and runs the compaction step.
func (t *Turn) completeLocked() {
	e := t.engine
	wctx, cancel := t.writeContext()
	defer cancel()

	state, err := e.store.CommitLocked(wctx, t.threadID,
		[]models.NewMessage{{Role: models.RoleAssistant, Content: t.reply.String()}}, nil, 0)
	if err != nil {
		t.finishLocked(fmt.Errorf("persist reply: %w", err))
		return
	}
	t.result.AssistantMessage = state.Messages[len(state.Messages)-1]

	if e.policy.ShouldSummarize(state.ActiveCount()) {
		t.phase.Store(int32(PhaseSummarizing))
		sctx, scancel := context.WithTimeout(context.WithoutCancel(t.parent), e.replyTTL)
		state, t.result.Summarized, t.result.SummaryErr = e.summarizeLocked(sctx, state)
		scancel()
	}
	t.result.State = state
	t.finishLocked(io.EOF)
}

// terminateLocked ends a turn that did not reach a clean EOF.
func (t *Turn) terminateLocked(cause error) {
	if t.cancelled() {
		t.abortLocked()
		return
	}
	t.failLocked(cause)
}

// abortLocked persists the partial reply, if any, and skips compaction.
func (t *Turn) abortLocked() {
	e := t.engine
	wctx, cancel := t.writeContext()
	defer cancel()

	t.result.Cancelled = true
	partial := t.reply.String()
	if partial != "" {
		state, err := e.store.CommitLocked(wctx, t.threadID,
			[]models.NewMessage{{Role: models.RoleAssistant, Content: partial}}, nil, 0)
		if err != nil {
			applog.Error("persist partial reply failed", "thread_id", t.threadID, "err", err)
		} else {
			t.result.AssistantMessage = state.Messages[len(state.Messages)-1]
			t.result.State = state
		}
	}
	if t.result.State == nil {
		if state, err := e.store.Load(wctx, t.threadID); err == nil {
			t.result.State = state
		}
	}
	t.finishLocked(context.Canceled)
}

// failLocked persists the placeholder reply for a model failure.
func (t *Turn) failLocked(cause error) {
	e := t.engine
	wctx, cancel := t.writeContext()
	defer cancel()

	applog.Warn("model reply failed", "thread_id", t.threadID, "err", cause)
	state, err := e.store.CommitLocked(wctx, t.threadID,
		[]models.NewMessage{{Role: models.RoleAssistant, Content: placeholderText(cause)}}, nil, 0)
	if err != nil {
		applog.Error("persist placeholder failed", "thread_id", t.threadID, "err", err)
		if state, lerr := e.store.Load(wctx, t.threadID); lerr == nil {
			t.result.State = state
		}
	} else {
		t.result.AssistantMessage = state.Messages[len(state.Messages)-1]
		t.result.State = state
	}
	t.finishLocked(&ModelError{Cause: cause})
}

// finishLocked records the terminal error and releases every resource the
// turn holds.
func (t *Turn) finishLocked(err error) {
	t.done = true
	t.err = err
	if t.stopWatch != nil {
		t.stopWatch()
	}
	t.cancel()
	if t.stream != nil {
		t.stream.Close()
	}
	t.phase.Store(int32(PhaseAwaitingInput))
	final := *t.result
	t.final.Store(&final)
	t.unlock()
}
