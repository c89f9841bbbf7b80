// Package engine runs conversation turns: it persists the user message,
// streams the model reply, persists it and folds the active window into the
// thread summary once the window grows past the compaction threshold.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"memochat/internal/compaction"
	"memochat/internal/conversation"
	applog "memochat/internal/log"
	"memochat/internal/llm"
	"memochat/internal/models"
)

const (
	defaultReplyTimeout = 2 * time.Minute
	defaultWriteTimeout = 10 * time.Second
)

// Gateway is the read side of storage used outside of turns.
type Gateway interface {
	GetThread(ctx context.Context, threadID string) (*models.Thread, error)
	ListMessages(ctx context.Context, threadID string) ([]*models.Message, error)
}

// Sessions names and lists threads.
type Sessions interface {
	Register(ctx context.Context, threadID, name, identity string) error
	List(ctx context.Context, identity string) ([]models.Thread, error)
	StartNewThread(ctx context.Context, identity string) (string, error)
}

type Config struct {
	Policy compaction.Policy
	// ReplyTimeout bounds one streamed reply and one summarization call.
	ReplyTimeout time.Duration
	// WriteTimeout bounds persistence that runs after the caller went away.
	WriteTimeout time.Duration
}

// Engine is the conversation engine. It is safe for concurrent use; turns on
// the same thread serialize on the store's thread lock.
type Engine struct {
	store    *conversation.Store
	gw       Gateway
	model    llm.Model
	sessions Sessions
	policy   compaction.Policy
	replyTTL time.Duration
	writeTTL time.Duration
}

func New(store *conversation.Store, gw Gateway, model llm.Model, sessions Sessions, cfg Config) (*Engine, error) {
	if store == nil || gw == nil || model == nil || sessions == nil {
		return nil, errors.New("engine: store, gateway, model and sessions are required")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = defaultReplyTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Engine{
		store:    store,
		gw:       gw,
		model:    model,
		sessions: sessions,
		policy:   cfg.Policy,
		replyTTL: cfg.ReplyTimeout,
		writeTTL: cfg.WriteTimeout,
	}, nil
}

// SubmitTurn starts a turn on threadID. The user message is durable when it
// returns without error. The returned Turn holds the thread lock until it
// reaches EOF, fails or is closed.
func (e *Engine) SubmitTurn(ctx context.Context, threadID, userText string) (*Turn, error) {
	if strings.TrimSpace(userText) == "" {
		return nil, ErrEmptyInput
	}

	unlock, err := e.store.Lock(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("lock thread: %w", err)
	}

	thread, err := e.gw.GetThread(ctx, threadID)
	if err != nil {
		unlock()
		return nil, err
	}

	state, err := e.store.CommitLocked(ctx, threadID,
		[]models.NewMessage{{Role: models.RoleUser, Content: userText}}, nil, 0)
	if err != nil {
		unlock()
		return nil, err
	}
	userMsg := state.Messages[len(state.Messages)-1]

	if thread.Name == "" {
		if err := e.sessions.Register(ctx, threadID, userText, thread.Owner); err != nil {
			applog.Warn("name thread failed", "thread_id", threadID, "err", err)
		}
	}

	turnCtx, cancel := context.WithTimeout(ctx, e.replyTTL)
	t := &Turn{
		engine:   e,
		threadID: threadID,
		parent:   ctx,
		ctx:      turnCtx,
		cancel:   cancel,
		unlock:   unlock,
		result:   &TurnResult{UserMessage: userMsg},
	}
	t.phase.Store(int32(PhaseResponding))

	stream, err := e.model.GenerateStreaming(turnCtx, replyPrompt(state))
	if err != nil {
		t.mu.Lock()
		t.terminateLocked(err)
		t.mu.Unlock()
		return t, nil
	}
	t.stream = stream
	t.stopWatch = context.AfterFunc(turnCtx, t.expire)
	return t, nil
}

// StateView is the observable memory of a thread.
type StateView struct {
	ThreadID       string            `json:"thread_id"`
	ActiveMessages []*models.Message `json:"active_messages"`
	Summary        string            `json:"summary"`
	SummaryPresent bool              `json:"summary_present"`
	ActiveCount    int               `json:"active_count"`
	Total          int               `json:"total"`
}

func newStateView(state *models.ConversationState) *StateView {
	return &StateView{
		ThreadID:       state.ThreadID,
		ActiveMessages: state.Messages,
		Summary:        state.Summary,
		SummaryPresent: state.Summary != "",
		ActiveCount:    state.ActiveCount(),
		Total:          state.Total,
	}
}

// GetState reads the current state without taking the thread lock.
func (e *Engine) GetState(ctx context.Context, threadID string) (*StateView, error) {
	state, err := e.store.Load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return newStateView(state), nil
}

// History returns every persisted message of the thread, folded ones included.
func (e *Engine) History(ctx context.Context, threadID string) ([]*models.Message, error) {
	return e.gw.ListMessages(ctx, threadID)
}

func (e *Engine) ListThreads(ctx context.Context, identity string) ([]models.Thread, error) {
	return e.sessions.List(ctx, identity)
}

func (e *Engine) StartNewThread(ctx context.Context, identity string) (string, error) {
	return e.sessions.StartNewThread(ctx, identity)
}

// Summarize folds the active window regardless of the threshold. It is the
// manual retry after a failed summarization.
func (e *Engine) Summarize(ctx context.Context, threadID string) (*StateView, error) {
	unlock, err := e.store.Lock(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("lock thread: %w", err)
	}
	defer unlock()

	state, err := e.store.Load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithTimeout(ctx, e.replyTTL)
	defer cancel()
	state, _, err = e.summarizeLocked(sctx, state)
	if err != nil {
		return nil, err
	}
	return newStateView(state), nil
}

// summarizeLocked folds all but the preserved tail of state into the summary.
// On failure the returned state is the input state and the error wraps
// ErrSummarizationFailed.
func (e *Engine) summarizeLocked(ctx context.Context, state *models.ConversationState) (*models.ConversationState, bool, error) {
	fold := e.policy.SelectFoldRange(state.Messages)
	if len(fold) == 0 {
		return state, false, nil
	}

	text, err := e.model.Generate(ctx, summaryPrompt(state.ThreadID, state.Summary, fold))
	if err == nil && strings.TrimSpace(text) == "" {
		err = errors.New("model returned an empty summary")
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSummarizationFailed, err)
		applog.Warn("summarization failed", "thread_id", state.ThreadID, "fold", len(fold), "err", err)
		return state, false, err
	}

	summary := strings.TrimSpace(text)
	next, err := e.store.CommitLocked(ctx, state.ThreadID, nil, &summary, len(fold))
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSummarizationFailed, err)
		applog.Warn("record summary failed", "thread_id", state.ThreadID, "err", err)
		return state, false, err
	}
	applog.Debug("thread summarized", "thread_id", state.ThreadID, "folded", len(fold), "active", next.ActiveCount())
	return next, true, nil
}
