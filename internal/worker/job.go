package worker

import (
	"context"
	"errors"
	"io"

	"memochat/internal/engine"
	"memochat/internal/models"
)

// Turn is the running reply a Runner hands back.
type Turn interface {
	UserMessage() *models.Message
	Recv() (string, error)
	Close()
	Result() *engine.TurnResult
}

// Runner starts conversation turns.
type Runner interface {
	SubmitTurn(ctx context.Context, threadID, text string) (Turn, error)
}

type engineRunner struct {
	engine *engine.Engine
}

// FromEngine runs jobs on the conversation engine.
func FromEngine(e *engine.Engine) Runner {
	return engineRunner{engine: e}
}

func (r engineRunner) SubmitTurn(ctx context.Context, threadID, text string) (Turn, error) {
	turn, err := r.engine.SubmitTurn(ctx, threadID, text)
	if err != nil {
		return nil, err
	}
	return turn, nil
}

// TurnRequest is one user message to answer on a thread.
type TurnRequest struct {
	Context  context.Context
	Identity string
	ThreadID string
	Content  string
	// OnStart receives the persisted user message before any fragment.
	OnStart func(*models.Message) error
	// ChunkFn receives every reply fragment. An error cancels the turn.
	ChunkFn func(string) error
}

// TurnOutcome is delivered exactly once per submitted job. Err is nil when
// the reply completed.
type TurnOutcome struct {
	Result *engine.TurnResult
	Err    error
}

type Job struct {
	req    TurnRequest
	result chan TurnOutcome
	stop   bool
	// done is set by the dispatcher when the job is handed to a worker.
	done func()
}

func newJob(req TurnRequest) *Job {
	return &Job{req: req, result: make(chan TurnOutcome, 1)}
}

func (j *Job) finish(out TurnOutcome) {
	j.result <- out
}

func (j *Job) run(runner Runner) {
	req := j.req
	ctx := req.Context
	if ctx == nil {
		ctx = context.Background()
	}
	// the caller may have gone away while the job was queued
	if err := ctx.Err(); err != nil {
		j.finish(TurnOutcome{Err: err})
		return
	}

	turn, err := runner.SubmitTurn(ctx, req.ThreadID, req.Content)
	if err != nil {
		j.finish(TurnOutcome{Err: err})
		return
	}
	if req.OnStart != nil {
		if err := req.OnStart(turn.UserMessage()); err != nil {
			turn.Close()
			j.finish(TurnOutcome{Result: turn.Result(), Err: err})
			return
		}
	}
	for {
		frag, err := turn.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			j.finish(TurnOutcome{Result: turn.Result(), Err: err})
			return
		}
		if req.ChunkFn == nil {
			continue
		}
		if err := req.ChunkFn(frag); err != nil {
			turn.Close()
			j.finish(TurnOutcome{Result: turn.Result(), Err: err})
			return
		}
	}
}
