// Package worker schedules conversation turns on a bounded pool of workers.
package worker

import (
	"time"

	"memochat/internal/engine"
)

type DispatcherConfig struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

// Manager is the entry point the transport layer submits turns through.
type Manager struct {
	dispatcher *Dispatcher
}

func NewManager(runner Runner, cfg DispatcherConfig) *Manager {
	return &Manager{
		dispatcher: NewDispatcher(cfg.MinWorkers, cfg.MaxWorkers, cfg.QueueSize, runner, cfg.IdleTimeout),
	}
}

// Stream runs req on a worker and blocks until the turn ends. Fragments are
// delivered through req.ChunkFn on the worker goroutine.
func (m *Manager) Stream(req TurnRequest) (*engine.TurnResult, error) {
	job := newJob(req)
	if err := m.dispatcher.Submit(job); err != nil {
		return nil, err
	}
	out := <-job.result
	return out.Result, out.Err
}

// Stop fails queued turns and stops idle workers.
func (m *Manager) Stop() {
	m.dispatcher.Close()
}
