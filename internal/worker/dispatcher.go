package worker

import (
	"container/list"
	"errors"
	"sync"
	"time"

	applog "memochat/internal/log"
)

var (
	// ErrDispatcherBusy is returned when the intake queue is full.
	ErrDispatcherBusy   = errors.New("dispatcher busy")
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

type threadQueue struct {
	jobs    []*Job
	running bool // a job of this thread is on a worker
}

// Dispatcher fans jobs out to the worker pool. Jobs of one thread run one at
// a time in submission order; threads with pending work take turns.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan *Job // intake for outer jobs

	mu        sync.Mutex
	queues    map[string]*threadQueue // pending jobs per thread
	ready     *list.List              // round-robin queue of runnable thread ids
	positions map[string]*list.Element

	intakeMu sync.RWMutex
	closed   bool

	wake      chan struct{}
	quit      chan struct{}
	closeOnce sync.Once
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, runner Runner, idleTimeout time.Duration) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	pool := newJobChannelPool(minWorkers, maxWorkers, idleTimeout, runner)

	d := &Dispatcher{
		queues:    make(map[string]*threadQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		pool:      pool,
		JobQueue:  make(chan *Job, queueSize),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}

	// warm up workers
	for i := 0; i < minWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues a job without blocking.
func (d *Dispatcher) Submit(job *Job) error {
	d.intakeMu.RLock()
	defer d.intakeMu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.JobQueue <- job:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

// Close stops dispatching and fails every job that has not started.
// Running jobs finish normally.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.intakeMu.Lock()
		d.closed = true
		d.intakeMu.Unlock()

		close(d.quit)
		d.pool.close()

		d.mu.Lock()
		var pending []*Job
		for id, q := range d.queues {
			pending = append(pending, q.jobs...)
			q.jobs = nil
			if !q.running {
				delete(d.queues, id)
			}
		}
		d.ready.Init()
		d.positions = make(map[string]*list.Element)
		d.mu.Unlock()

	drain:
		for {
			select {
			case job := <-d.JobQueue:
				pending = append(pending, job)
			default:
				break drain
			}
		}
		for _, job := range pending {
			job.finish(TurnOutcome{Err: ErrDispatcherClosed})
		}
	})
}

func (d *Dispatcher) run() {
	for {
		// dispatch one job of the thread in the front of the ready queue
		if d.dispatchOne() {
			// if we have a new job, enqueue it without blocking
			select {
			case job := <-d.JobQueue:
				d.enqueueJob(job)
			default:
			}
			continue
		}
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		case <-d.wake:
		case <-d.quit:
			return
		}
	}
}

func (d *Dispatcher) enqueueJob(job *Job) {
	threadID := job.req.ThreadID

	d.mu.Lock()
	defer d.mu.Unlock()

	select {
	case <-d.quit:
		job.finish(TurnOutcome{Err: ErrDispatcherClosed})
		return
	default:
	}

	q := d.queues[threadID]
	if q == nil {
		q = &threadQueue{}
		d.queues[threadID] = q
	}
	q.jobs = append(q.jobs, job)
	d.markReadyLocked(threadID, q)
}

// markReadyLocked puts the thread at the back of the ready queue when it has
// pending work and nothing running.
func (d *Dispatcher) markReadyLocked(threadID string, q *threadQueue) {
	if q.running || len(q.jobs) == 0 {
		return
	}
	if _, ok := d.positions[threadID]; ok {
		return
	}
	d.positions[threadID] = d.ready.PushBack(threadID)
}

// dispatchOne hands the next job of the first ready thread to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	threadID := elem.Value.(string)
	d.ready.Remove(elem)
	delete(d.positions, threadID)

	q := d.queues[threadID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	q.running = true
	d.mu.Unlock()

	job.done = func() { d.jobDone(threadID) }

	workerChan := d.pool.acquire()
	if workerChan == nil {
		job.finish(TurnOutcome{Err: ErrDispatcherClosed})
		d.jobDone(threadID)
		return true
	}
	applog.Debug("dispatch turn", "thread_id", threadID, "worker", d.pool.workerID(workerChan))
	workerChan <- job
	return true
}

func (d *Dispatcher) jobDone(threadID string) {
	d.mu.Lock()
	if q := d.queues[threadID]; q != nil {
		q.running = false
		if len(q.jobs) == 0 {
			delete(d.queues, threadID)
		} else {
			d.markReadyLocked(threadID, q)
		}
	}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}
