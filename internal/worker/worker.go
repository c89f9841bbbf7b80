package worker

type Worker struct {
	id         int
	pool       *jobChannelPool
	runner     Runner
	jobChannel chan *Job
}

func NewWorker(id int, pool *jobChannelPool, runner Runner) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		runner:     runner,
		jobChannel: make(chan *Job),
	}
}

func (w *Worker) Start() {
	go func() {
		if !w.pool.Release(w.jobChannel) {
			return
		}
		for job := range w.jobChannel {
			if job.stop {
				w.pool.retire(w.jobChannel)
				return
			}
			job.run(w.runner)
			if job.done != nil {
				job.done()
			}
			if !w.pool.Release(w.jobChannel) {
				return
			}
		}
	}()
}
