// Package queue runs jobs on a fixed pool of workers fed from a bounded
// buffer.
package queue

import (
	"sync"
)

type Job struct {
	Run    func() error
	OnFail func(error)
}

type Queue struct {
	jobs    chan Job
	workers int

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
	once    sync.Once
}

func NewQueue(size, workers int) *Queue {
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		jobs:    make(chan Job, size),
		workers: workers,
	}
}

// Enqueue adds a job without blocking. It reports false when the buffer
// is full or the queue has been stopped.
func (q *Queue) Enqueue(job Job) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		return false
	}

	select {
	case q.jobs <- job:
		return true
	default:
		return false
	}
}

func (q *Queue) Start() {
	q.once.Do(func() {
		for range q.workers {
			q.wg.Add(1)
			go func() {
				defer q.wg.Done()
				for job := range q.jobs {
					if err := job.Run(); err != nil {
						if job.OnFail != nil {
							job.OnFail(err)
						}
					}
				}
			}()
		}
	})
}

// Stop refuses new jobs and waits for the queued ones to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
}

// Pending is the number of jobs waiting for a worker.
func (q *Queue) Pending() int {
	return len(q.jobs)
}
