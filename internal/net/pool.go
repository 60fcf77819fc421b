package net

import (
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const taskChanSize = 100

// WorkerFunc processes one queued task under tomb supervision.
type WorkerFunc = func(t *tomb.Tomb, task any) error

// workerPool runs up to n concurrent workers pulling tasks off a shared
// channel, grounded on the teacher's internal/worker.go WorkerPool (there
// a package-level export; kept unexported here since internal/audit's own
// copy is this package's only sibling user, and the two outbox/connection
// pools have no reason to share a type).
type workerPool struct {
	n     int
	tasks chan any
}

func newWorkerPool(size int) workerPool {
	return workerPool{tasks: make(chan any, taskChanSize), n: size}
}

func (pool *workerPool) setup(t *tomb.Tomb, work WorkerFunc) {
	log.Info().Int("activeWorkers", pool.n).Msg("net: adding connection workers")
	active := 0
	for {
		select {
		case <-t.Dying():
			return
		default:
			if active < pool.n {
				t.Go(func() error {
					err := pool.worker(t, work)
					active--
					return err
				})
				active++
			}
		}
	}
}

func (pool *workerPool) worker(t *tomb.Tomb, work WorkerFunc) error {
	select {
	case <-t.Dying():
		return nil
	case task := <-pool.tasks:
		if err := work(t, task); err != nil {
			log.Error().Err(err).Msg("net: connection worker exiting")
			return err
		}
	}
	return nil
}

func (pool *workerPool) addTask(task any) {
	pool.tasks <- task
}
