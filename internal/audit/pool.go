package audit

import (
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const taskChanSize = 100

// WorkerFunc processes one queued task under tomb supervision.
type WorkerFunc = func(t *tomb.Tomb, task any) error

// workerPool runs up to n concurrent workers pulling tasks off a shared
// channel, exactly the shape of the teacher's internal/worker.go — kept
// package-local rather than in a shared package; internal/net/pool.go
// holds a separate copy for the connection workers.
type workerPool struct {
	n     int
	tasks chan any
	work  WorkerFunc
}

func newWorkerPool(size int) workerPool {
	return workerPool{
		tasks: make(chan any, taskChanSize),
		n:     size,
	}
}

func (pool *workerPool) setup(t *tomb.Tomb, work WorkerFunc) {
	log.Info().Int("activeWorkers", pool.n).Msg("audit drainer: adding workers")
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
			log.Error().Err(err).Msg("audit drainer: worker exiting")
			return err
		}
	}
	return nil
}

func (pool *workerPool) addTask(task any) {
	pool.tasks <- task
}
