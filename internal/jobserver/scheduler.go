// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package jobserver

import (
	"context"
	"sync"
	"time"

	"github.com/ssande7/pytf-web/pkg/logging"
	"github.com/ssande7/pytf-web/pkg/metrics"
)

// Scheduler owns every mutable piece of dispatch state and is the single
// writer for all of it: the Job Registry, the idle worker pool,
// and the connected-client table. Submit is safe to call from any
// goroutine: it enqueues a closure onto an internal command channel and
// the Scheduler's own goroutine runs it serially. The other exported
// methods that touch this state must run on that goroutine, inside a
// closure passed to Submit. This
// is the same single-writer-via-command-channel pattern a pooled-connection
// task queue uses, applied here to the whole registry rather than one
// connection.
type Scheduler struct {
	jobs       map[string]*Job
	unfinished []*Job

	clientsByID map[string]*ClientHandle

	idleWorkers []*WorkerHandle
	workersByID map[string]*WorkerHandle

	archive ArchiveStore
	logger  logging.Logger
	metrics metrics.Collector

	// stealTimeout bounds how long a Stealing(D,W) job waits for a Resume
	// before reverting to Steal(D). stealTimers holds the one outstanding timer
	// per job name currently in Stealing.
	stealTimeout time.Duration
	stealTimers  map[string]*time.Timer

	cmd    chan func()
	done   chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Config collects the Scheduler's dependencies. Archive, Logger, and
// Metrics may be left nil: a nil Archive means no archive lookups, a nil
// Logger becomes logging.NewLogger(nil) (text to stdout at Info level), and
// a nil Metrics becomes metrics.GetDefaultCollector().
type Config struct {
	Archive ArchiveStore
	Logger  logging.Logger
	Metrics metrics.Collector

	// QueueDepth bounds the command channel. A full channel applies
	// backpressure to callers rather than growing without limit.
	QueueDepth int

	// StealTimeout bounds how long a Stealing(D,W) job waits for a
	// Resume before reverting to Steal(D). Zero disables the timer;
	// tests must not depend on it firing.
	StealTimeout time.Duration
}

// DefaultQueueDepth is used when Config.QueueDepth is zero.
const DefaultQueueDepth = 256

// NewScheduler constructs a Scheduler and starts its run goroutine.
// Callers must call Stop when finished.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger(nil)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.GetDefaultCollector()
	}
	queueDepth := cfg.QueueDepth
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		jobs:         make(map[string]*Job),
		clientsByID:  make(map[string]*ClientHandle),
		workersByID:  make(map[string]*WorkerHandle),
		archive:      cfg.Archive,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		stealTimeout: cfg.StealTimeout,
		stealTimers:  make(map[string]*time.Timer),
		cmd:          make(chan func(), queueDepth),
		done:         make(chan struct{}),
		cancel:       cancel,
	}

	s.wg.Add(1)
	go s.run(ctx)

	return s
}

// run is the Scheduler's single command-processing goroutine. Every
// mutation to Scheduler or Job state happens inside a closure executed
// here, so none of the methods in registry.go/assign.go/segment.go/
// client.go/worker.go need their own locking beyond the per-Job RWMutex
// used for fields read directly by other goroutines (e.g. Notifier
// callbacks reading Job.Segment after release).
func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case fn := <-s.cmd:
			fn()
		case <-ctx.Done():
			close(s.done)
			return
		}
	}
}

// Submit enqueues fn to run on the scheduler goroutine and blocks until it
// has completed. This is how every exported Scheduler method funnels its
// actual work through the single-writer goroutine.
func (s *Scheduler) Submit(fn func()) {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}

	select {
	case s.cmd <- wrapped:
	case <-s.done:
		return
	}

	select {
	case <-done:
	case <-s.done:
	}
}

// Stop lets the command currently running finish and halts the scheduler
// goroutine. Queued commands that have not started are not run.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// armStealTimeout starts the bounded Stealing(D,W) timer for job, if
// StealTimeout is configured. Any previously armed timer for this job is
// replaced. Must run on the scheduler goroutine.
func (s *Scheduler) armStealTimeout(job *Job, worker *WorkerHandle) {
	if s.stealTimeout <= 0 {
		return
	}
	s.disarmStealTimeout(job.Name)

	s.stealTimers[job.Name] = time.AfterFunc(s.stealTimeout, func() {
		s.Submit(func() { s.revertStealingOnTimeout(job, worker) })
	})
}

// disarmStealTimeout cancels and forgets the outstanding timer for
// jobName, if any. Must run on the scheduler goroutine.
func (s *Scheduler) disarmStealTimeout(jobName string) {
	if timer, ok := s.stealTimers[jobName]; ok {
		timer.Stop()
		delete(s.stealTimers, jobName)
	}
}

// revertStealingOnTimeout reverts job from Stealing(D,worker) back to
// Steal(D) if it is still waiting on that same worker's Resume when the
// timer fires. A Resume or disconnect that already moved the
// job elsewhere makes this a no-op.
func (s *Scheduler) revertStealingOnTimeout(job *Job, worker *WorkerHandle) {
	delete(s.stealTimers, job.Name)

	job.Lock()
	status := job.Status()
	reverts := status.Kind == Stealing && status.Worker == worker
	if reverts {
		job.SetStatus(Status{Kind: Steal, PauseData: status.PauseData})
	}
	job.Unlock()

	if !reverts {
		return
	}

	s.logger.Warn("steal timed out waiting for resume, reverting to steal-ready", "job_name", job.Name, "worker_id", worker.ID())
	if worker.job == job {
		worker.job = nil
	}
	s.removeIdleWorker(worker)
	worker.idle.Store(true)
	s.idleWorkers = append(s.idleWorkers, worker)
	s.requestAssignment()
}
