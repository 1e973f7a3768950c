// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package janitor implements the periodic archival-and-eviction sweep:
// every CleanupInterval, each registered Job whose client set has been
// empty for at least MaxJobAge is either archived (Finished, Steal) or
// simply dropped (Waiting, Failed); Jobs with work in flight are left
// alone.
package janitor

import (
	"sync"
	"time"

	"github.com/ssande7/pytf-web/internal/archive"
	"github.com/ssande7/pytf-web/internal/jobserver"
	"github.com/ssande7/pytf-web/pkg/logging"
	"github.com/ssande7/pytf-web/pkg/metrics"
)

// Scheduler is the subset of jobserver.Scheduler the Janitor depends on,
// kept as an interface so the sweep can be tested without a live
// scheduler goroutine.
type Scheduler interface {
	// Submit runs fn on the scheduler goroutine and blocks until done,
	// the same contract jobserver.Scheduler.Submit provides.
	Submit(fn func())
	Jobs() []*jobserver.Job
	Remove(name string)
}

// ArchiveWriter is the subset of archive.Store the Janitor depends on.
type ArchiveWriter interface {
	Archive(snap archive.Snapshot, done func(error))
}

// Janitor runs the periodic sweep over every registered job, archiving or
// evicting whatever has gone stale.
type Janitor struct {
	scheduler Scheduler
	archive   ArchiveWriter
	logger    logging.Logger
	metrics   metrics.Collector

	interval time.Duration
	maxAge   time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
}

// Config collects the Janitor's dependencies and cadence.
type Config struct {
	Scheduler Scheduler
	Archive   ArchiveWriter
	Logger    logging.Logger
	Metrics   metrics.Collector

	// Interval is how often the sweep runs (default 150s).
	Interval time.Duration

	// MaxAge is how long a client-less Job may sit idle before it is
	// archived or evicted (default 300s).
	MaxAge time.Duration
}

// DefaultInterval and DefaultMaxAge are the Janitor's cadence defaults.
const (
	DefaultInterval = 150 * time.Second
	DefaultMaxAge   = 300 * time.Second
)

// New constructs a Janitor. Callers must call Start to begin sweeping.
func New(cfg Config) *Janitor {
	if cfg.Logger == nil {
		cfg.Logger = logging.NoOpLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NoOpCollector{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}

	return &Janitor{
		scheduler: cfg.Scheduler,
		archive:   cfg.Archive,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		interval:  cfg.Interval,
		maxAge:    cfg.MaxAge,
		stop:      make(chan struct{}),
	}
}

// Start begins the periodic sweep loop in a background goroutine.
func (j *Janitor) Start() {
	j.wg.Add(1)
	go j.loop()
}

// Stop halts the sweep loop and waits for the in-flight tick, if any, to
// finish.
func (j *Janitor) Stop() {
	close(j.stop)
	j.wg.Wait()
}

func (j *Janitor) loop() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.Tick()
		case <-j.stop:
			return
		}
	}
}

// Tick runs one sweep pass immediately; exported so tests can trigger it
// without waiting for the ticker.
func (j *Janitor) Tick() {
	now := time.Now()

	type candidate struct {
		job  *jobserver.Job
		snap archive.Snapshot
		// remove is true for Waiting/Failed jobs that are simply
		// dropped; false for Finished/Steal jobs queued for archival.
		remove bool
	}

	var candidates []candidate

	j.scheduler.Submit(func() {
		for _, job := range j.scheduler.Jobs() {
			if !job.TryLock() {
				// Contended job: work is in flight, or another
				// goroutine is reading/writing it. Skip this tick
				// rather than blocking the scheduler.
				continue
			}

			clientless := job.ClientCount() == 0
			idle := now.Sub(job.Timestamp()) >= j.maxAge
			status := job.Status()

			if clientless && idle {
				switch status.Kind {
				case jobserver.Finished, jobserver.Steal:
					candidates = append(candidates, candidate{
						job: job,
						snap: archive.Snapshot{
							JobName:       job.Name,
							Status:        status,
							Segments:      append([][]byte(nil), job.Segments()...),
							LatestSegment: job.LatestSegment(),
						},
					})
				case jobserver.Waiting, jobserver.Failed:
					candidates = append(candidates, candidate{job: job, remove: true})
				}
			}

			job.Unlock()
		}
	})

	for _, c := range candidates {
		if c.remove {
			j.scheduler.Submit(func() { j.scheduler.Remove(c.job.Name) })
			j.logger.Info("janitor evicted stale job", "job_name", c.job.Name, "status", c.job.Status().Kind)
			continue
		}

		jobName := c.job.Name
		if j.archive == nil {
			continue
		}
		job := c.job
		j.archive.Archive(c.snap, func(err error) {
			if err != nil {
				// Archive I/O error: push the job's activity timestamp
				// forward so it isn't immediately re-selected as a
				// candidate on the next tick, turning a failing archive
				// write into a tight retry loop.
				j.scheduler.Submit(func() {
					job.Lock()
					job.Touch()
					job.Unlock()
				})
				j.logger.Warn("janitor archive attempt failed, leaving job in registry", "job_name", jobName, "error", err)
				return
			}
			j.scheduler.Submit(func() { j.scheduler.Remove(jobName) })
			j.logger.Info("janitor archived and removed job", "job_name", jobName)
		})
	}
}
