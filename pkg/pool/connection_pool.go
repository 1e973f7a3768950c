// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package pool provides a bounded worker pool for dispatching archive I/O
// off the scheduler goroutine, keyed per job so writes for the same job are
// always serialized while writes for different jobs proceed concurrently.
package pool

import (
	"sync"
	"time"

	"github.com/ssande7/pytf-web/pkg/logging"
)

// ArchiveIOPool manages a set of per-job worker goroutines that execute
// archive read/write tasks in submission order.
type ArchiveIOPool struct {
	mu      sync.RWMutex
	workers map[string]*pooledWorker
	config  *PoolConfig
	logger  logging.Logger
}

// pooledWorker wraps a single job's task queue and usage statistics.
type pooledWorker struct {
	tasks    chan func()
	done     chan struct{}
	created  time.Time
	lastUsed time.Time
	useCount int64
	active   int32
}

// PoolConfig holds configuration for the archive I/O pool.
type PoolConfig struct {
	// QueueDepth bounds how many pending tasks may be buffered for a
	// single job's worker before Submit blocks.
	QueueDepth int

	// IdleTimeout is how long a job's worker may sit unused before
	// CleanupIdleWorkers reclaims it.
	IdleTimeout time.Duration
}

// DefaultPoolConfig returns a pool configuration sized for archive I/O
// against a local or networked filesystem.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		QueueDepth:  16,
		IdleTimeout: 90 * time.Second,
	}
}

// NewArchiveIOPool creates a new archive I/O pool.
func NewArchiveIOPool(config *PoolConfig, logger logging.Logger) *ArchiveIOPool {
	if config == nil {
		config = DefaultPoolConfig()
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	return &ArchiveIOPool{
		workers: make(map[string]*pooledWorker),
		config:  config,
		logger:  logger,
	}
}

// Submit enqueues task for execution on jobName's worker, creating the
// worker on first use. Tasks for the same job run strictly in submission
// order; tasks for different jobs run concurrently.
func (p *ArchiveIOPool) Submit(jobName string, task func()) {
	w := p.getOrCreateWorker(jobName)
	w.tasks <- task
}

func (p *ArchiveIOPool) getOrCreateWorker(jobName string) *pooledWorker {
	p.mu.RLock()
	w, exists := p.workers[jobName]
	p.mu.RUnlock()

	if exists {
		p.touch(w)
		return w
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if w, exists := p.workers[jobName]; exists {
		p.touch(w)
		return w
	}

	w = &pooledWorker{
		tasks:    make(chan func(), p.config.QueueDepth),
		done:     make(chan struct{}),
		created:  time.Now(),
		lastUsed: time.Now(),
		useCount: 1,
	}
	p.workers[jobName] = w
	go p.run(jobName, w)

	p.logger.Info("created archive I/O worker", "job_name", jobName)
	return w
}

func (p *ArchiveIOPool) touch(w *pooledWorker) {
	p.mu.Lock()
	w.lastUsed = time.Now()
	w.useCount++
	p.mu.Unlock()
}

func (p *ArchiveIOPool) run(jobName string, w *pooledWorker) {
	for {
		select {
		case task := <-w.tasks:
			task()
		case <-w.done:
			return
		}
	}
}

// Stats returns statistics about the archive I/O pool.
func (p *ArchiveIOPool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{
		TotalWorkers: len(p.workers),
		WorkerStats:  make(map[string]WorkerStats),
	}

	for jobName, w := range p.workers {
		stats.WorkerStats[jobName] = WorkerStats{
			Created:   w.created,
			LastUsed:  w.lastUsed,
			UseCount:  w.useCount,
			QueueSize: len(w.tasks),
		}
	}

	return stats
}

// CleanupIdleWorkers stops and removes workers that haven't been used
// recently, returning the count removed.
func (p *ArchiveIOPool) CleanupIdleWorkers(maxIdleTime time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-maxIdleTime)

	for jobName, w := range p.workers {
		if w.lastUsed.Before(cutoff) && len(w.tasks) == 0 {
			close(w.done)
			delete(p.workers, jobName)
			removed++

			p.logger.Info("removed idle archive I/O worker",
				"job_name", jobName,
				"idle_duration", time.Since(w.lastUsed),
			)
		}
	}

	return removed
}

// Close stops every worker in the pool.
func (p *ArchiveIOPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for jobName, w := range p.workers {
		close(w.done)
		delete(p.workers, jobName)
	}

	p.logger.Info("closed all archive I/O workers")
	return nil
}

// PoolStats contains statistics about the archive I/O pool.
type PoolStats struct {
	TotalWorkers int
	WorkerStats  map[string]WorkerStats
}

// WorkerStats contains statistics for a single job's worker.
type WorkerStats struct {
	Created   time.Time
	LastUsed  time.Time
	UseCount  int64
	QueueSize int
}

// JanitorSweep manages the periodic reclamation of idle archive workers,
// mirroring the cadence of the registry Janitor but scoped to pool
// bookkeeping rather than job records.
type JanitorSweep struct {
	pool            *ArchiveIOPool
	cleanupInterval time.Duration
	maxIdleTime     time.Duration
	stop            chan struct{}
	wg              sync.WaitGroup
	logger          logging.Logger
}

// NewJanitorSweep creates a new idle-worker sweep routine for pool.
func NewJanitorSweep(pool *ArchiveIOPool, logger logging.Logger) *JanitorSweep {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	return &JanitorSweep{
		pool:            pool,
		cleanupInterval: 5 * time.Minute,
		maxIdleTime:     15 * time.Minute,
		stop:            make(chan struct{}),
		logger:          logger,
	}
}

// Start begins the sweep routine.
func (s *JanitorSweep) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop halts the sweep routine and waits for it to exit.
func (s *JanitorSweep) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *JanitorSweep) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed := s.pool.CleanupIdleWorkers(s.maxIdleTime)
			if removed > 0 {
				s.logger.Info("swept idle archive I/O workers", "removed", removed)
			}
		case <-s.stop:
			return
		}
	}
}
