// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package jobserver

import (
	"sync/atomic"
	"time"
)

// WorkerTransport sends assignment frames to one connected worker. A
// rejection (transport error, or an explicit negative reply for callers
// that implement one) is reported as a non-nil error from SendJob or
// SendSteal; assignOne then reverts the assignment.
type WorkerTransport interface {
	SendJob(config []byte) error
	SendSteal(config, pauseData []byte) error
	SendPause(jobName string) error
}

// WorkerHandle identifies one connected worker session to the scheduler.
// Idle is an atomic bool so the scheduler can flip it without taking a
// registry-wide lock.
type WorkerHandle struct {
	id        string
	transport WorkerTransport

	idle atomic.Bool

	lastHeartbeat time.Time

	// job is the Job this worker is currently Running or Stealing, if
	// any.
	job *Job
}

// NewWorkerHandle creates a handle for a freshly connected, idle worker.
func NewWorkerHandle(id string, transport WorkerTransport) *WorkerHandle {
	w := &WorkerHandle{
		id:            id,
		transport:     transport,
		lastHeartbeat: time.Now(),
	}
	w.idle.Store(true)
	return w
}

// ID returns the worker's session identifier.
func (w *WorkerHandle) ID() string { return w.id }

// Idle reports whether the worker currently has no outstanding assignment.
func (w *WorkerHandle) Idle() bool { return w.idle.Load() }

// Touch refreshes the heartbeat instant.
func (w *WorkerHandle) Touch() { w.lastHeartbeat = time.Now() }

// LastHeartbeat returns the instant of the last observed worker activity.
func (w *WorkerHandle) LastHeartbeat() time.Time { return w.lastHeartbeat }

// ConnectWorker registers a newly connected, idle worker and attempts one
// immediate assignment. Must run on the scheduler goroutine.
func (s *Scheduler) ConnectWorker(handle *WorkerHandle) {
	s.idleWorkers = append(s.idleWorkers, handle)
	s.workersByID[handle.ID()] = handle
	s.requestAssignment()
}

// DisconnectWorker releases whatever Job handle was running or stealing,
// reverting the Job to a state that makes it eligible for rescheduling
//, and drops the worker from every
// bookkeeping set. Must run on the scheduler goroutine.
func (s *Scheduler) DisconnectWorker(handle *WorkerHandle) {
	s.removeIdleWorker(handle)
	delete(s.workersByID, handle.ID())

	job := handle.job
	if job == nil {
		return
	}
	handle.job = nil

	job.Lock()
	status := job.Status()
	switch status.Kind {
	case Running, Paused:
		job.SetStatus(Status{Kind: Waiting})
	case Stealing:
		job.SetStatus(Status{Kind: Steal, PauseData: status.PauseData})
	}
	job.Unlock()

	if status.Kind == Stealing {
		s.disarmStealTimeout(job.Name)
	}

	s.requestAssignment()
}

func (s *Scheduler) removeIdleWorker(handle *WorkerHandle) {
	for i, w := range s.idleWorkers {
		if w == handle {
			s.idleWorkers = append(s.idleWorkers[:i], s.idleWorkers[i+1:]...)
			return
		}
	}
}

// sendPause emits the PAUSE frame to worker for job. The transport's error
// is discarded, not logged; a transport failure here does not block the
// in-memory transition, matching the "never surface to clients" policy
// for transient worker transport errors.
func (s *Scheduler) sendPause(job *Job, worker *WorkerHandle) {
	if worker == nil || worker.transport == nil {
		return
	}
	_ = worker.transport.SendPause(job.Name)
}
