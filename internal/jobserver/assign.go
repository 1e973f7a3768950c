// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package jobserver

import (
	"encoding/json"
	"time"
)

// requestAssignment implements the assignment policy: it
// walks the unfinished-job list in registration order, and for each
// runnable Job (status in {Waiting, Steal} with at least one client)
// pairs it 1:1 with the next idle worker in connect order, until either
// list is exhausted. Must run on the scheduler goroutine.
func (s *Scheduler) requestAssignment() {
	for _, job := range s.unfinished {
		if len(s.idleWorkers) == 0 {
			return
		}

		job.Lock()
		status := job.Status()
		runnable := status.Runnable(job.ClientCount())
		job.Unlock()
		if !runnable {
			continue
		}

		worker := s.idleWorkers[0]
		s.idleWorkers = s.idleWorkers[1:]

		s.assignOne(job, worker, status)
	}
}

// assignOne flips worker to busy, transitions job, and sends the
// appropriate frame. If the transport send fails, the assignment is fully
// reverted: job goes back to prevStatus and worker goes back onto the idle
// pool so it is retried on the next assignment tick rather than left
// permanently excluded.
func (s *Scheduler) assignOne(job *Job, worker *WorkerHandle, prevStatus Status) {
	start := time.Now()

	worker.idle.Store(false)
	worker.job = job

	var (
		kind string
		err  error
	)

	job.Lock()
	switch prevStatus.Kind {
	case Waiting:
		kind = "job"
		job.SetStatus(Status{Kind: Running, Worker: worker})
		configJSON, marshalErr := json.Marshal(job.Config())
		job.Unlock()
		if marshalErr != nil {
			err = marshalErr
			break
		}
		err = worker.transport.SendJob(configJSON)

	case Steal:
		kind = "steal"
		job.SetStatus(Status{Kind: Stealing, Worker: worker, PauseData: prevStatus.PauseData})
		configJSON, marshalErr := json.Marshal(job.Config())
		job.Unlock()
		if marshalErr != nil {
			err = marshalErr
			break
		}
		err = worker.transport.SendSteal(configJSON, prevStatus.PauseData)
		if err == nil {
			s.armStealTimeout(job, worker)
		}

	default:
		job.Unlock()
	}

	accepted := err == nil
	s.metrics.RecordAssignment(kind, accepted, time.Since(start))

	if accepted {
		return
	}

	s.logger.Warn("assignment rejected, reverting", "job_name", job.Name, "worker_id", worker.ID(), "error", err)

	worker.job = nil
	job.Lock()
	job.SetStatus(prevStatus)
	job.Unlock()

	worker.idle.Store(true)
	s.idleWorkers = append(s.idleWorkers, worker)
}
