// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package jobserver

import (
	"github.com/ssande7/pytf-web/internal/wire"
	"github.com/ssande7/pytf-web/pkg/deperrors"
)

// HandleWorkerFrame demultiplexes one frame read off worker's connection
// onto the Job it names: a Segment/Pause/Done/Fail/Resume mutation plus
// whatever client notifications follow from it. Malformed or
// out-of-protocol frames are logged and dropped; nothing here is
// fatal to the scheduler. Must run on the scheduler goroutine.
func (s *Scheduler) HandleWorkerFrame(worker *WorkerHandle, frame wire.Frame) {
	job, ok := s.jobs[frame.JobName]
	if !ok {
		s.logger.Warn("worker frame for unknown job, dropping", "job_name", frame.JobName, "worker_id", worker.ID())
		s.metrics.RecordProtocolViolation("unknown_job")
		return
	}

	worker.Touch()

	switch frame.Tag {
	case wire.TagSeg:
		s.handleSegment(worker, job, frame)
	case wire.TagPause:
		s.handlePause(worker, job, frame)
	case wire.TagDone:
		s.handleDone(worker, job)
	case wire.TagFail:
		s.handleFail(worker, job)
	case wire.TagResume:
		s.handleResume(worker, job)
	default:
		s.logger.Warn("unexpected frame tag from worker", "job_name", frame.JobName, "tag", frame.Tag)
		s.metrics.RecordProtocolViolation("unexpected_tag")
	}
}

// handleSegment stores a newly produced trajectory segment (I2: each slot
// filled exactly once) and fans out NewFrames to every attached client.
func (s *Scheduler) handleSegment(worker *WorkerHandle, job *Job, frame wire.Frame) {
	if frame.Segment == nil {
		s.logger.Warn("seg frame missing payload", "job_name", job.Name)
		s.metrics.RecordProtocolViolation("seg_missing_payload")
		return
	}

	blob, err := wire.Encode(frame)
	if err != nil {
		s.logger.Error("failed to re-encode segment for storage", "job_name", job.Name, "error", deperrors.WrapError(err))
		return
	}

	job.Lock()
	stored := job.StoreSegment(int(frame.Segment.SegmentID), blob)
	latest := job.LatestSegment()
	total := job.NCycles()
	clients := append([]*ClientHandle(nil), job.Clients()...)
	job.Unlock()

	s.metrics.RecordSegment(!stored)
	if !stored {
		s.logger.Debug("duplicate or out-of-range segment, dropping", "job_name", job.Name, "segment_id", frame.Segment.SegmentID)
		return
	}

	for _, client := range clients {
		if client.notifier != nil {
			client.notifier.NewFrames(latest, total)
		}
	}
}

// handlePause stores the worker's resumable snapshot D and transitions
// Paused(W) -> Steal(D): the job is now eligible for
// assignment to any worker. The worker that produced D is released back
// to the idle pool since it no longer holds any job.
func (s *Scheduler) handlePause(worker *WorkerHandle, job *Job, frame wire.Frame) {
	job.Lock()
	status := job.Status()
	releasesWorker := status.Kind == Paused
	if releasesWorker {
		job.SetStatus(Status{Kind: Steal, PauseData: frame.PauseData})
	}
	job.Unlock()

	if !releasesWorker {
		return
	}

	s.releaseWorker(worker)
	s.requestAssignment()
}

// handleDone marks the Job Finished and tells every attached client the
// final frame count.
func (s *Scheduler) handleDone(worker *WorkerHandle, job *Job) {
	job.Lock()
	job.MarkFinishedByWorker()
	latest := job.LatestSegment()
	total := job.NCycles()
	clients := append([]*ClientHandle(nil), job.Clients()...)
	job.Unlock()

	s.releaseWorker(worker)

	for _, client := range clients {
		if client.notifier != nil {
			client.notifier.NewFrames(latest, total)
		}
	}

	s.requestAssignment()
}

// handleFail marks the Job Failed and tells every attached client.
func (s *Scheduler) handleFail(worker *WorkerHandle, job *Job) {
	job.Lock()
	job.SetStatus(Status{Kind: Failed})
	clients := append([]*ClientHandle(nil), job.Clients()...)
	job.Unlock()

	s.releaseWorker(worker)

	for _, client := range clients {
		if client.notifier != nil {
			client.notifier.Failed()
		}
	}

	s.requestAssignment()
}

// handleResume confirms a completed steal transfer: the resuming worker
// has loaded the pause snapshot and is now producing segments for it.
func (s *Scheduler) handleResume(worker *WorkerHandle, job *Job) {
	job.Lock()
	status := job.Status()
	if status.Kind == Stealing {
		job.SetStatus(Status{Kind: Running, Worker: worker})
	}
	job.Unlock()

	s.disarmStealTimeout(job.Name)
}

// releaseWorker returns worker to the idle pool once it no longer holds
// its Job: after Done or Fail, or after it delivered pause data.
func (s *Scheduler) releaseWorker(worker *WorkerHandle) {
	worker.job = nil
	worker.idle.Store(true)
	s.idleWorkers = append(s.idleWorkers, worker)
}
