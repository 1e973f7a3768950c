// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package jobserver

import "github.com/ssande7/pytf-web/internal/depoconfig"

// ArchiveStore is the subset of internal/archive's Store the registry
// depends on, kept as an interface so jobserver can be tested
// without touching a filesystem.
type ArchiveStore interface {
	// Load restores a previously archived Job's segments and status,
	// if an archive exists for config.Name. ok is false if no archive
	// was found (the caller should construct a fresh Waiting Job).
	Load(config depoconfig.Deposition) (segments [][]byte, latestSegment int, status Status, ok bool, err error)
}

// LookupOrDecide reports what the caller should do about config,
// constructing and registering a fresh (possibly archive-restored) Job when
// none exists. Must run on the scheduler goroutine.
func (s *Scheduler) LookupOrDecide(config depoconfig.Deposition) Decision {
	if job, exists := s.jobs[config.Name]; exists {
		job.RLock()
		kind := job.Status().Kind
		job.RUnlock()

		switch kind {
		case Finished:
			return Decision{Kind: DecisionFinished, Job: job}
		case Failed:
			return Decision{Kind: DecisionFailed, Job: job}
		default:
			return Decision{Kind: DecisionExisting, Job: job}
		}
	}

	job := s.newJobFromArchiveOrFresh(config)
	registered := s.register(job)

	switch registered.Status().Kind {
	case Finished:
		return Decision{Kind: DecisionFinished, Job: registered}
	case Failed:
		return Decision{Kind: DecisionFailed, Job: registered}
	default:
		return Decision{Kind: DecisionExisting, Job: registered}
	}
}

// newJobFromArchiveOrFresh builds a Job for config, restoring it from the
// Archive Store if an archive file exists.
func (s *Scheduler) newJobFromArchiveOrFresh(config depoconfig.Deposition) *Job {
	job := NewJob(config)

	if s.archive == nil {
		s.metrics.RecordJobCreated(false)
		return job
	}

	segments, latestSegment, status, ok, err := s.archive.Load(config)
	if err != nil {
		s.logger.Error("failed to load archive", "job_name", config.Name, "error", err)
		s.metrics.RecordJobCreated(false)
		return job
	}
	if !ok {
		s.metrics.RecordJobCreated(false)
		return job
	}

	job.Lock()
	job.RestoreSegments(segments, latestSegment, status)
	job.Unlock()

	s.metrics.RecordJobCreated(true)
	return job
}

// register inserts job unless one already exists under the same name,
// returning whichever Job is now authoritative for that name. Since this
// all runs on the single scheduler goroutine there is no actual race, but
// the API preserves the documented tie-break semantics for callers.
func (s *Scheduler) register(job *Job) *Job {
	if existing, exists := s.jobs[job.Name]; exists {
		return existing
	}

	s.jobs[job.Name] = job
	if !job.Status().Terminal() {
		s.unfinished = append(s.unfinished, job)
	}
	return job
}

// remove drops name from the registry and the unfinished list. Used by
// the Janitor after a successful archive, or to evict abandoned
// Waiting/Failed Jobs.
func (s *Scheduler) remove(name string) {
	delete(s.jobs, name)
	for i, job := range s.unfinished {
		if job.Name == name {
			s.unfinished = append(s.unfinished[:i], s.unfinished[i+1:]...)
			break
		}
	}
}

// Jobs returns every registered Job, for Janitor sweeps and diagnostics.
// Must run on the scheduler goroutine.
func (s *Scheduler) Jobs() []*Job {
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	return jobs
}

// Remove is the Janitor-facing wrapper around remove. Must run on the
// scheduler goroutine (call via Submit).
func (s *Scheduler) Remove(name string) { s.remove(name) }
