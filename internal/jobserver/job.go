// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package jobserver

import (
	"sync"
	"time"

	"github.com/ssande7/pytf-web/internal/depoconfig"
)

// Job is the authoritative in-memory record for one deposition.
// Every mutation to its fields other than via the accessor methods below
// must hold mu for writing; segment blobs may be read concurrently under a
// read lock once stored (they are immutable after first write, per I2).
type Job struct {
	// Name is immutable after construction: the JobName fingerprint.
	Name string

	mu sync.RWMutex

	config        depoconfig.Deposition
	status        Status
	clients       []*ClientHandle
	segments      [][]byte
	latestSegment int
	timestamp     time.Time
}

// NewJob constructs a fresh, never-started Job record for config.
func NewJob(config depoconfig.Deposition) *Job {
	return &Job{
		Name:      config.Name,
		config:    config,
		status:    Status{Kind: Waiting},
		segments:  make([][]byte, config.NCycles),
		timestamp: time.Now(),
	}
}

// TryLock attempts to acquire the exclusive lock without blocking, for the
// Janitor's non-blocking sweep.
func (j *Job) TryLock() bool { return j.mu.TryLock() }

// Lock acquires the exclusive lock, blocking if necessary.
func (j *Job) Lock() { j.mu.Lock() }

// Unlock releases the exclusive lock.
func (j *Job) Unlock() { j.mu.Unlock() }

// RLock acquires a shared read lock.
func (j *Job) RLock() { j.mu.RLock() }

// RUnlock releases a shared read lock.
func (j *Job) RUnlock() { j.mu.RUnlock() }

// Config returns the Job's configuration. Caller must hold at least RLock.
func (j *Job) Config() depoconfig.Deposition { return j.config }

// Status returns the Job's current status. Caller must hold at least
// RLock.
func (j *Job) Status() Status { return j.status }

// SetStatus overwrites the Job's status. Caller must hold Lock.
func (j *Job) SetStatus(s Status) { j.status = s }

// Clients returns the Job's client set in insertion order. Caller must
// hold at least RLock. The returned slice must not be mutated.
func (j *Job) Clients() []*ClientHandle { return j.clients }

// ClientCount reports how many clients are attached. Caller must hold at
// least RLock.
func (j *Job) ClientCount() int { return len(j.clients) }

// AddClient appends c to the client set if not already present (I4).
// Caller must hold Lock. Returns false if c was already attached.
func (j *Job) AddClient(c *ClientHandle) bool {
	for _, existing := range j.clients {
		if existing == c {
			return false
		}
	}
	j.clients = append(j.clients, c)
	j.touch()
	return true
}

// RemoveClient drops c from the client set. Caller must hold Lock.
// Returns true if the set became empty as a result.
func (j *Job) RemoveClient(c *ClientHandle) (becameEmpty bool) {
	for i, existing := range j.clients {
		if existing == c {
			j.clients = append(j.clients[:i], j.clients[i+1:]...)
			break
		}
	}
	return len(j.clients) == 0
}

// LatestSegment returns the highest 1-based segment index stored so far.
// Caller must hold at least RLock.
func (j *Job) LatestSegment() int { return j.latestSegment }

// NCycles returns the total number of segment slots.
func (j *Job) NCycles() int { return j.config.NCycles }

// Timestamp returns the instant of last meaningful activity. Caller must
// hold at least RLock.
func (j *Job) Timestamp() time.Time { return j.timestamp }

// touch refreshes the activity timestamp. Caller must hold Lock.
func (j *Job) touch() { j.timestamp = time.Now() }

// Touch refreshes the activity timestamp from outside the package, for
// callers (the Janitor's archive-failure path) that need to push a job's
// retry eligibility back without otherwise mutating it. Caller must hold
// Lock.
func (j *Job) Touch() { j.touch() }

// StoreSegment stores blob at 1-based index segmentID if that slot is
// still empty (I2). Returns false (and leaves the slot untouched) if the
// index is out of range or the slot is already filled. Caller must hold
// Lock.
func (j *Job) StoreSegment(segmentID int, blob []byte) bool {
	if segmentID < 1 || segmentID > len(j.segments) {
		return false
	}
	idx := segmentID - 1
	if j.segments[idx] != nil {
		return false
	}
	j.segments[idx] = blob
	if segmentID > j.latestSegment {
		j.latestSegment = segmentID
	}
	j.touch()
	return true
}

// Segment returns the blob stored at 1-based index segmentID, or nil if
// that slot is empty or out of range. Caller must hold at least RLock.
func (j *Job) Segment(segmentID int) []byte {
	if segmentID < 1 || segmentID > len(j.segments) {
		return nil
	}
	return j.segments[segmentID-1]
}

// Segments returns the full segment slice. Caller must hold at least
// RLock; the slice (and its filled entries) must be treated as read-only.
func (j *Job) Segments() [][]byte { return j.segments }

// MarkFinishedByWorker sets Finished, treating any still-empty slots as
// permanently missing per the worker's authoritative DONE declaration.
// Caller must hold Lock.
func (j *Job) MarkFinishedByWorker() {
	j.status = Status{Kind: Finished}
	j.touch()
}

// RestoreSegments repopulates segments/latestSegment/status from an
// archive load. Caller must hold Lock (only legal during construction,
// before the Job is registered).
func (j *Job) RestoreSegments(segments [][]byte, latestSegment int, status Status) {
	j.segments = segments
	j.latestSegment = latestSegment
	j.status = status
	j.touch()
}
