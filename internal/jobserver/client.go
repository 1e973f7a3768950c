// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package jobserver

import (
	"time"
)

// Notifier delivers the client-visible text/binary protocol to
// one connected client session. internal/wsnotify implements this over a
// websocket connection; tests use an in-memory fake.
type Notifier interface {
	NewFrames(latest, total int)
	Failed()
	CancelAck()
	Queued()
	NoSeg(segmentID int)
	Segment(blob []byte)
	ForceDisconnect()
}

// ClientHandle identifies one connected client session to the scheduler.
// Equality is by pointer identity; two ClientHandles for the same ClientID
// at different times are distinct.
type ClientHandle struct {
	ClientID string
	Addr     string

	notifier Notifier

	lastHeartbeat time.Time

	// forceDisconnect is set by the scheduler when this session is
	// being superseded by a newer connection with the same ClientID.
	forceDisconnect bool

	// job is the Job this client is currently bound to, or nil.
	job *Job
}

// NewClientHandle creates a handle for a freshly connected client.
func NewClientHandle(clientID, addr string, notifier Notifier) *ClientHandle {
	return &ClientHandle{
		ClientID:      clientID,
		Addr:          addr,
		notifier:      notifier,
		lastHeartbeat: time.Now(),
	}
}

// ID returns the stable user/client identifier.
func (c *ClientHandle) ID() string { return c.ClientID }

// Job returns the Job this client is currently bound to, or nil.
func (c *ClientHandle) Job() *Job { return c.job }

// Touch refreshes the heartbeat instant.
func (c *ClientHandle) Touch() { c.lastHeartbeat = time.Now() }

// LastHeartbeat returns the instant of the last observed client activity.
func (c *ClientHandle) LastHeartbeat() time.Time { return c.lastHeartbeat }

// Decision is the outcome of a job lookup or request.
type Decision struct {
	Kind DecisionKind
	Job  *Job
}

// DecisionKind enumerates the possible Decision outcomes. LookupOrDecide
// always constructs and registers a brand-new Job itself before returning,
// so callers only ever see the outcome of that Job's resulting status —
// there is no separate "new" outcome to represent.
type DecisionKind int

const (
	DecisionExisting DecisionKind = iota
	DecisionFinished
	DecisionFailed
)

// Connect registers a new client session, force-disconnecting and
// replacing any existing session with the same clientID.
// Must run on the scheduler goroutine.
func (s *Scheduler) Connect(clientID, addr string, notifier Notifier) *ClientHandle {
	if old, exists := s.clientsByID[clientID]; exists {
		s.forceDisconnectLocked(old)
	}

	handle := NewClientHandle(clientID, addr, notifier)
	s.clientsByID[clientID] = handle
	return handle
}

// Disconnect drops client's registry entry, detaching it from its Job
// first if bound. Must run on the scheduler goroutine.
func (s *Scheduler) Disconnect(client *ClientHandle) {
	s.detachClient(client)
	if s.clientsByID[client.ClientID] == client {
		delete(s.clientsByID, client.ClientID)
	}
}

// forceDisconnectLocked detaches old from its Job (without double-firing
// the "last client left" transition beyond what detachClient already
// does) and tells it to disconnect.
func (s *Scheduler) forceDisconnectLocked(old *ClientHandle) {
	old.forceDisconnect = true
	s.detachClient(old)
	delete(s.clientsByID, old.ClientID)
	if old.notifier != nil {
		old.notifier.ForceDisconnect()
	}
}

// RequestJob implements request_job: looks up or
// decides on config, and on Existing/Finished attaches client to the
// result before detaching it from prevJob (in that order, to avoid a
// transient empty-clients pause). Must run on the scheduler goroutine.
func (s *Scheduler) RequestJob(client *ClientHandle, decision Decision) {
	switch decision.Kind {
	case DecisionExisting, DecisionFinished:
		job := decision.Job
		job.Lock()
		job.AddClient(client)
		count := job.ClientCount()
		status := job.Status()
		job.Unlock()

		prev := client.job
		client.job = job

		if prev != nil && prev != job {
			s.detachClientFromJob(client, prev)
		}

		if decision.Kind == DecisionFinished {
			client.notifier.NewFrames(job.LatestSegment(), job.NCycles())
		} else {
			if client.notifier != nil {
				client.notifier.Queued()
			}
			if status.Runnable(count) {
				s.requestAssignment()
			}
		}

	case DecisionFailed:
		client.notifier.Failed()
	}
}

// RequestSegment serves a previously produced segment back to client. Must
// run on the scheduler goroutine.
func (s *Scheduler) RequestSegment(client *ClientHandle, segmentID int) {
	job := client.job
	if job == nil {
		client.notifier.NoSeg(segmentID)
		return
	}

	job.RLock()
	blob := job.Segment(segmentID)
	job.RUnlock()

	if blob == nil {
		client.notifier.NoSeg(segmentID)
		return
	}
	client.notifier.Segment(blob)
}

// Cancel implements the client's explicit detach-and-confirm.
// Must run on the scheduler goroutine.
func (s *Scheduler) Cancel(client *ClientHandle) {
	s.detachClient(client)
	if client.notifier != nil {
		client.notifier.CancelAck()
	}
}

// detachClient removes client from whatever Job it is bound to, if any.
func (s *Scheduler) detachClient(client *ClientHandle) {
	job := client.job
	if job == nil {
		return
	}
	s.detachClientFromJob(client, job)
}

// detachClientFromJob removes client from job specifically, firing the
// Running→Paused transition if the client set becomes empty. A Stealing
// job whose client set becomes empty keeps its Stealing status; it does
// not revert to Steal.
func (s *Scheduler) detachClientFromJob(client *ClientHandle, job *Job) {
	job.Lock()
	becameEmpty := job.RemoveClient(client)
	var toAssign bool
	if becameEmpty {
		toAssign = s.onLastClientLeft(job)
	}
	job.Unlock()

	if client.job == job {
		client.job = nil
	}
	if toAssign {
		s.requestAssignment()
	}
}

// onLastClientLeft applies the last-client-leaves transition. Caller must
// hold job.Lock. Returns whether an assignment pass should run afterward
// (it never does directly here, but kept symmetrical with other
// transition helpers for future Steal-timeout wiring).
func (s *Scheduler) onLastClientLeft(job *Job) bool {
	status := job.Status()
	switch status.Kind {
	case Running:
		job.SetStatus(Status{Kind: Paused, Worker: status.Worker})
		s.sendPause(job, status.Worker)
	case Stealing:
		// The resuming worker is still mid-transfer; nothing to
		// signal until it confirms or disconnects.
	}
	return false
}
