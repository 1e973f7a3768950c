// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package jobserver

import "sync"

// fakeNotifier records every call made to it, for assertions in scheduler
// scenario tests. Safe for concurrent use since the scheduler drives it
// from its own goroutine while tests read it from another.
type fakeNotifier struct {
	mu sync.Mutex

	newFrames       []int
	newFramesTotal  []int
	failedCount     int
	cancelAckCount  int
	queuedCount     int
	noSegIDs        []int
	segments        [][]byte
	forceDisconnect int
}

func (f *fakeNotifier) NewFrames(latest, total int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newFrames = append(f.newFrames, latest)
	f.newFramesTotal = append(f.newFramesTotal, total)
}

func (f *fakeNotifier) Failed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedCount++
}

func (f *fakeNotifier) CancelAck() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelAckCount++
}

func (f *fakeNotifier) Queued() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queuedCount++
}

func (f *fakeNotifier) NoSeg(segmentID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noSegIDs = append(f.noSegIDs, segmentID)
}

func (f *fakeNotifier) Segment(blob []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.segments = append(f.segments, blob)
}

func (f *fakeNotifier) ForceDisconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forceDisconnect++
}

func (f *fakeNotifier) lastNewFrames() (latest, total int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.newFrames)
	if n == 0 {
		return 0, 0
	}
	return f.newFrames[n-1], f.newFramesTotal[n-1]
}

// fakeWorkerTransport records every frame the scheduler tries to send to
// a worker. sendErr, when set, is returned by every Send* call to
// exercise the assignment-revert path.
type fakeWorkerTransport struct {
	mu sync.Mutex

	sendErr error

	jobSends   [][]byte
	stealSends [][2][]byte
	pauseSends []string
}

func (f *fakeWorkerTransport) SendJob(config []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobSends = append(f.jobSends, config)
	return f.sendErr
}

func (f *fakeWorkerTransport) SendSteal(config, pauseData []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stealSends = append(f.stealSends, [2][]byte{config, pauseData})
	return f.sendErr
}

func (f *fakeWorkerTransport) SendPause(jobName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauseSends = append(f.pauseSends, jobName)
	return nil
}
