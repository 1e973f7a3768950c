// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package jobserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssande7/pytf-web/internal/depoconfig"
)

func testConfig(name string, nCycles int) depoconfig.Deposition {
	return depoconfig.Deposition{Name: name, NCycles: nCycles}
}

func TestNewJob(t *testing.T) {
	job := NewJob(testConfig("job-a", 4))

	assert.Equal(t, "job-a", job.Name)
	assert.Equal(t, Waiting, job.Status().Kind)
	assert.Equal(t, 0, job.LatestSegment())
	assert.Equal(t, 4, job.NCycles())
	assert.Len(t, job.Segments(), 4)
}

func TestJob_AddRemoveClient(t *testing.T) {
	job := NewJob(testConfig("job-a", 4))
	c1 := NewClientHandle("c1", "addr1", nil)
	c2 := NewClientHandle("c2", "addr2", nil)

	require.True(t, job.AddClient(c1))
	assert.False(t, job.AddClient(c1), "re-adding the same client is a no-op")
	assert.Equal(t, 1, job.ClientCount())

	require.True(t, job.AddClient(c2))
	assert.Equal(t, 2, job.ClientCount())

	assert.False(t, job.RemoveClient(c1))
	assert.Equal(t, 1, job.ClientCount())

	assert.True(t, job.RemoveClient(c2), "removing the last client reports the set became empty")
	assert.Equal(t, 0, job.ClientCount())
}

func TestJob_StoreSegment(t *testing.T) {
	job := NewJob(testConfig("job-a", 3))

	assert.True(t, job.StoreSegment(1, []byte("seg1")))
	assert.Equal(t, 1, job.LatestSegment())

	assert.False(t, job.StoreSegment(1, []byte("seg1-again")), "a filled slot rejects a second write (I2)")
	assert.Equal(t, []byte("seg1"), job.Segment(1), "the original write is preserved")

	assert.True(t, job.StoreSegment(3, []byte("seg3")))
	assert.Equal(t, 3, job.LatestSegment(), "latest_segment tracks the high-water mark, not arrival order")

	assert.False(t, job.StoreSegment(0, []byte("bad")))
	assert.False(t, job.StoreSegment(4, []byte("bad")), "out of range for n_cycles=3")

	assert.Nil(t, job.Segment(2), "slot 2 was never filled")
}

func TestJob_MarkFinishedByWorker(t *testing.T) {
	job := NewJob(testConfig("job-a", 2))
	job.SetStatus(Status{Kind: Running, Worker: NewWorkerHandle("w1", nil)})

	job.MarkFinishedByWorker()

	assert.Equal(t, Finished, job.Status().Kind)
}

func TestJob_RestoreSegments(t *testing.T) {
	job := NewJob(testConfig("job-a", 2))
	segments := [][]byte{[]byte("seg1"), nil}

	job.RestoreSegments(segments, 1, Status{Kind: Paused})

	assert.Equal(t, 1, job.LatestSegment())
	assert.Equal(t, Paused, job.Status().Kind)
	assert.Equal(t, []byte("seg1"), job.Segment(1))
}

func TestJob_TryLock(t *testing.T) {
	job := NewJob(testConfig("job-a", 1))

	require.True(t, job.TryLock())
	assert.False(t, job.TryLock(), "already held for writing")
	job.Unlock()

	assert.True(t, job.TryLock())
	job.Unlock()
}
