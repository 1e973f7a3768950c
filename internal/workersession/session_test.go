// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package workersession

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssande7/pytf-web/internal/jobserver"
	"github.com/ssande7/pytf-web/internal/wire"
)

// fakeScheduler runs Submit synchronously and records every worker-facing
// call Serve makes to it.
type fakeScheduler struct {
	mu sync.Mutex

	connected    int
	disconnected int
	frames       []wire.Frame
}

func (f *fakeScheduler) Submit(fn func()) { fn() }

func (f *fakeScheduler) ConnectWorker(handle *jobserver.WorkerHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected++
}

func (f *fakeScheduler) DisconnectWorker(handle *jobserver.WorkerHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected++
}

func (f *fakeScheduler) HandleWorkerFrame(worker *jobserver.WorkerHandle, frame wire.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
}

func (f *fakeScheduler) snapshot() (connected, disconnected int, frames []wire.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected, f.disconnected, append([]wire.Frame(nil), f.frames...)
}

func TestServe_ConnectsDispatchesFramesAndDisconnectsOnClose(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()

	sched := &fakeScheduler{}
	serveDone := make(chan struct{})
	go func() {
		Serve(sched, wire.NewConn(serverSide), "worker-1", 0, 0, nil)
		close(serveDone)
	}()

	clientConn := wire.NewConn(clientSide)
	require.NoError(t, clientConn.WriteFrame(wire.NewDoneFrame("job-a")))

	require.Eventually(t, func() bool {
		_, _, frames := sched.snapshot()
		return len(frames) == 1
	}, time.Second, 10*time.Millisecond)

	connected, _, frames := sched.snapshot()
	assert.Equal(t, 1, connected)
	assert.Equal(t, wire.TagDone, frames[0].Tag)
	assert.Equal(t, "job-a", frames[0].JobName)

	clientSide.Close()
	<-serveDone

	_, disconnected, _ := sched.snapshot()
	assert.Equal(t, 1, disconnected)
}

func TestServe_PingFrameTouchesWithoutDispatch(t *testing.T) {
	serverSide, clientSide := net.Pipe()

	sched := &fakeScheduler{}
	serveDone := make(chan struct{})
	go func() {
		Serve(sched, wire.NewConn(serverSide), "worker-1", 0, 0, nil)
		close(serveDone)
	}()

	clientConn := wire.NewConn(clientSide)
	require.NoError(t, clientConn.WriteFrame(wire.PingFrame))

	clientSide.Close()
	<-serveDone

	_, _, frames := sched.snapshot()
	assert.Empty(t, frames, "ping frames are not forwarded to HandleWorkerFrame")
}

func TestTransport_SendJobWritesJobFrame(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	tr := &transport{conn: wire.NewConn(serverSide)}
	readDone := make(chan wire.Frame, 1)
	go func() {
		frame, err := wire.NewConn(clientSide).ReadFrame()
		require.NoError(t, err)
		readDone <- frame
	}()

	require.NoError(t, tr.SendJob([]byte(`{"name":"k"}`)))

	frame := <-readDone
	assert.Equal(t, wire.TagJob, frame.Tag)
	assert.Equal(t, []byte(`{"name":"k"}`), frame.Config)
}
