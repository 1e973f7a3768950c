// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package workersession bridges one accepted worker connection (internal/
// wire) to the scheduler (internal/jobserver): it implements
// jobserver.WorkerTransport by writing frames out, and drives a read loop
// that dispatches inbound frames back onto the scheduler goroutine, the
// same way a single long-lived poll loop owns its own ticker and state.
package workersession

import (
	"time"

	"github.com/ssande7/pytf-web/internal/jobserver"
	"github.com/ssande7/pytf-web/internal/wire"
	"github.com/ssande7/pytf-web/pkg/logging"
)

// Scheduler is the subset of *jobserver.Scheduler a worker session depends
// on, kept as an interface so Serve can be exercised with a fake.
type Scheduler interface {
	Submit(fn func())
	ConnectWorker(handle *jobserver.WorkerHandle)
	DisconnectWorker(handle *jobserver.WorkerHandle)
	HandleWorkerFrame(worker *jobserver.WorkerHandle, frame wire.Frame)
}

// transport implements jobserver.WorkerTransport over one wire.Conn.
type transport struct {
	conn *wire.Conn
}

func (t *transport) SendJob(config []byte) error {
	return t.conn.WriteFrame(wire.NewJobFrame(config))
}

func (t *transport) SendSteal(config, pauseData []byte) error {
	return t.conn.WriteFrame(wire.NewStealFrame(config, pauseData))
}

func (t *transport) SendPause(jobName string) error {
	return t.conn.WriteFrame(wire.NewPauseFrame(jobName))
}

// Serve drives one worker connection until it closes, errors, or goes
// silent for longer than timeout.
// Blocks the calling goroutine; callers run it per accepted connection.
func Serve(sched Scheduler, conn *wire.Conn, workerID string, heartbeatInterval, timeout time.Duration, logger logging.Logger) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	handle := jobserver.NewWorkerHandle(workerID, &transport{conn: conn})

	sched.Submit(func() { sched.ConnectWorker(handle) })
	defer func() {
		sched.Submit(func() { sched.DisconnectWorker(handle) })
		_ = conn.Close()
	}()

	done := make(chan struct{})
	defer close(done)
	go pingLoop(conn, heartbeatInterval, done, logger)

	for {
		if timeout > 0 {
			_ = conn.SetDeadline(time.Now().Add(timeout))
		}

		frame, err := conn.ReadFrame()
		if err != nil {
			logger.Warn("worker connection closed", "worker_id", workerID, "error", err)
			return
		}

		if frame.Tag == wire.TagPing {
			sched.Submit(func() { handle.Touch() })
			continue
		}

		sched.Submit(func() {
			handle.Touch()
			sched.HandleWorkerFrame(handle, frame)
		})
	}
}

// pingLoop emits the bidirectional heartbeat frame every interval until
// done fires or a write fails.
func pingLoop(conn *wire.Conn, interval time.Duration, done <-chan struct{}, logger logging.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteFrame(wire.PingFrame); err != nil {
				logger.Warn("worker heartbeat write failed", "error", err)
				return
			}
		}
	}
}
