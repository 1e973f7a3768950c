// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package archive implements the Archive Store: an on-disk store of
// completed or resumable jobs, keyed by job name, using a binary layout
// of little-endian u64 lengths and length-prefixed blocks. Writes are
// dispatched onto a per-job worker pool so that slow disk I/O never blocks
// the scheduler goroutine; the Janitor and Job construction are the only
// two callers, and a live job's archive is only ever loaded during its own
// construction, so the two paths never contend on the same file.
package archive

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ssande7/pytf-web/internal/depoconfig"
	"github.com/ssande7/pytf-web/internal/jobserver"
	"github.com/ssande7/pytf-web/pkg/deperrors"
	"github.com/ssande7/pytf-web/pkg/logging"
	"github.com/ssande7/pytf-web/pkg/metrics"
	"github.com/ssande7/pytf-web/pkg/pool"
	"github.com/ssande7/pytf-web/pkg/retry"
)

// statusTagFinished is the single legal status_tag value when a load
// archive carries no pause-data block: any other value is a
// corrupt archive.
const statusTagFinished = 1

// Store persists and restores Jobs to/from disk under ArchiveDir, one
// file per job named "<job_name>.archive".
type Store struct {
	dir     string
	pool    *pool.ArchiveIOPool
	sweep   *pool.JanitorSweep
	backoff *retry.ExponentialBackoff
	logger  logging.Logger
	metrics metrics.Collector
}

// Option configures a Store at construction.
type Option func(*Store)

// WithPool overrides the default archive I/O pool (e.g. for tests that
// want deterministic, synchronous dispatch via a zero-queue pool).
func WithPool(p *pool.ArchiveIOPool) Option {
	return func(s *Store) { s.pool = p }
}

// WithLogger overrides the default no-op logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMetrics overrides the default no-op metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(s *Store) { s.metrics = m }
}

// WithBackoff overrides the retry policy used for archive writes.
func WithBackoff(b *retry.ExponentialBackoff) Option {
	return func(s *Store) { s.backoff = b }
}

// NewStore constructs a Store rooted at dir, creating it if necessary.
func NewStore(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, deperrors.Wrap(deperrors.ErrCodeArchiveIO, "failed to create archive directory", err)
	}

	s := &Store{
		dir:     dir,
		logger:  logging.NoOpLogger{},
		metrics: metrics.NoOpCollector{},
		backoff: retry.NewExponentialBackoff(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pool == nil {
		s.pool = pool.NewArchiveIOPool(pool.DefaultPoolConfig(), s.logger)
	}

	s.sweep = pool.NewJanitorSweep(s.pool, s.logger)
	s.sweep.Start()

	return s, nil
}

func (s *Store) path(jobName string) string {
	return filepath.Join(s.dir, jobName+".archive")
}

// Load restores a previously archived Job's segments and status for
// config.Name, satisfying jobserver.ArchiveStore. ok is false when no
// archive file exists. A corrupt archive is discarded with a warning
// rather than returned as an error; the caller falls back to a fresh
// Waiting Job.
func (s *Store) Load(config depoconfig.Deposition) (segments [][]byte, latestSegment int, status jobserver.Status, ok bool, err error) {
	start := time.Now()
	path := s.path(config.Name)

	f, openErr := os.Open(path)
	if openErr != nil {
		if os.IsNotExist(openErr) {
			return nil, 0, jobserver.Status{}, false, nil
		}
		wrapped := deperrors.Wrap(deperrors.ErrCodeArchiveIO, "failed to open archive", openErr).WithJob(config.Name)
		s.metrics.RecordArchive("read", wrapped, time.Since(start))
		return nil, 0, jobserver.Status{}, false, wrapped
	}
	defer f.Close()

	segments, latestSegment, status, parseErr := parseArchive(bufio.NewReader(f), config.NCycles)
	if parseErr != nil {
		s.logger.Warn("discarding corrupt archive", "job_name", config.Name, "error", parseErr)
		s.metrics.RecordArchive("read", parseErr, time.Since(start))
		return nil, 0, jobserver.Status{}, false, nil
	}

	s.metrics.RecordArchive("read", nil, time.Since(start))
	return segments, latestSegment, status, true, nil
}

// parseArchive decodes the archive layout in the order it was
// written (pause-data/status block, then latest_segment, then that many
// segment blocks).
func parseArchive(r io.Reader, nCycles int) (segments [][]byte, latestSegment int, status jobserver.Status, err error) {
	pauseLen, err := readU64(r)
	if err != nil {
		return nil, 0, jobserver.Status{}, deperrors.Wrap(deperrors.ErrCodeArchiveCorrupt, "truncated archive: pause length", err)
	}

	if pauseLen > 0 {
		pauseData := make([]byte, pauseLen)
		if _, err := io.ReadFull(r, pauseData); err != nil {
			return nil, 0, jobserver.Status{}, deperrors.Wrap(deperrors.ErrCodeArchiveCorrupt, "truncated archive: pause data", err)
		}
		status = jobserver.Status{Kind: jobserver.Steal, PauseData: pauseData}
	} else {
		tag, err := readU64(r)
		if err != nil {
			return nil, 0, jobserver.Status{}, deperrors.Wrap(deperrors.ErrCodeArchiveCorrupt, "truncated archive: status tag", err)
		}
		if tag != statusTagFinished {
			return nil, 0, jobserver.Status{}, deperrors.New(deperrors.ErrCodeArchiveCorrupt, fmt.Sprintf("unrecognised status tag %d", tag))
		}
		status = jobserver.Status{Kind: jobserver.Finished}
	}

	latestU64, err := readU64(r)
	if err != nil {
		return nil, 0, jobserver.Status{}, deperrors.Wrap(deperrors.ErrCodeArchiveCorrupt, "truncated archive: latest_segment", err)
	}
	latestSegment = int(latestU64)
	if nCycles > 0 && latestSegment > nCycles {
		return nil, 0, jobserver.Status{}, deperrors.New(deperrors.ErrCodeArchiveCorrupt, "latest_segment exceeds n_cycles")
	}

	segments = make([][]byte, max(nCycles, latestSegment))
	for i := 0; i < latestSegment; i++ {
		segLen, err := readU64(r)
		if err != nil {
			return nil, 0, jobserver.Status{}, deperrors.Wrap(deperrors.ErrCodeArchiveCorrupt, "truncated archive: segment length", err)
		}
		if segLen == 0 {
			continue
		}
		blob := make([]byte, segLen)
		if _, err := io.ReadFull(r, blob); err != nil {
			return nil, 0, jobserver.Status{}, deperrors.Wrap(deperrors.ErrCodeArchiveCorrupt, "truncated archive: segment body", err)
		}
		segments[i] = blob
	}

	return segments, latestSegment, status, nil
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Snapshot is the durable-enough subset of a Job's state that Archive
// serializes, captured by the caller while holding the Job's lock so the
// I/O-pool goroutine never touches Job fields directly.
type Snapshot struct {
	JobName       string
	Status        jobserver.Status
	Segments      [][]byte
	LatestSegment int
}

// Archive writes snap to disk asynchronously on the per-job I/O pool
// worker, retrying transient failures with exponential backoff. done, if
// non-nil, is invoked on the pool worker goroutine with the outcome.
// Only Jobs in {Finished, Steal(D)} are ever passed here;
// Waiting/Failed jobs are removed by the Janitor without a file.
func (s *Store) Archive(snap Snapshot, done func(error)) {
	s.pool.Submit(snap.JobName, func() {
		err := s.writeWithRetry(snap)
		s.metrics.RecordArchive("write", err, 0)
		if done != nil {
			done(err)
		}
	})
}

func (s *Store) writeWithRetry(snap Snapshot) error {
	var lastErr error
	attempt := 0
	for {
		start := time.Now()
		err := s.writeOnce(snap)
		s.metrics.RecordArchive("write_attempt", err, time.Since(start))
		if err == nil {
			return nil
		}
		lastErr = err

		delay, retryable := s.backoff.NextDelay(attempt)
		if !retryable {
			s.logger.Error("archive write failed, giving up", "job_name", snap.JobName, "error", lastErr)
			return lastErr
		}
		s.logger.Warn("archive write failed, retrying", "job_name", snap.JobName, "attempt", attempt, "error", err)
		time.Sleep(delay)
		attempt++
	}
}

// writeOnce serializes snap to a temp file and renames it into place, so
// a crash mid-write never leaves a half-written archive for Load to trip
// over.
func (s *Store) writeOnce(snap Snapshot) error {
	path := s.path(snap.JobName)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return deperrors.Wrap(deperrors.ErrCodeArchiveIO, "failed to create temp archive file", err).WithJob(snap.JobName)
	}

	if err := writeArchive(f, snap); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return deperrors.Wrap(deperrors.ErrCodeArchiveIO, "failed to sync archive file", err).WithJob(snap.JobName)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return deperrors.Wrap(deperrors.ErrCodeArchiveIO, "failed to close archive file", err).WithJob(snap.JobName)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return deperrors.Wrap(deperrors.ErrCodeArchiveIO, "failed to finalize archive file", err).WithJob(snap.JobName)
	}
	return nil
}

// writeArchive encodes snap into the layout.
func writeArchive(w io.Writer, snap Snapshot) error {
	bw := bufio.NewWriter(w)

	switch snap.Status.Kind {
	case jobserver.Steal:
		if err := writeU64(bw, uint64(len(snap.Status.PauseData))); err != nil {
			return deperrors.Wrap(deperrors.ErrCodeArchiveIO, "failed to write pause length", err).WithJob(snap.JobName)
		}
		if _, err := bw.Write(snap.Status.PauseData); err != nil {
			return deperrors.Wrap(deperrors.ErrCodeArchiveIO, "failed to write pause data", err).WithJob(snap.JobName)
		}
	case jobserver.Finished:
		if err := writeU64(bw, 0); err != nil {
			return deperrors.Wrap(deperrors.ErrCodeArchiveIO, "failed to write pause length", err).WithJob(snap.JobName)
		}
		if err := writeU64(bw, statusTagFinished); err != nil {
			return deperrors.Wrap(deperrors.ErrCodeArchiveIO, "failed to write status tag", err).WithJob(snap.JobName)
		}
	default:
		return deperrors.New(deperrors.ErrCodeInvalidTransition,
			fmt.Sprintf("archive only accepts Finished/Steal jobs, got %s", snap.Status.Kind)).WithJob(snap.JobName)
	}

	if err := writeU64(bw, uint64(snap.LatestSegment)); err != nil {
		return deperrors.Wrap(deperrors.ErrCodeArchiveIO, "failed to write latest_segment", err).WithJob(snap.JobName)
	}
	for i := 0; i < snap.LatestSegment; i++ {
		var blob []byte
		if i < len(snap.Segments) {
			blob = snap.Segments[i]
		}
		if err := writeU64(bw, uint64(len(blob))); err != nil {
			return deperrors.Wrap(deperrors.ErrCodeArchiveIO, "failed to write segment length", err).WithJob(snap.JobName)
		}
		if len(blob) > 0 {
			if _, err := bw.Write(blob); err != nil {
				return deperrors.Wrap(deperrors.ErrCodeArchiveIO, "failed to write segment body", err).WithJob(snap.JobName)
			}
		}
	}

	return bw.Flush()
}

func writeU64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// Remove deletes a job's archive file, if present. The core archival
// path and the Janitor never call it (they only write or leave a file in
// place); it serves operator tooling such as `depoctl archive rm`.
func (s *Store) Remove(jobName string) error {
	err := os.Remove(s.path(jobName))
	if err != nil && !os.IsNotExist(err) {
		return deperrors.Wrap(deperrors.ErrCodeArchiveIO, "failed to remove archive file", err).WithJob(jobName)
	}
	return nil
}

// Close stops the idle-worker sweep and shuts down the archive I/O pool,
// waiting for in-flight writes to finish draining their per-job queues.
func (s *Store) Close() error {
	s.sweep.Stop()
	return s.pool.Close()
}
