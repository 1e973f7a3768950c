// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the binary framing used on the server↔worker
// connection: a null-terminated ASCII tag followed by a
// tag-specific payload, carried over a single bidirectional stream per
// worker.
package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ssande7/pytf-web/pkg/deperrors"
)

// Tag identifies the kind of frame.
type Tag string

const (
	TagJob    Tag = "job"
	TagSteal  Tag = "steal"
	TagPause  Tag = "pause"
	TagSeg    Tag = "seg"
	TagDone   Tag = "done"
	TagFail   Tag = "fail"
	TagResume Tag = "resume"
	// TagPing is the empty bidirectional heartbeat frame.
	TagPing Tag = ""
)

// Frame is a decoded server↔worker message. Exactly the fields relevant to
// Tag are populated; see the per-tag constructors below for the canonical
// way to build one.
type Frame struct {
	Tag Tag

	// JobName is present on every tag except the bare heartbeat and the
	// server→worker Job/Steal frames, which carry the job's JSON config
	// (including its name) instead.
	JobName string

	// Config carries the JSON-encoded job configuration for Job/Steal.
	Config []byte

	// PauseData carries the opaque resumable snapshot for Steal
	// (server→worker) and Pause (worker→server).
	PauseData []byte

	// Segment carries the decoded trajectory segment for Seg.
	Segment *Segment
}

// Segment is one trajectory segment reported by a worker.
type Segment struct {
	// SegmentID is 1-based.
	SegmentID  uint32
	NumFrames  uint32
	NumAtoms   uint32
	AtomicNums []byte // len == NumAtoms
	Coords     []byte // len == NumFrames*NumAtoms*3*4 bytes, LE f32 triples
}

// NewJobFrame builds a server→worker "start a fresh job" frame.
func NewJobFrame(configJSON []byte) Frame {
	return Frame{Tag: TagJob, Config: configJSON}
}

// NewStealFrame builds a server→worker "resume a stolen job" frame.
func NewStealFrame(configJSON, pauseData []byte) Frame {
	return Frame{Tag: TagSteal, Config: configJSON, PauseData: pauseData}
}

// NewPauseFrame builds a server→worker "pause the running job" frame,
// identified by job name, carrying no payload.
func NewPauseFrame(jobName string) Frame {
	return Frame{Tag: TagPause, JobName: jobName}
}

// NewSegFrame builds a worker→server segment-arrival frame.
func NewSegFrame(jobName string, seg *Segment) Frame {
	return Frame{Tag: TagSeg, JobName: jobName, Segment: seg}
}

// NewWorkerPauseFrame builds a worker→server resumable-snapshot frame.
func NewWorkerPauseFrame(jobName string, pauseData []byte) Frame {
	return Frame{Tag: TagPause, JobName: jobName, PauseData: pauseData}
}

// NewDoneFrame builds a worker→server "job finished cleanly" frame.
func NewDoneFrame(jobName string) Frame {
	return Frame{Tag: TagDone, JobName: jobName}
}

// NewFailFrame builds a worker→server "job failed" frame.
func NewFailFrame(jobName string) Frame {
	return Frame{Tag: TagFail, JobName: jobName}
}

// NewResumeFrame builds a worker→server "resumed a stolen job" frame.
func NewResumeFrame(jobName string) Frame {
	return Frame{Tag: TagResume, JobName: jobName}
}

// PingFrame is the empty heartbeat frame sent in either direction.
var PingFrame = Frame{Tag: TagPing}

// MaxFrameBytes is the largest frame WriteFrame/ReadFrame will encode or
// decode before returning a FRAME_TOO_LARGE error. Zero means unbounded;
// callers should set this from pkg/config.Config.MaxFrameBytes.
var MaxFrameBytes int64 = 64 << 20

// WriteFrame serializes f and writes it to w.
func WriteFrame(w io.Writer, f Frame) error {
	buf, err := Encode(f)
	if err != nil {
		return err
	}
	if MaxFrameBytes > 0 && int64(len(buf)) > MaxFrameBytes {
		return deperrors.New(deperrors.ErrCodeFrameTooLarge,
			fmt.Sprintf("encoded frame is %d bytes, exceeds limit of %d", len(buf), MaxFrameBytes))
	}
	_, err = w.Write(buf)
	return err
}

// Encode serializes f into the tag||payload byte layout: a null-terminated
// ASCII tag followed by a tag-specific payload.
func Encode(f Frame) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(string(f.Tag))
	buf.WriteByte(0)

	switch f.Tag {
	case TagPing:
		// no payload

	case TagJob:
		buf.Write(f.Config)

	case TagSteal:
		buf.Write(f.Config)
		buf.WriteByte(0)
		buf.Write(f.PauseData)

	case TagPause:
		buf.WriteString(f.JobName)
		if f.PauseData != nil {
			// worker→server variant carries the job name followed
			// by a NUL and the pause snapshot.
			buf.WriteByte(0)
			buf.Write(f.PauseData)
		}

	case TagDone, TagFail, TagResume:
		buf.WriteString(f.JobName)

	case TagSeg:
		if f.Segment == nil {
			return nil, deperrors.New(deperrors.ErrCodeMalformedFrame, "seg frame missing segment payload")
		}
		buf.WriteString(f.JobName)
		buf.WriteByte(0)
		var header [12]byte
		binary.LittleEndian.PutUint32(header[0:4], f.Segment.SegmentID)
		binary.LittleEndian.PutUint32(header[4:8], f.Segment.NumFrames)
		binary.LittleEndian.PutUint32(header[8:12], f.Segment.NumAtoms)
		buf.Write(header[:])
		buf.Write(f.Segment.AtomicNums)
		buf.Write(f.Segment.Coords)

	default:
		return nil, deperrors.New(deperrors.ErrCodeMalformedFrame, fmt.Sprintf("unknown frame tag %q", f.Tag))
	}

	return buf.Bytes(), nil
}

// ReadFrame reads one frame from r, which must yield exactly the bytes of
// one frame (Conn.ReadFrame strips the outer length prefix and supplies
// a bytes.Reader around the fully-buffered message).
func ReadFrame(r *bufio.Reader) (Frame, error) {
	tagBytes, err := r.ReadBytes(0)
	if err != nil {
		return Frame{}, err
	}
	tag := Tag(tagBytes[:len(tagBytes)-1])

	switch tag {
	case TagPing:
		return PingFrame, nil

	case TagJob:
		config, err := io.ReadAll(r)
		if err != nil {
			return Frame{}, err
		}
		return NewJobFrame(config), nil

	case TagSteal:
		config, err := r.ReadBytes(0)
		if err != nil {
			return Frame{}, deperrors.Wrap(deperrors.ErrCodeMalformedFrame, "truncated steal frame config", err)
		}
		pauseData, err := io.ReadAll(r)
		if err != nil {
			return Frame{}, err
		}
		return NewStealFrame(config[:len(config)-1], pauseData), nil

	case TagPause:
		rest, err := io.ReadAll(r)
		if err != nil {
			return Frame{}, err
		}
		if nul := bytes.IndexByte(rest, 0); nul >= 0 {
			return NewWorkerPauseFrame(string(rest[:nul]), rest[nul+1:]), nil
		}
		return NewPauseFrame(string(rest)), nil

	case TagDone, TagFail, TagResume:
		rest, err := io.ReadAll(r)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Tag: tag, JobName: string(rest)}, nil

	case TagSeg:
		jobName, err := r.ReadBytes(0)
		if err != nil {
			return Frame{}, deperrors.Wrap(deperrors.ErrCodeMalformedFrame, "truncated seg frame job name", err)
		}
		var header [12]byte
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return Frame{}, deperrors.Wrap(deperrors.ErrCodeMalformedFrame, "truncated seg frame header", err)
		}
		seg := &Segment{
			SegmentID: binary.LittleEndian.Uint32(header[0:4]),
			NumFrames: binary.LittleEndian.Uint32(header[4:8]),
			NumAtoms:  binary.LittleEndian.Uint32(header[8:12]),
		}
		seg.AtomicNums = make([]byte, seg.NumAtoms)
		if _, err := io.ReadFull(r, seg.AtomicNums); err != nil {
			return Frame{}, deperrors.Wrap(deperrors.ErrCodeMalformedFrame, "truncated seg frame atomic numbers", err)
		}
		coordLen := int64(seg.NumFrames) * int64(seg.NumAtoms) * 3 * 4
		seg.Coords = make([]byte, coordLen)
		if _, err := io.ReadFull(r, seg.Coords); err != nil {
			return Frame{}, deperrors.Wrap(deperrors.ErrCodeMalformedFrame, "truncated seg frame coordinates", err)
		}
		return NewSegFrame(string(jobName[:len(jobName)-1]), seg), nil

	default:
		return Frame{}, deperrors.New(deperrors.ErrCodeMalformedFrame, fmt.Sprintf("unknown frame tag %q", tag))
	}
}
