// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bufio"
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, f Frame) Frame {
	t.Helper()
	buf, err := Encode(f)
	require.NoError(t, err)

	decoded, err := ReadFrame(bufio.NewReader(bytes.NewReader(buf)))
	require.NoError(t, err)
	return decoded
}

func TestEncodeDecode_Job(t *testing.T) {
	f := NewJobFrame([]byte(`{"name":"job-a"}`))
	decoded := roundTrip(t, f)

	assert.Equal(t, TagJob, decoded.Tag)
	assert.Equal(t, f.Config, decoded.Config)
}

func TestEncodeDecode_Steal(t *testing.T) {
	f := NewStealFrame([]byte(`{"name":"job-a"}`), []byte{0x01, 0x02, 0x03})
	decoded := roundTrip(t, f)

	assert.Equal(t, TagSteal, decoded.Tag)
	assert.Equal(t, f.Config, decoded.Config)
	assert.Equal(t, f.PauseData, decoded.PauseData)
}

func TestEncodeDecode_Pause_ServerToWorker(t *testing.T) {
	f := NewPauseFrame("job-a")
	decoded := roundTrip(t, f)

	assert.Equal(t, TagPause, decoded.Tag)
	assert.Equal(t, "job-a", decoded.JobName)
	assert.Empty(t, decoded.PauseData)
}

func TestEncodeDecode_Pause_WorkerToServer(t *testing.T) {
	f := NewWorkerPauseFrame("job-a", []byte{0xAA, 0xBB})
	decoded := roundTrip(t, f)

	assert.Equal(t, TagPause, decoded.Tag)
	assert.Equal(t, "job-a", decoded.JobName)
	assert.Equal(t, []byte{0xAA, 0xBB}, decoded.PauseData)
}

func TestEncodeDecode_DoneFailResume(t *testing.T) {
	for _, tag := range []Tag{TagDone, TagFail, TagResume} {
		f := Frame{Tag: tag, JobName: "job-a"}
		decoded := roundTrip(t, f)

		assert.Equal(t, tag, decoded.Tag)
		assert.Equal(t, "job-a", decoded.JobName)
	}
}

func TestEncodeDecode_Ping(t *testing.T) {
	decoded := roundTrip(t, PingFrame)
	assert.Equal(t, TagPing, decoded.Tag)
}

func TestEncodeDecode_Segment(t *testing.T) {
	seg := &Segment{
		SegmentID:  3,
		NumFrames:  2,
		NumAtoms:   1,
		AtomicNums: []byte{6},
		Coords:     make([]byte, 2*1*3*4),
	}
	f := NewSegFrame("job-a", seg)
	decoded := roundTrip(t, f)

	require.NotNil(t, decoded.Segment)
	assert.Equal(t, "job-a", decoded.JobName)
	assert.Equal(t, uint32(3), decoded.Segment.SegmentID)
	assert.Equal(t, uint32(2), decoded.Segment.NumFrames)
	assert.Equal(t, uint32(1), decoded.Segment.NumAtoms)
	assert.Equal(t, seg.AtomicNums, decoded.Segment.AtomicNums)
	assert.Equal(t, seg.Coords, decoded.Segment.Coords)
}

func TestEncode_SegmentMissingPayload(t *testing.T) {
	_, err := Encode(Frame{Tag: TagSeg, JobName: "job-a"})
	assert.Error(t, err)
}

func TestEncode_UnknownTag(t *testing.T) {
	_, err := Encode(Frame{Tag: Tag("bogus")})
	assert.Error(t, err)
}

func TestWriteFrame_TooLarge(t *testing.T) {
	old := MaxFrameBytes
	MaxFrameBytes = 4
	defer func() { MaxFrameBytes = old }()

	var buf bytes.Buffer
	err := WriteFrame(&buf, NewJobFrame([]byte(`{"name":"job-a-with-a-long-config"}`)))
	assert.Error(t, err)
}

func TestConn_RoundTripOverPipe(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	serverConn := NewConn(server)
	clientConn := NewConn(client)

	done := make(chan error, 1)
	go func() {
		done <- serverConn.WriteFrame(NewDoneFrame("job-a"))
	}()

	_ = clientConn.SetDeadline(time.Now().Add(2 * time.Second))
	f, err := clientConn.ReadFrame()
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, TagDone, f.Tag)
	assert.Equal(t, "job-a", f.JobName)
}

func TestConn_TooLargeDeclaredLength(t *testing.T) {
	old := MaxFrameBytes
	MaxFrameBytes = 8
	defer func() { MaxFrameBytes = old }()

	var lenBuf [4]byte
	bytesLE(&lenBuf, 1000)

	buf := bytes.NewBuffer(lenBuf[:])
	conn := NewConnFromReadWriter(buf)

	_, err := conn.ReadFrame()
	assert.Error(t, err)
}

func bytesLE(buf *[4]byte, n uint32) {
	buf[0] = byte(n)
	buf[1] = byte(n >> 8)
	buf[2] = byte(n >> 16)
	buf[3] = byte(n >> 24)
}
