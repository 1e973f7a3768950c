// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Command depo-worker is a thin driver that dials the depo-server worker
// listener, speaks the binary wire protocol, and shells out to an external
// simulator process to turn job/steal assignments into trajectory
// segments. The simulator's own internals are opaque; this driver only
// needs a narrow line-oriented contract on its stdin/stdout to bridge it
// onto the wire protocol.
package main

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/ssande7/pytf-web/internal/depoconfig"
	"github.com/ssande7/pytf-web/internal/wire"
)

func main() {
	serverAddr := getEnvOrDefault("DEPO_SERVER_ADDR", "localhost:7090")
	simulatorPath := getEnvOrDefault("DEPO_SIMULATOR_PATH", "pytf-simulator")

	conn, err := net.Dial("tcp", serverAddr)
	if err != nil {
		log.Fatalf("failed to dial depo-server at %s: %v", serverAddr, err)
	}
	defer conn.Close()

	w := &worker{
		conn:      wire.NewConn(conn),
		simulator: simulatorPath,
	}
	w.run()
}

// worker drives one server connection, running at most one job at a time.
type worker struct {
	conn      *wire.Conn
	simulator string

	jobName string
	sim     *simulatorProcess
}

func (w *worker) run() {
	for {
		frame, err := w.conn.ReadFrame()
		if err != nil {
			log.Printf("connection to server closed: %v", err)
			w.stopSimulator()
			return
		}

		switch frame.Tag {
		case wire.TagPing:
			if err := w.conn.WriteFrame(wire.PingFrame); err != nil {
				log.Printf("failed to reply to heartbeat: %v", err)
				return
			}

		case wire.TagJob:
			w.startJob(frame.JobName, frame.Config, nil)

		case wire.TagSteal:
			w.startJob(frame.JobName, frame.Config, frame.PauseData)

		case wire.TagPause:
			w.handlePauseRequest(frame.JobName)

		default:
			log.Printf("unexpected frame from server: %q", frame.Tag)
		}
	}
}

// startJob launches the external simulator for a fresh or resumed job,
// replacing whatever simulator process was previously running (the server
// never assigns a second job before the first resolves).
func (w *worker) startJob(jobName string, config, pauseData []byte) {
	w.stopSimulator()
	if jobName == "" {
		// Job/Steal frames carry no job name field; it lives in the config.
		var dep depoconfig.Deposition
		if err := json.Unmarshal(config, &dep); err == nil {
			jobName = dep.Name
		}
	}
	w.jobName = jobName

	sim, err := startSimulator(w.simulator, config, pauseData)
	if err != nil {
		log.Printf("failed to start simulator for %s: %v", jobName, err)
		w.reportFail(jobName)
		return
	}
	w.sim = sim
	go w.pumpEvents(jobName, sim)
}

// pumpEvents reads the simulator's event stream and forwards segments and
// the terminal done/fail frame back to the server, until the simulator
// process's stdout closes.
func (w *worker) pumpEvents(jobName string, sim *simulatorProcess) {
	for event := range sim.events {
		switch event.kind {
		case eventSegment:
			if err := w.conn.WriteFrame(wire.NewSegFrame(jobName, event.segment)); err != nil {
				log.Printf("failed to send segment frame for %s: %v", jobName, err)
				return
			}
		case eventDone:
			if err := w.conn.WriteFrame(wire.NewDoneFrame(jobName)); err != nil {
				log.Printf("failed to send done frame for %s: %v", jobName, err)
			}
			return
		case eventFail:
			w.reportFail(jobName)
			return
		case eventPause:
			if err := w.conn.WriteFrame(wire.NewWorkerPauseFrame(jobName, event.pauseData)); err != nil {
				log.Printf("failed to send pause frame for %s: %v", jobName, err)
				return
			}
		}
	}
}

func (w *worker) reportFail(jobName string) {
	if err := w.conn.WriteFrame(wire.NewFailFrame(jobName)); err != nil {
		log.Printf("failed to send fail frame for %s: %v", jobName, err)
	}
}

// handlePauseRequest asks the in-flight simulator to checkpoint. The
// resulting worker→server pause frame is emitted by pumpEvents once the
// simulator reports it, not here, so a slow checkpoint never blocks the
// read loop driving the rest of the wire protocol.
func (w *worker) handlePauseRequest(jobName string) {
	if w.sim == nil || w.jobName != jobName {
		log.Printf("pause requested for %s but no matching job is running", jobName)
		return
	}
	if err := w.sim.requestPause(); err != nil {
		log.Printf("failed to signal simulator to pause %s: %v", jobName, err)
	}
}

func (w *worker) stopSimulator() {
	if w.sim == nil {
		return
	}
	w.sim.stop()
	w.sim = nil
	w.jobName = ""
}

// simulatorProcess wraps one external simulator invocation, translating its
// line-oriented stdout protocol into structured events:
//
//	SEG <segment_id> <num_frames> <num_atoms> <atomic_nums_b64> <coords_b64>
//	DONE
//	FAIL
//	PAUSE <pause_data_b64>
//
// and its stdin protocol down to a single command:
//
//	PAUSE
type simulatorProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan simulatorEvent
}

type simulatorEventKind int

const (
	eventSegment simulatorEventKind = iota
	eventDone
	eventFail
	eventPause
)

type simulatorEvent struct {
	kind      simulatorEventKind
	segment   *wire.Segment
	pauseData []byte
}

func startSimulator(path string, config, pauseData []byte) (*simulatorProcess, error) {
	args := []string{"--config", string(config)}
	if pauseData != nil {
		args = append(args, "--resume-data", base64.StdEncoding.EncodeToString(pauseData))
	}

	cmd := exec.Command(path, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	sim := &simulatorProcess{
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan simulatorEvent, 4),
	}
	go sim.scan(stdout)
	return sim, nil
}

func (s *simulatorProcess) scan(stdout io.Reader) {
	defer close(s.events)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024*1024)
	for scanner.Scan() {
		event, err := parseSimulatorLine(scanner.Text())
		if err != nil {
			log.Printf("malformed simulator output, dropping line: %v", err)
			continue
		}
		s.events <- event
		if event.kind == eventDone || event.kind == eventFail {
			return
		}
	}
}

func parseSimulatorLine(line string) (simulatorEvent, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return simulatorEvent{}, fmt.Errorf("empty line")
	}

	switch fields[0] {
	case "DONE":
		return simulatorEvent{kind: eventDone}, nil

	case "FAIL":
		return simulatorEvent{kind: eventFail}, nil

	case "PAUSE":
		if len(fields) != 2 {
			return simulatorEvent{}, fmt.Errorf("PAUSE line needs exactly one field, got %d", len(fields)-1)
		}
		data, err := base64.StdEncoding.DecodeString(fields[1])
		if err != nil {
			return simulatorEvent{}, fmt.Errorf("decoding pause data: %w", err)
		}
		return simulatorEvent{kind: eventPause, pauseData: data}, nil

	case "SEG":
		if len(fields) != 6 {
			return simulatorEvent{}, fmt.Errorf("SEG line needs exactly 5 fields, got %d", len(fields)-1)
		}
		segmentID, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return simulatorEvent{}, fmt.Errorf("parsing segment id: %w", err)
		}
		numFrames, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			return simulatorEvent{}, fmt.Errorf("parsing frame count: %w", err)
		}
		numAtoms, err := strconv.ParseUint(fields[3], 10, 32)
		if err != nil {
			return simulatorEvent{}, fmt.Errorf("parsing atom count: %w", err)
		}
		atomicNums, err := base64.StdEncoding.DecodeString(fields[4])
		if err != nil {
			return simulatorEvent{}, fmt.Errorf("decoding atomic numbers: %w", err)
		}
		coords, err := base64.StdEncoding.DecodeString(fields[5])
		if err != nil {
			return simulatorEvent{}, fmt.Errorf("decoding coordinates: %w", err)
		}
		return simulatorEvent{kind: eventSegment, segment: &wire.Segment{
			SegmentID:  uint32(segmentID),
			NumFrames:  uint32(numFrames),
			NumAtoms:   uint32(numAtoms),
			AtomicNums: atomicNums,
			Coords:     coords,
		}}, nil

	default:
		return simulatorEvent{}, fmt.Errorf("unrecognised simulator event %q", fields[0])
	}
}

func (s *simulatorProcess) requestPause() error {
	_, err := io.WriteString(s.stdin, "PAUSE\n")
	return err
}

func (s *simulatorProcess) stop() {
	_ = s.stdin.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
