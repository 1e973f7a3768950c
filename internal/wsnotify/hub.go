// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package wsnotify adapts a websocket upgrade/keepalive shape to the
// deposition core's client-visible protocol: a connected client session
// is bridged to the scheduler as a jobserver.ClientHandle, and every
// jobserver.Notifier callback is written back out over the same websocket
// connection as a short text or binary signal, rather than a JSON
// envelope.
package wsnotify

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ssande7/pytf-web/internal/depoconfig"
	"github.com/ssande7/pytf-web/internal/jobserver"
	"github.com/ssande7/pytf-web/pkg/config"
	"github.com/ssande7/pytf-web/pkg/logging"
	"github.com/ssande7/pytf-web/pkg/metrics"
)

// Scheduler is the subset of *jobserver.Scheduler the Hub depends on, kept
// as an interface so it can be driven by a fake in tests without a live
// scheduler goroutine.
type Scheduler interface {
	Submit(fn func())
	Connect(clientID, addr string, notifier jobserver.Notifier) *jobserver.ClientHandle
	Disconnect(client *jobserver.ClientHandle)
	LookupOrDecide(config depoconfig.Deposition) jobserver.Decision
	RequestJob(client *jobserver.ClientHandle, decision jobserver.Decision)
	RequestSegment(client *jobserver.ClientHandle, segmentID int)
	Cancel(client *jobserver.ClientHandle)
}

// Hub upgrades incoming HTTP connections to websockets and bridges each one
// to the scheduler as a client session for the lifetime of the connection.
type Hub struct {
	scheduler Scheduler
	upgrader  websocket.Upgrader
	logger    logging.Logger
	metrics   metrics.Collector

	heartbeatInterval time.Duration
	timeout           time.Duration
}

// NewHub constructs a Hub. cfg may be nil, in which case the defaults
// (10s heartbeat, 30s client timeout) are used.
func NewHub(scheduler Scheduler, cfg *config.Config, logger logging.Logger, collector metrics.Collector) *Hub {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}

	heartbeat := 10 * time.Second
	timeout := 30 * time.Second
	if cfg != nil {
		if cfg.ClientHeartbeatInterval > 0 {
			heartbeat = cfg.ClientHeartbeatInterval
		}
		if cfg.ClientTimeout > 0 {
			timeout = cfg.ClientTimeout
		}
	}

	return &Hub{
		scheduler: scheduler,
		upgrader: websocket.Upgrader{
			// Origin checking belongs to the (out-of-scope) HTTP/auth
			// surface; the core accepts whatever the outer server
			// routes to it.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:            logger,
		metrics:           collector,
		heartbeatInterval: heartbeat,
		timeout:           timeout,
	}
}

// clientMessage is the minimal JSON envelope a client sends in:
// request a job by canonicalised configuration, cancel its current
// attachment, or fetch a specific previously produced segment.
type clientMessage struct {
	Type      string                    `json:"type"`
	Config    *depoconfig.RequestConfig `json:"config,omitempty"`
	SegmentID int                       `json:"segment_id,omitempty"`
}

// HandleWebSocket upgrades r to a websocket, registers clientID as a new
// client session (replacing any prior session under the same ID, per the
// force-disconnect policy), and drives it until the socket closes.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, clientID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "client_id", clientID, "error", err)
		return
	}
	defer conn.Close()

	nc := newNotifyConn(conn, h.logger, h.timeout)
	defer nc.stop()

	var client *jobserver.ClientHandle
	h.scheduler.Submit(func() {
		client = h.scheduler.Connect(clientID, r.RemoteAddr, nc)
	})

	_ = conn.SetReadDeadline(time.Now().Add(h.timeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.timeout))
	})

	done := make(chan struct{})
	go h.keepAlive(conn, done)

	h.readLoop(client, conn)

	close(done)
	h.scheduler.Submit(func() { h.scheduler.Disconnect(client) })
}

// readLoop processes incoming client messages until the connection closes
// or errors. Malformed messages are dropped and logged.
func (h *Hub) readLoop(client *jobserver.ClientHandle, conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("client websocket error", "client_id", client.ID(), "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.metrics.RecordProtocolViolation("client_malformed_message")
			continue
		}

		switch msg.Type {
		case "request_job":
			h.handleRequestJob(client, msg)
		case "cancel":
			h.scheduler.Submit(func() { h.scheduler.Cancel(client) })
		case "request_segment":
			segmentID := msg.SegmentID
			h.scheduler.Submit(func() { h.scheduler.RequestSegment(client, segmentID) })
		default:
			h.metrics.RecordProtocolViolation("client_unknown_message_type")
		}
	}
}

func (h *Hub) handleRequestJob(client *jobserver.ClientHandle, msg clientMessage) {
	if msg.Config == nil {
		h.metrics.RecordProtocolViolation("request_job_missing_config")
		return
	}

	deposition := depoconfig.Canonicalize(*msg.Config)
	h.scheduler.Submit(func() {
		decision := h.scheduler.LookupOrDecide(deposition)
		h.scheduler.RequestJob(client, decision)
	})
}

// keepAlive pings the client every heartbeatInterval until done fires.
func (h *Hub) keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.heartbeatInterval)); err != nil {
				return
			}
		}
	}
}

// notifyOutboxDepth bounds how many pending client-visible signals may
// queue up behind a slow websocket write before newer ones are dropped.
const notifyOutboxDepth = 32

// notifyConn implements jobserver.Notifier by handing each signal to a
// dedicated per-connection goroutine that performs the actual (blocking,
// deadline-bounded) websocket write. Every jobserver.Notifier method only
// enqueues onto outbox and returns immediately, so a stalled or slow client
// socket never blocks the scheduler goroutine calling it: fan-out is
// fire-and-forget from the scheduler's perspective, with a single writer
// goroutine per connection serialising actual writes (gorilla/websocket
// forbids concurrent writers on one *websocket.Conn).
type notifyConn struct {
	conn    *websocket.Conn
	logger  logging.Logger
	timeout time.Duration

	outbox chan func()
	closed chan struct{}
}

func newNotifyConn(conn *websocket.Conn, logger logging.Logger, timeout time.Duration) *notifyConn {
	n := &notifyConn{
		conn:    conn,
		logger:  logger,
		timeout: timeout,
		outbox:  make(chan func(), notifyOutboxDepth),
		closed:  make(chan struct{}),
	}
	go n.run()
	return n
}

// run drains outbox on its own goroutine until stop is called. It is the
// only goroutine that ever calls conn.WriteMessage/WriteControl.
func (n *notifyConn) run() {
	for {
		select {
		case fn := <-n.outbox:
			fn()
		case <-n.closed:
			return
		}
	}
}

// stop halts run. Call once the connection is done with, after
// HandleWebSocket's read loop returns.
func (n *notifyConn) stop() { close(n.closed) }

// enqueue hands fn to the writer goroutine without blocking the caller. If
// the outbox is full (a client reading too slowly to keep up), fn is
// dropped and logged rather than backing up the scheduler goroutine that
// called the Notifier method.
func (n *notifyConn) enqueue(fn func()) {
	select {
	case n.outbox <- fn:
	default:
		n.logger.Warn("client notification dropped, outbox full")
	}
}

func (n *notifyConn) writeText(s string) {
	_ = n.conn.SetWriteDeadline(time.Now().Add(n.timeout))
	if err := n.conn.WriteMessage(websocket.TextMessage, []byte(s)); err != nil {
		n.logger.Warn("client websocket write failed", "error", err)
	}
}

// NewFrames sends `new_frames{"l":L,"f":F}`.
func (n *notifyConn) NewFrames(latest, total int) {
	n.enqueue(func() { n.writeText(fmt.Sprintf(`new_frames{"l":%d,"f":%d}`, latest, total)) })
}

// Failed sends the terminal `failed` signal.
func (n *notifyConn) Failed() { n.enqueue(func() { n.writeText("failed") }) }

// CancelAck sends the `cancel` acknowledgement.
func (n *notifyConn) CancelAck() { n.enqueue(func() { n.writeText("cancel") }) }

// Queued sends the `queued` acknowledgement.
func (n *notifyConn) Queued() { n.enqueue(func() { n.writeText("queued") }) }

// NoSeg sends `no_seg<N>` for a segment the Job doesn't have.
func (n *notifyConn) NoSeg(segmentID int) {
	n.enqueue(func() { n.writeText(fmt.Sprintf("no_seg%d", segmentID)) })
}

// Segment sends a previously requested segment blob as a binary message.
func (n *notifyConn) Segment(blob []byte) {
	n.enqueue(func() {
		_ = n.conn.SetWriteDeadline(time.Now().Add(n.timeout))
		if err := n.conn.WriteMessage(websocket.BinaryMessage, blob); err != nil {
			n.logger.Warn("client websocket binary write failed", "error", err)
		}
	})
}

// ForceDisconnect closes the connection because a newer session with the
// same client ID superseded this one.
func (n *notifyConn) ForceDisconnect() {
	n.enqueue(func() {
		_ = n.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "superseded by newer session"),
			time.Now().Add(5*time.Second))
		_ = n.conn.Close()
	})
}
