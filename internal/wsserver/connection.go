package wsserver

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vibetunnel/vibetunnel/internal/cast"
	"github.com/vibetunnel/vibetunnel/internal/eventbus"
	"github.com/vibetunnel/vibetunnel/internal/frame"
)

// outboxSize bounds how many encoded frames a connection may have
// queued for the write pump. sendFrame drops nothing: when the outbox
// is full it blocks until there is room or the connection closes, and
// the backlog builds up in the per-session Subscriber, which applies
// §4.9's drop policy.
const outboxSize = 512

// sessionControlMessage is the JSON envelope used for the cast Hub's
// synthetic control events (header, resize, marker, exit) that don't
// fit the Stdout/SnapshotVT wire shapes. It rides inside a session-
// scoped Event frame.
type sessionControlMessage struct {
	Kind     string `json:"kind"`
	Cols     int    `json:"cols,omitempty"`
	Rows     int    `json:"rows,omitempty"`
	Text     string `json:"text,omitempty"`
	ExitCode int    `json:"exitCode,omitempty"`
}

// connection is one upgraded WebSocket and its live subscriptions.
type connection struct {
	server    *Server
	conn      *websocket.Conn
	principal string

	out chan []byte

	mu          sync.Mutex
	subs        map[string]*cast.Subscriber
	busSub      *eventbus.Subscription
	missedPongs int
	closed      bool
	doneCh      chan struct{}
}

func newConnection(s *Server, conn *websocket.Conn, principal string) *connection {
	return &connection{
		server:    s,
		conn:      conn,
		principal: principal,
		out:       make(chan []byte, outboxSize),
		subs:      make(map[string]*cast.Subscriber),
		doneCh:    make(chan struct{}),
	}
}

// serve runs the connection until it closes, tearing down every
// subscription it holds on the way out (§4.11).
func (c *connection) serve() {
	defer c.teardown()

	go c.writePump()

	msgCh := make(chan []byte, 16)
	errCh := make(chan error, 1)
	go func() {
		for {
			msgType, data, err := c.conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			msgCh <- data
		}
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.doneCh:
			return

		case err := <-errCh:
			c.server.logger.Debug("wsserver: connection closed", "principal", c.principal, "error", err)
			return

		case data := <-msgCh:
			c.handleFrame(data)

		case <-ticker.C:
			c.mu.Lock()
			c.missedPongs++
			missed := c.missedPongs
			c.mu.Unlock()
			if missed > heartbeatMisses {
				c.server.logger.Debug("wsserver: heartbeat lapsed, closing", "principal", c.principal)
				return
			}
			c.sendFrame(frame.Frame{Type: frame.TypePing})
		}
	}
}

func (c *connection) writePump() {
	for {
		select {
		case data := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				c.signalDone()
				return
			}
		case <-c.doneCh:
			return
		}
	}
}

// signalDone closes doneCh exactly once, however the close was
// triggered (read error, write error, or the serve loop returning).
func (c *connection) signalDone() {
	select {
	case <-c.doneCh:
	default:
		close(c.doneCh)
	}
}

func (c *connection) handleFrame(data []byte) {
	f, consumed, err := frame.Decode(data)
	if err != nil {
		c.sendFrame(frame.RejectionFrame(err))
		return
	}
	if consumed != len(data) {
		c.sendFrame(frame.RejectionFrame(frame.ErrPayloadLenMismatch))
		return
	}

	switch f.Type {
	case frame.TypeSubscribe:
		c.handleSubscribe(f)
	case frame.TypeUnsubscribe:
		c.handleUnsubscribe(f)
	case frame.TypeInputText:
		if c.server.dispatcher != nil {
			if err := c.server.dispatcher.SendInput(f.SessionID, f.Payload); err != nil {
				c.server.logger.Debug("wsserver: input dispatch failed", "session", f.SessionID, "error", err)
			}
		}
	case frame.TypeResize:
		c.handleResize(f)
	case frame.TypeSignal:
		c.handleSignal(f)
	case frame.TypePing:
		c.sendFrame(frame.Frame{Type: frame.TypePong})
	case frame.TypePong:
		c.mu.Lock()
		c.missedPongs = 0
		c.mu.Unlock()
	default:
		c.sendFrame(frame.RejectionFrame(frame.ErrBadVersion))
	}
}

func (c *connection) handleSubscribe(f frame.Frame) {
	payload, err := frame.DecodeSubscribe(f.Payload)
	if err != nil {
		c.sendFrame(frame.RejectionFrame(err))
		return
	}

	if f.SessionID == "" {
		c.subscribeGlobal()
		return
	}

	if c.server.hub == nil {
		return
	}

	opts := cast.SubscribeOptions{
		WantsStdout:         payload.Flags&frame.FlagStdout != 0,
		WantsSnapshots:      payload.Flags&frame.FlagSnapshots != 0,
		SnapshotMinInterval: int64(payload.SnapshotMinIntervalMs),
		SnapshotMaxInterval: int64(payload.SnapshotMaxIntervalMs),
	}
	sub := c.server.hub.Subscribe(f.SessionID, opts)

	c.mu.Lock()
	if existing, ok := c.subs[f.SessionID]; ok {
		existing.Close()
	}
	c.subs[f.SessionID] = sub
	c.mu.Unlock()

	go c.pumpSession(f.SessionID, sub)
}

func (c *connection) subscribeGlobal() {
	if c.server.bus == nil {
		return
	}

	c.mu.Lock()
	if c.busSub != nil {
		c.busSub.Close()
	}
	busSub := c.server.bus.Subscribe()
	c.busSub = busSub
	c.mu.Unlock()

	go c.pumpBus(busSub)
}

func (c *connection) handleUnsubscribe(f frame.Frame) {
	if f.SessionID == "" {
		c.mu.Lock()
		busSub := c.busSub
		c.busSub = nil
		c.mu.Unlock()
		if busSub != nil {
			busSub.Close()
		}
		return
	}

	c.mu.Lock()
	sub, ok := c.subs[f.SessionID]
	delete(c.subs, f.SessionID)
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
}

func (c *connection) handleResize(f frame.Frame) {
	payload, err := frame.DecodeResize(f.Payload)
	if err != nil {
		c.sendFrame(frame.RejectionFrame(err))
		return
	}
	if c.server.dispatcher == nil {
		return
	}
	if err := c.server.dispatcher.Resize(f.SessionID, int(payload.Cols), int(payload.Rows)); err != nil {
		c.server.logger.Debug("wsserver: resize dispatch failed", "session", f.SessionID, "error", err)
	}
}

func (c *connection) handleSignal(f frame.Frame) {
	sig, err := frame.DecodeSignal(f.Payload)
	if err != nil {
		c.sendFrame(frame.RejectionFrame(err))
		return
	}
	if c.server.dispatcher == nil {
		return
	}
	if err := c.server.dispatcher.Signal(f.SessionID, sig); err != nil {
		c.server.logger.Debug("wsserver: signal dispatch failed", "session", f.SessionID, "error", err)
	}
}

// pumpSession forwards one Cast Hub subscriber's events onto the
// connection's outbox until the subscriber's channel closes (reader
// exit, or Unsubscribe/teardown calling Close).
func (c *connection) pumpSession(sessionID string, sub *cast.Subscriber) {
	for ev := range sub.Events() {
		f, ok := castEventToFrame(sessionID, ev)
		if !ok {
			continue
		}
		c.sendFrame(f)
	}
}

// pumpBus forwards global ServerEvents as Event frames until Close.
func (c *connection) pumpBus(sub *eventbus.Subscription) {
	for ev := range sub.Events() {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		c.sendFrame(frame.Frame{Type: frame.TypeEvent, Payload: data})
	}
}

func (c *connection) sendFrame(f frame.Frame) {
	data, err := frame.Encode(f)
	if err != nil {
		return
	}
	select {
	case c.out <- data:
	case <-c.doneCh:
	}
}

func (c *connection) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	busSub := c.busSub
	c.busSub = nil
	c.mu.Unlock()

	c.signalDone()

	for _, sub := range subs {
		sub.Close()
	}
	if busSub != nil {
		busSub.Close()
	}
	c.conn.Close()
}

// castEventToFrame maps a Cast Hub event onto the wire frame shapes
// §4.7 defines. Output and snapshot events have dedicated frame types;
// header/resize/marker/exit ride inside a session-scoped Event frame
// since they're control information rather than stream payload.
func castEventToFrame(sessionID string, ev cast.Event) (frame.Frame, bool) {
	switch ev.Kind {
	case cast.KindOutput:
		return frame.Frame{Type: frame.TypeStdout, SessionID: sessionID, Payload: ev.Data}, true

	case cast.KindSnapshot:
		return frame.Frame{Type: frame.TypeSnapshotVT, SessionID: sessionID, Payload: frame.EncodeSnapshotVT(ev.Data)}, true

	case cast.KindError:
		msg := ""
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		payload := frame.EncodeError(frame.ErrorPayload{Message: msg})
		return frame.Frame{Type: frame.TypeError, SessionID: sessionID, Payload: payload}, true

	case cast.KindHeader:
		data, err := json.Marshal(sessionControlMessage{Kind: "header", Cols: ev.Header.Width, Rows: ev.Header.Height})
		if err != nil {
			return frame.Frame{}, false
		}
		return frame.Frame{Type: frame.TypeEvent, SessionID: sessionID, Payload: data}, true

	case cast.KindResize:
		data, err := json.Marshal(sessionControlMessage{Kind: "resize", Cols: ev.Cols, Rows: ev.Rows})
		if err != nil {
			return frame.Frame{}, false
		}
		return frame.Frame{Type: frame.TypeEvent, SessionID: sessionID, Payload: data}, true

	case cast.KindMarker:
		data, err := json.Marshal(sessionControlMessage{Kind: "marker", Text: ev.Text})
		if err != nil {
			return frame.Frame{}, false
		}
		return frame.Frame{Type: frame.TypeEvent, SessionID: sessionID, Payload: data}, true

	case cast.KindExit:
		data, err := json.Marshal(sessionControlMessage{Kind: "exit", ExitCode: ev.ExitCode})
		if err != nil {
			return frame.Frame{}, false
		}
		return frame.Frame{Type: frame.TypeEvent, SessionID: sessionID, Payload: data}, true

	default:
		return frame.Frame{}, false
	}
}
