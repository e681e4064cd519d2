package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/medchat-go/consult/pkg/engine/live/protocol"
)

type outboundFrame struct {
	payload []byte
}

// send marshals and enqueues a frame on the normal lane, waiting for queue
// space. It returns false only when the connection is shutting down.
func (c *Conn) send(frame protocol.Frame) bool {
	return c.enqueue(c.outNormal, frame)
}

// sendPriority enqueues on the lane the writer drains first, for frames
// that must not queue behind pipeline output (pong, errors).
func (c *Conn) sendPriority(frame protocol.Frame) bool {
	return c.enqueue(c.outPriority, frame)
}

// trySend is the non-blocking variant used for frames pushed from outside
// the connection's own goroutines.
func (c *Conn) trySend(frame protocol.Frame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("failed to encode outbound frame",
			"session_id", c.SessionID(), "type", frame.Type, "error", err)
		return false
	}
	select {
	case <-c.ctx.Done():
		return false
	case c.outNormal <- outboundFrame{payload: data}:
		return true
	default:
		return false
	}
}

func (c *Conn) enqueue(lane chan outboundFrame, frame protocol.Frame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("failed to encode outbound frame",
			"session_id", c.SessionID(), "type", frame.Type, "error", err)
		return false
	}
	select {
	case <-c.ctx.Done():
		return false
	case lane <- outboundFrame{payload: data}:
		return true
	}
}

// outboundWriter owns all writes to the socket. Frames on the priority lane
// always win over the normal lane; a ping ticker keeps intermediaries from
// dropping idle connections.
type outboundWriter struct {
	ws       wsConn
	ctx      context.Context
	cfg      Config
	priority chan outboundFrame
	normal   chan outboundFrame
}

func (w *outboundWriter) Run() error {
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()

	for {
		// Drain priority frames before considering the normal lane.
		select {
		case frame := <-w.priority:
			if err := w.write(frame); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case <-w.ctx.Done():
			w.writeClose()
			return w.ctx.Err()
		case frame := <-w.priority:
			if err := w.write(frame); err != nil {
				return err
			}
		case frame := <-w.normal:
			if err := w.write(frame); err != nil {
				return err
			}
		case <-ticker.C:
			deadline := time.Now().Add(w.cfg.WriteTimeout)
			if err := w.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return err
			}
		}
	}
}

func (w *outboundWriter) write(frame outboundFrame) error {
	_ = w.ws.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
	return w.ws.WriteMessage(websocket.TextMessage, frame.payload)
}

func (w *outboundWriter) writeClose() {
	deadline := time.Now().Add(w.cfg.WriteTimeout)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = w.ws.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = w.ws.Close()
}
