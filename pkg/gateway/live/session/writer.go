package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// outboundFrame is one queued client write: a JSON text frame, or a close
// frame that ends the writer.
type outboundFrame struct {
	textPayload []byte
	close       *closeFrame
}

type closeFrame struct {
	code   int
	reason string
}

// outboundWriter is the only goroutine that writes to the client socket.
type outboundWriter struct {
	ws       wsWriter
	ctx      context.Context
	cfg      Config
	priority <-chan outboundFrame
	normal   <-chan outboundFrame

	closeSent bool
	pending   *outboundFrame
}

func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}

	pingInterval := w.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := w.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		if w.closeSent {
			_ = w.ws.Close()
			return nil
		}
		if w.ctx != nil {
			select {
			case <-w.ctx.Done():
				w.drainNormal(writeTimeout)
				w.flushPriorityOnShutdown(writeTimeout)
				if !w.closeSent {
					_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
				}
				_ = w.ws.Close()
				return nil
			default:
			}
		}

		// Hard priority: if anything is queued, handle it before writing normal frames.
		select {
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writePriority(frame, writeTimeout); err != nil {
				return err
			}
			continue
		default:
		}

		if w.pending != nil {
			if err := w.writeFrame(*w.pending, writeTimeout); err != nil {
				return err
			}
			w.pending = nil
			continue
		}

		if w.priority == nil && w.normal == nil {
			return nil
		}

		var done <-chan struct{}
		if w.ctx != nil {
			done = w.ctx.Done()
		}

		select {
		case <-done:
		case <-pingTicker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return err
			}
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writePriority(frame, writeTimeout); err != nil {
				return err
			}
		case frame, ok := <-w.normal:
			if !ok {
				w.normal = nil
				continue
			}
			w.pending = &frame
		}
	}
}

// flushPriorityOnShutdown gives the final error and close frames a short
// window to reach the client after the session context ends.
func (w *outboundWriter) flushPriorityOnShutdown(writeTimeout time.Duration) {
	if w == nil || w.ws == nil || w.priority == nil {
		return
	}

	flushTimeout := 100 * time.Millisecond
	if writeTimeout > 0 && writeTimeout < flushTimeout {
		flushTimeout = writeTimeout
	}

	deadline := time.Now().Add(flushTimeout)
	maxFlushFrames := 8

	for i := 0; i < maxFlushFrames && !w.closeSent && time.Now().Before(deadline); i++ {
		select {
		case frame, ok := <-w.priority:
			if !ok {
				return
			}
			_ = w.writePriority(frame, writeTimeout)
		default:
			return
		}
	}
}

// writePriority writes a priority frame. A close frame first drains the
// replies already queued on the normal lane so they reach the client ahead of
// the final error and close.
func (w *outboundWriter) writePriority(frame outboundFrame, writeTimeout time.Duration) error {
	if frame.close != nil {
		w.drainNormal(writeTimeout)
	}
	return w.writeFrame(frame, writeTimeout)
}

// drainNormal writes the pending reply and whatever is queued on the normal
// lane, stopping when the lane is empty, a write fails or budget elapses.
func (w *outboundWriter) drainNormal(budget time.Duration) {
	if w.closeSent {
		return
	}
	deadline := time.Now().Add(budget)
	if w.pending != nil {
		frame := *w.pending
		w.pending = nil
		if err := w.writeFrame(frame, budget); err != nil {
			return
		}
	}
	for w.normal != nil && time.Now().Before(deadline) {
		select {
		case frame, ok := <-w.normal:
			if !ok {
				w.normal = nil
				return
			}
			if err := w.writeFrame(frame, budget); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (w *outboundWriter) writeFrame(frame outboundFrame, writeTimeout time.Duration) error {
	if w.closeSent {
		return nil
	}
	deadline := time.Now().Add(writeTimeout)

	if len(frame.textPayload) > 0 {
		if err := w.ws.SetWriteDeadline(deadline); err != nil {
			return err
		}
		if err := w.ws.WriteMessage(websocket.TextMessage, frame.textPayload); err != nil {
			return err
		}
	}
	if frame.close != nil {
		w.closeSent = true
		return w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(frame.close.code, frame.close.reason), deadline)
	}
	return nil
}
