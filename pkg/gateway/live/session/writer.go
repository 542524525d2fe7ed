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

// outboundWriter owns all writes to one websocket leg. Frames are written in
// the order they were queued.
type outboundWriter struct {
	ws           wsWriter
	ctx          context.Context
	queue        <-chan []byte
	pingInterval time.Duration
	writeTimeout time.Duration
}

// Run writes until the context ends or the queue closes. A failed write
// closes the socket so its read loop ends too.
func (w *outboundWriter) Run() (err error) {
	if w == nil || w.ws == nil {
		return nil
	}
	defer func() {
		if err != nil {
			_ = w.ws.Close()
		}
	}()

	pingInterval := w.pingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := w.writeTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	var done <-chan struct{}
	if w.ctx != nil {
		done = w.ctx.Done()
	}

	for {
		select {
		case <-done:
			w.flushOnShutdown(writeTimeout)
			_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
			_ = w.ws.Close()
			return nil
		case <-pingTicker.C:
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout)); err != nil {
				return err
			}
		case payload, ok := <-w.queue:
			if !ok {
				return nil
			}
			if err := w.write(payload, writeTimeout); err != nil {
				return err
			}
		}
	}
}

// flushOnShutdown writes frames already queued when the session closed, such
// as a final clear, within a short budget.
func (w *outboundWriter) flushOnShutdown(writeTimeout time.Duration) {
	flushTimeout := 100 * time.Millisecond
	if writeTimeout < flushTimeout {
		flushTimeout = writeTimeout
	}
	deadline := time.Now().Add(flushTimeout)
	for time.Now().Before(deadline) {
		select {
		case payload, ok := <-w.queue:
			if !ok {
				return
			}
			if err := w.write(payload, writeTimeout); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (w *outboundWriter) write(payload []byte, writeTimeout time.Duration) error {
	if len(payload) == 0 {
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, payload)
}
