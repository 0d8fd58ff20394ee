package api

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rescp17/peerFileSharer/pkg/session"
)

// conn is the server side of one websocket. It implements session.Endpoint:
// frames are queued on a bounded outbox drained by writePump, so Notify
// never blocks the registry.
type conn struct {
	ws  *websocket.Conn
	out chan Frame

	done      chan struct{}
	closeOnce sync.Once
	byServer  atomic.Bool
}

func newConn(ws *websocket.Conn, outbox int) *conn {
	return &conn{
		ws:   ws,
		out:  make(chan Frame, outbox),
		done: make(chan struct{}),
	}
}

// Notify implements session.Endpoint.
func (c *conn) Notify(ev session.Event) bool {
	return c.send(frameFromEvent(ev))
}

// Close implements session.Endpoint. The connection is closed after the
// queued frames have been written.
func (c *conn) Close() {
	c.byServer.Store(true)
	c.shutdown()
}

func (c *conn) closedByServer() bool { return c.byServer.Load() }

func (c *conn) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// send queues f. A client that cannot keep up with its outbox is dropped.
func (c *conn) send(f Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- f:
		return true
	default:
		slog.Warn("Signaling outbox full, dropping connection", "remote", c.ws.RemoteAddr().String())
		c.shutdown()
		return false
	}
}

func (c *conn) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case f := <-c.out:
			if err := c.write(f); err != nil {
				slog.Debug("Signaling write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				slog.Debug("Signaling ping failed", "error", err)
				return
			}
		case <-c.done:
			c.drain()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// drain writes whatever is still queued.
func (c *conn) drain() {
	for {
		select {
		case f := <-c.out:
			if err := c.write(f); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *conn) write(f Frame) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(f)
}

// readPump decodes frames until the socket fails or closes.
func (c *conn) readPump(pongWait time.Duration, handle func(Frame)) {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("Signaling read failed", "error", err)
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Debug("Malformed signaling frame", "error", err)
			c.send(errorFrame(0, session.ErrInternal))
			continue
		}
		handle(f)
	}
}
