package web

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/voxlive/pkg/audio/browser"
)

var (
	errConnClosed = errors.New("web: connection closed")
	errQueueFull  = errors.New("web: outgoing queue full")
)

// conn owns the write side of one websocket. Messages are queued without
// blocking and written by a single goroutine.
type conn struct {
	ws           *websocket.Conn
	log          *slog.Logger
	writeTimeout time.Duration

	out       chan browser.Message
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ browser.Sender = (*conn)(nil)

func newConn(ws *websocket.Conn, log *slog.Logger, queue int, writeTimeout time.Duration) *conn {
	c := &conn{
		ws:           ws,
		log:          log,
		writeTimeout: writeTimeout,
		out:          make(chan browser.Message, queue),
		done:         make(chan struct{}),
	}
	c.wg.Add(1)
	go c.writeLoop()
	return c
}

// Send queues m. A full queue means the page stopped reading; the message is
// refused rather than blocking the session.
func (c *conn) Send(m browser.Message) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.out <- m:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		c.log.Warn("web: outgoing queue full, dropping message", "type", m.Type)
		return errQueueFull
	}
}

func (c *conn) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case m := <-c.out:
			ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
			err := wsjson.Write(ctx, c.ws, m)
			cancel()
			if err != nil {
				c.log.Debug("web: write failed", "type", m.Type, "err", err)
				c.shutdown(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// shutdown stops the writer and closes the socket with code. Only the first
// call has an effect.
func (c *conn) shutdown(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close(code, reason)
	})
}

// wait blocks until the writer goroutine has exited.
func (c *conn) wait() { c.wg.Wait() }
