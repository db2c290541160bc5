package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type conn struct {
	hub *Hub
	ws  *websocket.Conn

	mu    sync.Mutex
	queue [][]byte
	max   int
	// wake has room for one pending signal; writePump drains the whole queue per wake
	wake chan struct{}

	done     chan struct{}
	doneOnce sync.Once
}

func newConn(h *Hub, ws *websocket.Conn, max int) *conn {
	return &conn{
		hub:  h,
		ws:   ws,
		max:  max,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// enqueue appends msg, dropping the oldest queued message when full. Reports whether
// something was dropped.
func (c *conn) enqueue(msg []byte) (dropped bool) {
	c.mu.Lock()
	if len(c.queue) >= c.max {
		c.queue[0] = nil
		c.queue = c.queue[1:]
		dropped = true
	}
	c.queue = append(c.queue, msg)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return dropped
}

func (c *conn) take() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.queue
	c.queue = nil
	return msgs
}

func (c *conn) shutdown() {
	c.doneOnce.Do(func() {
		close(c.done)
	})
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		c.hub.remove(c)
	}()
	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case <-c.wake:
			for _, msg := range c.take() {
				c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
					logger.Debug().Err(err).Msg("write failed, closing dashboard connection")
					c.shutdown()
					return
				}
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

// readPump only exists to process control frames and notice disconnects.
func (c *conn) readPump() {
	defer c.shutdown()
	c.ws.SetReadLimit(maxReadBytes)
	c.ws.SetReadDeadline(time.Now().Add(readWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn().Err(err).Msg("dashboard read error")
			}
			return
		}
	}
}
