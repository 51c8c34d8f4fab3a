package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/itskum47/deployplane/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxInboundSize = 4096
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// CORS is enforced by the HTTP middleware; streams authenticate per request.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsChannel is a server-to-client event stream over a websocket. It
// implements both registry.Channel and streaming.Subscriber.
type wsChannel struct {
	conn     *websocket.Conn
	send     chan protocol.Envelope
	readDone chan struct{}
	done     chan struct{}
	logger   *zap.Logger

	mu     sync.Mutex
	closed bool
}

func newWSChannel(conn *websocket.Conn, logger *zap.Logger) *wsChannel {
	return &wsChannel{
		conn:     conn,
		send:     make(chan protocol.Envelope, sendBuffer),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// Send queues env. It never blocks; a full buffer drops the event.
func (c *wsChannel) Send(env protocol.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// Close stops accepting events. Already queued events are written before the
// close frame.
func (c *wsChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	return nil
}

func (c *wsChannel) Done() <-chan struct{} { return c.done }

// serve pumps the connection until either side closes it.
func (c *wsChannel) serve() {
	go c.writePump()
	c.readPump()
	<-c.done
}

// readPump only detects disconnects and answers pongs; clients never send
// application messages on these streams.
func (c *wsChannel) readPump() {
	defer close(c.readDone)

	c.conn.SetReadLimit(maxInboundSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (c *wsChannel) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		c.conn.Close()
		close(c.done)
	}()

	for {
		select {
		case env, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				c.logger.Debug("websocket write failed", zap.String("event", env.Event), zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.readDone:
			return
		}
	}
}
