// Package session contains the per-workspace orchestrator, the client
// connection wrapper and the registry/reaper that ties them together.
package session

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/compustat/relayd/internal/logger"
	"github.com/compustat/relayd/internal/model"
)

const (
	// time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// send pings with this period, must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// maximum inbound message size
	maxMessageSize = 1 << 20
)

var (
	errSendBufferFull = errors.New("connection send buffer full")
	errConnClosed     = errors.New("connection closed")
)

// wsConn is the slice of *websocket.Conn the Connection uses. Tests
// substitute an in-memory fake.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Connection wraps one attached client channel. It is owned by exactly
// one Session; the registry only holds an id-keyed lookup.
type Connection struct {
	ID     string
	UserID int64

	conn        wsConn
	send        chan []byte
	done        chan struct{}
	log         *logger.Logger
	logOutgoing bool

	watching  atomic.Bool
	closeOnce sync.Once
}

// NewConnection wraps an upgraded websocket channel
func NewConnection(conn wsConn, userID int64, log *logger.Logger, logOutgoing bool) *Connection {
	id := uuid.NewString()
	return &Connection{
		ID:          id,
		UserID:      userID,
		conn:        conn,
		send:        make(chan []byte, 256),
		done:        make(chan struct{}),
		log:         log.WithPrefix("conn:" + id[:8]),
		logOutgoing: logOutgoing,
	}
}

// IsWatchingVariables reports whether this client asked for variable
// updates
func (c *Connection) IsWatchingVariables() bool {
	return c.watching.Load()
}

// SetWatchingVariables records this client's watch preference
func (c *Connection) SetWatchingVariables(watch bool) {
	c.watching.Store(watch)
}

// Send queues one serialized response for delivery. A full send buffer
// means the client is too slow to keep; the message is dropped and an
// error returned so the caller can log it.
func (c *Connection) Send(r model.Response) error {
	data, err := model.WrapResponse(r)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// SendRaw queues pre-serialized bytes
func (c *Connection) SendRaw(data []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	case c.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

// Close tears the channel down. Safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// ReadPump reads client payloads until the channel dies, forwarding each
// to received. onClose runs exactly once on the way out. Runs on the
// caller's goroutine.
func (c *Connection) ReadPump(received func(conn *Connection, data []byte), onClose func(conn *Connection)) {
	defer func() {
		onClose(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read error: %v", err)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if !json.Valid(data) {
			c.log.Info("ignoring non-JSON client payload")
			continue
		}
		received(c, data)
	}
}

// WritePump drains the send queue onto the wire and keeps the channel
// alive with pings. Runs until Close or a write failure.
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if c.logOutgoing {
				c.log.Debug("client <- %s", data)
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn("websocket write error: %v", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
