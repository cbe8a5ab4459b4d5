package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Channel errors
var (
	// ErrClosed indicates the channel is no longer live.
	ErrClosed = errors.New("channel closed")
)

const (
	// writeWait 单次写超时
	writeWait = 10 * time.Second
	// maxMessageSize 设备入站帧大小上限
	maxMessageSize = 64 * 1024
	// sendBuffer 出站帧缓冲
	sendBuffer = 16
)

// Conn abstracts the underlying transport so the manager and dispatcher
// can be tested without a websocket
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// wsConn adapts a gorilla websocket connection to Conn
type wsConn struct {
	conn *websocket.Conn
}

// NewWebsocketConn wraps a gorilla connection
func NewWebsocketConn(conn *websocket.Conn) Conn {
	conn.SetReadLimit(maxMessageSize)
	return &wsConn{conn: conn}
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsConn) WriteMessage(data []byte) error {
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}

// Channel is the live real-time session for one device. At most one
// Channel per device is live at a time; a newer connection supersedes an
// older one. The generation number distinguishes this Channel from its
// predecessors and successors so a stale close can never tear down a
// fresher connection.
type Channel struct {
	DeviceID     uuid.UUID
	ProtoVersion string

	gen  uint64
	conn Conn
	send chan []byte

	mu            sync.Mutex
	lastHeartbeat time.Time

	done      chan struct{}
	closeOnce sync.Once
}

func newChannel(deviceID uuid.UUID, conn Conn, gen uint64, protoVersion string, now time.Time) *Channel {
	return &Channel{
		DeviceID:      deviceID,
		ProtoVersion:  protoVersion,
		gen:           gen,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		lastHeartbeat: now,
		done:          make(chan struct{}),
	}
}

// Generation returns the channel's generation number
func (c *Channel) Generation() uint64 {
	return c.gen
}

// LastHeartbeat returns the time of the last heartbeat seen on this
// channel
func (c *Channel) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// touch records a heartbeat
func (c *Channel) touch(now time.Time) {
	c.mu.Lock()
	c.lastHeartbeat = now
	c.mu.Unlock()
}

// Send queues one frame for delivery. Delivery is at-least-once at best:
// a queued frame may still be lost if the connection drops. Callers get
// ErrClosed when the channel is already gone and the context error when
// cancelled while the send buffer is full.
func (c *Channel) Send(ctx context.Context, frame interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shutdown closes the transport and releases both pumps. Idempotent.
func (c *Channel) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// closed reports whether shutdown has run
func (c *Channel) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// writePump drains the send buffer onto the transport
func (c *Channel) writePump() {
	for {
		select {
		case data := <-c.send:
			if err := c.conn.WriteMessage(data); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}
