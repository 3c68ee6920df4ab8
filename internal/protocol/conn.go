package protocol

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultWriteTimeout = 10 * time.Second
	maxFrameBytes       = 4 << 20
)

// Conn is a control channel over a websocket. Send may be called from many
// goroutines; Receive must only be called from one.
type Conn struct {
	ws           *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once
}

// NewConn wraps an established websocket.
func NewConn(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(maxFrameBytes)
	return &Conn{ws: ws, writeTimeout: defaultWriteTimeout}
}

// Send writes one message. Writes are serialized so frames are delivered in
// send order.
func (c *Conn) Send(m Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// Receive reads the next message. A frame that fails to decode returns an
// error wrapping ErrMalformedMessage and leaves the connection usable; any
// other error means the connection is gone.
func (c *Conn) Receive() (Message, error) {
	for {
		typ, b, err := c.ws.ReadMessage()
		if err != nil {
			return Message{}, err
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		return Decode(b)
	}
}

// Close sends a close frame and closes the socket. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// IsMalformed reports whether err came from an undecodable frame.
func IsMalformed(err error) bool { return errors.Is(err, ErrMalformedMessage) }

// IsClosed reports whether err is a normal websocket closure.
func IsClosed(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
