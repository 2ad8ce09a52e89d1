package transport

import (
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// WSConn exposes a WebSocket connection as a byte Duplex: every Write is
// one binary message, Reads drain incoming binary messages in order. A
// stateful channel framed with the netty dialect runs over it unchanged.
type WSConn struct {
	conn *websocket.Conn
	rmu  sync.Mutex
	wmu  sync.Mutex
	cur  io.Reader // remainder of the current incoming message
}

// NewWSConn wraps an established WebSocket connection.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

func (w *WSConn) Read(p []byte) (int, error) {
	w.rmu.Lock()
	defer w.rmu.Unlock()
	for {
		if w.cur != nil {
			n, err := w.cur.Read(p)
			if err == io.EOF {
				w.cur = nil
				if n > 0 {
					return n, nil
				}
				continue
			}
			return n, err
		}
		msgType, r, err := w.conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, err
		}
		if msgType != websocket.BinaryMessage {
			continue // text/control frames are not part of the byte stream
		}
		w.cur = r
	}
}

func (w *WSConn) Write(p []byte) (int, error) {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame and tears the connection down.
func (w *WSConn) Close() error {
	w.wmu.Lock()
	w.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	w.wmu.Unlock()
	return w.conn.Close()
}
