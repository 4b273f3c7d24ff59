package mqtt

import "github.com/gorilla/websocket"

// WSConn wraps a gorilla/websocket connection carrying the "mqtt"
// subprotocol, feeding each received binary frame through a
// FrameSplitter since a single websocket frame may hold more than one
// MQTT packet (spec.md §6, §9).
type WSConn struct {
	conn     *websocket.Conn
	splitter FrameSplitter
}

// NewWSConn wraps an already-upgraded websocket connection.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// ReadPackets blocks for the next websocket message and returns every
// complete MQTT packet it yields once combined with any carried-over
// partial packet.
func (w *WSConn) ReadPackets() ([]Packet, error) {
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return w.splitter.Feed(data)
}

// WritePacket sends buf (an already fixed-header-encoded MQTT packet) as
// one binary websocket message.
func (w *WSConn) WritePacket(buf []byte) error {
	return w.conn.WriteMessage(websocket.BinaryMessage, buf)
}

// Close closes the underlying websocket connection.
func (w *WSConn) Close() error {
	return w.conn.Close()
}

// Pending reports how many unconsumed bytes the internal FrameSplitter
// is still carrying over, for diagnostics.
func (w *WSConn) Pending() int { return w.splitter.Pending() }
