package convoke

import (
	"context"

	"github.com/coder/websocket"
)

// MessageType is the WebSocket message type of a transport message.
type MessageType = websocket.MessageType

// WebSocket message types.
const (
	MessageText   MessageType = websocket.MessageText
	MessageBinary MessageType = websocket.MessageBinary
)

// Status is a WebSocket close status code as defined in RFC 6455.
type Status = websocket.StatusCode

// WebSocket close status codes.
const (
	StatusNormalClosure   Status = websocket.StatusNormalClosure
	StatusGoingAway       Status = websocket.StatusGoingAway
	StatusProtocolError   Status = websocket.StatusProtocolError
	StatusPolicyViolation Status = websocket.StatusPolicyViolation
	StatusInternalError   Status = websocket.StatusInternalError
)

// SocketMessage is a single transport-level message.
type SocketMessage struct {
	Type MessageType
	Data []byte
}

// SocketConnection is the transport capability a Conn drives. The default
// implementation wraps github.com/coder/websocket, but any transport that can
// read, write and close messages can drive a connection; see
// Server.HandleConnection.
type SocketConnection interface {
	Read(ctx context.Context) (*SocketMessage, error)
	Write(ctx context.Context, msg *SocketMessage) error
	Close(status Status, reason string) error
}

// WebSocketConnection is the SocketConnection implementation used by the
// server for HTTP WebSocket upgrades.
type WebSocketConnection struct {
	conn *websocket.Conn
}

var _ SocketConnection = &WebSocketConnection{}

// NewWebSocketConnection wraps a github.com/coder/websocket connection. Most
// applications don't need this directly unless driving Server.HandleConnection
// with their own accepted connections.
func NewWebSocketConnection(conn *websocket.Conn) *WebSocketConnection {
	return &WebSocketConnection{conn: conn}
}

func (c *WebSocketConnection) Read(ctx context.Context) (*SocketMessage, error) {
	messageType, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return &SocketMessage{Type: messageType, Data: data}, nil
}

func (c *WebSocketConnection) Write(ctx context.Context, msg *SocketMessage) error {
	return c.conn.Write(ctx, msg.Type, msg.Data)
}

func (c *WebSocketConnection) Close(status Status, reason string) error {
	return c.conn.Close(status, reason)
}
