package endpoint

import "context"

// Conn is the transport the endpoint reads framed messages from and writes
// them to. One logical message equals one binary WebSocket message equals
// one pkg/wire frame: production wiring (cmd/server) satisfies this with
// coder/websocket's Conn.Read/Write under websocket.MessageBinary; tests use
// an in-memory fake.
type Conn interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close(reason string) error
}
