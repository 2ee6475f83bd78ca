package roomsync

//go:generate mockgen -source=iface.go -destination=mock_iface_test.go -package=roomsync -mock_names=wsConn=MockWSConn

import (
	"context"

	"github.com/coder/websocket"
)

// Stream is one live push subscription.
type Stream interface {
	// Next blocks until the next named event arrives. Any error ends
	// the subscription.
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Dialer opens push subscriptions. Dial returns only after the transport
// has signalled that the subscription is open.
type Dialer interface {
	Dial(ctx context.Context, roomID string) (Stream, error)
}

// RoomAPI is the part of the game server's REST API the session needs.
type RoomAPI interface {
	Create(ctx context.Context, name string) (*JoinResponse, error)
	Join(ctx context.Context, roomID, name string) (*JoinResponse, error)
	FetchState(ctx context.Context, roomID, playerID string) (*RoomState, error)
}

// wsConn abstracts the WebSocket connection so the websocket stream can
// be tested without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}
