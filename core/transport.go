package core

import (
	"context"

	"github.com/encodeous/weft/state"
)

// Connection is a live point-to-point link to a neighbour, as seen by the transport
type Connection interface {
	Id() string
	Remote() state.NodeId
}

// Handler serves every inbound request the transport receives
type Handler interface {
	Serve(conn Connection, payload []byte, md state.Metadata) state.Response
}

// LinkObserver is notified of connection lifecycle. Every established connection is
// eventually terminated exactly once.
type LinkObserver interface {
	ConnectionEstablished(conn Connection, selfInitiated bool)
	ConnectionTerminated(conn Connection)
}

type Transport interface {
	// Start begins accepting connections. Inbound requests are served on transport goroutines.
	Start(ctx context.Context, self state.NodeId, handler Handler, observer LinkObserver) error
	// Send delivers payload over conn without waiting for the response, though it may wait for
	// room in a full outbound queue. onResponse is invoked exactly once, with the remote
	// response or a synthesized failure.
	Send(payload []byte, md state.Metadata, conn Connection, onResponse func(state.Response))
	// Connect dials the contact point. The observer has been told about the connection before Connect returns.
	Connect(ctx context.Context, contactPoint string) (Connection, error)
	Close() error
}

// RoutedMessage is an application message that reached its destination
type RoutedMessage struct {
	Origin    state.NodeId
	MessageId string
	Category  string
	Payload   []byte
	Trace     []state.NodeId
	Metadata  state.Metadata
}

type Deliverer interface {
	Deliver(ctx context.Context, msg RoutedMessage) state.Response
}

type DelivererFunc func(ctx context.Context, msg RoutedMessage) state.Response

func (f DelivererFunc) Deliver(ctx context.Context, msg RoutedMessage) state.Response {
	return f(ctx, msg)
}
