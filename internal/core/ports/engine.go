package ports

import (
	"context"

	"callcore/internal/core/domain"
)

// SessionEventHandler receives engine notifications in arrival order.
type SessionEventHandler func(event domain.SessionEvent)

// Session is the capability surface of the real-time engine.
type Session interface {
	ID() string
	APIKey() string
	// Connection is the local connection, nil until connected.
	Connection() *domain.Connection
	// Connections counts the connections currently in the session.
	Connections() int

	Connect(ctx context.Context, token string) error
	Disconnect(ctx context.Context) error

	Publish(ctx context.Context, videoType domain.VideoType, container string, props domain.Properties) (*domain.Publisher, error)
	Unpublish(ctx context.Context, publisher *domain.Publisher) error
	Subscribe(ctx context.Context, stream *domain.Stream, container string, props domain.Properties) (*domain.Subscriber, error)
	Unsubscribe(ctx context.Context, subscriber *domain.Subscriber) error

	Signal(ctx context.Context, signal domain.Signal) error
	ForceDisconnect(ctx context.Context, connectionID domain.ConnectionID) error
	ForceUnpublish(ctx context.Context, streamID domain.StreamID) error

	// OnEvent adds a handler for every session event.
	OnEvent(handler SessionEventHandler)
}

type SessionFactory interface {
	InitSession(apiKey, sessionID string) (Session, error)
}
