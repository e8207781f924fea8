package ports

import (
	"context"

	"callcore/internal/core/domain"
)

// Listener is called with the event payload and the event name.
type Listener func(data interface{}, event domain.EventName)

// ListenerID identifies a listener for removal.
type ListenerID string

type EventBus interface {
	RegisterEvents(names ...domain.EventName)
	IsRegistered(name domain.EventName) bool
	On(event domain.EventName, listener Listener) ListenerID
	OnMany(listeners map[domain.EventName]Listener) map[domain.EventName]ListenerID
	Off(event domain.EventName, id ListenerID)
	OffAll()
	TriggerEvent(event domain.EventName, data interface{})
}

// Analytics is a fire-and-forget side channel for usage reporting.
type Analytics interface {
	LogAction(action domain.Action, variation domain.Variation)
	SetSessionInfo(info domain.SessionInfo)
	ObservePubSub(counts domain.PubSubCounts)
}

// StreamContainers resolves the container a publisher or subscriber is
// rendered into.
type StreamContainers func(role domain.Role, videoType domain.VideoType, connectionData map[string]interface{}, streamID domain.StreamID) string

// CallService is the surface the control API drives.
type CallService interface {
	State() domain.Snapshot
	Connect(ctx context.Context) (*domain.ConnectResult, error)
	Disconnect(ctx context.Context) error
	StartCall(ctx context.Context, props domain.Properties) (*domain.CallResult, error)
	EndCall(ctx context.Context) error
	SubscribeByID(ctx context.Context, streamID domain.StreamID) (*domain.Subscriber, error)
	UnsubscribeByID(ctx context.Context, id domain.SubscriberID) error
	Signal(ctx context.Context, signalType string, data interface{}, to domain.ConnectionID) error
	ToggleLocalAudio(enable bool)
	ToggleLocalVideo(enable bool)
	ToggleRemoteAudio(id domain.SubscriberID, enable bool)
	ToggleRemoteVideo(id domain.SubscriberID, enable bool)
	ForceDisconnect(ctx context.Context, connectionID domain.ConnectionID) error
	ForceUnpublish(ctx context.Context, streamID domain.StreamID) error
}
