package ports

import (
	"context"

	"callcore/internal/core/domain"
)

// AccPack is what accelerator packs see of the core.
type AccPack interface {
	On(event domain.EventName, listener Listener) ListenerID
	RegisterEvents(names ...domain.EventName)
	TriggerEvent(event domain.EventName, data interface{})
	SetupExternalAnnotation(ctx context.Context) error
	LinkAnnotation(target LinkTarget, annotationContainer string, externalWindow string) error
}

// Plugin is a constructed accelerator pack.
type Plugin interface {
	Start(ctx context.Context) error
	End(ctx context.Context) error
}

// LinkTarget is the publisher or subscriber an annotation canvas is drawn over.
type LinkTarget struct {
	Publisher  *domain.Publisher
	Subscriber *domain.Subscriber
}

type LinkOptions struct {
	AbsoluteParent string
	ExternalWindow string
}

// Annotator is implemented by the annotation pack.
type Annotator interface {
	Plugin
	Annotate(ctx context.Context, session Session, screensharing bool) error
	LinkCanvas(target LinkTarget, container string, opts LinkOptions) error
	AddSubscriberToExternalWindow(stream *domain.Stream) error
	StopAnnotating(ctx context.Context) error
}

// PluginOptions are handed to every pack factory. Settings holds the
// package's typed settings struct.
type PluginOptions struct {
	Session           Session
	AccPack           AccPack
	ControlsContainer string
	AppendControl     bool
	StreamContainers  StreamContainers
	Settings          interface{}
}

type PluginFactory func(opts PluginOptions) (Plugin, error)
