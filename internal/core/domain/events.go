package domain

// EventName identifies an event dispatched on the event bus.
type EventName string

// Session events are re-emitted from the engine.
const (
	EventArchiveStarted        EventName = "archiveStarted"
	EventArchiveStopped        EventName = "archiveStopped"
	EventConnectionCreated     EventName = "connectionCreated"
	EventConnectionDestroyed   EventName = "connectionDestroyed"
	EventSessionConnected      EventName = "sessionConnected"
	EventSessionDisconnected   EventName = "sessionDisconnected"
	EventSessionReconnected    EventName = "sessionReconnected"
	EventSessionReconnecting   EventName = "sessionReconnecting"
	EventSignal                EventName = "signal"
	EventStreamCreated         EventName = "streamCreated"
	EventStreamDestroyed       EventName = "streamDestroyed"
	EventStreamPropertyChanged EventName = "streamPropertyChanged"
)

const (
	EventConnected        EventName = "connected"
	EventStartScreenShare EventName = "startScreenShare"
	EventEndScreenShare   EventName = "endScreenShare"
	EventError            EventName = "error"
)

const (
	EventStartCall                EventName = "startCall"
	EventEndCall                  EventName = "endCall"
	EventCallPropertyChanged      EventName = "callPropertyChanged"
	EventSubscribeToCamera        EventName = "subscribeToCamera"
	EventUnsubscribeFromCamera    EventName = "unsubscribeFromCamera"
	EventSubscribeToScreen        EventName = "subscribeToScreen"
	EventUnsubscribeFromScreen    EventName = "unsubscribeFromScreen"
	EventSubscribeToSip           EventName = "subscribeToSip"
	EventUnsubscribeFromSip       EventName = "unsubscribeFromSip"
	EventStartViewingSharedScreen EventName = "startViewingSharedScreen"
	EventEndViewingSharedScreen   EventName = "endViewingSharedScreen"
)

const (
	EventStartScreenSharing EventName = "startScreenSharing"
	EventEndScreenSharing   EventName = "endScreenSharing"
	EventScreenSharingError EventName = "screenSharingError"
)

const (
	EventStartAnnotation        EventName = "startAnnotation"
	EventLinkAnnotation         EventName = "linkAnnotation"
	EventResizeCanvas           EventName = "resizeCanvas"
	EventAnnotationWindowClosed EventName = "annotationWindowClosed"
	EventEndAnnotation          EventName = "endAnnotation"
)

const (
	EventStartArchive EventName = "startArchive"
	EventStopArchive  EventName = "stopArchive"
	EventArchiveReady EventName = "archiveReady"
	EventArchiveError EventName = "archiveError"
)

const (
	EventShowTextChat        EventName = "showTextChat"
	EventHideTextChat        EventName = "hideTextChat"
	EventMessageSent         EventName = "messageSent"
	EventErrorSendingMessage EventName = "errorSendingMessage"
	EventMessageReceived     EventName = "messageReceived"
)

// EventGroups lists the known events by the component that produces them.
var EventGroups = map[string][]EventName{
	"session": {
		EventArchiveStarted, EventArchiveStopped, EventConnectionCreated, EventConnectionDestroyed,
		EventSessionConnected, EventSessionDisconnected, EventSessionReconnected, EventSessionReconnecting,
		EventSignal, EventStreamCreated, EventStreamDestroyed, EventStreamPropertyChanged,
	},
	"core": {EventConnected, EventStartScreenShare, EventEndScreenShare, EventError},
	"communication": {
		EventStartCall, EventEndCall, EventCallPropertyChanged,
		EventSubscribeToCamera, EventUnsubscribeFromCamera,
		EventSubscribeToScreen, EventUnsubscribeFromScreen,
		EventSubscribeToSip, EventUnsubscribeFromSip,
		EventStartViewingSharedScreen, EventEndViewingSharedScreen,
	},
	"screenSharing": {EventStartScreenSharing, EventEndScreenSharing, EventScreenSharingError},
	"annotation": {
		EventStartAnnotation, EventLinkAnnotation, EventResizeCanvas,
		EventAnnotationWindowClosed, EventEndAnnotation,
	},
	"archiving": {EventStartArchive, EventStopArchive, EventArchiveReady, EventArchiveError},
	"textChat": {
		EventShowTextChat, EventHideTextChat, EventMessageSent,
		EventErrorSendingMessage, EventMessageReceived,
	},
}

// KnownEvents returns every event in EventGroups.
func KnownEvents() []EventName {
	var events []EventName
	for _, group := range EventGroups {
		events = append(events, group...)
	}
	return events
}

// SubscribeEvent returns the subscribeTo<Type> event for t.
func SubscribeEvent(t VideoType) EventName {
	return EventName("subscribeTo" + t.ProperCase())
}

// UnsubscribeEvent returns the unsubscribeFrom<Type> event for t.
func UnsubscribeEvent(t VideoType) EventName {
	return EventName("unsubscribeFrom" + t.ProperCase())
}

// PackageName names an accelerator pack.
type PackageName string

const (
	PackageTextChat      PackageName = "textChat"
	PackageScreenSharing PackageName = "screenSharing"
	PackageAnnotation    PackageName = "annotation"
	PackageArchiving     PackageName = "archiving"
)

// Packages is the order in which accelerator packs are constructed.
var Packages = []PackageName{PackageTextChat, PackageScreenSharing, PackageAnnotation, PackageArchiving}

func (p PackageName) Valid() bool {
	for _, known := range Packages {
		if p == known {
			return true
		}
	}
	return false
}
