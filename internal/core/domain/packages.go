package domain

// TextChatSettings configure the text chat pack.
type TextChatSettings struct {
	Container      string `json:"container,omitempty" yaml:"container"`
	WaitingMessage string `json:"waitingMessage,omitempty" yaml:"waiting_message"`
	Name           string `json:"name,omitempty" yaml:"name"`
	AlwaysOpen     bool   `json:"alwaysOpen" yaml:"always_open"`
}

// ScreenSharingSettings configure the screen sharing pack.
type ScreenSharingSettings struct {
	// Annotation links the annotation pack to shared screens.
	Annotation bool `json:"annotation" yaml:"annotation"`
	// ExternalWindow leaves annotation setup to the screen sharing pack.
	ExternalWindow bool       `json:"externalWindow" yaml:"external_window"`
	ExtensionID    string     `json:"extensionId,omitempty" yaml:"extension_id"`
	Properties     Properties `json:"properties,omitempty" yaml:"properties"`
}

// AnnotationSettings configure the annotation pack.
type AnnotationSettings struct {
	AbsoluteParentPublisher  string   `json:"absoluteParentPublisher,omitempty" yaml:"absolute_parent_publisher"`
	AbsoluteParentSubscriber string   `json:"absoluteParentSubscriber,omitempty" yaml:"absolute_parent_subscriber"`
	Colors                   []string `json:"colors,omitempty" yaml:"colors"`
}

// ArchivingSettings configure the archiving pack.
type ArchivingSettings struct {
	StartURL string `json:"startUrl,omitempty" yaml:"start_url"`
	StopURL  string `json:"stopUrl,omitempty" yaml:"stop_url"`
}
