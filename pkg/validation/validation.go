package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MaxIDLength         = 128
	MaxSignalTypeLength = 128
	MaxSignalDataBytes  = 8 * 1024
	MaxEventNameLength  = 64
)

var (
	// IDRegex matches stream, connection, publisher and subscriber ids.
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

	SignalTypeRegex = regexp.MustCompile(`^[a-zA-Z0-9_~:-]+$`)

	EventNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.:-]*$`)
)

// ValidateID validates an engine-assigned id. kind names it in the error.
func ValidateID(id, kind string) error {
	if id == "" {
		return fmt.Errorf("%s is required", kind)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%s is too long (max %d characters)", kind, MaxIDLength)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", kind)
	}
	return nil
}

func ValidateStreamID(streamID string) error {
	return ValidateID(streamID, "stream ID")
}

func ValidateConnectionID(connectionID string) error {
	return ValidateID(connectionID, "connection ID")
}

// ValidateSignal checks a signal type and its encoded payload. An empty type
// is allowed and means an untyped signal.
func ValidateSignal(signalType string, data []byte) error {
	if len(signalType) > MaxSignalTypeLength {
		return fmt.Errorf("signal type is too long (max %d characters)", MaxSignalTypeLength)
	}
	if signalType != "" && !SignalTypeRegex.MatchString(signalType) {
		return fmt.Errorf("signal type contains invalid characters")
	}
	if len(data) > MaxSignalDataBytes {
		return fmt.Errorf("signal data is too large (max %d bytes)", MaxSignalDataBytes)
	}
	if !utf8.Valid(data) {
		return fmt.Errorf("signal data is not valid UTF-8")
	}
	return nil
}

// ValidateEventName validates a custom event name.
func ValidateEventName(name string) error {
	if name == "" {
		return fmt.Errorf("event name is required")
	}
	if len(name) > MaxEventNameLength {
		return fmt.Errorf("event name is too long (max %d characters)", MaxEventNameLength)
	}
	if !EventNameRegex.MatchString(name) {
		return fmt.Errorf("invalid event name format")
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}
