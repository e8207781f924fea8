package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected       = errors.New("session not connected")
	ErrStreamNotFound     = errors.New("stream not found")
	ErrPublisherNotFound  = errors.New("publisher not found")
	ErrSubscriberNotFound = errors.New("subscriber not found")
	ErrUnknownSource      = errors.New("unknown media source")
	ErrUnregisteredEvent  = errors.New("event is not registered")
)

// CodeNetwork is the engine code reported when the network is unreachable.
const CodeNetwork = 1010

// EngineError is a failure reported by the session engine.
type EngineError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// UserMessage returns the text shown to users for err.
func UserMessage(err error) string {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		if engineErr.Code == CodeNetwork {
			return "Check your network connection"
		}
		return engineErr.Message
	}
	return err.Error()
}

// Is matches engine errors by code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && t.Code == e.Code
}
