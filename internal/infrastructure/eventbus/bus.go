package eventbus

import (
	"fmt"
	"sync"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type listenerEntry struct {
	id       ports.ListenerID
	listener ports.Listener
}

// Bus is an in-process event registry. Listeners run synchronously on the
// goroutine that triggers the event, in registration order.
type Bus struct {
	mu        sync.RWMutex
	listeners map[domain.EventName][]listenerEntry
	strict    bool
	logger    *zap.SugaredLogger
}

type Option func(*Bus)

// WithStrictEvents drops triggers for events that were never registered
// instead of declaring them on first use.
func WithStrictEvents() Option {
	return func(b *Bus) {
		b.strict = true
	}
}

// New returns a bus with every known event already registered.
func New(logger *zap.SugaredLogger, opts ...Option) *Bus {
	b := &Bus{
		listeners: make(map[domain.EventName][]listenerEntry),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.RegisterEvents(domain.KnownEvents()...)
	return b
}

var _ ports.EventBus = (*Bus)(nil)

func (b *Bus) RegisterEvents(names ...domain.EventName) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, name := range names {
		if _, ok := b.listeners[name]; !ok {
			b.listeners[name] = nil
		}
	}
}

func (b *Bus) IsRegistered(name domain.EventName) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.listeners[name]
	return ok
}

// On attaches listener to event. Unregistered events are refused with a
// warning and an empty id.
func (b *Bus) On(event domain.EventName, listener ports.Listener) ports.ListenerID {
	if listener == nil {
		return ""
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, ok := b.listeners[event]
	if !ok {
		b.logger.Warnw("attempted to add listener to unregistered event", "event", event)
		return ""
	}
	id := ports.ListenerID(uuid.New().String())
	b.listeners[event] = append(entries, listenerEntry{id: id, listener: listener})
	return id
}

func (b *Bus) OnMany(listeners map[domain.EventName]ports.Listener) map[domain.EventName]ports.ListenerID {
	ids := make(map[domain.EventName]ports.ListenerID, len(listeners))
	for event, listener := range listeners {
		if id := b.On(event, listener); id != "" {
			ids[event] = id
		}
	}
	return ids
}

func (b *Bus) Off(event domain.EventName, id ports.ListenerID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, ok := b.listeners[event]
	if !ok {
		b.logger.Warnw("attempted to remove listener from unregistered event", "event", event)
		return
	}
	for i, entry := range entries {
		if entry.id == id {
			kept := make([]listenerEntry, 0, len(entries)-1)
			kept = append(kept, entries[:i]...)
			b.listeners[event] = append(kept, entries[i+1:]...)
			return
		}
	}
}

// OffAll removes every listener. Registrations are kept.
func (b *Bus) OffAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for event := range b.listeners {
		b.listeners[event] = nil
	}
}

// TriggerEvent calls every listener of event with data. An event seen for the
// first time is registered and nothing is called.
func (b *Bus) TriggerEvent(event domain.EventName, data interface{}) {
	b.mu.RLock()
	entries, ok := b.listeners[event]
	b.mu.RUnlock()

	if !ok {
		if b.strict {
			b.logger.Warnw("dropped unregistered event", "event", event, "error", domain.ErrUnregisteredEvent)
			return
		}
		b.RegisterEvents(event)
		b.logger.Infow("event has been registered as a new event", "event", event)
		return
	}

	for _, entry := range entries {
		b.dispatch(entry, event, data)
	}
}

func (b *Bus) dispatch(entry listenerEntry, event domain.EventName, data interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorw("event listener panicked",
				"event", event,
				"listener_id", entry.id,
				"error", fmt.Sprint(r),
			)
		}
	}()
	entry.listener(data, event)
}
