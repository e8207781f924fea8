package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"
	"callcore/pkg/circuitbreaker"
	"callcore/pkg/retry"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Envelope is the JSON document published for every relayed event.
type Envelope struct {
	Type       domain.EventName `json:"type"`
	InstanceID string           `json:"instance_id"`
	Timestamp  time.Time        `json:"timestamp"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
}

// DefaultRelayEvents are mirrored when the configuration names none.
var DefaultRelayEvents = []domain.EventName{
	domain.EventConnected,
	domain.EventStartCall,
	domain.EventEndCall,
	domain.EventStreamCreated,
	domain.EventStreamDestroyed,
	domain.EventConnectionCreated,
	domain.EventConnectionDestroyed,
	domain.EventSubscribeToCamera,
	domain.EventUnsubscribeFromCamera,
	domain.EventSubscribeToScreen,
	domain.EventUnsubscribeFromScreen,
	domain.EventSubscribeToSip,
	domain.EventUnsubscribeFromSip,
	domain.EventStartScreenShare,
	domain.EventEndScreenShare,
	domain.EventSessionDisconnected,
}

// Publisher is the part of a Redis client the relay publishes through.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type RelayConfig struct {
	Channel        string
	InstanceID     string
	QueueSize      int
	Timeout        time.Duration // per publish attempt
	Events         []domain.EventName
	Retry          retry.Config
	CircuitBreaker circuitbreaker.Config
}

type RelayStats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

// EventRelay mirrors bus events onto a Redis channel. Listeners only encode
// and enqueue; a single worker publishes.
type EventRelay struct {
	client  Publisher
	cfg     RelayConfig
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
	now     func() time.Time

	queue chan Envelope
	stop  chan struct{}
	wg    sync.WaitGroup

	mu        sync.Mutex
	started   bool
	closed    bool
	listeners map[domain.EventName]ports.ListenerID
	bus       ports.EventBus

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

func NewEventRelay(client Publisher, cfg RelayConfig, logger *zap.SugaredLogger) *EventRelay {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.Channel == "" {
		cfg.Channel = "callcore:events"
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if len(cfg.Events) == 0 {
		cfg.Events = DefaultRelayEvents
	}
	cfg.Retry.Permanent = append(cfg.Retry.Permanent, circuitbreaker.ErrOpen)

	relay := &EventRelay{
		client:  client,
		cfg:     cfg,
		breaker: circuitbreaker.New(cfg.CircuitBreaker),
		logger:  logger.With("component", "event_relay", "channel", cfg.Channel),
		now:     time.Now,
		queue:   make(chan Envelope, cfg.QueueSize),
		stop:    make(chan struct{}),
	}
	relay.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		relay.logger.Warnw("redis publish circuit changed state", "from", from.String(), "to", to.String())
	})
	return relay
}

func (r *EventRelay) InstanceID() string {
	return r.cfg.InstanceID
}

// Attach listens on bus for the configured events. Names the bus does not
// know are registered first.
func (r *EventRelay) Attach(bus ports.EventBus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.bus = bus
	r.listeners = make(map[domain.EventName]ports.ListenerID, len(r.cfg.Events))
	for _, name := range r.cfg.Events {
		if !bus.IsRegistered(name) {
			bus.RegisterEvents(name)
		}
		r.listeners[name] = bus.On(name, r.onEvent)
	}
}

func (r *EventRelay) onEvent(data interface{}, event domain.EventName) {
	payload, err := json.Marshal(data)
	if err != nil {
		r.failed.Add(1)
		r.logger.Warnw("failed to encode event", "type", event, "error", err)
		return
	}
	r.Enqueue(Envelope{
		Type:       event,
		InstanceID: r.cfg.InstanceID,
		Timestamp:  r.now().UTC(),
		Payload:    payload,
	})
}

// Enqueue hands env to the worker. It never blocks; a full queue drops env.
func (r *EventRelay) Enqueue(env Envelope) bool {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		r.dropped.Add(1)
		return false
	}

	select {
	case r.queue <- env:
		return true
	default:
		r.dropped.Add(1)
		r.logger.Warnw("relay queue full, dropping event", "type", env.Type)
		return false
	}
}

// Start launches the publishing worker.
func (r *EventRelay) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true

	r.wg.Add(1)
	go r.run(ctx)
}

func (r *EventRelay) run(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			r.drain(ctx)
			return
		case env := <-r.queue:
			r.publish(ctx, env)
		}
	}
}

func (r *EventRelay) drain(ctx context.Context) {
	for {
		select {
		case env := <-r.queue:
			r.publish(ctx, env)
		default:
			return
		}
	}
}

func (r *EventRelay) publish(ctx context.Context, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		r.failed.Add(1)
		r.logger.Warnw("failed to encode envelope", "type", env.Type, "error", err)
		return
	}

	err = retry.Retry(ctx, r.cfg.Retry, func() error {
		return r.breaker.Execute(ctx, func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
			defer cancel()
			return r.client.Publish(attemptCtx, r.cfg.Channel, data).Err()
		})
	})
	if err != nil {
		r.failed.Add(1)
		r.logger.Warnw("failed to relay event", "type", env.Type, "error", err)
		return
	}
	r.published.Add(1)
	r.logger.Debugw("relayed event", "type", env.Type)
}

// Close detaches from the bus, publishes what is queued and stops the worker.
func (r *EventRelay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.bus != nil {
		for name, id := range r.listeners {
			r.bus.Off(name, id)
		}
		r.listeners = nil
	}
	started := r.started
	r.mu.Unlock()

	close(r.stop)
	if started {
		r.wg.Wait()
	}
}

func (r *EventRelay) Stats() RelayStats {
	return RelayStats{
		Published: r.published.Load(),
		Dropped:   r.dropped.Load(),
		Failed:    r.failed.Load(),
	}
}

// DecodeEnvelope parses a message read from the relay channel.
func DecodeEnvelope(payload string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.Type == "" || env.InstanceID == "" {
		return Envelope{}, fmt.Errorf("envelope is missing type or instance_id")
	}
	return env, nil
}

// Listen delivers envelopes published by other instances to handler until
// ctx is done.
func (r *EventRelay) Listen(ctx context.Context, client redis.UniversalClient, handler func(Envelope)) error {
	pubsub := client.Subscribe(ctx, r.cfg.Channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.cfg.Channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver(msg.Payload, handler)
		}
	}
}

func (r *EventRelay) deliver(payload string, handler func(Envelope)) {
	env, err := DecodeEnvelope(payload)
	if err != nil {
		r.logger.Warnw("ignoring relay message", "error", err)
		return
	}
	if env.InstanceID == r.cfg.InstanceID {
		return
	}
	handler(env)
}
