package pubsub

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// EventType is the type of event subscribers are listening for.
type EventType int

// SubscriptionOptions configures the behavior of a subscription.
type SubscriptionOptions struct {
	// If true, the broker blocks until the subscriber's channel accepts the event. Delivery is guaranteed, but a slow
	// subscriber stalls every other subscriber of the bus, and the publishers once the buffer of the bus is full.
	// A blocking subscriber must keep reading its channel until Unsubscribe returns, or the two can deadlock on the
	// lock of the registry. Leave it false unless losing an event is worse than stalling the bus.
	IsBlocking bool
}

// SubscriberID identifies a single subscription. It is required to unsubscribe.
type SubscriberID uint64

var nextSubscriberID uint64

// Event is a typed event. Each instantiation is a distinct type, Event[string] != Event[int].
type Event[T any] struct {
	Type    EventType
	Payload T
}

func NewEvent[T any](eventType EventType, payload T) *Event[T] {
	return &Event[T]{
		Type:    eventType,
		Payload: payload,
	}
}

// subscriber is the type-erased form of a typed channel.
//
// Every Event[T] instantiation is a distinct type, so chan *Event[RoleEvent] and chan *Event[CommitEvent] cannot be
// values of the same map. The registry stores functions instead: their signature is the same for every T, and each
// pair of closures captures its own typed channel. The type is erased in the map and kept in the closures.
//
// Subscribers still receive an Event[T], and the assertion from any back to T is written once, in Subscribe, instead
// of at every receiving site.
type subscriber struct {
	// sendFunc asserts the payload to T, wraps it in an Event[T] and sends it on the captured channel. It reports
	// false if the payload has another type, or if the channel is full and the subscription is not blocking.
	sendFunc func(eventType EventType, payload any) bool
	// closeFunc closes the captured channel on Unsubscribe
	closeFunc func()

	Options    SubscriptionOptions
	NumDropped uint64 // atomically updated
}

type publication struct {
	eventType EventType
	payload   any
}

// PubSubClient is a thread-safe event bus. Events are fanned out by a single goroutine in publish order.
type PubSubClient struct {
	mu sync.RWMutex
	wg sync.WaitGroup

	registry map[EventType]map[SubscriberID]*subscriber

	// publishChan queues events for run. It is buffered so that Publish returns while run is still fanning out the
	// previous event, and so that the events in flight can be drained by GracefulShutdown.
	publishChan chan publication

	shuttingDown atomic.Bool
	logger       *zap.Logger
}

// Subscribe registers ch for events of eventType and returns the id needed to unsubscribe. The caller creates ch and
// picks its buffer size, the bus closes ch on Unsubscribe.
//
// Subscribe and Publish are free functions: a method cannot declare its own type parameters and PubSubClient is not
// generic, so the client is their first argument, as in slices.Sort.
func Subscribe[T any](p *PubSubClient, eventType EventType, ch chan *Event[T], opts SubscriptionOptions) SubscriberID {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := SubscriberID(atomic.AddUint64(&nextSubscriberID, 1))

	sub := &subscriber{
		Options: opts,
		sendFunc: func(evType EventType, payload any) bool {
			typedPayload, ok := payload.(T)
			if !ok {
				p.logger.Warn("Event payload type mismatch",
					zap.Int("event_type", int(evType)),
					zap.String("expected", typeName[T]()),
				)
				return false
			}

			event := &Event[T]{Type: evType, Payload: typedPayload}
			// A blocking send stalls run until the subscriber reads, a non-blocking one drops the event instead
			if opts.IsBlocking {
				ch <- event
				return true
			}
			select {
			case ch <- event:
				return true
			default:
				return false
			}
		},
		closeFunc: func() {
			close(ch)
		},
	}

	if _, ok := p.registry[eventType]; !ok {
		p.registry[eventType] = make(map[SubscriberID]*subscriber)
	}
	p.registry[eventType][id] = sub
	return id
}

// Unsubscribe removes a subscriber and closes its channel.
func (p *PubSubClient) Unsubscribe(eventType EventType, id SubscriberID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subscribers, ok := p.registry[eventType]
	if !ok {
		return
	}
	sub, ok := subscribers[id]
	if !ok {
		return
	}

	delete(subscribers, id)
	sub.closeFunc()
	if len(subscribers) == 0 {
		delete(p.registry, eventType)
	}
	p.logger.Debug("Unsubscribed", zap.Uint64("subscriber", uint64(id)), zap.Int("event_type", int(eventType)))
}

// Publish broadcasts an event. Events published after shutdown has begun are dropped. Publish must not be called
// while holding a lock that a blocking subscriber needs to make progress.
func Publish[T any](p *PubSubClient, event *Event[T]) {
	// Without the read lock a shutdown could close publishChan between the check of shuttingDown and the send, and
	// the send would panic. Closing the channel needs the write lock, which cannot be taken while this is held.
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.shuttingDown.Load() {
		p.logger.Debug("Dropping event published during shutdown", zap.Int("event_type", int(event.Type)))
		return
	}

	p.publishChan <- publication{eventType: event.Type, payload: event.Payload}
}

// ForceShutdown stops accepting events and returns without waiting for the buffer to drain.
func (p *PubSubClient) ForceShutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shuttingDown.Load() {
		return
	}
	p.shuttingDown.Store(true)
	close(p.publishChan)
}

// GracefulShutdown stops accepting events and waits until the buffered ones are delivered.
func (p *PubSubClient) GracefulShutdown() {
	p.mu.Lock()
	if p.shuttingDown.Load() {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}

	p.shuttingDown.Store(true)
	close(p.publishChan)
	// Unlock before waiting, run() takes the read lock for every event
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Debug("Event bus drained")
}

// run fans out events to subscribers until publishChan is closed.
func (p *PubSubClient) run() {
	defer p.wg.Done()

	// Ranging over publishChan delivers what is still buffered after it was closed, then returns
	for msg := range p.publishChan {
		p.mu.RLock()
		for id, sub := range p.registry[msg.eventType] {
			if sent := sub.sendFunc(msg.eventType, msg.payload); !sent && !sub.Options.IsBlocking {
				dropped := atomic.AddUint64(&sub.NumDropped, 1)
				p.logger.Debug("Dropped event for slow subscriber",
					zap.Int("event_type", int(msg.eventType)),
					zap.Uint64("subscriber", uint64(id)),
					zap.Uint64("total_dropped", dropped),
				)
			}
		}
		p.mu.RUnlock()
	}
}

// NewPubSub starts an event bus. A nil logger disables logging.
func NewPubSub(logger *zap.Logger) *PubSubClient {
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &PubSubClient{
		registry:    make(map[EventType]map[SubscriberID]*subscriber),
		publishChan: make(chan publication, 100),
		logger:      logger,
	}

	p.wg.Add(1)
	go p.run()

	return p
}

func typeName[T any]() string {
	return fmt.Sprintf("%T", *new(T))
}
