package pubsub

import (
	"log"
	"sync"
	"sync/atomic"
)

// EventType identifies a family of events. Packages declare their own constants of this type.
type EventType int

// SubscriptionOptions configures how the broker delivers to one subscriber.
type SubscriptionOptions struct {
	// IsBlocking makes the broker wait until the subscriber's channel accepts the event. A slow blocking subscriber
	// stalls delivery for everyone, so most subscribers should leave this false and accept drops.
	IsBlocking bool
}

// SubscriberID is returned by Subscribe and required by Unsubscribe.
type SubscriberID uint64

var nextSubscriberID uint64

// Event is a typed event. Event[A] and Event[B] are distinct types, so a subscriber always receives the payload type
// it asked for.
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

// subscriber erases the type of a subscription channel. The registry must hold channels of many Event[T] types in one
// map, so it stores closures over the typed channel instead of the channel itself.
type subscriber struct {
	deliver    func(eventType EventType, payload any) bool
	close      func()
	opts       SubscriptionOptions
	numDropped atomic.Uint64
}

type envelope struct {
	eventType EventType
	payload   any
}

// PubSubClient is a thread-safe broker. Publish enqueues onto a buffered channel and a single goroutine fans events
// out to subscribers. A publisher only waits when the queue is full.
type PubSubClient struct {
	mu sync.RWMutex
	wg sync.WaitGroup
	// Publishers that passed the shutdown check and may still be sending. The queue is closed only after they finish.
	publishers sync.WaitGroup

	registry map[EventType]map[SubscriberID]*subscriber
	queue    chan envelope

	shuttingDown atomic.Bool
}

// Subscribe registers ch for events of eventType. The caller owns the buffer size of ch; the broker closes ch on
// Unsubscribe.
//
// Subscribe is a free function because Go methods cannot declare type parameters.
func Subscribe[T any](p *PubSubClient, eventType EventType, ch chan *Event[T], opts SubscriptionOptions) SubscriberID {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := SubscriberID(atomic.AddUint64(&nextSubscriberID, 1))
	sub := &subscriber{
		opts: opts,
		deliver: func(evType EventType, payload any) bool {
			typed, ok := payload.(T)
			if !ok {
				log.Printf("[PubSubClient] Warning: type mismatch for event %v. Expected %T, got %T", evType, *new(T), payload)
				return false
			}
			event := &Event[T]{Type: evType, Payload: typed}
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
		close: func() { close(ch) },
	}

	if _, ok := p.registry[eventType]; !ok {
		p.registry[eventType] = make(map[SubscriberID]*subscriber)
	}
	p.registry[eventType][id] = sub
	return id
}

// Unsubscribe removes the subscription and closes its channel. Unknown ids are ignored.
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
	sub.close()
	if len(subscribers) == 0 {
		delete(p.registry, eventType)
	}
}

// Publish enqueues event for delivery. Events published after shutdown began are dropped.
func Publish[T any](p *PubSubClient, event *Event[T]) {
	p.mu.RLock()
	if p.shuttingDown.Load() {
		p.mu.RUnlock()
		log.Printf("[PubSubClient] Warning: dropping event %v, broker is shutting down", event.Type)
		return
	}
	p.publishers.Add(1)
	p.mu.RUnlock()
	defer p.publishers.Done()

	// Send without the lock: on a full queue run() needs the read lock to drain it, and a waiting shutdown would
	// starve it.
	p.queue <- envelope{eventType: event.Type, payload: event.Payload}
}

// Dropped reports how many events were dropped for a non-blocking subscriber whose channel was full.
func (p *PubSubClient) Dropped(eventType EventType, id SubscriberID) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if sub, ok := p.registry[eventType][id]; ok {
		return sub.numDropped.Load()
	}
	return 0
}

// ForceShutdown stops accepting events and returns without waiting for the queue to drain.
func (p *PubSubClient) ForceShutdown() {
	p.stopAccepting()
}

// GracefulShutdown stops accepting events and blocks until every queued event has been delivered.
func (p *PubSubClient) GracefulShutdown() {
	p.stopAccepting()
	p.wg.Wait()
}

// stopAccepting raises the shutdown flag and closes the queue once the publishers already past the flag are done.
func (p *PubSubClient) stopAccepting() {
	p.mu.Lock()
	first := !p.shuttingDown.Swap(true)
	// Unlock before waiting: run() takes the read lock for every event it delivers.
	p.mu.Unlock()
	if !first {
		return
	}
	p.publishers.Wait()
	close(p.queue)
}

func (p *PubSubClient) run() {
	defer p.wg.Done()

	for msg := range p.queue {
		p.mu.RLock()
		for id, sub := range p.registry[msg.eventType] {
			if sub.deliver(msg.eventType, msg.payload) || sub.opts.IsBlocking {
				continue
			}
			dropped := sub.numDropped.Add(1)
			log.Printf("[PubSubClient] Dropped event %v for subscriber %d (channel full). Total dropped: %d",
				msg.eventType, id, dropped)
		}
		p.mu.RUnlock()
	}
}

func NewPubSub() *PubSubClient {
	p := &PubSubClient{
		registry: make(map[EventType]map[SubscriberID]*subscriber),
		queue:    make(chan envelope, 100),
	}
	p.wg.Add(1)
	go p.run()
	return p
}
