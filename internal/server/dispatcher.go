package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/cardbot/internal/engine"
)

// TopicAll receives every published event.
const TopicAll = "all"

const defaultStreamBuffer = 32

// EventDispatcher fans engine events out to stream subscribers by topic. Slow
// subscribers drop events rather than block publishers.
type EventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*eventSubscriber
	nextID      int64
	bufferSize  int
}

type eventSubscriber struct {
	id     int64
	stream chan engine.Event
}

// NewEventDispatcher builds an empty dispatcher.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		subscribers: make(map[string]map[int64]*eventSubscriber),
		bufferSize:  defaultStreamBuffer,
	}
}

// Subscribe registers a stream for topic until ctx ends or cleanup runs.
func (d *EventDispatcher) Subscribe(ctx context.Context, topic string) (<-chan engine.Event, func()) {
	if topic == "" {
		ch := make(chan engine.Event)
		close(ch)
		return ch, func() {}
	}
	subscriber := &eventSubscriber{stream: make(chan engine.Event, d.bufferSize)}
	d.register(topic, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregister(topic, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the event to its chat and user topics and to TopicAll.
func (d *EventDispatcher) Publish(event engine.Event) {
	if event.Type == "" {
		return
	}
	topics := append(event.Topics(), TopicAll)
	d.mu.RLock()
	targets := make([]*eventSubscriber, 0)
	for _, topic := range topics {
		for _, subscriber := range d.subscribers[topic] {
			targets = append(targets, subscriber)
		}
	}
	d.mu.RUnlock()
	for _, subscriber := range targets {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports how many streams are registered for topic.
func (d *EventDispatcher) SubscriberCount(topic string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[topic])
}

func (d *EventDispatcher) register(topic string, subscriber *eventSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	subscriber.id = d.nextID
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]*eventSubscriber)
	}
	d.subscribers[topic][subscriber.id] = subscriber
}

func (d *EventDispatcher) unregister(topic string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[topic]
	if subscribers == nil {
		return
	}
	delete(subscribers, subscriberID)
	if len(subscribers) == 0 {
		delete(d.subscribers, topic)
	}
}
