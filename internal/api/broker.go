package api

import (
	"sync"

	"courierdispatch/internal/dispatch"
	"courierdispatch/internal/model"
)

// EventBroker fans dispatch events out to stream subscribers. Topics are a
// zone id or "zone/driver".
type EventBroker interface {
	Subscribe(topic string) chan model.DispatchEvent
	Unsubscribe(topic string, ch chan model.DispatchEvent)
	Publish(topic string, evt model.DispatchEvent)
}

func zoneTopic(zoneID string) string             { return zoneID }
func driverTopic(zoneID, driverID string) string { return zoneID + "/" + driverID }

// Broker is the in-process EventBroker. Slow subscribers drop events.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan model.DispatchEvent]struct{} // topic -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan model.DispatchEvent]struct{}{}}
}

func (b *Broker) Subscribe(topic string) chan model.DispatchEvent {
	ch := make(chan model.DispatchEvent, 16)
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = map[chan model.DispatchEvent]struct{}{}
	}
	b.subs[topic][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(topic string, ch chan model.DispatchEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[topic]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, topic)
	}
	close(ch)
}

func (b *Broker) Publish(topic string, evt model.DispatchEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[topic] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// NewNotifier publishes every committed event on its zone topic and, for
// driver events, on the driver topic.
func NewNotifier(b EventBroker) dispatch.Notifier {
	return dispatch.NotifierFunc(func(e model.DispatchEvent) {
		b.Publish(zoneTopic(e.ZoneID), e)
		if e.DriverID != "" {
			b.Publish(driverTopic(e.ZoneID, e.DriverID), e)
		}
	})
}
