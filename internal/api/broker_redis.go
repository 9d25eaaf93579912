package api

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"courierdispatch/internal/model"
)

// RedisBroker implements EventBroker over Redis Pub/Sub so every API
// replica streams events committed by any other.
type RedisBroker struct {
	rdb *redis.Client

	mu   sync.Mutex
	subs map[chan model.DispatchEvent]*redis.PubSub
}

func NewRedisBroker(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb, subs: map[chan model.DispatchEvent]*redis.PubSub{}}
}

func (b *RedisBroker) Subscribe(topic string) chan model.DispatchEvent {
	ch := make(chan model.DispatchEvent, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.chanName(topic))
	// wait for the subscription to be confirmed
	if _, err := ps.Receive(ctx); err != nil {
		log.Printf("broker: redis subscribe topic=%s err=%v", topic, err)
	}
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()
	go func() {
		for msg := range ps.Channel() {
			var evt model.DispatchEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				continue
			}
			b.mu.Lock()
			if _, ok := b.subs[ch]; ok {
				select {
				case ch <- evt:
				default:
				}
			}
			b.mu.Unlock()
		}
	}()
	return ch
}

func (b *RedisBroker) Unsubscribe(topic string, ch chan model.DispatchEvent) {
	b.mu.Lock()
	ps, ok := b.subs[ch]
	delete(b.subs, ch)
	if ok {
		close(ch)
	}
	b.mu.Unlock()
	if ok {
		_ = ps.Close()
	}
}

func (b *RedisBroker) Publish(topic string, evt model.DispatchEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := b.rdb.Publish(ctx, b.chanName(topic), data).Err(); err != nil {
		log.Printf("broker: redis publish topic=%s err=%v", topic, err)
	}
}

func (b *RedisBroker) chanName(topic string) string { return "dispatch:events:" + topic }
