package api

import (
	"os"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"

	"courierdispatch/internal/model"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("Z/D1")

	evt := model.DispatchEvent{ID: "e1", Type: model.EventQueueCommitted, ZoneID: "Z", DriverID: "D1", Version: 3}
	b.Publish("Z/D1", evt)
	b.Publish("Z/D2", model.DispatchEvent{ID: "other"})

	select {
	case got := <-ch:
		if got.ID != "e1" || got.Version != 3 {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}

	b.Unsubscribe("Z/D1", ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	// a second unsubscribe must not panic on the closed channel
	b.Unsubscribe("Z/D1", ch)
}

func TestNotifierPublishesZoneAndDriverTopics(t *testing.T) {
	b := NewBroker()
	zone := b.Subscribe(zoneTopic("Z"))
	driver := b.Subscribe(driverTopic("Z", "D1"))
	n := NewNotifier(b)

	n.Notify(model.DispatchEvent{ID: "a", Type: model.EventPickupAdmitted, ZoneID: "Z"})
	n.Notify(model.DispatchEvent{ID: "b", Type: model.EventStopClaimed, ZoneID: "Z", DriverID: "D1"})

	if got := (<-zone).ID; got != "a" {
		t.Fatalf("zone first = %s", got)
	}
	if got := (<-zone).ID; got != "b" {
		t.Fatalf("zone second = %s", got)
	}
	select {
	case got := <-driver:
		if got.ID != "b" {
			t.Fatalf("driver got %s", got.ID)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("driver topic missed its event")
	}
	select {
	case got := <-driver:
		t.Fatalf("driver topic received zone-only event %s", got.ID)
	default:
	}
}

func TestRedisBrokerRoundTrip(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set; skipping redis test")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatal(err)
	}
	rdb := redis.NewClient(opt)
	defer func() { _ = rdb.Close() }()
	b := NewRedisBroker(rdb)

	topic := "test/" + time.Now().Format("150405.000000")
	ch := b.Subscribe(topic)
	b.Publish(topic, model.DispatchEvent{ID: "r1", Type: model.EventStopCompleted, ZoneID: "Z"})
	select {
	case got := <-ch:
		if got.ID != "r1" || got.Type != model.EventStopCompleted {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for redis event")
	}
	b.Unsubscribe(topic, ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
}
