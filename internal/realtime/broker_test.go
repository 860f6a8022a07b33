package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestLocalBrokerDeliversSynchronously(t *testing.T) {
	b := NewLocalBroker()
	var got []Delivery
	if err := b.Subscribe(context.Background(), func(d Delivery) { got = append(got, d) }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := b.Publish(context.Background(), Delivery{Channel: "user:a", Event: EventUserOnline}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(got) != 1 || got[0].Channel != "user:a" {
		t.Fatalf("deliveries = %+v", got)
	}
}

func TestRedisBrokerRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewRedisBroker(client, zerolog.Nop())
	defer b.Close()

	received := make(chan Delivery, 1)
	if err := b.Subscribe(ctx, func(d Delivery) { received <- d }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	want := Delivery{Channel: ThreadChannel("t1"), Event: EventNewMessage, Data: json.RawMessage(`{"id":"m1"}`), ExceptUser: "alice"}
	if err := b.Publish(ctx, want); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-received:
		if got.Channel != want.Channel || got.Event != want.Event || got.ExceptUser != "alice" {
			t.Fatalf("got %+v", got)
		}
		if string(got.Data) != `{"id":"m1"}` {
			t.Fatalf("data = %s", got.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestRouterPublishesThroughBrokerToHub(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	router := NewRouter(NewLocalBroker(), zerolog.Nop())
	if err := router.Start(context.Background(), hub); err != nil {
		t.Fatalf("Start: %v", err)
	}

	alice := attachTestClient(t, hub, "alice")
	bob := attachTestClient(t, hub, "bob")
	hub.Join(alice, UserChannel("alice"))
	hub.Join(bob, UserChannel("bob"))
	hub.Join(bob, ThreadChannel("t1"))

	ctx := context.Background()
	if err := router.PublishToUsers(ctx, []string{"alice", "alice", "bob"}, EventUserOnline, map[string]string{"userId": "carol"}); err != nil {
		t.Fatalf("PublishToUsers: %v", err)
	}
	if n := len(drain(alice)); n != 1 {
		t.Fatalf("alice received %d frames, want 1", n)
	}
	if n := len(drain(bob)); n != 1 {
		t.Fatalf("bob received %d frames, want 1", n)
	}

	if err := router.EvictFromThread(ctx, "t1", "bob"); err != nil {
		t.Fatalf("EvictFromThread: %v", err)
	}
	if err := router.PublishToThread(ctx, "t1", EventNewMessage, map[string]string{"id": "m2"}, ""); err != nil {
		t.Fatalf("PublishToThread: %v", err)
	}
	if n := len(drain(bob)); n != 0 {
		t.Fatalf("evicted user received %d thread frames", n)
	}
}
