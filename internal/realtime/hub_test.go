package realtime

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func attachTestClient(t *testing.T, hub *Hub, userID string) *Client {
	t.Helper()
	c := NewClient(nil, userID, nil, zerolog.Nop())
	hub.Attach(c)
	return c
}

func drain(c *Client) []Frame {
	var frames []Frame
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				return frames
			}
			var f Frame
			if err := json.Unmarshal(raw, &f); err == nil {
				frames = append(frames, f)
			}
		default:
			return frames
		}
	}
}

func TestHubDeliverFansOutToChannelSubscribers(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	alice := attachTestClient(t, hub, "alice")
	bob := attachTestClient(t, hub, "bob")
	carol := attachTestClient(t, hub, "carol")

	hub.Join(alice, ThreadChannel("t1"))
	hub.Join(bob, ThreadChannel("t1"))
	hub.Join(carol, ThreadChannel("t2"))

	hub.Deliver(Delivery{Channel: ThreadChannel("t1"), Event: EventNewMessage, Data: json.RawMessage(`{"id":"m1"}`)})

	if got := drain(alice); len(got) != 1 || got[0].Event != EventNewMessage {
		t.Fatalf("alice frames = %+v", got)
	}
	if got := drain(bob); len(got) != 1 {
		t.Fatalf("bob frames = %+v", got)
	}
	if got := drain(carol); len(got) != 0 {
		t.Fatalf("carol should not receive t1 traffic, got %+v", got)
	}
}

func TestHubDeliverSkipsExceptUserOnAllTheirConnections(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	phone := attachTestClient(t, hub, "alice")
	laptop := attachTestClient(t, hub, "alice")
	bob := attachTestClient(t, hub, "bob")
	for _, c := range []*Client{phone, laptop, bob} {
		hub.Join(c, ThreadChannel("t1"))
	}

	hub.Deliver(Delivery{Channel: ThreadChannel("t1"), Event: EventUserTyping, Data: json.RawMessage(`{}`), ExceptUser: "alice"})

	if len(drain(phone)) != 0 || len(drain(laptop)) != 0 {
		t.Fatal("typing indicator echoed back to its sender")
	}
	if len(drain(bob)) != 1 {
		t.Fatal("bob missed typing indicator")
	}
}

func TestHubEvictUnsubscribesOnlyThatUser(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	alice := attachTestClient(t, hub, "alice")
	bob := attachTestClient(t, hub, "bob")
	hub.Join(alice, ThreadChannel("t1"))
	hub.Join(bob, ThreadChannel("t1"))
	hub.Join(bob, UserChannel("bob"))

	hub.Deliver(Delivery{Channel: ThreadChannel("t1"), Evict: "bob"})

	if hub.Subscribed(bob, ThreadChannel("t1")) {
		t.Fatal("bob still subscribed to t1 after eviction")
	}
	if !hub.Subscribed(bob, UserChannel("bob")) {
		t.Fatal("eviction should not touch the user channel")
	}
	if !hub.Subscribed(alice, ThreadChannel("t1")) {
		t.Fatal("alice lost her subscription")
	}
}

func TestHubDropsSlowConnection(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	slow := attachTestClient(t, hub, "slow")
	hub.Join(slow, UserChannel("slow"))

	for i := 0; i < sendBufferSize+1; i++ {
		hub.Deliver(Delivery{Channel: UserChannel("slow"), Event: EventUserOnline, Data: json.RawMessage(`{}`)})
	}

	if hub.ConnectionCount() != 0 {
		t.Fatalf("expected slow connection to be detached, have %d", hub.ConnectionCount())
	}
	if slow.Emit(EventUserOnline, map[string]string{}) {
		t.Fatal("emit to a detached client should report a drop")
	}
}

func TestHubDetachIsIdempotent(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := attachTestClient(t, hub, "alice")
	hub.Join(c, ThreadChannel("t1"))

	hub.Detach(c)
	hub.Detach(c)

	if hub.ConnectionCount() != 0 {
		t.Fatalf("connection count = %d", hub.ConnectionCount())
	}
	if hub.Subscribed(c, ThreadChannel("t1")) {
		t.Fatal("detached client still subscribed")
	}
	hub.Join(c, ThreadChannel("t2"))
	if hub.Subscribed(c, ThreadChannel("t2")) {
		t.Fatal("join after detach should be ignored")
	}
}

func TestClientEmitGoesOnlyToThatConnection(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	a := attachTestClient(t, hub, "alice")
	b := attachTestClient(t, hub, "alice")

	if !a.Emit(EventThreadError, map[string]string{"error": "nope"}) {
		t.Fatal("emit failed")
	}
	if len(drain(a)) != 1 || len(drain(b)) != 0 {
		t.Fatal("emit leaked to a sibling connection")
	}
}
