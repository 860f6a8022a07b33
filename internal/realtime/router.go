package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"threadline/api/internal/metrics"
)

// Router addresses events to thread and user channels. Deliveries go through
// the Broker so that every process, including this one, fans them out.
type Router struct {
	broker Broker
	log    zerolog.Logger
}

func NewRouter(broker Broker, log zerolog.Logger) *Router {
	return &Router{broker: broker, log: log}
}

// Start wires broker traffic into the hub.
func (r *Router) Start(ctx context.Context, hub *Hub) error {
	return r.broker.Subscribe(ctx, hub.Deliver)
}

// PublishToThread sends to every subscriber of the thread channel, skipping
// connections of exceptUserID when it is set.
func (r *Router) PublishToThread(ctx context.Context, threadID, event string, data any, exceptUserID string) error {
	return r.publish(ctx, ThreadChannel(threadID), event, data, exceptUserID)
}

func (r *Router) PublishToUsers(ctx context.Context, userIDs []string, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	seen := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		if err := r.send(ctx, Delivery{Channel: UserChannel(id), Event: event, Data: raw}); err != nil {
			return err
		}
	}
	return nil
}

// EvictFromThread removes a user's connections from the thread channel on
// every process.
func (r *Router) EvictFromThread(ctx context.Context, threadID, userID string) error {
	return r.send(ctx, Delivery{Channel: ThreadChannel(threadID), Evict: userID})
}

func (r *Router) publish(ctx context.Context, channel, event string, data any, except string) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	return r.send(ctx, Delivery{Channel: channel, Event: event, Data: raw, ExceptUser: except})
}

func (r *Router) send(ctx context.Context, d Delivery) error {
	if err := r.broker.Publish(ctx, d); err != nil {
		r.log.Error().Err(err).Str("channel", d.Channel).Str("event", d.Event).Msg("publish event")
		return err
	}
	if d.Event != "" {
		metrics.EventsPublished.WithLabelValues(d.Event).Inc()
	}
	return nil
}
