package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Broker carries deliveries between processes. Every process subscribes and
// hands what it receives to its local Hub.
type Broker interface {
	Publish(ctx context.Context, d Delivery) error
	Subscribe(ctx context.Context, handle func(Delivery)) error
	Close() error
}

// LocalBroker delivers in-process only. Used when no Redis is configured.
type LocalBroker struct {
	mu     sync.RWMutex
	handle func(Delivery)
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{}
}

func (b *LocalBroker) Publish(_ context.Context, d Delivery) error {
	b.mu.RLock()
	handle := b.handle
	b.mu.RUnlock()
	if handle != nil {
		handle(d)
	}
	return nil
}

func (b *LocalBroker) Subscribe(_ context.Context, handle func(Delivery)) error {
	b.mu.Lock()
	b.handle = handle
	b.mu.Unlock()
	return nil
}

func (b *LocalBroker) Close() error { return nil }

const defaultBrokerChannel = "threadline:events"

// RedisBroker fans deliveries out over a Redis pub/sub channel so that
// connections held by other processes receive them too.
type RedisBroker struct {
	client  *redis.Client
	channel string
	log     zerolog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

func NewRedisBroker(client *redis.Client, log zerolog.Logger) *RedisBroker {
	return &RedisBroker{
		client:  client,
		channel: defaultBrokerChannel,
		log:     log,
	}
}

func (b *RedisBroker) Publish(ctx context.Context, d Delivery) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish delivery: %w", err)
	}
	return nil
}

// Subscribe blocks until the subscription is confirmed, then consumes in the
// background until ctx is cancelled or Close is called.
func (b *RedisBroker) Subscribe(ctx context.Context, handle func(Delivery)) error {
	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	b.mu.Lock()
	b.pubsub = ps
	b.mu.Unlock()

	go func() {
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = ps.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var d Delivery
				if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
					b.log.Warn().Err(err).Msg("discarding malformed delivery")
					continue
				}
				handle(d)
			}
		}
	}()
	return nil
}

func (b *RedisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub == nil {
		return nil
	}
	err := b.pubsub.Close()
	b.pubsub = nil
	return err
}
