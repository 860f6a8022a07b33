package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRegistry keeps one connection-id set per user so that several API
// processes share the count. Membership change and cardinality are read in a
// single MULTI.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// OpenRedis parses url and verifies the server answers.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func NewRedisRegistry(ctx context.Context, url string) (*RedisRegistry, error) {
	client, err := OpenRedis(ctx, url)
	if err != nil {
		return nil, err
	}
	return NewRedisRegistryWithClient(client), nil
}

func NewRedisRegistryWithClient(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{
		client: client,
		prefix: "presence:",
		now:    time.Now,
	}
}

func (r *RedisRegistry) connKey(userID string) string {
	return r.prefix + "conns:" + userID
}

func (r *RedisRegistry) lastSeenKey(userID string) string {
	return r.prefix + "last_seen:" + userID
}

func (r *RedisRegistry) Register(ctx context.Context, userID, connID string) (bool, error) {
	key := r.connKey(userID)
	pipe := r.client.TxPipeline()
	added := pipe.SAdd(ctx, key, connID)
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("register connection: %w", err)
	}
	return added.Val() == 1 && card.Val() == 1, nil
}

// TODO: connection ids of a crashed process stay in the set until the user
// reconnects and disconnects; sweep them with a per-process heartbeat key.
func (r *RedisRegistry) Unregister(ctx context.Context, userID, connID string) (bool, time.Time, error) {
	key := r.connKey(userID)
	pipe := r.client.TxPipeline()
	removed := pipe.SRem(ctx, key, connID)
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, time.Time{}, fmt.Errorf("unregister connection: %w", err)
	}
	if removed.Val() == 0 || card.Val() > 0 {
		return false, time.Time{}, nil
	}

	seen := r.now().UTC()
	if err := r.client.Set(ctx, r.lastSeenKey(userID), seen.UnixMilli(), 0).Err(); err != nil {
		return true, seen, fmt.Errorf("save last seen: %w", err)
	}
	return true, seen, nil
}

func (r *RedisRegistry) Status(ctx context.Context, userID string) (Status, error) {
	pipe := r.client.Pipeline()
	card := pipe.SCard(ctx, r.connKey(userID))
	last := pipe.Get(ctx, r.lastSeenKey(userID))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Status{}, fmt.Errorf("read presence: %w", err)
	}

	st := Status{UserID: userID, Connections: int(card.Val())}
	st.Online = st.Connections > 0
	if st.Online {
		return st, nil
	}
	if raw, err := last.Result(); err == nil {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			seen := time.UnixMilli(ms).UTC()
			st.LastSeen = &seen
		}
	}
	return st, nil
}

func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
