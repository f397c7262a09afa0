// Package pubsub fans raw space.Outbound frames out across cmd/spaced instances so a
// member connected to instance A still receives a frame delivered by a member connected to
// instance B. Grounded on the teacher's redis.go retry-with-backoff Publish idiom and
// Channel()-based Subscribe loop, narrowed from the chat application's presence/typing/
// connection-registry/session-cache surface (none of which the group-messaging core
// needs) down to one channel-per-group fan-out of opaque frame bytes.
package pubsub

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"encoding/hex"

	"github.com/jaydenbeard/spacecore/internal/identity"
	"github.com/redis/go-redis/v9"
)

// Hub receives frames fanned in from other instances for delivery to this instance's
// locally connected transport clients.
type Hub interface {
	DeliverFromPubsub(groupID identity.ID, frame []byte)
}

// RedisClient wraps the Redis connection used for cross-instance frame fan-out.
type RedisClient struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisClient creates a Redis client with optional password authentication and verifies
// connectivity before returning.
func NewRedisClient(addr string) (*RedisClient, error) {
	password := os.Getenv("REDIS_PASSWORD")

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisClient{client: client, ctx: ctx}, nil
}

// GetClient returns the underlying Redis client.
func (r *RedisClient) GetClient() *redis.Client {
	return r.client
}

// Close closes the Redis connection.
func (r *RedisClient) Close() error {
	return r.client.Close()
}

func groupChannel(groupID identity.ID) string {
	return "space:" + hex.EncodeToString(groupID[:])
}

// Publish fans frame out to every other cmd/spaced instance subscribed to groupID, retrying
// with exponential backoff since a dropped fan-out silently strands a remote member's
// delivery until their next reconnect.
func (r *RedisClient) Publish(groupID identity.ID, frame []byte) error {
	channel := groupChannel(groupID)

	maxRetries := 3
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := r.client.Publish(r.ctx, channel, frame).Err(); err != nil {
			lastErr = err
			if attempt == maxRetries {
				log.Printf("ERROR: failed to publish frame after %d attempts: %v", maxRetries, err)
				return fmt.Errorf("publish frame to %s: %w", channel, err)
			}
			log.Printf("WARN: failed to publish frame (attempt %d/%d): %v", attempt, maxRetries, err)
			time.Sleep(time.Duration(attempt*100) * time.Millisecond)
			continue
		}
		return nil
	}
	return lastErr
}

// Subscribe subscribes to every group channel (pattern "space:*") and forwards each
// received frame to hub. It blocks until ctx is done or the underlying subscription fails.
func (r *RedisClient) Subscribe(ctx context.Context, hub Hub) error {
	ps := r.client.PSubscribe(r.ctx, "space:*")
	defer func() {
		if err := ps.Close(); err != nil {
			log.Printf("Warning: failed to close pubsub: %v", err)
		}
	}()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			groupID, err := parseGroupChannel(msg.Channel)
			if err != nil {
				log.Printf("Warning: dropping frame on malformed channel %q: %v", msg.Channel, err)
				continue
			}
			hub.DeliverFromPubsub(groupID, []byte(msg.Payload))
		}
	}
}

func parseGroupChannel(channel string) (identity.ID, error) {
	const prefix = "space:"
	if len(channel) <= len(prefix) {
		return identity.ID{}, fmt.Errorf("channel %q missing group id suffix", channel)
	}
	raw, err := hex.DecodeString(channel[len(prefix):])
	if err != nil {
		return identity.ID{}, err
	}
	if len(raw) != len(identity.ID{}) {
		return identity.ID{}, fmt.Errorf("decoded group id has wrong length %d", len(raw))
	}
	var id identity.ID
	copy(id[:], raw)
	return id, nil
}
