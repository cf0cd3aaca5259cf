package cache

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	DefaultChannel = "coverage:cache:invalidate"

	// publishBuffer is how many encoded invalidations may wait for Redis
	// before new ones are dropped.
	publishBuffer = 256
)

// RedisBus fans invalidations out to the other instances sharing a Redis
// server. Local invalidations are published; remote ones are applied to the
// local cache and never published again. Publishing is asynchronous so an
// invalidation never waits on Redis.
type RedisBus struct {
	client  *redis.Client
	channel string
	origin  string
	cache   *Cache
	logger  zerolog.Logger
	timeout time.Duration

	outbox chan []byte
	send   func(ctx context.Context, payload []byte) error
}

func NewRedisBus(client *redis.Client, channel string, c *Cache, logger zerolog.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	b := &RedisBus{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		cache:   c,
		logger:  logger.With().Str("component", "cache_bus").Logger(),
		timeout: 2 * time.Second,
		outbox:  make(chan []byte, publishBuffer),
	}
	b.send = func(ctx context.Context, payload []byte) error {
		return b.client.Publish(ctx, b.channel, payload).Err()
	}
	return b
}

// Origin identifies this instance on the channel.
func (b *RedisBus) Origin() string { return b.origin }

// Start subscribes to the channel and hooks publishing into the local
// cache. It returns once the subscription is confirmed; delivery runs until
// ctx is cancelled.
func (b *RedisBus) Start(ctx context.Context) error {
	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	unsubscribe := b.cache.Subscribe(b.publish)
	go b.drain(ctx)
	ch := ps.Channel()
	go func() {
		defer ps.Close()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := b.handle(msg.Payload); err != nil {
					b.logger.Warn().Err(err).Msg("dropping invalidation message")
				}
			}
		}
	}()

	b.logger.Info().Str("channel", b.channel).Str("origin", b.origin).Msg("cache invalidation bus started")
	return nil
}

// publish queues a local invalidation for the drain loop. It never blocks;
// when the outbox is full the event is dropped and the other instances fall
// back to their TTL.
func (b *RedisBus) publish(ev InvalidationEvent) {
	if ev.Origin != "" {
		return
	}
	payload, err := b.encode(ev)
	if err != nil {
		b.logger.Error().Err(err).Msg("encode invalidation")
		return
	}
	select {
	case b.outbox <- payload:
	default:
		b.logger.Warn().Str("scope", string(ev.Scope)).Str("target", ev.Target).Msg("invalidation outbox full; event not published")
	}
}

// drain sends queued invalidations in order until ctx is cancelled.
func (b *RedisBus) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-b.outbox:
			sendCtx, cancel := context.WithTimeout(ctx, b.timeout)
			if err := b.send(sendCtx, payload); err != nil {
				b.logger.Error().Err(err).Msg("publish invalidation")
			}
			cancel()
		}
	}
}

func (b *RedisBus) encode(ev InvalidationEvent) ([]byte, error) {
	ev.Origin = b.origin
	return json.Marshal(ev)
}

func (b *RedisBus) handle(payload string) error {
	var ev InvalidationEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return fmt.Errorf("decode invalidation: %w", err)
	}
	if ev.Origin == "" || ev.Origin == b.origin {
		return nil
	}
	return b.cache.Apply(ev)
}
