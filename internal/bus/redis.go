package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRedisChannel is the pub/sub channel events are published to.
	DefaultRedisChannel = "wagate:events"

	redisSubscriberID = "redis-forwarder"
	redisBufferSize   = 256
)

// RedisForwarder publishes every bus event as a JSON frame on a Redis channel.
// Publishing happens on its own goroutine so the bus never waits on Redis.
type RedisForwarder struct {
	client  *redis.Client
	channel string
	queue   chan Event
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewRedisForwarder connects to redisURL (redis://[:password@]host:port/db).
func NewRedisForwarder(ctx context.Context, redisURL, channel string) (*RedisForwarder, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return newRedisForwarder(client, channel), nil
}

func newRedisForwarder(client *redis.Client, channel string) *RedisForwarder {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisForwarder{
		client:  client,
		channel: channel,
		queue:   make(chan Event, redisBufferSize),
		stopCh:  make(chan struct{}),
	}
}

// Attach subscribes the forwarder to b and starts the publish loop.
func (f *RedisForwarder) Attach(b *Bus) {
	b.Subscribe(redisSubscriberID, f.enqueue)
	f.wg.Add(1)
	go f.loop()
	slog.Info("redis event forwarder started", "channel", f.channel)
}

// Stop detaches from b, drains queued events and closes the client.
func (f *RedisForwarder) Stop(b *Bus) {
	b.Unsubscribe(redisSubscriberID)
	close(f.stopCh)
	f.wg.Wait()
	if err := f.client.Close(); err != nil {
		slog.Warn("redis close failed", "error", err)
	}
	slog.Info("redis event forwarder stopped")
}

func (f *RedisForwarder) enqueue(ev Event) {
	select {
	case f.queue <- ev:
	default:
		slog.Warn("redis forwarder buffer full, dropping event", "event", ev.Name)
	}
}

func (f *RedisForwarder) loop() {
	defer f.wg.Done()
	for {
		select {
		case ev := <-f.queue:
			f.publish(ev)
		case <-f.stopCh:
			for {
				select {
				case ev := <-f.queue:
					f.publish(ev)
				default:
					return
				}
			}
		}
	}
}

func (f *RedisForwarder) publish(ev Event) {
	data, err := json.Marshal(ev.Frame())
	if err != nil {
		slog.Error("marshal event failed", "event", ev.Name, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := f.client.Publish(ctx, f.channel, data).Err(); err != nil {
		slog.Warn("redis publish failed", "event", ev.Name, "error", err)
	}
}
