package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel events are published on.
const DefaultRedisChannel = "stepflow:events"

// RedisHub is a Hub backed by Redis pub/sub, for deployments where the
// process running executions is not the one serving subscribers. Delivery is
// at-most-once; subscribers only see events published after they subscribe.
type RedisHub struct {
	rdb     redis.UniversalClient
	channel string
	dropped atomic.Int64
}

// NewRedisHub creates a RedisHub publishing on channel, or on
// DefaultRedisChannel when channel is empty.
func NewRedisHub(rdb redis.UniversalClient, channel string) *RedisHub {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisHub{rdb: rdb, channel: channel}
}

// Publish encodes event as JSON and publishes it.
func (h *RedisHub) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := h.rdb.Publish(ctx, h.channel, data).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription and returns once Redis has
// confirmed it. The returned cancel func closes the subscription and waits
// for the channel to be closed.
func (h *RedisHub) Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error) {
	ps := h.rdb.Subscribe(ctx, h.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", h.channel, err)
	}

	out := make(chan Event, defaultChannelBuffer)
	stop := make(chan struct{})
	exited := make(chan struct{})
	closePS := sync.OnceFunc(func() { _ = ps.Close() })

	go func() {
		defer close(exited)
		defer close(out)
		defer closePS()

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					h.dropped.Add(1)
					continue
				}
				if !filter.matches(ev) {
					continue
				}
				select {
				case out <- ev:
				default:
					h.dropped.Add(1)
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() { close(stop) })
		<-exited
	}
	return out, cancel, nil
}

// Dropped returns how many events were dropped, either undecodable or for
// slow subscribers.
func (h *RedisHub) Dropped() int64 { return h.dropped.Load() }

var (
	_ Hub = (*MemoryHub)(nil)
	_ Hub = (*RedisHub)(nil)
)
