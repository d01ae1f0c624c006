package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultStreamKey    = "maildigest:events"
	defaultStreamMaxLen = 10000
	readBlock           = 5 * time.Second
)

// RedisHub is an EventHub backed by a Redis stream, so every process serving the
// API sees events published by background workers in other processes.
type RedisHub struct {
	client *redis.Client
	stream string
}

// NewRedisHub creates a RedisHub on the given stream key (default "maildigest:events").
func NewRedisHub(client *redis.Client, stream string) *RedisHub {
	if stream == "" {
		stream = defaultStreamKey
	}
	return &RedisHub{client: client, stream: stream}
}

// Publish appends the event to the stream, trimming old entries.
func (h *RedisHub) Publish(ctx context.Context, event StreamEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	return h.client.XAdd(ctx, &redis.XAddArgs{
		Stream: h.stream,
		MaxLen: defaultStreamMaxLen,
		Approx: true,
		Values: map[string]any{"thread_id": event.ThreadID, "event": string(body)},
	}).Err()
}

// Subscribe reads new stream entries in a goroutine and delivers matching events.
// Delivery is non-blocking like MemoryHub.
func (h *RedisHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	subCtx, stop := context.WithCancel(ctx)
	ch := make(chan StreamEvent, defaultChannelBuffer)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(ch)
		lastID := "$"
		for {
			if subCtx.Err() != nil {
				return
			}
			res, err := h.client.XRead(subCtx, &redis.XReadArgs{
				Streams: []string{h.stream, lastID},
				Block:   readBlock,
				Count:   100,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if subCtx.Err() != nil {
					return
				}
				slog.Warn("redis stream read failed", "stream", h.stream, "error", err)
				select {
				case <-subCtx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			for _, sr := range res {
				for _, msg := range sr.Messages {
					lastID = msg.ID
					ev, ok := decodeStreamMessage(msg)
					if !ok || !matchFilter(filter, ev) {
						continue
					}
					select {
					case ch <- ev:
					default:
					}
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			stop()
			<-done
		})
	}
	return ch, cancel, nil
}

func decodeStreamMessage(msg redis.XMessage) (StreamEvent, bool) {
	raw, ok := msg.Values["event"].(string)
	if !ok {
		return StreamEvent{}, false
	}
	var ev StreamEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return StreamEvent{}, false
	}
	return ev, true
}

var _ EventHub = (*RedisHub)(nil)
