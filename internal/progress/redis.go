package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/render-api/internal/logger"
	"github.com/makeasinger/render-api/internal/model"
)

const redisChannelPrefix = "render:progress:"

// RedisBroker carries events over Redis pub/sub so observers connected to
// one API replica see renders running on another.
type RedisBroker struct {
	client redis.UniversalClient
	log    *logger.Logger
}

// NewRedisBroker wraps a Redis client.
func NewRedisBroker(client redis.UniversalClient, log *logger.Logger) *RedisBroker {
	return &RedisBroker{client: client, log: logger.OrNop(log).WithComponent("progress")}
}

// Channel returns the pub/sub channel for sessionID.
func Channel(sessionID string) string {
	return redisChannelPrefix + sessionID
}

func (b *RedisBroker) Publish(ctx context.Context, event model.RenderProgress) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal progress event: %w", err)
	}
	if err := b.client.Publish(ctx, Channel(event.SessionID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish progress event: %w", err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, sessionID string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, Channel(sessionID))
	// Wait for the subscription confirmation so nothing published after
	// Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to progress: %w", err)
	}

	sub := &redisSub{
		ch:   make(chan model.RenderProgress),
		done: make(chan struct{}),
	}
	stop := context.AfterFunc(ctx, sub.Close)

	go func() {
		defer stop()
		defer ps.Close()
		defer close(sub.ch)

		msgs := ps.Channel()
		for {
			select {
			case <-sub.done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event model.RenderProgress
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.log.Warn("discarding malformed progress event", "channel", msg.Channel, "error", err.Error())
					continue
				}
				select {
				case sub.ch <- event:
				case <-sub.done:
					return
				}
				if event.Phase.Terminal() {
					return
				}
			}
		}
	}()

	return sub, nil
}

type redisSub struct {
	ch        chan model.RenderProgress
	done      chan struct{}
	closeOnce sync.Once
}

func (s *redisSub) C() <-chan model.RenderProgress {
	return s.ch
}

func (s *redisSub) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
