package feed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Transport moves change events between writers and channel subscribers.
// Delivery is at-least-once from the subscriber's point of view: nothing is
// replayed across a dropped stream, and duplicates around a resubscribe are
// possible. Subscribers heal gaps with a fresh snapshot, not by trusting the
// stream.
type Transport interface {
	// Subscribe opens a live stream of events for one channel. The stream
	// ends when the context is cancelled, Close is called, or the underlying
	// connection fails; the terminal cause is available from Err.
	Subscribe(ctx context.Context, channelID string) (Stream, error)

	// Publish fans an event out to current subscribers of its channel.
	Publish(ctx context.Context, event Event) error
}

type Stream interface {
	Events() <-chan Event
	Err() error
	Close() error
}

const topicPrefix = "feed:"

// RedisFeed implements Transport over Redis pub/sub, one topic per channel.
type RedisFeed struct {
	client *redis.Client
}

func NewRedisFeed(redisURL string) (*RedisFeed, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisFeed{client: client}, nil
}

// NewRedisFeedWithClient creates a feed from an existing Redis client.
func NewRedisFeedWithClient(client *redis.Client) *RedisFeed {
	return &RedisFeed{client: client}
}

func (f *RedisFeed) Close() error {
	return f.client.Close()
}

func topic(channelID string) string {
	return topicPrefix + channelID
}

func (f *RedisFeed) Publish(ctx context.Context, event Event) error {
	payload, err := Encode(event)
	if err != nil {
		return err
	}
	if err := f.client.Publish(ctx, topic(event.ChannelID), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (f *RedisFeed) Subscribe(ctx context.Context, channelID string) (Stream, error) {
	pubsub := f.client.Subscribe(ctx, topic(channelID))

	// Confirm the subscription before handing back a stream, so events
	// published after Subscribe returns are not silently missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channelID, err)
	}

	s := &redisStream{
		pubsub:    pubsub,
		channelID: channelID,
		events:    make(chan Event),
		done:      make(chan struct{}),
	}
	go s.receive(ctx)
	return s, nil
}

type redisStream struct {
	pubsub    *redis.PubSub
	channelID string
	events    chan Event
	done      chan struct{}
	err       error
}

func (s *redisStream) Events() <-chan Event {
	return s.events
}

// Err reports why the stream ended. Valid only after Events is closed.
func (s *redisStream) Err() error {
	return s.err
}

func (s *redisStream) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	return s.pubsub.Close()
}

func (s *redisStream) receive(ctx context.Context) {
	defer close(s.events)
	defer close(s.done)
	defer s.pubsub.Close()

	for {
		// ReceiveMessage surfaces connection failures instead of retrying
		// internally. A failed stream must end here so the subscriber can
		// resubscribe and resnapshot; silent recovery would hide the gap.
		msg, err := s.pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, redis.ErrClosed) {
				s.err = err
			}
			return
		}

		event, err := Decode([]byte(msg.Payload))
		if err != nil {
			log.Printf("feed: dropping malformed event on %s: %v", msg.Channel, err)
			continue
		}
		if event.ChannelID != s.channelID {
			// Expected during scope switches; never forward across channels.
			continue
		}

		select {
		case s.events <- event:
		case <-ctx.Done():
			s.err = nil
			return
		}
	}
}
