// Package presence tracks the ephemeral per-channel client state that rides
// alongside the message feed: who is typing and per-user unread counts.
// Everything here is advisory and expiring; none of it participates in the
// message view's ordering invariants.
package presence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTypingTTL = 6 * time.Second

// Service stores presence state in Redis so every connected client observes
// the same typing and unread counters.
type Service struct {
	client    *redis.Client
	typingTTL time.Duration
}

func NewService(redisURL string) (*Service, error) {
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
	return &Service{client: client, typingTTL: defaultTypingTTL}, nil
}

// NewServiceWithClient creates a presence service from an existing client.
func NewServiceWithClient(client *redis.Client) *Service {
	return &Service{client: client, typingTTL: defaultTypingTTL}
}

func (s *Service) Close() error {
	return s.client.Close()
}

func typingKey(channelID, userID string) string {
	return "typing:" + channelID + ":" + userID
}

func unreadKey(channelID, userID string) string {
	return "unread:" + channelID + ":" + userID
}

// SetTyping marks a user as typing in a channel. The mark expires on its own;
// clients refresh it while composing.
func (s *Service) SetTyping(ctx context.Context, channelID, userID string) error {
	if err := s.client.Set(ctx, typingKey(channelID, userID), "1", s.typingTTL).Err(); err != nil {
		return fmt.Errorf("set typing: %w", err)
	}
	return nil
}

// ClearTyping removes a user's typing mark ahead of its expiry.
func (s *Service) ClearTyping(ctx context.Context, channelID, userID string) error {
	if err := s.client.Del(ctx, typingKey(channelID, userID)).Err(); err != nil {
		return fmt.Errorf("clear typing: %w", err)
	}
	return nil
}

// TypingUsers lists users currently marked as typing in a channel.
func (s *Service) TypingUsers(ctx context.Context, channelID string) ([]string, error) {
	prefix := "typing:" + channelID + ":"
	users := make([]string, 0)

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan typing keys: %w", err)
		}
		for _, key := range keys {
			users = append(users, strings.TrimPrefix(key, prefix))
		}
		cursor = next
		if cursor == 0 {
			return users, nil
		}
	}
}

// IncrementUnread bumps a user's unread counter for a channel. Called for
// members who are not viewing the channel when a message lands.
func (s *Service) IncrementUnread(ctx context.Context, channelID, userID string) error {
	if err := s.client.Incr(ctx, unreadKey(channelID, userID)).Err(); err != nil {
		return fmt.Errorf("increment unread: %w", err)
	}
	return nil
}

// ResetUnread clears a user's unread counter, typically when they open the
// channel.
func (s *Service) ResetUnread(ctx context.Context, channelID, userID string) error {
	if err := s.client.Del(ctx, unreadKey(channelID, userID)).Err(); err != nil {
		return fmt.Errorf("reset unread: %w", err)
	}
	return nil
}

// UnreadCount reads a user's unread counter for a channel.
func (s *Service) UnreadCount(ctx context.Context, channelID, userID string) (int64, error) {
	count, err := s.client.Get(ctx, unreadKey(channelID, userID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read unread count: %w", err)
	}
	return count, nil
}
