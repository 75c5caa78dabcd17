// Package app wires the realtime messaging core to its HTTP surface. The
// actor identity on every request is supplied by the upstream auth gateway;
// this layer trusts it and concerns itself with channels, messages, and the
// state that rides alongside them.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"huddle/api/internal/attach"
	"huddle/api/internal/chat"
	"huddle/api/internal/config"
	"huddle/api/internal/presence"
	"huddle/api/internal/search"
	"huddle/api/internal/store"
	"huddle/api/internal/util"
)

// Actor is the authenticated identity stamped on requests by the upstream
// gateway.
type Actor struct {
	ID          string
	DisplayName string
	OrgID       string
}

// DataStore is the persistence surface the service needs beyond what the
// chat engine owns. Implemented by store.PostgresStore.
type DataStore interface {
	Ping(ctx context.Context) error
	EnsureProfile(ctx context.Context, id, displayName string) (store.Profile, error)
	CreateChannel(ctx context.Context, channel store.Channel) (store.Channel, error)
	GetChannel(ctx context.Context, id string) (store.Channel, error)
	ListChannels(ctx context.Context, orgID string) ([]store.Channel, error)
	EnsureChannelMember(ctx context.Context, channelID, userID string) error
	ListChannelMemberIDs(ctx context.Context, channelID string) ([]string, error)
	ListRecentMessages(ctx context.Context, channelID string, limit int) ([]store.Message, error)
	GetMessage(ctx context.Context, id string) (store.Message, error)
	AddReaction(ctx context.Context, reaction store.Reaction) (store.Reaction, error)
	RemoveReaction(ctx context.Context, messageID, userID, emoji string) error
}

// Realtime is the messaging core's surface. Implemented by chat.Engine.
type Realtime interface {
	Open(channelID string) *chat.Handle
	Send(ctx context.Context, channelID, userID string, input chat.SendInput) (store.Message, error)
	Edit(ctx context.Context, messageID, userID, content string) (store.Message, error)
	Delete(ctx context.Context, channelID, messageID, userID string) error
	Refresh(ctx context.Context, messageID string) error
}

type Service struct {
	cfg      config.Config
	store    DataStore
	realtime Realtime
	presence *presence.Service
	search   *search.Service
	attach   *attach.Store
}

// New assembles the service. search and attachments may be nil when not
// configured; presence is required.
func New(cfg config.Config, dataStore DataStore, realtime Realtime, presenceSvc *presence.Service, searchSvc *search.Service, attachStore *attach.Store) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		realtime: realtime,
		presence: presenceSvc,
		search:   searchSvc,
		attach:   attachStore,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

type CreateChannelInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
}

func (s *Service) CreateChannel(ctx context.Context, actor Actor, input CreateChannelInput) (store.Channel, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return store.Channel{}, validation("name is required")
	}
	channelType := input.Type
	if channelType == "" {
		channelType = "public"
	}
	if _, err := s.store.EnsureProfile(ctx, actor.ID, actor.DisplayName); err != nil {
		return store.Channel{}, err
	}
	channel, err := s.store.CreateChannel(ctx, store.Channel{
		ID:          util.NewID("chan"),
		OrgID:       actor.OrgID,
		Name:        name,
		Description: strings.TrimSpace(input.Description),
		Type:        channelType,
		CreatedBy:   actor.ID,
	})
	if err != nil {
		return store.Channel{}, fmt.Errorf("create channel: %w", err)
	}
	if err := s.store.EnsureChannelMember(ctx, channel.ID, actor.ID); err != nil {
		return store.Channel{}, err
	}
	return channel, nil
}

func (s *Service) ListChannels(ctx context.Context, actor Actor) ([]store.Channel, error) {
	return s.store.ListChannels(ctx, actor.OrgID)
}

// channelForActor loads a channel and confirms it belongs to the actor's org.
func (s *Service) channelForActor(ctx context.Context, actor Actor, channelID string) (store.Channel, error) {
	channel, err := s.store.GetChannel(ctx, channelID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Channel{}, notFound("Channel")
	}
	if err != nil {
		return store.Channel{}, err
	}
	if channel.OrgID != actor.OrgID {
		return store.Channel{}, notFound("Channel")
	}
	return channel, nil
}

// ChannelMessages returns the bounded snapshot page for a channel. Reading a
// channel joins the actor to it and resets their unread counter.
func (s *Service) ChannelMessages(ctx context.Context, actor Actor, channelID string, limit int) ([]store.Message, error) {
	if _, err := s.channelForActor(ctx, actor, channelID); err != nil {
		return nil, err
	}
	if err := s.joinChannel(ctx, actor, channelID); err != nil {
		return nil, err
	}
	messages, err := s.store.ListRecentMessages(ctx, channelID, limit)
	if err != nil {
		return nil, err
	}
	if err := s.presence.ResetUnread(ctx, channelID, actor.ID); err != nil {
		return nil, err
	}
	return messages, nil
}

// joinChannel records the actor as a channel member, creating their profile
// first so the membership row has something to reference.
func (s *Service) joinChannel(ctx context.Context, actor Actor, channelID string) error {
	if _, err := s.store.EnsureProfile(ctx, actor.ID, actor.DisplayName); err != nil {
		return err
	}
	return s.store.EnsureChannelMember(ctx, channelID, actor.ID)
}

// OpenChannel attaches to the live subscription for a channel after checking
// the actor can see it.
func (s *Service) OpenChannel(ctx context.Context, actor Actor, channelID string) (*chat.Handle, error) {
	if _, err := s.channelForActor(ctx, actor, channelID); err != nil {
		return nil, err
	}
	if err := s.joinChannel(ctx, actor, channelID); err != nil {
		return nil, err
	}
	return s.realtime.Open(channelID), nil
}

type SendMessageInput struct {
	Content     string             `json:"content"`
	Attachments []store.Attachment `json:"attachments"`
	ParentID    *string            `json:"parentMessageId"`
}

func (s *Service) SendMessage(ctx context.Context, actor Actor, channelID string, input SendMessageInput) (store.Message, error) {
	channel, err := s.channelForActor(ctx, actor, channelID)
	if err != nil {
		return store.Message{}, err
	}
	if err := s.joinChannel(ctx, actor, channelID); err != nil {
		return store.Message{}, err
	}

	msg, err := s.realtime.Send(ctx, channelID, actor.ID, chat.SendInput{
		Content:     input.Content,
		Attachments: input.Attachments,
		ParentID:    input.ParentID,
	})
	if errors.Is(err, chat.ErrEmptyMessage) {
		return store.Message{}, validation("message content is empty")
	}
	if err != nil {
		return store.Message{}, err
	}

	_ = s.presence.ClearTyping(ctx, channelID, actor.ID)
	s.bumpUnread(ctx, channelID, actor.ID)
	s.indexMessage(channel, msg, actor.DisplayName)
	return msg, nil
}

// bumpUnread increments the unread counter of every channel member except
// the author. Counters are advisory, so failures are logged, not returned.
func (s *Service) bumpUnread(ctx context.Context, channelID, authorID string) {
	members, err := s.store.ListChannelMemberIDs(ctx, channelID)
	if err != nil {
		log.Printf("app: list members for unread bump in %s: %v", channelID, err)
		return
	}
	for _, memberID := range members {
		if memberID == authorID {
			continue
		}
		if err := s.presence.IncrementUnread(ctx, channelID, memberID); err != nil {
			log.Printf("app: bump unread for %s in %s: %v", memberID, channelID, err)
		}
	}
}

func (s *Service) EditMessage(ctx context.Context, actor Actor, messageID, content string) (store.Message, error) {
	msg, err := s.realtime.Edit(ctx, messageID, actor.ID, content)
	if errors.Is(err, chat.ErrEmptyMessage) {
		return store.Message{}, validation("message content is empty")
	}
	if errors.Is(err, store.ErrNotFound) {
		return store.Message{}, notFound("Message")
	}
	if err != nil {
		return store.Message{}, err
	}
	if channel, chanErr := s.channelForActor(ctx, actor, msg.ChannelID); chanErr == nil {
		s.indexMessage(channel, msg, actor.DisplayName)
	}
	return msg, nil
}

func (s *Service) DeleteMessage(ctx context.Context, actor Actor, messageID string) error {
	msg, err := s.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return notFound("Message")
	}
	if err != nil {
		return err
	}
	if err := s.realtime.Delete(ctx, msg.ChannelID, messageID, actor.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound("Message")
		}
		return err
	}
	if s.search != nil {
		s.search.DeleteMessage(messageID)
	}
	return nil
}

type ReactionInput struct {
	Emoji string `json:"emoji"`
}

// AddReaction records a reaction and republishes the message so subscribers
// pick up the new decoration through the ordinary update path.
func (s *Service) AddReaction(ctx context.Context, actor Actor, messageID, emoji string) (store.Reaction, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return store.Reaction{}, validation("emoji is required")
	}
	if _, err := s.store.GetMessage(ctx, messageID); errors.Is(err, store.ErrNotFound) {
		return store.Reaction{}, notFound("Message")
	} else if err != nil {
		return store.Reaction{}, err
	}

	reaction, err := s.store.AddReaction(ctx, store.Reaction{
		ID:        util.NewID("react"),
		MessageID: messageID,
		UserID:    actor.ID,
		Emoji:     emoji,
	})
	if err != nil {
		return store.Reaction{}, err
	}
	if err := s.realtime.Refresh(ctx, messageID); err != nil {
		return store.Reaction{}, err
	}
	return reaction, nil
}

func (s *Service) RemoveReaction(ctx context.Context, actor Actor, messageID, emoji string) error {
	if err := s.store.RemoveReaction(ctx, messageID, actor.ID, emoji); err != nil {
		return err
	}
	if err := s.realtime.Refresh(ctx, messageID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

func (s *Service) SetTyping(ctx context.Context, actor Actor, channelID string) error {
	return s.presence.SetTyping(ctx, channelID, actor.ID)
}

func (s *Service) TypingUsers(ctx context.Context, channelID string) ([]string, error) {
	return s.presence.TypingUsers(ctx, channelID)
}

func (s *Service) UnreadCount(ctx context.Context, actor Actor, channelID string) (int64, error) {
	return s.presence.UnreadCount(ctx, channelID, actor.ID)
}

func (s *Service) MarkRead(ctx context.Context, actor Actor, channelID string) error {
	return s.presence.ResetUnread(ctx, channelID, actor.ID)
}

func (s *Service) Search(ctx context.Context, actor Actor, q search.Query) search.Response {
	q.OrgID = actor.OrgID
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

var ErrAttachmentsDisabled = errors.New("attachment storage is not configured")

func (s *Service) UploadAttachment(ctx context.Context, actor Actor, channelID, filename string, r io.Reader, size int64, contentType string) (store.Attachment, error) {
	if s.attach == nil {
		return store.Attachment{}, domainError(http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE", ErrAttachmentsDisabled.Error(), nil)
	}
	if _, err := s.channelForActor(ctx, actor, channelID); err != nil {
		return store.Attachment{}, err
	}
	attachment, err := s.attach.Upload(ctx, channelID, filename, r, size, contentType)
	if errors.Is(err, attach.ErrTooLarge) {
		return store.Attachment{}, domainError(http.StatusRequestEntityTooLarge, "ATTACHMENT_TOO_LARGE", "attachment exceeds size limit", nil)
	}
	if err != nil {
		return store.Attachment{}, err
	}
	return attachment, nil
}

func (s *Service) indexMessage(channel store.Channel, msg store.Message, authorName string) {
	if s.search == nil {
		return
	}
	s.search.IndexMessage(search.MessageRecord{
		ID:         msg.ID,
		ChannelID:  msg.ChannelID,
		OrgID:      channel.OrgID,
		AuthorName: authorName,
		Content:    msg.Content,
		CreatedAt:  msg.CreatedAt,
	})
}
