package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"huddle/api/internal/store"
)

// Wire shapes. Column-style field names match the persisted rows so payloads
// stay readable when inspected on the broker.

type wireEvent struct {
	Kind      Kind         `json:"kind"`
	ChannelID string       `json:"channel_id"`
	MessageID string       `json:"message_id"`
	Message   *wireMessage `json:"message,omitempty"`
}

type wireMessage struct {
	ID          string             `json:"id"`
	ChannelID   string             `json:"channel_id"`
	UserID      string             `json:"user_id"`
	Content     string             `json:"content"`
	Attachments []store.Attachment `json:"attachments,omitempty"`
	ParentID    *string            `json:"parent_message_id,omitempty"`
	IsEdited    bool               `json:"is_edited"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	AuthorName  string             `json:"author_name,omitempty"`
	AuthorURL   string             `json:"author_avatar_url,omitempty"`
	Reactions   []wireReaction     `json:"reactions,omitempty"`
}

type wireReaction struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

func Encode(event Event) ([]byte, error) {
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	w := wireEvent{
		Kind:      event.Kind,
		ChannelID: event.ChannelID,
		MessageID: event.MessageID,
	}
	if event.Message != nil {
		msg := toWire(*event.Message)
		w.Message = &msg
	}
	payload, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return payload, nil
}

func Decode(payload []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	event := Event{
		Kind:      w.Kind,
		ChannelID: w.ChannelID,
		MessageID: w.MessageID,
	}
	if w.Message != nil {
		msg := fromWire(*w.Message)
		event.Message = &msg
	}
	if err := event.Validate(); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return event, nil
}

func toWire(msg store.Message) wireMessage {
	w := wireMessage{
		ID:          msg.ID,
		ChannelID:   msg.ChannelID,
		UserID:      msg.UserID,
		Content:     msg.Content,
		Attachments: msg.Attachments,
		ParentID:    msg.ParentID,
		IsEdited:    msg.IsEdited,
		CreatedAt:   msg.CreatedAt,
		UpdatedAt:   msg.UpdatedAt,
		AuthorName:  msg.Author.DisplayName,
		AuthorURL:   msg.Author.AvatarURL,
	}
	for _, r := range msg.Reactions {
		w.Reactions = append(w.Reactions, wireReaction(r))
	}
	return w
}

func fromWire(w wireMessage) store.Message {
	msg := store.Message{
		ID:          w.ID,
		ChannelID:   w.ChannelID,
		UserID:      w.UserID,
		Content:     w.Content,
		Attachments: w.Attachments,
		ParentID:    w.ParentID,
		IsEdited:    w.IsEdited,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
		Author: store.Profile{
			ID:          w.UserID,
			DisplayName: w.AuthorName,
			AvatarURL:   w.AuthorURL,
		},
	}
	for _, r := range w.Reactions {
		msg.Reactions = append(msg.Reactions, store.Reaction(r))
	}
	return msg
}
