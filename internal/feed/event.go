// Package feed carries row-level change events between the persistence layer
// and subscribed clients, and owns the pub/sub transport they travel over.
package feed

import (
	"errors"

	"huddle/api/internal/store"
)

type Kind string

const (
	KindInserted Kind = "INSERT"
	KindUpdated  Kind = "UPDATE"
	KindDeleted  Kind = "DELETE"
)

// Event is one change to a channel's message set. Inserted and Updated carry
// the full current row snapshot; Deleted carries only the id. Use the
// constructors so the kind and payload cannot disagree.
type Event struct {
	Kind      Kind
	ChannelID string
	MessageID string
	Message   *store.Message
}

func Inserted(msg store.Message) Event {
	return Event{Kind: KindInserted, ChannelID: msg.ChannelID, MessageID: msg.ID, Message: &msg}
}

func Updated(msg store.Message) Event {
	return Event{Kind: KindUpdated, ChannelID: msg.ChannelID, MessageID: msg.ID, Message: &msg}
}

func Deleted(channelID, messageID string) Event {
	return Event{Kind: KindDeleted, ChannelID: channelID, MessageID: messageID}
}

// Validate checks the invariants the constructors enforce, for events that
// arrived off the wire instead.
func (e Event) Validate() error {
	if e.ChannelID == "" {
		return errors.New("event missing channel id")
	}
	if e.MessageID == "" {
		return errors.New("event missing message id")
	}
	switch e.Kind {
	case KindInserted, KindUpdated:
		if e.Message == nil {
			return errors.New("insert/update event missing snapshot")
		}
		if e.Message.ID != e.MessageID || e.Message.ChannelID != e.ChannelID {
			return errors.New("event snapshot does not match event ids")
		}
	case KindDeleted:
		if e.Message != nil {
			return errors.New("delete event carries a snapshot")
		}
	default:
		return errors.New("unknown event kind")
	}
	return nil
}
