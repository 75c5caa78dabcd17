// Package chat is the realtime messaging core: it owns one reconciled view
// per subscribed channel and the send path that feeds it. All reads flow
// server -> feed -> view; all writes flow store -> feed -> view. A sent
// message becomes visible only when its own insert event loops back through
// the feed, so there is exactly one merge algorithm and no optimistic state
// machine.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"huddle/api/internal/feed"
	"huddle/api/internal/store"
	"huddle/api/internal/util"
)

// MessageStore is the persistence surface the engine needs. Implemented by
// store.PostgresStore.
type MessageStore interface {
	ListRecentMessages(ctx context.Context, channelID string, limit int) ([]store.Message, error)
	GetMessage(ctx context.Context, id string) (store.Message, error)
	InsertMessage(ctx context.Context, msg store.Message) (store.Message, error)
	UpdateMessageContent(ctx context.Context, id, userID, content string) (store.Message, error)
	DeleteMessage(ctx context.Context, id, userID string) error
}

// Options carry the reconnect and snapshot policy. Zero values fall back to
// the defaults below.
type Options struct {
	// SnapshotLimit bounds every snapshot load (cold start and recovery).
	SnapshotLimit int
	// MaxAttempts is the reconnect budget before a subscription gives up
	// and reports StatusUnavailable.
	MaxAttempts int
	// Backoff is the first reconnect delay; it doubles per attempt up to
	// BackoffCap.
	Backoff    time.Duration
	BackoffCap time.Duration
}

const (
	defaultMaxAttempts = 8
	defaultBackoff     = 250 * time.Millisecond
	defaultBackoffCap  = 30 * time.Second
)

func (o Options) withDefaults() Options {
	if o.SnapshotLimit <= 0 {
		o.SnapshotLimit = store.DefaultSnapshotLimit
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.Backoff <= 0 {
		o.Backoff = defaultBackoff
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = defaultBackoffCap
	}
	return o
}

var ErrEmptyMessage = errors.New("message content is empty")

// Engine manages at most one live subscription per channel and exposes the
// send path. It is safe for concurrent use.
type Engine struct {
	store     MessageStore
	transport feed.Transport
	opts      Options

	mu   sync.Mutex
	subs map[string]*subscription
}

func NewEngine(messageStore MessageStore, transport feed.Transport, opts Options) *Engine {
	return &Engine{
		store:     messageStore,
		transport: transport,
		opts:      opts.withDefaults(),
		subs:      make(map[string]*subscription),
	}
}

// Open returns a handle on the live subscription for channelID, starting one
// if none exists. Opening an already-open channel shares the existing
// subscription rather than creating a duplicate event consumer.
func (e *Engine) Open(channelID string) *Handle {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub, ok := e.subs[channelID]
	if !ok || sub.done() {
		sub = newSubscription(e, channelID)
		e.subs[channelID] = sub
		go sub.run()
	} else {
		// A subscription that burned its reconnect budget gets a fresh one
		// when someone opens the channel again.
		sub.restartIfUnavailable()
	}
	sub.refs++
	return &Handle{sub: sub}
}

// release drops one handle's reference; the subscription stops when the last
// handle closes.
func (e *Engine) release(sub *subscription) {
	e.mu.Lock()
	sub.refs--
	last := sub.refs <= 0
	if last && e.subs[sub.channelID] == sub {
		delete(e.subs, sub.channelID)
	}
	e.mu.Unlock()
	if last {
		sub.stop()
	}
}

// Shutdown stops every live subscription.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	subs := make([]*subscription, 0, len(e.subs))
	for _, sub := range e.subs {
		subs = append(subs, sub)
	}
	e.subs = make(map[string]*subscription)
	e.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

// SendInput is a locally-authored message before persistence.
type SendInput struct {
	Content     string
	Attachments []store.Attachment
	ParentID    *string
}

// Send validates and durably persists a message, then publishes its insert
// event. It never touches any view: the published event looping back through
// the subscription is the sole path to visibility, so send completing does
// not imply the message is displayed yet.
func (e *Engine) Send(ctx context.Context, channelID, userID string, input SendInput) (store.Message, error) {
	content := strings.TrimSpace(input.Content)
	if content == "" && len(input.Attachments) == 0 {
		return store.Message{}, ErrEmptyMessage
	}

	msg, err := e.store.InsertMessage(ctx, store.Message{
		ID:          util.NewID("msg"),
		ChannelID:   channelID,
		UserID:      userID,
		Content:     content,
		Attachments: input.Attachments,
		ParentID:    input.ParentID,
	})
	if err != nil {
		return store.Message{}, fmt.Errorf("send message: %w", err)
	}

	e.publish(ctx, feed.Inserted(e.withAuthor(ctx, msg)))
	return msg, nil
}

// Edit replaces a message body and publishes the update event.
func (e *Engine) Edit(ctx context.Context, messageID, userID, content string) (store.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return store.Message{}, ErrEmptyMessage
	}
	msg, err := e.store.UpdateMessageContent(ctx, messageID, userID, content)
	if err != nil {
		return store.Message{}, err
	}
	e.publish(ctx, feed.Updated(e.withAuthor(ctx, msg)))
	return msg, nil
}

// Delete removes a message and publishes the delete event.
func (e *Engine) Delete(ctx context.Context, channelID, messageID, userID string) error {
	if err := e.store.DeleteMessage(ctx, messageID, userID); err != nil {
		return err
	}
	e.publish(ctx, feed.Deleted(channelID, messageID))
	return nil
}

// Refresh re-reads a message and publishes it as an update. Used after
// secondary-annotation changes (reactions) so subscribers pick up the new
// decoration through the ordinary reconciliation path.
func (e *Engine) Refresh(ctx context.Context, messageID string) error {
	msg, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	e.publish(ctx, feed.Updated(msg))
	return nil
}

func (e *Engine) publish(ctx context.Context, event feed.Event) {
	if err := e.transport.Publish(ctx, event); err != nil {
		// The write is already durable; subscribers that miss this event
		// converge on their next snapshot merge.
		log.Printf("chat: publish %s for message %s: %v", event.Kind, event.MessageID, err)
	}
}

// withAuthor resolves the denormalized author/reaction fields for an event
// snapshot. Falls back to the bare row if the read-back fails.
func (e *Engine) withAuthor(ctx context.Context, msg store.Message) store.Message {
	full, err := e.store.GetMessage(ctx, msg.ID)
	if err != nil {
		log.Printf("chat: resolve author for message %s: %v", msg.ID, err)
		return msg
	}
	return full
}
