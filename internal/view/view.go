// Package view holds the reconciled, ordered message list for one channel.
// A View is the single source of truth for what a client displays: every
// mutation funnels through Apply or MergeSnapshot, so optimistic and
// confirmed state never diverge.
package view

import (
	"log"
	"sort"

	"huddle/api/internal/feed"
	"huddle/api/internal/store"
)

// DefaultPendingCap bounds how many delete events for never-seen ids are
// remembered for one retry against the next snapshot merge.
const DefaultPendingCap = 64

// View is an ordered, deduplicated message sequence for a single channel.
// Entries sort ascending by (created_at, id); there is never more than one
// entry per message id.
//
// A View is not safe for concurrent use. It is owned by exactly one
// subscription loop, which is the only goroutine allowed to mutate it.
type View struct {
	channelID string
	entries   []store.Message
	byID      map[string]store.Message

	// Deletes that referenced an unknown id, oldest first. Each is retried
	// once after the next snapshot merge, then dropped for good.
	pendingDeletes []string
	pendingSet     map[string]struct{}
	pendingCap     int
}

func New(channelID string) *View {
	return &View{
		channelID:  channelID,
		byID:       make(map[string]store.Message),
		pendingSet: make(map[string]struct{}),
		pendingCap: DefaultPendingCap,
	}
}

func (v *View) ChannelID() string {
	return v.channelID
}

func (v *View) Len() int {
	return len(v.entries)
}

// Messages returns a copy of the current ordered sequence. Callers may hold
// the copy across further mutations.
func (v *View) Messages() []store.Message {
	out := make([]store.Message, len(v.entries))
	copy(out, v.entries)
	return out
}

// Apply merges one change event. Events for other channels are dropped;
// that is the normal outcome of a scope-switch race, not an error.
//
// The merge is order-independent for disjoint ids: any delivery order that
// preserves per-id causal order produces the same final sequence, because
// display position is derived from (created_at, id), never from arrival
// order.
func (v *View) Apply(event feed.Event) {
	if event.ChannelID != v.channelID {
		return
	}

	switch event.Kind {
	case feed.KindInserted:
		if event.Message == nil {
			log.Printf("view: dropping insert event without snapshot for %s", event.MessageID)
			return
		}
		v.upsert(*event.Message)
	case feed.KindUpdated:
		if event.Message == nil {
			log.Printf("view: dropping update event without snapshot for %s", event.MessageID)
			return
		}
		// An update for an unseen id means its insert event was lost;
		// treating it as an insert bounds the staleness window.
		v.upsert(*event.Message)
	case feed.KindDeleted:
		if !v.remove(event.MessageID) {
			v.rememberDelete(event.MessageID)
		}
	default:
		log.Printf("view: dropping event with unknown kind %q for %s", event.Kind, event.MessageID)
	}
}

// MergeSnapshot folds a bounded snapshot page into the view using the same
// per-id replace-or-insert rule as live inserts. Entries outside the
// snapshot window are preserved; only an explicit delete removes a message.
// Pending deletes are retried once against the merged result.
func (v *View) MergeSnapshot(messages []store.Message) {
	for _, msg := range messages {
		if msg.ChannelID != v.channelID {
			continue
		}
		v.upsert(msg)
	}
	for _, id := range v.pendingDeletes {
		v.remove(id)
	}
	v.pendingDeletes = nil
	v.pendingSet = make(map[string]struct{})
}

// upsert inserts msg at its ordered position, or replaces the existing entry
// for the same id with the canonical server snapshot. Replacing rather than
// appending is what makes at-least-once delivery and local echo harmless.
func (v *View) upsert(msg store.Message) {
	if existing, ok := v.byID[msg.ID]; ok {
		if !existing.CreatedAt.Equal(msg.CreatedAt) {
			// created_at is immutable by contract; a moved timestamp means
			// upstream data is suspect. Keep going, re-sorting the entry.
			log.Printf("view: created_at changed for message %s in channel %s", msg.ID, v.channelID)
			v.remove(msg.ID)
		} else {
			v.entries[v.position(existing)] = msg
			v.byID[msg.ID] = msg
			return
		}
	}

	at := sort.Search(len(v.entries), func(i int) bool {
		return msg.Before(v.entries[i])
	})
	v.entries = append(v.entries, store.Message{})
	copy(v.entries[at+1:], v.entries[at:])
	v.entries[at] = msg
	v.byID[msg.ID] = msg
}

// remove deletes the entry for id. Removing an absent id is a no-op, which
// makes delete events idempotent under redelivery.
func (v *View) remove(id string) bool {
	existing, ok := v.byID[id]
	if !ok {
		return false
	}
	at := v.position(existing)
	v.entries = append(v.entries[:at], v.entries[at+1:]...)
	delete(v.byID, id)
	return true
}

// position locates msg in the ordered slice by binary search on its key.
func (v *View) position(msg store.Message) int {
	at := sort.Search(len(v.entries), func(i int) bool {
		return !v.entries[i].Before(msg)
	})
	// Equal timestamps share a search position; step to the matching id.
	for at < len(v.entries) && v.entries[at].ID != msg.ID {
		at++
	}
	return at
}

func (v *View) rememberDelete(id string) {
	if _, ok := v.pendingSet[id]; ok {
		return
	}
	if len(v.pendingDeletes) >= v.pendingCap {
		// Evict the oldest: a fresh delete is more likely to matter to the
		// next snapshot merge than one queued long ago.
		oldest := v.pendingDeletes[0]
		v.pendingDeletes = v.pendingDeletes[1:]
		delete(v.pendingSet, oldest)
		log.Printf("view: pending delete queue full for channel %s, evicting %s", v.channelID, oldest)
	}
	v.pendingDeletes = append(v.pendingDeletes, id)
	v.pendingSet[id] = struct{}{}
}
