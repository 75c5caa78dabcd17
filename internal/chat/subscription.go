package chat

import (
	"context"
	"log"
	"sync"
	"time"

	"huddle/api/internal/feed"
	"huddle/api/internal/store"
	"huddle/api/internal/view"
)

type Status string

const (
	// StatusConnecting covers the first subscribe and snapshot load.
	StatusConnecting Status = "connecting"
	// StatusLive means the feed is attached and events are flowing.
	StatusLive Status = "live"
	// StatusReconnecting means the feed dropped and is being retried; the
	// view keeps its last-known-good contents meanwhile.
	StatusReconnecting Status = "reconnecting"
	// StatusUnavailable means the reconnect budget is exhausted. The view is
	// stale but consistent; the UI should surface a feed-unavailable banner.
	StatusUnavailable Status = "unavailable"
	// StatusClosed means the last handle was released.
	StatusClosed Status = "closed"
)

// Handle is one consumer's grip on a shared channel subscription. Close is
// safe to call more than once; after Close no further updates are signalled.
type Handle struct {
	sub     *subscription
	once    sync.Once
	updates chan struct{}
}

func (h *Handle) ChannelID() string {
	return h.sub.channelID
}

// Messages returns the current reconciled, ordered message list.
func (h *Handle) Messages() []store.Message {
	return h.sub.messages()
}

func (h *Handle) Status() Status {
	return h.sub.currentStatus()
}

// Updates signals after every view or status change. Signals are coalesced;
// read Messages and Status for the current state.
func (h *Handle) Updates() <-chan struct{} {
	h.sub.mu.Lock()
	defer h.sub.mu.Unlock()
	if h.updates == nil {
		h.updates = make(chan struct{}, 1)
		h.sub.watchers[h.updates] = struct{}{}
	}
	return h.updates
}

func (h *Handle) Close() {
	h.once.Do(func() {
		h.sub.mu.Lock()
		if h.updates != nil {
			delete(h.sub.watchers, h.updates)
		}
		h.sub.mu.Unlock()
		h.sub.engine.release(h.sub)
	})
}

// snapshotResult carries a bounded snapshot back to the run loop, tagged with
// the subscribe generation that requested it. A result from a superseded
// generation is discarded rather than merged.
type snapshotResult struct {
	generation uint64
	messages   []store.Message
}

type subscription struct {
	engine    *Engine
	channelID string

	// refs is guarded by engine.mu.
	refs int

	ctx    context.Context
	cancel context.CancelFunc

	snapshots chan snapshotResult

	// mu guards the published read model, status, and watcher set. The view
	// itself is touched only by the run goroutine.
	mu       sync.RWMutex
	current  []store.Message
	status   Status
	watchers map[chan struct{}]struct{}
}

func newSubscription(engine *Engine, channelID string) *subscription {
	ctx, cancel := context.WithCancel(context.Background())
	return &subscription{
		engine:    engine,
		channelID: channelID,
		ctx:       ctx,
		cancel:    cancel,
		snapshots: make(chan snapshotResult, 1),
		current:   []store.Message{},
		status:    StatusConnecting,
		watchers:  make(map[chan struct{}]struct{}),
	}
}

func (s *subscription) stop() {
	s.cancel()
	s.setStatus(StatusClosed)
}

// restartIfUnavailable relaunches the run loop after the reconnect budget
// exhausted. Safe because unavailable is only ever set by a run goroutine on
// its way out, so no loop is running; callers hold engine.mu, so two opens
// cannot both observe unavailable.
func (s *subscription) restartIfUnavailable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusUnavailable {
		return
	}
	s.status = StatusConnecting
	s.notifyLocked()
	go s.run()
}

func (s *subscription) done() bool {
	select {
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}

func (s *subscription) messages() []store.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Message, len(s.current))
	copy(out, s.current)
	return out
}

func (s *subscription) currentStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// run is the single mutator of this subscription's view. Every reconnect is
// treated as a potential gap: the feed offers no replay, so each successful
// (re)subscribe schedules a fresh bounded snapshot that is merged through the
// same reconciliation rules as live events.
func (s *subscription) run() {
	opts := s.engine.opts
	v := view.New(s.channelID)

	attempts := 0
	backoff := opts.Backoff
	var generation uint64

	for {
		if s.done() {
			return
		}

		stream, err := s.engine.transport.Subscribe(s.ctx, s.channelID)
		if err != nil {
			attempts++
			if attempts >= opts.MaxAttempts {
				log.Printf("chat: feed unavailable for channel %s after %d attempts: %v", s.channelID, attempts, err)
				s.setStatus(StatusUnavailable)
				return
			}
			s.setStatus(StatusReconnecting)
			select {
			case <-time.After(backoff):
			case <-s.ctx.Done():
				return
			}
			if backoff *= 2; backoff > opts.BackoffCap {
				backoff = opts.BackoffCap
			}
			continue
		}

		attempts = 0
		backoff = opts.Backoff
		s.setStatus(StatusLive)

		generation++
		go s.loadSnapshot(generation)

		s.consume(v, stream, generation)
		_ = stream.Close()

		if s.done() {
			return
		}
		if err := stream.Err(); err != nil {
			log.Printf("chat: feed stream for channel %s failed: %v", s.channelID, err)
		}
		s.setStatus(StatusReconnecting)
	}
}

// consume applies events and snapshot merges until the stream ends.
func (s *subscription) consume(v *view.View, stream feed.Stream, generation uint64) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case snap := <-s.snapshots:
			if snap.generation != generation {
				continue
			}
			v.MergeSnapshot(snap.messages)
			s.publish(v)
		case event, ok := <-stream.Events():
			if !ok {
				return
			}
			if event.ChannelID != s.channelID {
				continue
			}
			v.Apply(event)
			s.publish(v)
		}
	}
}

// loadSnapshot performs the bounded read that seeds or heals the view,
// retrying with backoff: without it a failed load would leave a live
// subscription rendering an empty channel, and queued pending deletes would
// never get their retry. The result carries its generation so a late
// response from a superseded subscribe never merges into newer state.
func (s *subscription) loadSnapshot(generation uint64) {
	opts := s.engine.opts
	backoff := opts.Backoff

	for attempt := 1; ; attempt++ {
		messages, err := s.loadOnce()
		if err == nil {
			select {
			case s.snapshots <- snapshotResult{generation: generation, messages: messages}:
			case <-s.ctx.Done():
			}
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		log.Printf("chat: snapshot load for channel %s (attempt %d): %v", s.channelID, attempt, err)
		if attempt >= opts.MaxAttempts {
			log.Printf("chat: giving up on snapshot for channel %s after %d attempts", s.channelID, attempt)
			return
		}
		select {
		case <-time.After(backoff):
		case <-s.ctx.Done():
			return
		}
		if backoff *= 2; backoff > opts.BackoffCap {
			backoff = opts.BackoffCap
		}
	}
}

func (s *subscription) loadOnce() ([]store.Message, error) {
	ctx, cancel := context.WithTimeout(s.ctx, 15*time.Second)
	defer cancel()
	return s.engine.store.ListRecentMessages(ctx, s.channelID, s.engine.opts.SnapshotLimit)
}

func (s *subscription) publish(v *view.View) {
	messages := v.Messages()
	s.mu.Lock()
	s.current = messages
	s.notifyLocked()
	s.mu.Unlock()
}

func (s *subscription) setStatus(status Status) {
	s.mu.Lock()
	if s.status != StatusClosed {
		s.status = status
		s.notifyLocked()
	}
	s.mu.Unlock()
}

func (s *subscription) notifyLocked() {
	for ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
