package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"huddle/api/internal/chat"
	"huddle/api/internal/config"
	"huddle/api/internal/feed"
	"huddle/api/internal/presence"
	"huddle/api/internal/store"
)

// fakeData backs both the service's DataStore and the engine's MessageStore
// so tests run the full send/reconcile path without Postgres.
type fakeData struct {
	mu       sync.Mutex
	pingErr  error
	profiles map[string]store.Profile
	channels map[string]store.Channel
	messages map[string]store.Message
	members  map[string][]string
	nextTime time.Time
}

func newFakeData() *fakeData {
	return &fakeData{
		profiles: make(map[string]store.Profile),
		channels: make(map[string]store.Channel),
		messages: make(map[string]store.Message),
		members:  make(map[string][]string),
		nextTime: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fakeData) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeData) EnsureProfile(ctx context.Context, id, displayName string) (store.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	profile := store.Profile{ID: id, DisplayName: displayName}
	f.profiles[id] = profile
	return profile, nil
}

func (f *fakeData) CreateChannel(ctx context.Context, channel store.Channel) (store.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	channel.CreatedAt = f.nextTime
	f.channels[channel.ID] = channel
	return channel, nil
}

func (f *fakeData) GetChannel(ctx context.Context, id string) (store.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	channel, ok := f.channels[id]
	if !ok {
		return store.Channel{}, store.ErrNotFound
	}
	return channel, nil
}

func (f *fakeData) ListChannels(ctx context.Context, orgID string) ([]store.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Channel, 0)
	for _, channel := range f.channels {
		if channel.OrgID == orgID {
			out = append(out, channel)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeData) EnsureChannelMember(ctx context.Context, channelID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.members[channelID] {
		if id == userID {
			return nil
		}
	}
	f.members[channelID] = append(f.members[channelID], userID)
	return nil
}

func (f *fakeData) ListChannelMemberIDs(ctx context.Context, channelID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.members[channelID]))
	copy(out, f.members[channelID])
	return out, nil
}

func (f *fakeData) ListRecentMessages(ctx context.Context, channelID string, limit int) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Message, 0)
	for _, msg := range f.messages {
		if msg.ChannelID == channelID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeData) GetMessage(ctx context.Context, id string) (store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[id]
	if !ok {
		return store.Message{}, store.ErrNotFound
	}
	return msg, nil
}

func (f *fakeData) InsertMessage(ctx context.Context, msg store.Message) (store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTime = f.nextTime.Add(time.Second)
	msg.CreatedAt = f.nextTime
	msg.UpdatedAt = f.nextTime
	if profile, ok := f.profiles[msg.UserID]; ok {
		msg.Author = profile
	}
	f.messages[msg.ID] = msg
	return msg, nil
}

func (f *fakeData) UpdateMessageContent(ctx context.Context, id, userID, content string) (store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[id]
	if !ok || msg.UserID != userID {
		return store.Message{}, store.ErrNotFound
	}
	msg.Content = content
	msg.IsEdited = true
	f.messages[id] = msg
	return msg, nil
}

func (f *fakeData) DeleteMessage(ctx context.Context, id, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[id]
	if !ok || msg.UserID != userID {
		return store.ErrNotFound
	}
	delete(f.messages, id)
	return nil
}

func (f *fakeData) AddReaction(ctx context.Context, reaction store.Reaction) (store.Reaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[reaction.MessageID]
	if !ok {
		return store.Reaction{}, store.ErrNotFound
	}
	reaction.CreatedAt = f.nextTime
	msg.Reactions = append(msg.Reactions, reaction)
	f.messages[reaction.MessageID] = msg
	return reaction, nil
}

func (f *fakeData) RemoveReaction(ctx context.Context, messageID, userID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[messageID]
	if !ok {
		return nil
	}
	kept := msg.Reactions[:0]
	for _, reaction := range msg.Reactions {
		if reaction.UserID == userID && reaction.Emoji == emoji {
			continue
		}
		kept = append(kept, reaction)
	}
	msg.Reactions = kept
	f.messages[messageID] = msg
	return nil
}

type testEnv struct {
	data    *fakeData
	engine  *chat.Engine
	handler http.Handler
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)

	feedClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { feedClient.Close() })
	presenceClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { presenceClient.Close() })

	data := newFakeData()
	engine := chat.NewEngine(data, feed.NewRedisFeedWithClient(feedClient), chat.Options{
		Backoff:    time.Millisecond,
		BackoffCap: 2 * time.Millisecond,
	})
	t.Cleanup(engine.Shutdown)

	service := New(config.Config{}, data, engine, presence.NewServiceWithClient(presenceClient), nil, nil)
	return &testEnv{
		data:    data,
		engine:  engine,
		handler: NewHTTPServer(service, "*").Handler(),
	}
}

func (e *testEnv) seedChannel(id, orgID, name string) {
	e.data.channels[id] = store.Channel{ID: id, OrgID: orgID, Name: name, Type: "public", CreatedBy: "user-1"}
}

func (e *testEnv) seedMessage(id, channelID, userID, content string) {
	e.data.nextTime = e.data.nextTime.Add(time.Second)
	e.data.messages[id] = store.Message{
		ID:        id,
		ChannelID: channelID,
		UserID:    userID,
		Content:   content,
		CreatedAt: e.data.nextTime,
		UpdatedAt: e.data.nextTime,
	}
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body any, asActor bool) *httptest.ResponseRecorder {
	t.Helper()
	actorID := ""
	if asActor {
		actorID = "user-1"
	}
	return doRequestAs(t, handler, method, path, body, actorID)
}

func doRequestAs(t *testing.T, handler http.Handler, method, path string, body any, actorID string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if actorID != "" {
		req.Header.Set("X-Actor-Id", actorID)
		req.Header.Set("X-Actor-Name", actorID)
		req.Header.Set("X-Org-Id", "org-1")
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

func decodeResponse(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	env := setupEnv(t)
	recorder := doRequest(t, env.handler, http.MethodGet, "/api/health", nil, false)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestReadyReflectsDatabase(t *testing.T) {
	env := setupEnv(t)

	recorder := doRequest(t, env.handler, http.MethodGet, "/api/ready", nil, false)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}

	env.data.pingErr = errors.New("connection refused")
	recorder = doRequest(t, env.handler, http.MethodGet, "/api/ready", nil, false)
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	if payload["status"] != "not_ready" {
		t.Fatalf("expected not_ready, got %v", payload["status"])
	}
}

func TestMissingActorIsRejected(t *testing.T) {
	env := setupEnv(t)
	recorder := doRequest(t, env.handler, http.MethodGet, "/api/channels", nil, false)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	if payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("unexpected error payload: %v", payload)
	}
}

func TestCreateAndListChannels(t *testing.T) {
	env := setupEnv(t)

	recorder := doRequest(t, env.handler, http.MethodPost, "/api/channels", CreateChannelInput{Name: " general "}, true)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	created := decodeResponse(t, recorder)
	if created["name"] != "general" {
		t.Fatalf("expected trimmed name, got %v", created["name"])
	}
	if created["orgId"] != "org-1" {
		t.Fatalf("channel not stamped with actor org: %v", created)
	}

	// A channel in another org must not appear in the listing.
	env.seedChannel("chan-other", "org-2", "secret")

	recorder = doRequest(t, env.handler, http.MethodGet, "/api/channels", nil, true)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	channels, ok := payload["channels"].([]any)
	if !ok || len(channels) != 1 {
		t.Fatalf("expected exactly the org's channel, got %v", payload)
	}
}

func TestCreateChannelRequiresName(t *testing.T) {
	env := setupEnv(t)
	recorder := doRequest(t, env.handler, http.MethodPost, "/api/channels", CreateChannelInput{Name: "   "}, true)
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", recorder.Code)
	}
}

func TestSendMessageIsAccepted(t *testing.T) {
	env := setupEnv(t)
	env.seedChannel("chan-1", "org-1", "general")

	recorder := doRequest(t, env.handler, http.MethodPost, "/api/channels/chan-1/messages", SendMessageInput{Content: "  hello  "}, true)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	if payload["content"] != "hello" {
		t.Fatalf("expected trimmed content, got %v", payload["content"])
	}
	if len(env.data.messages) != 1 {
		t.Fatalf("message not persisted: %v", env.data.messages)
	}
}

func TestSendMessageToForeignOrgChannelIs404(t *testing.T) {
	env := setupEnv(t)
	env.seedChannel("chan-other", "org-2", "secret")

	recorder := doRequest(t, env.handler, http.MethodPost, "/api/channels/chan-other/messages", SendMessageInput{Content: "hi"}, true)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestSendEmptyMessageIs422(t *testing.T) {
	env := setupEnv(t)
	env.seedChannel("chan-1", "org-1", "general")

	recorder := doRequest(t, env.handler, http.MethodPost, "/api/channels/chan-1/messages", SendMessageInput{Content: "   "}, true)
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", recorder.Code)
	}
}

func TestEditOnlyOwnMessages(t *testing.T) {
	env := setupEnv(t)
	env.seedChannel("chan-1", "org-1", "general")
	env.seedMessage("msg-1", "chan-1", "someone-else", "original")

	recorder := doRequest(t, env.handler, http.MethodPut, "/api/messages/msg-1", map[string]string{"content": "hijacked"}, true)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign message, got %d", recorder.Code)
	}

	env.seedMessage("msg-2", "chan-1", "user-1", "draft")
	recorder = doRequest(t, env.handler, http.MethodPut, "/api/messages/msg-2", map[string]string{"content": "final"}, true)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	if payload["content"] != "final" || payload["isEdited"] != true {
		t.Fatalf("unexpected edit result: %v", payload)
	}
}

func TestDeleteMessage(t *testing.T) {
	env := setupEnv(t)
	env.seedChannel("chan-1", "org-1", "general")
	env.seedMessage("msg-1", "chan-1", "user-1", "to remove")

	recorder := doRequest(t, env.handler, http.MethodDelete, "/api/messages/msg-1", nil, true)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if _, ok := env.data.messages["msg-1"]; ok {
		t.Fatal("message still present after delete")
	}

	recorder = doRequest(t, env.handler, http.MethodDelete, "/api/messages/msg-1", nil, true)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for repeated delete, got %d", recorder.Code)
	}
}

func TestReactions(t *testing.T) {
	env := setupEnv(t)
	env.seedChannel("chan-1", "org-1", "general")
	env.seedMessage("msg-1", "chan-1", "user-1", "react to me")

	recorder := doRequest(t, env.handler, http.MethodPost, "/api/messages/msg-1/reactions", ReactionInput{Emoji: "👍"}, true)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	if payload["emoji"] != "👍" {
		t.Fatalf("unexpected reaction payload: %v", payload)
	}

	recorder = doRequest(t, env.handler, http.MethodPost, "/api/messages/missing/reactions", ReactionInput{Emoji: "👍"}, true)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing message, got %d", recorder.Code)
	}

	recorder = doRequest(t, env.handler, http.MethodDelete, "/api/messages/msg-1/reactions", ReactionInput{Emoji: "👍"}, true)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if n := len(env.data.messages["msg-1"].Reactions); n != 0 {
		t.Fatalf("expected reaction removed, %d left", n)
	}
}

func TestTypingAndUnreadEndpoints(t *testing.T) {
	env := setupEnv(t)
	env.seedChannel("chan-1", "org-1", "general")

	recorder := doRequest(t, env.handler, http.MethodPost, "/api/channels/chan-1/typing", nil, true)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}

	recorder = doRequest(t, env.handler, http.MethodGet, "/api/channels/chan-1/typing", nil, true)
	payload := decodeResponse(t, recorder)
	users, ok := payload["users"].([]any)
	if !ok || len(users) != 1 || users[0] != "user-1" {
		t.Fatalf("expected [user-1], got %v", payload)
	}

	recorder = doRequest(t, env.handler, http.MethodGet, "/api/channels/chan-1/unread", nil, true)
	payload = decodeResponse(t, recorder)
	if payload["count"] != float64(0) {
		t.Fatalf("expected 0 unread, got %v", payload["count"])
	}

	recorder = doRequest(t, env.handler, http.MethodPost, "/api/channels/chan-1/read", nil, true)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestSendBumpsUnreadForOtherMembers(t *testing.T) {
	env := setupEnv(t)
	env.seedChannel("chan-1", "org-1", "general")

	// user-2 joins by reading the channel, then user-1 sends twice.
	recorder := doRequestAs(t, env.handler, http.MethodGet, "/api/channels/chan-1/messages", nil, "user-2")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	for i := 0; i < 2; i++ {
		recorder = doRequest(t, env.handler, http.MethodPost, "/api/channels/chan-1/messages", SendMessageInput{Content: "ping"}, true)
		if recorder.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d: %s", recorder.Code, recorder.Body.String())
		}
	}

	recorder = doRequestAs(t, env.handler, http.MethodGet, "/api/channels/chan-1/unread", nil, "user-2")
	payload := decodeResponse(t, recorder)
	if payload["count"] != float64(2) {
		t.Fatalf("expected 2 unread for the other member, got %v", payload["count"])
	}

	// The author's own counter never moves.
	recorder = doRequest(t, env.handler, http.MethodGet, "/api/channels/chan-1/unread", nil, true)
	payload = decodeResponse(t, recorder)
	if payload["count"] != float64(0) {
		t.Fatalf("expected 0 unread for the author, got %v", payload["count"])
	}

	// Reading the channel resets the counter.
	doRequestAs(t, env.handler, http.MethodGet, "/api/channels/chan-1/messages", nil, "user-2")
	recorder = doRequestAs(t, env.handler, http.MethodGet, "/api/channels/chan-1/unread", nil, "user-2")
	payload = decodeResponse(t, recorder)
	if payload["count"] != float64(0) {
		t.Fatalf("expected 0 unread after reading, got %v", payload["count"])
	}
}

func TestCreateChannelRecordsCreatorMembership(t *testing.T) {
	env := setupEnv(t)

	recorder := doRequest(t, env.handler, http.MethodPost, "/api/channels", CreateChannelInput{Name: "general"}, true)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", recorder.Code)
	}
	created := decodeResponse(t, recorder)
	channelID, _ := created["id"].(string)

	members, err := env.data.ListChannelMemberIDs(context.Background(), channelID)
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	if len(members) != 1 || members[0] != "user-1" {
		t.Fatalf("expected creator membership, got %v", members)
	}
}

func TestRequestIDHeader(t *testing.T) {
	env := setupEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, req)
	if got := recorder.Header().Get("X-Request-ID"); got != "req-abc" {
		t.Fatalf("expected request id echoed, got %q", got)
	}

	recorder = doRequest(t, env.handler, http.MethodGet, "/api/health", nil, false)
	if recorder.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a generated request id")
	}
}

func TestChannelMessagesRejectsBadLimit(t *testing.T) {
	env := setupEnv(t)
	env.seedChannel("chan-1", "org-1", "general")

	recorder := doRequest(t, env.handler, http.MethodGet, "/api/channels/chan-1/messages?limit=banana", nil, true)
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", recorder.Code)
	}
}

func TestChannelMessagesReturnsOrderedPage(t *testing.T) {
	env := setupEnv(t)
	env.seedChannel("chan-1", "org-1", "general")
	env.seedMessage("msg-1", "chan-1", "user-1", "first")
	env.seedMessage("msg-2", "chan-1", "user-1", "second")

	recorder := doRequest(t, env.handler, http.MethodGet, "/api/channels/chan-1/messages", nil, true)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	messages, ok := payload["messages"].([]any)
	if !ok || len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %v", payload)
	}
	first := messages[0].(map[string]any)
	if first["content"] != "first" {
		t.Fatalf("expected ascending order, got %v", messages)
	}
}

func TestUploadWithoutAttachmentStoreIs503(t *testing.T) {
	env := setupEnv(t)
	env.seedChannel("chan-1", "org-1", "general")

	var body bytes.Buffer
	body.WriteString("--deadbeef\r\nContent-Disposition: form-data; name=\"file\"; filename=\"a.txt\"\r\n\r\nhi\r\n--deadbeef--\r\n")
	req := httptest.NewRequest(http.MethodPost, "/api/channels/chan-1/attachments", &body)
	req.Header.Set("Content-Type", "multipart/form-data; boundary=deadbeef")
	req.Header.Set("X-Actor-Id", "user-1")
	req.Header.Set("X-Org-Id", "org-1")
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestStreamDeliversReconciledView(t *testing.T) {
	env := setupEnv(t)
	env.seedChannel("chan-1", "org-1", "general")
	env.seedMessage("msg-1", "chan-1", "user-1", "hello stream")

	server := httptest.NewServer(env.handler)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/channels/chan-1/stream", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("X-Actor-Id", "user-1")
	req.Header.Set("X-Org-Id", "org-1")

	resp, err := server.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("expected event-stream content type, got %q", ct)
	}

	// The snapshot is loaded asynchronously after subscribe, so scan sync
	// frames until one carries the seeded message.
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var state struct {
			Status   string           `json:"status"`
			Messages []map[string]any `json:"messages"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &state); err != nil {
			t.Fatalf("decode sync frame %q: %v", line, err)
		}
		if len(state.Messages) == 1 && state.Messages[0]["content"] == "hello stream" {
			if state.Status != string(chat.StatusLive) {
				t.Fatalf("expected live status, got %q", state.Status)
			}
			return
		}
	}
	t.Fatalf("stream ended before delivering the seeded message: %v", scanner.Err())
}

func TestStreamForForeignOrgChannelIs404(t *testing.T) {
	env := setupEnv(t)
	env.seedChannel("chan-other", "org-2", "secret")

	recorder := doRequest(t, env.handler, http.MethodGet, "/api/channels/chan-other/stream", nil, true)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}
