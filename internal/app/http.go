package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"huddle/api/internal/chat"
	"huddle/api/internal/search"
	"huddle/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	if r.URL.Path == "/api/channels" {
		switch r.Method {
		case http.MethodGet:
			s.handleListChannels(w, r, actor)
			return
		case http.MethodPost:
			s.handleCreateChannel(w, r, actor)
			return
		}
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r, actor)
		return
	}

	if channelID, rest, ok := splitResource(r.URL.Path, "/api/channels/"); ok {
		switch {
		case rest == "messages" && r.Method == http.MethodGet:
			s.handleChannelMessages(w, r, actor, channelID)
			return
		case rest == "messages" && r.Method == http.MethodPost:
			s.handleSendMessage(w, r, actor, channelID)
			return
		case rest == "stream" && r.Method == http.MethodGet:
			s.handleChannelStream(w, r, actor, channelID)
			return
		case rest == "typing" && r.Method == http.MethodPost:
			s.handleSetTyping(w, r, actor, channelID)
			return
		case rest == "typing" && r.Method == http.MethodGet:
			s.handleTypingUsers(w, r, channelID)
			return
		case rest == "unread" && r.Method == http.MethodGet:
			s.handleUnreadCount(w, r, actor, channelID)
			return
		case rest == "read" && r.Method == http.MethodPost:
			s.handleMarkRead(w, r, actor, channelID)
			return
		case rest == "attachments" && r.Method == http.MethodPost:
			s.handleUploadAttachment(w, r, actor, channelID)
			return
		}
	}

	if messageID, rest, ok := splitResource(r.URL.Path, "/api/messages/"); ok {
		switch {
		case rest == "" && r.Method == http.MethodPut:
			s.handleEditMessage(w, r, actor, messageID)
			return
		case rest == "" && r.Method == http.MethodDelete:
			s.handleDeleteMessage(w, r, actor, messageID)
			return
		case rest == "reactions" && r.Method == http.MethodPost:
			s.handleAddReaction(w, r, actor, messageID)
			return
		case rest == "reactions" && r.Method == http.MethodDelete:
			s.handleRemoveReaction(w, r, actor, messageID)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// requireActor reads the identity stamped by the upstream auth gateway.
// Requests arriving without it never reached the gateway and are rejected.
func (s *HTTPServer) requireActor(w http.ResponseWriter, r *http.Request) (Actor, bool) {
	actor := Actor{
		ID:          strings.TrimSpace(r.Header.Get("X-Actor-Id")),
		DisplayName: strings.TrimSpace(r.Header.Get("X-Actor-Name")),
		OrgID:       strings.TrimSpace(r.Header.Get("X-Org-Id")),
	}
	if actor.ID == "" || actor.OrgID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Actor{}, false
	}
	if actor.DisplayName == "" {
		actor.DisplayName = actor.ID
	}
	return actor, true
}

func (s *HTTPServer) handleListChannels(w http.ResponseWriter, r *http.Request, actor Actor) {
	channels, err := s.service.ListChannels(r.Context(), actor)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	payload := make([]map[string]any, 0, len(channels))
	for _, channel := range channels {
		payload = append(payload, channelJSON(channel))
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": payload})
}

func (s *HTTPServer) handleCreateChannel(w http.ResponseWriter, r *http.Request, actor Actor) {
	var body CreateChannelInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	channel, err := s.service.CreateChannel(r.Context(), actor, body)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, channelJSON(channel))
}

func (s *HTTPServer) handleChannelMessages(w http.ResponseWriter, r *http.Request, actor Actor, channelID string) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		limit = parsed
	}
	messages, err := s.service.ChannelMessages(r.Context(), actor, channelID, limit)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messagesJSON(messages)})
}

func (s *HTTPServer) handleSendMessage(w http.ResponseWriter, r *http.Request, actor Actor, channelID string) {
	var body SendMessageInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	msg, err := s.service.SendMessage(r.Context(), actor, channelID, body)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	// Accepted, not created: the message becomes visible to subscribers only
	// when its insert event loops back through the feed.
	writeJSON(w, http.StatusAccepted, messageJSON(msg))
}

func (s *HTTPServer) handleEditMessage(w http.ResponseWriter, r *http.Request, actor Actor, messageID string) {
	var body struct {
		Content string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	msg, err := s.service.EditMessage(r.Context(), actor, messageID, body.Content)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, messageJSON(msg))
}

func (s *HTTPServer) handleDeleteMessage(w http.ResponseWriter, r *http.Request, actor Actor, messageID string) {
	if err := s.service.DeleteMessage(r.Context(), actor, messageID); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleAddReaction(w http.ResponseWriter, r *http.Request, actor Actor, messageID string) {
	var body ReactionInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	reaction, err := s.service.AddReaction(r.Context(), actor, messageID, body.Emoji)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, reactionJSON(reaction))
}

func (s *HTTPServer) handleRemoveReaction(w http.ResponseWriter, r *http.Request, actor Actor, messageID string) {
	var body ReactionInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.RemoveReaction(r.Context(), actor, messageID, body.Emoji); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSetTyping(w http.ResponseWriter, r *http.Request, actor Actor, channelID string) {
	if err := s.service.SetTyping(r.Context(), actor, channelID); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleTypingUsers(w http.ResponseWriter, r *http.Request, channelID string) {
	users, err := s.service.TypingUsers(r.Context(), channelID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *HTTPServer) handleUnreadCount(w http.ResponseWriter, r *http.Request, actor Actor, channelID string) {
	count, err := s.service.UnreadCount(r.Context(), actor, channelID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": count})
}

func (s *HTTPServer) handleMarkRead(w http.ResponseWriter, r *http.Request, actor Actor, channelID string) {
	if err := s.service.MarkRead(r.Context(), actor, channelID); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, actor Actor) {
	q := search.Query{
		Text:            strings.TrimSpace(r.URL.Query().Get("q")),
		FilterChannelID: strings.TrimSpace(r.URL.Query().Get("channelId")),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		q.Limit = parsed
	}
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), actor, q))
}

func (s *HTTPServer) handleUploadAttachment(w http.ResponseWriter, r *http.Request, actor Actor, channelID string) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "multipart field 'file' is required", nil)
		return
	}
	defer file.Close()

	attachment, err := s.service.UploadAttachment(
		r.Context(), actor, channelID,
		header.Filename, file, header.Size,
		header.Header.Get("Content-Type"),
	)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, attachment)
}

// handleChannelStream bridges a channel subscription onto server-sent
// events. Each signal from the subscription flushes the full reconciled view;
// the client replaces, never appends, so duplicates and reordering on this
// hop are harmless.
func (s *HTTPServer) handleChannelStream(w http.ResponseWriter, r *http.Request, actor Actor, channelID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "streaming unsupported", nil)
		return
	}

	handle, err := s.service.OpenChannel(r.Context(), actor, channelID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	defer handle.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	updates := handle.Updates()
	writeStreamState(w, handle)
	flusher.Flush()

	ping := time.NewTicker(25 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-updates:
			writeStreamState(w, handle)
			flusher.Flush()
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeStreamState(w http.ResponseWriter, handle *chat.Handle) {
	payload, err := json.Marshal(map[string]any{
		"status":   handle.Status(),
		"messages": messagesJSON(handle.Messages()),
	})
	if err != nil {
		log.Printf("http: encode stream state for %s: %v", handle.ChannelID(), err)
		return
	}
	fmt.Fprintf(w, "event: sync\ndata: %s\n\n", payload)
}

// splitResource matches prefix/{id} and prefix/{id}/{rest}; rest is empty
// for the bare form.
func splitResource(path, prefix string) (id, rest string, ok bool) {
	if !strings.HasPrefix(path, prefix) {
		return "", "", false
	}
	remainder := strings.TrimPrefix(path, prefix)
	parts := strings.SplitN(remainder, "/", 2)
	if parts[0] == "" {
		return "", "", false
	}
	if len(parts) == 1 {
		return parts[0], "", true
	}
	return parts[0], parts[1], true
}

func channelJSON(channel store.Channel) map[string]any {
	return map[string]any{
		"id":          channel.ID,
		"orgId":       channel.OrgID,
		"name":        channel.Name,
		"description": channel.Description,
		"type":        channel.Type,
		"createdBy":   channel.CreatedBy,
		"createdAt":   channel.CreatedAt,
	}
}

func messagesJSON(messages []store.Message) []map[string]any {
	payload := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		payload = append(payload, messageJSON(msg))
	}
	return payload
}

func messageJSON(msg store.Message) map[string]any {
	reactions := make([]map[string]any, 0, len(msg.Reactions))
	for _, reaction := range msg.Reactions {
		reactions = append(reactions, reactionJSON(reaction))
	}
	payload := map[string]any{
		"id":        msg.ID,
		"channelId": msg.ChannelID,
		"userId":    msg.UserID,
		"content":   msg.Content,
		"isEdited":  msg.IsEdited,
		"createdAt": msg.CreatedAt,
		"updatedAt": msg.UpdatedAt,
		"author": map[string]any{
			"id":          msg.Author.ID,
			"displayName": msg.Author.DisplayName,
			"avatarUrl":   msg.Author.AvatarURL,
		},
		"reactions": reactions,
	}
	if len(msg.Attachments) > 0 {
		payload["attachments"] = msg.Attachments
	}
	if msg.ParentID != nil {
		payload["parentMessageId"] = *msg.ParentID
	}
	return payload
}

func reactionJSON(reaction store.Reaction) map[string]any {
	return map[string]any{
		"id":        reaction.ID,
		"messageId": reaction.MessageID,
		"userId":    reaction.UserID,
		"emoji":     reaction.Emoji,
		"createdAt": reaction.CreatedAt,
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Actor-Id, X-Actor-Name, X-Org-Id")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
