// ABOUTME: HTTP API handlers for conversation turns, streamed to browsers as SSE.
// ABOUTME: Turns outlive the request; reconnecting clients resume from a cursor or Last-Event-ID.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/2389/coven-relay/internal/backend"
	"github.com/2389/coven-relay/internal/buffer"
	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/store"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// SendMessageRequest is the JSON request body for POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	Content     string              `json:"content"`
	Attachments []AttachmentRequest `json:"attachments,omitempty"`
}

// AttachmentRequest names a file already present on the relay host.
type AttachmentRequest struct {
	Type        string `json:"type"`
	Path        string `json:"path"`
	DisplayName string `json:"display_name,omitempty"`
}

// ConversationRequest is the JSON body for PUT /api/conversations/{id}.
type ConversationRequest struct {
	Title         string   `json:"title"`
	WorkingDir    string   `json:"working_dir"`
	Model         string   `json:"model"`
	SystemMessage string   `json:"system_message"`
	Tools         []string `json:"tools"`
	MCPServers    []string `json:"mcp_servers"`
}

// ConversationResponse describes a conversation's settings and live state.
type ConversationResponse struct {
	ID            string                    `json:"id"`
	Title         string                    `json:"title,omitempty"`
	WorkingDir    string                    `json:"working_dir,omitempty"`
	Model         string                    `json:"model,omitempty"`
	SystemMessage string                    `json:"system_message,omitempty"`
	Tools         []string                  `json:"tools"`
	MCPServers    []string                  `json:"mcp_servers"`
	CreatedAt     string                    `json:"created_at,omitempty"`
	UpdatedAt     string                    `json:"updated_at,omitempty"`
	Status        buffer.ConversationStatus `json:"status"`
}

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status             string `json:"status"`
	Uptime             string `json:"uptime"`
	ActiveTurns        int    `json:"active_turns"`
	Handles            int    `json:"handles"`
	Buffers            int    `json:"buffers"`
	RunningSubmissions int    `json:"running_submissions"`
}

// handleHealth reports liveness and a few load counters.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, HealthResponse{
		Status:             "ok",
		Uptime:             time.Since(g.startedAt).Truncate(time.Second).String(),
		ActiveTurns:        g.registry.ActiveCount(),
		Handles:            g.pool.Len(),
		Buffers:            g.registry.Len(),
		RunningSubmissions: g.submitter.ActiveCount(),
	})
}

// handleSendMessage starts a turn and streams it from the beginning.
// Closing the request does not stop the turn.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	attachments := make([]backend.Attachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		attachments = append(attachments, backend.Attachment{Type: a.Type, Path: a.Path, DisplayName: a.DisplayName})
	}

	buf, err := g.conversation.SendMessage(r.Context(), id, req.Content, attachments)
	switch {
	case errors.Is(err, conversation.ErrEmptyPrompt):
		g.sendJSONError(w, http.StatusBadRequest, "content is required")
		return
	case errors.Is(err, backend.ErrBackendUnavailable):
		g.logger.Warn("backend unavailable", "conversation_id", id, "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "backend unavailable")
		return
	case err != nil:
		g.logger.Error("failed to send message", "conversation_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	// The turn already runs detached; a failed upgrade only loses this stream
	sess, ok := g.openStream(w, r)
	if !ok {
		return
	}
	// Send initial "started" event so the client knows the turn is live
	if err := g.sendEvent(sess, "", "started", map[string]string{"conversation_id": id}); err != nil {
		return
	}
	g.streamRelay(r.Context(), sess, relay.New(buf, relay.Cursor{}, g.relayOpts))
}

// handleStream resumes a conversation's current turn. The starting cursor
// comes from ?cursor= or, for EventSource reconnects, the Last-Event-ID header.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	raw := r.URL.Query().Get("cursor")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	cursor, err := relay.ParseCursor(raw)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid cursor")
		return
	}

	rel, err := g.conversation.Attach(r.Context(), id, cursor)
	if errors.Is(err, conversation.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "no turn for conversation")
		return
	}
	if err != nil {
		g.logger.Error("failed to attach", "conversation_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	sess, ok := g.openStream(w, r)
	if !ok {
		return
	}
	g.streamRelay(r.Context(), sess, rel)
}

// streamRelay writes relay frames as SSE events until the terminal frame or
// until the client goes away. Each event's id is the resume cursor.
func (g *Gateway) streamRelay(ctx context.Context, sess *sse.Session, rel *relay.Relay) {
	for {
		frame, err := rel.Next(ctx)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			// Client disconnected or the server is shutting down; the turn continues.
			return
		}

		if frame.Kind == relay.FrameHeartbeat {
			err = sendHeartbeat(sess)
		} else {
			err = g.sendEvent(sess, frame.Cursor.String(), string(frame.Kind), frame)
		}
		if err != nil {
			return
		}
	}
}

// handleStatus handles GET /api/conversations/{id}/status.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.conversation.Status(r.PathValue("id")))
}

// handleAbort cancels the conversation's live turn.
func (g *Gateway) handleAbort(w http.ResponseWriter, r *http.Request) {
	aborted := g.conversation.Abort(r.PathValue("id"))
	g.writeJSON(w, http.StatusOK, map[string]bool{"aborted": aborted})
}

// handleDisconnect releases the conversation's handle, deferred while a turn is live.
func (g *Gateway) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	deferred := g.conversation.Disconnect(r.Context(), r.PathValue("id"))
	g.writeJSON(w, http.StatusOK, map[string]bool{"deferred": deferred})
}

// handleListConversations handles GET /api/conversations.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	convs, err := g.store.ListConversations(r.Context(), limit)
	if err != nil {
		g.logger.Error("failed to list conversations", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]ConversationResponse, 0, len(convs))
	for _, c := range convs {
		resp = append(resp, g.conversationResponse(c))
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"conversations": resp})
}

// handleGetConversation returns stored settings plus live buffer state.
// Conversations without stored settings still report their live state.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, err := g.store.GetConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		status := g.conversation.Status(id)
		if !status.Active && status.Status == "" {
			g.sendJSONError(w, http.StatusNotFound, "conversation not found")
			return
		}
		c = &store.Conversation{ID: id}
	} else if err != nil {
		g.logger.Error("failed to get conversation", "conversation_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusOK, g.conversationResponse(c))
}

// handlePutConversation stores conversation settings. The next turn picks
// them up; a changed working directory or capability set recreates the handle.
func (g *Gateway) handlePutConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req ConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	c := &store.Conversation{
		ID:            id,
		Title:         req.Title,
		WorkingDir:    req.WorkingDir,
		Model:         req.Model,
		SystemMessage: req.SystemMessage,
		Tools:         req.Tools,
		MCPServers:    req.MCPServers,
	}
	if existing, err := g.store.GetConversation(r.Context(), id); err == nil {
		c.CreatedAt = existing.CreatedAt
		if c.Title == "" {
			c.Title = existing.Title
		}
	}
	if err := g.store.UpsertConversation(r.Context(), c); err != nil {
		g.logger.Error("failed to save conversation", "conversation_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusOK, g.conversationResponse(c))
}

// handleDeleteConversation cancels any live turn and forgets the conversation.
func (g *Gateway) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	g.conversation.Delete(r.Context(), id)
	if err := g.store.DeleteConversation(r.Context(), id); err != nil && !errors.Is(err, store.ErrNotFound) {
		g.logger.Error("failed to delete conversation", "conversation_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) conversationResponse(c *store.Conversation) ConversationResponse {
	resp := ConversationResponse{
		ID:            c.ID,
		Title:         c.Title,
		WorkingDir:    c.WorkingDir,
		Model:         c.Model,
		SystemMessage: c.SystemMessage,
		Tools:         nonNil(c.Tools),
		MCPServers:    nonNil(c.MCPServers),
		Status:        g.conversation.Status(c.ID),
	}
	if !c.CreatedAt.IsZero() {
		resp.CreatedAt = c.CreatedAt.Format(time.RFC3339)
		resp.UpdatedAt = c.UpdatedAt.Format(time.RFC3339)
	}
	return resp
}

// handleActive lists running turns. ?content=true adds each turn's content,
// trimmed to the last ?tail= characters when set.
func (g *Gateway) handleActive(w http.ResponseWriter, r *http.Request) {
	includeContent, _ := strconv.ParseBool(r.URL.Query().Get("content"))
	tail, _ := strconv.Atoi(r.URL.Query().Get("tail"))

	turns := g.conversation.Active(includeContent, tail)
	g.writeJSON(w, http.StatusOK, map[string]any{
		"count": len(turns),
		"turns": turns,
	})
}

// handleActivityStream streams turn lifecycle events as SSE. ?conversation_id=
// narrows the stream to one conversation.
func (g *Gateway) handleActivityStream(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("conversation_id")
	if key == "" {
		key = conversation.AllConversations
	}
	events, err := g.conversation.Subscribe(r.Context(), key)
	if err != nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	sess, ok := g.openStream(w, r)
	if !ok {
		return
	}
	if err := g.sendEvent(sess, "", "connected", map[string]int{"active": g.registry.ActiveCount()}); err != nil {
		return
	}

	interval := g.relayOpts.WaitTimeout
	if interval <= 0 {
		interval = relay.DefaultWaitTimeout
	}
	keepalive := time.NewTicker(interval)
	defer keepalive.Stop()

	for {
		var err error
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			err = sendHeartbeat(sess)
		case ev, ok := <-events:
			if !ok {
				return
			}
			err = g.sendEvent(sess, "", string(ev.Type), ev)
		}
		if err != nil {
			return
		}
	}
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}

// decodeJSON parses a bounded JSON request body into v.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
