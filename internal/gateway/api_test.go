// ABOUTME: Tests for the conversation HTTP API and its SSE streams.
// ABOUTME: Verifies streaming, resume by cursor, status, abort, settings, and auth.

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/buffer"
	"github.com/2389/coven-relay/internal/relay"
)

func TestHandleHealth(t *testing.T) {
	gw := newTestGateway(t, withAuth)

	rec := do(gw, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	health := decodeBody[HealthResponse](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.Zero(t, health.ActiveTurns)
}

func TestHandleSendMessage_StreamsTurn(t *testing.T) {
	gw := newTestGateway(t)

	rec := do(gw, http.MethodPost, "/api/conversations/conv-1/messages", `{"content":"hello relay world"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")

	events := readSSE(rec.Body)
	require.NotEmpty(t, events)
	assert.Equal(t, "started", events[0].Event)
	assert.Equal(t, "done", events[len(events)-1].Event)
	assert.Equal(t, "hello relay world", deltaText(t, events))

	for _, ev := range events[1:] {
		_, err := relay.ParseCursor(ev.ID)
		assert.NoError(t, err, "event %s should carry a cursor id", ev.Event)
		assert.NotEmpty(t, ev.ID)
	}

	var done relay.Frame
	require.NoError(t, json.Unmarshal([]byte(events[len(events)-1].Data), &done))
	assert.Equal(t, "hello relay world", done.Title)
	assert.Equal(t, len("hello relay world"), done.ContentLength)
}

func TestHandleSendMessage_Validation(t *testing.T) {
	gw := newTestGateway(t)

	rec := do(gw, http.MethodPost, "/api/conversations/conv-1/messages", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(gw, http.MethodPost, "/api/conversations/conv-1/messages", `{"content":"   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "content is required")
}

func TestHandleSendMessage_BackendUnavailable(t *testing.T) {
	gw := newTestGateway(t)

	rec := do(gw, http.MethodPut, "/api/conversations/conv-1", `{"working_dir":"/definitely/not/a/dir"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(gw, http.MethodPost, "/api/conversations/conv-1/messages", `{"content":"hi"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	status := decodeBody[buffer.ConversationStatus](t, do(gw, http.MethodGet, "/api/conversations/conv-1/status", ""))
	assert.False(t, status.Active)
	assert.Empty(t, status.Status, "no buffer is created when the backend is unavailable")
}

func TestHandleStream_ResumesFromLastEventID(t *testing.T) {
	gw := newTestGateway(t)

	first := readSSE(do(gw, http.MethodPost, "/api/conversations/conv-1/messages", `{"content":"one two three four"}`).Body)
	require.Equal(t, "one two three four", deltaText(t, first))

	var firstDelta sseEvent
	for _, ev := range first {
		if ev.Event == "delta" {
			firstDelta = ev
			break
		}
	}
	require.NotEmpty(t, firstDelta.ID)

	rec := do(gw, http.MethodGet, "/api/conversations/conv-1/stream", "", "Last-Event-ID", firstDelta.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	resumed := readSSE(rec.Body)
	require.NotEmpty(t, resumed)
	assert.Equal(t, "two three four", deltaText(t, resumed))
	assert.Equal(t, "done", resumed[len(resumed)-1].Event)

	// ?cursor= takes precedence and replays from the start
	rec = do(gw, http.MethodGet, "/api/conversations/conv-1/stream?cursor=0.0.0.0", "", "Last-Event-ID", firstDelta.ID)
	assert.Equal(t, "one two three four", deltaText(t, readSSE(rec.Body)))
}

func TestHandleStream_Errors(t *testing.T) {
	gw := newTestGateway(t)

	rec := do(gw, http.MethodGet, "/api/conversations/ghost/stream", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(gw, http.MethodGet, "/api/conversations/ghost/stream?cursor=a.b", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleStatus(t *testing.T) {
	gw := newTestGateway(t)

	status := decodeBody[buffer.ConversationStatus](t, do(gw, http.MethodGet, "/api/conversations/conv-1/status", ""))
	assert.False(t, status.Active)

	readSSE(do(gw, http.MethodPost, "/api/conversations/conv-1/messages", `{"content":"a b c"}`).Body)

	status = decodeBody[buffer.ConversationStatus](t, do(gw, http.MethodGet, "/api/conversations/conv-1/status", ""))
	assert.False(t, status.Active)
	assert.Equal(t, buffer.StatusCompleted, status.Status)
	assert.Equal(t, 3, status.Chunks)
	assert.Equal(t, len("a b c"), status.ContentLength)
}

func TestHandleAbort(t *testing.T) {
	gw := newTestGateway(t, withDelay(200*time.Millisecond))

	_, err := gw.conversation.SendMessage(t.Context(), "conv-1", strings.Repeat("word ", 50), nil)
	require.NoError(t, err)

	rec := do(gw, http.MethodPost, "/api/conversations/conv-1/abort", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[map[string]bool](t, rec)["aborted"])

	events := readSSE(do(gw, http.MethodGet, "/api/conversations/conv-1/stream", "").Body)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "error", last.Event)
	assert.Contains(t, last.Data, "cancelled")

	rec = do(gw, http.MethodPost, "/api/conversations/conv-1/abort", "")
	assert.False(t, decodeBody[map[string]bool](t, rec)["aborted"])
}

func TestHandleDisconnect(t *testing.T) {
	gw := newTestGateway(t, withDelay(100*time.Millisecond))

	_, err := gw.conversation.SendMessage(t.Context(), "conv-1", "slow words here", nil)
	require.NoError(t, err)

	rec := do(gw, http.MethodPost, "/api/conversations/conv-1/disconnect", "")
	assert.True(t, decodeBody[map[string]bool](t, rec)["deferred"])

	require.Eventually(t, func() bool { return gw.pool.Len() == 0 }, 3*time.Second, 20*time.Millisecond,
		"handle is released once the turn ends")

	rec = do(gw, http.MethodPost, "/api/conversations/conv-1/disconnect", "")
	assert.False(t, decodeBody[map[string]bool](t, rec)["deferred"])
}

func TestConversationSettingsLifecycle(t *testing.T) {
	gw := newTestGateway(t)
	dir := t.TempDir()

	rec := do(gw, http.MethodPut, "/api/conversations/conv-1",
		`{"working_dir":"`+dir+`","model":"m","tools":["shell"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeBody[ConversationResponse](t, do(gw, http.MethodGet, "/api/conversations/conv-1", ""))
	assert.Equal(t, dir, got.WorkingDir)
	assert.Equal(t, "m", got.Model)
	assert.Equal(t, []string{"shell"}, got.Tools)
	assert.Equal(t, []string{}, got.MCPServers)

	// The first turn derives and stores a title
	readSSE(do(gw, http.MethodPost, "/api/conversations/conv-1/messages", `{"content":"Plan the release"}`).Body)
	got = decodeBody[ConversationResponse](t, do(gw, http.MethodGet, "/api/conversations/conv-1", ""))
	assert.Equal(t, "Plan the release", got.Title)
	assert.Equal(t, buffer.StatusCompleted, got.Status.Status)

	list := decodeBody[map[string][]ConversationResponse](t, do(gw, http.MethodGet, "/api/conversations", ""))
	require.Len(t, list["conversations"], 1)

	rec = do(gw, http.MethodDelete, "/api/conversations/conv-1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(gw, http.MethodGet, "/api/conversations/conv-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleActive(t *testing.T) {
	gw := newTestGateway(t, withDelay(100*time.Millisecond))

	_, err := gw.conversation.SendMessage(t.Context(), "conv-1", "a b c d e f g h", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status := gw.conversation.Status("conv-1")
		return status.Chunks >= 1
	}, 2*time.Second, 10*time.Millisecond)

	rec := do(gw, http.MethodGet, "/api/active?content=true&tail=4", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Count int                 `json:"count"`
		Turns []buffer.ActiveTurn `json:"turns"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "conv-1", resp.Turns[0].ConversationID)
	assert.NotEmpty(t, resp.Turns[0].Content)
	assert.LessOrEqual(t, len(resp.Turns[0].Content), 4)
}

func TestAuth_RequiredForAPI(t *testing.T) {
	gw := newTestGateway(t, withAuth)
	verifier := auth.NewJWTVerifier([]byte(testSecret))

	rec := do(gw, http.MethodGet, "/api/conversations/conv-1/status", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	user, err := verifier.Generate("user-1", nil, time.Hour)
	require.NoError(t, err)
	rec = do(gw, http.MethodGet, "/api/conversations/conv-1/status", "", bearer(user)...)
	assert.Equal(t, http.StatusOK, rec.Code)

	// The active listing is for operators
	rec = do(gw, http.MethodGet, "/api/active", "", bearer(user)...)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	admin, err := verifier.Generate("ops", []string{auth.RoleAdmin}, time.Hour)
	require.NoError(t, err)
	rec = do(gw, http.MethodGet, "/api/active", "", bearer(admin)...)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleActivityStream(t *testing.T) {
	gw := newTestGateway(t)
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/active/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sc := bufio.NewScanner(resp.Body)
	nextSSE(t, sc, "connected")

	_, err = gw.conversation.SendMessage(t.Context(), "conv-9", "watch me", nil)
	require.NoError(t, err)

	started := nextSSE(t, sc, "turn_started")
	assert.Contains(t, started.Data, `"conversation_id":"conv-9"`)

	finished := nextSSE(t, sc, "turn_finished")
	assert.Contains(t, finished.Data, `"status":"completed"`)
	assert.Contains(t, finished.Data, `"preview":"watch me"`)
}
