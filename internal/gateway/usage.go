// ABOUTME: HTTP handlers for the turn ledger
// ABOUTME: Lists a conversation's finished turns and aggregates usage across turns

package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/2389/coven-relay/internal/store"
)

// handleListTurns returns a conversation's finished turns, newest first.
func (g *Gateway) handleListTurns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	turns, err := g.store.ListTurns(r.Context(), id, limit)
	if err != nil {
		g.logger.Error("failed to list turns", "conversation_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if turns == nil {
		turns = []*store.TurnRecord{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

// handleUsage aggregates the turn ledger. Supports ?conversation_id= and
// RFC3339 ?since= / ?until= bounds.
func (g *Gateway) handleUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.UsageFilter{ConversationID: q.Get("conversation_id")}

	for _, bound := range []struct {
		name string
		dst  **time.Time
	}{
		{"since", &filter.Since},
		{"until", &filter.Until},
	} {
		raw := q.Get(bound.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid "+bound.name+": expected RFC3339")
			return
		}
		*bound.dst = &t
	}

	stats, err := g.store.GetUsageStats(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to aggregate usage", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusOK, stats)
}
