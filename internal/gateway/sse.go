// ABOUTME: Server-sent event helpers built on go-sse sessions
// ABOUTME: Frames carry their resume cursor as the event id; idle waits become comments

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tmaxmax/go-sse"
)

// openStream upgrades the response to an event stream. On failure it has
// already written a JSON error.
func (g *Gateway) openStream(w http.ResponseWriter, r *http.Request) (*sse.Session, bool) {
	// Proxies such as nginx buffer responses unless told otherwise
	w.Header().Set("X-Accel-Buffering", "no")
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		g.logger.Error("streaming not supported", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return nil, false
	}
	return sess, true
}

// sendEvent writes one named event with a JSON payload and flushes it.
// An empty id leaves the client's last event id untouched.
func (g *Gateway) sendEvent(sess *sse.Session, id, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", event, err)
	}

	msg := &sse.Message{Type: sse.Type(event)}
	if id != "" {
		msg.ID = sse.ID(id)
	}
	msg.AppendData(string(payload))
	if err := sess.Send(msg); err != nil {
		return err
	}
	return sess.Flush()
}

// sendHeartbeat writes a comment line that keeps idle connections open.
func sendHeartbeat(sess *sse.Session) error {
	msg := &sse.Message{}
	msg.AppendComment("heartbeat")
	if err := sess.Send(msg); err != nil {
		return err
	}
	return sess.Flush()
}
