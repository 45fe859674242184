// ABOUTME: Shared fixtures for gateway tests
// ABOUTME: Builds a relay over a temp store and the echo backend, and parses SSE bodies

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/backend"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/store"
)

const testSecret = "test-secret-key-for-jwt-signing"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0", ShutdownTimeout: 5 * time.Second},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "relay.db")},
		Auth:     config.AuthConfig{Disabled: true},
		Backend:  config.BackendConfig{Type: config.BackendEcho},
		Buffers:  config.BuffersConfig{WaitTimeout: 200 * time.Millisecond},
		Logging:  config.LoggingConfig{Level: "info", Format: "text"},
	}
}

func buildGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	sqlStore, err := store.NewSQLiteStore(cfg.Database.Path)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := newGateway(cfg, sqlStore, backend.NewEchoBackend(cfg.Backend.Delay), logger)
	require.NoError(t, err)
	return gw
}

// newTestGateway builds a gateway that is shut down when the test ends.
func newTestGateway(t *testing.T, mutate ...func(*config.Config)) *Gateway {
	t.Helper()
	cfg := testConfig(t)
	for _, m := range mutate {
		m(cfg)
	}
	gw := buildGateway(t, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return gw
}

func withDelay(d time.Duration) func(*config.Config) {
	return func(cfg *config.Config) { cfg.Backend.Delay = d }
}

func withAuth(cfg *config.Config) {
	cfg.Auth = config.AuthConfig{JWTSecret: testSecret}
}

// do sends a request through the gateway's handler and records the response.
func do(gw *Gateway, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

type sseEvent struct {
	ID    string
	Event string
	Data  string
}

// sseField returns the value of a "name: value" line. The space after the
// colon is optional on the wire.
func sseField(line, name string) (string, bool) {
	v, ok := strings.CutPrefix(line, name+":")
	if !ok {
		return "", false
	}
	return strings.TrimPrefix(v, " "), true
}

// scanEvent folds one line into cur and reports whether it ended an event.
func scanEvent(cur *sseEvent, line string) bool {
	if line == "" {
		return true
	}
	if v, ok := sseField(line, "id"); ok {
		cur.ID = v
	} else if v, ok := sseField(line, "event"); ok {
		cur.Event = v
	} else if v, ok := sseField(line, "data"); ok {
		cur.Data = v
	}
	return false
}

// readSSE parses every event in r until EOF. Comment lines are skipped.
func readSSE(r io.Reader) []sseEvent {
	var events []sseEvent
	var cur sseEvent
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if scanEvent(&cur, sc.Text()) {
			if cur.Event != "" {
				events = append(events, cur)
			}
			cur = sseEvent{}
		}
	}
	return events
}

// nextSSE reads events from a live stream until one of the wanted kind arrives.
func nextSSE(t *testing.T, sc *bufio.Scanner, want string) sseEvent {
	t.Helper()
	var cur sseEvent
	for sc.Scan() {
		if scanEvent(&cur, sc.Text()) {
			if cur.Event == want {
				return cur
			}
			cur = sseEvent{}
		}
	}
	t.Fatalf("stream ended before %q event: %v", want, sc.Err())
	return sseEvent{}
}

// deltaText concatenates the content of every delta event.
func deltaText(t *testing.T, events []sseEvent) string {
	t.Helper()
	var sb strings.Builder
	for _, ev := range events {
		if ev.Event != "delta" {
			continue
		}
		var f struct {
			Content string `json:"content"`
		}
		require.NoError(t, json.Unmarshal([]byte(ev.Data), &f))
		sb.WriteString(f.Content)
	}
	return sb.String()
}

func bearer(token string) []string {
	return []string{"Authorization", "Bearer " + token}
}
