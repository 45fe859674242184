// ABOUTME: Tests for the echo backend and the process backend.
// ABOUTME: Validates event ordering, handle lifecycle, and JSON-lines decoding from a child process.

package backend

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect subscribes to turn and returns a func that waits for the idle or error event.
func collect(t *testing.T, turn Turn) func() []Event {
	t.Helper()
	var (
		mu     sync.Mutex
		events []Event
		done   = make(chan struct{})
		once   sync.Once
	)
	turn.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		if ev.Kind == EventIdle || ev.Kind == EventError {
			once.Do(func() { close(done) })
		}
	})
	return func() []Event {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for turn to finish")
		}
		mu.Lock()
		defer mu.Unlock()
		return append([]Event(nil), events...)
	}
}

func TestEchoBackend_StreamsPromptWords(t *testing.T) {
	b := NewEchoBackend(0)
	h, err := b.Start(t.Context(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 1, b.Live())

	turn, err := h.CreateTurn(t.Context(), TurnConfig{ConversationID: "c1", Model: "gpt"})
	require.NoError(t, err)
	wait := collect(t, turn)

	require.NoError(t, turn.Send(t.Context(), "hello brave world", nil))
	events := wait()

	var text strings.Builder
	kinds := make([]EventKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == EventDelta {
			text.WriteString(ev.Text)
		}
	}
	assert.Equal(t, "hello brave world", text.String())
	assert.Equal(t, EventStep, kinds[0])
	assert.Equal(t, []EventKind{EventUsage, EventTurnDone, EventIdle}, kinds[len(kinds)-3:])

	require.NoError(t, h.Stop(t.Context()))
	require.NoError(t, h.Stop(t.Context()))
	assert.Equal(t, 0, b.Live())

	_, err = h.CreateTurn(t.Context(), TurnConfig{})
	assert.Error(t, err)
}

func TestEchoBackend_MissingDirectory(t *testing.T) {
	b := NewEchoBackend(0)
	_, err := b.Start(t.Context(), filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
	assert.Equal(t, 0, b.Live())
}

func TestProcessBackend_DecodesJSONLines(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "agent.sh")
	body := `#!/bin/sh
read prompt
echo '{"type":"step","data":{"title":"Model","detail":"'"$COVEN_MODEL"'"}}'
echo '{"type":"delta","data":{"content":"you said: '"$prompt"'"}}'
echo 'garbage line'
echo '{"type":"assistant.message"}'
`
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	b := NewProcessBackend("sh", []string{script}, nil, nil)
	h, err := b.Start(t.Context(), dir)
	require.NoError(t, err)
	defer h.Stop(t.Context())

	turn, err := h.CreateTurn(t.Context(), TurnConfig{ConversationID: "c1", Model: "m-1"})
	require.NoError(t, err)
	wait := collect(t, turn)
	require.NoError(t, turn.Send(t.Context(), "ping\n", nil))
	events := wait()

	require.Len(t, events, 4)
	assert.Equal(t, EventStep, events[0].Kind)
	assert.Equal(t, "m-1", events[0].Step.Detail)
	assert.Equal(t, EventDelta, events[1].Kind)
	assert.Equal(t, "you said: ping", events[1].Text)
	assert.Equal(t, EventTurnDone, events[2].Kind)
	assert.Equal(t, EventIdle, events[3].Kind, "idle is synthesised on clean exit")
}

func TestProcessBackend_FailingProcessEmitsError(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	b := NewProcessBackend("sh", []string{"-c", "echo boom >&2; exit 3"}, nil, nil)
	h, err := b.Start(t.Context(), t.TempDir())
	require.NoError(t, err)
	defer h.Stop(t.Context())

	turn, err := h.CreateTurn(t.Context(), TurnConfig{})
	require.NoError(t, err)
	wait := collect(t, turn)
	require.NoError(t, turn.Send(t.Context(), "", nil))
	events := wait()

	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Kind)
	assert.Contains(t, last.Text, "boom")
}

func TestProcessBackend_OversizedLineFailsTurn(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	// One line past maxLineSize, then an idle event the decoder never reaches
	script := `head -c 5242880 /dev/zero | tr '\0' 'a'; echo; echo '{"type":"idle"}'`
	b := NewProcessBackend("sh", []string{"-c", script}, nil, nil)
	h, err := b.Start(t.Context(), t.TempDir())
	require.NoError(t, err)
	defer h.Stop(t.Context())

	turn, err := h.CreateTurn(t.Context(), TurnConfig{ConversationID: "c1"})
	require.NoError(t, err)
	wait := collect(t, turn)
	require.NoError(t, turn.Send(t.Context(), "", nil))
	events := wait()

	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Kind)
	assert.Contains(t, last.Text, "agent output")
}

func TestProcessBackend_UnknownCommand(t *testing.T) {
	b := NewProcessBackend("definitely-not-an-agent-binary", nil, nil, nil)
	_, err := b.Start(t.Context(), t.TempDir())
	assert.Error(t, err)
}
