// ABOUTME: Tests for the background runner.
// ABOUTME: Validates detachment, completion ordering, cancellation, failures, and panics.

package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/backend"
	"github.com/2389/coven-relay/internal/buffer"
	"github.com/2389/coven-relay/internal/pool"
)

// script drives a scripted turn. emit delivers one event to the runner.
type script func(ctx context.Context, emit func(backend.Event))

type scriptBackend struct {
	script script
}

func (b *scriptBackend) Start(ctx context.Context, dir string) (backend.Handle, error) {
	return &scriptHandle{script: b.script}, nil
}

type scriptHandle struct {
	script script
}

func (h *scriptHandle) CreateTurn(ctx context.Context, cfg backend.TurnConfig) (backend.Turn, error) {
	return &scriptTurn{script: h.script}, nil
}

func (h *scriptHandle) Stop(ctx context.Context) error { return nil }

type scriptTurn struct {
	script script
	mu     sync.Mutex
	subs   []func(backend.Event)
}

func (t *scriptTurn) Subscribe(fn func(backend.Event)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = append(t.subs, fn)
	return func() {}
}

func (t *scriptTurn) Send(ctx context.Context, prompt string, attachments []backend.Attachment) error {
	go t.script(ctx, func(ev backend.Event) {
		t.mu.Lock()
		subs := append([]func(backend.Event){}, t.subs...)
		t.mu.Unlock()
		for _, fn := range subs {
			fn(ev)
		}
	})
	return nil
}

type fixture struct {
	pool     *pool.Pool
	registry *buffer.Registry
	runner   *Runner
	handle   *pool.Handle
}

func newFixture(t *testing.T, s script) *fixture {
	t.Helper()
	p := pool.New(&scriptBackend{script: s}, pool.Options{})
	registry := buffer.NewRegistry(buffer.RegistryOptions{})
	h, err := p.GetOrCreate(t.Context(), "c1", pool.BoundConfig{WorkingDir: t.TempDir()})
	require.NoError(t, err)
	return &fixture{pool: p, registry: registry, runner: New(p, registry, nil), handle: h}
}

func (f *fixture) start(ctx context.Context, req TurnRequest) *Task {
	buf := f.registry.Create("c1")
	return f.runner.Start(ctx, f.handle, buf, req)
}

func wait(t *testing.T, task *Task) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	err := task.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "task did not finish")
	return err
}

func waitForChunks(t *testing.T, buf *buffer.Buffer, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return buf.Snapshot().Chunks >= n
	}, 5*time.Second, time.Millisecond)
}

func TestRunner_StreamsEventsAndCompletes(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, emit func(backend.Event)) {
		emit(backend.StepEvent("Tool: bash", "ls"))
		emit(backend.Delta("Hello, "))
		emit(backend.Delta("world"))
		emit(backend.UsageEvent(backend.Usage{TokenLimit: 10, CurrentTokens: 3}))
		emit(backend.NotificationEvent("pending_messages", nil))
		emit(backend.TurnDone())
		emit(backend.Idle())
	})

	task := f.start(t.Context(), TurnRequest{Prompt: "hi"})
	require.NoError(t, wait(t, task))

	buf := task.Buffer()
	assert.Equal(t, buffer.StatusCompleted, buf.Status())
	assert.Equal(t, "Hello, world", buf.FullContent())

	v := buf.Read(buffer.Offsets{})
	require.Len(t, v.Steps, 1)
	assert.Equal(t, "Tool: bash", v.Steps[0].Title)
	require.Len(t, v.Notifications, 2)
	assert.Equal(t, "pending_messages", v.Notifications[0].Event)
	assert.Equal(t, "turn_done", v.Notifications[1].Event)
	require.NotNil(t, v.Usage)
	assert.Equal(t, 3, v.Usage.CurrentTokens)
}

func TestRunner_PostProcessRunsBeforeComplete(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, emit func(backend.Event)) {
		emit(backend.Delta("answer"))
		emit(backend.Idle())
	})

	var statusDuringPost buffer.Status
	task := f.start(t.Context(), TurnRequest{
		PostProcess: func(ctx context.Context, buf *buffer.Buffer) error {
			statusDuringPost = buf.Status()
			return buf.SetTitle("Answer")
		},
	})
	require.NoError(t, wait(t, task))

	assert.Equal(t, buffer.StatusRunning, statusDuringPost)
	assert.Equal(t, "Answer", task.Buffer().Title())
	assert.Equal(t, buffer.StatusCompleted, task.Buffer().Status())
}

func TestRunner_PostProcessErrorDoesNotFailTurn(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, emit func(backend.Event)) {
		emit(backend.Idle())
	})
	task := f.start(t.Context(), TurnRequest{
		PostProcess: func(ctx context.Context, buf *buffer.Buffer) error {
			return errors.New("title service down")
		},
	})
	require.NoError(t, wait(t, task))
	assert.Equal(t, buffer.StatusCompleted, task.Buffer().Status())
}

func TestRunner_SurvivesRequestCancellation(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(ctx context.Context, emit func(backend.Event)) {
		emit(backend.Delta("before "))
		<-release
		emit(backend.Delta("after"))
		emit(backend.Idle())
	})

	reqCtx, cancelReq := context.WithCancel(t.Context())
	task := f.start(reqCtx, TurnRequest{})
	waitForChunks(t, task.Buffer(), 1)

	cancelReq()
	close(release)

	require.NoError(t, wait(t, task))
	assert.Equal(t, "before after", task.Buffer().FullContent())
}

func TestRunner_CancelAfterOneChunkKeepsPartialContent(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, emit func(backend.Event)) {
		emit(backend.Delta("only chunk"))
		<-ctx.Done()
	})

	task := f.start(t.Context(), TurnRequest{})
	waitForChunks(t, task.Buffer(), 1)

	userStop := errors.New("user pressed stop")
	task.Cancel(userStop)

	err := wait(t, task)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, userStop)

	buf := task.Buffer()
	assert.Equal(t, buffer.StatusError, buf.Status())
	assert.Equal(t, "cancelled", buf.Err())
	assert.Equal(t, "only chunk", buf.FullContent())
}

func TestRunner_CancelAlwaysLeavesBufferTerminal(t *testing.T) {
	for _, delay := range []time.Duration{0, time.Microsecond, time.Millisecond, 5 * time.Millisecond} {
		f := newFixture(t, func(ctx context.Context, emit func(backend.Event)) {
			for i := 0; ctx.Err() == nil && i < 1000; i++ {
				emit(backend.Delta("x"))
				time.Sleep(100 * time.Microsecond)
			}
			emit(backend.Idle())
		})

		task := f.start(t.Context(), TurnRequest{})
		time.Sleep(delay)
		task.Cancel(nil)
		_ = wait(t, task)

		assert.True(t, task.Buffer().Status().Terminal(), "delay %s", delay)
	}
}

func TestRunner_SupersededTaskReportsCancellation(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, emit func(backend.Event)) {
		emit(backend.Delta("first"))
		<-ctx.Done()
	})

	task := f.start(t.Context(), TurnRequest{})
	waitForChunks(t, task.Buffer(), 1)

	next := f.registry.Create("c1")

	err := wait(t, task)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, buffer.ErrSuperseded)
	assert.Equal(t, buffer.StatusError, task.Buffer().Status())
	assert.Equal(t, buffer.StatusRunning, next.Status())
}

func TestRunner_BackendErrorFailsBuffer(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, emit func(backend.Event)) {
		emit(backend.Delta("partial"))
		emit(backend.Failed("model overloaded"))
	})

	task := f.start(t.Context(), TurnRequest{})
	err := wait(t, task)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCancelled)

	buf := task.Buffer()
	assert.Equal(t, buffer.StatusError, buf.Status())
	assert.Equal(t, "model overloaded", buf.Err())
	assert.Equal(t, "partial", buf.FullContent())
}

func TestRunner_SessionErrorIsRecordedAsStep(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, emit func(backend.Event)) {
		emit(backend.Event{Kind: backend.EventSessionError, Text: "tool crashed"})
		emit(backend.Idle())
	})

	task := f.start(t.Context(), TurnRequest{})
	require.NoError(t, wait(t, task))

	v := task.Buffer().Read(buffer.Offsets{})
	require.Len(t, v.Steps, 1)
	assert.Equal(t, "tool crashed", v.Steps[0].Detail)
}

func TestRunner_PanicBecomesFailure(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, emit func(backend.Event)) {
		emit(backend.Idle())
	})

	task := f.start(t.Context(), TurnRequest{
		PostProcess: func(ctx context.Context, buf *buffer.Buffer) error {
			panic("title generator blew up")
		},
	})
	err := wait(t, task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "title generator blew up")
	assert.Equal(t, buffer.StatusError, task.Buffer().Status())
}

func TestRunner_TouchesHandleOnEvents(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, emit func(backend.Event)) {
		time.Sleep(5 * time.Millisecond)
		emit(backend.Delta("x"))
		emit(backend.Idle())
	})
	before := f.handle.LastActivity()

	task := f.start(t.Context(), TurnRequest{})
	require.NoError(t, wait(t, task))

	assert.True(t, f.handle.LastActivity().After(before))
}

func TestRunner_EchoBackendEndToEnd(t *testing.T) {
	echo := backend.NewEchoBackend(0)
	p := pool.New(echo, pool.Options{})
	registry := buffer.NewRegistry(buffer.RegistryOptions{})
	r := New(p, registry, nil)

	h, err := p.GetOrCreate(t.Context(), "c1", pool.BoundConfig{WorkingDir: t.TempDir()})
	require.NoError(t, err)

	task := r.Start(t.Context(), h, registry.Create("c1"), TurnRequest{Prompt: "echo this back"})
	require.NoError(t, wait(t, task))
	assert.Equal(t, "echo this back", task.Buffer().FullContent())
}
