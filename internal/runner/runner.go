// ABOUTME: Runs a backend turn detached from the request that started it.
// ABOUTME: Streams events into the buffer and guarantees exactly one terminal transition.

package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-relay/internal/backend"
	"github.com/2389/coven-relay/internal/buffer"
	"github.com/2389/coven-relay/internal/pool"
)

// ErrCancelled is reported by Task.Wait when the task was cancelled.
var ErrCancelled = errors.New("turn cancelled")

const eventQueueSize = 64

// TurnRequest describes one turn to run.
type TurnRequest struct {
	Prompt      string
	Attachments []backend.Attachment
	Turn        backend.TurnConfig
	// PostProcess runs after the backend goes idle and before the buffer
	// completes. Its errors are logged and do not fail the turn.
	PostProcess func(ctx context.Context, buf *buffer.Buffer) error
}

// Runner starts background tasks.
type Runner struct {
	pool     *pool.Pool
	registry *buffer.Registry
	logger   *slog.Logger
}

// New creates a runner. Pass nil logger for default.
func New(p *pool.Pool, registry *buffer.Registry, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		pool:     p,
		registry: registry,
		logger:   logger.With("component", "runner"),
	}
}

// Task is one running turn.
type Task struct {
	buf    *buffer.Buffer
	cancel context.CancelCauseFunc
	done   chan struct{}
	err    error
}

// Buffer returns the buffer the task writes to.
func (t *Task) Buffer() *buffer.Buffer { return t.buf }

// Done is closed when the task has finished and its buffer is terminal.
func (t *Task) Done() <-chan struct{} { return t.done }

// Cancel asks the task to stop. A nil cause reads as context.Canceled.
func (t *Task) Cancel(cause error) { t.cancel(cause) }

// Wait blocks until the task finishes or ctx is done. A cancelled task
// returns an error wrapping ErrCancelled and the cancel cause.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start runs req on h in the background, writing into buf. Cancellation of
// ctx does not stop the task; use Task.Cancel or the registry.
func (r *Runner) Start(ctx context.Context, h *pool.Handle, buf *buffer.Buffer, req TurnRequest) *Task {
	taskCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	t := &Task{
		buf:    buf,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if r.registry != nil {
		r.registry.Attach(buf.ConversationID, buf, cancel, t.done)
	}

	go r.run(taskCtx, t, h, req)
	return t
}

func (r *Runner) run(ctx context.Context, t *Task, h *pool.Handle, req TurnRequest) {
	logger := r.logger.With("conversation_id", t.buf.ConversationID)
	started := time.Now()

	defer close(t.done)
	defer t.cancel(nil)
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("turn panicked", "panic", rec)
			t.finish(ctx, fmt.Errorf("panic: %v", rec))
		}
	}()

	logger.Debug("turn started")
	err := r.execute(ctx, h, t.buf, req, logger)
	t.finish(ctx, err)

	switch {
	case t.err == nil:
		logger.Info("turn completed", "duration", time.Since(started).Round(time.Millisecond))
	case errors.Is(t.err, ErrCancelled):
		logger.Info("turn cancelled", "cause", context.Cause(ctx))
	default:
		logger.Warn("turn failed", "error", t.err)
	}
}

// finish applies the single terminal transition for the task.
func (t *Task) finish(ctx context.Context, err error) {
	if cause := context.Cause(ctx); cause != nil {
		_ = t.buf.Fail("cancelled")
		t.err = fmt.Errorf("%w: %w", ErrCancelled, cause)
		return
	}
	if err != nil {
		_ = t.buf.Fail(err.Error())
		t.err = err
		return
	}
	if cerr := t.buf.Complete(); cerr != nil {
		// Failed externally between the last event and completion.
		t.err = fmt.Errorf("%w: %w", ErrCancelled, cerr)
	}
}

func (r *Runner) execute(ctx context.Context, h *pool.Handle, buf *buffer.Buffer, req TurnRequest, logger *slog.Logger) error {
	turn, err := h.Backend().CreateTurn(ctx, req.Turn)
	if err != nil {
		return fmt.Errorf("creating turn: %w", err)
	}

	events := make(chan backend.Event, eventQueueSize)
	quit := make(chan struct{})
	defer close(quit)

	unsubscribe := turn.Subscribe(func(ev backend.Event) {
		select {
		case events <- ev:
		case <-quit:
		case <-ctx.Done():
		}
	})
	defer unsubscribe()

	if err := turn.Send(ctx, req.Prompt, req.Attachments); err != nil {
		return fmt.Errorf("sending prompt: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case ev := <-events:
			if r.pool != nil {
				r.pool.Touch(h)
			}
			idle, err := apply(buf, ev)
			if err != nil {
				return err
			}
			if idle {
				return r.postProcess(ctx, buf, req, logger)
			}
		}
	}
}

func (r *Runner) postProcess(ctx context.Context, buf *buffer.Buffer, req TurnRequest, logger *slog.Logger) error {
	if req.PostProcess == nil {
		return nil
	}
	if err := req.PostProcess(ctx, buf); err != nil {
		logger.Warn("post-processing failed", "error", err)
	}
	return nil
}

// apply records one event. It reports true once the backend is idle.
func apply(buf *buffer.Buffer, ev backend.Event) (bool, error) {
	var err error
	switch ev.Kind {
	case backend.EventDelta:
		err = buf.AddChunk(ev.Text)
	case backend.EventStep:
		err = buf.AddStep(*ev.Step)
	case backend.EventUsage:
		err = buf.SetUsage(*ev.Usage)
	case backend.EventNotification:
		err = buf.AddNotification(*ev.Notification)
	case backend.EventTurnDone:
		err = buf.AddNotification(backend.Notification{Event: "turn_done"})
	case backend.EventSessionError:
		err = buf.AddStep(backend.Step{Title: "Session error", Detail: ev.Text})
	case backend.EventError:
		return false, errors.New(ev.Text)
	case backend.EventIdle:
		return true, nil
	}
	return false, err
}
