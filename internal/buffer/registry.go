// ABOUTME: Registry of the current buffer and owning task per conversation.
// ABOUTME: A new turn cancels and replaces the previous one; a GC loop drops stale terminal buffers.

package buffer

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/backend"
)

const (
	// DefaultTTL is how long a terminal buffer stays readable.
	DefaultTTL = 5 * time.Minute
	// DefaultGCInterval is how often Run sweeps stale buffers.
	DefaultGCInterval = time.Minute

	// cancelledReason is the failure reason recorded for every cancelled turn.
	cancelledReason = "cancelled"
)

var (
	// ErrNoBuffer is returned when a conversation has no buffer.
	ErrNoBuffer = errors.New("no buffer for conversation")
	// ErrSuperseded is the cancel cause when a newer turn replaces a running one.
	ErrSuperseded = errors.New("superseded by a newer turn")
	// ErrAborted is the cancel cause for an explicit abort.
	ErrAborted = errors.New("aborted")
	// ErrRemoved is the cancel cause when a buffer is removed while running.
	ErrRemoved = errors.New("buffer removed")
	// ErrExpired is the cancel cause for a task still attached to a swept buffer.
	ErrExpired = errors.New("buffer expired")
	// ErrShutdown is the cancel cause during registry shutdown.
	ErrShutdown = errors.New("shutting down")
)

type entry struct {
	buf    *Buffer
	cancel context.CancelCauseFunc
	done   <-chan struct{}
}

// cancelTask cancels the owning task, then fails the buffer if it is still running.
func (e *entry) cancelTask(cause error) {
	if e.cancel != nil {
		e.cancel(cause)
	}
	_ = e.buf.Fail(cancelledReason)
}

// ConversationStatus is the externally visible state of a conversation's buffer.
type ConversationStatus struct {
	Active        bool   `json:"active"`
	Status        Status `json:"status,omitempty"`
	Chunks        int    `json:"chunks"`
	Steps         int    `json:"steps"`
	Notifications int    `json:"notifications"`
	ContentLength int    `json:"content_length"`
	Error         string `json:"error,omitempty"`
	Title         string `json:"title,omitempty"`
}

// ActiveTurn describes one running turn.
type ActiveTurn struct {
	ConversationID string        `json:"conversation_id"`
	StartedAt      time.Time     `json:"started_at"`
	Chunks         int           `json:"chunks"`
	ContentLength  int           `json:"content_length"`
	CurrentStep    *backend.Step `json:"current_step,omitempty"`
	Title          string        `json:"title,omitempty"`
	Content        string        `json:"content,omitempty"`
}

// RegistryOptions tune the registry. Zero values fall back to the defaults.
type RegistryOptions struct {
	TTL        time.Duration
	GCInterval time.Duration
	Logger     *slog.Logger
}

// Registry maps conversations to their current buffer.
type Registry struct {
	ttl        time.Duration
	gcInterval time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.GCInterval <= 0 {
		opts.GCInterval = DefaultGCInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		ttl:        opts.TTL,
		gcInterval: opts.GCInterval,
		logger:     logger.With("component", "buffers"),
		now:        time.Now,
		entries:    make(map[string]*entry),
	}
}

// Create installs a fresh running buffer, cancelling and failing any previous one.
func (r *Registry) Create(conversationID string) *Buffer {
	buf := New(conversationID)

	r.mu.Lock()
	old := r.entries[conversationID]
	r.entries[conversationID] = &entry{buf: buf}
	superseded := old != nil && old.buf.Status() == StatusRunning
	if superseded {
		old.cancelTask(ErrSuperseded)
	}
	r.mu.Unlock()

	if superseded {
		r.logger.Info("superseded running turn", "conversation_id", conversationID)
	}
	return buf
}

// Attach registers the task that produces buf. If buf is no longer the
// conversation's current buffer the task is cancelled at once and false is returned.
func (r *Registry) Attach(conversationID string, buf *Buffer, cancel context.CancelCauseFunc, done <-chan struct{}) bool {
	r.mu.Lock()
	e := r.entries[conversationID]
	if e == nil || e.buf != buf {
		r.mu.Unlock()
		cancel(ErrSuperseded)
		_ = buf.Fail(cancelledReason)
		return false
	}
	e.cancel = cancel
	e.done = done
	r.mu.Unlock()
	return true
}

// Get returns the conversation's current buffer.
func (r *Registry) Get(conversationID string) (*Buffer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[conversationID]
	if !ok {
		return nil, false
	}
	return e.buf, true
}

// Remove drops the conversation's buffer, cancelling its task if still running.
func (r *Registry) Remove(conversationID string) bool {
	r.mu.Lock()
	e, ok := r.entries[conversationID]
	if ok {
		delete(r.entries, conversationID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	if e.buf.Status() == StatusRunning {
		e.cancelTask(ErrRemoved)
	}
	return true
}

// Cancel stops the conversation's running turn. It returns false if nothing was running.
func (r *Registry) Cancel(conversationID string, cause error) bool {
	if cause == nil {
		cause = ErrAborted
	}
	r.mu.Lock()
	e, ok := r.entries[conversationID]
	r.mu.Unlock()
	if !ok || e.buf.Status() != StatusRunning {
		return false
	}
	e.cancelTask(cause)
	r.logger.Info("cancelled turn", "conversation_id", conversationID, "cause", cause)
	return true
}

// HasActive reports whether the conversation has a running buffer.
func (r *Registry) HasActive(conversationID string) bool {
	buf, ok := r.Get(conversationID)
	return ok && buf.Status() == StatusRunning
}

// Status reports the conversation's buffer state. A conversation without a
// buffer reports Active false and an empty Status.
func (r *Registry) Status(conversationID string) ConversationStatus {
	buf, ok := r.Get(conversationID)
	if !ok {
		return ConversationStatus{}
	}
	info := buf.Snapshot()
	return ConversationStatus{
		Active:        info.Status == StatusRunning,
		Status:        info.Status,
		Chunks:        info.Chunks,
		Steps:         info.Steps,
		Notifications: info.Notifications,
		ContentLength: info.ContentLength,
		Error:         info.Error,
		Title:         info.Title,
	}
}

func (r *Registry) buffers() []*Buffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Buffer, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.buf)
	}
	return out
}

// Active lists running turns, oldest first. With includeContent each entry
// carries at most tailChars trailing bytes of content.
func (r *Registry) Active(includeContent bool, tailChars int) []ActiveTurn {
	var out []ActiveTurn
	for _, buf := range r.buffers() {
		info := buf.Snapshot()
		if info.Status != StatusRunning {
			continue
		}
		turn := ActiveTurn{
			ConversationID: info.ConversationID,
			StartedAt:      info.StartedAt,
			Chunks:         info.Chunks,
			ContentLength:  info.ContentLength,
			CurrentStep:    info.CurrentStep,
			Title:          info.Title,
		}
		if includeContent {
			turn.Content = buf.Tail(tailChars)
		}
		out = append(out, turn)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ConversationID < out[j].ConversationID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// ActiveCount returns the number of running buffers.
func (r *Registry) ActiveCount() int {
	n := 0
	for _, buf := range r.buffers() {
		if buf.Status() == StatusRunning {
			n++
		}
	}
	return n
}

// Len returns the number of tracked conversations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep removes buffers that have been terminal for longer than the TTL.
func (r *Registry) Sweep() int {
	now := r.now()

	r.mu.Lock()
	var stale []*entry
	for id, e := range r.entries {
		if e.buf.IsStale(r.ttl, now) {
			stale = append(stale, e)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	for _, e := range stale {
		if e.cancel != nil && !isClosed(e.done) {
			r.logger.Warn("cancelling task still attached to stale buffer", "conversation_id", e.buf.ConversationID)
			e.cancel(ErrExpired)
		}
	}
	if len(stale) > 0 {
		r.logger.Debug("swept stale buffers", "count", len(stale))
	}
	return len(stale)
}

// Run sweeps at the configured interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Shutdown cancels every running task and waits for them to finish or for ctx to expire.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	var waits []<-chan struct{}
	for _, e := range entries {
		if e.buf.Status() == StatusRunning {
			e.cancelTask(ErrShutdown)
		}
		if e.done != nil {
			waits = append(waits, e.done)
		}
	}

	for _, done := range waits {
		select {
		case <-done:
		case <-ctx.Done():
			r.logger.Warn("shutdown deadline reached with tasks still running")
			return ctx.Err()
		}
	}
	return nil
}

func isClosed(ch <-chan struct{}) bool {
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
