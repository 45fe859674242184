// ABOUTME: Append-only in-memory record of one turn's output, readable by many consumers.
// ABOUTME: Terminal state is set exactly once; waiters are woken by a close-and-replace channel.

package buffer

import (
	"context"
	"errors"
	"maps"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/2389/coven-relay/internal/backend"
)

var (
	// ErrNotRunning is returned when mutating a buffer that already reached a terminal state.
	ErrNotRunning = errors.New("buffer is not running")
	// ErrAlreadyTerminal is returned by a second Complete or Fail.
	ErrAlreadyTerminal = errors.New("buffer already terminal")
)

// Status is the lifecycle state of a buffer.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Offsets identify how much of a buffer a reader has already consumed.
// UsageVersion is the usage revision already delivered; zero means none.
type Offsets struct {
	Chunks        int
	Steps         int
	UsageVersion  int
	Notifications int
}

// View is a consistent snapshot of everything past a set of Offsets.
type View struct {
	Chunks        []string
	Steps         []backend.Step
	Notifications []backend.Notification
	// Usage is set only when a newer usage revision exists than the one requested.
	Usage         *backend.Usage
	UsageVersion  int
	Status        Status
	Error         string
	Title         string
	ContentLength int
	Version       uint64
}

// Info summarises a buffer without copying its content.
type Info struct {
	ConversationID string         `json:"conversation_id"`
	Status         Status         `json:"status"`
	Error          string         `json:"error,omitempty"`
	Title          string         `json:"title,omitempty"`
	Chunks         int            `json:"chunks"`
	Steps          int            `json:"steps"`
	Notifications  int            `json:"notifications"`
	ContentLength  int            `json:"content_length"`
	Usage          *backend.Usage `json:"usage,omitempty"`
	CurrentStep    *backend.Step  `json:"current_step,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// Buffer records one turn. It has a single producer and any number of readers.
type Buffer struct {
	ConversationID string

	mu            sync.Mutex
	status        Status
	chunks        []string
	contentLen    int
	steps         []backend.Step
	usage         *backend.Usage
	usageVersion  int
	notifications []backend.Notification
	err           string
	title         string
	startedAt     time.Time
	completedAt   time.Time

	version uint64
	changed chan struct{}
}

// New creates a running buffer.
func New(conversationID string) *Buffer {
	return &Buffer{
		ConversationID: conversationID,
		status:         StatusRunning,
		startedAt:      time.Now(),
		changed:        make(chan struct{}),
	}
}

// signal wakes every waiter. Caller holds b.mu.
func (b *Buffer) signal() {
	b.version++
	close(b.changed)
	b.changed = make(chan struct{})
}

// AddChunk appends a piece of response text.
func (b *Buffer) AddChunk(text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusRunning {
		return ErrNotRunning
	}
	b.chunks = append(b.chunks, text)
	b.contentLen += len(text)
	b.signal()
	return nil
}

// AddStep appends a progress step.
func (b *Buffer) AddStep(step backend.Step) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusRunning {
		return ErrNotRunning
	}
	b.steps = append(b.steps, step)
	b.signal()
	return nil
}

// SetUsage replaces the usage snapshot. Readers only ever see the latest one.
func (b *Buffer) SetUsage(u backend.Usage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusRunning {
		return ErrNotRunning
	}
	b.usage = &u
	b.usageVersion++
	b.signal()
	return nil
}

// AddNotification appends a backend notification.
func (b *Buffer) AddNotification(n backend.Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusRunning {
		return ErrNotRunning
	}
	n.Data = maps.Clone(n.Data)
	b.notifications = append(b.notifications, n)
	b.signal()
	return nil
}

// SetTitle records a display title for the conversation.
func (b *Buffer) SetTitle(title string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusRunning {
		return ErrNotRunning
	}
	b.title = title
	b.signal()
	return nil
}

// Complete marks the turn as finished successfully.
func (b *Buffer) Complete() error {
	return b.finish(StatusCompleted, "")
}

// Fail marks the turn as failed with reason.
func (b *Buffer) Fail(reason string) error {
	return b.finish(StatusError, reason)
}

func (b *Buffer) finish(status Status, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusRunning {
		return ErrAlreadyTerminal
	}
	b.status = status
	b.err = reason
	b.completedAt = time.Now()
	b.signal()
	return nil
}

// Status returns the current lifecycle state.
func (b *Buffer) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Err returns the failure reason, empty unless the status is StatusError.
func (b *Buffer) Err() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Title returns the derived display title, if any.
func (b *Buffer) Title() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.title
}

// Version increases on every mutation.
func (b *Buffer) Version() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

// WaitForUpdate blocks until the buffer changes after version, the timeout
// elapses, or ctx is done. It returns true if the buffer changed.
func (b *Buffer) WaitForUpdate(ctx context.Context, version uint64, timeout time.Duration) bool {
	b.mu.Lock()
	if b.version != version {
		b.mu.Unlock()
		return true
	}
	ch := b.changed
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Read returns everything past off, taken under one lock.
func (b *Buffer) Read(off Offsets) View {
	b.mu.Lock()
	defer b.mu.Unlock()

	v := View{
		Status:        b.status,
		Error:         b.err,
		Title:         b.title,
		ContentLength: b.contentLen,
		Version:       b.version,
		UsageVersion:  b.usageVersion,
	}
	if off.Chunks < len(b.chunks) {
		v.Chunks = append([]string(nil), b.chunks[max(off.Chunks, 0):]...)
	}
	if off.Steps < len(b.steps) {
		v.Steps = append([]backend.Step(nil), b.steps[max(off.Steps, 0):]...)
	}
	if off.Notifications < len(b.notifications) {
		v.Notifications = append([]backend.Notification(nil), b.notifications[max(off.Notifications, 0):]...)
	}
	if b.usage != nil && off.UsageVersion < b.usageVersion {
		u := *b.usage
		v.Usage = &u
	}
	return v
}

// FullContent concatenates every chunk in append order.
func (b *Buffer) FullContent() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.chunks, "")
}

// Tail returns at most n trailing bytes of the content, starting on a rune boundary.
func (b *Buffer) Tail(n int) string {
	content := b.FullContent()
	if n <= 0 || len(content) <= n {
		return content
	}
	start := len(content) - n
	for start < len(content) && !utf8.RuneStart(content[start]) {
		start++
	}
	return content[start:]
}

// Snapshot returns counts and metadata.
func (b *Buffer) Snapshot() Info {
	b.mu.Lock()
	defer b.mu.Unlock()

	info := Info{
		ConversationID: b.ConversationID,
		Status:         b.status,
		Error:          b.err,
		Title:          b.title,
		Chunks:         len(b.chunks),
		Steps:          len(b.steps),
		Notifications:  len(b.notifications),
		ContentLength:  b.contentLen,
		StartedAt:      b.startedAt,
	}
	if b.usage != nil {
		u := *b.usage
		info.Usage = &u
	}
	if n := len(b.steps); n > 0 {
		s := b.steps[n-1]
		info.CurrentStep = &s
	}
	if !b.completedAt.IsZero() {
		t := b.completedAt
		info.CompletedAt = &t
	}
	return info
}

// IsStale reports whether the buffer has been terminal for longer than ttl.
func (b *Buffer) IsStale(ttl time.Duration, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == StatusRunning {
		return false
	}
	return now.Sub(b.completedAt) > ttl
}
