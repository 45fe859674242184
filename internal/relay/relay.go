// ABOUTME: Cursor-based, non-destructive reader that turns a buffer into a frame sequence.
// ABOUTME: Every relay replays from its own cursor and ends with exactly one terminal frame.

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/backend"
	"github.com/2389/coven-relay/internal/buffer"
)

// DefaultWaitTimeout bounds a single wait for new buffer data.
const DefaultWaitTimeout = 15 * time.Second

// ErrInvalidCursor is returned by ParseCursor for malformed input.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor counts what a consumer has already received. Usage is the usage
// revision already delivered; zero means none.
type Cursor struct {
	Chunk        int `json:"chunk"`
	Step         int `json:"step"`
	Usage        int `json:"usage"`
	Notification int `json:"notification"`
}

// String encodes the cursor as "chunk.step.usage.notification".
func (c Cursor) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", c.Chunk, c.Step, c.Usage, c.Notification)
}

// ParseCursor decodes a cursor. A bare integer is read as a chunk offset and
// the empty string as the zero cursor.
func ParseCursor(s string) (Cursor, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Cursor{}, nil
	}
	parts := strings.Split(s, ".")
	if len(parts) != 1 && len(parts) != 4 {
		return Cursor{}, fmt.Errorf("%w: %q", ErrInvalidCursor, s)
	}
	vals := make([]int, 4)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Cursor{}, fmt.Errorf("%w: %q", ErrInvalidCursor, s)
		}
		vals[i] = n
	}
	return Cursor{Chunk: vals[0], Step: vals[1], Usage: vals[2], Notification: vals[3]}, nil
}

func (c Cursor) offsets() buffer.Offsets {
	return buffer.Offsets{
		Chunks:        c.Chunk,
		Steps:         c.Step,
		UsageVersion:  c.Usage,
		Notifications: c.Notification,
	}
}

// FrameKind identifies a frame.
type FrameKind string

const (
	FrameDelta        FrameKind = "delta"
	FrameStep         FrameKind = "step"
	FrameUsage        FrameKind = "usage"
	FrameNotification FrameKind = "notification"
	FrameDone         FrameKind = "done"
	FrameError        FrameKind = "error"
	// FrameHeartbeat is emitted when a wait times out with nothing new.
	FrameHeartbeat FrameKind = "heartbeat"
)

// Terminal reports whether the frame ends the sequence.
func (k FrameKind) Terminal() bool {
	return k == FrameDone || k == FrameError
}

// Frame is one item of the relayed sequence. Cursor is the position after the frame.
type Frame struct {
	Kind          FrameKind             `json:"type"`
	Text          string                `json:"content,omitempty"`
	Step          *backend.Step         `json:"step,omitempty"`
	Usage         *backend.Usage        `json:"usage,omitempty"`
	Notification  *backend.Notification `json:"notification,omitempty"`
	Error         string                `json:"error,omitempty"`
	Title         string                `json:"title,omitempty"`
	ContentLength int                   `json:"content_length,omitempty"`
	Cursor        Cursor                `json:"-"`
}

// Options tune a relay.
type Options struct {
	// WaitTimeout bounds each wait for new data. Defaults to DefaultWaitTimeout.
	WaitTimeout time.Duration
	// Heartbeats makes Next return a FrameHeartbeat after every idle wait.
	Heartbeats bool
}

// Relay reads one buffer from a cursor.
type Relay struct {
	buf      *buffer.Buffer
	cursor   Cursor
	opts     Options
	pending  []Frame
	finished bool
}

// New creates a relay positioned at cursor.
func New(buf *buffer.Buffer, cursor Cursor, opts Options) *Relay {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}
	return &Relay{buf: buf, cursor: cursor, opts: opts}
}

// Cursor returns the position after the last frame handed out.
func (r *Relay) Cursor() Cursor {
	return r.cursor
}

// Next returns the next frame. After the terminal frame it returns io.EOF.
// It returns ctx's error if ctx ends while waiting.
func (r *Relay) Next(ctx context.Context) (Frame, error) {
	for {
		if len(r.pending) > 0 {
			f := r.pending[0]
			r.pending = r.pending[1:]
			return f, nil
		}
		if r.finished {
			return Frame{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}

		v := r.buf.Read(r.cursor.offsets())
		r.drain(v)
		if len(r.pending) > 0 {
			continue
		}

		if !r.buf.WaitForUpdate(ctx, v.Version, r.opts.WaitTimeout) {
			if err := ctx.Err(); err != nil {
				return Frame{}, err
			}
			if r.opts.Heartbeats {
				return Frame{Kind: FrameHeartbeat, Cursor: r.cursor}, nil
			}
		}
	}
}

// drain queues frames for everything in v, then the terminal frame if v is terminal.
func (r *Relay) drain(v buffer.View) {
	for _, text := range v.Chunks {
		r.cursor.Chunk++
		r.pending = append(r.pending, Frame{Kind: FrameDelta, Text: text, Cursor: r.cursor})
	}
	for i := range v.Steps {
		r.cursor.Step++
		r.pending = append(r.pending, Frame{Kind: FrameStep, Step: &v.Steps[i], Cursor: r.cursor})
	}
	for i := range v.Notifications {
		r.cursor.Notification++
		r.pending = append(r.pending, Frame{Kind: FrameNotification, Notification: &v.Notifications[i], Cursor: r.cursor})
	}
	if v.Usage != nil {
		r.cursor.Usage = v.UsageVersion
		r.pending = append(r.pending, Frame{Kind: FrameUsage, Usage: v.Usage, Cursor: r.cursor})
	}

	switch v.Status {
	case buffer.StatusCompleted:
		r.finished = true
		r.pending = append(r.pending, Frame{
			Kind:          FrameDone,
			Title:         v.Title,
			ContentLength: v.ContentLength,
			Cursor:        r.cursor,
		})
	case buffer.StatusError:
		r.finished = true
		r.pending = append(r.pending, Frame{
			Kind:          FrameError,
			Error:         v.Error,
			Title:         v.Title,
			ContentLength: v.ContentLength,
			Cursor:        r.cursor,
		})
	}
}

// Stream delivers frames on a channel until the terminal frame or ctx ends.
// The channel is closed afterwards.
func (r *Relay) Stream(ctx context.Context) <-chan Frame {
	out := make(chan Frame)
	go func() {
		defer close(out)
		for {
			f, err := r.Next(ctx)
			if err != nil {
				return
			}
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
