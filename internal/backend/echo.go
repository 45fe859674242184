// ABOUTME: In-process backend that streams the prompt back word by word.
// ABOUTME: Used by serve in development mode and by transport tests; needs no external agent.

package backend

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// EchoBackend echoes prompts back as a stream of deltas.
type EchoBackend struct {
	// Delay is the pause before each delta.
	Delay time.Duration

	started atomic.Int64
	stopped atomic.Int64
}

// NewEchoBackend creates an echo backend with the given per-delta delay.
func NewEchoBackend(delay time.Duration) *EchoBackend {
	return &EchoBackend{Delay: delay}
}

// Start returns a handle bound to workingDir. The directory must exist.
func (b *EchoBackend) Start(ctx context.Context, workingDir string) (Handle, error) {
	if workingDir != "" {
		info, err := os.Stat(workingDir)
		if err != nil {
			return nil, fmt.Errorf("working directory: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("working directory %q is not a directory", workingDir)
		}
	}
	b.started.Add(1)
	return &echoHandle{backend: b, dir: workingDir}, nil
}

// Live reports how many handles are started and not yet stopped.
func (b *EchoBackend) Live() int {
	return int(b.started.Load() - b.stopped.Load())
}

type echoHandle struct {
	backend *EchoBackend
	dir     string
	stopped atomic.Bool
}

func (h *echoHandle) CreateTurn(ctx context.Context, cfg TurnConfig) (Turn, error) {
	if h.stopped.Load() {
		return nil, fmt.Errorf("echo handle for %q is stopped", h.dir)
	}
	return &echoTurn{handle: h, cfg: cfg}, nil
}

func (h *echoHandle) Stop(ctx context.Context) error {
	if h.stopped.CompareAndSwap(false, true) {
		h.backend.stopped.Add(1)
	}
	return nil
}

type echoTurn struct {
	handle *echoHandle
	cfg    TurnConfig
	subs   fanout
}

func (t *echoTurn) Subscribe(fn func(Event)) func() {
	return t.subs.subscribe(fn)
}

func (t *echoTurn) Send(ctx context.Context, prompt string, attachments []Attachment) error {
	if t.handle.stopped.Load() {
		return fmt.Errorf("echo handle for %q is stopped", t.handle.dir)
	}
	go t.stream(ctx, prompt, attachments)
	return nil
}

func (t *echoTurn) stream(ctx context.Context, prompt string, attachments []Attachment) {
	detail := "cwd=" + t.handle.dir
	if t.cfg.Model != "" {
		detail += " model=" + t.cfg.Model
	}
	t.subs.emit(StepEvent("Echo", detail))
	for _, a := range attachments {
		t.subs.emit(StepEvent("Attachment", a.Path))
	}

	words := strings.SplitAfter(prompt, " ")
	for _, w := range words {
		if w == "" {
			continue
		}
		if t.handle.backend.Delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(t.handle.backend.Delay):
			}
		} else if ctx.Err() != nil {
			return
		}
		t.subs.emit(Delta(w))
	}

	t.subs.emit(UsageEvent(Usage{TokenLimit: 128000, CurrentTokens: len(prompt), MessagesLength: 2}))
	t.subs.emit(TurnDone())
	t.subs.emit(Idle())
}
