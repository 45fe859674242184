// ABOUTME: Backend that runs an external agent CLI per turn and decodes its JSON-lines output.
// ABOUTME: The prompt goes to stdin; each stdout line is parsed into the closed event union.

package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// maxLineSize bounds a single JSON event line from the agent process.
const maxLineSize = 4 << 20

// ProcessBackend launches Command once per turn inside the handle's working directory.
type ProcessBackend struct {
	Command string
	Args    []string
	Env     []string
	logger  *slog.Logger
}

// NewProcessBackend creates a process backend. Pass nil logger for default.
func NewProcessBackend(command string, args []string, env []string, logger *slog.Logger) *ProcessBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessBackend{
		Command: command,
		Args:    args,
		Env:     env,
		logger:  logger.With("component", "process-backend"),
	}
}

// Start resolves the command and checks the working directory. No process is
// spawned until the first turn is sent.
func (b *ProcessBackend) Start(ctx context.Context, workingDir string) (Handle, error) {
	path, err := exec.LookPath(b.Command)
	if err != nil {
		return nil, fmt.Errorf("resolving agent command %q: %w", b.Command, err)
	}
	if workingDir != "" {
		info, err := os.Stat(workingDir)
		if err != nil {
			return nil, fmt.Errorf("working directory: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("working directory %q is not a directory", workingDir)
		}
	}
	b.logger.Debug("process handle started", "command", path, "cwd", workingDir)
	return &processHandle{
		backend: b,
		path:    path,
		dir:     workingDir,
		running: make(map[*exec.Cmd]context.CancelFunc),
	}, nil
}

type processHandle struct {
	backend *ProcessBackend
	path    string
	dir     string

	mu      sync.Mutex
	stopped bool
	running map[*exec.Cmd]context.CancelFunc
}

func (h *processHandle) CreateTurn(ctx context.Context, cfg TurnConfig) (Turn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil, errors.New("process handle is stopped")
	}
	return &processTurn{handle: h, cfg: cfg}, nil
}

// Stop kills any turn process still running on this handle.
func (h *processHandle) Stop(ctx context.Context) error {
	h.mu.Lock()
	h.stopped = true
	cancels := make([]context.CancelFunc, 0, len(h.running))
	for _, cancel := range h.running {
		cancels = append(cancels, cancel)
	}
	h.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

func (h *processHandle) track(cmd *exec.Cmd, cancel context.CancelFunc) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.running[cmd] = cancel
	return true
}

func (h *processHandle) untrack(cmd *exec.Cmd) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.running, cmd)
}

type processTurn struct {
	handle *processHandle
	cfg    TurnConfig
	subs   fanout
}

func (t *processTurn) Subscribe(fn func(Event)) func() {
	return t.subs.subscribe(fn)
}

// Send starts the agent process. Output is decoded on a separate goroutine.
func (t *processTurn) Send(ctx context.Context, prompt string, attachments []Attachment) error {
	b := t.handle.backend
	runCtx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(runCtx, t.handle.path, b.Args...)
	cmd.Dir = t.handle.dir
	cmd.Env = append(os.Environ(), b.Env...)
	cmd.Env = append(cmd.Env, t.env(attachments)...)
	cmd.Stdin = strings.NewReader(prompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("opening agent stdout: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if !t.handle.track(cmd, cancel) {
		cancel()
		return errors.New("process handle is stopped")
	}
	if err := cmd.Start(); err != nil {
		t.handle.untrack(cmd)
		cancel()
		return fmt.Errorf("starting agent process: %w", err)
	}

	go func() {
		defer cancel()
		defer t.handle.untrack(cmd)

		idle, readErr := t.decode(stdout)
		if readErr != nil {
			// Unread output would leave the agent blocked on a full pipe
			t.subs.emit(Failed("agent output: " + readErr.Error()))
			cancel()
			_ = cmd.Wait()
			return
		}
		err := cmd.Wait()

		switch {
		case runCtx.Err() != nil:
			// Cancelled by the runner or by Stop; nobody is listening for a reason.
		case err != nil:
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = err.Error()
			}
			t.subs.emit(Failed("agent process: " + msg))
		case !idle:
			t.subs.emit(Idle())
		}
	}()
	return nil
}

// decode forwards every recognised line and reports whether an idle event
// was seen. A read error means the rest of stdout was not consumed.
func (t *processTurn) decode(stdout io.Reader) (bool, error) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	idle := false
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		ev := ParseEvent(line)
		if ev.Kind == EventUnknown {
			continue
		}
		t.subs.emit(ev)
		if ev.Kind == EventIdle {
			idle = true
		}
	}
	if err := scanner.Err(); err != nil {
		t.handle.backend.logger.Warn("reading agent output", "error", err, "conversation_id", t.cfg.ConversationID)
		return idle, err
	}
	return idle, nil
}

func (t *processTurn) env(attachments []Attachment) []string {
	env := []string{
		"COVEN_CONVERSATION_ID=" + t.cfg.ConversationID,
		"COVEN_MODEL=" + t.cfg.Model,
		"COVEN_TOOLS=" + strings.Join(t.cfg.Tools, ","),
		"COVEN_MCP_SERVERS=" + strings.Join(t.cfg.MCPServers, ","),
	}
	if t.cfg.SystemMessage != "" {
		env = append(env, "COVEN_SYSTEM_MESSAGE="+t.cfg.SystemMessage)
	}
	if t.cfg.NewSession {
		env = append(env, "COVEN_NEW_SESSION=1")
	}
	if len(attachments) > 0 {
		paths := make([]string, len(attachments))
		for i, a := range attachments {
			paths[i] = a.Path
		}
		env = append(env, "COVEN_ATTACHMENTS="+strings.Join(paths, string(os.PathListSeparator)))
	}
	return env
}
