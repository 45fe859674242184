// ABOUTME: Turn service that glues the handle pool, buffer registry, and background runner
// ABOUTME: Starts detached turns, hands out relays for reconnects, and announces turn activity

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/2389/coven-relay/internal/backend"
	"github.com/2389/coven-relay/internal/buffer"
	"github.com/2389/coven-relay/internal/pool"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/runner"
)

const (
	// maxTitleLength bounds a derived title, in runes.
	maxTitleLength = 60
	// previewLength bounds the content preview on turn_finished events, in bytes.
	previewLength = 120
)

var (
	// ErrEmptyPrompt is returned by SendMessage for a blank prompt.
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrNotFound is returned when a conversation has no buffer.
	ErrNotFound = buffer.ErrNoBuffer
)

// Settings are the per-conversation choices a turn is started with.
type Settings struct {
	WorkingDir    string
	Model         string
	SystemMessage string
	Tools         []string
	MCPServers    []string
	Title         string
}

// SettingsSource looks up conversation settings. A conversation it does not
// know returns the zero Settings and no error.
type SettingsSource interface {
	ConversationSettings(ctx context.Context, conversationID string) (Settings, error)
}

// TitleSink persists derived conversation titles.
type TitleSink interface {
	SetConversationTitle(ctx context.Context, conversationID, title string) error
}

// TurnRecorder receives a summary of every finished turn.
type TurnRecorder interface {
	RecordTurn(ctx context.Context, info buffer.Info) error
}

// Options configure the service.
type Options struct {
	// Settings supplies per-conversation settings. Optional.
	Settings SettingsSource
	// Titles receives derived titles. Optional.
	Titles TitleSink
	// Turns records finished turns for usage accounting. Optional.
	Turns TurnRecorder
	// Activity receives turn lifecycle events. Optional.
	Activity *ActivityBroadcaster
	// DefaultWorkingDir is used when the settings leave WorkingDir empty.
	DefaultWorkingDir string
	// DefaultModel is used when the settings leave Model empty.
	DefaultModel string
	// Relay configures the relays handed out by Attach.
	Relay relay.Options
	Logger *slog.Logger
}

// Service runs conversation turns.
type Service struct {
	pool     *pool.Pool
	registry *buffer.Registry
	runner   *runner.Runner
	opts     Options
	logger   *slog.Logger

	mu sync.Mutex
	// pendingDisconnect holds conversations whose handle is released once the live turn ends.
	pendingDisconnect map[string]bool
	tasks             map[string]*runner.Task
	wg                sync.WaitGroup
}

// New creates a service.
func New(p *pool.Pool, registry *buffer.Registry, r *runner.Runner, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		pool:              p,
		registry:          registry,
		runner:            r,
		opts:              opts,
		logger:            logger.With("component", "conversation"),
		pendingDisconnect: make(map[string]bool),
		tasks:             make(map[string]*runner.Task),
	}
}

func (s *Service) settings(ctx context.Context, conversationID string) Settings {
	var st Settings
	if s.opts.Settings != nil {
		var err error
		st, err = s.opts.Settings.ConversationSettings(ctx, conversationID)
		if err != nil {
			s.logger.Warn("loading conversation settings failed, using defaults",
				"conversation_id", conversationID,
				"error", err)
			st = Settings{}
		}
	}
	if st.WorkingDir == "" {
		st.WorkingDir = s.opts.DefaultWorkingDir
	}
	if st.Model == "" {
		st.Model = s.opts.DefaultModel
	}
	return st
}

// SendMessage begins a turn and returns its buffer. Any running turn for the
// conversation is cancelled and replaced. If no handle can be created the
// error wraps backend.ErrBackendUnavailable and no buffer is created.
func (s *Service) SendMessage(ctx context.Context, conversationID, prompt string, attachments []backend.Attachment) (*buffer.Buffer, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	st := s.settings(ctx, conversationID)

	prev, hadHandle := s.pool.Get(conversationID)
	h, err := s.pool.GetOrCreate(ctx, conversationID, pool.BoundConfig{
		WorkingDir: st.WorkingDir,
		Tools:      st.Tools,
		MCPServers: st.MCPServers,
	})
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, err)
	}

	buf := s.registry.Create(conversationID)

	req := runner.TurnRequest{
		Prompt:      prompt,
		Attachments: attachments,
		Turn: backend.TurnConfig{
			ConversationID: conversationID,
			Model:          st.Model,
			SystemMessage:  st.SystemMessage,
			Tools:          st.Tools,
			MCPServers:     st.MCPServers,
			NewSession:     !hadHandle || prev != h,
		},
	}
	if st.Title == "" {
		if title := DeriveTitle(prompt); title != "" {
			req.PostProcess = s.titlePostProcess(conversationID, title)
		}
	}

	task := s.runner.Start(ctx, h, buf, req)

	s.mu.Lock()
	s.tasks[conversationID] = task
	s.mu.Unlock()

	s.publish(ActivityEvent{Type: ActivityTurnStarted, ConversationID: conversationID, Status: string(buffer.StatusRunning)})
	s.logger.Info("turn started",
		"conversation_id", conversationID,
		"handle_id", h.ID,
		"new_session", req.Turn.NewSession)

	s.wg.Add(1)
	go s.watch(conversationID, task)
	return buf, nil
}

// titlePostProcess records title on the buffer and in the title sink before completion.
func (s *Service) titlePostProcess(conversationID, title string) func(context.Context, *buffer.Buffer) error {
	return func(ctx context.Context, buf *buffer.Buffer) error {
		if err := buf.SetTitle(title); err != nil {
			return err
		}
		if s.opts.Titles == nil {
			return nil
		}
		if err := s.opts.Titles.SetConversationTitle(ctx, conversationID, title); err != nil {
			return fmt.Errorf("saving title: %w", err)
		}
		return nil
	}
}

// clipPreview cuts s to at most n bytes without splitting a rune.
func clipPreview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// watch announces the end of a turn and applies a deferred disconnect.
func (s *Service) watch(conversationID string, task *runner.Task) {
	defer s.wg.Done()
	<-task.Done()

	info := task.Buffer().Snapshot()
	preview := clipPreview(task.Buffer().FullContent(), previewLength)

	s.mu.Lock()
	current := s.tasks[conversationID] == task
	if current {
		delete(s.tasks, conversationID)
	}
	disconnect := current && s.pendingDisconnect[conversationID]
	if disconnect {
		delete(s.pendingDisconnect, conversationID)
	}
	s.mu.Unlock()

	s.recordTurn(conversationID, info)
	s.publish(ActivityEvent{
		Type:           ActivityTurnFinished,
		ConversationID: conversationID,
		Status:         string(info.Status),
		Error:          info.Error,
		Title:          info.Title,
		Preview:        preview,
	})

	if disconnect {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.pool.Destroy(ctx, conversationID)
		s.publish(ActivityEvent{Type: ActivityDisconnected, ConversationID: conversationID})
		s.logger.Info("deferred disconnect applied", "conversation_id", conversationID)
	}
}

func (s *Service) recordTurn(conversationID string, info buffer.Info) {
	if s.opts.Turns == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.opts.Turns.RecordTurn(ctx, info); err != nil {
		s.logger.Warn("recording turn failed", "conversation_id", conversationID, "error", err)
	}
}

func (s *Service) publish(ev ActivityEvent) {
	if s.opts.Activity != nil {
		s.opts.Activity.Publish(ev)
	}
}

// Attach returns a relay over the conversation's current buffer starting at cursor.
func (s *Service) Attach(ctx context.Context, conversationID string, cursor relay.Cursor) (*relay.Relay, error) {
	buf, ok := s.registry.Get(conversationID)
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	return relay.New(buf, cursor, s.opts.Relay), nil
}

// Status reports the conversation's buffer state.
func (s *Service) Status(conversationID string) buffer.ConversationStatus {
	return s.registry.Status(conversationID)
}

// Active lists running turns.
func (s *Service) Active(includeContent bool, tailChars int) []buffer.ActiveTurn {
	return s.registry.Active(includeContent, tailChars)
}

// Abort cancels the conversation's running turn. It returns false if none was running.
func (s *Service) Abort(conversationID string) bool {
	return s.registry.Cancel(conversationID, buffer.ErrAborted)
}

// Disconnect releases the conversation's handle. While a turn is running the
// release is deferred until the turn ends; the result reports whether it was deferred.
func (s *Service) Disconnect(ctx context.Context, conversationID string) (deferred bool) {
	s.mu.Lock()
	if s.registry.HasActive(conversationID) {
		s.pendingDisconnect[conversationID] = true
		s.mu.Unlock()
		s.logger.Info("disconnect deferred until turn ends", "conversation_id", conversationID)
		return true
	}
	delete(s.pendingDisconnect, conversationID)
	s.mu.Unlock()

	s.pool.Destroy(ctx, conversationID)
	s.publish(ActivityEvent{Type: ActivityDisconnected, ConversationID: conversationID})
	return false
}

// Delete cancels any running turn and drops the conversation's buffer and handle.
func (s *Service) Delete(ctx context.Context, conversationID string) {
	s.mu.Lock()
	delete(s.pendingDisconnect, conversationID)
	s.mu.Unlock()

	s.registry.Remove(conversationID)
	s.pool.Destroy(ctx, conversationID)
	s.logger.Info("conversation released", "conversation_id", conversationID)
}

// Subscribe streams activity events for key, which is a conversation ID or AllConversations.
func (s *Service) Subscribe(ctx context.Context, key string) (<-chan ActivityEvent, error) {
	if s.opts.Activity == nil {
		return nil, errors.New("activity broadcasting is disabled")
	}
	ch, _ := s.opts.Activity.Subscribe(ctx, key)
	return ch, nil
}

// Wait blocks until every turn watcher has finished or ctx expires.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeriveTitle builds a display title from the first non-blank line of prompt.
func DeriveTitle(prompt string) string {
	for _, line := range strings.Split(prompt, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) <= maxTitleLength {
			return line
		}
		runes := []rune(line)
		cut := string(runes[:maxTitleLength])
		if i := strings.LastIndex(cut, " "); i > maxTitleLength/2 {
			cut = cut[:i]
		}
		return cut + "…"
	}
	return ""
}
