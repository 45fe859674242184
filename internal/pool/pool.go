// ABOUTME: Per-conversation pool of backend execution handles with idle eviction.
// ABOUTME: Handles are recreated when the bound configuration changes and swept when idle.

package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/backend"
)

const (
	// DefaultIdleTimeout is how long a handle may go without activity before a sweep evicts it.
	DefaultIdleTimeout = 10 * time.Minute
	// DefaultSweepInterval is how often Run sweeps for idle handles.
	DefaultSweepInterval = time.Minute
)

// ErrClosed is returned by GetOrCreate after Close.
var ErrClosed = errors.New("pool is closed")

// BoundConfig is the configuration a handle is started with. A handle whose
// bound configuration differs from a request is replaced.
type BoundConfig struct {
	WorkingDir string
	Tools      []string
	MCPServers []string
}

// Equal compares two configurations. Capability lists are compared as sets.
func (c BoundConfig) Equal(o BoundConfig) bool {
	return c.WorkingDir == o.WorkingDir &&
		sameSet(c.Tools, o.Tools) &&
		sameSet(c.MCPServers, o.MCPServers)
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := slices.Clone(a)
	bs := slices.Clone(b)
	slices.Sort(as)
	slices.Sort(bs)
	return slices.Equal(as, bs)
}

// Handle is a live backend execution context bound to one conversation.
type Handle struct {
	ID             string
	ConversationID string
	Config         BoundConfig
	Started        time.Time

	backend      backend.Handle
	lastActivity atomic.Int64
}

// Backend returns the backend handle used to create turns.
func (h *Handle) Backend() backend.Handle {
	return h.backend
}

// LastActivity returns when the handle was created, reused, or last saw an event.
func (h *Handle) LastActivity() time.Time {
	return time.Unix(0, h.lastActivity.Load())
}

func (h *Handle) touch(now time.Time) {
	h.lastActivity.Store(now.UnixNano())
}

// slot serializes create and stop calls for one conversation.
type slot struct {
	mu      sync.Mutex
	handle  *Handle
	removed bool
}

// Options tune the pool. Zero values fall back to the defaults.
type Options struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
}

// Pool owns at most one live Handle per conversation.
type Pool struct {
	backend       backend.Backend
	idleTimeout   time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time

	mu     sync.Mutex
	slots  map[string]*slot
	closed bool
}

// New creates a pool that starts handles on b.
func New(b backend.Backend, opts Options) *Pool {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		backend:       b,
		idleTimeout:   opts.IdleTimeout,
		sweepInterval: opts.SweepInterval,
		logger:        logger.With("component", "pool"),
		now:           time.Now,
		slots:         make(map[string]*slot),
	}
}

// slotFor returns the slot for id, creating it if needed.
func (p *Pool) slotFor(id string) (*slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	s, ok := p.slots[id]
	if !ok {
		s = &slot{}
		p.slots[id] = s
	}
	return s, nil
}

// GetOrCreate returns the conversation's handle, starting one if none exists or
// if the existing handle is bound to a different configuration.
func (p *Pool) GetOrCreate(ctx context.Context, conversationID string, cfg BoundConfig) (*Handle, error) {
	for {
		s, err := p.slotFor(conversationID)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		if s.removed {
			// Destroyed or swept between lookup and lock; take a fresh slot.
			s.mu.Unlock()
			continue
		}
		h, err := p.getOrCreateLocked(ctx, s, conversationID, cfg)
		s.mu.Unlock()
		return h, err
	}
}

func (p *Pool) getOrCreateLocked(ctx context.Context, s *slot, conversationID string, cfg BoundConfig) (*Handle, error) {
	if s.handle != nil && s.handle.Config.Equal(cfg) {
		s.handle.touch(p.now())
		return s.handle, nil
	}

	if old := s.handle; old != nil {
		p.logger.Info("bound config changed, recreating handle",
			"conversation_id", conversationID,
			"old_dir", old.Config.WorkingDir,
			"new_dir", cfg.WorkingDir,
		)
		s.handle = nil
		p.stop(ctx, old)
	}

	bh, err := p.backend.Start(ctx, cfg.WorkingDir)
	if err != nil {
		p.dropIfEmpty(conversationID, s)
		return nil, fmt.Errorf("%w: %w", backend.ErrBackendUnavailable, err)
	}

	now := p.now()
	h := &Handle{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Config:         BoundConfig{WorkingDir: cfg.WorkingDir, Tools: slices.Clone(cfg.Tools), MCPServers: slices.Clone(cfg.MCPServers)},
		Started:        now,
		backend:        bh,
	}
	h.touch(now)
	s.handle = h

	p.logger.Debug("handle created", "conversation_id", conversationID, "handle_id", h.ID, "cwd", cfg.WorkingDir)
	return h, nil
}

// dropIfEmpty removes a slot that never got a handle. Caller holds s.mu.
func (p *Pool) dropIfEmpty(conversationID string, s *slot) {
	if s.handle != nil {
		return
	}
	p.mu.Lock()
	if p.slots[conversationID] == s {
		delete(p.slots, conversationID)
	}
	p.mu.Unlock()
	s.removed = true
}

func (p *Pool) stop(ctx context.Context, h *Handle) {
	if err := h.backend.Stop(ctx); err != nil {
		p.logger.Warn("stopping handle failed",
			"conversation_id", h.ConversationID,
			"handle_id", h.ID,
			"error", err,
		)
	}
}

// Touch refreshes the handle's activity timestamp.
func (p *Pool) Touch(h *Handle) {
	if h == nil {
		return
	}
	h.touch(p.now())
}

// Destroy stops and removes the conversation's handle. Safe to call when none exists.
func (p *Pool) Destroy(ctx context.Context, conversationID string) {
	p.mu.Lock()
	s, ok := p.slots[conversationID]
	if ok {
		delete(p.slots, conversationID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.removed = true
	s.mu.Unlock()

	if h != nil {
		p.stop(ctx, h)
		p.logger.Debug("handle destroyed", "conversation_id", conversationID, "handle_id", h.ID)
	}
}

// Has reports whether the conversation has a live handle.
func (p *Pool) Has(conversationID string) bool {
	p.mu.Lock()
	s, ok := p.slots[conversationID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil
}

// Get returns the conversation's live handle without creating one.
func (p *Pool) Get(conversationID string) (*Handle, bool) {
	p.mu.Lock()
	s, ok := p.slots[conversationID]
	p.mu.Unlock()
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle, s.handle != nil
}

// Len returns the number of conversations with a slot in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Sweep evicts handles idle for longer than the idle timeout and returns how
// many were evicted. A slot busy with a create or stop is skipped until the next sweep.
func (p *Pool) Sweep(ctx context.Context) int {
	cutoff := p.now().Add(-p.idleTimeout)

	p.mu.Lock()
	candidates := make(map[string]*slot, len(p.slots))
	for id, s := range p.slots {
		candidates[id] = s
	}
	p.mu.Unlock()

	evicted := 0
	for id, s := range candidates {
		if !s.mu.TryLock() {
			continue
		}
		h := s.handle
		if h == nil || !h.LastActivity().Before(cutoff) {
			s.mu.Unlock()
			continue
		}
		s.handle = nil
		s.removed = true
		s.mu.Unlock()

		p.mu.Lock()
		if p.slots[id] == s {
			delete(p.slots, id)
		}
		p.mu.Unlock()

		p.stop(ctx, h)
		evicted++
		p.logger.Info("evicted idle handle",
			"conversation_id", id,
			"handle_id", h.ID,
			"idle", p.now().Sub(h.LastActivity()).Round(time.Second),
		)
	}
	return evicted
}

// Run sweeps at the configured interval until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Close stops every handle. Further GetOrCreate calls fail with ErrClosed.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	slots := p.slots
	p.slots = make(map[string]*slot)
	p.mu.Unlock()

	for _, s := range slots {
		s.mu.Lock()
		h := s.handle
		s.handle = nil
		s.removed = true
		s.mu.Unlock()
		if h != nil {
			p.stop(ctx, h)
		}
	}
	p.logger.Info("pool closed", "handles", len(slots))
}
