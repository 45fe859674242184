// ABOUTME: Bounded submitter for headless turns with a wall-clock deadline per submission.
// ABOUTME: Limits concurrent runs with a semaphore and keeps partial output on timeout.

package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/2389/coven-relay/internal/backend"
	"github.com/2389/coven-relay/internal/buffer"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/pool"
	"github.com/2389/coven-relay/internal/runner"
)

const (
	// DefaultConcurrency is how many submissions may run at once.
	DefaultConcurrency = 3
	// DefaultMaxRuntime is the wall-clock deadline of a submission that sets none.
	DefaultMaxRuntime = 10 * time.Minute
	// DefaultDedupeTTL is how long a submission key suppresses duplicates.
	DefaultDedupeTTL = time.Hour
	// DefaultMaxHistory is how many finished submissions are kept in memory.
	DefaultMaxHistory = 1000

	// ConversationPrefix prefixes the conversation key of every submission.
	ConversationPrefix = "submission-"
)

var (
	// ErrTimedOut is the cancel cause when a submission exceeds its deadline.
	ErrTimedOut = errors.New("submission timed out")
	// ErrDuplicate is returned when a submission key was already claimed.
	ErrDuplicate = errors.New("duplicate submission")
	// ErrNotFound is returned for unknown submission IDs.
	ErrNotFound = errors.New("submission not found")
	// ErrClosed is returned by Submit after Shutdown.
	ErrClosed = errors.New("submitter is shut down")
	// ErrShutdown is the cancel cause for submissions stopped by Shutdown.
	ErrShutdown = errors.New("submitter shutting down")
)

// Status is the lifecycle state of a submission.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusAborted   Status = "aborted"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusAborted:
		return true
	}
	return false
}

// Spec describes a headless turn.
type Spec struct {
	// Key deduplicates repeated submissions of the same work. Optional.
	Key         string
	ScheduleID  string
	Prompt      string
	Attachments []backend.Attachment
	Config      pool.BoundConfig
	Turn        backend.TurnConfig
	// MaxRuntime overrides the submitter's deadline when positive.
	MaxRuntime time.Duration
}

// Submission is a snapshot of one submission.
type Submission struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Key            string         `json:"key,omitempty"`
	ScheduleID     string         `json:"schedule_id,omitempty"`
	Prompt         string         `json:"prompt"`
	Status         Status         `json:"status"`
	Output         string         `json:"output,omitempty"`
	Error          string         `json:"error,omitempty"`
	Usage          *backend.Usage `json:"usage,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// Recorder persists submission snapshots.
type Recorder interface {
	SaveSubmission(ctx context.Context, sub Submission) error
}

// Options tune the submitter. Zero values fall back to the defaults.
type Options struct {
	Concurrency int
	MaxRuntime  time.Duration
	DedupeTTL   time.Duration
	MaxHistory  int
	Recorder    Recorder
	Logger      *slog.Logger
}

type job struct {
	sub     Submission
	cancel  context.CancelCauseFunc
	aborted bool
	done    chan struct{}
}

// Submitter runs submissions with at most Concurrency running at once.
type Submitter struct {
	pool       *pool.Pool
	registry   *buffer.Registry
	runner     *runner.Runner
	sem        *semaphore.Weighted
	dedupe     *dedupe.Cache
	maxRuntime time.Duration
	maxHistory int
	recorder   Recorder
	logger     *slog.Logger

	baseCtx  context.Context
	stopBase context.CancelCauseFunc
	wg       sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*job
	order  []string
	closed bool
}

// New creates a submitter.
func New(p *pool.Pool, registry *buffer.Registry, r *runner.Runner, opts Options) *Submitter {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.MaxRuntime <= 0 {
		opts.MaxRuntime = DefaultMaxRuntime
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = DefaultDedupeTTL
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = DefaultMaxHistory
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx, stop := context.WithCancelCause(context.Background())
	return &Submitter{
		pool:       p,
		registry:   registry,
		runner:     r,
		sem:        semaphore.NewWeighted(int64(opts.Concurrency)),
		dedupe:     dedupe.New(opts.DedupeTTL, opts.MaxHistory),
		maxRuntime: opts.MaxRuntime,
		maxHistory: opts.MaxHistory,
		recorder:   opts.Recorder,
		logger:     logger.With("component", "submitter"),
		baseCtx:    baseCtx,
		stopBase:   stop,
		jobs:       make(map[string]*job),
	}
}

// Submit queues spec and returns its pending snapshot immediately. A spec
// whose Key was already claimed returns the original submission and ErrDuplicate.
func (s *Submitter) Submit(ctx context.Context, spec Spec) (Submission, error) {
	id := uuid.New().String()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Submission{}, ErrClosed
	}
	if spec.Key != "" {
		if owner, dup := s.dedupe.Claim(spec.Key, id); dup {
			existing, ok := s.jobs[owner]
			s.mu.Unlock()
			s.logger.Debug("duplicate submission", "key", spec.Key, "submission_id", owner)
			if ok {
				return s.snapshot(existing), ErrDuplicate
			}
			return Submission{ID: owner, Key: spec.Key}, ErrDuplicate
		}
	}

	jobCtx, cancel := context.WithCancelCause(s.baseCtx)
	j := &job{
		sub: Submission{
			ID:             id,
			ConversationID: ConversationPrefix + id,
			Key:            spec.Key,
			ScheduleID:     spec.ScheduleID,
			Prompt:         spec.Prompt,
			Status:         StatusPending,
			CreatedAt:      time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.jobs[id] = j
	s.order = append(s.order, id)
	snap := j.sub
	s.wg.Add(1)
	s.mu.Unlock()

	s.record(snap)
	s.logger.Info("submission queued", "submission_id", id, "schedule_id", spec.ScheduleID)

	go s.run(jobCtx, j, spec)
	return snap, nil
}

func (s *Submitter) run(ctx context.Context, j *job, spec Spec) {
	defer s.wg.Done()
	defer close(j.done)
	defer j.cancel(nil)

	logger := s.logger.With("submission_id", j.sub.ID)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.finish(j, StatusAborted, causeText(ctx), "", nil)
		return
	}
	defer s.sem.Release(1)

	if ctx.Err() != nil {
		s.finish(j, StatusAborted, causeText(ctx), "", nil)
		return
	}
	s.markRunning(j)

	convID := j.sub.ConversationID
	defer s.release(convID)

	maxRuntime := s.maxRuntime
	if spec.MaxRuntime > 0 {
		maxRuntime = spec.MaxRuntime
	}
	runCtx, cancelRun := context.WithTimeoutCause(ctx, maxRuntime, ErrTimedOut)
	defer cancelRun()

	h, err := s.pool.GetOrCreate(runCtx, convID, spec.Config)
	if err != nil {
		logger.Warn("submission could not start", "error", err)
		s.finish(j, statusFor(runCtx, err), err.Error(), "", nil)
		return
	}

	turn := spec.Turn
	turn.ConversationID = convID
	buf := s.registry.Create(convID)
	task := s.runner.Start(runCtx, h, buf, runner.TurnRequest{
		Prompt:      spec.Prompt,
		Attachments: spec.Attachments,
		Turn:        turn,
	})
	stop := context.AfterFunc(runCtx, func() {
		task.Cancel(context.Cause(runCtx))
	})
	defer stop()

	err = task.Wait(context.Background())
	info := buf.Snapshot()
	output := buf.FullContent()

	switch {
	case err == nil:
		s.finish(j, StatusCompleted, "", output, info.Usage)
	case errors.Is(err, ErrTimedOut):
		logger.Warn("submission timed out", "max_runtime", maxRuntime, "partial_bytes", len(output))
		s.finish(j, StatusTimedOut, fmt.Sprintf("timed out after %s", maxRuntime), output, info.Usage)
	default:
		s.finish(j, statusFor(runCtx, err), errText(err, info), output, info.Usage)
	}
}

// statusFor classifies a failed run.
func statusFor(ctx context.Context, err error) Status {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrTimedOut):
		return StatusTimedOut
	case cause != nil || errors.Is(err, runner.ErrCancelled):
		return StatusAborted
	default:
		return StatusFailed
	}
}

func errText(err error, info buffer.Info) string {
	if info.Error != "" && !errors.Is(err, runner.ErrCancelled) {
		return info.Error
	}
	return err.Error()
}

func causeText(ctx context.Context) string {
	if cause := context.Cause(ctx); cause != nil {
		return cause.Error()
	}
	return "aborted"
}

// release frees the submission's handle and buffer.
func (s *Submitter) release(convID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.pool.Destroy(ctx, convID)
	s.registry.Remove(convID)
}

func (s *Submitter) markRunning(j *job) {
	s.mu.Lock()
	now := time.Now()
	j.sub.Status = StatusRunning
	j.sub.StartedAt = &now
	snap := j.sub
	s.mu.Unlock()

	s.record(snap)
	s.logger.Debug("submission running", "submission_id", snap.ID)
}

func (s *Submitter) finish(j *job, status Status, errMsg, output string, usage *backend.Usage) {
	s.mu.Lock()
	if j.aborted && status != StatusCompleted && status != StatusTimedOut {
		status = StatusAborted
	}
	now := time.Now()
	j.sub.Status = status
	j.sub.Error = errMsg
	j.sub.Output = output
	j.sub.Usage = usage
	j.sub.CompletedAt = &now
	snap := j.sub
	s.pruneLocked()
	s.mu.Unlock()

	s.record(snap)
	s.logger.Info("submission finished", "submission_id", snap.ID, "status", snap.Status)
}

// pruneLocked drops the oldest terminal submissions beyond maxHistory.
func (s *Submitter) pruneLocked() {
	excess := len(s.order) - s.maxHistory
	if excess <= 0 {
		return
	}
	kept := s.order[:0]
	for _, id := range s.order {
		j := s.jobs[id]
		if excess > 0 && j.sub.Status.Terminal() {
			delete(s.jobs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}

func (s *Submitter) record(sub Submission) {
	if s.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.recorder.SaveSubmission(ctx, sub); err != nil {
		s.logger.Warn("recording submission failed", "submission_id", sub.ID, "error", err)
	}
}

func (s *Submitter) snapshot(j *job) Submission {
	sub := j.sub
	if sub.Usage != nil {
		u := *sub.Usage
		sub.Usage = &u
	}
	return sub
}

// Abort cancels a pending or running submission. It returns false if the
// submission is unknown or already finished.
func (s *Submitter) Abort(id string) bool {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok || j.sub.Status.Terminal() {
		s.mu.Unlock()
		return false
	}
	j.aborted = true
	s.mu.Unlock()

	j.cancel(buffer.ErrAborted)
	s.logger.Info("submission aborted", "submission_id", id)
	return true
}

// Get returns a snapshot of the submission.
func (s *Submitter) Get(id string) (Submission, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Submission{}, false
	}
	return s.snapshot(j), true
}

// Wait blocks until the submission is terminal or ctx is done.
func (s *Submitter) Wait(ctx context.Context, id string) (Submission, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return Submission{}, ErrNotFound
	}
	select {
	case <-j.done:
	case <-ctx.Done():
		return Submission{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(j), nil
}

// List returns every tracked submission, newest first.
func (s *Submitter) List() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Submission, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, s.snapshot(s.jobs[s.order[i]]))
	}
	return out
}

// Active returns pending and running submissions, oldest first.
func (s *Submitter) Active() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Submission
	for _, id := range s.order {
		j := s.jobs[id]
		if !j.sub.Status.Terminal() {
			out = append(out, s.snapshot(j))
		}
	}
	sort.SliceStable(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

// ActiveCount returns the number of running submissions.
func (s *Submitter) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.sub.Status == StatusRunning {
			n++
		}
	}
	return n
}

// Shutdown stops accepting work, cancels everything in flight, and waits
// for the submissions to finish or for ctx to expire.
func (s *Submitter) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.stopBase(ErrShutdown)
	defer s.dedupe.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown deadline reached with submissions still running")
		return ctx.Err()
	}
}
