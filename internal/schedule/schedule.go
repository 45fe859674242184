// ABOUTME: Interval scheduler that turns configured schedules into headless submissions
// ABOUTME: Each tick submits with a key derived from the schedule window so repeats are deduplicated

package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/backend"
	"github.com/2389/coven-relay/internal/pool"
	"github.com/2389/coven-relay/internal/submit"
)

// minInterval guards against schedules that would flood the submitter.
const minInterval = time.Second

var (
	// ErrUnknownSchedule is returned by Fire for an ID that is not configured.
	ErrUnknownSchedule = errors.New("unknown schedule")
	// ErrInvalidSchedule is returned by New for a malformed schedule.
	ErrInvalidSchedule = errors.New("invalid schedule")
)

// Schedule is a prompt submitted every Interval.
type Schedule struct {
	ID         string
	Interval   time.Duration
	Prompt     string
	WorkingDir string
	Model      string
	Tools      []string
	MaxRuntime time.Duration
	// RunOnStart submits once immediately instead of waiting a full interval.
	RunOnStart bool
}

// Submitter accepts headless turns.
type Submitter interface {
	Submit(ctx context.Context, spec submit.Spec) (submit.Submission, error)
}

// Scheduler fires schedules on their intervals.
type Scheduler struct {
	submitter Submitter
	schedules map[string]Schedule
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	fired map[string]time.Time
}

// New validates schedules and returns a scheduler for them.
func New(submitter Submitter, schedules []Schedule, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	byID := make(map[string]Schedule, len(schedules))
	for _, sc := range schedules {
		if sc.ID == "" {
			return nil, fmt.Errorf("%w: missing id", ErrInvalidSchedule)
		}
		if _, dup := byID[sc.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidSchedule, sc.ID)
		}
		if sc.Interval < minInterval {
			return nil, fmt.Errorf("%w: %s: interval %s is below %s", ErrInvalidSchedule, sc.ID, sc.Interval, minInterval)
		}
		if sc.Prompt == "" {
			return nil, fmt.Errorf("%w: %s: missing prompt", ErrInvalidSchedule, sc.ID)
		}
		byID[sc.ID] = sc
	}
	return &Scheduler{
		submitter: submitter,
		schedules: byID,
		logger:    logger.With("component", "schedule"),
		now:       time.Now,
		fired:     make(map[string]time.Time),
	}, nil
}

// Len returns the number of configured schedules.
func (s *Scheduler) Len() int {
	return len(s.schedules)
}

// LastFired reports when a schedule last produced a submission.
func (s *Scheduler) LastFired(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.fired[id]
	return t, ok
}

// Run drives every schedule until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.schedules) == 0 {
		<-ctx.Done()
		return nil
	}

	var wg sync.WaitGroup
	for _, sc := range s.schedules {
		wg.Go(func() { s.loop(ctx, sc) })
	}
	s.logger.Info("scheduler started", "schedules", len(s.schedules))
	wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, sc Schedule) {
	if sc.RunOnStart {
		s.tick(ctx, sc)
	}
	ticker := time.NewTicker(sc.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, sc)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, sc Schedule) {
	if _, err := s.fire(ctx, sc); err != nil && !errors.Is(err, submit.ErrDuplicate) {
		s.logger.Warn("scheduled submission failed", "schedule_id", sc.ID, "error", err)
	}
}

// Fire submits the schedule now. A second call within the same interval
// window returns the first submission and submit.ErrDuplicate.
func (s *Scheduler) Fire(ctx context.Context, id string) (submit.Submission, error) {
	sc, ok := s.schedules[id]
	if !ok {
		return submit.Submission{}, fmt.Errorf("%w: %s", ErrUnknownSchedule, id)
	}
	return s.fire(ctx, sc)
}

func (s *Scheduler) fire(ctx context.Context, sc Schedule) (submit.Submission, error) {
	now := s.now()
	sub, err := s.submitter.Submit(ctx, specFor(sc, now))
	if err != nil {
		if errors.Is(err, submit.ErrDuplicate) {
			s.logger.Debug("schedule window already submitted", "schedule_id", sc.ID, "submission_id", sub.ID)
		}
		return sub, err
	}

	s.mu.Lock()
	s.fired[sc.ID] = now
	s.mu.Unlock()

	s.logger.Info("schedule fired", "schedule_id", sc.ID, "submission_id", sub.ID)
	return sub, nil
}

// WindowKey names the interval window containing t for a schedule.
func WindowKey(id string, interval time.Duration, t time.Time) string {
	return fmt.Sprintf("schedule:%s:%d", id, t.Truncate(interval).Unix())
}

func specFor(sc Schedule, now time.Time) submit.Spec {
	return submit.Spec{
		Key:        WindowKey(sc.ID, sc.Interval, now),
		ScheduleID: sc.ID,
		Prompt:     sc.Prompt,
		Config: pool.BoundConfig{
			WorkingDir: sc.WorkingDir,
			Tools:      sc.Tools,
		},
		Turn: backend.TurnConfig{
			Model:      sc.Model,
			Tools:      sc.Tools,
			NewSession: true,
		},
		MaxRuntime: sc.MaxRuntime,
	}
}
