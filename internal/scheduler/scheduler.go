// Package scheduler runs named periodic refresh tasks that never overlap themselves.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/coursechat/internal/logging"
)

// Scheduler errors.
var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrInvalidInterval = errors.New("interval must be positive")
	ErrClosed          = errors.New("scheduler closed")
)

// Action is one refresh invocation. The context is cancelled when the task stops.
type Action func(ctx context.Context) error

// Policy controls how the scheduler reacts to failing actions.
type Policy struct {
	// FailureBackoff doubles the wait after each consecutive failure.
	// Default: false (failures never change the cadence)
	FailureBackoff bool

	// MaxBackoff caps the backoff wait.
	// Default: 2m
	MaxBackoff time.Duration
}

// DefaultPolicy returns the default policy: fixed cadence.
func DefaultPolicy() Policy {
	return Policy{MaxBackoff: 2 * time.Minute}
}

// Option configures a task at Start.
type Option func(*taskOptions)

type taskOptions struct {
	initialRun bool
}

// WithoutInitialRun defers the first run by one interval.
func WithoutInitialRun() Option {
	return func(o *taskOptions) { o.initialRun = false }
}

// TaskStatus is a point-in-time view of one task.
type TaskStatus struct {
	ID          string
	Interval    time.Duration
	Runs        int
	Skipped     int
	Failures    int
	LastRun     time.Time
	LastErr     error
	InFlight    bool
	BackoffTill time.Time
}

type task struct {
	id       string
	interval time.Duration
	action   Action
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	inFlight *atomic.Bool

	mu          sync.Mutex
	runs        int
	skipped     int
	failures    int
	lastRun     time.Time
	lastErr     error
	backoffTill time.Time
}

// Scheduler owns a set of named periodic tasks.
type Scheduler struct {
	policy Policy
	logger zerolog.Logger

	mu     sync.Mutex
	tasks  map[string]*task
	guards map[string]*atomic.Bool
	closed bool
	wg     sync.WaitGroup
}

// New creates a Scheduler.
func New(policy Policy) *Scheduler {
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = DefaultPolicy().MaxBackoff
	}
	return &Scheduler{
		policy: policy,
		logger: logging.Component("scheduler"),
		tasks:  make(map[string]*task),
		guards: make(map[string]*atomic.Bool),
	}
}

// Start registers taskID and runs action immediately, then every interval.
// Starting an existing task ID replaces it. Runs are never concurrent per ID:
// while a run of a stopped or replaced instance is still in flight, the new
// instance skips its ticks.
func (s *Scheduler) Start(taskID string, interval time.Duration, action Action, opts ...Option) error {
	if interval <= 0 {
		return fmt.Errorf("%s: %w", taskID, ErrInvalidInterval)
	}
	if action == nil {
		return fmt.Errorf("%s: action is required", taskID)
	}

	o := taskOptions{initialRun: true}
	for _, opt := range opts {
		opt(&o)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	previous := s.tasks[taskID]

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		id:       taskID,
		interval: interval,
		action:   action,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		inFlight: s.guardLocked(taskID),
	}
	s.tasks[taskID] = t
	s.mu.Unlock()

	if previous != nil {
		previous.cancel()
		<-previous.done
	}

	s.logger.Debug().
		Str("task", taskID).
		Dur("interval", interval).
		Bool("initial_run", o.initialRun).
		Msg("task started")

	go s.runLoop(t)
	if o.initialRun {
		s.fire(t)
	}
	return nil
}

// guardLocked returns the in-flight flag shared by every instance of taskID.
// Guards are kept after Stop so a late run still blocks its successor.
func (s *Scheduler) guardLocked(taskID string) *atomic.Bool {
	g, ok := s.guards[taskID]
	if !ok {
		g = &atomic.Bool{}
		s.guards[taskID] = g
	}
	return g
}

// Stop cancels future ticks of taskID and cancels its context. An in-flight
// invocation may still complete.
func (s *Scheduler) Stop(taskID string) error {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if ok {
		delete(s.tasks, taskID)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%s: %w", taskID, ErrTaskNotFound)
	}

	t.cancel()
	<-t.done
	s.logger.Debug().Str("task", taskID).Msg("task stopped")
	return nil
}

// StopAll stops every task. Later Starts are still accepted.
func (s *Scheduler) StopAll() {
	for _, id := range s.Tasks() {
		_ = s.Stop(id)
	}
}

// Close stops every task, rejects further Starts and waits for in-flight runs.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.StopAll()
	s.wg.Wait()
}

// RunNow triggers an out-of-band run. It is skipped when a run is in flight.
func (s *Scheduler) RunNow(taskID string) error {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", taskID, ErrTaskNotFound)
	}
	s.fire(t)
	return nil
}

// Running reports whether taskID is scheduled.
func (s *Scheduler) Running(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[taskID]
	return ok
}

// Tasks returns the scheduled task IDs, sorted.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Status returns a snapshot of taskID.
func (s *Scheduler) Status(taskID string) (TaskStatus, bool) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return TaskStatus{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskStatus{
		ID:          t.id,
		Interval:    t.interval,
		Runs:        t.runs,
		Skipped:     t.skipped,
		Failures:    t.failures,
		LastRun:     t.lastRun,
		LastErr:     t.lastErr,
		InFlight:    t.inFlight.Load(),
		BackoffTill: t.backoffTill,
	}, true
}

func (s *Scheduler) runLoop(t *task) {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			s.fire(t)
		}
	}
}

// fire starts one invocation unless the task is stopped, in backoff or still running.
func (s *Scheduler) fire(t *task) {
	if t.ctx.Err() != nil {
		return
	}

	t.mu.Lock()
	inBackoff := !t.backoffTill.IsZero() && time.Now().Before(t.backoffTill)
	t.mu.Unlock()
	if inBackoff {
		return
	}

	if !t.inFlight.CompareAndSwap(false, true) {
		t.mu.Lock()
		t.skipped++
		t.mu.Unlock()
		s.logger.Debug().Str("task", t.id).Msg("previous run still in flight, skipping tick")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer t.inFlight.Store(false)

		err := s.invoke(t)
		s.record(t, err)
	}()
}

func (s *Scheduler) invoke(t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.id, r)
			s.logger.Error().
				Str("task", t.id).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("task panicked")
		}
	}()
	return t.action(t.ctx)
}

func (s *Scheduler) record(t *task, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.runs++
	t.lastRun = time.Now()
	t.lastErr = err

	if err == nil {
		t.failures = 0
		t.backoffTill = time.Time{}
		return
	}
	if errors.Is(err, context.Canceled) && t.ctx.Err() != nil {
		return
	}

	t.failures++
	event := s.logger.Warn().Str("task", t.id).Int("failures", t.failures).Err(err)
	if s.policy.FailureBackoff {
		wait := s.backoff(t.interval, t.failures)
		t.backoffTill = t.lastRun.Add(wait)
		event = event.Dur("backoff", wait)
	}
	event.Msg("task run failed")
}

// backoff returns interval * 2^(failures-1), capped at MaxBackoff.
func (s *Scheduler) backoff(interval time.Duration, failures int) time.Duration {
	wait := interval
	for i := 1; i < failures; i++ {
		wait *= 2
		if wait >= s.policy.MaxBackoff {
			return s.policy.MaxBackoff
		}
	}
	if wait > s.policy.MaxBackoff {
		return s.policy.MaxBackoff
	}
	return wait
}
