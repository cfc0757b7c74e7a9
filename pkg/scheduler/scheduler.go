package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cuemby/ferry/pkg/log"
	"github.com/cuemby/ferry/pkg/metrics"
	"github.com/google/btree"
	"github.com/rs/zerolog"
)

const (
	// EndTask returned from Run, or passed to RescheduleAt, cancels a unit
	EndTask time.Duration = -1

	// DefaultRetryDelay re-arms a unit whose Run failed or panicked
	DefaultRetryDelay = 30 * time.Second
)

// ErrAlreadyStarted is returned by Start on a running scheduler
var ErrAlreadyStarted = errors.New("scheduler already started")

// Unit is a recurring piece of work run on the scheduler's worker.
//
// Run returns the delay until the next run. A negative delay cancels the
// unit. Run executes inline on the single worker goroutine and must hand
// long running work off to its own goroutine.
type Unit interface {
	Run(ctx context.Context) (time.Duration, error)
}

// Initializer is implemented by units that need a one time set-up. It is
// called on the worker before the unit's first run.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// FuncUnit adapts a function to a Unit. Units are identified by pointer,
// so every NewFuncUnit call yields a distinct unit.
type FuncUnit struct {
	fn func(ctx context.Context) (time.Duration, error)
}

// NewFuncUnit wraps fn in a Unit
func NewFuncUnit(fn func(ctx context.Context) (time.Duration, error)) *FuncUnit {
	return &FuncUnit{fn: fn}
}

// Run calls the wrapped function
func (f *FuncUnit) Run(ctx context.Context) (time.Duration, error) {
	return f.fn(ctx)
}

type unitState int

const (
	statePending unitState = iota // added, runs on the next tick
	stateQueued                   // waiting in a fire-time bucket
	stateDue                      // claimed by the current tick
	stateRunning                  // executing on the worker
)

type entry struct {
	unit        Unit
	at          int64 // fire time, unix milliseconds
	state       unitState
	override    *time.Duration
	initialized bool
}

type bucket struct {
	at      int64
	entries []*entry
}

func bucketLess(a, b *bucket) bool {
	return a.at < b.at
}

// Options configures a Scheduler
type Options struct {
	Clock      clock.Clock
	RetryDelay time.Duration
}

// Scheduler runs units at absolute fire times on one worker goroutine.
//
// Units wait in buckets keyed by fire time in milliseconds. Buckets are kept
// in a btree; units inside a bucket run in arrival order. A unit is in at
// most one bucket at a time.
type Scheduler struct {
	clock      clock.Clock
	retryDelay time.Duration
	logger     zerolog.Logger

	mu      sync.Mutex
	buckets *btree.BTreeG[*bucket]
	entries map[Unit]*entry
	pending []*entry
	started bool

	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewScheduler creates a new scheduler
func NewScheduler(opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	return &Scheduler{
		clock:      opts.Clock,
		retryDelay: opts.RetryDelay,
		logger:     log.WithComponent("scheduler"),
		buckets:    btree.NewG(8, bucketLess),
		entries:    make(map[Unit]*entry),
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start launches the worker. Units added before Start run first.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	go s.run(ctx)
	return nil
}

// Shutdown asks the worker to exit after the current batch
func (s *Scheduler) Shutdown() {
	s.once.Do(func() {
		close(s.stopCh)
	})
}

// AwaitShutdown waits up to timeout for the worker to exit and reports
// whether it did. A scheduler that was never started counts as exited.
func (s *Scheduler) AwaitShutdown(timeout time.Duration) bool {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return true
	}

	select {
	case <-s.doneCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Add registers u for immediate execution. A unit that is already known is
// moved to the front instead of being added twice, and is not initialized
// again.
func (s *Scheduler) Add(u Unit) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var initialized bool
	if e, ok := s.entries[u]; ok {
		if e.state == stateRunning {
			d := time.Duration(0)
			e.override = &d
			return
		}
		initialized = e.initialized
		s.detach(e)
	}

	e := &entry{unit: u, state: statePending, initialized: initialized}
	s.entries[u] = e
	s.pending = append(s.pending, e)
	s.signal()
}

// RescheduleAt moves u to now+delay, wherever it is queued. A negative
// delay cancels u. A unit that is currently running keeps running and the
// new delay replaces whatever its Run returns.
func (s *Scheduler) RescheduleAt(u Unit, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var initialized bool
	if e, ok := s.entries[u]; ok {
		if e.state == stateRunning {
			e.override = &delay
			return
		}
		initialized = e.initialized
		s.detach(e)
	}
	if delay < 0 {
		return
	}

	e := &entry{unit: u, initialized: initialized}
	s.entries[u] = e
	s.enqueue(e, s.clock.Now().Add(delay).UnixMilli())
	s.signal()
}

// Scheduled returns the next fire time of u
func (s *Scheduler) Scheduled(u Unit) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[u]
	if !ok {
		return time.Time{}, false
	}
	switch e.state {
	case stateQueued:
		return time.UnixMilli(e.at), true
	case statePending:
		return s.clock.Now(), true
	}
	return time.Time{}, false
}

// Len returns the number of units waiting to run
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// detach removes e from its bucket or the pending list. Due entries are
// left to the current tick, which skips them once they are replaced.
// Caller must hold s.mu.
func (s *Scheduler) detach(e *entry) {
	switch e.state {
	case stateQueued:
		key := &bucket{at: e.at}
		if b, ok := s.buckets.Get(key); ok {
			for i, other := range b.entries {
				if other == e {
					b.entries = append(b.entries[:i], b.entries[i+1:]...)
					break
				}
			}
			if len(b.entries) == 0 {
				s.buckets.Delete(key)
			}
		}
	case statePending:
		for i, other := range s.pending {
			if other == e {
				s.pending = append(s.pending[:i], s.pending[i+1:]...)
				break
			}
		}
	}
	delete(s.entries, e.unit)
}

// enqueue puts e into the bucket for at. Caller must hold s.mu.
func (s *Scheduler) enqueue(e *entry, at int64) {
	e.at = at
	e.state = stateQueued
	b, ok := s.buckets.Get(&bucket{at: at})
	if !ok {
		b = &bucket{at: at}
		s.buckets.ReplaceOrInsert(b)
	}
	b.entries = append(b.entries, e)
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)
	s.logger.Info().Msg("Scheduler started")

	for {
		next, ok := s.tick(ctx)

		var timerC <-chan time.Time
		var timer *clock.Timer
		if ok {
			wait := time.Duration(next-s.clock.Now().UnixMilli()) * time.Millisecond
			if wait < 0 {
				wait = 0
			}
			timer = s.clock.Timer(wait)
			timerC = timer.C
		}

		select {
		case <-s.wake:
		case <-timerC:
		case <-s.stopCh:
			if timer != nil {
				timer.Stop()
			}
			s.logger.Info().Msg("Scheduler stopped")
			return
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			s.logger.Info().Msg("Scheduler stopped")
			return
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// tick runs every pending unit and every unit due at the current time,
// then returns the earliest remaining fire time.
func (s *Scheduler) tick(ctx context.Context) (int64, bool) {
	nowMs := s.clock.Now().UnixMilli()

	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	for {
		b, ok := s.buckets.Min()
		if !ok || b.at > nowMs {
			break
		}
		s.buckets.DeleteMin()
		batch = append(batch, b.entries...)
	}
	for _, e := range batch {
		e.state = stateDue
	}
	s.mu.Unlock()

	// the whole batch runs even when Shutdown arrives midway, so no unit
	// is left claimed without running
	for _, e := range batch {
		s.execute(ctx, e)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	metrics.SchedulerQueuedUnits.Set(float64(len(s.entries)))
	if len(s.pending) > 0 {
		return nowMs, true
	}
	if b, ok := s.buckets.Min(); ok {
		return b.at, true
	}
	return 0, false
}

func (s *Scheduler) execute(ctx context.Context, e *entry) {
	s.mu.Lock()
	if s.entries[e.unit] != e || e.state != stateDue {
		// rescheduled or cancelled after this tick claimed it
		s.mu.Unlock()
		return
	}
	e.state = stateRunning
	needInit := !e.initialized
	e.initialized = true
	s.mu.Unlock()

	if needInit {
		if in, ok := e.unit.(Initializer); ok {
			if err := s.safeInitialize(ctx, in); err != nil {
				s.logger.Error().Err(err).Msgf("Initializing %T failed", e.unit)
			}
		}
	}

	delay := s.safeRun(ctx, e.unit)

	s.mu.Lock()
	defer s.mu.Unlock()
	if e.override != nil {
		delay = *e.override
		e.override = nil
	}
	if s.entries[e.unit] != e {
		return
	}
	if delay < 0 {
		delete(s.entries, e.unit)
		return
	}
	s.enqueue(e, s.clock.Now().Add(delay).UnixMilli())
}

func (s *Scheduler) safeRun(ctx context.Context, u Unit) (delay time.Duration) {
	timer := metrics.NewTimerWithClock(s.clock)
	metrics.SchedulerUnitRuns.Inc()
	defer func() {
		timer.ObserveDuration(metrics.SchedulerUnitDuration)
		if r := recover(); r != nil {
			metrics.SchedulerUnitErrors.Inc()
			s.logger.Error().
				Str("unit", fmt.Sprintf("%T", u)).
				Interface("panic", r).
				Dur("retry_in", s.retryDelay).
				Msg("Scheduler unit panicked")
			delay = s.retryDelay
		}
	}()

	d, err := u.Run(ctx)
	if err != nil {
		metrics.SchedulerUnitErrors.Inc()
		s.logger.Error().
			Err(err).
			Str("unit", fmt.Sprintf("%T", u)).
			Dur("retry_in", s.retryDelay).
			Msg("Scheduler unit failed")
		return s.retryDelay
	}
	return d
}

func (s *Scheduler) safeInitialize(ctx context.Context, in Initializer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("initialize panicked: %v", r)
		}
	}()
	return in.Initialize(ctx)
}
