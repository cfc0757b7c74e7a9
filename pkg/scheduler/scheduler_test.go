package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingUnit returns the next delay from a fixed list and records its runs
type countingUnit struct {
	mu     sync.Mutex
	name   string
	delays []time.Duration
	runs   int
	order  *[]string
	err    error
	panics bool
	onRun  func()
}

func (u *countingUnit) Run(ctx context.Context) (time.Duration, error) {
	u.mu.Lock()
	u.runs++
	run := u.runs
	if u.order != nil {
		*u.order = append(*u.order, u.name)
	}
	onRun := u.onRun
	u.mu.Unlock()

	if onRun != nil {
		onRun()
	}
	if u.panics {
		panic("boom")
	}
	if u.err != nil {
		return 0, u.err
	}
	if run-1 < len(u.delays) {
		return u.delays[run-1], nil
	}
	return EndTask, nil
}

func (u *countingUnit) Runs() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.runs
}

func newTestScheduler() (*Scheduler, *clock.Mock) {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewScheduler(Options{Clock: mock, RetryDelay: time.Minute}), mock
}

func TestAddRunsImmediately(t *testing.T) {
	s, _ := newTestScheduler()
	u := &countingUnit{delays: []time.Duration{time.Second}}

	s.Add(u)
	next, ok := s.tick(context.Background())

	assert.Equal(t, 1, u.Runs())
	require.True(t, ok)
	at, ok := s.Scheduled(u)
	require.True(t, ok)
	assert.Equal(t, at.UnixMilli(), next)
}

func TestUnitRearmedAfterDelay(t *testing.T) {
	s, mock := newTestScheduler()
	u := &countingUnit{delays: []time.Duration{10 * time.Second, 10 * time.Second}}
	ctx := context.Background()

	s.Add(u)
	s.tick(ctx)
	assert.Equal(t, 1, u.Runs())

	mock.Add(9 * time.Second)
	s.tick(ctx)
	assert.Equal(t, 1, u.Runs(), "not due yet")

	mock.Add(time.Second)
	s.tick(ctx)
	assert.Equal(t, 2, u.Runs())
}

func TestNegativeDelayCancels(t *testing.T) {
	s, mock := newTestScheduler()
	u := &countingUnit{} // returns EndTask on first run
	ctx := context.Background()

	s.Add(u)
	_, ok := s.tick(ctx)
	assert.False(t, ok)
	assert.Equal(t, 1, u.Runs())
	assert.Equal(t, 0, s.Len())

	_, queued := s.Scheduled(u)
	assert.False(t, queued)
	assert.Equal(t, 0, s.buckets.Len())

	mock.Add(time.Hour)
	s.tick(ctx)
	assert.Equal(t, 1, u.Runs())
}

func TestFireOrder(t *testing.T) {
	s, mock := newTestScheduler()
	ctx := context.Background()
	var order []string

	late := &countingUnit{name: "late", order: &order}
	early := &countingUnit{name: "early", order: &order}
	tieA := &countingUnit{name: "tieA", order: &order}
	tieB := &countingUnit{name: "tieB", order: &order}

	s.RescheduleAt(late, 3*time.Second)
	s.RescheduleAt(tieA, 2*time.Second)
	s.RescheduleAt(early, time.Second)
	s.RescheduleAt(tieB, 2*time.Second)

	mock.Add(5 * time.Second)
	s.tick(ctx)

	assert.Equal(t, []string{"early", "tieA", "tieB", "late"}, order)
}

func TestPendingRunBeforeDue(t *testing.T) {
	s, mock := newTestScheduler()
	ctx := context.Background()
	var order []string

	due := &countingUnit{name: "due", order: &order}
	added := &countingUnit{name: "added", order: &order}

	s.RescheduleAt(due, time.Second)
	mock.Add(time.Second)
	s.Add(added)
	s.tick(ctx)

	assert.Equal(t, []string{"added", "due"}, order)
}

func TestRescheduleAtMovesUnit(t *testing.T) {
	tests := []struct {
		name      string
		initial   time.Duration
		moveTo    time.Duration
		advance   time.Duration
		wantRuns  int
		wantQueue bool
	}{
		{"earlier", time.Hour, time.Second, 2 * time.Second, 1, false},
		{"later", time.Second, time.Hour, 2 * time.Second, 0, true},
		{"cancel", time.Second, EndTask, time.Hour, 0, false},
		{"same bucket", time.Second, time.Second, 2 * time.Second, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newTestScheduler()
			u := &countingUnit{}

			s.RescheduleAt(u, tt.initial)
			s.RescheduleAt(u, tt.moveTo)
			assert.LessOrEqual(t, s.buckets.Len(), 1, "a unit lives in at most one bucket")

			mock.Add(tt.advance)
			s.tick(context.Background())

			assert.Equal(t, tt.wantRuns, u.Runs())
			_, queued := s.Scheduled(u)
			assert.Equal(t, tt.wantQueue, queued)
		})
	}
}

func TestRescheduleThenTickRunsOnce(t *testing.T) {
	tests := []struct {
		name  string
		setup func(s *Scheduler, u Unit)
	}{
		{"pending", func(s *Scheduler, u Unit) { s.Add(u) }},
		{"queued due", func(s *Scheduler, u Unit) { s.RescheduleAt(u, 0) }},
		{"queued future", func(s *Scheduler, u Unit) { s.RescheduleAt(u, time.Hour) }},
		{"unknown", func(s *Scheduler, u Unit) {}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestScheduler()
			u := &countingUnit{delays: []time.Duration{0, 0, 0}}

			tt.setup(s, u)
			s.RescheduleAt(u, 0)
			s.tick(context.Background())

			assert.Equal(t, 1, u.Runs())
		})
	}
}

func TestRescheduleOfDueUnitWithinTick(t *testing.T) {
	s, _ := newTestScheduler()
	ctx := context.Background()

	second := &countingUnit{name: "second"}
	first := &countingUnit{name: "first"}
	first.onRun = func() {
		// second is already claimed by this tick
		s.RescheduleAt(second, time.Hour)
	}

	s.Add(first)
	s.Add(second)
	s.tick(ctx)

	assert.Equal(t, 1, first.Runs())
	assert.Equal(t, 0, second.Runs())
	_, queued := s.Scheduled(second)
	assert.True(t, queued)
}

func TestRescheduleWhileRunningOverridesResult(t *testing.T) {
	s, mock := newTestScheduler()
	ctx := context.Background()

	u := &countingUnit{delays: []time.Duration{time.Second}}
	u.onRun = func() {
		s.RescheduleAt(u, EndTask)
	}

	s.Add(u)
	s.tick(ctx)
	assert.Equal(t, 0, s.Len())

	mock.Add(time.Minute)
	s.tick(ctx)
	assert.Equal(t, 1, u.Runs())
}

func TestFailingUnitIsRetried(t *testing.T) {
	tests := []struct {
		name string
		unit *countingUnit
	}{
		{"error", &countingUnit{err: errors.New("broken")}},
		{"panic", &countingUnit{panics: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newTestScheduler()
			ctx := context.Background()

			s.Add(tt.unit)
			s.tick(ctx)
			assert.Equal(t, 1, tt.unit.Runs())

			at, ok := s.Scheduled(tt.unit)
			require.True(t, ok, "failing unit must stay registered")
			assert.Equal(t, mock.Now().Add(time.Minute).UnixMilli(), at.UnixMilli())

			mock.Add(time.Minute)
			s.tick(ctx)
			assert.Equal(t, 2, tt.unit.Runs())
		})
	}
}

type initUnit struct {
	inits atomic.Int32
	runs  atomic.Int32
}

func (u *initUnit) Initialize(ctx context.Context) error {
	u.inits.Add(1)
	return nil
}

func (u *initUnit) Run(ctx context.Context) (time.Duration, error) {
	u.runs.Add(1)
	return 0, nil
}

func TestInitializeCalledOnce(t *testing.T) {
	s, mock := newTestScheduler()
	ctx := context.Background()
	u := &initUnit{}

	s.Add(u)
	s.tick(ctx)
	mock.Add(time.Millisecond)
	s.tick(ctx)
	s.RescheduleAt(u, 0)
	s.tick(ctx)
	s.Add(u)
	s.tick(ctx)

	assert.Equal(t, int32(1), u.inits.Load())
	assert.Equal(t, int32(4), u.runs.Load())
}

func TestShutdownFinishesBatch(t *testing.T) {
	s, _ := newTestScheduler()
	var order []string
	first := &countingUnit{name: "first", order: &order, onRun: s.Shutdown}
	second := &countingUnit{name: "second", order: &order}
	third := &countingUnit{name: "third", order: &order}

	s.Add(first)
	s.Add(second)
	s.Add(third)
	_, ok := s.tick(context.Background())

	assert.False(t, ok)
	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.Equal(t, 0, s.Len())
}

func TestFuncUnitsAreDistinct(t *testing.T) {
	s, _ := newTestScheduler()
	fn := func(ctx context.Context) (time.Duration, error) { return time.Hour, nil }

	s.Add(NewFuncUnit(fn))
	s.Add(NewFuncUnit(fn))
	assert.Equal(t, 2, s.Len())
}

func TestWorkerLifecycle(t *testing.T) {
	s := NewScheduler(Options{})
	ctx := context.Background()

	var runs atomic.Int32
	done := make(chan struct{})
	u := NewFuncUnit(func(ctx context.Context) (time.Duration, error) {
		if runs.Add(1) == 3 {
			close(done)
			return EndTask, nil
		}
		return 10 * time.Millisecond, nil
	})

	s.Add(u)
	require.NoError(t, s.Start(ctx))
	assert.ErrorIs(t, s.Start(ctx), ErrAlreadyStarted)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("unit did not run three times")
	}

	s.Shutdown()
	s.Shutdown()
	assert.True(t, s.AwaitShutdown(5*time.Second))
	assert.Equal(t, int32(3), runs.Load())
}

func TestAwaitShutdownNotStarted(t *testing.T) {
	s := NewScheduler(Options{})
	assert.True(t, s.AwaitShutdown(time.Millisecond))
}

func TestAwaitShutdownTimesOut(t *testing.T) {
	s := NewScheduler(Options{})
	release := make(chan struct{})
	started := make(chan struct{})

	s.Add(NewFuncUnit(func(ctx context.Context) (time.Duration, error) {
		close(started)
		<-release
		return EndTask, nil
	}))
	require.NoError(t, s.Start(context.Background()))
	<-started

	s.Shutdown()
	assert.False(t, s.AwaitShutdown(20*time.Millisecond))

	close(release)
	assert.True(t, s.AwaitShutdown(5*time.Second))
}
