package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/ferry/pkg/types"
	"github.com/robfig/cron/v3"
)

var (
	// ErrNoFireTime is returned for expressions that never fire
	ErrNoFireTime = errors.New("cron expression has no upcoming fire time")

	// ErrIntervalDescriptor rejects @every, which has no fixed fire times
	ErrIntervalDescriptor = errors.New("@every descriptors are not supported")

	// ErrTimeZonePrefix rejects CRON_TZ and TZ prefixes; schedules carry
	// their location separately
	ErrTimeZonePrefix = errors.New("time zone prefixes are not supported, set the schedule location")
)

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// longest look-back when searching for the previous fire time
const maxLookBack = 4 * 366 * 24 * time.Hour

// Windows evaluates the full and incremental cron expressions of a schedule
type Windows struct {
	full      cron.Schedule
	incr      cron.Schedule // nil without incremental backups
	loc       *time.Location
	onFailure types.OnFailure
}

// Parse builds Windows from cron expressions. An empty incExpr disables
// incremental backups. A nil loc means UTC.
func Parse(fullExpr, incExpr string, loc *time.Location) (*Windows, error) {
	if loc == nil {
		loc = time.UTC
	}

	full, err := parseExpr(fullExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid full cron %q: %w", fullExpr, err)
	}

	w := &Windows{full: full, loc: loc, onFailure: types.OnFailureSkip}
	if incExpr != "" {
		w.incr, err = parseExpr(incExpr)
		if err != nil {
			return nil, fmt.Errorf("invalid incremental cron %q: %w", incExpr, err)
		}
	}
	return w, nil
}

// FromSchedule builds Windows for a stored schedule
func FromSchedule(s *types.Schedule) (*Windows, error) {
	loc := time.UTC
	if s.Location != "" {
		var err error
		loc, err = time.LoadLocation(s.Location)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", s.Name, err)
		}
	}

	w, err := Parse(s.FullCron, s.IncCron, loc)
	if err != nil {
		return nil, fmt.Errorf("schedule %s: %w", s.Name, err)
	}
	if s.OnFailure != "" {
		w.onFailure = s.OnFailure
	}
	return w, nil
}

func parseExpr(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, err
	}
	switch spec := sched.(type) {
	case cron.ConstantDelaySchedule:
		return nil, ErrIntervalDescriptor
	case *cron.SpecSchedule:
		if spec.Location != time.Local {
			return nil, ErrTimeZonePrefix
		}
	}
	return wallClock{sched: sched}, nil
}

// wallClock fires a cron schedule by the wall clock of a location with
// daylight saving time. A wall-clock time repeated when the clocks go back
// fires once, at its first occurrence. Fire times inside the hour skipped
// when the clocks go forward fire at the first instant after the gap.
type wallClock struct {
	sched cron.Schedule
}

func (w wallClock) Next(t time.Time) time.Time {
	for {
		x := w.sched.Next(t)
		if x.IsZero() {
			return x
		}
		if gap, ok := w.gapFire(t, x); ok {
			return gap
		}
		if !w.repeated(x) {
			return x
		}
		t = x
	}
}

// gapFire looks for fire times that fell into a spring-forward gap between
// t and x and returns the end of the earliest such gap
func (w wallClock) gapFire(t, x time.Time) (time.Time, bool) {
	var (
		first time.Time
		found bool
	)
	for at := x; ; {
		start, _ := at.ZoneBounds()
		if start.IsZero() || !start.After(t) {
			return first, found
		}
		before := start.Add(-time.Second)
		_, oldOffset := before.Zone()
		_, newOffset := start.Zone()
		if newOffset > oldOffset {
			// the skipped wall-clock times, read in the offset before the gap
			from := before
			if t.After(from) {
				from = t
			}
			g := w.sched.Next(from.In(time.FixedZone("", oldOffset)))
			gapEnd := start.Add(time.Duration(newOffset-oldOffset) * time.Second)
			if !g.IsZero() && g.Before(gapEnd) {
				first, found = start.In(x.Location()), true
			}
		}
		at = before
	}
}

// repeated reports whether x is the second occurrence of a wall-clock time
// that already fired before the clocks went back
func (w wallClock) repeated(x time.Time) bool {
	start, _ := x.ZoneBounds()
	if start.IsZero() {
		return false
	}
	_, newOffset := x.Zone()
	_, oldOffset := start.Add(-time.Second).Zone()
	if oldOffset <= newOffset {
		return false
	}
	earlier := x.Add(-time.Duration(oldOffset-newOffset) * time.Second)
	if !earlier.Before(start) {
		return false
	}
	return w.sched.Next(earlier.Add(-time.Second)).Equal(earlier)
}

// HasIncremental reports whether an incremental expression is configured
func (w *Windows) HasIncremental() bool {
	return w.incr != nil
}

// OnFailure returns the failure policy of the schedule
func (w *Windows) OnFailure() types.OnFailure {
	return w.onFailure
}

// NextFull returns the first full fire time strictly after t
func (w *Windows) NextFull(t time.Time) time.Time {
	return w.full.Next(t.In(w.loc))
}

// NextIncr returns the first incremental fire time strictly after t
func (w *Windows) NextIncr(t time.Time) (time.Time, bool) {
	if w.incr == nil {
		return time.Time{}, false
	}
	return w.incr.Next(t.In(w.loc)), true
}

// LastFull returns the latest full fire time at or before t
func (w *Windows) LastFull(t time.Time) time.Time {
	return last(w.full, t.In(w.loc))
}

// LastIncr returns the latest incremental fire time at or before t
func (w *Windows) LastIncr(t time.Time) (time.Time, bool) {
	if w.incr == nil {
		return time.Time{}, false
	}
	return last(w.incr, t.In(w.loc)), true
}

// last searches backwards in doubling windows for a fire time in (t-w, t]
// and then walks forward to the latest one. It returns the zero time if
// nothing fired within maxLookBack.
func last(s cron.Schedule, t time.Time) time.Time {
	for window := time.Minute; window <= 2*maxLookBack; window *= 2 {
		x := s.Next(t.Add(-window))
		if x.IsZero() {
			return time.Time{}
		}
		if x.After(t) {
			continue
		}
		for {
			n := s.Next(x)
			if n.IsZero() || n.After(t) {
				return x
			}
			x = n
		}
	}
	return time.Time{}
}
