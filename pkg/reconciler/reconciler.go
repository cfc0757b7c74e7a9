package reconciler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/ferry/pkg/backupschedule"
	"github.com/cuemby/ferry/pkg/log"
	"github.com/cuemby/ferry/pkg/metrics"
	"github.com/cuemby/ferry/pkg/shipping"
	"github.com/cuemby/ferry/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// RunEveryKey is the controller property holding the sweep interval in
	// minutes
	RunEveryKey = "Sweeper/RunEvery"
	// DefaultRunEvery is used when the property is missing or invalid
	DefaultRunEvery = 60 * time.Minute
)

// Repository is the state the sweeper reads
type Repository interface {
	ListResourceDefinitions() ([]*types.ResourceDefinition, error)
	ListSnapshots() ([]*types.Snapshot, error)
	ListSchedules() ([]*types.Schedule, error)
	GetControllerProps() (types.Props, error)
}

// Tasks arms backup definitions
type Tasks interface {
	AddAllTasks(rscName string) ([]backupschedule.DefinitionKey, error)
	RearmStale(inFlight func(key backupschedule.DefinitionKey) bool) []backupschedule.DefinitionKey
	ModifyTasks(schedName string) error
}

// Tracker keeps started and finished records per snapshot
type Tracker interface {
	TrackedSnapshots() []string
	Shipments() []shipping.ShippingKey
	SnapshotDeleted(resource, snapshot string)
}

// Sweeper is a recurring scheduler unit repairing drift between the stored
// state and the running services. It re-decides the definitions of
// schedules changed since the last sweep and arms definitions that are
// enabled but not armed. Fired definitions whose outcome never arrived are
// re-armed, and shipping records of deleted snapshots are dropped.
type Sweeper struct {
	repo     Repository
	tasks    Tasks
	trackers []Tracker
	fallback time.Duration
	logger   zerolog.Logger

	// schedules changed after since, or after the change seen last, are
	// re-decided
	since time.Time
	seen  map[string]time.Time
}

// NewSweeper creates a sweeper. A non-positive fallback means
// DefaultRunEvery.
func NewSweeper(repo Repository, tasks Tasks, fallback time.Duration, trackers ...Tracker) *Sweeper {
	if fallback <= 0 {
		fallback = DefaultRunEvery
	}
	return &Sweeper{
		repo:     repo,
		tasks:    tasks,
		trackers: trackers,
		fallback: fallback,
		logger:   log.WithComponent("sweeper"),
		since:    time.Now(),
		seen:     make(map[string]time.Time),
	}
}

// Initialize logs the configured interval before the first sweep
func (s *Sweeper) Initialize(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.Interval()).Msg("Sweeper initialized")
	return nil
}

// Run sweeps once and returns the delay until the next sweep
func (s *Sweeper) Run(ctx context.Context) (time.Duration, error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.SweepDuration)
		metrics.SweepsTotal.Inc()
	}()

	modified, err := s.modifyChanged()
	if err != nil {
		return 0, err
	}
	armed, err := s.armMissing()
	if err != nil {
		return 0, err
	}
	rearmed := s.rearmStale()
	dropped, err := s.dropDeleted()
	if err != nil {
		return 0, err
	}

	s.logger.Debug().Int("modified", modified).Int("armed", armed).Int("rearmed", rearmed).Int("dropped", dropped).Msg("Sweep finished")
	return s.Interval(), nil
}

// Interval reads the sweep interval from the controller properties
func (s *Sweeper) Interval() time.Duration {
	props, err := s.repo.GetControllerProps()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to read controller properties")
		return s.fallback
	}
	v, ok := props[RunEveryKey]
	if !ok {
		return s.fallback
	}
	minutes, err := strconv.Atoi(v)
	if err != nil || minutes <= 0 {
		s.logger.Warn().Str("value", v).Msg("Invalid " + RunEveryKey + ", using default")
		return s.fallback
	}
	return time.Duration(minutes) * time.Minute
}

func (s *Sweeper) modifyChanged() (int, error) {
	scheds, err := s.repo.ListSchedules()
	if err != nil {
		return 0, fmt.Errorf("failed to list schedules: %w", err)
	}

	modified := 0
	for _, sched := range scheds {
		name := strings.ToLower(sched.Name)
		last, ok := s.seen[name]
		if !ok {
			last = s.since
		}
		if !sched.UpdatedAt.After(last) {
			continue
		}
		if err := s.tasks.ModifyTasks(sched.Name); err != nil {
			s.logger.Warn().Err(err).Str("schedule", sched.Name).Msg("Failed to re-decide changed schedule")
			continue
		}
		s.seen[name] = sched.UpdatedAt
		s.logger.Info().Str("schedule", sched.Name).Msg("Schedule changed, definitions re-decided")
		modified++
	}
	return modified, nil
}

func (s *Sweeper) armMissing() (int, error) {
	rds, err := s.repo.ListResourceDefinitions()
	if err != nil {
		return 0, fmt.Errorf("failed to list resource definitions: %w", err)
	}

	armed := 0
	for _, rd := range rds {
		keys, err := s.tasks.AddAllTasks(rd.Name)
		if err != nil {
			s.logger.Warn().Err(err).Str("resource", rd.Name).Msg("Failed to arm scheduled backups")
			continue
		}
		for _, key := range keys {
			s.logger.Info().Str("definition", key.String()).Msg("Armed missing scheduled backup")
		}
		armed += len(keys)
	}
	return armed, nil
}

func (s *Sweeper) rearmStale() int {
	shipping := make(map[string]struct{})
	for _, tr := range s.trackers {
		for _, key := range tr.Shipments() {
			shipping[strings.ToLower(key.Resource+"@"+key.Remote)] = struct{}{}
		}
	}
	keys := s.tasks.RearmStale(func(key backupschedule.DefinitionKey) bool {
		_, ok := shipping[strings.ToLower(key.Resource+"@"+key.Remote)]
		return ok
	})
	metrics.StaleDefinitionsRearmed.Add(float64(len(keys)))
	return len(keys)
}

func (s *Sweeper) dropDeleted() (int, error) {
	snaps, err := s.repo.ListSnapshots()
	if err != nil {
		return 0, fmt.Errorf("failed to list snapshots: %w", err)
	}
	exists := make(map[string]struct{}, len(snaps))
	for _, snap := range snaps {
		exists[snap.Key()] = struct{}{}
	}

	dropped := 0
	for _, tr := range s.trackers {
		inFlight := make(map[string]struct{})
		for _, key := range tr.Shipments() {
			inFlight[key.Resource+"/"+key.Snapshot] = struct{}{}
		}
		for _, tracked := range tr.TrackedSnapshots() {
			if _, ok := exists[tracked]; ok {
				continue
			}
			if _, ok := inFlight[tracked]; ok {
				continue
			}
			rsc, snap := shipping.SplitSnapshotKey(tracked)
			tr.SnapshotDeleted(rsc, snap)
			metrics.SweptSnapshots.Inc()
			dropped++
		}
	}
	return dropped, nil
}
