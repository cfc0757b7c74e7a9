package backupschedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cuemby/ferry/pkg/events"
	"github.com/cuemby/ferry/pkg/log"
	"github.com/cuemby/ferry/pkg/metrics"
	"github.com/cuemby/ferry/pkg/props"
	"github.com/cuemby/ferry/pkg/schedule"
	"github.com/cuemby/ferry/pkg/scheduler"
	"github.com/cuemby/ferry/pkg/storage"
	"github.com/cuemby/ferry/pkg/types"
	"github.com/rs/zerolog"
)

// Repository is the part of the store the service reads definitions from
type Repository interface {
	GetSchedule(name string) (*types.Schedule, error)
	GetRemote(name string) (*types.Remote, error)
	GetResourceDefinition(name string) (*types.ResourceDefinition, error)
	ListResourceDefinitions() ([]*types.ResourceDefinition, error)
	GetResourceGroup(name string) (*types.ResourceGroup, error)
	GetControllerProps() (types.Props, error)
	DeleteProps(fn func(key string) bool) error
}

// TaskScheduler arms the one-shot tasks of the service
type TaskScheduler interface {
	Add(u scheduler.Unit)
	RescheduleAt(u scheduler.Unit, delay time.Duration)
}

// Starter starts the shipment of a fired definition. It must not block
// until the shipment finished; the outcome is reported through
// Service.BackupFinished.
type Starter interface {
	StartScheduledBackup(ctx context.Context, req *BackupRequest) error
}

// Notifier receives control plane events
type Notifier interface {
	Publish(event *events.Event)
}

// DefinitionKey identifies a scheduled backup definition. Names compare
// case-insensitively.
type DefinitionKey struct {
	Schedule string
	Remote   string
	Resource string
}

func (k DefinitionKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Resource, k.Remote, k.Schedule)
}

func (k DefinitionKey) fold() DefinitionKey {
	return DefinitionKey{
		Schedule: strings.ToLower(k.Schedule),
		Remote:   strings.ToLower(k.Remote),
		Resource: strings.ToLower(k.Resource),
	}
}

// BackupRequest is handed to the Starter when a definition fires
type BackupRequest struct {
	Key             DefinitionKey
	Schedule        *types.Schedule
	Remote          *types.Remote
	Resource        *types.ResourceDefinition
	Incremental     bool
	StartedAt       time.Time
	PrefNode        string
	ForceRestore    bool
	RenameStorPools map[string]string
}

// Definition is one armed schedule, remote and resource combination
type Definition struct {
	Key             DefinitionKey
	Schedule        *types.Schedule
	LastIncremental bool
	LastStart       time.Time
	PrefNode        string
	ForceRestore    bool
	RenameStorPools map[string]string
	Decision        schedule.Decision
	DecidedAt       time.Time

	windows *schedule.Windows
	retries int
	task    *task
	fired   bool
	firedAt time.Time
}

// Active is a read-only view of an active definition
type Active struct {
	Key             DefinitionKey
	Decision        schedule.Decision
	DecidedAt       time.Time
	NextRun         time.Time
	LastStart       time.Time
	LastIncremental bool
	Retries         int
	Fired           bool
}

// task is the one-shot unit of a definition. A new task is created every
// time a definition is armed.
type task struct {
	svc *Service
	key DefinitionKey
}

func (t *task) Run(ctx context.Context) (time.Duration, error) {
	t.svc.fire(ctx, t)
	return scheduler.EndTask, nil
}

// DefaultStaleAfter is how long a fired definition may wait for its
// outcome before RearmStale treats the run as failed
const DefaultStaleAfter = time.Hour

// Options configures a Service
type Options struct {
	Repository Repository
	Scheduler  TaskScheduler
	Starter    Starter
	Notifier   Notifier
	Clock      clock.Clock
	// StaleAfter defaults to DefaultStaleAfter
	StaleAfter time.Duration
}

// Service keeps one definition per enabled schedule, remote and resource
// combination armed on the scheduler.
//
// Definitions are indexed by schedule, remote and resource. The indices and
// the set of active definitions share one mutex so that they always hold
// the same definitions. A definition stays active while its shipment is in
// flight and is re-armed by BackupFinished.
type Service struct {
	repo       Repository
	sched      TaskScheduler
	starter    Starter
	notifier   Notifier
	clock      clock.Clock
	staleAfter time.Duration
	logger     zerolog.Logger

	mu         sync.Mutex
	running    bool
	ctx        context.Context
	bySchedule map[string]map[DefinitionKey]*Definition
	byRemote   map[string]map[DefinitionKey]*Definition
	byResource map[string]map[DefinitionKey]*Definition
	active     map[DefinitionKey]*Definition
}

// NewService creates a new backup schedule service
func NewService(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	return &Service{
		repo:       opts.Repository,
		sched:      opts.Scheduler,
		starter:    opts.Starter,
		notifier:   opts.Notifier,
		clock:      opts.Clock,
		staleAfter: opts.StaleAfter,
		logger:     log.WithComponent("backup-schedule"),
		ctx:        context.Background(),
		bySchedule: make(map[string]map[DefinitionKey]*Definition),
		byRemote:   make(map[string]map[DefinitionKey]*Definition),
		byResource: make(map[string]map[DefinitionKey]*Definition),
		active:     make(map[DefinitionKey]*Definition),
	}
}

// SetStarter sets the starter after construction. The dispatcher needs the
// service and the service needs the dispatcher.
func (s *Service) SetStarter(starter Starter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starter = starter
}

// SetNotifier sets the event notifier after construction
func (s *Service) SetNotifier(notifier Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = notifier
}

// Start arms the definitions of every resource definition
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	rds, err := s.repo.ListResourceDefinitions()
	if err != nil {
		return fmt.Errorf("failed to list resource definitions: %w", err)
	}
	for _, rd := range rds {
		if _, err := s.AddAllTasks(rd.Name); err != nil {
			s.logger.Error().Err(err).Str("resource", rd.Name).Msg("Failed to arm scheduled backups")
		}
	}
	s.logger.Info().Int("definitions", s.ActiveCount()).Msg("Backup schedule service started")
	return nil
}

// Shutdown cancels every armed task and forgets all definitions
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = false
	for _, def := range s.active {
		if def.task != nil && !def.fired {
			s.sched.RescheduleAt(def.task, scheduler.EndTask)
		}
	}
	s.bySchedule = make(map[string]map[DefinitionKey]*Definition)
	s.byRemote = make(map[string]map[DefinitionKey]*Definition)
	s.byResource = make(map[string]map[DefinitionKey]*Definition)
	s.active = make(map[DefinitionKey]*Definition)
}

// AddAllTasks arms a definition for every remote and schedule pair enabled
// for the resource definition. It returns the keys of the newly armed
// definitions.
func (s *Service) AddAllTasks(rscName string) ([]DefinitionKey, error) {
	rd, err := s.repo.GetResourceDefinition(rscName)
	if err != nil {
		return nil, fmt.Errorf("failed to get resource definition %s: %w", rscName, err)
	}
	prio, err := s.priorityProps(rd)
	if err != nil {
		return nil, err
	}

	var added []DefinitionKey
	for _, pair := range prio.EnabledPairs() {
		remoteName, schedName := pair[0], pair[1]
		logger := log.WithSchedule(schedName, remoteName, rd.Name)

		sched, err := s.repo.GetSchedule(schedName)
		if err != nil {
			logger.Info().Err(err).Msg("Schedule not found, nothing to arm")
			continue
		}
		remote, err := s.repo.GetRemote(remoteName)
		if err != nil {
			logger.Info().Err(err).Msg("Remote not found, nothing to arm")
			continue
		}

		key, ok := s.addTaskAgain(rd, sched, remote, prio, time.Time{}, true, false, false)
		if ok {
			added = append(added, key)
		}
	}
	return added, nil
}

// AddNewTask arms the definition of one schedule, remote and resource
// combination, if it is not armed already.
func (s *Service) AddNewTask(rscName, remoteName, schedName string) (bool, error) {
	rd, sched, remote, prio, err := s.load(DefinitionKey{Schedule: schedName, Remote: remoteName, Resource: rscName})
	if err != nil {
		return false, err
	}
	_, ok := s.addTaskAgain(rd, sched, remote, prio, time.Time{}, true, false, false)
	return ok, nil
}

// BackupFinished re-arms a fired definition once its shipment reported.
// startedAt is BackupRequest.StartedAt. Definitions removed while the
// shipment was in flight are not re-armed.
func (s *Service) BackupFinished(key DefinitionKey, startedAt time.Time, success, forceSkip, incremental bool) {
	s.finish(key, startedAt, success, forceSkip, incremental, false)
}

// finish re-arms an active definition. With firedOnly set, only a
// definition still waiting for the run fired at startedAt is re-armed.
func (s *Service) finish(key DefinitionKey, startedAt time.Time, success, forceSkip, incremental, firedOnly bool) bool {
	rd, sched, remote, prio, err := s.load(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.active[key.fold()]
	if !ok || (firedOnly && (!def.fired || !def.firedAt.Equal(startedAt))) {
		return false
	}
	if def.task != nil && !def.fired {
		s.sched.RescheduleAt(def.task, scheduler.EndTask)
	}
	s.unindex(def)
	if err != nil {
		delete(s.active, key.fold())
		s.logger.Warn().Err(err).Str("definition", key.String()).Msg("Dropping scheduled backup")
		return true
	}
	if _, ok := s.arm(rd, sched, remote, prio, startedAt, success, forceSkip, incremental); !ok {
		delete(s.active, key.fold())
	}
	return true
}

// RearmStale re-arms definitions that fired longer than the stale bound
// ago without an outcome, as if their run failed. Definitions for which
// inFlight reports a running shipment are left alone. It returns the keys
// of the re-armed definitions.
func (s *Service) RearmStale(inFlight func(key DefinitionKey) bool) []DefinitionKey {
	type staleRun struct {
		key         DefinitionKey
		firedAt     time.Time
		incremental bool
	}

	s.mu.Lock()
	now := s.clock.Now()
	var stale []staleRun
	for _, def := range s.active {
		if !def.fired || now.Sub(def.firedAt) < s.staleAfter {
			continue
		}
		stale = append(stale, staleRun{key: def.Key, firedAt: def.firedAt, incremental: def.Decision.Incremental})
	}
	s.mu.Unlock()

	var rearmed []DefinitionKey
	for _, run := range stale {
		if inFlight != nil && inFlight(run.key) {
			continue
		}
		if !s.finish(run.key, run.firedAt, false, false, run.incremental, true) {
			continue
		}
		s.logger.Warn().
			Str("definition", run.key.String()).
			Time("fired_at", run.firedAt).
			Msg("No outcome for scheduled backup, re-armed as failed")
		rearmed = append(rearmed, run.key)
	}
	sort.Slice(rearmed, func(i, j int) bool {
		return rearmed[i].String() < rearmed[j].String()
	})
	return rearmed
}

// ModifyTasks re-decides every definition of a schedule, after the
// schedule changed. Definitions whose shipment is in flight pick the change
// up when they are re-armed.
func (s *Service) ModifyTasks(schedName string) error {
	sched, err := s.repo.GetSchedule(schedName)
	if err != nil {
		return fmt.Errorf("failed to get schedule %s: %w", schedName, err)
	}
	w, err := schedule.FromSchedule(sched)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for _, def := range s.bySchedule[strings.ToLower(schedName)] {
		if def.fired {
			continue
		}
		d, err := schedule.Decide(w, now, def.LastStart, true, false, def.LastIncremental)
		if err != nil {
			s.logger.Error().Err(err).Str("definition", def.Key.String()).Msg("Failed to re-decide scheduled backup")
			continue
		}
		def.Schedule = sched
		def.windows = w
		def.Decision = d
		def.DecidedAt = now
		s.sched.RescheduleAt(def.task, d.Timeout)

		logger := log.WithSchedule(def.Key.Schedule, def.Key.Remote, def.Key.Resource)
		logger.Debug().
			Dur("timeout", d.Timeout).
			Bool("incremental", d.Incremental).
			Msg("Scheduled backup re-armed")
	}
	return nil
}

// RemoveTasksByResource removes every definition of a resource
func (s *Service) RemoveTasksByResource(rscName string) {
	s.removeMatching(func(k DefinitionKey) bool {
		return strings.EqualFold(k.Resource, rscName)
	})
}

// RemoveTasksBySchedule removes every definition of a schedule along with
// the properties referencing it
func (s *Service) RemoveTasksBySchedule(schedName string) error {
	removed := s.removeMatching(func(k DefinitionKey) bool {
		return strings.EqualFold(k.Schedule, schedName)
	})
	s.publish(events.EventScheduleRemoved, fmt.Sprintf("schedule %s removed from %d definitions", schedName, removed),
		map[string]string{"schedule": schedName})
	return s.removeRelatedProps("", schedName)
}

// RemoveTasksByRemote removes every definition of a remote along with the
// properties referencing it
func (s *Service) RemoveTasksByRemote(remoteName string) error {
	s.removeMatching(func(k DefinitionKey) bool {
		return strings.EqualFold(k.Remote, remoteName)
	})
	return s.removeRelatedProps(remoteName, "")
}

// RemoveSingleTask removes one definition and cancels its task
func (s *Service) RemoveSingleTask(key DefinitionKey) bool {
	return s.removeMatching(func(k DefinitionKey) bool {
		return k.fold() == key.fold()
	}) > 0
}

// ActiveShippings lists the active definitions matching the filters.
// Empty filters match everything, names compare case-insensitively.
func (s *Service) ActiveShippings(rscName, remoteName, schedName string) []Active {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches := func(filter, name string) bool {
		return filter == "" || strings.EqualFold(filter, name)
	}

	var out []Active
	for _, def := range s.active {
		if !matches(rscName, def.Key.Resource) || !matches(remoteName, def.Key.Remote) || !matches(schedName, def.Key.Schedule) {
			continue
		}
		a := Active{
			Key:             def.Key,
			Decision:        def.Decision,
			DecidedAt:       def.DecidedAt,
			LastStart:       def.LastStart,
			LastIncremental: def.LastIncremental,
			Retries:         def.retries,
			Fired:           def.fired,
		}
		if !def.fired {
			a.NextRun = def.DecidedAt.Add(def.Decision.Timeout)
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// ActiveCount returns the number of active definitions
func (s *Service) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Service) load(key DefinitionKey) (*types.ResourceDefinition, *types.Schedule, *types.Remote, *props.Priority, error) {
	rd, err := s.repo.GetResourceDefinition(key.Resource)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to get resource definition %s: %w", key.Resource, err)
	}
	sched, err := s.repo.GetSchedule(key.Schedule)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to get schedule %s: %w", key.Schedule, err)
	}
	remote, err := s.repo.GetRemote(key.Remote)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to get remote %s: %w", key.Remote, err)
	}
	prio, err := s.priorityProps(rd)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return rd, sched, remote, prio, nil
}

// priorityProps looks properties up on the resource definition, its group
// and the controller
func (s *Service) priorityProps(rd *types.ResourceDefinition) (*props.Priority, error) {
	var groupProps types.Props
	if rd.Group != "" {
		rg, err := s.repo.GetResourceGroup(rd.Group)
		switch {
		case err == nil:
			groupProps = rg.Props
		case !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("failed to get resource group %s: %w", rd.Group, err)
		}
	}
	ctrlProps, err := s.repo.GetControllerProps()
	if err != nil {
		return nil, fmt.Errorf("failed to get controller properties: %w", err)
	}
	return props.NewPriority(rd.Props, groupProps, ctrlProps), nil
}

func (s *Service) addTaskAgain(
	rd *types.ResourceDefinition,
	sched *types.Schedule,
	remote *types.Remote,
	prio *props.Priority,
	lastStart time.Time,
	success, forceSkip, lastIncr bool,
) (DefinitionKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arm(rd, sched, remote, prio, lastStart, success, forceSkip, lastIncr)
}

// arm decides the next run of a definition and registers its task. A zero
// lastStart arms a new definition; otherwise only a definition that is
// still active is re-armed. Caller must hold s.mu.
func (s *Service) arm(
	rd *types.ResourceDefinition,
	sched *types.Schedule,
	remote *types.Remote,
	prio *props.Priority,
	lastStart time.Time,
	success, forceSkip, lastIncr bool,
) (DefinitionKey, bool) {
	key := DefinitionKey{Schedule: sched.Name, Remote: remote.Name, Resource: rd.Name}
	logger := log.WithSchedule(key.Schedule, key.Remote, key.Resource)

	if !s.running || len(rd.DiskfulNodes()) == 0 {
		return key, false
	}
	if s.indexed(key) {
		return key, false
	}

	def, isActive := s.active[key.fold()]
	if !lastStart.IsZero() && !isActive {
		return key, false
	}

	w, err := schedule.FromSchedule(sched)
	if err != nil {
		logger.Error().Err(err).Msg("Invalid schedule, not arming")
		return key, false
	}

	if def == nil {
		def = &Definition{Key: key}
	}
	skip := forceSkip || s.tooManyRetries(def, sched, success, logger)
	now := s.clock.Now()
	d, err := schedule.Decide(w, now, lastStart, success, skip, lastIncr)
	if err != nil {
		logger.Error().Err(err).Msg("Schedule never fires, not arming")
		return key, false
	}
	if success {
		def.retries = 0
	}

	ns := props.ScheduleNamespace(remote.Name, sched.Name)
	def.Schedule = sched
	def.windows = w
	def.LastIncremental = lastIncr
	def.LastStart = lastStart
	def.PrefNode, _ = prio.Get(props.KeyPrefNode, ns)
	def.ForceRestore = prio.Bool(props.KeyForceRestore, ns)
	def.RenameStorPools = prio.RenameMap(remote.Name, sched.Name)
	def.Decision = d
	def.DecidedAt = now
	def.task = &task{svc: s, key: key.fold()}
	def.fired = false

	s.active[key.fold()] = def
	s.index(def)

	if d.Immediate() {
		s.sched.Add(def.task)
	} else {
		s.sched.RescheduleAt(def.task, d.Timeout)
	}

	logger.Debug().
		Dur("timeout", d.Timeout).
		Bool("incremental", d.Incremental).
		Time("last_start", lastStart).
		Msg("Scheduled backup armed")
	return key, true
}

// tooManyRetries reports whether a failed run exhausted the retries of its
// schedule. The counter is reset once exhausted, so the next failure starts
// a new round. Caller must hold s.mu.
func (s *Service) tooManyRetries(def *Definition, sched *types.Schedule, success bool, logger zerolog.Logger) bool {
	if success || sched.OnFailure != types.OnFailureRetry {
		return false
	}
	if sched.MaxRetries <= 0 {
		logger.Warn().Msg("Scheduled backup failed, retrying indefinitely")
		return false
	}
	if def.retries >= sched.MaxRetries {
		logger.Warn().Int("max_retries", sched.MaxRetries).Msg("Scheduled backup failed too often, waiting for the next window")
		def.retries = 0
		return true
	}
	def.retries++
	logger.Warn().
		Int("retry", def.retries).
		Int("max_retries", sched.MaxRetries).
		Msg("Scheduled backup failed, retrying")
	return false
}

// fire runs on the scheduler worker. It marks the definition as in flight
// and hands the start off to the starter.
func (s *Service) fire(ctx context.Context, t *task) {
	s.mu.Lock()
	def, ok := s.active[t.key]
	if !ok || def.task != t || def.fired || !s.running {
		s.mu.Unlock()
		return
	}
	key := def.Key
	rd, err := s.repo.GetResourceDefinition(key.Resource)
	var remote *types.Remote
	if err == nil {
		remote, err = s.repo.GetRemote(key.Remote)
	}
	if err != nil {
		s.unindex(def)
		delete(s.active, t.key)
		s.mu.Unlock()
		s.logger.Warn().Err(err).Str("definition", key.String()).Msg("Dropping scheduled backup")
		return
	}

	now := s.clock.Now()
	def.fired = true
	def.firedAt = now
	req := &BackupRequest{
		Key:             key,
		Schedule:        def.Schedule,
		Remote:          remote,
		Resource:        rd,
		Incremental:     def.Decision.Incremental,
		StartedAt:       now,
		PrefNode:        def.PrefNode,
		ForceRestore:    def.ForceRestore,
		RenameStorPools: def.RenameStorPools,
	}
	starter := s.starter
	s.mu.Unlock()

	kind := "full"
	if req.Incremental {
		kind = "incremental"
	}
	metrics.ScheduledBackupsStarted.WithLabelValues(kind).Inc()
	s.publish(events.EventBackupScheduled, fmt.Sprintf("%s backup of %s to %s started", kind, key.Resource, key.Remote),
		map[string]string{"resource": key.Resource, "remote": key.Remote, "schedule": key.Schedule, "type": kind})

	logger := log.WithSchedule(key.Schedule, key.Remote, key.Resource)
	logger.Info().
		Bool("incremental", req.Incremental).
		Msg("Starting scheduled backup")

	go func() {
		if starter == nil {
			s.BackupFinished(key, now, false, false, req.Incremental)
			return
		}
		if err := starter.StartScheduledBackup(ctx, req); err != nil {
			logger.Error().Err(err).Msg("Failed to start scheduled backup")
			s.BackupFinished(key, now, false, false, req.Incremental)
		}
	}()
}

// removeMatching removes and cancels every active definition matching fn
// and returns how many were removed
func (s *Service) removeMatching(fn func(k DefinitionKey) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int
	for fk, def := range s.active {
		if !fn(def.Key) {
			continue
		}
		if def.task != nil && !def.fired {
			s.sched.RescheduleAt(def.task, scheduler.EndTask)
		}
		s.unindex(def)
		delete(s.active, fk)
		removed++
	}
	return removed
}

// removeRelatedProps deletes the properties below Schedule/{remote}/{schedule}
// of a deleted remote or schedule everywhere
func (s *Service) removeRelatedProps(remoteName, schedName string) error {
	err := s.repo.DeleteProps(func(key string) bool {
		parts := strings.Split(key, "/")
		if len(parts) < 4 || parts[0] != props.NamespcSchedule {
			return false
		}
		if remoteName != "" && strings.EqualFold(parts[1], remoteName) {
			return true
		}
		return schedName != "" && strings.EqualFold(parts[2], schedName)
	})
	if err != nil {
		return fmt.Errorf("failed to remove schedule properties: %w", err)
	}
	return nil
}

// indexed reports whether key is present in the indices. Caller must hold s.mu.
func (s *Service) indexed(key DefinitionKey) bool {
	fk := key.fold()
	_, ok := s.byResource[fk.Resource][fk]
	return ok
}

// index adds def to all three indices. Caller must hold s.mu.
func (s *Service) index(def *Definition) {
	fk := def.Key.fold()
	addTo(s.bySchedule, fk.Schedule, fk, def)
	addTo(s.byRemote, fk.Remote, fk, def)
	addTo(s.byResource, fk.Resource, fk, def)
}

// unindex removes def from all three indices. Caller must hold s.mu.
func (s *Service) unindex(def *Definition) {
	fk := def.Key.fold()
	removeFrom(s.bySchedule, fk.Schedule, fk)
	removeFrom(s.byRemote, fk.Remote, fk)
	removeFrom(s.byResource, fk.Resource, fk)
}

func addTo(idx map[string]map[DefinitionKey]*Definition, name string, key DefinitionKey, def *Definition) {
	set, ok := idx[name]
	if !ok {
		set = make(map[DefinitionKey]*Definition)
		idx[name] = set
	}
	set[key] = def
}

func removeFrom(idx map[string]map[DefinitionKey]*Definition, name string, key DefinitionKey) {
	set, ok := idx[name]
	if !ok {
		return
	}
	delete(set, key)
	if len(set) == 0 {
		delete(idx, name)
	}
}

func (s *Service) publish(typ events.EventType, msg string, meta map[string]string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(&events.Event{
		Type:      typ,
		Timestamp: s.clock.Now(),
		Message:   msg,
		Metadata:  meta,
	})
}
