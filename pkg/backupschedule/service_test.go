package backupschedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cuemby/ferry/pkg/events"
	"github.com/cuemby/ferry/pkg/schedule"
	"github.com/cuemby/ferry/pkg/scheduler"
	"github.com/cuemby/ferry/pkg/storage"
	"github.com/cuemby/ferry/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScheduler struct {
	mu        sync.Mutex
	delays    map[scheduler.Unit]time.Duration
	cancelled []scheduler.Unit
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{delays: make(map[scheduler.Unit]time.Duration)}
}

func (f *fakeScheduler) Add(u scheduler.Unit) {
	f.RescheduleAt(u, 0)
}

func (f *fakeScheduler) RescheduleAt(u scheduler.Unit, delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if delay < 0 {
		delete(f.delays, u)
		f.cancelled = append(f.cancelled, u)
		return
	}
	f.delays[u] = delay
}

func (f *fakeScheduler) armed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delays)
}

func (f *fakeScheduler) delay(u scheduler.Unit) (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.delays[u]
	return d, ok
}

// fire runs u the way the scheduler worker would
func (f *fakeScheduler) fire(t *testing.T, u scheduler.Unit) {
	t.Helper()
	f.mu.Lock()
	delete(f.delays, u)
	f.mu.Unlock()

	next, err := u.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, scheduler.EndTask, next)
}

type fakeStarter struct {
	mu       sync.Mutex
	requests []*BackupRequest
	err      error
}

func (f *fakeStarter) StartScheduledBackup(ctx context.Context, req *BackupRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.err
}

// waitStarted waits until n backups were handed to the starter
func (f *fakeStarter) waitStarted(t *testing.T, n int) []*BackupRequest {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.started()) >= n
	}, 5*time.Second, 5*time.Millisecond)
	return f.started()
}

func (f *fakeStarter) started() []*BackupRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*BackupRequest(nil), f.requests...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recordingNotifier) Publish(event *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingNotifier) ofType(typ events.EventType) []*events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*events.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	store    *storage.BoltStore
	sched    *fakeScheduler
	starter  *fakeStarter
	notifier *recordingNotifier
	clock    *clock.Mock
	svc      *Service
}

// midnight is the start time of every test, the nightly full runs at 02:00
var midnight = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.CreateSchedule(&types.Schedule{
		Name:       "nightly",
		FullCron:   "0 2 * * *",
		OnFailure:  types.OnFailureRetry,
		MaxRetries: 2,
	}))
	require.NoError(t, store.CreateRemote(&types.Remote{Name: "s3-eu", Type: types.RemoteTypeS3}))

	h := &harness{
		store:    store,
		sched:    newFakeScheduler(),
		starter:  &fakeStarter{},
		notifier: &recordingNotifier{},
		clock:    clock.NewMock(),
	}
	h.clock.Set(midnight)
	h.svc = NewService(Options{
		Repository: store,
		Scheduler:  h.sched,
		Starter:    h.starter,
		Notifier:   h.notifier,
		Clock:      h.clock,
	})
	return h
}

func (h *harness) resource(t *testing.T, name string, props types.Props, placements ...types.Placement) {
	t.Helper()
	if len(placements) == 0 {
		placements = []types.Placement{{Node: "node-1"}}
	}
	require.NoError(t, h.store.CreateResourceDefinition(&types.ResourceDefinition{
		Name:       name,
		Group:      "dfltRscGrp",
		Volumes:    []types.VolumeDefinition{{Number: 0}},
		Placements: placements,
		Props:      props,
	}))
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.svc.Start(context.Background()))
	t.Cleanup(h.svc.Shutdown)
}

func (h *harness) definition(t *testing.T, key DefinitionKey) *Definition {
	t.Helper()
	h.svc.mu.Lock()
	defer h.svc.mu.Unlock()
	def, ok := h.svc.active[key.fold()]
	require.True(t, ok, "definition %s not active", key)
	return def
}

func (h *harness) task(t *testing.T, key DefinitionKey) *task {
	t.Helper()
	def := h.definition(t, key)
	h.svc.mu.Lock()
	defer h.svc.mu.Unlock()
	return def.task
}

// assertIndicesAgree checks that the three indices and the active set hold
// the same armed definitions
func (h *harness) assertIndicesAgree(t *testing.T) {
	t.Helper()
	h.svc.mu.Lock()
	defer h.svc.mu.Unlock()

	collect := func(idx map[string]map[DefinitionKey]*Definition) map[DefinitionKey]bool {
		out := make(map[DefinitionKey]bool)
		for _, set := range idx {
			require.NotEmpty(t, set, "empty index sets are removed")
			for k := range set {
				out[k] = true
			}
		}
		return out
	}
	bySchedule := collect(h.svc.bySchedule)
	assert.Equal(t, bySchedule, collect(h.svc.byRemote))
	assert.Equal(t, bySchedule, collect(h.svc.byResource))
	for k := range bySchedule {
		assert.Contains(t, h.svc.active, k)
	}
}

var dbNightly = DefinitionKey{Schedule: "nightly", Remote: "s3-eu", Resource: "db"}

func enabled() types.Props {
	return types.Props{"Schedule/s3-eu/nightly/Enabled": "true"}
}

func TestStartArmsEnabledDefinitions(t *testing.T) {
	h := newHarness(t)
	h.resource(t, "db", enabled())
	h.resource(t, "web", nil)
	h.resource(t, "diskless", enabled(), types.Placement{Node: "node-1", Diskless: true})
	h.resource(t, "unknown-remote", types.Props{"Schedule/gone/nightly/Enabled": "true"})
	h.start(t)

	assert.Equal(t, 1, h.svc.ActiveCount())
	def := h.definition(t, dbNightly)
	assert.Equal(t, schedule.Decision{Timeout: 2 * time.Hour, Incremental: false}, def.Decision)
	assert.True(t, def.LastStart.IsZero())

	d, ok := h.sched.delay(h.task(t, dbNightly))
	require.True(t, ok)
	assert.Equal(t, 2*time.Hour, d)
	h.assertIndicesAgree(t)
}

func TestPropertyPriority(t *testing.T) {
	tests := []struct {
		name    string
		rd      types.Props
		group   types.Props
		ctrl    types.Props
		enabled bool
	}{
		{"resource definition", enabled(), nil, nil, true},
		{"resource group", nil, enabled(), nil, true},
		{"controller", nil, nil, enabled(), true},
		{"resource definition disables", types.Props{"Schedule/s3-eu/nightly/Enabled": "false"}, enabled(), nil, false},
		{"malformed value", types.Props{"Schedule/s3-eu/nightly/Enabled": "yes please"}, nil, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			require.NoError(t, h.store.CreateResourceGroup(&types.ResourceGroup{Name: "dfltRscGrp", Props: tt.group}))
			if tt.ctrl != nil {
				require.NoError(t, h.store.SetControllerProps(tt.ctrl))
			}
			h.resource(t, "db", tt.rd)
			h.start(t)

			assert.Equal(t, tt.enabled, h.svc.ActiveCount() == 1)
			h.assertIndicesAgree(t)
		})
	}
}

func TestAddNewTaskIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.resource(t, "db", nil)
	h.start(t)
	assert.Equal(t, 0, h.svc.ActiveCount())

	ok, err := h.svc.AddNewTask("db", "s3-eu", "nightly")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.svc.AddNewTask("db", "s3-eu", "nightly")
	require.NoError(t, err)
	assert.False(t, ok, "one definition per combination")

	added, err := h.svc.AddAllTasks("db")
	require.NoError(t, err)
	assert.Empty(t, added)

	assert.Equal(t, 1, h.svc.ActiveCount())
	assert.Equal(t, 1, h.sched.armed())

	_, err = h.svc.AddNewTask("db", "s3-eu", "weekly")
	assert.Error(t, err)
}

func TestFireStartsBackupOnce(t *testing.T) {
	h := newHarness(t)
	h.resource(t, "db", types.Props{
		"Schedule/s3-eu/nightly/Enabled":                 "true",
		"Schedule/s3-eu/nightly/PrefNode":                "node-2",
		"Schedule/s3-eu/nightly/ForceRestore":            "true",
		"Schedule/s3-eu/nightly/RenameStorPool/thin":     "thick",
		"Schedule/s3-eu/nightly/RenameStorPool/lvm-fast": "lvm-slow",
	})
	h.start(t)

	tk := h.task(t, dbNightly)
	h.clock.Add(2 * time.Hour)
	h.sched.fire(t, tk)

	reqs := h.starter.waitStarted(t, 1)
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, dbNightly, req.Key)
	assert.False(t, req.Incremental)
	assert.True(t, req.StartedAt.Equal(midnight.Add(2*time.Hour)))
	assert.Equal(t, "node-2", req.PrefNode)
	assert.True(t, req.ForceRestore)
	assert.Equal(t, map[string]string{"thin": "thick", "lvm-fast": "lvm-slow"}, req.RenameStorPools)
	assert.Equal(t, "db", req.Resource.Name)
	assert.Equal(t, types.RemoteTypeS3, req.Remote.Type)

	// a stale run of the same task does nothing
	h.sched.fire(t, tk)
	assert.Len(t, h.starter.started(), 1)

	active := h.svc.ActiveShippings("", "", "")
	require.Len(t, active, 1)
	assert.True(t, active[0].Fired)
	assert.True(t, active[0].NextRun.IsZero())
	assert.Len(t, h.notifier.ofType(events.EventBackupScheduled), 1)
	h.assertIndicesAgree(t)
}

func TestBackupFinishedRearms(t *testing.T) {
	h := newHarness(t)
	h.resource(t, "db", enabled())
	h.start(t)

	first := h.task(t, dbNightly)
	h.clock.Add(2 * time.Hour)
	h.sched.fire(t, first)
	startedAt := h.starter.waitStarted(t, 1)[0].StartedAt

	h.clock.Add(30 * time.Second)
	h.svc.BackupFinished(dbNightly, startedAt, true, false, false)

	def := h.definition(t, dbNightly)
	assert.Equal(t, schedule.Decision{Timeout: 24*time.Hour - 30*time.Second}, def.Decision)
	assert.True(t, def.LastStart.Equal(startedAt))

	second := h.task(t, dbNightly)
	assert.NotSame(t, first, second)
	d, ok := h.sched.delay(second)
	require.True(t, ok)
	assert.Equal(t, 24*time.Hour-30*time.Second, d)
	h.assertIndicesAgree(t)
}

func TestFailureRetries(t *testing.T) {
	tests := []struct {
		name       string
		onFailure  types.OnFailure
		maxRetries int
		want       []time.Duration
	}{
		{
			"retry until exhausted",
			types.OnFailureRetry, 2,
			[]time.Duration{schedule.FailureRetryDelay, schedule.FailureRetryDelay, 24*time.Hour - 30*time.Second, schedule.FailureRetryDelay},
		},
		{
			"retry forever",
			types.OnFailureRetry, 0,
			[]time.Duration{schedule.FailureRetryDelay, schedule.FailureRetryDelay, schedule.FailureRetryDelay},
		},
		{
			"skip",
			types.OnFailureSkip, 0,
			[]time.Duration{24*time.Hour - 30*time.Second, 24*time.Hour - 30*time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			require.NoError(t, h.store.UpdateSchedule(&types.Schedule{
				Name:       "nightly",
				FullCron:   "0 2 * * *",
				OnFailure:  tt.onFailure,
				MaxRetries: tt.maxRetries,
			}))
			h.resource(t, "db", enabled())
			h.start(t)

			startedAt := midnight.Add(2 * time.Hour)
			h.clock.Set(startedAt.Add(30 * time.Second))
			for i, want := range tt.want {
				h.svc.BackupFinished(dbNightly, startedAt, false, false, false)
				def := h.definition(t, dbNightly)
				assert.Equal(t, want, def.Decision.Timeout, "failure %d", i+1)
				assert.False(t, def.Decision.Incremental)
			}
		})
	}
}

func TestSuccessResetsRetries(t *testing.T) {
	h := newHarness(t)
	h.resource(t, "db", enabled())
	h.start(t)

	startedAt := midnight.Add(2 * time.Hour)
	h.clock.Set(startedAt.Add(30 * time.Second))
	h.svc.BackupFinished(dbNightly, startedAt, false, false, false)
	h.svc.BackupFinished(dbNightly, startedAt, false, false, false)
	assert.Equal(t, 2, h.svc.ActiveShippings("db", "", "")[0].Retries)

	h.svc.BackupFinished(dbNightly, startedAt, true, false, false)
	assert.Equal(t, 0, h.svc.ActiveShippings("db", "", "")[0].Retries)
}

func TestStarterErrorRearmsAsFailure(t *testing.T) {
	h := newHarness(t)
	h.starter.err = errors.New("no node available")
	h.resource(t, "db", enabled())
	h.start(t)

	h.clock.Add(2 * time.Hour)
	h.sched.fire(t, h.task(t, dbNightly))

	require.Eventually(t, func() bool {
		a := h.svc.ActiveShippings("db", "s3-eu", "nightly")
		return len(a) == 1 && !a[0].Fired
	}, 5*time.Second, 10*time.Millisecond)

	def := h.definition(t, dbNightly)
	assert.Equal(t, schedule.FailureRetryDelay, def.Decision.Timeout)
	assert.Equal(t, 1, h.svc.ActiveShippings("", "", "")[0].Retries)
}

func TestRearmStaleAfterLostOutcome(t *testing.T) {
	h := newHarness(t)
	h.resource(t, "db", enabled())
	h.start(t)

	h.clock.Add(2 * time.Hour)
	h.sched.fire(t, h.task(t, dbNightly))
	startedAt := h.starter.waitStarted(t, 1)[0].StartedAt

	assert.Empty(t, h.svc.RearmStale(nil), "outcome may still arrive")

	h.clock.Add(72 * time.Hour)
	added, err := h.svc.AddAllTasks("db")
	require.NoError(t, err)
	assert.Empty(t, added, "fired definitions stay indexed")
	assert.Equal(t, 0, h.sched.armed())

	shipping := func(key DefinitionKey) bool { return key == dbNightly }
	assert.Empty(t, h.svc.RearmStale(shipping), "shipment still in flight")

	assert.Equal(t, []DefinitionKey{dbNightly}, h.svc.RearmStale(nil))
	def := h.definition(t, dbNightly)
	assert.Equal(t, schedule.FailureRetryDelay, def.Decision.Timeout)
	assert.True(t, def.LastStart.Equal(startedAt))
	assert.Equal(t, 1, h.sched.armed())
	assert.False(t, h.svc.ActiveShippings("db", "", "")[0].Fired)
	assert.Equal(t, 1, h.svc.ActiveShippings("db", "", "")[0].Retries)

	// a late outcome of the lost run only re-decides the armed definition
	assert.Empty(t, h.svc.RearmStale(nil))
	h.svc.BackupFinished(dbNightly, startedAt, true, false, false)
	assert.Equal(t, 1, h.sched.armed())
	h.assertIndicesAgree(t)
}

func TestBackupFinishedAfterRemoval(t *testing.T) {
	h := newHarness(t)
	h.resource(t, "db", enabled())
	h.start(t)

	tk := h.task(t, dbNightly)
	h.clock.Add(2 * time.Hour)
	h.sched.fire(t, tk)

	assert.True(t, h.svc.RemoveSingleTask(DefinitionKey{Schedule: "NIGHTLY", Remote: "s3-eu", Resource: "db"}))
	h.svc.BackupFinished(dbNightly, h.starter.waitStarted(t, 1)[0].StartedAt, true, false, false)

	assert.Equal(t, 0, h.svc.ActiveCount())
	assert.Equal(t, 0, h.sched.armed())
	assert.False(t, h.svc.RemoveSingleTask(dbNightly))
	h.assertIndicesAgree(t)
}

func TestRemoveTasks(t *testing.T) {
	setup := func(t *testing.T) *harness {
		h := newHarness(t)
		require.NoError(t, h.store.CreateSchedule(&types.Schedule{Name: "weekly", FullCron: "0 3 * * 0"}))
		require.NoError(t, h.store.CreateRemote(&types.Remote{Name: "dr-site", Type: types.RemoteTypeCluster}))
		props := types.Props{
			"Schedule/s3-eu/nightly/Enabled":             "true",
			"Schedule/s3-eu/nightly/RenameStorPool/thin": "thick",
			"Schedule/s3-eu/weekly/Enabled":              "true",
			"Schedule/dr-site/nightly/Enabled":           "true",
		}
		h.resource(t, "db", props)
		h.resource(t, "web", types.Props{"Schedule/s3-eu/weekly/Enabled": "true"})
		h.start(t)
		require.Equal(t, 4, h.svc.ActiveCount())
		return h
	}

	t.Run("by schedule", func(t *testing.T) {
		h := setup(t)
		require.NoError(t, h.svc.RemoveTasksBySchedule("Nightly"))

		assert.Equal(t, 2, h.svc.ActiveCount())
		assert.Empty(t, h.svc.ActiveShippings("", "", "nightly"))
		assert.Len(t, h.sched.cancelled, 2)
		assert.Len(t, h.notifier.ofType(events.EventScheduleRemoved), 1)

		rd, err := h.store.GetResourceDefinition("db")
		require.NoError(t, err)
		assert.Equal(t, types.Props{"Schedule/s3-eu/weekly/Enabled": "true"}, rd.Props)
		h.assertIndicesAgree(t)
	})

	t.Run("by remote", func(t *testing.T) {
		h := setup(t)
		require.NoError(t, h.svc.RemoveTasksByRemote("s3-eu"))

		active := h.svc.ActiveShippings("", "", "")
		require.Len(t, active, 1)
		assert.Equal(t, "dr-site", active[0].Key.Remote)

		rd, err := h.store.GetResourceDefinition("db")
		require.NoError(t, err)
		assert.Equal(t, types.Props{"Schedule/dr-site/nightly/Enabled": "true"}, rd.Props)
		h.assertIndicesAgree(t)
	})

	t.Run("by resource", func(t *testing.T) {
		h := setup(t)
		h.svc.RemoveTasksByResource("DB")

		active := h.svc.ActiveShippings("", "", "")
		require.Len(t, active, 1)
		assert.Equal(t, "web", active[0].Key.Resource)

		// properties stay, the resource can be re-armed
		added, err := h.svc.AddAllTasks("db")
		require.NoError(t, err)
		assert.Len(t, added, 3)
		h.assertIndicesAgree(t)
	})
}

func TestModifyTasks(t *testing.T) {
	h := newHarness(t)
	h.resource(t, "db", enabled())
	h.resource(t, "web", enabled())
	h.start(t)

	require.NoError(t, h.store.UpdateSchedule(&types.Schedule{
		Name:     "nightly",
		FullCron: "0 4 * * *",
		IncCron:  "30 * * * *",
	}))
	h.clock.Add(10 * time.Minute)
	require.NoError(t, h.svc.ModifyTasks("nightly"))

	for _, a := range h.svc.ActiveShippings("", "", "nightly") {
		assert.Equal(t, schedule.Decision{Timeout: 20 * time.Minute, Incremental: true}, a.Decision, a.Key.String())
		assert.True(t, a.NextRun.Equal(midnight.Add(30*time.Minute)))
	}
	d, ok := h.sched.delay(h.task(t, dbNightly))
	require.True(t, ok)
	assert.Equal(t, 20*time.Minute, d)

	assert.Error(t, h.svc.ModifyTasks("weekly"))
}

func TestActiveShippingsFilter(t *testing.T) {
	h := newHarness(t)
	h.resource(t, "db", enabled())
	h.resource(t, "web", enabled())
	h.start(t)

	tests := []struct {
		rsc, remote, schedule string
		want                  int
	}{
		{"", "", "", 2},
		{"DB", "", "", 1},
		{"", "S3-EU", "", 2},
		{"web", "s3-eu", "NIGHTLY", 1},
		{"", "", "weekly", 0},
	}
	for _, tt := range tests {
		assert.Len(t, h.svc.ActiveShippings(tt.rsc, tt.remote, tt.schedule), tt.want, "%+v", tt)
	}
}

func TestShutdown(t *testing.T) {
	h := newHarness(t)
	h.resource(t, "db", enabled())
	h.start(t)
	tk := h.task(t, dbNightly)

	h.svc.Shutdown()
	assert.Equal(t, 0, h.svc.ActiveCount())
	assert.Equal(t, []scheduler.Unit{tk}, h.sched.cancelled)

	ok, err := h.svc.AddNewTask("db", "s3-eu", "nightly")
	require.NoError(t, err)
	assert.False(t, ok)

	// the cancelled task is inert
	h.sched.fire(t, tk)
	assert.Empty(t, h.starter.started())
}
