package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cuemby/ferry/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPChecker(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		min     int
		max     int
		healthy bool
	}{
		{name: "ok", status: http.StatusOK, min: 200, max: 399, healthy: true},
		{name: "server error", status: http.StatusInternalServerError, min: 200, max: 399},
		{name: "forbidden counts as reachable", status: http.StatusForbidden, min: 100, max: 499, healthy: true},
		{name: "forbidden outside range", status: http.StatusForbidden, min: 200, max: 299},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			result := NewHTTPChecker(server.URL).WithStatusRange(tt.min, tt.max).Check(context.Background())
			assert.Equal(t, tt.healthy, result.Healthy, result.Message)
			assert.Positive(t, result.Duration)
		})
	}
}

func TestHTTPCheckerMethodAndHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead || r.Header.Get("X-Probe") != "ferry" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL).WithMethod(http.MethodHead).WithHeader("X-Probe", "ferry")
	assert.True(t, checker.Check(context.Background()).Healthy)
	assert.Equal(t, CheckTypeHTTP, checker.Type())
}

func TestHTTPCheckerNamesServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "MinIO")
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Equal(t, "HTTP 403 Forbidden (MinIO), expected 200-399", result.Message)

	result = NewHTTPChecker("://no-scheme").Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "invalid probe")
}

func TestHTTPCheckerTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).WithTimeout(50 * time.Millisecond).Check(context.Background())
	assert.False(t, result.Healthy)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, NewHTTPChecker(server.URL).Check(ctx).Healthy)
}

func TestStatusUpdate(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := Config{Retries: 2, StartPeriod: time.Minute}
	st := NewStatus(start)

	fail := func(at time.Time) Result { return Result{CheckedAt: at} }

	// failures inside the start period are not counted
	st.Update(fail(start.Add(30*time.Second)), cfg)
	assert.True(t, st.Healthy)
	assert.Equal(t, 0, st.ConsecutiveFailures)

	st.Update(fail(start.Add(2*time.Minute)), cfg)
	assert.True(t, st.Healthy)
	st.Update(fail(start.Add(3*time.Minute)), cfg)
	assert.False(t, st.Healthy)
	assert.Equal(t, 2, st.ConsecutiveFailures)

	st.Update(Result{Healthy: true, CheckedAt: start.Add(4 * time.Minute)}, cfg)
	assert.True(t, st.Healthy)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Equal(t, 1, st.ConsecutiveSuccesses)
}

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		name   string
		remote *types.Remote
		want   string
	}{
		{name: "cluster", remote: &types.Remote{Type: types.RemoteTypeCluster, Address: "10.0.0.9"}},
		{name: "explicit scheme", remote: &types.Remote{Type: types.RemoteTypeS3, Endpoint: "http://minio:9000"}, want: "http://minio:9000"},
		{name: "bare host", remote: &types.Remote{Type: types.RemoteTypeS3, Endpoint: "minio.local"}, want: "https://minio.local"},
		{name: "region only", remote: &types.Remote{Type: types.RemoteTypeS3, Region: "eu-west-1"}, want: "https://s3.eu-west-1.amazonaws.com"},
		{name: "nothing to probe", remote: &types.Remote{Type: types.RemoteTypeS3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EndpointURL(tt.remote))
		})
	}
}

type staticRemotes struct {
	mu      sync.Mutex
	remotes []*types.Remote
	err     error
}

func (s *staticRemotes) ListRemotes() ([]*types.Remote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remotes, s.err
}

type report struct {
	healthy bool
	message string
}

func TestMonitor(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer up.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	remotes := &staticRemotes{remotes: []*types.Remote{
		{Name: "s3-eu", Type: types.RemoteTypeS3, Endpoint: up.URL},
		{Name: "minio", Type: types.RemoteTypeS3, Endpoint: down.URL},
		{Name: "dr-site", Type: types.RemoteTypeCluster, Address: "10.0.0.9"},
	}}
	reports := make(map[string]report)

	m := NewMonitor(remotes, Config{Interval: time.Minute, Timeout: time.Second, Retries: 2}, clock.NewMock())
	m.SetReporter(func(component string, healthy bool, message string) {
		reports[component] = report{healthy: healthy, message: message}
	})

	next, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Minute, next)
	m.rounds.Wait()
	assert.True(t, reports["remote/s3-eu"].healthy)
	assert.True(t, reports["remote/minio"].healthy, "one failure is below the retry threshold")
	assert.NotContains(t, reports, "remote/dr-site")

	_, err = m.Run(context.Background())
	require.NoError(t, err)
	m.rounds.Wait()
	assert.False(t, reports["remote/minio"].healthy)
	st, ok := m.Status("minio")
	require.True(t, ok)
	assert.Equal(t, 2, st.ConsecutiveFailures)

	// a removed remote is reported healthy once and forgotten
	remotes.mu.Lock()
	remotes.remotes = remotes.remotes[:1]
	remotes.mu.Unlock()
	_, err = m.Run(context.Background())
	require.NoError(t, err)
	m.rounds.Wait()
	assert.True(t, reports["remote/minio"].healthy)
	_, ok = m.Status("minio")
	assert.False(t, ok)
}

func TestMonitorListError(t *testing.T) {
	m := NewMonitor(&staticRemotes{err: errors.New("store closed")}, DefaultConfig(), nil)
	m.SetReporter(func(string, bool, string) {})
	_, err := m.Run(context.Background())
	assert.Error(t, err)
}

func TestMonitorRunDoesNotWaitForChecks(t *testing.T) {
	release := make(chan struct{})
	var requests sync.WaitGroup
	requests.Add(3)
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Done()
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer slow.Close()

	remotes := &staticRemotes{remotes: []*types.Remote{
		{Name: "a", Type: types.RemoteTypeS3, Endpoint: slow.URL},
		{Name: "b", Type: types.RemoteTypeS3, Endpoint: slow.URL},
		{Name: "c", Type: types.RemoteTypeS3, Endpoint: slow.URL},
	}}
	var mu sync.Mutex
	reports := make(map[string]bool)
	m := NewMonitor(remotes, Config{Interval: time.Minute, Timeout: 10 * time.Second, Retries: 1}, nil)
	m.SetReporter(func(component string, healthy bool, message string) {
		mu.Lock()
		defer mu.Unlock()
		reports[component] = healthy
	})

	start := time.Now()
	next, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Minute, next)
	assert.Less(t, time.Since(start), time.Second)

	// all three probes are in flight at once
	requests.Wait()

	// a round in flight is not overlapped
	_, err = m.Run(context.Background())
	require.NoError(t, err)

	close(release)
	m.rounds.Wait()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]bool{"remote/a": true, "remote/b": true, "remote/c": true}, reports)
}
