package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cuemby/ferry/pkg/log"
	"github.com/cuemby/ferry/pkg/metrics"
	"github.com/cuemby/ferry/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentProbes bounds the probes of one round
const maxConcurrentProbes = 8

// RemoteLister lists the configured remotes
type RemoteLister interface {
	ListRemotes() ([]*types.Remote, error)
}

// ReportFunc receives the health of a remote after every probe
type ReportFunc func(component string, healthy bool, message string)

// Monitor is a recurring scheduler unit probing the endpoints of S3
// remotes. Cluster remotes only listen while a shipment is in flight and
// are not probed. Run only starts a probe round in the background, so a
// slow endpoint never holds up the scheduler worker.
type Monitor struct {
	remotes RemoteLister
	cfg     Config
	report  ReportFunc
	forget  func(component string)
	clock   clock.Clock
	logger  zerolog.Logger

	mu       sync.Mutex
	statuses map[string]*Status
	probing  bool
	rounds   sync.WaitGroup
}

// NewMonitor creates a monitor reporting to the metrics health registry
func NewMonitor(remotes RemoteLister, cfg Config, clk clock.Clock) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Monitor{
		remotes:  remotes,
		cfg:      cfg,
		report:   metrics.UpdateComponent,
		forget:   metrics.RemoveComponent,
		clock:    clk,
		logger:   log.WithComponent("health"),
		statuses: make(map[string]*Status),
	}
}

// SetReporter replaces the metrics health registry as report target.
// Removed remotes are reported healthy with message "removed".
func (m *Monitor) SetReporter(fn ReportFunc) {
	m.report = fn
	m.forget = func(component string) { fn(component, true, "removed") }
}

// Run starts a probe round of every S3 remote and returns the probe
// interval. A round still in flight is not overlapped.
func (m *Monitor) Run(ctx context.Context) (time.Duration, error) {
	remotes, err := m.remotes.ListRemotes()
	if err != nil {
		return 0, fmt.Errorf("failed to list remotes: %w", err)
	}

	m.mu.Lock()
	if m.probing {
		m.mu.Unlock()
		m.logger.Debug().Msg("Previous probe round still running, skipping")
		return m.cfg.Interval, nil
	}
	m.probing = true
	m.rounds.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.rounds.Done()
		m.probeAll(ctx, remotes)
	}()
	return m.cfg.Interval, nil
}

type probe struct {
	remote string
	url    string
	result Result
}

// probeAll probes the remotes concurrently and reports the outcomes in
// the order of remotes
func (m *Monitor) probeAll(ctx context.Context, remotes []*types.Remote) {
	var probes []*probe
	for _, remote := range remotes {
		if url := EndpointURL(remote); url != "" {
			probes = append(probes, &probe{remote: remote.Name, url: url})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)
	for _, p := range probes {
		p := p
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, m.cfg.Timeout)
			defer cancel()
			p.result = NewHTTPChecker(p.url).
				WithMethod(http.MethodHead).
				WithStatusRange(100, 499).
				WithTimeout(m.cfg.Timeout).
				Check(probeCtx)
			p.result.CheckedAt = m.clock.Now()
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.probing = false

	seen := make(map[string]bool, len(probes))
	for _, p := range probes {
		seen[p.remote] = true
		st, ok := m.statuses[p.remote]
		if !ok {
			st = NewStatus(p.result.CheckedAt)
			m.statuses[p.remote] = st
		}
		wasHealthy := st.Healthy
		st.Update(p.result, m.cfg)

		if wasHealthy && !st.Healthy {
			m.logger.Warn().Str("remote", p.remote).Str("endpoint", p.url).Msg("Remote unreachable: " + p.result.Message)
		} else if !wasHealthy && st.Healthy {
			m.logger.Info().Str("remote", p.remote).Msg("Remote reachable again")
		}
		m.report("remote/"+p.remote, st.Healthy, p.result.Message)
	}

	for name := range m.statuses {
		if !seen[name] {
			delete(m.statuses, name)
			m.forget("remote/" + name)
		}
	}
}

// Status returns the probe status of a remote
func (m *Monitor) Status(remote string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[remote]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// EndpointURL returns the URL probed for an S3 remote, or "" for remotes
// without an endpoint to probe
func EndpointURL(remote *types.Remote) string {
	if remote.Type != types.RemoteTypeS3 {
		return ""
	}
	endpoint := remote.Endpoint
	if endpoint == "" {
		if remote.Region == "" {
			return ""
		}
		endpoint = "s3." + remote.Region + ".amazonaws.com"
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	return endpoint
}
