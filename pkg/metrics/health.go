package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Report states
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// CoreComponents must be registered and healthy for ferry to be ready.
// Any other unhealthy component, such as an unreachable remote, only
// degrades the health report.
var CoreComponents = []string{"store", "scheduler", "shipping"}

// Report is the body of the /health and /ready endpoints
type Report struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// Component is the last reported state of one component
type Component struct {
	Healthy bool
	Message string
	// Since is when the component last changed between healthy and
	// unhealthy
	Since time.Time
}

type registry struct {
	mu         sync.RWMutex
	components map[string]Component
	started    time.Time
	version    string
}

var components = newRegistry()

func newRegistry() *registry {
	return &registry{
		components: make(map[string]Component),
		started:    time.Now(),
	}
}

// SetVersion sets the version reported by the health endpoints
func SetVersion(version string) {
	components.mu.Lock()
	defer components.mu.Unlock()
	components.version = version
}

// RegisterComponent sets the state of a component, replacing any earlier one
func RegisterComponent(name string, healthy bool, message string) {
	components.mu.Lock()
	defer components.mu.Unlock()
	components.components[name] = Component{Healthy: healthy, Message: message, Since: time.Now()}
}

// UpdateComponent reports the state of a component. Since only moves when
// the component turns healthy or unhealthy.
func UpdateComponent(name string, healthy bool, message string) {
	components.mu.Lock()
	defer components.mu.Unlock()

	comp, ok := components.components[name]
	if !ok || comp.Healthy != healthy {
		comp.Since = time.Now()
	}
	comp.Healthy = healthy
	comp.Message = message
	components.components[name] = comp
}

// RemoveComponent forgets a component
func RemoveComponent(name string) {
	components.mu.Lock()
	defer components.mu.Unlock()
	delete(components.components, name)
}

// GetComponent returns the last reported state of a component
func GetComponent(name string) (Component, bool) {
	components.mu.RLock()
	defer components.mu.RUnlock()
	comp, ok := components.components[name]
	return comp, ok
}

func isCore(name string) bool {
	for _, core := range CoreComponents {
		if core == name {
			return true
		}
	}
	return false
}

func describe(comp Component) string {
	if comp.Healthy {
		return StatusHealthy
	}
	desc := "unhealthy since " + comp.Since.UTC().Format(time.RFC3339)
	if comp.Message != "" {
		desc += ": " + comp.Message
	}
	return desc
}

// GetHealth reports unhealthy when a core component is unhealthy and
// degraded when any other component is
func GetHealth() Report {
	components.mu.RLock()
	defer components.mu.RUnlock()

	report := components.report(StatusHealthy)
	var failing []string
	for name, comp := range components.components {
		report.Components[name] = describe(comp)
		if comp.Healthy {
			continue
		}
		failing = append(failing, name)
		if isCore(name) {
			report.Status = StatusUnhealthy
		} else if report.Status == StatusHealthy {
			report.Status = StatusDegraded
		}
	}
	if len(failing) > 0 {
		sort.Strings(failing)
		report.Message = "failing: " + strings.Join(failing, ", ")
	}
	return report
}

// GetReadiness reports ready once every core component registered healthy
func GetReadiness() Report {
	components.mu.RLock()
	defer components.mu.RUnlock()

	report := components.report(StatusReady)
	for _, name := range CoreComponents {
		comp, ok := components.components[name]
		switch {
		case !ok:
			report.Components[name] = "not registered"
		case !comp.Healthy:
			report.Components[name] = describe(comp)
		default:
			report.Components[name] = StatusReady
			continue
		}
		if report.Status == StatusReady {
			report.Status = StatusNotReady
			report.Message = "waiting for " + name
		}
	}
	return report
}

// report starts a report in state status. Caller must hold r.mu.
func (r *registry) report(status string) Report {
	return Report{
		Status:     status,
		Timestamp:  time.Now(),
		Components: make(map[string]string),
		Version:    r.version,
		Uptime:     time.Since(r.started).Round(time.Second).String(),
	}
}

func writeReport(w http.ResponseWriter, code int, report any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}

// HealthHandler serves GetHealth. Degraded still answers 200.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := GetHealth()
		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeReport(w, code, report)
	}
}

// ReadyHandler serves GetReadiness
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := GetReadiness()
		code := http.StatusOK
		if report.Status != StatusReady {
			code = http.StatusServiceUnavailable
		}
		writeReport(w, code, report)
	}
}

// LivenessHandler answers 200 as long as the process serves requests
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		components.mu.RLock()
		uptime := time.Since(components.started).Round(time.Second)
		components.mu.RUnlock()
		writeReport(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": uptime.String(),
		})
	}
}
