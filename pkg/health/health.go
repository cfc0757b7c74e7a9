package health

import (
	"context"
	"time"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// Config contains the probing configuration of remotes
type Config struct {
	// Interval is the time between probes of a remote
	Interval time.Duration

	// Timeout bounds a single probe
	Timeout time.Duration

	// Retries is the number of consecutive failures before a remote is
	// reported unhealthy
	Retries int

	// StartPeriod is the grace period during which failures are not counted
	StartPeriod time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Minute,
		Timeout:     10 * time.Second,
		Retries:     3,
		StartPeriod: 0,
	}
}

// Status tracks the health of one remote across probes
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result
	Healthy              bool
	StartedAt            time.Time
}

// NewStatus creates a healthy status starting at now
func NewStatus(now time.Time) *Status {
	return &Status{
		Healthy:   true,
		StartedAt: now,
	}
}

// Update updates the status based on a new probe result
func (s *Status) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}
	if s.InStartPeriod(config, result.CheckedAt) {
		return
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= config.Retries {
		s.Healthy = false
	}
}

// InStartPeriod reports whether now is still inside the grace period
func (s *Status) InStartPeriod(config Config, now time.Time) bool {
	if config.StartPeriod == 0 {
		return false
	}
	return now.Sub(s.StartedAt) < config.StartPeriod
}
