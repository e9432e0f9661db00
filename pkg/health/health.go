// Package health tracks runtime liveness, readiness and named checks.
//
// The aggregate status is Unhealthy when the runtime is not alive or any
// check is Unhealthy, Degraded when any check is Degraded, and Healthy
// otherwise. Readiness is reported alongside but never changes the
// aggregate.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// Status is a health level.
type Status int

const (
	Healthy Status = iota
	Degraded
	Unhealthy
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "healthy":
		*s = Healthy
	case "degraded":
		*s = Degraded
	case "unhealthy":
		*s = Unhealthy
	default:
		return fmt.Errorf("health: unknown status %q", b)
	}
	return nil
}

// Check is the latest result for one named check.
type Check struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProbeFunc computes a check on demand.
type ProbeFunc func(ctx context.Context) (Status, string)

// Monitor is the health registry. All methods are safe for concurrent use.
type Monitor struct {
	mu            sync.Mutex
	alive         bool
	ready         bool
	lastHeartbeat time.Time
	checks        map[string]Check
	probes        map[string]ProbeFunc
	watchers      map[chan struct{}]struct{}
	now           func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor returns a monitor that is alive, not ready, with a fresh
// heartbeat.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		alive:    true,
		checks:   make(map[string]Check),
		probes:   make(map[string]ProbeFunc),
		watchers: make(map[chan struct{}]struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.lastHeartbeat = m.now()
	return m
}

// ============================================================================
// 存活 / 就緒 / 心跳
// ============================================================================

func (m *Monitor) SetAlive(alive bool) {
	m.mu.Lock()
	changed := m.alive != alive
	m.alive = alive
	m.mu.Unlock()
	if changed {
		m.notify()
	}
}

func (m *Monitor) SetReady(ready bool) {
	m.mu.Lock()
	m.ready = ready
	m.mu.Unlock()
}

func (m *Monitor) IsAlive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alive
}

func (m *Monitor) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// Heartbeat records that the runtime made progress.
func (m *Monitor) Heartbeat() {
	now := m.now()
	m.mu.Lock()
	m.lastHeartbeat = now
	m.mu.Unlock()
}

func (m *Monitor) LastHeartbeat() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHeartbeat
}

// HeartbeatRecent reports whether the last heartbeat is within threshold.
func (m *Monitor) HeartbeatRecent(threshold time.Duration) bool {
	return m.now().Sub(m.LastHeartbeat()) <= threshold
}

// ============================================================================
// 檢查項
// ============================================================================

// AddCheck records a check result. The last write for a name wins.
func (m *Monitor) AddCheck(name string, status Status, message string) {
	now := m.now()
	m.mu.Lock()
	prev, existed := m.checks[name]
	m.checks[name] = Check{Name: name, Status: status, Message: message, UpdatedAt: now}
	m.mu.Unlock()
	if !existed || prev.Status != status {
		m.notify()
	}
}

func (m *Monitor) RemoveCheck(name string) {
	m.mu.Lock()
	_, existed := m.checks[name]
	delete(m.checks, name)
	m.mu.Unlock()
	if existed {
		m.notify()
	}
}

func (m *Monitor) ClearChecks() {
	m.mu.Lock()
	n := len(m.checks)
	m.checks = make(map[string]Check)
	m.mu.Unlock()
	if n > 0 {
		m.notify()
	}
}

// Check returns the named check.
func (m *Monitor) Check(name string) (Check, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.checks[name]
	return c, ok
}

// RegisterProbe installs fn to be evaluated by RunProbes under name.
func (m *Monitor) RegisterProbe(name string, fn ProbeFunc) {
	m.mu.Lock()
	m.probes[name] = fn
	m.mu.Unlock()
}

// RunProbes evaluates every registered probe and records the results.
func (m *Monitor) RunProbes(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.probes))
	for name := range m.probes {
		names = append(names, name)
	}
	probes := make(map[string]ProbeFunc, len(m.probes))
	for k, v := range m.probes {
		probes[k] = v
	}
	m.mu.Unlock()

	slices.Sort(names)
	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		status, msg := probes[name](ctx)
		m.AddCheck(name, status, msg)
	}
}

// Status is the aggregate status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Monitor) statusLocked() Status {
	if !m.alive {
		return Unhealthy
	}
	status := Healthy
	for _, c := range m.checks {
		if c.Status > status {
			status = c.Status
		}
	}
	return status
}

// ============================================================================
// 報告
// ============================================================================

// Report is a point-in-time health summary.
type Report struct {
	Status        Status    `json:"status"`
	Ready         bool      `json:"ready"`
	Alive         bool      `json:"alive"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Checks        []Check   `json:"checks"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// Report returns the current summary with checks sorted by name.
func (m *Monitor) Report() Report {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	checks := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		checks = append(checks, c)
	}
	slices.SortFunc(checks, func(a, b Check) int { return strings.Compare(a.Name, b.Name) })

	return Report{
		Status:        m.statusLocked(),
		Ready:         m.ready,
		Alive:         m.alive,
		LastHeartbeat: m.lastHeartbeat,
		Checks:        checks,
		GeneratedAt:   now,
	}
}

// ToJSON renders the report.
func (r Report) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// Watch returns a channel that receives a signal whenever the aggregate
// inputs change, and a function to stop watching.
func (m *Monitor) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.watchers[ch] = struct{}{}
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		delete(m.watchers, ch)
		m.mu.Unlock()
	}
}

func (m *Monitor) notify() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
