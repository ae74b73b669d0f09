package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Probe checks one dependency.
type Probe func(ctx context.Context) error

type ProbeResult struct {
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

type HealthStatus struct {
	Healthy bool                   `json:"healthy"`
	Running bool                   `json:"running"`
	Checks  map[string]ProbeResult `json:"checks"`
}

// HealthMonitor polls dependency probes in the background. The host process
// constructs it, starts it and stops it; nothing runs until Start.
type HealthMonitor struct {
	Interval time.Duration
	Timeout  time.Duration
	Logger   *logrus.Logger

	mu      sync.RWMutex
	probes  map[string]Probe
	results map[string]ProbeResult
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewHealthMonitor(interval time.Duration, logger *logrus.Logger) *HealthMonitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &HealthMonitor{
		Interval: interval,
		Timeout:  5 * time.Second,
		Logger:   logger,
		probes:   map[string]Probe{},
		results:  map[string]ProbeResult{},
	}
}

func (m *HealthMonitor) Register(name string, probe Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[name] = probe
}

// Start runs one check immediately, then every Interval until Stop or ctx ends.
// Starting a running monitor is a no-op.
func (m *HealthMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.Interval)
		defer ticker.Stop()
		for {
			m.CheckNow(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop halts the loop and waits for it to exit.
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// CheckNow runs every probe once and records the results.
func (m *HealthMonitor) CheckNow(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, 0, len(m.probes))
	for name := range m.probes {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		m.mu.RLock()
		probe := m.probes[name]
		m.mu.RUnlock()

		pctx, cancel := context.WithTimeout(ctx, m.Timeout)
		err := probe(pctx)
		cancel()

		res := ProbeResult{Healthy: err == nil, CheckedAt: time.Now().UTC()}
		if err != nil {
			res.Error = err.Error()
			if m.Logger != nil {
				m.Logger.WithFields(logrus.Fields{"field": "HealthMonitor", "probe": name}).Warn("probe failed: " + err.Error())
			}
		}
		m.mu.Lock()
		m.results[name] = res
		m.mu.Unlock()
	}
}

func (m *HealthMonitor) Status() HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := HealthStatus{Healthy: true, Running: m.cancel != nil, Checks: map[string]ProbeResult{}}
	for name, res := range m.results {
		status.Checks[name] = res
		if !res.Healthy {
			status.Healthy = false
		}
	}
	return status
}
