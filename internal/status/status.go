// Package status samples host load and broadcasts service status changes.
package status

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/usage-relay/backend/internal/event"
)

type Status string

const (
	StatusOperational Status = "operational"
	StatusDegraded    Status = "degraded"
	StatusUnknown     Status = "unknown"
)

type Config struct {
	Enabled          bool          `yaml:"enabled" env:"ENABLED"`
	Service          string        `yaml:"service" env:"SERVICE"`
	Interval         time.Duration `yaml:"interval" env:"INTERVAL"`
	CPUThreshold     float64       `yaml:"cpu_threshold" env:"CPU_THRESHOLD"`
	MemoryThreshold  float64       `yaml:"memory_threshold" env:"MEMORY_THRESHOLD"`
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
}

// Sample is one reading of host load, in percent.
type Sample struct {
	CPUPercent    float64
	MemoryPercent float64
}

// Sampler reads current host load.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// Publisher receives status transitions.
type Publisher interface {
	ServiceStatusChanged(s event.ServiceStatus)
}

// HostSampler reads CPU and memory usage with gopsutil.
type HostSampler struct{}

func (HostSampler) Sample(ctx context.Context) (Sample, error) {
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Sample{}, fmt.Errorf("reading cpu: %w", err)
	}
	if len(pcts) == 0 {
		return Sample{}, fmt.Errorf("reading cpu: no data")
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("reading memory: %w", err)
	}
	return Sample{CPUPercent: pcts[0], MemoryPercent: vm.UsedPercent}, nil
}

// Monitor tracks the status of one service. It starts out operational and
// publishes only when the computed status differs from the last one
// published.
type Monitor struct {
	cfg     Config
	sampler Sampler
	pub     Publisher
	clock   quartz.Clock

	mu          sync.Mutex
	failures    int
	lastErr     string
	lastSample  Sample
	lastEmitted Status
	lastEmitAt  time.Time
}

// New creates a Monitor. A nil sampler reads the host, a nil clock uses the
// real clock.
func New(cfg Config, sampler Sampler, pub Publisher, clock quartz.Clock) *Monitor {
	if sampler == nil {
		sampler = HostSampler{}
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	return &Monitor{
		cfg:         cfg,
		sampler:     sampler,
		pub:         pub,
		clock:       clock,
		lastEmitted: StatusOperational,
	}
}

// Start runs Check every cfg.Interval until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) quartz.Waiter {
	log.Printf("Status monitor for %s sampling every %s", m.cfg.Service, m.cfg.Interval)
	return m.clock.TickerFunc(ctx, m.cfg.Interval, func() error {
		m.Check(ctx)
		return nil
	}, "status", "sample")
}

// Check takes one sample, updates the status and publishes a transition.
func (m *Monitor) Check(ctx context.Context) Status {
	sample, err := m.sampler.Sample(ctx)

	m.mu.Lock()
	if err != nil {
		m.failures++
		m.lastErr = err.Error()
	} else {
		m.failures = 0
		m.lastErr = ""
		m.lastSample = sample
	}
	status, detail := m.statusLocked()
	changed := status != m.lastEmitted
	if changed {
		m.lastEmitted = status
		m.lastEmitAt = m.clock.Now()
	}
	m.mu.Unlock()

	if changed {
		if detail != "" {
			log.Printf("Service %s is now %s: %s", m.cfg.Service, status, detail)
		} else {
			log.Printf("Service %s is now %s", m.cfg.Service, status)
		}
		if m.pub != nil {
			m.pub.ServiceStatusChanged(event.ServiceStatus{
				Service: m.cfg.Service,
				Status:  string(status),
				Detail:  detail,
			})
		}
	}
	return status
}

// statusLocked computes the status from the current counters. Caller must
// hold m.mu.
func (m *Monitor) statusLocked() (Status, string) {
	if m.failures >= m.cfg.FailureThreshold {
		return StatusUnknown, fmt.Sprintf("Load sampling failed %d times: %s.", m.failures, m.lastErr)
	}
	if m.failures > 0 {
		// Below the threshold the previous status stands.
		return m.lastEmitted, ""
	}
	s := m.lastSample
	if m.cfg.CPUThreshold > 0 && s.CPUPercent >= m.cfg.CPUThreshold {
		return StatusDegraded, fmt.Sprintf("CPU at %.0f%%.", s.CPUPercent)
	}
	if m.cfg.MemoryThreshold > 0 && s.MemoryPercent >= m.cfg.MemoryThreshold {
		return StatusDegraded, fmt.Sprintf("Memory at %.0f%%.", s.MemoryPercent)
	}
	return StatusOperational, ""
}

// Snapshot returns the last published status, when it was published and the
// last successful sample.
func (m *Monitor) Snapshot() (Status, time.Time, Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastEmitted, m.lastEmitAt, m.lastSample
}
