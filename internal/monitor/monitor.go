// Package monitor samples host CPU and memory utilization for admission control.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/types"
)

// Sampler takes a single utilization reading
type Sampler interface {
	Sample(ctx context.Context) (types.ResourceSnapshot, error)
}

// HostSampler reads utilization of the local host.
// GPU utilization is not sampled and always reports 0.
type HostSampler struct{}

// Sample implements Sampler
func (HostSampler) Sample(ctx context.Context) (types.ResourceSnapshot, error) {
	// interval 0 compares against the previous call, so it never blocks
	cpus, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return types.ResourceSnapshot{}, fmt.Errorf("failed to read cpu usage: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return types.ResourceSnapshot{}, fmt.Errorf("failed to read memory usage: %w", err)
	}

	snap := types.ResourceSnapshot{
		MemPercent: vm.UsedPercent,
		SampledAt:  time.Now(),
	}
	if len(cpus) > 0 {
		snap.CPUPercent = cpus[0]
	}
	return snap, nil
}

// Monitor keeps the latest snapshot so readers never block on sampling
type Monitor struct {
	sampler  Sampler
	interval time.Duration

	mu      sync.RWMutex
	latest  types.ResourceSnapshot
	samples uint64
	errors  uint64
}

// New creates a monitor that samples every interval
func New(sampler Sampler, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &Monitor{sampler: sampler, interval: interval}
}

// Latest returns the most recent snapshot (zero value before the first sample)
func (m *Monitor) Latest() types.ResourceSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// Refresh samples once and stores the result
func (m *Monitor) Refresh(ctx context.Context) (types.ResourceSnapshot, error) {
	snap, err := m.sampler.Sample(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.errors++
		return m.latest, err
	}
	m.latest = snap
	m.samples++
	return snap, nil
}

// Run samples until ctx is cancelled
func (m *Monitor) Run(ctx context.Context) {
	if _, err := m.Refresh(ctx); err != nil {
		slog.Warn("initial resource sample failed", "error", err)
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Refresh(ctx); err != nil {
				slog.Warn("resource sample failed, keeping previous snapshot", "error", err)
			}
		}
	}
}

// Stats contains monitor statistics
type Stats struct {
	Latest  types.ResourceSnapshot
	Samples uint64
	Errors  uint64
}

// Stats returns monitor statistics
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{Latest: m.latest, Samples: m.samples, Errors: m.errors}
}

// StaticSampler always returns the same snapshot. Useful in tests and dry runs.
type StaticSampler struct {
	mu   sync.Mutex
	snap types.ResourceSnapshot
}

// NewStaticSampler returns a sampler fixed at the given percentages
func NewStaticSampler(cpuPct, memPct float64) *StaticSampler {
	return &StaticSampler{snap: types.ResourceSnapshot{CPUPercent: cpuPct, MemPercent: memPct}}
}

// Set replaces the reported values
func (s *StaticSampler) Set(cpuPct, memPct float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.CPUPercent = cpuPct
	s.snap.MemPercent = memPct
}

// Sample implements Sampler
func (s *StaticSampler) Sample(context.Context) (types.ResourceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snap
	snap.SampledAt = time.Now()
	return snap, nil
}
