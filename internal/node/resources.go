package node

import (
	"context"
	"math"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

const (
	// Rough per-connection footprint: outbound queue plus peer state.
	bytesPerConnection = 160 * 1024
	runtimeOverhead    = 128 * 1024 * 1024

	minConnections     = 100
	maxConnectionsCap  = 50000
	defaultConnections = 10000

	cpuRejectThreshold = 90.0
	sampleInterval     = 10 * time.Second
)

// ResourceMonitor samples the process CPU and memory and caps the number
// of accepted connections based on the container memory limit.
type ResourceMonitor struct {
	proc     *process.Process
	logger   zerolog.Logger
	maxConns int

	cpuPercent atomicFloat
}

// atomicFloat stores a float64 behind an atomic uint64.
type atomicFloat struct{ bits atomic.Uint64 }

func (a *atomicFloat) Store(v float64) { a.bits.Store(math.Float64bits(v)) }
func (a *atomicFloat) Load() float64   { return math.Float64frombits(a.bits.Load()) }

func NewResourceMonitor(logger zerolog.Logger) *ResourceMonitor {
	m := &ResourceMonitor{
		logger:   logger.With().Str("component", "resources").Logger(),
		maxConns: defaultConnections,
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		m.proc = proc
	} else {
		m.logger.Warn().Err(err).Msg("Process stats unavailable")
	}

	if limit := cgroupMemoryLimit(); limit > 0 {
		available := limit - runtimeOverhead
		if available < 0 {
			available = limit / 2
		}
		conns := int(available / bytesPerConnection)
		if conns < minConnections {
			conns = minConnections
		}
		if conns > maxConnectionsCap {
			conns = maxConnectionsCap
		}
		m.maxConns = conns
		m.logger.Info().
			Int64("memory_limit", limit).
			Int("max_connections", conns).
			Msg("Connection cap derived from container memory limit")
	}
	return m
}

// MaxConnections returns the derived connection cap.
func (m *ResourceMonitor) MaxConnections() int { return m.maxConns }

// AllowConnection decides whether a new connection fits the resource
// envelope.
func (m *ResourceMonitor) AllowConnection(current int) bool {
	if current >= m.maxConns {
		return false
	}
	return m.cpuPercent.Load() < cpuRejectThreshold
}

// Run samples process stats until the context ends.
func (m *ResourceMonitor) Run(ctx context.Context) {
	if m.proc == nil {
		return
	}
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sample()
		case <-ctx.Done():
			return
		}
	}
}

func (m *ResourceMonitor) sample() {
	if pct, err := m.proc.CPUPercent(); err == nil {
		m.cpuPercent.Store(pct)
		cpuPercentGauge.Set(pct)
	}
	if info, err := m.proc.MemoryInfo(); err == nil {
		memoryBytesGauge.Set(float64(info.RSS))
	}
}

// cgroupMemoryLimit reads the container memory limit, trying cgroup v2
// then v1. Returns 0 when no limit applies.
func cgroupMemoryLimit() int64 {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		s := strings.TrimSpace(string(data))
		if s != "max" {
			if v, err := strconv.ParseInt(s, 10, 64); err == nil {
				return v
			}
		}
		return 0
	}
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		if v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64); err == nil {
			return v
		}
	}
	return 0
}
