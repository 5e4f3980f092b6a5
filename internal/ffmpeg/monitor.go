package ffmpeg

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessUsage summarizes resource use sampled while a process ran.
type ProcessUsage struct {
	PID          int           `json:"pid"`
	PeakRSSBytes uint64        `json:"peak_rss_bytes"`
	CPUUser      time.Duration `json:"cpu_user"`
	CPUSystem    time.Duration `json:"cpu_system"`
	Samples      int           `json:"samples"`
}

// processMonitor samples a child process until stopped.
type processMonitor struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	usage ProcessUsage
}

func startProcessMonitor(pid int, interval time.Duration) *processMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	m := &processMonitor{
		cancel: cancel,
		done:   make(chan struct{}),
		usage:  ProcessUsage{PID: pid},
	}
	go m.loop(ctx, int32(pid), interval) //nolint:gosec // pids fit in int32
	return m
}

func (m *processMonitor) loop(ctx context.Context, pid int32, interval time.Duration) {
	defer close(m.done)

	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.sample(ctx, proc)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx, proc)
		}
	}
}

func (m *processMonitor) sample(ctx context.Context, proc *process.Process) {
	mem, memErr := proc.MemoryInfoWithContext(ctx)
	times, cpuErr := proc.TimesWithContext(ctx)
	if memErr != nil && cpuErr != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage.Samples++
	if memErr == nil && mem.RSS > m.usage.PeakRSSBytes {
		m.usage.PeakRSSBytes = mem.RSS
	}
	if cpuErr == nil {
		m.usage.CPUUser = time.Duration(times.User * float64(time.Second))
		m.usage.CPUSystem = time.Duration(times.System * float64(time.Second))
	}
}

// stop ends sampling and returns the collected usage, or nil if no sample
// was taken.
func (m *processMonitor) stop() *ProcessUsage {
	m.cancel()
	<-m.done

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.usage.Samples == 0 {
		return nil
	}
	u := m.usage
	return &u
}
