// Package hostmetrics samples the daemon process's own CPU/memory usage so
// a run report can distinguish target-side latency from load-generator-side
// saturation. Adapted from cmd/agent/main.go's collectMetrics, narrowed from
// a remote-reporting telemetry agent (register/collectAndSend over HTTP) to
// an in-process sampler the coordinator polls directly — see DESIGN.md.
package hostmetrics

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Sample is a point-in-time view of host and daemon-process resource usage.
type Sample struct {
	TakenAt         time.Time
	HostCPUPercent  float64
	HostMemPercent  float64
	ProcessCPUPercent float64
	ProcessMemRSS   uint64
}

// Sampler periodically refreshes a Sample in the background. One Sampler is
// owned by the daemon process, shared across every run, mirroring the
// teacher's one-agent-per-host model collapsed to one-sampler-per-process.
type Sampler struct {
	interval time.Duration
	proc     *process.Process

	mu     sync.RWMutex
	latest Sample

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSampler builds a Sampler that refreshes every interval once Start is
// called. interval <= 0 defaults to 2s.
func NewSampler(interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Sampler{interval: interval, proc: proc, done: make(chan struct{})}
}

// Start begins background sampling. Safe to call once; a second call is a
// no-op.
func (s *Sampler) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.refresh()
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.refresh()
			}
		}
	}()
}

// Stop halts background sampling and waits for the goroutine to exit.
func (s *Sampler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Snapshot returns the most recently sampled values.
func (s *Sampler) Snapshot() Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

func (s *Sampler) refresh() {
	sample := Sample{TakenAt: time.Now()}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		sample.HostCPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		sample.HostMemPercent = vm.UsedPercent
	}
	if s.proc != nil {
		if pct, err := s.proc.CPUPercent(); err == nil {
			sample.ProcessCPUPercent = pct
		}
		if mi, err := s.proc.MemoryInfo(); err == nil && mi != nil {
			sample.ProcessMemRSS = mi.RSS
		}
	}

	s.mu.Lock()
	s.latest = sample
	s.mu.Unlock()
}
